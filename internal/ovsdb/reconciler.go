// SPDX-License-Identifier:Apache-2.0

package ovsdb

import (
	"sort"
	"strconv"

	"github.com/go-kit/log/level"
	"k8s.io/apimachinery/pkg/util/sets"
)

// unknownDst is the MAC of the multicast row that floods BUM traffic of
// a logical switch to the service node.
const unknownDst = "unknown-dst"

// forwardingState tracks the device rows associated with one logical
// switch.
type forwardingState struct {
	// mcastRemote is the single multicast-remote row currently serving
	// the switch. Rows it replaced, or that point at the wrong service
	// node, wait in superseded until the device confirms their delete.
	mcastRemote RowHandle
	superseded  sets.Set[RowHandle]
	// deleting holds the superseded rows an encode already deletes.
	deleting sets.Set[RowHandle]
	// mcastPending is set while an encoded multicast-remote add has not
	// been reported back.
	mcastPending bool

	mcastLocal sets.Set[RowHandle]
	ucastLocal sets.Set[RowHandle]
	// localRef keeps the entry alive while local rows reference it.
	localRef bool
}

func newForwardingState() *forwardingState {
	return &forwardingState{
		superseded: sets.New[RowHandle](),
		deleting:   sets.New[RowHandle](),
		mcastLocal: sets.New[RowHandle](),
		ucastLocal: sets.New[RowHandle](),
	}
}

// observe makes row the current multicast-remote row, superseding the
// previous one.
func (f *forwardingState) observe(row RowHandle) {
	f.mcastPending = false
	if f.mcastRemote == row {
		return
	}
	if f.mcastRemote != "" {
		f.superseded.Insert(f.mcastRemote)
	}
	f.superseded.Delete(row)
	f.mcastRemote = row
}

func (f *forwardingState) supersede(row RowHandle) {
	if f.mcastRemote == row {
		f.mcastRemote = ""
	}
	f.superseded.Insert(row)
}

func (f *forwardingState) forget(row RowHandle) {
	if f.mcastRemote == row {
		f.mcastRemote = ""
	}
	f.superseded.Delete(row)
	f.deleting.Delete(row)
}

// undeleted reports whether a superseded row has no delete encoded yet.
func (f *forwardingState) undeleted() bool {
	for r := range f.superseded {
		if !f.deleting.Has(r) {
			return true
		}
	}
	return false
}

// settled reports whether exactly one valid multicast row serves the
// switch.
func (f *forwardingState) settled() bool {
	return f.mcastRemote != "" && f.superseded.Len() == 0
}

func (f *forwardingState) hasLocalBindings() bool {
	return f.mcastLocal.Len() > 0 || f.ucastLocal.Len() > 0
}

func (f *forwardingState) rows() []RowHandle {
	ret := sortedRows(f.superseded)
	if f.mcastRemote != "" {
		ret = append(ret, f.mcastRemote)
	}
	ret = append(ret, sortedRows(f.mcastLocal)...)
	return append(ret, sortedRows(f.ucastLocal)...)
}

func (f *forwardingState) describe(attrs map[string]string) {
	attrs["mcast_remote"] = string(f.mcastRemote)
	attrs["superseded"] = strconv.Itoa(f.superseded.Len())
	attrs["mcast_local"] = strconv.Itoa(f.mcastLocal.Len())
	attrs["ucast_local"] = strconv.Itoa(f.ucastLocal.Len())
}

func sortedRows(s sets.Set[RowHandle]) []RowHandle {
	ret := s.UnsortedList()
	sort.Slice(ret, func(i, j int) bool { return ret[i] < ret[j] })
	return ret
}

// needsMcastRemote reports whether an encode of e should add a new
// multicast-remote row.
func (t *Table) needsMcastRemote(e *Entry) bool {
	f := e.fwd
	return f != nil && !e.stale && !f.mcastPending && f.mcastRemote == "" && f.superseded.Len() == 0
}

// owner finds the logical switch a MAC row belongs to, by row reference
// or by name.
func (t *Table) owner(f Fields) *Entry {
	switch v := f["logical_switch"].(type) {
	case RowHandle:
		if e := t.rows[v]; e != nil && e.row == v {
			return e
		}
	case string:
		return t.Find(v)
	}
	return nil
}

func (t *Table) onMcastRemote(n Notification) {
	if n.Op == OpDelete {
		e := t.rows[n.Row]
		if e == nil {
			level.Debug(t.logger).Log("op", "notify", "remote", n.Table, "row", n.Row, "msg", "delete for unknown row")
			return
		}
		delete(t.rows, n.Row)
		e.fwd.forget(n.Row)
		level.Debug(t.logger).Log("op", "notify", "key", e.key, "remote", n.Table, "row", n.Row, "superseded", e.fwd.superseded.Len(), "msg", "multicast row removed")
		if !e.deleted && t.needsMcastRemote(e) {
			// An encode in flight picks this up on its ack.
			e.dirty = true
			t.process(e)
		}
		return
	}

	e := t.owner(n.Fields)
	if e == nil {
		t.dropNotification(n, "no logical switch owns this row")
		return
	}
	t.rows[n.Row] = e
	e.fwd.observe(n.Row)
	if dst := n.Fields.Text("dst_ip"); dst != t.client.tsnIP {
		level.Info(t.logger).Log("op", "notify", "key", e.key, "row", n.Row, "dst_ip", dst, "tsn", t.client.tsnIP, "msg", "multicast row points at another service node, replacing")
		e.fwd.supersede(n.Row)
	}
	if !e.deleted && e.fwd.undeleted() {
		// An encode in flight picks this up on its ack.
		e.dirty = true
		t.process(e)
	}
}

func (t *Table) onLocal(n Notification) {
	mcast := n.Table == RemoteMcastMacsLocal
	remove := n.Op == OpDelete
	if mcast && !remove && n.Fields.Row("locator_set") == "" {
		// A local multicast row without a locator set carries nothing.
		remove = true
	}

	var e *Entry
	if remove {
		e = t.rows[n.Row]
		if e == nil {
			level.Debug(t.logger).Log("op", "notify", "remote", n.Table, "row", n.Row, "msg", "delete for unknown row")
			return
		}
		delete(t.rows, n.Row)
	} else {
		e = t.owner(n.Fields)
		if e == nil {
			t.dropNotification(n, "no logical switch owns this row")
			return
		}
		t.rows[n.Row] = e
	}

	set := e.fwd.ucastLocal
	if mcast {
		set = e.fwd.mcastLocal
	}
	if remove {
		set.Delete(n.Row)
	} else {
		set.Insert(n.Row)
	}
	t.updateLocalRef(e)
}

// updateLocalRef holds e while it has local bindings and releases it,
// erasing a retained entry, once they drain.
func (t *Table) updateLocalRef(e *Entry) {
	if e.fwd == nil {
		return
	}
	if e.fwd.hasLocalBindings() {
		if e.state == StateActive {
			e.fwd.localRef = true
		}
		return
	}
	e.fwd.localRef = false
	if e.state == StateDeleted && e.deleted {
		level.Info(t.logger).Log("op", "notify", "key", e.key, "msg", "local macs cleaned up")
		t.erase(e)
	}
}
