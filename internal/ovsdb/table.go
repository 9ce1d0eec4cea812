// SPDX-License-Identifier:Apache-2.0

package ovsdb

import (
	"sort"
	"strings"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/btree"
	"k8s.io/apimachinery/pkg/util/sets"
)

const btreeDegree = 16

// Table holds the entries of one Kind, ordered by name, plus an index
// from device row handles to the entry that owns each row.
type Table struct {
	kind   Kind
	remote RemoteTable
	client *Client
	logger log.Logger

	entries *btree.BTreeG[*Entry]
	rows    map[RowHandle]*Entry

	// closing rejects new entries once teardown has started.
	closing bool
	closed  bool
}

func newTable(c *Client, kind Kind, remote RemoteTable) *Table {
	return &Table{
		kind:    kind,
		remote:  remote,
		client:  c,
		logger:  log.With(c.logger, "table", kind),
		entries: btree.NewG[*Entry](btreeDegree, entryLess),
		rows:    map[RowHandle]*Entry{},
	}
}

// Kind returns the kind of object the table holds.
func (t *Table) Kind() Kind { return t.kind }

// Len returns the number of entries.
func (t *Table) Len() int { return t.entries.Len() }

// Find returns the entry called name, or nil.
func (t *Table) Find(name string) *Entry {
	e, _ := t.entries.Get(&Entry{key: Key{Kind: t.kind, Name: name}})
	return e
}

// GetOrCreateReference returns the entry called name, creating an empty
// placeholder when none exists. It returns nil once the table is
// closing.
func (t *Table) GetOrCreateReference(name string) *Entry {
	if e := t.Find(name); e != nil {
		return e
	}
	if t.closing {
		return nil
	}
	return t.insert(name)
}

func (t *Table) insert(name string) *Entry {
	e := &Entry{
		key:   Key{Kind: t.kind, Name: name},
		state: StateInit,
		since: t.client.now(),
	}
	if t.kind == KindLogicalSwitch {
		e.fwd = newForwardingState()
	}
	t.entries.ReplaceOrInsert(e)
	stats.entryAdded(t.kind, e.state)
	return e
}

// IsResolved reports whether the entry called name can be referenced.
func (t *Table) IsResolved(name string) bool {
	return t.client.isResolved(t.Find(name))
}

// Upsert sets the desired state of obj. Upserting identical state is a
// no-op.
func (t *Table) Upsert(obj Object) {
	k := obj.Key()
	if k.Kind != t.kind {
		level.Error(t.logger).Log("op", "upsert", "key", k, "msg", "object kind does not match table")
		return
	}
	if t.closing {
		level.Warn(t.logger).Log("op", "upsert", "key", k, "msg", "table is shutting down, ignoring")
		return
	}

	e := t.Find(k.Name)
	switch {
	case e == nil:
		e = t.insert(k.Name)
		e.obj = obj
		e.dirty = true
	case e.stale:
		level.Info(t.logger).Log("op", "upsert", "key", k, "msg", "adopting stale entry")
		e.stale = false
		e.obj = obj
		e.dirty = true
	case e.deleted:
		level.Debug(t.logger).Log("op", "upsert", "key", k, "msg", "reviving deleted entry")
		e.deleted = false
		e.obj = obj
		e.dirty = true
		if e.state == StateDeleted {
			// The delete was acknowledged, so the old row is gone.
			e.row = ""
			t.setState(e, StateInit)
		}
	case e.obj == nil || e.obj != obj:
		e.obj = obj
		e.dirty = true
	default:
		return
	}
	t.process(e)
}

// Delete withdraws local demand for the entry called name. Deletes that
// arrive while a transaction is in flight take effect on its ack.
func (t *Table) Delete(name string) {
	e := t.Find(name)
	if e == nil {
		level.Debug(t.logger).Log("op", "delete", "key", Key{Kind: t.kind, Name: name}, "msg", "no such entry")
		return
	}
	if e.deleted {
		return
	}
	e.deleted = true
	e.stale = false
	t.process(e)
}

// OnAck completes the outstanding transaction of the entry for k. A
// failed transaction is treated as acknowledged; the device state is
// corrected by the notifications that follow.
func (t *Table) OnAck(k Key, success bool) {
	e := t.Find(k.Name)
	if e == nil || e.inflight == 0 {
		level.Warn(t.logger).Log("op", "ack", "key", k, "msg", "no transaction in flight, ignoring")
		return
	}
	e.inflight = 0
	if !success {
		level.Warn(t.logger).Log("op", "ack", "key", k, "state", e.state, "msg", "transaction failed, treating as acknowledged")
		stats.transactionFailed(t.kind)
		if e.fwd != nil {
			e.fwd.mcastPending = false
			e.fwd.deleting = sets.New[RowHandle]()
		}
	}

	switch e.state {
	case StatePendingCreate, StatePendingUpdate:
		if e.rowLost {
			e.rowLost = false
			if e.row == "" {
				level.Info(t.logger).Log("op", "ack", "key", e.key, "msg", "row removed by device while in flight, recreating")
				t.setState(e, StateInit)
				break
			}
		}
		t.setState(e, StateActive)
		t.updateLocalRef(e)
		if success && e.row != "" && t.needsMcastRemote(e) {
			e.dirty = true
		}
		if t.client.isResolved(e) {
			t.client.wake(e.key)
		}
	case StatePendingDelete:
		if e.deleted {
			t.finalize(e)
			return
		}
		// Demand came back while the delete was in flight.
		e.row = ""
		e.dirty = true
		t.setState(e, StateInit)
	}
	t.process(e)
}

// OnRemoteNotify applies a device notification to the table.
func (t *Table) OnRemoteNotify(n Notification) {
	switch n.Table {
	case t.remote:
		t.onRowNotify(n)
	case RemoteMcastMacsRemote:
		if t.kind == KindLogicalSwitch {
			t.onMcastRemote(n)
			return
		}
		t.dropNotification(n, "not a table associated with this kind")
	case RemoteMcastMacsLocal, RemoteUcastMacsLocal:
		if t.kind == KindLogicalSwitch {
			t.onLocal(n)
			return
		}
		t.dropNotification(n, "not a table associated with this kind")
	default:
		t.dropNotification(n, "not a table associated with this kind")
	}
}

func (t *Table) dropNotification(n Notification, reason string) {
	level.Warn(t.logger).Log("op", "notify", "remote", n.Table, "row", n.Row, "notification", n.Op, "msg", "dropping notification: "+reason)
	level.Debug(t.logger).Log("op", "notify", "dump", spew.Sdump(n))
	stats.notificationDropped(n.Table)
}

// rowName extracts the entry name a row of the table's own remote table
// belongs to.
func (t *Table) rowName(f Fields) string {
	if t.kind == KindPhysicalLocator {
		return f.Text("dst_ip")
	}
	return f.Text("name")
}

func (t *Table) onRowNotify(n Notification) {
	if n.Op == OpDelete {
		e := t.rows[n.Row]
		if e == nil {
			level.Debug(t.logger).Log("op", "notify", "row", n.Row, "msg", "delete for unknown row")
			return
		}
		delete(t.rows, n.Row)
		if e.row != n.Row {
			return
		}
		e.row = ""
		t.onOwnRowGone(e)
		return
	}

	name := t.rowName(n.Fields)
	if name == "" {
		t.dropNotification(n, "row carries no name")
		return
	}

	e := t.Find(name)
	if e == nil {
		if t.closing {
			return
		}
		e = t.insert(name)
		if t.kind != KindPhysicalSwitch {
			level.Info(t.logger).Log("op", "notify", "key", e.key, "row", n.Row, "msg", "found pre-existing row, marking stale")
			e.stale = true
			e.obj = objectFromRow(t.kind, name, n.Fields)
		}
	}
	if e.row != "" && e.row != n.Row {
		level.Warn(t.logger).Log("op", "notify", "key", e.key, "row", n.Row, "previous", e.row, "msg", "entry reported under a new row")
		delete(t.rows, e.row)
	}
	e.row = n.Row
	t.rows[n.Row] = e

	switch {
	case t.kind == KindPhysicalSwitch:
		e.obj = objectFromRow(t.kind, name, n.Fields)
		t.setState(e, StateActive)
	case e.stale && e.state == StateInit:
		t.process(e)
	case e.fwd != nil && e.state == StateActive && t.needsMcastRemote(e):
		// The row is now addressable, so its multicast row can be
		// added.
		e.dirty = true
		t.process(e)
	}

	if t.client.isResolved(e) {
		t.client.wake(e.key)
	}
}

// onOwnRowGone handles the device dropping the row an entry owns.
func (t *Table) onOwnRowGone(e *Entry) {
	switch {
	case e.state == StateDeleted:
		t.updateLocalRef(e)
	case e.deleted:
		// finalized by the pending ack
	case e.stale:
		level.Info(t.logger).Log("op", "notify", "key", e.key, "msg", "stale row removed by device")
		t.erase(e)
	case t.kind == KindPhysicalSwitch:
		t.setState(e, StateInit)
	case e.state == StateActive:
		level.Info(t.logger).Log("op", "notify", "key", e.key, "msg", "row removed by device, recreating")
		e.dirty = true
		t.setState(e, StateInit)
		t.process(e)
	case e.state == StatePendingCreate || e.state == StatePendingUpdate:
		// The ack decides: the row may be reported again by then.
		e.rowLost = true
		e.dirty = true
	}
}

func objectFromRow(kind Kind, name string, f Fields) Object {
	switch kind {
	case KindPhysicalSwitch:
		return PhysicalSwitch{Name: name, TunnelIP: f.Text("tunnel_ip")}
	case KindPhysicalLocator:
		return PhysicalLocator{DstIP: name}
	case KindLogicalSwitch:
		return LogicalSwitch{Name: name, VxlanID: f.Int("tunnel_key")}
	}
	return nil
}

// process drives e towards its desired state. It is called after every
// change to e and does nothing while a transaction is in flight.
func (t *Table) process(e *Entry) {
	if t.closed || e.inflight != 0 {
		return
	}
	if e.deleted {
		t.processDelete(e)
		return
	}
	if e.obj == nil || t.kind == KindPhysicalSwitch {
		return
	}
	if e.active() && !e.dirty {
		return
	}

	if blocker, blocked := t.client.resolve(e); blocked {
		if e.blocked && e.blocker != blocker {
			t.client.unwait(e)
		}
		e.blocker, e.blocked = blocker, true
		t.setState(e, StateUnresolved)
		t.client.wait(blocker, e.key)
		level.Debug(t.logger).Log("op", "resolve", "key", e.key, "blocker", blocker, "msg", "waiting on dependency")
		return
	}
	t.client.unwait(e)

	if e.stale {
		e.dirty = false
		t.setState(e, StateActive)
		return
	}

	op := OpChange
	next := StatePendingUpdate
	if e.row == "" && (e.state == StateInit || e.state == StateUnresolved) {
		op = OpAdd
		next = StatePendingCreate
	}
	ops := t.client.encode(e, op)
	e.dirty = false
	t.setState(e, next)
	t.client.submit(t, e, op, ops)
}

func (t *Table) processDelete(e *Entry) {
	switch {
	case e.state == StatePendingDelete || e.state == StateDeleted:
		return
	case e.obj == nil || t.kind == KindPhysicalSwitch:
		t.finalize(e)
		return
	case e.row == "" && (e.state == StateInit || e.state == StateUnresolved):
		// Never reached the device.
		t.finalize(e)
		return
	}
	ops := t.client.encode(e, OpDelete)
	e.dirty = false
	t.setState(e, StatePendingDelete)
	t.client.submit(t, e, OpDelete, ops)
}

// finalize ends the life of a deleted entry. Logical switches whose
// local MAC rows are still on the device are kept until those drain.
func (t *Table) finalize(e *Entry) {
	e.claim.Release()
	e.claim = nil
	t.client.unwait(e)
	if e.fwd != nil && e.fwd.localRef {
		level.Info(t.logger).Log("op", "delete", "key", e.key, "msg", "waiting for local macs cleanup")
		t.setState(e, StateDeleted)
		return
	}
	t.erase(e)
}

// erase removes e from both indices.
func (t *Table) erase(e *Entry) {
	e.claim.Release()
	e.claim = nil
	t.client.unwait(e)
	t.entries.Delete(e)
	handles := []RowHandle{e.row}
	if e.fwd != nil {
		handles = append(handles, e.fwd.rows()...)
	}
	for _, h := range handles {
		if t.rows[h] == e {
			delete(t.rows, h)
		}
	}
	stats.entryRemoved(t.kind, e.state)
	e.state = StateDeleted
	level.Debug(t.logger).Log("op", "erase", "key", e.key)

	if t.kind == KindPhysicalLocator {
		t.client.arbiter.forget(e.key)
	}
	// Dependents rejected while this entry was torn down try again.
	t.client.wake(e.key)
}

func (t *Table) setState(e *Entry, s State) {
	if e.state == s {
		return
	}
	stats.entryMoved(t.kind, e.state, s)
	e.state = s
}

// SweepStale deletes stale entries older than the client's stale
// timeout. It returns how many were deleted.
func (t *Table) SweepStale(now time.Time) int {
	var victims []string
	t.entries.Ascend(func(e *Entry) bool {
		if e.stale && !e.deleted && now.Sub(e.since) >= t.client.staleTimeout {
			victims = append(victims, e.key.Name)
		}
		return true
	})
	for _, name := range victims {
		level.Info(t.logger).Log("op", "sweep", "key", Key{Kind: t.kind, Name: name}, "msg", "deleting unclaimed stale entry")
		t.Delete(name)
	}
	return len(victims)
}

// EntryInfo describes one entry for introspection.
type EntryInfo struct {
	Key        string            `json:"key"`
	State      string            `json:"state"`
	Stale      bool              `json:"stale,omitempty"`
	Row        string            `json:"row,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Message    string            `json:"message,omitempty"`
}

// ListEntries describes the entries whose name contains substr, in name
// order.
func (t *Table) ListEntries(substr string) []EntryInfo {
	res := []EntryInfo{}
	t.entries.Ascend(func(e *Entry) bool {
		if !strings.Contains(e.key.Name, substr) {
			return true
		}
		info := EntryInfo{
			Key:   e.key.String(),
			State: e.state.String(),
			Stale: e.stale,
			Row:   string(e.row),
		}
		if e.obj != nil {
			info.Attributes = e.obj.Attributes()
		}
		if e.fwd != nil {
			if info.Attributes == nil {
				info.Attributes = map[string]string{}
			}
			e.fwd.describe(info.Attributes)
		}
		switch {
		case e.state == StateDeleted && e.fwd != nil && e.fwd.localRef:
			info.Message = "Waiting for Local Macs Cleanup"
		case e.state == StateUnresolved && e.blocked:
			info.Message = "Waiting for " + e.blocker.String()
		case e.deleted && e.inflight != 0:
			info.Message = "Delete in flight"
		}
		res = append(res, info)
		return true
	})
	return res
}

func newKeySet() sets.Set[Key] {
	return sets.New[Key]()
}

func sortedKeys(s sets.Set[Key]) []Key {
	ret := s.UnsortedList()
	sort.Slice(ret, func(i, j int) bool {
		if ret[i].Kind != ret[j].Kind {
			return ret[i].Kind < ret[j].Kind
		}
		return ret[i].Name < ret[j].Name
	})
	return ret
}
