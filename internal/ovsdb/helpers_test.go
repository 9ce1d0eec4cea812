// SPDX-License-Identifier:Apache-2.0

package ovsdb

import (
	"testing"
	"time"

	"github.com/go-kit/log"

	"go.universe.tf/torsync/internal/scheduler"
)

const testTSN = "10.0.0.1"

type fakeRemote struct {
	txns []Transaction
	err  error
}

func (r *fakeRemote) Submit(txn Transaction) error {
	if r.err != nil {
		return r.err
	}
	r.txns = append(r.txns, txn)
	return nil
}

func (r *fakeRemote) take() []Transaction {
	ret := r.txns
	r.txns = nil
	return ret
}

// manualScheduler runs queued work only when drained, so tests control
// interleaving.
type manualScheduler struct {
	queue []func()
}

func (s *manualScheduler) Enqueue(fn func()) {
	s.queue = append(s.queue, fn)
}

func (s *manualScheduler) EnqueueYieldingTask(t scheduler.Task) {
	s.Enqueue(func() {
		if !t.Run() {
			s.EnqueueYieldingTask(t)
		}
	})
}

func (s *manualScheduler) drain() int {
	n := 0
	for len(s.queue) > 0 {
		fn := s.queue[0]
		s.queue = s.queue[1:]
		fn()
		n++
	}
	return n
}

type fixture struct {
	t      *testing.T
	c      *Client
	remote *fakeRemote
	sched  *manualScheduler
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:      t,
		remote: &fakeRemote{},
		sched:  &manualScheduler{},
		now:    time.Unix(1700000000, 0),
	}
	c, err := NewClient(Config{
		Logger:            log.NewNopLogger(),
		Remote:            f.remote,
		Scheduler:         f.sched,
		TSNAddress:        testTSN,
		TeardownBatchSize: 2,
		StaleTimeout:      time.Minute,
		Now:               func() time.Time { return f.now },
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	f.c = c
	return f
}

func (f *fixture) notify(table RemoteTable, row RowHandle, op Op, fields Fields) {
	f.c.OnRemoteNotify(Notification{Table: table, Row: row, Op: op, Fields: fields})
	f.sched.drain()
}

// ack acknowledges every submitted transaction and returns them.
func (f *fixture) ack(success bool) []Transaction {
	txns := f.remote.take()
	for _, txn := range txns {
		f.c.OnAck(txn.ID, success)
		f.sched.drain()
	}
	return txns
}

func (f *fixture) entry(kind Kind, name string) *Entry {
	return f.c.Table(kind).Find(name)
}

func (f *fixture) mustEntry(kind Kind, name string) *Entry {
	f.t.Helper()
	e := f.entry(kind, name)
	if e == nil {
		f.t.Fatalf("no entry %s/%s", kind, name)
	}
	return e
}

func (f *fixture) addPhysicalSwitch(name string) {
	f.notify(RemotePhysicalSwitch, RowHandle("ps-"+name), OpAdd, Fields{"name": name, "tunnel_ip": "192.0.2.1"})
}

// activate drives a logical switch to Active with its row reported by
// the device. The multicast row it encodes is left unreported.
func (f *fixture) activate(name string, vxlan int64, device string) RowHandle {
	f.t.Helper()
	if !f.c.Table(KindPhysicalSwitch).IsResolved(device) {
		f.addPhysicalSwitch(device)
	}
	f.c.UpsertLogicalSwitch(LogicalSwitch{Name: name, VxlanID: vxlan, DeviceName: device})
	f.sched.drain()

	if !f.c.Table(KindPhysicalLocator).IsResolved(testTSN) {
		for _, txn := range f.ack(true) {
			if txn.Entry.Kind != KindPhysicalLocator {
				f.t.Fatalf("expected locator transaction first, got %v", txn.Entry)
			}
		}
		f.notify(RemotePhysicalLocator, "pl-tsn", OpAdd, Fields{"dst_ip": testTSN})
	}

	txns := f.ack(true)
	if len(txns) != 1 || txns[0].Entry.Name != name || txns[0].Op != OpAdd {
		f.t.Fatalf("expected one add for %s, got %+v", name, txns)
	}
	row := RowHandle("ls-row-" + name)
	f.notify(RemoteLogicalSwitch, row, OpAdd, Fields{"name": name, "tunnel_key": vxlan})
	return row
}

func (f *fixture) mcastRemote(row, ls RowHandle, dst string) {
	f.notify(RemoteMcastMacsRemote, row, OpAdd, Fields{"MAC": unknownDst, "logical_switch": ls, "dst_ip": dst})
}

func countTxns(txns []Transaction, k Key, op Op) int {
	n := 0
	for _, txn := range txns {
		if txn.Entry == k && txn.Op == op {
			n++
		}
	}
	return n
}

func hasRowOp(txn Transaction, table RemoteTable, op Op, row RowHandle) bool {
	for _, r := range txn.Ops {
		if r.Table == table && r.Op == op && r.Row == row {
			return true
		}
	}
	return false
}

func lsKey(name string) Key { return Key{Kind: KindLogicalSwitch, Name: name} }

var tsnKey = Key{Kind: KindPhysicalLocator, Name: testTSN}
