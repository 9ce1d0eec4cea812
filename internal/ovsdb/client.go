// SPDX-License-Identifier:Apache-2.0

// Package ovsdb keeps the tables of a hardware VTEP device in sync with
// locally configured virtual networks. All methods of Client other than
// the Deliver and Snapshot families must be called from the client's
// scheduler.
package ovsdb

import (
	"context"
	"net"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/util/sets"

	"go.universe.tf/torsync/internal/scheduler"
)

// Scheduler is the queue the client runs its work on.
type Scheduler interface {
	Enqueue(fn func())
	EnqueueYieldingTask(t scheduler.Task)
}

// Config configures a Client.
type Config struct {
	Logger    log.Logger
	Remote    Remote
	Scheduler Scheduler
	// TSNAddress is the tunnel service node every logical switch floods
	// unknown destinations to.
	TSNAddress        string
	TeardownBatchSize int
	StaleTimeout      time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

type pendingTxn struct {
	key Key
	op  Op
}

// Client is the device session context: it owns the tables, the
// arbiter for shared locators, and the bookkeeping of transactions in
// flight.
type Client struct {
	logger       log.Logger
	remote       Remote
	sched        Scheduler
	tsnIP        string
	batchSize    int
	staleTimeout time.Duration
	now          func() time.Time

	tables  map[Kind]*Table
	arbiter *Arbiter

	nextTxn uint64
	txns    map[uint64]pendingTxn
	waiters map[Key]sets.Set[Key]

	closing bool
}

// NewClient returns a Client with empty tables.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Remote == nil {
		return nil, errors.New("no remote configured")
	}
	if cfg.Scheduler == nil {
		return nil, errors.New("no scheduler configured")
	}
	ip := net.ParseIP(cfg.TSNAddress)
	if ip == nil {
		return nil, errors.Errorf("invalid TSN address %q", cfg.TSNAddress)
	}
	if cfg.TeardownBatchSize < 0 {
		return nil, errors.Errorf("invalid teardown batch size %d", cfg.TeardownBatchSize)
	}

	c := &Client{
		logger:       cfg.Logger,
		remote:       cfg.Remote,
		sched:        cfg.Scheduler,
		tsnIP:        ip.String(),
		batchSize:    cfg.TeardownBatchSize,
		staleTimeout: cfg.StaleTimeout,
		now:          cfg.Now,
		txns:         map[uint64]pendingTxn{},
		waiters:      map[Key]sets.Set[Key]{},
	}
	if c.logger == nil {
		c.logger = log.NewNopLogger()
	}
	if c.batchSize == 0 {
		c.batchSize = DefaultTeardownBatchSize
	}
	if c.now == nil {
		c.now = time.Now
	}

	c.tables = map[Kind]*Table{
		KindPhysicalSwitch:  newTable(c, KindPhysicalSwitch, RemotePhysicalSwitch),
		KindPhysicalLocator: newTable(c, KindPhysicalLocator, RemotePhysicalLocator),
		KindLogicalSwitch:   newTable(c, KindLogicalSwitch, RemoteLogicalSwitch),
	}
	c.arbiter = newArbiter(log.With(c.logger, "component", "arbiter"), c)
	return c, nil
}

// Table returns the table holding kind.
func (c *Client) Table(kind Kind) *Table { return c.tables[kind] }

// Arbiter returns the arbiter of shared locators.
func (c *Client) Arbiter() *Arbiter { return c.arbiter }

func (c *Client) lookup(k Key) *Entry {
	t := c.tables[k.Kind]
	if t == nil {
		return nil
	}
	return t.Find(k.Name)
}

func (c *Client) submit(t *Table, e *Entry, op Op, ops []RowOp) {
	c.nextTxn++
	txn := Transaction{
		ID:    c.nextTxn,
		Entry: e.key,
		Op:    op,
		Ops:   ops,
	}
	c.txns[txn.ID] = pendingTxn{key: e.key, op: op}
	e.inflight = txn.ID
	stats.transactionSubmitted(t.kind, op)
	level.Debug(t.logger).Log("op", "submit", "key", e.key, "txn", txn.ID, "encode", op, "rows", len(ops))

	if err := c.remote.Submit(txn); err != nil {
		level.Error(t.logger).Log("op", "submit", "key", e.key, "txn", txn.ID, "error", err, "msg", "failed to send transaction")
		id := txn.ID
		c.sched.Enqueue(func() { c.OnAck(id, false) })
	}
}

// OnAck completes transaction id.
func (c *Client) OnAck(id uint64, success bool) {
	p, ok := c.txns[id]
	if !ok {
		level.Warn(c.logger).Log("op", "ack", "txn", id, "msg", "ack for unknown transaction")
		return
	}
	delete(c.txns, id)
	if p.op != OpDelete && p.key.Kind == KindPhysicalLocator {
		defer c.arbiter.createDone(p.key)
	}
	c.tables[p.key.Kind].OnAck(p.key, success)
}

// OnRemoteNotify routes a device notification to the table it concerns.
func (c *Client) OnRemoteNotify(n Notification) {
	switch n.Table {
	case RemotePhysicalSwitch:
		c.tables[KindPhysicalSwitch].OnRemoteNotify(n)
	case RemotePhysicalLocator:
		c.tables[KindPhysicalLocator].OnRemoteNotify(n)
	case RemoteLogicalSwitch, RemoteMcastMacsRemote, RemoteMcastMacsLocal, RemoteUcastMacsLocal:
		c.tables[KindLogicalSwitch].OnRemoteNotify(n)
	default:
		level.Warn(c.logger).Log("op", "notify", "remote", n.Table, "row", n.Row, "msg", "dropping notification for unmanaged table")
		stats.notificationDropped(n.Table)
	}
}

// UpsertLogicalSwitch sets the desired state of a logical switch. A zero
// VXLAN id cannot be programmed and withdraws the switch instead.
func (c *Client) UpsertLogicalSwitch(ls LogicalSwitch) {
	if ls.VxlanID == 0 {
		level.Info(c.logger).Log("op", "upsert", "key", ls.Key(), "msg", "vxlan id 0, deleting")
		c.DeleteLogicalSwitch(ls.Name)
		return
	}
	c.tables[KindLogicalSwitch].Upsert(ls)
}

// DeleteLogicalSwitch withdraws the logical switch called name.
func (c *Client) DeleteLogicalSwitch(name string) {
	c.tables[KindLogicalSwitch].Delete(name)
}

// ReplaceLogicalSwitches makes desired the complete set of configured
// logical switches. Configured switches missing from desired are
// deleted; stale switches are left to the stale sweep.
func (c *Client) ReplaceLogicalSwitches(desired []LogicalSwitch) {
	keep := sets.New[string]()
	for _, ls := range desired {
		keep.Insert(ls.Name)
		c.UpsertLogicalSwitch(ls)
	}

	var gone []string
	c.tables[KindLogicalSwitch].entries.Ascend(func(e *Entry) bool {
		if !e.stale && !e.deleted && e.obj != nil && !keep.Has(e.key.Name) {
			gone = append(gone, e.key.Name)
		}
		return true
	})
	for _, name := range gone {
		c.DeleteLogicalSwitch(name)
	}
}

// SweepStale deletes stale entries that outlived the stale timeout.
func (c *Client) SweepStale() int {
	now := c.now()
	n := c.tables[KindLogicalSwitch].SweepStale(now)
	n += c.tables[KindPhysicalLocator].SweepStale(now)
	if n > 0 {
		level.Info(c.logger).Log("op", "sweep", "deleted", n, "msg", "stale entries removed")
	}
	return n
}

// ScheduleStaleSweep runs SweepStale on the scheduler once the stale
// timeout has elapsed.
func (c *Client) ScheduleStaleSweep() *time.Timer {
	return time.AfterFunc(c.staleTimeout, func() {
		c.sched.Enqueue(func() {
			if !c.closing {
				c.SweepStale()
			}
		})
	})
}

// Shutdown tears the tables down in dependency order, logical switches
// first, and calls done when all are destroyed.
func (c *Client) Shutdown(done func()) {
	if c.closing {
		return
	}
	c.closing = true
	level.Info(c.logger).Log("op", "shutdown", "msg", "tearing down tables")
	c.tables[KindLogicalSwitch].DeleteTable(func() {
		c.tables[KindPhysicalLocator].DeleteTable(func() {
			c.tables[KindPhysicalSwitch].DeleteTable(func() {
				c.txns = map[uint64]pendingTxn{}
				c.waiters = map[Key]sets.Set[Key]{}
				level.Info(c.logger).Log("op", "shutdown", "msg", "tables destroyed")
				if done != nil {
					done()
				}
			})
		})
	})
}

// ListEntries describes the entries of kind whose name contains substr.
func (c *Client) ListEntries(kind Kind, substr string) []EntryInfo {
	t := c.tables[kind]
	if t == nil || t.closed {
		return []EntryInfo{}
	}
	return t.ListEntries(substr)
}

// createResource and deleteResource implement resourceOwner for the
// locator arbiter.
func (c *Client) createResource(k Key) bool {
	t := c.tables[k.Kind]
	t.Upsert(PhysicalLocator{DstIP: k.Name})
	e := t.Find(k.Name)
	return e != nil && e.inflight != 0
}

func (c *Client) deleteResource(k Key) {
	if c.closing {
		return
	}
	c.tables[k.Kind].Delete(k.Name)
}

// DeliverAck posts the outcome of transaction id to the scheduler. It
// is safe to call from any goroutine.
func (c *Client) DeliverAck(id uint64, success bool) {
	c.sched.Enqueue(func() { c.OnAck(id, success) })
}

// DeliverNotification posts n to the scheduler. It is safe to call from
// any goroutine.
func (c *Client) DeliverNotification(n Notification) {
	c.sched.Enqueue(func() { c.OnRemoteNotify(n) })
}

// Snapshot runs ListEntries on the scheduler and waits for the result.
// It is safe to call from any goroutine.
func (c *Client) Snapshot(ctx context.Context, kind Kind, substr string) ([]EntryInfo, error) {
	res := make(chan []EntryInfo, 1)
	c.sched.Enqueue(func() { res <- c.ListEntries(kind, substr) })
	select {
	case r := <-res:
		return r, nil
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "waiting for entry snapshot")
	}
}
