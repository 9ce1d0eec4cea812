// SPDX-License-Identifier:Apache-2.0

// Package jsonrpc speaks the OVSDB management protocol (RFC 7047) to a
// hardware VTEP device on behalf of an ovsdb.Client.
package jsonrpc

import (
	"context"
	"encoding/json"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"go.universe.tf/torsync/internal/ovsdb"
)

// DefaultDatabase is the schema hardware VTEP devices serve.
const DefaultDatabase = "hardware_vtep"

// monitorPrefix starts the id of every monitor the session opens. Each
// attempt gets its own id so a retry never collides with a monitor the
// device still holds.
const monitorPrefix = "torsync-"

var errClosed = errors.New("connection closed")

// deliveryOrder lists the monitored tables so that rows are reported
// after the rows they refer to.
var deliveryOrder = []ovsdb.RemoteTable{
	ovsdb.RemotePhysicalSwitch,
	ovsdb.RemotePhysicalLocator,
	ovsdb.RemoteLogicalSwitch,
	ovsdb.RemoteMcastMacsRemote,
	ovsdb.RemoteMcastMacsLocal,
	ovsdb.RemoteUcastMacsLocal,
}

// Handler receives what the device reports. Both methods are called
// from the read loop and must not block.
type Handler interface {
	DeliverAck(txn uint64, success bool)
	DeliverNotification(n ovsdb.Notification)
}

type call struct {
	// txn is the engine transaction a transact request carries.
	txn uint64
	// done receives the outcome of a monitor request.
	done chan error
	// cancel is the monitor id a monitor_cancel request withdraws.
	cancel string
}

// Conn is a session with one device.
type Conn struct {
	logger   log.Logger
	conn     net.Conn
	database string
	addr     string

	wmu sync.Mutex
	enc *json.Encoder

	mu     sync.Mutex
	nextID uint64
	calls  map[uint64]*call
	closed bool
	// cancelled holds monitors being withdrawn; their updates are ignored.
	cancelled map[string]bool

	monitors uint64

	// Only touched by the read loop.
	cache rowCache
}

// Dial connects to the device at addr.
func Dial(ctx context.Context, addr, database string, l log.Logger) (*Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %q", addr)
	}
	return New(conn, database, l), nil
}

// New wraps an established connection.
func New(conn net.Conn, database string, l log.Logger) *Conn {
	if database == "" {
		database = DefaultDatabase
	}
	addr := conn.RemoteAddr().String()
	stats.NewSession(addr)
	return &Conn{
		logger:    log.With(l, "device", addr),
		conn:      conn,
		database:  database,
		addr:      addr,
		enc:       json.NewEncoder(conn),
		calls:     map[uint64]*call{},
		cancelled: map[string]bool{},
		cache:     newRowCache(),
	}
}

func (c *Conn) register(cl *call) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, errClosed
	}
	c.nextID++
	c.calls[c.nextID] = cl
	return c.nextID, nil
}

func (c *Conn) unregister(id uint64) *call {
	c.mu.Lock()
	defer c.mu.Unlock()
	cl := c.calls[id]
	delete(c.calls, id)
	return cl
}

func (c *Conn) send(v interface{}) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.enc.Encode(v); err != nil {
		return errors.Wrapf(err, "writing to %q", c.addr)
	}
	return nil
}

// Submit sends txn as a transact request. Its outcome is reported to
// the handler passed to Serve.
func (c *Conn) Submit(txn ovsdb.Transaction) error {
	params := []interface{}{c.database}
	for _, op := range txn.Ops {
		o, err := encodeOp(op)
		if err != nil {
			return errors.Wrapf(err, "encoding transaction %d", txn.ID)
		}
		params = append(params, o)
	}

	id, err := c.register(&call{txn: txn.ID})
	if err != nil {
		return err
	}
	if err := c.send(request{Method: "transact", Params: params, ID: id}); err != nil {
		c.unregister(id)
		return err
	}
	stats.RequestSent(c.addr, "transact")
	return nil
}

// Monitor subscribes to every table the engine tracks and blocks until
// the device has reported its current contents, which are delivered to
// the handler as additions before Monitor returns.
func (c *Conn) Monitor(ctx context.Context) error {
	tables := map[string]interface{}{
		string(ovsdb.RemotePhysicalLocatorSet): struct{}{},
	}
	for _, t := range deliveryOrder {
		tables[string(t)] = struct{}{}
	}

	mid := monitorPrefix + strconv.FormatUint(atomic.AddUint64(&c.monitors, 1), 10)
	done := make(chan error, 1)
	id, err := c.register(&call{done: done})
	if err != nil {
		return err
	}
	if err := c.send(request{Method: "monitor", Params: []interface{}{c.database, mid, tables}, ID: id}); err != nil {
		c.unregister(id)
		return err
	}
	stats.RequestSent(c.addr, "monitor")

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if c.unregister(id) == nil {
			// The reply won the race and is being delivered.
			return <-done
		}
		c.cancelMonitor(mid)
		return errors.Wrap(ctx.Err(), "waiting for monitor reply")
	}
}

// cancelMonitor withdraws an abandoned monitor so the device stops
// reporting through it.
func (c *Conn) cancelMonitor(mid string) {
	c.mu.Lock()
	c.cancelled[mid] = true
	c.mu.Unlock()

	id, err := c.register(&call{cancel: mid})
	if err != nil {
		return
	}
	if err := c.send(request{Method: "monitor_cancel", Params: []interface{}{mid}, ID: id}); err != nil {
		c.unregister(id)
		level.Warn(c.logger).Log("op", "monitor", "monitor", mid, "error", err, "msg", "failed to cancel abandoned monitor")
		return
	}
	stats.RequestSent(c.addr, "monitor_cancel")
}

func (c *Conn) isCancelled(mid string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled[mid]
}

// Serve reads from the device until the connection fails or ctx is
// done, passing acks and notifications to h. It returns nil when ctx
// ends the session.
func (c *Conn) Serve(ctx context.Context, h Handler) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			c.conn.Close()
		case <-stop:
		}
	}()

	stats.SessionUp(c.addr)
	defer stats.SessionDown(c.addr)

	dec := json.NewDecoder(c.conn)
	for {
		var m message
		if err := dec.Decode(&m); err != nil {
			c.abort(h)
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrapf(err, "reading from %q", c.addr)
		}
		c.dispatch(h, &m)
	}
}

// Close closes the connection, failing everything in flight.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// abort fails every outstanding call once the connection is gone.
func (c *Conn) abort(h Handler) {
	c.mu.Lock()
	c.closed = true
	calls := c.calls
	c.calls = map[uint64]*call{}
	c.mu.Unlock()

	ids := make([]uint64, 0, len(calls))
	for id := range calls {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		cl := calls[id]
		switch {
		case cl.done != nil:
			cl.done <- errClosed
			continue
		case cl.cancel != "":
			continue
		}
		h.DeliverAck(cl.txn, false)
	}
	c.conn.Close()
}

func (c *Conn) dispatch(h Handler, m *message) {
	switch m.Method {
	case "":
		c.onResponse(h, m)
	case "echo":
		stats.RequestReceived(c.addr, m.Method)
		var params interface{}
		if err := json.Unmarshal(m.Params, &params); err != nil {
			params = []interface{}{}
		}
		var id interface{}
		_ = json.Unmarshal(m.ID, &id)
		if err := c.send(response{Result: params, ID: id}); err != nil {
			level.Warn(c.logger).Log("op", "echo", "error", err, "msg", "failed to answer echo")
		}
	case "update":
		stats.RequestReceived(c.addr, m.Method)
		var params []json.RawMessage
		if err := json.Unmarshal(m.Params, &params); err != nil || len(params) != 2 {
			level.Warn(c.logger).Log("op", "update", "error", err, "msg", "malformed update notification")
			return
		}
		var mid string
		if err := json.Unmarshal(params[0], &mid); err == nil && c.isCancelled(mid) {
			level.Debug(c.logger).Log("op", "update", "monitor", mid, "msg", "ignoring update of cancelled monitor")
			return
		}
		var tu tableUpdates
		if err := json.Unmarshal(params[1], &tu); err != nil {
			level.Warn(c.logger).Log("op", "update", "error", err, "msg", "malformed table updates")
			return
		}
		c.deliver(h, tu)
	default:
		stats.RequestReceived(c.addr, m.Method)
		level.Debug(c.logger).Log("op", "dispatch", "method", m.Method, "msg", "ignoring request")
	}
}

func (c *Conn) onResponse(h Handler, m *message) {
	var id uint64
	if err := json.Unmarshal(m.ID, &id); err != nil {
		level.Warn(c.logger).Log("op", "response", "id", string(m.ID), "msg", "response with unexpected id")
		return
	}
	cl := c.unregister(id)
	if cl == nil {
		level.Warn(c.logger).Log("op", "response", "id", id, "msg", "response to unknown request")
		return
	}

	if cl.cancel != "" {
		// Updates of the monitor were all sent before this reply.
		c.mu.Lock()
		delete(c.cancelled, cl.cancel)
		c.mu.Unlock()
		if !isNull(m.Error) {
			level.Warn(c.logger).Log("op", "monitor", "monitor", cl.cancel, "error", string(m.Error), "msg", "device refused monitor_cancel")
		}
		return
	}

	if cl.done != nil {
		if !isNull(m.Error) {
			cl.done <- errors.Errorf("monitor failed: %s", string(m.Error))
			return
		}
		var tu tableUpdates
		if err := json.Unmarshal(m.Result, &tu); err != nil {
			cl.done <- errors.Wrap(err, "decoding monitor reply")
			return
		}
		c.deliver(h, tu)
		cl.done <- nil
		return
	}

	success := isNull(m.Error) && transactSucceeded(m.Result)
	if !success {
		level.Warn(c.logger).Log("op", "transact", "txn", cl.txn, "error", string(m.Error), "result", string(m.Result), "msg", "transaction failed")
	}
	h.DeliverAck(cl.txn, success)
}

// deliver reports table updates to h, deletions first, in an order that
// never reports a row before the rows it refers to.
func (c *Conn) deliver(h Handler, tu tableUpdates) {
	c.cache.update(c.logger, tu)

	for i := len(deliveryOrder) - 1; i >= 0; i-- {
		table := deliveryOrder[i]
		for _, uuid := range sortedUUIDs(tu[string(table)]) {
			u := tu[string(table)][uuid]
			if u.New != nil {
				continue
			}
			h.DeliverNotification(ovsdb.Notification{Table: table, Row: ovsdb.RowHandle(uuid), Op: ovsdb.OpDelete})
		}
	}

	for _, table := range deliveryOrder {
		for _, uuid := range sortedUUIDs(tu[string(table)]) {
			u := tu[string(table)][uuid]
			if u.New == nil {
				continue
			}
			fields, err := decodeRow(u.New)
			if err != nil {
				level.Warn(c.logger).Log("op", "update", "table", table, "row", uuid, "error", err, "msg", "dropping undecodable row")
				continue
			}
			if table == ovsdb.RemoteMcastMacsRemote {
				if dst := c.cache.destination(fields.Row("locator_set")); dst != "" {
					fields["dst_ip"] = dst
				}
			}
			h.DeliverNotification(ovsdb.Notification{Table: table, Row: ovsdb.RowHandle(uuid), Op: ovsdb.OpAdd, Fields: fields})
		}
	}

	c.cache.prune(tu)
}

func sortedUUIDs(rows map[string]rowUpdate) []string {
	ret := make([]string, 0, len(rows))
	for k := range rows {
		ret = append(ret, k)
	}
	sort.Strings(ret)
	return ret
}
