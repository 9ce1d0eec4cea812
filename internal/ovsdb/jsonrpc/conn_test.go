// SPDX-License-Identifier:Apache-2.0

package jsonrpc

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/google/go-cmp/cmp"

	"go.universe.tf/torsync/internal/ovsdb"
)

type ackEvent struct {
	txn     uint64
	success bool
}

type recorder struct {
	acks  chan ackEvent
	notes chan ovsdb.Notification
}

func newRecorder() *recorder {
	return &recorder{
		acks:  make(chan ackEvent, 16),
		notes: make(chan ovsdb.Notification, 64),
	}
}

func (r *recorder) DeliverAck(txn uint64, success bool) {
	r.acks <- ackEvent{txn: txn, success: success}
}

func (r *recorder) DeliverNotification(n ovsdb.Notification) {
	r.notes <- n
}

func (r *recorder) nextAck(t *testing.T) ackEvent {
	t.Helper()
	select {
	case a := <-r.acks:
		return a
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for ack")
	}
	return ackEvent{}
}

func (r *recorder) nextNote(t *testing.T) ovsdb.Notification {
	t.Helper()
	select {
	case n := <-r.notes:
		return n
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for notification")
	}
	return ovsdb.Notification{}
}

type fakeDevice struct {
	t    *testing.T
	conn net.Conn
	dec  *json.Decoder
	enc  *json.Encoder
}

func (d *fakeDevice) read() map[string]interface{} {
	d.t.Helper()
	var m map[string]interface{}
	if err := d.dec.Decode(&m); err != nil {
		d.t.Fatalf("device read failed: %v", err)
	}
	return m
}

func (d *fakeDevice) write(v interface{}) {
	d.t.Helper()
	if err := d.enc.Encode(v); err != nil {
		d.t.Fatalf("device write failed: %v", err)
	}
}

func setup(t *testing.T) (*Conn, *fakeDevice, *recorder, chan error, context.CancelFunc) {
	t.Helper()
	client, server := net.Pipe()
	c := New(client, "", log.NewNopLogger())
	dev := &fakeDevice{t: t, conn: server, dec: json.NewDecoder(server), enc: json.NewEncoder(server)}
	rec := newRecorder()

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- c.Serve(ctx, rec) }()
	t.Cleanup(func() {
		cancel()
		server.Close()
	})
	return c, dev, rec, served, cancel
}

func submitAsync(c *Conn, txn ovsdb.Transaction) chan error {
	errc := make(chan error, 1)
	go func() { errc <- c.Submit(txn) }()
	return errc
}

func roundTrip(t *testing.T, v interface{}) interface{} {
	t.Helper()
	bs, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	var ret interface{}
	if err := json.Unmarshal(bs, &ret); err != nil {
		t.Fatal(err)
	}
	return ret
}

func TestSubmitEncodesTransact(t *testing.T) {
	c, dev, rec, _, _ := setup(t)

	errc := submitAsync(c, ovsdb.Transaction{
		ID: 7,
		Ops: []ovsdb.RowOp{
			{
				Table:  ovsdb.RemoteLogicalSwitch,
				Op:     ovsdb.OpAdd,
				Name:   "ls",
				Fields: ovsdb.Fields{"name": "vn-1", "tunnel_key": int64(100)},
			},
			{
				Table: ovsdb.RemoteMcastMacsRemote,
				Op:    ovsdb.OpAdd,
				Fields: ovsdb.Fields{
					"MAC":            "unknown-dst",
					"logical_switch": ovsdb.NamedRow("ls"),
					"locator_set":    ovsdb.RowHandle("set-1"),
				},
			},
			{Table: ovsdb.RemoteMcastMacsRemote, Op: ovsdb.OpDelete, Row: "M1"},
			{Table: ovsdb.RemotePhysicalLocator, Op: ovsdb.OpChange, Match: ovsdb.Fields{"dst_ip": "10.0.0.1"}, Fields: ovsdb.Fields{"dst_ip": "10.0.0.1"}},
		},
	})

	req := dev.read()
	if err := <-errc; err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	want := roundTrip(t, map[string]interface{}{
		"method": "transact",
		"id":     1,
		"params": []interface{}{
			"hardware_vtep",
			map[string]interface{}{
				"op":        "insert",
				"table":     "Logical_Switch",
				"uuid-name": "ls",
				"row":       map[string]interface{}{"name": "vn-1", "tunnel_key": 100},
			},
			map[string]interface{}{
				"op":    "insert",
				"table": "Mcast_Macs_Remote",
				"row": map[string]interface{}{
					"MAC":            "unknown-dst",
					"logical_switch": []interface{}{"named-uuid", "ls"},
					"locator_set":    []interface{}{"uuid", "set-1"},
				},
			},
			map[string]interface{}{
				"op":    "delete",
				"table": "Mcast_Macs_Remote",
				"where": []interface{}{[]interface{}{"_uuid", "==", []interface{}{"uuid", "M1"}}},
			},
			map[string]interface{}{
				"op":    "update",
				"table": "Physical_Locator",
				"where": []interface{}{[]interface{}{"dst_ip", "==", "10.0.0.1"}},
				"row":   map[string]interface{}{"dst_ip": "10.0.0.1"},
			},
		},
	})
	if diff := cmp.Diff(want, roundTrip(t, req)); diff != "" {
		t.Fatalf("unexpected transact request (-want +got)\n%s", diff)
	}

	dev.write(map[string]interface{}{"id": req["id"], "result": []interface{}{map[string]interface{}{}, map[string]interface{}{}, map[string]interface{}{"count": 1}, map[string]interface{}{"count": 1}}, "error": nil})
	if got := rec.nextAck(t); got != (ackEvent{txn: 7, success: true}) {
		t.Fatalf("unexpected ack %+v", got)
	}
}

func TestFailedTransactReportsFailure(t *testing.T) {
	c, dev, rec, _, _ := setup(t)

	errc := submitAsync(c, ovsdb.Transaction{ID: 3, Ops: []ovsdb.RowOp{{Table: ovsdb.RemoteLogicalSwitch, Op: ovsdb.OpDelete, Row: "ls-1"}}})
	req := dev.read()
	if err := <-errc; err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	dev.write(map[string]interface{}{
		"id":     req["id"],
		"result": []interface{}{map[string]interface{}{"error": "referential integrity violation"}},
		"error":  nil,
	})
	if got := rec.nextAck(t); got != (ackEvent{txn: 3, success: false}) {
		t.Fatalf("unexpected ack %+v", got)
	}
}

func TestSubmitRejectsRowlessOperation(t *testing.T) {
	c, _, _, _, _ := setup(t)
	err := c.Submit(ovsdb.Transaction{ID: 1, Ops: []ovsdb.RowOp{{Table: ovsdb.RemoteLogicalSwitch, Op: ovsdb.OpDelete}}})
	if err == nil {
		t.Fatal("expected an error for a delete that selects no row")
	}
}

func TestMonitorDeliversSnapshot(t *testing.T) {
	c, dev, rec, _, _ := setup(t)

	monitored := make(chan error, 1)
	go func() { monitored <- c.Monitor(context.Background()) }()

	req := dev.read()
	if req["method"] != "monitor" {
		t.Fatalf("expected monitor request, got %v", req["method"])
	}
	params, _ := req["params"].([]interface{})
	if len(params) != 3 || params[0] != "hardware_vtep" {
		t.Fatalf("unexpected monitor params %v", params)
	}

	dev.write(map[string]interface{}{
		"id":    req["id"],
		"error": nil,
		"result": map[string]interface{}{
			"Mcast_Macs_Remote": map[string]interface{}{
				"m1": map[string]interface{}{"new": map[string]interface{}{
					"MAC":            "unknown-dst",
					"logical_switch": []interface{}{"uuid", "ls1"},
					"locator_set":    []interface{}{"uuid", "s1"},
				}},
			},
			"Logical_Switch": map[string]interface{}{
				"ls1": map[string]interface{}{"new": map[string]interface{}{"name": "vn-1", "tunnel_key": 100}},
			},
			"Physical_Locator_Set": map[string]interface{}{
				"s1": map[string]interface{}{"new": map[string]interface{}{"locators": []interface{}{"uuid", "pl1"}}},
			},
			"Physical_Locator": map[string]interface{}{
				"pl1": map[string]interface{}{"new": map[string]interface{}{"dst_ip": "10.0.0.1", "encapsulation_type": "vxlan_over_ipv4"}},
			},
		},
	})

	select {
	case err := <-monitored:
		if err != nil {
			t.Fatalf("Monitor failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Monitor did not return")
	}

	want := []ovsdb.Notification{
		{Table: ovsdb.RemotePhysicalLocator, Row: "pl1", Op: ovsdb.OpAdd, Fields: ovsdb.Fields{"dst_ip": "10.0.0.1", "encapsulation_type": "vxlan_over_ipv4"}},
		{Table: ovsdb.RemoteLogicalSwitch, Row: "ls1", Op: ovsdb.OpAdd, Fields: ovsdb.Fields{"name": "vn-1", "tunnel_key": int64(100)}},
		{Table: ovsdb.RemoteMcastMacsRemote, Row: "m1", Op: ovsdb.OpAdd, Fields: ovsdb.Fields{
			"MAC":            "unknown-dst",
			"logical_switch": ovsdb.RowHandle("ls1"),
			"locator_set":    ovsdb.RowHandle("s1"),
			"dst_ip":         "10.0.0.1",
		}},
	}
	var got []ovsdb.Notification
	for range want {
		got = append(got, rec.nextNote(t))
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected snapshot (-want +got)\n%s", diff)
	}
}

func TestMonitorRetryAfterTimeout(t *testing.T) {
	c, dev, rec, _, _ := setup(t)

	snapshot := func(name string) map[string]interface{} {
		return map[string]interface{}{
			"Logical_Switch": map[string]interface{}{
				"ls-" + name: map[string]interface{}{"new": map[string]interface{}{"name": name, "tunnel_key": 100}},
			},
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	monitored := make(chan error, 1)
	go func() { monitored <- c.Monitor(ctx) }()

	first := dev.read()
	firstID := first["params"].([]interface{})[1]
	withdraw := dev.read()
	if withdraw["method"] != "monitor_cancel" {
		t.Fatalf("expected monitor_cancel, got %v", withdraw["method"])
	}
	if diff := cmp.Diff([]interface{}{firstID}, withdraw["params"]); diff != "" {
		t.Fatalf("unexpected monitor_cancel params (-want +got)\n%s", diff)
	}
	if err := <-monitored; err == nil {
		t.Fatal("expected the first attempt to time out")
	}

	// The device answers the abandoned monitor late, reports through it,
	// then confirms the cancel.
	dev.write(map[string]interface{}{"id": first["id"], "error": nil, "result": snapshot("vn-late")})
	dev.write(map[string]interface{}{"method": "update", "id": nil, "params": []interface{}{firstID, snapshot("vn-stray")}})
	dev.write(map[string]interface{}{"id": withdraw["id"], "error": nil, "result": map[string]interface{}{}})

	go func() { monitored <- c.Monitor(context.Background()) }()
	second := dev.read()
	secondID := second["params"].([]interface{})[1]
	if secondID == firstID {
		t.Fatalf("retry reused monitor id %v", firstID)
	}
	dev.write(map[string]interface{}{"id": second["id"], "error": nil, "result": snapshot("vn-1")})
	select {
	case err := <-monitored:
		if err != nil {
			t.Fatalf("retry failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Monitor did not return")
	}

	want := ovsdb.Notification{Table: ovsdb.RemoteLogicalSwitch, Row: "ls-vn-1", Op: ovsdb.OpAdd, Fields: ovsdb.Fields{"name": "vn-1", "tunnel_key": int64(100)}}
	if diff := cmp.Diff(want, rec.nextNote(t)); diff != "" {
		t.Fatalf("unexpected snapshot row (-want +got)\n%s", diff)
	}
	if n := len(rec.notes); n != 0 {
		t.Fatalf("%d notifications from the abandoned monitor were delivered", n)
	}
}

func TestUpdateAndEcho(t *testing.T) {
	_, dev, rec, _, _ := setup(t)

	dev.write(map[string]interface{}{
		"method": "update",
		"id":     nil,
		"params": []interface{}{
			"torsync",
			map[string]interface{}{
				"Ucast_Macs_Local": map[string]interface{}{
					"u1": map[string]interface{}{"old": map[string]interface{}{"MAC": "00:00:5e:00:53:01"}},
				},
				"Mcast_Macs_Local": map[string]interface{}{
					"l1": map[string]interface{}{"new": map[string]interface{}{"MAC": "unknown-dst", "locator_set": []interface{}{"set", []interface{}{}}}},
				},
			},
		},
	})

	if got := rec.nextNote(t); got.Table != ovsdb.RemoteUcastMacsLocal || got.Op != ovsdb.OpDelete || got.Row != "u1" {
		t.Fatalf("unexpected first notification %+v", got)
	}
	got := rec.nextNote(t)
	if got.Table != ovsdb.RemoteMcastMacsLocal || got.Op != ovsdb.OpAdd {
		t.Fatalf("unexpected second notification %+v", got)
	}
	if _, ok := got.Fields["locator_set"]; ok {
		t.Fatalf("empty set decoded as a value: %+v", got.Fields)
	}

	dev.write(map[string]interface{}{"method": "echo", "params": []interface{}{"ping"}, "id": "echo-1"})
	reply := dev.read()
	want := map[string]interface{}{"id": "echo-1", "result": []interface{}{"ping"}, "error": nil}
	if diff := cmp.Diff(want, reply); diff != "" {
		t.Fatalf("unexpected echo reply (-want +got)\n%s", diff)
	}
}

func TestDisconnectFailsInFlight(t *testing.T) {
	c, dev, rec, served, _ := setup(t)

	errc := submitAsync(c, ovsdb.Transaction{ID: 11, Ops: []ovsdb.RowOp{{Table: ovsdb.RemoteLogicalSwitch, Op: ovsdb.OpDelete, Row: "ls-1"}}})
	dev.read()
	if err := <-errc; err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	dev.conn.Close()

	if got := rec.nextAck(t); got != (ackEvent{txn: 11, success: false}) {
		t.Fatalf("unexpected ack %+v", got)
	}
	select {
	case err := <-served:
		if err == nil {
			t.Fatal("expected Serve to report the broken connection")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
	if err := c.Submit(ovsdb.Transaction{ID: 12}); err == nil {
		t.Fatal("expected Submit on a closed session to fail")
	}
}

func TestDecodeValue(t *testing.T) {
	tests := []struct {
		raw  string
		want interface{}
	}{
		{raw: `"vn-1"`, want: "vn-1"},
		{raw: `100`, want: int64(100)},
		{raw: `true`, want: true},
		{raw: `["uuid","abc"]`, want: ovsdb.RowHandle("abc")},
		{raw: `["named-uuid","ls"]`, want: ovsdb.NamedRow("ls")},
		{raw: `["set",[]]`, want: nil},
		{raw: `["set",[["uuid","a"],["uuid","b"]]]`, want: []interface{}{ovsdb.RowHandle("a"), ovsdb.RowHandle("b")}},
		{raw: `["map",[["k","v"]]]`, want: map[string]interface{}{"k": "v"}},
	}
	for _, test := range tests {
		t.Run(test.raw, func(t *testing.T) {
			got, err := decodeValue(json.RawMessage(test.raw))
			if err != nil {
				t.Fatalf("decode failed: %v", err)
			}
			if diff := cmp.Diff(test.want, got); diff != "" {
				t.Fatalf("unexpected value (-want +got)\n%s", diff)
			}
		})
	}

	if _, err := decodeValue(json.RawMessage(`["bogus","x"]`)); err == nil {
		t.Fatal("expected error for unknown tag")
	}
}
