// SPDX-License-Identifier:Apache-2.0

package ovsdb

import "github.com/go-kit/log/level"

const (
	logicalSwitchRowName = "ls"
	locatorSetRowName    = "tsn_set"
	vxlanEncapsulation   = "vxlan_over_ipv4"
)

// encode builds the row operations that move e's device state to its
// desired state.
func (c *Client) encode(e *Entry, op Op) []RowOp {
	switch o := e.obj.(type) {
	case LogicalSwitch:
		return c.encodeLogicalSwitch(e, o, op)
	case PhysicalLocator:
		return encodeLocator(e, o, op)
	case PhysicalSwitch:
		return nil
	default:
		panic("ovsdb: unhandled object type")
	}
}

func encodeLocator(e *Entry, o PhysicalLocator, op Op) []RowOp {
	row := RowOp{
		Table: RemotePhysicalLocator,
		Op:    op,
		Row:   e.row,
	}
	if op != OpAdd && e.row == "" {
		row.Match = Fields{"dst_ip": o.DstIP}
	}
	if op != OpDelete {
		row.Fields = Fields{
			"dst_ip":             o.DstIP,
			"encapsulation_type": vxlanEncapsulation,
		}
	}
	return []RowOp{row}
}

func (c *Client) encodeLogicalSwitch(e *Entry, o LogicalSwitch, op Op) []RowOp {
	if op == OpDelete {
		return deleteLogicalSwitch(e, o)
	}

	ls := RowOp{
		Table: RemoteLogicalSwitch,
		Op:    op,
		Row:   e.row,
		Fields: Fields{
			"name":       o.Name,
			"tunnel_key": o.VxlanID,
		},
	}
	// ref is how the multicast row refers to the logical switch.
	var ref interface{}
	switch {
	case op == OpAdd:
		ls.Name = logicalSwitchRowName
		ref = NamedRow(logicalSwitchRowName)
	case e.row != "":
		ref = e.row
	default:
		ls.Match = Fields{"name": o.Name}
	}
	ops := []RowOp{ls}

	for _, r := range sortedRows(e.fwd.superseded) {
		if e.fwd.deleting.Has(r) {
			continue
		}
		ops = append(ops, RowOp{Table: RemoteMcastMacsRemote, Op: OpDelete, Row: r})
		e.fwd.deleting.Insert(r)
	}

	if ref == nil || !c.tables[KindLogicalSwitch].needsMcastRemote(e) {
		return ops
	}
	loc := c.lookup(Key{Kind: KindPhysicalLocator, Name: c.tsnIP})
	if loc == nil || loc.row == "" {
		level.Warn(c.logger).Log("op", "encode", "key", e.key, "msg", "service node locator has no row, skipping multicast row")
		return ops
	}
	e.fwd.mcastPending = true
	return append(ops,
		RowOp{
			Table:  RemotePhysicalLocatorSet,
			Op:     OpAdd,
			Name:   locatorSetRowName,
			Fields: Fields{"locators": []interface{}{loc.row}},
		},
		RowOp{
			Table: RemoteMcastMacsRemote,
			Op:    OpAdd,
			Fields: Fields{
				"MAC":            unknownDst,
				"logical_switch": ref,
				"locator_set":    NamedRow(locatorSetRowName),
			},
		},
	)
}

// deleteLogicalSwitch removes the switch row and every row that refers
// to it.
func deleteLogicalSwitch(e *Entry, o LogicalSwitch) []RowOp {
	var ops []RowOp
	if e.fwd.mcastRemote != "" {
		ops = append(ops, RowOp{Table: RemoteMcastMacsRemote, Op: OpDelete, Row: e.fwd.mcastRemote})
	}
	for _, r := range sortedRows(e.fwd.superseded) {
		ops = append(ops, RowOp{Table: RemoteMcastMacsRemote, Op: OpDelete, Row: r})
	}
	for _, r := range sortedRows(e.fwd.mcastLocal) {
		ops = append(ops, RowOp{Table: RemoteMcastMacsLocal, Op: OpDelete, Row: r})
	}
	for _, r := range sortedRows(e.fwd.ucastLocal) {
		ops = append(ops, RowOp{Table: RemoteUcastMacsLocal, Op: OpDelete, Row: r})
	}

	ls := RowOp{Table: RemoteLogicalSwitch, Op: OpDelete, Row: e.row}
	if e.row == "" {
		ls.Match = Fields{"name": o.Name}
	}
	return append(ops, ls)
}
