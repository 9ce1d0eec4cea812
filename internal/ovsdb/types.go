// SPDX-License-Identifier:Apache-2.0

package ovsdb

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind identifies a family of managed objects, one per Table.
type Kind int

const (
	KindPhysicalSwitch Kind = iota
	KindPhysicalLocator
	KindLogicalSwitch
)

var kindNames = map[Kind]string{
	KindPhysicalSwitch:  "physical-switch",
	KindPhysicalLocator: "physical-locator",
	KindLogicalSwitch:   "logical-switch",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, errors.Errorf("unknown object kind %q", s)
}

// Key is the identity of an Entry. Entries refer to each other by Key,
// never by pointer.
type Key struct {
	Kind Kind
	Name string
}

func (k Key) String() string {
	return k.Kind.String() + "/" + k.Name
}

// RowHandle is the device-assigned identifier of a remote row.
type RowHandle string

// NamedRow refers to a row inserted earlier in the same transaction.
type NamedRow string

// RemoteTable names a table in the device's database.
type RemoteTable string

const (
	RemotePhysicalSwitch     RemoteTable = "Physical_Switch"
	RemotePhysicalLocator    RemoteTable = "Physical_Locator"
	RemotePhysicalLocatorSet RemoteTable = "Physical_Locator_Set"
	RemoteLogicalSwitch      RemoteTable = "Logical_Switch"
	RemoteMcastMacsRemote    RemoteTable = "Mcast_Macs_Remote"
	RemoteMcastMacsLocal     RemoteTable = "Mcast_Macs_Local"
	RemoteUcastMacsLocal     RemoteTable = "Ucast_Macs_Local"
)

// Op is the kind of a row operation or notification.
type Op int

const (
	OpAdd Op = iota
	OpChange
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpAdd:
		return "add"
	case OpChange:
		return "change"
	case OpDelete:
		return "delete"
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// Fields holds column values. Values are strings, int64, RowHandle,
// NamedRow, or []interface{} of those for set columns.
type Fields map[string]interface{}

// Text returns the string value of column k, or "" when absent.
func (f Fields) Text(k string) string {
	s, _ := f[k].(string)
	return s
}

// Int returns the integer value of column k, or 0 when absent.
func (f Fields) Int(k string) int64 {
	switch v := f[k].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

// Row returns the row reference in column k, or "" when absent.
func (f Fields) Row(k string) RowHandle {
	switch v := f[k].(type) {
	case RowHandle:
		return v
	case []interface{}:
		if len(v) > 0 {
			r, _ := v[0].(RowHandle)
			return r
		}
	}
	return ""
}

// RowOp is one operation of a Transaction.
type RowOp struct {
	Table RemoteTable
	Op    Op
	// Row is the target of a change or delete. When it is not known
	// yet, Match selects the row by column value instead.
	Row   RowHandle
	Match Fields
	// Name lets later operations of the same transaction refer to an
	// inserted row.
	Name   NamedRow
	Fields Fields
}

// Transaction is an atomic batch of row operations produced by a single
// encode of one Entry.
type Transaction struct {
	ID    uint64
	Entry Key
	Op    Op
	Ops   []RowOp
}

// Notification reports a row appearing in, or disappearing from, the
// device. Modified rows are reported as OpAdd with the full new row.
type Notification struct {
	Table  RemoteTable
	Row    RowHandle
	Op     Op
	Fields Fields
}

// Remote is the device session transactions are written to.
type Remote interface {
	// Submit hands txn to the device. The outcome is reported later
	// through Client.DeliverAck. A returned error means the transaction
	// never left the process.
	Submit(txn Transaction) error
}
