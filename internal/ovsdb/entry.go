// SPDX-License-Identifier:Apache-2.0

package ovsdb

import (
	"fmt"
	"time"
)

// State is the lifecycle state of an Entry.
type State int

const (
	StateInit State = iota
	StateUnresolved
	StatePendingCreate
	StateActive
	StatePendingUpdate
	StatePendingDelete
	StateDeleted
)

var stateNames = [...]string{
	StateInit:          "init",
	StateUnresolved:    "unresolved-dependency",
	StatePendingCreate: "pending-create",
	StateActive:        "active",
	StatePendingUpdate: "pending-update",
	StatePendingDelete: "pending-delete",
	StateDeleted:       "deleted",
}

func (s State) String() string {
	if int(s) >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Entry is the engine's record of one managed object: what is wanted
// locally, what the device has, and what is in flight between the two.
type Entry struct {
	key Key
	// obj is nil for placeholders created by a dependent before any
	// desired state is known.
	obj   Object
	state State

	// stale entries mirror a row found on the device that no local
	// demand has claimed yet.
	stale bool
	// deleted is set once local demand is withdrawn.
	deleted bool

	row RowHandle

	// inflight is the id of the outstanding transaction, 0 when none.
	// dirty records desired-state changes not yet encoded.
	inflight uint64
	dirty    bool
	// rowLost records that the device dropped the row while a
	// transaction was in flight.
	rowLost bool

	blocker Key
	blocked bool

	claim *Claim
	fwd   *forwardingState

	since time.Time
}

func (e *Entry) Key() Key         { return e.key }
func (e *Entry) State() State     { return e.state }
func (e *Entry) Stale() bool      { return e.stale }
func (e *Entry) Deleted() bool    { return e.deleted }
func (e *Entry) Row() RowHandle   { return e.row }
func (e *Entry) InFlight() bool   { return e.inflight != 0 }
func (e *Entry) HoldsClaim() bool { return e.claim != nil }

// Blocker returns the dependency this entry waits on.
func (e *Entry) Blocker() (Key, bool) { return e.blocker, e.blocked }

// active reports whether the entry's row exists on the device with its
// last encoded desired state.
func (e *Entry) active() bool {
	return e.state == StateActive || e.state == StatePendingUpdate
}

func entryLess(a, b *Entry) bool {
	return a.key.Name < b.key.Name
}
