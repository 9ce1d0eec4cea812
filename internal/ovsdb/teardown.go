// SPDX-License-Identifier:Apache-2.0

package ovsdb

import (
	"github.com/go-kit/log/level"
)

// DefaultTeardownBatchSize is how many entries a teardown visits per turn.
const DefaultTeardownBatchSize = 32

// teardownTask walks a table in fixed-size batches, yielding between
// batches, and destroys the table once every entry has been visited.
type teardownTask struct {
	table *Table
	batch int
	visit func(*Entry)
	done  func()

	started bool
	// cursor is the name of the next entry to visit.
	cursor string
	turns  int
}

func (t *teardownTask) Run() bool {
	t.turns++
	visited := 0
	more := false
	fn := func(e *Entry) bool {
		if visited == t.batch {
			t.cursor = e.key.Name
			more = true
			return false
		}
		visited++
		t.visit(e)
		return true
	}

	if !t.started {
		t.started = true
		t.table.entries.Ascend(fn)
	} else {
		t.table.entries.AscendGreaterOrEqual(&Entry{key: Key{Kind: t.table.kind, Name: t.cursor}}, fn)
	}
	if more {
		return false
	}

	level.Debug(t.table.logger).Log("op", "teardown", "turns", t.turns, "msg", "all entries visited, destroying table")
	t.table.destroy()
	if t.done != nil {
		t.done()
	}
	return true
}

// DeleteTable tears the table down in batches on the client's scheduler
// and calls done once it is destroyed. Rows on the device are left in
// place.
func (t *Table) DeleteTable(done func()) {
	t.closing = true
	t.client.sched.EnqueueYieldingTask(&teardownTask{
		table: t,
		batch: t.client.batchSize,
		visit: t.detach,
		done:  done,
	})
}

// detach drops the local bookkeeping of e ahead of destruction.
func (t *Table) detach(e *Entry) {
	if e.fwd != nil {
		e.fwd.localRef = false
	}
	e.blocked = false
}

func (t *Table) destroy() {
	t.entries.Ascend(func(e *Entry) bool {
		e.claim.Release()
		e.claim = nil
		return true
	})
	t.entries.Clear(false)
	t.rows = map[RowHandle]*Entry{}
	t.closed = true
	stats.forgetTable(t.kind)
}
