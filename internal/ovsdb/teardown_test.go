// SPDX-License-Identifier:Apache-2.0

package ovsdb

import (
	"fmt"
	"testing"
)

func fillTable(f *fixture, n int) *Table {
	t := f.c.Table(KindPhysicalSwitch)
	for i := 0; i < n; i++ {
		t.GetOrCreateReference(fmt.Sprintf("sw-%03d", i))
	}
	return t
}

func TestTeardownVisitsEveryEntryOnce(t *testing.T) {
	const entries = 10
	tests := []struct {
		batch     int
		wantTurns int
	}{
		{batch: 1, wantTurns: 10},
		{batch: 3, wantTurns: 4},
		{batch: 5, wantTurns: 2},
		{batch: 10, wantTurns: 1},
		{batch: 32, wantTurns: 1},
	}

	for _, test := range tests {
		t.Run(fmt.Sprintf("batch-%d", test.batch), func(t *testing.T) {
			f := newFixture(t)
			table := fillTable(f, entries)

			seen := map[string]int{}
			done := false
			task := &teardownTask{
				table: table,
				batch: test.batch,
				visit: func(e *Entry) { seen[e.key.Name]++ },
				done:  func() { done = true },
			}
			turns := 1
			for !task.Run() {
				turns++
				if turns > entries+1 {
					t.Fatal("teardown does not terminate")
				}
			}

			if turns != test.wantTurns {
				t.Errorf("took %d turns, want %d", turns, test.wantTurns)
			}
			if len(seen) != entries {
				t.Errorf("visited %d entries, want %d", len(seen), entries)
			}
			for name, n := range seen {
				if n != 1 {
					t.Errorf("%s visited %d times", name, n)
				}
			}
			if !done || table.Len() != 0 || !table.closed {
				t.Errorf("table not destroyed: done=%v len=%d", done, table.Len())
			}
		})
	}
}

func TestTeardownSurvivesRemovalBetweenTurns(t *testing.T) {
	f := newFixture(t)
	table := fillTable(f, 6)

	seen := map[string]int{}
	task := &teardownTask{
		table: table,
		batch: 2,
		visit: func(e *Entry) { seen[e.key.Name]++ },
	}
	if task.Run() {
		t.Fatal("finished after the first batch")
	}
	// The resume point and an entry after it disappear while yielded.
	table.entries.Delete(table.Find("sw-002"))
	table.entries.Delete(table.Find("sw-004"))
	for !task.Run() {
	}

	for _, name := range []string{"sw-000", "sw-001", "sw-003", "sw-005"} {
		if seen[name] != 1 {
			t.Errorf("%s visited %d times", name, seen[name])
		}
	}
	if len(seen) != 4 {
		t.Errorf("visited %v", seen)
	}
}

func TestDeleteTableYieldsToOtherWork(t *testing.T) {
	f := newFixture(t)
	table := fillTable(f, 5)

	var trace []string
	table.DeleteTable(func() { trace = append(trace, "done") })
	f.sched.Enqueue(func() { trace = append(trace, "other") })
	f.sched.drain()

	if len(trace) != 2 || trace[0] != "other" || trace[1] != "done" {
		t.Fatalf("teardown did not yield: %v", trace)
	}
	if table.GetOrCreateReference("late") != nil {
		t.Fatal("closing table accepted a new entry")
	}
}
