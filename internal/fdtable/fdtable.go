// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package fdtable is the worker event loop's bounded table of live client
// file descriptors, adapted from the teacher's internal/lrucache
// Insert-returns-evicted shape but keyed on last-used timestamp rather
// than byte size, with oldest-wins eviction and a lowest-fd tiebreak
// (spec.md §9's second open question).
package fdtable

import "sort"

// Table holds up to capacity live (fd, last-used) pairs.
type Table struct {
	capacity int
	lastUsed map[int]int64 // fd -> logical timestamp (nanoseconds)
}

// New creates an empty table that holds at most capacity entries.
func New(capacity int) *Table {
	if capacity <= 0 {
		panic("fdtable: capacity must be positive")
	}
	return &Table{capacity: capacity, lastUsed: make(map[int]int64)}
}

// Len reports the number of live entries.
func (t *Table) Len() int { return len(t.lastUsed) }

// Contains reports whether fd is currently tracked.
func (t *Table) Contains(fd int) bool {
	_, ok := t.lastUsed[fd]
	return ok
}

// Insert records fd as used at time now. If the table is already at
// capacity and fd is new, the oldest entry (largest now-last_used, ties
// broken by lowest fd) is evicted first and returned as (evictedFD, true).
// Re-inserting an already-tracked fd only refreshes its timestamp and
// never evicts.
func (t *Table) Insert(fd int, now int64) (evictedFD int, evicted bool) {
	if _, ok := t.lastUsed[fd]; ok {
		t.lastUsed[fd] = now
		return 0, false
	}
	if len(t.lastUsed) >= t.capacity {
		evictedFD = t.oldest()
		delete(t.lastUsed, evictedFD)
		evicted = true
	}
	t.lastUsed[fd] = now
	return evictedFD, evicted
}

// Touch refreshes fd's last-used timestamp; it is a no-op if fd isn't
// tracked (the caller should have inserted it first).
func (t *Table) Touch(fd int, now int64) {
	if _, ok := t.lastUsed[fd]; ok {
		t.lastUsed[fd] = now
	}
}

// Remove drops fd from the table, e.g. on a short read/write invalidating
// the connection. Removing an untracked fd is a no-op.
func (t *Table) Remove(fd int) {
	delete(t.lastUsed, fd)
}

// oldest returns the fd with the largest now-last_used gap, i.e. the
// smallest last_used timestamp; ties broken by lowest fd number rather
// than left to Go's randomized map iteration order, per spec.md §9's
// note that the reference's sentinel-based computation can mis-rank ties.
func (t *Table) oldest() int {
	fds := make([]int, 0, len(t.lastUsed))
	for fd := range t.lastUsed {
		fds = append(fds, fd)
	}
	sort.Slice(fds, func(i, j int) bool {
		li, lj := t.lastUsed[fds[i]], t.lastUsed[fds[j]]
		if li != lj {
			return li < lj
		}
		return fds[i] < fds[j]
	})
	return fds[0]
}

// CheckInvariants panics if the table holds more than its capacity, the
// only invariant this simple a structure has to preserve.
func (t *Table) CheckInvariants() {
	if len(t.lastUsed) > t.capacity {
		panic("fdtable: over capacity")
	}
}
