// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package epoch implements the Agent's safe-memory-reclamation
// scheme: one record per registered thread, a read-side
// critical section delimited by Begin/End, and a writer-side
// Synchronize that waits until every thread has left any section that
// was in progress when Synchronize was called. Deferred frees queued
// with CallStrict run once that barrier has passed.
package epoch

import (
	"sync"
	"sync/atomic"
	"time"
)

// Record is the per-thread state a reader updates on every hook
// dispatch. seq follows seqlock convention: odd means "inside a
// critical section", even means "idle". A writer that observes an odd
// seq value and later observes it change (to anything) knows that
// reader has completed at least one full section since the snapshot.
type Record struct {
	seq atomic.Uint64
}

// Begin opens a read-side critical section. Must be paired with End.
func (r *Record) Begin() {
	r.seq.Add(1)
}

// End closes a read-side critical section.
func (r *Record) End() {
	r.seq.Add(1)
}

func (r *Record) snapshot() uint64 { return r.seq.Load() }

// deferredEntry is one queued free, matching ck_epoch_entry style
// call_strict(record, entry, free_fn) of the original source.
type deferredEntry struct {
	fn func()
}

// Manager owns one record per thread id and the pending-free queue. The
// Agent constructs exactly one Manager for its lifetime.
type Manager struct {
	records []*Record

	mu      sync.Mutex
	pending []deferredEntry
}

// NewManager allocates n per-thread records.
func NewManager(n int) *Manager {
	m := &Manager{records: make([]*Record, n)}
	for i := range m.records {
		m.records[i] = &Record{}
	}
	return m
}

// Record returns the record owned by thread id. Callers index with
// the dense id handed out by threadreg.Registry.
func (m *Manager) Record(id int) *Record {
	return m.records[id]
}

// Synchronize blocks until every record that is currently inside a
// critical section has left it at least once. Equivalent to
// ck_epoch_synchronize / ck_epoch_barrier: it is the mechanism the
// lifecycle controller uses before freeing a just-replaced hook
// codelet list or linked-map wrapper.
func (m *Manager) Synchronize() {
	type watch struct {
		rec  *Record
		want uint64
	}
	var watches []watch
	for _, r := range m.records {
		if r == nil {
			continue
		}
		s := r.snapshot()
		if s%2 == 1 {
			watches = append(watches, watch{rec: r, want: s})
		}
	}
	for _, w := range watches {
		for w.rec.snapshot() == w.want {
			runtime_gosched()
		}
	}
}

// runtime_gosched is split out so tests can't accidentally busy-spin
// the CPU to 100% in a tight loop on a single-core CI runner.
func runtime_gosched() {
	time.Sleep(time.Microsecond)
}

// CallStrict enqueues fn to run once a Synchronize barrier has passed.
// Writers use this instead of calling Synchronize inline when they
// don't want to block the calling goroutine on the barrier themselves
// (the maintenance task drains the queue on its own cadence).
func (m *Manager) CallStrict(fn func()) {
	m.mu.Lock()
	m.pending = append(m.pending, deferredEntry{fn: fn})
	m.mu.Unlock()
}

// Reclaim runs one barrier pass and executes every callback queued
// before the pass began. Called by the maintenance task on a fixed
// cadence.
func (m *Manager) Reclaim() {
	m.mu.Lock()
	batch := m.pending
	m.pending = nil
	m.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	m.Synchronize()
	for _, e := range batch {
		e.fn()
	}
}
