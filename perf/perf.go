// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package perf implements the per-hook latency histogram
// aggregation: a 64-bin log2 histogram per thread, reduced across
// threads on the maintenance cadence.
package perf

import (
	"math/bits"
	"sync/atomic"
)

const numBins = 64

// Slab is one thread's accumulator for one hook: min/max/sum/count and
// a 64-bin histogram keyed by floor(log2(ns)) clamped to [0, 63].
// Every field is updated without locks from the dispatching thread
// that owns this slab; only that thread ever writes it.
type Slab struct {
	Min  atomic.Uint64
	Max  atomic.Uint64
	Sum  atomic.Uint64
	Num  atomic.Uint64
	Hist [numBins]atomic.Uint64
}

func newSlab() *Slab {
	s := &Slab{}
	s.Min.Store(^uint64(0))
	return s
}

func binFor(ns uint64) int {
	if ns == 0 {
		return 0
	}
	b := bits.Len64(ns) - 1
	if b < 0 {
		b = 0
	}
	if b > numBins-1 {
		b = numBins - 1
	}
	return b
}

// Record folds one latency sample (nanoseconds) into the slab.
func (s *Slab) Record(ns uint64) {
	for {
		cur := s.Min.Load()
		if ns >= cur {
			break
		}
		if s.Min.CompareAndSwap(cur, ns) {
			break
		}
	}
	for {
		cur := s.Max.Load()
		if ns <= cur {
			break
		}
		if s.Max.CompareAndSwap(cur, ns) {
			break
		}
	}
	s.Sum.Add(ns)
	s.Num.Add(1)
	s.Hist[binFor(ns)].Add(1)
}

// Report is a reduced snapshot across every thread's slab for one
// hook, handed to the built-in report_stats hook.
type Report struct {
	HookName string
	Min      uint64
	Max      uint64
	Sum      uint64
	Num      uint64
	Hist     [numBins]uint64
}

// Table owns one Slab per registered thread for one hook. The slab
// set is swapped out wholesale on the maintenance cadence while
// dispatching threads keep recording, so the whole set hangs off one
// atomic pointer and the aggregator always reduces a frozen snapshot.
type Table struct {
	hookName string
	slabs    atomic.Pointer[[]*Slab]
}

// NewTable allocates a zeroed slab per thread slot.
func NewTable(hookName string, numThreads int) *Table {
	t := &Table{hookName: hookName}
	t.slabs.Store(newSlabSet(numThreads))
	return t
}

func newSlabSet(n int) *[]*Slab {
	set := make([]*Slab, n)
	for i := range set {
		set[i] = newSlab()
	}
	return &set
}

// ForThread returns this table's slab for threadID, the slot the
// dispatch fast path records latency samples into.
func (t *Table) ForThread(threadID int) *Slab {
	return (*t.slabs.Load())[threadID]
}

// Swap atomically installs a fresh zeroed slab set and returns the
// outdated one for the caller to reduce after an epoch barrier.
func (t *Table) Swap() []*Slab {
	old := t.slabs.Swap(newSlabSet(len(*t.slabs.Load())))
	return *old
}

// Reduce folds a frozen slab slice into one Report.
func Reduce(hookName string, slabs []*Slab) Report {
	r := Report{HookName: hookName, Min: ^uint64(0)}
	for _, s := range slabs {
		if s == nil {
			continue
		}
		if mn := s.Min.Load(); mn < r.Min {
			r.Min = mn
		}
		if mx := s.Max.Load(); mx > r.Max {
			r.Max = mx
		}
		r.Sum += s.Sum.Load()
		r.Num += s.Num.Load()
		for i := range r.Hist {
			r.Hist[i] += s.Hist[i].Load()
		}
	}
	if r.Num == 0 {
		r.Min = 0
	}
	return r
}
