// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package helper

import "github.com/jbpf-go/jbpf/cycle"

// ThreadState holds the per-thread bookkeeping the original keeps in
// thread-local storage: the rand_r seed, and the mark_runtime_init /
// runtime_limit_exceeded pair's start timestamp and threshold. One
// ThreadState is owned exclusively by the thread it is handed to by
// the registry that allocates it.
type ThreadState struct {
	seed      uint32
	markNs    uint64
	threshold uint64
}

// NewThreadState seeds the per-thread PRNG from the registry-assigned
// per-thread seed (threadreg.Handle.RandSeed).
func NewThreadState(seed uint32) *ThreadState {
	return &ThreadState{seed: seed}
}

// SetRuntimeThreshold installs the active codelet's runtime budget in
// nanoseconds, read by runtimeLimitExceeded.
func (s *ThreadState) SetRuntimeThreshold(ns uint64) { s.threshold = ns }

// markInit records the start of a codelet invocation.
func (s *ThreadState) markInit() { s.markNs = cycle.GetSysTime(true) }

// limitExceeded reports whether the elapsed time since the last
// markInit exceeds the active threshold. A zero threshold means the
// codelet has no budget and never trips.
func (s *ThreadState) limitExceeded() bool {
	if s.threshold == 0 {
		return false
	}
	elapsed := cycle.DiffNs(s.markNs, cycle.GetSysTime(false))
	return elapsed > s.threshold
}

// nextRand is a minimal xorshift32 PRNG standing in for glibc's
// rand_r — deterministic per-seed, which is all jbpf_rand promises.
func (s *ThreadState) nextRand() uint32 {
	x := s.seed
	if x == 0 {
		x = 1
	}
	x ^= x << 13
	x ^= x >> 17
	x ^= x << 5
	s.seed = x
	return x
}
