// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package hook implements the dispatch fast path: an
// atomically-swapped, priority-sorted codelet list per hook, entered
// under an epoch-guarded double-load so the common idle path (no
// codelets installed) never opens a critical section.
package hook

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/jbpf-go/jbpf/codelet"
	"github.com/jbpf-go/jbpf/cycle"
	"github.com/jbpf-go/jbpf/epoch"
	"github.com/jbpf-go/jbpf/helper"
	"github.com/jbpf-go/jbpf/lcmapi"
	"github.com/jbpf-go/jbpf/perf"
)

// ErrControlHookFull is returned when a second codelet attempts to
// register on a control hook, which accepts at most one.
var ErrControlHookFull = errors.New("hook: control hook already has a codelet installed")

// ErrNotRegistered names the unknown-hook-name condition. No function
// in this package returns it: Registry.Get reports an unknown name as
// nil.
var ErrNotRegistered = errors.New("hook: not registered")

// codeletList is the published, priority-sorted slice a dispatch
// reads with one atomic load. A nil *codeletList published on the
// hook means "no codelets", which is what the idle-path shortcut in
// Dispatch checks before opening an epoch section.
type codeletList struct {
	entries []*codelet.Codelet
}

// Hook is one declared hook point.
type Hook struct {
	Name string
	Type lcmapi.HookType

	list       atomic.Pointer[codeletList]
	perf       *perf.Table
	perfActive atomic.Bool
}

func newHook(name string, kind lcmapi.HookType, numThreads int) *Hook {
	return &Hook{Name: name, Type: kind, perf: perf.NewTable(name, numThreads)}
}

// SetPerfActive toggles perf recording for this hook; the maintenance
// task's report_stats pass leaves the stats hook itself excluded.
func (h *Hook) SetPerfActive(active bool) { h.perfActive.Store(active) }

// insertSorted returns a new slice with c inserted at the
// priority-sorted position: higher priority first, ties appended in
// insertion order (stable).
func insertSorted(entries []*codelet.Codelet, c *codelet.Codelet) []*codelet.Codelet {
	out := make([]*codelet.Codelet, 0, len(entries)+1)
	inserted := false
	for _, e := range entries {
		if !inserted && c.Priority > e.Priority {
			out = append(out, c)
			inserted = true
		}
		out = append(out, e)
	}
	if !inserted {
		out = append(out, c)
	}
	return out
}

// Install publishes c onto this hook's codelet list. Re-installing
// the same *codelet.Codelet is a silent no-op.
func (h *Hook) Install(mgr *epoch.Manager, threadID int, c *codelet.Codelet) error {
	cur := h.list.Load()
	var entries []*codelet.Codelet
	if cur != nil {
		for _, e := range cur.entries {
			if e == c {
				return nil
			}
		}
		entries = cur.entries
	}
	if h.Type == lcmapi.HookControl && len(entries) >= 1 {
		return ErrControlHookFull
	}
	next := &codeletList{entries: insertSorted(entries, c)}
	h.list.Store(next)
	if cur != nil {
		// The superseded list may still be mid-walk in a dispatch;
		// wait it out before returning so the caller can treat the
		// install as fully published.
		mgr.Synchronize()
	}
	return nil
}

// Uninstall removes c from this hook's list, publishing nil if the
// list becomes empty.
func (h *Hook) Uninstall(mgr *epoch.Manager, threadID int, c *codelet.Codelet) {
	cur := h.list.Load()
	if cur == nil {
		return
	}
	shrunk := make([]*codelet.Codelet, 0, len(cur.entries))
	for _, e := range cur.entries {
		if e != c {
			shrunk = append(shrunk, e)
		}
	}
	if len(shrunk) == len(cur.entries) {
		return // c wasn't installed
	}
	if len(shrunk) == 0 {
		h.list.Store(nil)
	} else {
		h.list.Store(&codeletList{entries: shrunk})
	}
	mgr.Synchronize()
}

// Dispatch runs the fast path: a lock-free shortcut on the idle path,
// then an epoch-guarded re-read and invocation of every installed
// codelet in priority order. For a control hook at most one
// codelet runs and its return value is propagated; monitoring hooks
// discard the return value and Dispatch always returns 0.
func (h *Hook) Dispatch(mgr *epoch.Manager, threadID int, state *helper.ThreadState, ctx interface{}) int {
	if h.list.Load() == nil {
		return 0
	}
	rec := mgr.Record(threadID)
	rec.Begin()
	defer rec.End()

	cur := h.list.Load()
	if cur == nil {
		return 0
	}

	start := cycle.GetSysTime(true)
	result := 0
	for _, c := range cur.entries {
		state.SetRuntimeThreshold(c.RuntimeThreshold)
		result = c.Fn(ctx)
		if h.Type == lcmapi.HookControl {
			break
		}
	}
	end := cycle.GetSysTime(false)
	if h.perfActive.Load() {
		h.perf.ForThread(threadID).Record(cycle.DiffNs(start, end))
	}
	if h.Type == lcmapi.HookControl {
		return result
	}
	return 0
}

// Len reports how many codelets are currently installed on this hook.
func (h *Hook) Len() int {
	cur := h.list.Load()
	if cur == nil {
		return 0
	}
	return len(cur.entries)
}

// Swap rotates this hook's perf slab for the maintenance aggregation
// pass, returning the outdated slabs to reduce.
func (h *Hook) Swap() []*perf.Slab { return h.perf.Swap() }

// Registry owns every declared hook by name.
type Registry struct {
	mu         sync.RWMutex
	hooks      map[string]*Hook
	numThreads int
}

// NewRegistry builds an empty hook registry sized for numThreads
// concurrent dispatching threads.
func NewRegistry(numThreads int) *Registry {
	return &Registry{hooks: make(map[string]*Hook), numThreads: numThreads}
}

// Declare registers a new hook point. Declaring an already-registered
// name is a no-op returning the existing Hook.
func (r *Registry) Declare(name string, kind lcmapi.HookType) *Hook {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.hooks[name]; ok {
		return h
	}
	h := newHook(name, kind, r.numThreads)
	r.hooks[name] = h
	return h
}

// Exists reports whether name is a registered hook — the existence
// check a load request's hook names go through.
func (r *Registry) Exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.hooks[name]
	return ok
}

// Get returns the hook registered under name, or nil.
func (r *Registry) Get(name string) *Hook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hooks[name]
}

// Names returns every declared hook name, for the maintenance task's
// perf-aggregation sweep.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.hooks))
	for n := range r.hooks {
		out = append(out, n)
	}
	return out
}
