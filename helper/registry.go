// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package helper implements the numbered helper-function ABI: a
// fixed-size table of host-callable functions, a reserved
// built-in prefix, and register/deregister/reset operations. Every
// codelet JIT-compile binds the table's current contents into the VM
// (see lifecycle), so a codelet referencing an unregistered id fails
// to load.
package helper

import (
	"fmt"
	"sync"

	"github.com/jbpf-go/jbpf/lcmapi"
)

// Context is threaded into every helper call: the dispatching
// thread's identity and the runtime-threshold bookkeeping the
// mark_runtime_init/runtime_limit_exceeded pair needs.
type Context struct {
	ThreadID int
	State    *ThreadState
}

// Func is a helper implementation. The real ABI passes up to five u64
// register arguments across the codelet/host boundary; that
// marshalling is the injected JIT's job (see jit.Compiler), not this
// package's, so Func takes the already-unmarshalled Go values — a map
// handle, a key slice, a byte buffer — directly.
type Func func(ctx *Context, args ...interface{}) (interface{}, error)

// Definition is one registered helper: a reloc_id, its name, and the
// function it resolves to.
type Definition struct {
	ID   int
	Name string
	Fn   Func
}

// Registry is the fixed-size helpers[MAX_HELPER_FUNC] table.
type Registry struct {
	mu    sync.RWMutex
	slots [lcmapi.MaxHelperFunc]*Definition
}

// NewRegistry builds a registry pre-populated with the built-in
// helper set at the reserved id prefix.
func NewRegistry() *Registry {
	r := &Registry{}
	r.Reset()
	return r
}

var (
	ErrInvalidID  = fmt.Errorf("helper: id out of range")
	ErrOutOfRange = fmt.Errorf("helper: id out of range [1, %d)", lcmapi.MaxHelperFunc)
	ErrEmptySlot  = fmt.Errorf("helper: slot already empty")
)

// Register inserts or replaces the definition at def.ID. Returns 0 for
// a fresh insert, 1 for a replace, matching the original's
// register_helper return convention; an invalid id returns -1 together
// with ErrInvalidID so Go callers can't ignore it by accident.
func (r *Registry) Register(def Definition) (int, error) {
	if def.ID <= 0 || def.ID >= lcmapi.MaxHelperFunc {
		return -1, ErrInvalidID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	d := def
	existing := r.slots[def.ID]
	r.slots[def.ID] = &d
	if existing == nil {
		return 0, nil
	}
	return 1, nil
}

// Deregister clears slot id. Returns 0 on success.
func (r *Registry) Deregister(id int) (int, error) {
	if id <= 0 || id >= lcmapi.MaxHelperFunc {
		return -2, ErrOutOfRange
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.slots[id] == nil {
		return -1, ErrEmptySlot
	}
	r.slots[id] = nil
	return 0, nil
}

// Reset restores the compile-time built-in defaults, discarding any
// operator-registered helpers.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.slots {
		r.slots[i] = nil
	}
	for _, def := range builtins() {
		d := def
		r.slots[d.ID] = &d
	}
}

// Lookup returns the definition bound at id, or nil if the slot is
// empty.
func (r *Registry) Lookup(id int) *Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.slots[id]
}

// Contains reports whether id is currently bound.
func (r *Registry) Contains(id int) bool {
	return r.Lookup(id) != nil
}

// ContainsName reports whether a helper is currently bound under name.
// The lifecycle controller checks every helper symbol a codelet's
// bytecode references through this before compiling, so a codelet
// calling an unregistered helper fails to load.
func (r *Registry) ContainsName(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.slots {
		if d != nil && d.Name == name {
			return true
		}
	}
	return false
}

// Snapshot returns every currently bound definition, in id order. The
// lifecycle controller hands this to the injected JIT compiler so it
// can register each non-empty slot's (id, name, fn) with the VM at
// the moment of compiling a codelet.
func (r *Registry) Snapshot() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, lcmapi.MaxHelperFunc)
	for _, d := range r.slots {
		if d != nil {
			out = append(out, *d)
		}
	}
	return out
}
