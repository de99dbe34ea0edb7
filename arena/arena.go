// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package arena implements the Agent's two memory pools: a general
// pool fronting ordinary heap allocation for slow-path metadata, and
// a fixed-capacity data mempool for hashmap nodes and I/O buffers
// that must never block or grow.
package arena

import (
	"errors"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ErrClosed is returned by any allocation call made after Close.
var ErrClosed = errors.New("arena: allocator is closed")

// ErrExhausted is returned by DataMempool.Alloc when every slot is in
// use; the data mempool never blocks and never grows.
var ErrExhausted = errors.New("arena: data mempool exhausted")

// Arena is the general pool. alloc_mem/calloc_mem/realloc_mem/free_mem
// in the original map directly onto Go's allocator; what this wraps
// is the teardown contract — "teardown must reject further
// allocations" — which Go's GC does not give you for free.
type Arena struct {
	mu     sync.Mutex
	closed bool
}

func New() *Arena { return &Arena{} }

func (a *Arena) AllocMem(size int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, ErrClosed
	}
	return make([]byte, size), nil
}

func (a *Arena) CallocMem(n, size int) ([]byte, error) {
	// make() already zeroes, so calloc and alloc coincide in Go.
	return a.AllocMem(n * size)
}

func (a *Arena) ReallocMem(buf []byte, newSize int) ([]byte, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, ErrClosed
	}
	a.mu.Unlock()
	out := make([]byte, newSize)
	copy(out, buf)
	return out, nil
}

// FreeMem is a no-op under Go's GC; kept so alloc/free call sites
// stay paired and so Close can still reject use after teardown.
func (a *Arena) FreeMem([]byte) {}

// Close rejects all further allocations.
func (a *Arena) Close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
}

// BackingMode selects how a DataMempool's storage is obtained.
type BackingMode int

const (
	// BackingHeap allocates a plain Go slice (default, portable).
	BackingHeap BackingMode = iota
	// BackingMlocked allocates a plain Go slice and best-effort
	// mlocks it via golang.org/x/sys/unix so the fast-path data
	// mempool is never paged out, matching the production jbpf
	// agent's preference for a pinned mempool. Failure to lock is
	// logged by the caller and not fatal.
	BackingMlocked
)

// DataMempool is the fixed-size fast-path pool backing hashmap nodes
// and I/O buffers. It is sized once at construction as
// (numElems, elemSize) and never grows.
type DataMempool struct {
	elemSize int
	storage  []byte
	free     []int32 // stack of free slot indices
	mu       sync.Mutex
	closed   bool
	locked   bool
}

// NewDataMempool allocates numElems slots of elemSize bytes each.
func NewDataMempool(numElems, elemSize int, mode BackingMode) (*DataMempool, error) {
	storage := make([]byte, numElems*elemSize)
	p := &DataMempool{
		elemSize: elemSize,
		storage:  storage,
		free:     make([]int32, numElems),
	}
	for i := 0; i < numElems; i++ {
		p.free[i] = int32(numElems - 1 - i)
	}
	if mode == BackingMlocked && len(storage) > 0 {
		if err := unix.Mlock(storage); err == nil {
			p.locked = true
		}
		// best-effort: an mlock failure (e.g. RLIMIT_MEMLOCK) is not
		// fatal, the pool just stays pageable.
	}
	return p, nil
}

// Locked reports whether the backing storage was successfully
// mlock'd.
func (p *DataMempool) Locked() bool { return p.locked }

// Alloc returns one zeroed elemSize-byte slot, or ErrExhausted if none
// remain. It never blocks and never grows the pool.
func (p *DataMempool) Alloc() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if len(p.free) == 0 {
		return nil, ErrExhausted
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	start := int(idx) * p.elemSize
	slot := p.storage[start : start+p.elemSize]
	for i := range slot {
		slot[i] = 0
	}
	return slot, nil
}

// Free returns a slot previously obtained from Alloc back to the
// pool. Passing a slice not sourced from this pool is a programming
// error and panics, matching the fast path's assumption that callers
// never mix pools.
func (p *DataMempool) Free(slot []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	off := slotOffset(p.storage, slot)
	if p.elemSize <= 0 || off < 0 || off >= len(p.storage) || off%p.elemSize != 0 {
		panic("arena: Free of a slot not owned by this data mempool")
	}
	idx := int32(off / p.elemSize)
	p.free = append(p.free, idx)
}

func slotOffset(storage, slot []byte) int {
	// storage and slot share the same backing array; compute the byte
	// offset via pointer arithmetic on the slice headers.
	base := unsafe.Pointer(unsafe.SliceData(storage))
	ptr := unsafe.Pointer(unsafe.SliceData(slot))
	return int(uintptr(ptr) - uintptr(base))
}
