// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package jbpfmap

import (
	"bytes"
	"sync"
	"sync/atomic"

	"github.com/jbpf-go/jbpf/arena"
	"github.com/jbpf-go/jbpf/epoch"
	"github.com/jbpf-go/jbpf/lcmapi"
)

// hentry is one payload node: [key | value], matching the original's
// ck_ht-style "epoch_entry | key | value" layout minus the explicit
// epoch_entry header, which our epoch.Manager tracks out of band.
type hentry struct {
	key   []byte
	value []byte
}

// tombstone marks a deleted slot that must still be probed through
// (it cannot be reset to empty without breaking the probe sequence
// for entries that hashed earlier and landed past it).
var tombstone = &hentry{}

// Hashmap is the multi-reader, multi-writer open-addressed hash
// table: a single spinlock guards writers and size reads, while
// Lookup is lock-free (SPMC). Slots hold
// atomic.Pointer[hentry] so a reader never observes a partially
// written entry.
type Hashmap struct {
	shape Shape
	mgr   *epoch.Manager
	pool  *arena.DataMempool // backs every live entry's [key|value] payload

	slots []atomic.Pointer[hentry]
	mask  uint64

	writerLock sync.Mutex
	size       atomic.Int32 // live (non-tombstone, non-empty) entries
}

// NewHashmap creates a hashmap sized to hold at least maxEntries live
// entries without excessive clustering. Node payloads come from a
// DataMempool sized for twice the slot count so a replaced node can
// still be allocated before its predecessor's epoch-deferred free
// runs.
func NewHashmap(name string, keySize, valueSize, maxEntries uint32, mgr *epoch.Manager) *Hashmap {
	cap64 := nextPow2(uint64(maxEntries)*2 + 1)
	pool, _ := arena.NewDataMempool(int(cap64)*2, int(keySize+valueSize), arena.BackingHeap)
	return &Hashmap{
		shape: Shape{
			Type:       lcmapi.MapTypeHashmap,
			KeySize:    keySize,
			ValueSize:  valueSize,
			MaxEntries: maxEntries,
			Name:       name,
		},
		mgr:   mgr,
		pool:  pool,
		slots: make([]atomic.Pointer[hentry], cap64),
		mask:  cap64 - 1,
	}
}

// newPayload allocates a node buffer from the pool and splits it into
// the key/value subslices hentry expects, copying the caller's bytes
// in. Returns MapFull if the pool (sized generously above
// max_entries) is ever exhausted by node churn.
func (h *Hashmap) newPayload(key, value []byte) (*hentry, lcmapi.MapResult) {
	buf, err := h.pool.Alloc()
	if err != nil {
		return nil, lcmapi.MapFull
	}
	copy(buf[:len(key)], key)
	copy(buf[len(key):], value)
	return &hentry{key: buf[:len(key):len(key)], value: buf[len(key):]}, lcmapi.MapSuccess
}

// freePayload returns e's backing buffer to the pool. e.key's slice
// header shares the payload buffer's start pointer, so it alone is
// enough to compute the owning slot's offset.
func (h *Hashmap) freePayload(e *hentry) {
	if e == nil || e == tombstone {
		return
	}
	h.pool.Free(e.key[:cap(e.key)])
}

func (h *Hashmap) Shape() Shape { return h.shape }

func nextPow2(n uint64) uint64 {
	if n == 0 {
		return 1
	}
	p := uint64(1)
	for p < n {
		p <<= 1
	}
	return p
}

func hashKey(key []byte) uint64 {
	// FNV-1a 64: a small dependency-free hash is plenty for an
	// internal-only bucket index.
	var h uint64 = 14695981039346656037
	for _, b := range key {
		h ^= uint64(b)
		h *= 1099511628211
	}
	return h
}

// Lookup is lock-free: it walks the probe sequence reading published
// slot pointers, so a lookup racing an update observes either the old
// value or the new one, never a torn entry.
func (h *Hashmap) Lookup(key []byte) []byte {
	idx := hashKey(key) & h.mask
	for i := uint64(0); i <= h.mask; i++ {
		slot := h.slots[(idx+i)&h.mask].Load()
		if slot == nil {
			return nil
		}
		if slot == tombstone {
			continue
		}
		if bytes.Equal(slot.key, key) {
			return slot.value
		}
	}
	return nil
}

// LookupReset zeroes key's value in place and returns it, lock-free
// like Lookup — the original's reset_elem also skips the writer lock
// since the zeroing only ever touches already-published bytes.
func (h *Hashmap) LookupReset(key []byte) []byte {
	v := h.Lookup(key)
	if v == nil {
		return nil
	}
	for i := range v {
		v[i] = 0
	}
	return v
}

// Update inserts or replaces key's value, honoring the upsert flag.
// Returns Busy if the writer lock is already held and the bounded
// spin gives up (bytecode is expected to retry), Full if the table is
// at max_entries and key is new.
func (h *Hashmap) Update(key, value []byte, flag lcmapi.UpdateFlag) lcmapi.MapResult {
	if !h.tryLockSpin() {
		return lcmapi.MapBusy
	}
	defer h.writerLock.Unlock()

	idx := hashKey(key) & h.mask
	firstFree := int64(-1)
	for i := uint64(0); i <= h.mask; i++ {
		pos := (idx + i) & h.mask
		slot := h.slots[pos].Load()
		if slot == nil {
			if firstFree < 0 {
				firstFree = int64(pos)
			}
			break
		}
		if slot == tombstone {
			if firstFree < 0 {
				firstFree = int64(pos)
			}
			continue
		}
		if bytes.Equal(slot.key, key) {
			if flag == lcmapi.UpdateNoExist {
				return lcmapi.MapError
			}
			newEntry, res := h.newPayload(key, value)
			if res != lcmapi.MapSuccess {
				return res
			}
			h.slots[pos].Store(newEntry)
			old := slot
			h.mgr.CallStrict(func() { h.freePayload(old) })
			return lcmapi.MapSuccess
		}
	}

	if flag == lcmapi.UpdateExist {
		return lcmapi.MapError
	}
	if firstFree < 0 {
		return lcmapi.MapFull
	}
	if int(h.size.Load()) >= int(h.shape.MaxEntries) {
		return lcmapi.MapFull
	}
	newEntry, res := h.newPayload(key, value)
	if res != lcmapi.MapSuccess {
		return res
	}
	h.slots[firstFree].Store(newEntry)
	h.size.Add(1)
	return lcmapi.MapSuccess
}

// Delete removes key, replacing its slot with a tombstone so later
// entries on the same probe chain stay reachable.
func (h *Hashmap) Delete(key []byte) lcmapi.MapResult {
	if !h.tryLockSpin() {
		return lcmapi.MapBusy
	}
	defer h.writerLock.Unlock()

	idx := hashKey(key) & h.mask
	for i := uint64(0); i <= h.mask; i++ {
		pos := (idx + i) & h.mask
		slot := h.slots[pos].Load()
		if slot == nil {
			return lcmapi.MapError
		}
		if slot == tombstone {
			continue
		}
		if bytes.Equal(slot.key, key) {
			h.slots[pos].Store(tombstone)
			h.size.Add(-1)
			old := slot
			h.mgr.CallStrict(func() { h.freePayload(old) })
			return lcmapi.MapSuccess
		}
	}
	return lcmapi.MapError
}

// Clear empties the table, queuing every live entry for deferred
// free.
func (h *Hashmap) Clear() lcmapi.MapResult {
	if !h.tryLockSpin() {
		return lcmapi.MapBusy
	}
	defer h.writerLock.Unlock()

	var freed []*hentry
	for i := range h.slots {
		s := h.slots[i].Load()
		if s != nil && s != tombstone {
			freed = append(freed, s)
		}
		h.slots[i].Store(nil)
	}
	h.size.Store(0)
	if len(freed) > 0 {
		h.mgr.CallStrict(func() {
			for _, e := range freed {
				h.freePayload(e)
			}
		})
	}
	return lcmapi.MapSuccess
}

// Size returns the live entry count, or Busy if the writer lock is
// held.
func (h *Hashmap) Size() (int32, lcmapi.MapResult) {
	if !h.tryLockSpin() {
		return 0, lcmapi.MapBusy
	}
	defer h.writerLock.Unlock()
	return h.size.Load(), lcmapi.MapSuccess
}

// Dump serializes every live (key,value) pair into dst atomically
// under the writer lock. Returns the number of pairs written, or 0
// (writing nothing) if dst is too small.
func (h *Hashmap) Dump(dst []byte) uint32 {
	h.writerLock.Lock()
	defer h.writerLock.Unlock()

	entrySize := uint64(h.shape.KeySize) + uint64(h.shape.ValueSize)
	need := entrySize * uint64(h.size.Load())
	if uint64(len(dst)) < need {
		return 0
	}
	off := uint64(0)
	var n uint32
	for i := range h.slots {
		s := h.slots[i].Load()
		if s == nil || s == tombstone {
			continue
		}
		copy(dst[off:], s.key)
		off += uint64(h.shape.KeySize)
		copy(dst[off:], s.value)
		off += uint64(h.shape.ValueSize)
		n++
	}
	return n
}

// tryLockSpin bounds the writer-lock acquisition at 100 attempts,
// the same bound bytecode is expected to use when retrying Busy. The
// table gives up and reports Busy rather than blocking forever, since
// unbounded blocking here would stall a hook dispatch that calls a
// map helper.
func (h *Hashmap) tryLockSpin() bool {
	for i := 0; i < 100; i++ {
		if h.writerLock.TryLock() {
			return true
		}
	}
	return false
}
