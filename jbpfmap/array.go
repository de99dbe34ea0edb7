// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package jbpfmap

import (
	"sync"

	"github.com/jbpf-go/jbpf/lcmapi"
)

// Array is a flat max_entries × value_size byte buffer. It carries no
// concurrency control of its own: callers use it as shared mutable
// storage and rely on value-level atomics inside codelet bytecode for
// coordination.
type Array struct {
	shape Shape
	data  []byte

	// mu serializes Reset/Clear's bulk zeroing; the byte contents
	// themselves stay uncoordinated.
	mu sync.Mutex
}

// NewArray allocates a zeroed array map.
func NewArray(name string, valueSize, maxEntries uint32) *Array {
	return &Array{
		shape: Shape{
			Type:       lcmapi.MapTypeArray,
			KeySize:    4,
			ValueSize:  valueSize,
			MaxEntries: maxEntries,
			Name:       name,
		},
		data: make([]byte, uint64(valueSize)*uint64(maxEntries)),
	}
}

func (a *Array) Shape() Shape { return a.shape }

// Lookup returns an interior pointer (slice) into slot key, or nil if
// key is out of range.
func (a *Array) Lookup(key uint32) []byte {
	if key >= a.shape.MaxEntries {
		return nil
	}
	start := uint64(key) * uint64(a.shape.ValueSize)
	return a.data[start : start+uint64(a.shape.ValueSize)]
}

// Update memcpys value into slot key honoring the BPF-style
// EXIST/NOEXIST upsert flag. Array slots always exist once the map is
// created, so UpdateNoExist always fails and UpdateExist always
// succeeds for any in-range key.
func (a *Array) Update(key uint32, value []byte, flag lcmapi.UpdateFlag) lcmapi.MapResult {
	if key >= a.shape.MaxEntries {
		return lcmapi.MapError
	}
	if flag == lcmapi.UpdateNoExist {
		return lcmapi.MapError
	}
	if uint32(len(value)) != a.shape.ValueSize {
		return lcmapi.MapError
	}
	start := uint64(key) * uint64(a.shape.ValueSize)
	copy(a.data[start:start+uint64(a.shape.ValueSize)], value)
	return lcmapi.MapSuccess
}

// LookupReset zeroes slot key and returns the (now-zeroed) interior
// pointer, or nil if key is out of range.
func (a *Array) LookupReset(key uint32) []byte {
	if key >= a.shape.MaxEntries {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	start := uint64(key) * uint64(a.shape.ValueSize)
	slot := a.data[start : start+uint64(a.shape.ValueSize)]
	for i := range slot {
		slot[i] = 0
	}
	return slot
}

// Reset zeroes one slot.
func (a *Array) Reset(key uint32) lcmapi.MapResult {
	if key >= a.shape.MaxEntries {
		return lcmapi.MapError
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	start := uint64(key) * uint64(a.shape.ValueSize)
	for i := start; i < start+uint64(a.shape.ValueSize); i++ {
		a.data[i] = 0
	}
	return lcmapi.MapSuccess
}

// Clear zeroes every slot.
func (a *Array) Clear() lcmapi.MapResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.data {
		a.data[i] = 0
	}
	return lcmapi.MapSuccess
}

// Dump serializes every (key,value) pair into dst, returning the
// number of entries written, or 0 if dst is too small. An array has
// no "live" concept, so every slot counts.
func (a *Array) Dump(dst []byte) uint32 {
	entrySize := uint64(a.shape.KeySize) + uint64(a.shape.ValueSize)
	need := entrySize * uint64(a.shape.MaxEntries)
	if uint64(len(dst)) < need {
		return 0
	}
	off := uint64(0)
	for k := uint32(0); k < a.shape.MaxEntries; k++ {
		putU32(dst[off:], k)
		off += uint64(a.shape.KeySize)
		start := uint64(k) * uint64(a.shape.ValueSize)
		copy(dst[off:off+uint64(a.shape.ValueSize)], a.data[start:start+uint64(a.shape.ValueSize)])
		off += uint64(a.shape.ValueSize)
	}
	return a.shape.MaxEntries
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
