// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package jbpfmap

import (
	"bytes"

	"github.com/jbpf-go/jbpf/lcmapi"
)

// PerThreadArray is logically an array of N inner Array maps, indexed
// by the caller's thread ID.
type PerThreadArray struct {
	shape Shape
	inner []*Array
}

func NewPerThreadArray(name string, valueSize, maxEntries uint32, numThreads int) *PerThreadArray {
	pt := &PerThreadArray{
		shape: Shape{
			Type:       lcmapi.MapTypePerThreadArray,
			KeySize:    4,
			ValueSize:  valueSize,
			MaxEntries: maxEntries,
			Name:       name,
		},
		inner: make([]*Array, numThreads),
	}
	for i := range pt.inner {
		pt.inner[i] = NewArray(name, valueSize, maxEntries)
	}
	return pt
}

func (pt *PerThreadArray) Shape() Shape { return pt.shape }

func (pt *PerThreadArray) ForThread(threadID int) *Array { return pt.inner[threadID] }

// spscSlot holds one key/value pair of a per-thread hashmap's inner
// table. empty marks a vacant slot, including one vacated by Delete,
// which backward-shifts the run that follows instead of leaving a
// tombstone; deleted is checked by the probe loops but never set true.
type spscSlot struct {
	key     []byte
	value   []byte
	empty   bool
	deleted bool
}

// spscHashmap is the single-producer, single-consumer open-addressing
// inner table backing PerThreadHashmap: linear probing, capacity a
// power of two, no locks and no epoch reclamation because exclusive
// thread ownership is the safety argument.
type spscHashmap struct {
	keySize, valueSize uint32
	maxEntries         uint32
	slots              []spscSlot
	mask               uint64
	size               uint32
}

func newSPSCHashmap(keySize, valueSize, maxEntries uint32) *spscHashmap {
	capacity := nextPow2(uint64(maxEntries) * 2)
	slots := make([]spscSlot, capacity)
	for i := range slots {
		slots[i].empty = true
	}
	return &spscHashmap{
		keySize: keySize, valueSize: valueSize, maxEntries: maxEntries,
		slots: slots, mask: capacity - 1,
	}
}

func (m *spscHashmap) probe(key []byte) uint64 { return hashKey(key) & m.mask }

func (m *spscHashmap) Lookup(key []byte) []byte {
	idx := m.probe(key)
	for i := uint64(0); i <= m.mask; i++ {
		s := &m.slots[(idx+i)&m.mask]
		if s.empty {
			return nil
		}
		if !s.deleted && bytes.Equal(s.key, key) {
			return s.value
		}
	}
	return nil
}

// LookupReset zeroes key's value in place and returns it.
func (m *spscHashmap) LookupReset(key []byte) []byte {
	v := m.Lookup(key)
	if v == nil {
		return nil
	}
	for i := range v {
		v[i] = 0
	}
	return v
}

func (m *spscHashmap) Update(key, value []byte, flag lcmapi.UpdateFlag) lcmapi.MapResult {
	idx := m.probe(key)
	firstFree := int64(-1)
	for i := uint64(0); i <= m.mask; i++ {
		pos := (idx + i) & m.mask
		s := &m.slots[pos]
		if s.empty {
			if firstFree < 0 {
				firstFree = int64(pos)
			}
			break
		}
		if s.deleted {
			if firstFree < 0 {
				firstFree = int64(pos)
			}
			continue
		}
		if bytes.Equal(s.key, key) {
			if flag == lcmapi.UpdateNoExist {
				return lcmapi.MapError
			}
			s.value = append([]byte(nil), value...)
			return lcmapi.MapSuccess
		}
	}
	if flag == lcmapi.UpdateExist {
		return lcmapi.MapError
	}
	if firstFree < 0 || m.size >= m.maxEntries {
		return lcmapi.MapFull
	}
	s := &m.slots[firstFree]
	s.key = append([]byte(nil), key...)
	s.value = append([]byte(nil), value...)
	s.empty = false
	s.deleted = false
	m.size++
	return lcmapi.MapSuccess
}

// Delete removes key and restores the probe invariant by shifting any
// displaced successor back into the freed slot instead of leaving a
// tombstone. Single-thread ownership makes this safe without
// coordinating against concurrent readers.
func (m *spscHashmap) Delete(key []byte) lcmapi.MapResult {
	idx := m.probe(key)
	var pos uint64 = 0
	found := false
	for i := uint64(0); i <= m.mask; i++ {
		p := (idx + i) & m.mask
		s := &m.slots[p]
		if s.empty {
			return lcmapi.MapError
		}
		if !s.deleted && bytes.Equal(s.key, key) {
			pos = p
			found = true
			break
		}
	}
	if !found {
		return lcmapi.MapError
	}

	m.slots[pos] = spscSlot{empty: true}
	m.size--

	// Backward-shift deletion: walk forward from the freed slot,
	// moving any entry whose ideal bucket lies at or before pos into
	// the gap, repeating until an empty slot closes the chain.
	hole := pos
	scan := (pos + 1) & m.mask
	for {
		s := m.slots[scan]
		if s.empty {
			break
		}
		if !s.deleted {
			ideal := hashKey(s.key) & m.mask
			if probeDistance(ideal, scan, m.mask) >= probeDistance(ideal, hole, m.mask) {
				m.slots[hole] = s
				m.slots[scan] = spscSlot{empty: true}
				hole = scan
			}
		}
		scan = (scan + 1) & m.mask
		if scan == pos {
			break
		}
	}
	return lcmapi.MapSuccess
}

func probeDistance(ideal, pos, mask uint64) uint64 {
	return (pos - ideal) & mask
}

func (m *spscHashmap) Clear() {
	for i := range m.slots {
		m.slots[i] = spscSlot{empty: true}
	}
	m.size = 0
}

func (m *spscHashmap) Dump(dst []byte) uint32 {
	entrySize := uint64(m.keySize) + uint64(m.valueSize)
	if uint64(len(dst)) < entrySize*uint64(m.size) {
		return 0
	}
	off := uint64(0)
	var n uint32
	for i := range m.slots {
		s := &m.slots[i]
		if s.empty || s.deleted {
			continue
		}
		copy(dst[off:], s.key)
		off += uint64(m.keySize)
		copy(dst[off:], s.value)
		off += uint64(m.valueSize)
		n++
	}
	return n
}

// PerThreadHashmap is an outer vector of N spscHashmap instances,
// dispatched through the caller's thread ID.
type PerThreadHashmap struct {
	shape Shape
	inner []*spscHashmap
}

func NewPerThreadHashmap(name string, keySize, valueSize, maxEntries uint32, numThreads int) *PerThreadHashmap {
	pt := &PerThreadHashmap{
		shape: Shape{
			Type:       lcmapi.MapTypePerThreadHashmap,
			KeySize:    keySize,
			ValueSize:  valueSize,
			MaxEntries: maxEntries,
			Name:       name,
		},
		inner: make([]*spscHashmap, numThreads),
	}
	for i := range pt.inner {
		pt.inner[i] = newSPSCHashmap(keySize, valueSize, maxEntries)
	}
	return pt
}

func (pt *PerThreadHashmap) Shape() Shape { return pt.shape }

func (pt *PerThreadHashmap) ForThread(threadID int) *spscHashmap { return pt.inner[threadID] }
