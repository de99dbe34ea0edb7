// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package iotransport declares the interface to the shared-memory
// I/O transport — an external collaborator the Agent only ever talks
// to through this boundary — and ships an in-process Transport
// implementation good enough to drive the Agent's own test suite and
// a single-process deployment.
package iotransport

import (
	"container/ring"
	"errors"
	"sync"

	"github.com/jbpf-go/jbpf/lcmapi"
)

// Direction distinguishes a codelet-producer channel (Ringbuf, Output)
// from a codelet-consumer channel (ControlInput).
type Direction uint8

const (
	DirOut Direction = iota
	DirIn
)

// ErrNoReservation is returned by Submit when called without a prior
// Reserve.
var ErrNoReservation = errors.New("iotransport: send_output without a prior reservation")

// ErrShapeMismatch is returned by Recv when the caller's buffer is
// smaller than the channel's value size.
var ErrShapeMismatch = errors.New("iotransport: buffer smaller than channel value size")

// Channel is one transport-backed I/O map's external handle.
type Channel interface {
	// Reserve returns an uncommitted, zeroed slot of exactly the
	// channel's value size. Calling Reserve again before Submit
	// returns the same slot.
	Reserve() ([]byte, error)
	// Submit commits the slot previously returned by Reserve. Calling
	// Submit without a prior Reserve is an error.
	Submit() error
	// Send is Ringbuf's one-shot reserve+memcpy+submit.
	Send(data []byte) error
	// Recv dequeues one record for ControlInput, returning
	// (1, nil) on success, (0, nil) when empty, or an error on shape
	// mismatch.
	Recv(buf []byte) (int, error)
	Close() error
}

// Transport creates and destroys Channels. The default
// implementation keeps every channel's backing store in an
// in-process ring buffer; a real deployment would instead bind each
// channel to the shared-memory segment named by its StreamID.
type Transport interface {
	CreateChannel(id lcmapi.StreamID, dir Direction, maxEntries, valueSize uint32, serde lcmapi.SerdeDescriptor) (Channel, error)
}

// MemTransport is the default in-process Transport.
type MemTransport struct {
	mu       sync.Mutex
	channels map[lcmapi.StreamID]*memChannel
}

func NewMemTransport() *MemTransport {
	return &MemTransport{channels: make(map[lcmapi.StreamID]*memChannel)}
}

func (t *MemTransport) CreateChannel(id lcmapi.StreamID, dir Direction, maxEntries, valueSize uint32, serde lcmapi.SerdeDescriptor) (Channel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := &memChannel{
		id:        id,
		dir:       dir,
		valueSize: valueSize,
		ring:      ring.New(int(maxEntries)),
	}
	t.channels[id] = ch
	return ch, nil
}

// Lookup is a test/debug convenience letting a harness read back
// everything an output channel has accumulated, without going through
// a real shared-memory consumer.
func (t *MemTransport) Lookup(id lcmapi.StreamID) (*memChannel, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.channels[id]
	return ch, ok
}

type memChannel struct {
	mu        sync.Mutex
	id        lcmapi.StreamID
	dir       Direction
	valueSize uint32

	ring     *ring.Ring // committed records, producer side
	length   int
	reserved []byte // uncommitted slot, nil when none outstanding
}

func (c *memChannel) Reserve() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reserved == nil {
		c.reserved = make([]byte, c.valueSize)
	}
	return c.reserved, nil
}

func (c *memChannel) Submit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reserved == nil {
		return ErrNoReservation
	}
	c.ring.Value = append([]byte(nil), c.reserved...)
	c.ring = c.ring.Next()
	if c.length < c.ring.Len() {
		c.length++
	}
	c.reserved = nil
	return nil
}

func (c *memChannel) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ring.Value = append([]byte(nil), data...)
	c.ring = c.ring.Next()
	if c.length < c.ring.Len() {
		c.length++
	}
	return nil
}

// Recv dequeues from the producer-side ring in FIFO order. In this
// in-process transport ControlInput records are pushed by test
// harnesses via Push rather than a separate kernel-side consumer.
func (c *memChannel) Recv(buf []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if uint32(len(buf)) < c.valueSize {
		return -1, ErrShapeMismatch
	}
	if c.length == 0 {
		return 0, nil
	}
	// oldest record is `length` steps behind the write cursor
	r := c.ring.Move(-c.length)
	v, _ := r.Value.([]byte)
	copy(buf, v)
	c.length--
	return 1, nil
}

// Push injects one record for a ControlInput channel to later be
// dequeued by Recv, standing in for the external producer.
func (c *memChannel) Push(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ring.Value = append([]byte(nil), data...)
	c.ring = c.ring.Next()
	if c.length < c.ring.Len() {
		c.length++
	}
}

// Records returns every committed record in FIFO order, for test
// assertions against output/ringbuf channels.
func (c *memChannel) Records() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, 0, c.length)
	r := c.ring.Move(-c.length)
	for i := 0; i < c.length; i++ {
		v, _ := r.Value.([]byte)
		out = append(out, v)
		r = r.Next()
	}
	return out
}

func (c *memChannel) Close() error { return nil }
