// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package jbpfmap

import (
	"github.com/jbpf-go/jbpf/iotransport"
	"github.com/jbpf-go/jbpf/lcmapi"
)

// IOMap is the common handle shared by the three I/O-channel map
// kinds: thin wrappers around the external I/O transport. IO maps
// cannot be linked across codelets — the lifecycle controller
// enforces that at load time, not here.
type IOMap struct {
	shape   Shape
	channel iotransport.Channel
}

func newIOMap(kind lcmapi.MapType, name string, valueSize, maxEntries uint32, ch iotransport.Channel) *IOMap {
	return &IOMap{
		shape: Shape{
			Type:       kind,
			ValueSize:  valueSize,
			MaxEntries: maxEntries,
			Name:       name,
		},
		channel: ch,
	}
}

func (m *IOMap) Shape() Shape { return m.shape }

// Close releases the backing transport channel. The lifecycle
// controller calls this when a codeletset unload (or a partial-load
// rollback) drops the last reference to an IO map.
func (m *IOMap) Close() error { return m.channel.Close() }

// Ringbuf wraps a producer-side channel offering the single-call
// reserve+memcpy+submit helper.
type Ringbuf struct{ *IOMap }

func NewRingbuf(name string, valueSize, maxEntries uint32, ch iotransport.Channel) *Ringbuf {
	return &Ringbuf{newIOMap(lcmapi.MapTypeRingbuf, name, valueSize, maxEntries, ch)}
}

// Output writes ringbuf_output(data, size) in one call.
func (r *Ringbuf) Output(data []byte) lcmapi.MapResult {
	if err := r.channel.Send(data); err != nil {
		return lcmapi.MapError
	}
	return lcmapi.MapSuccess
}

// Output is a producer-side channel requiring an explicit
// reserve/commit pair.
type Output struct{ *IOMap }

func NewOutput(name string, valueSize, maxEntries uint32, ch iotransport.Channel) *Output {
	return &Output{newIOMap(lcmapi.MapTypeOutput, name, valueSize, maxEntries, ch)}
}

// GetOutputBuf reserves an uncommitted slot, returning the same slot
// on repeated calls until SendOutput commits it.
func (o *Output) GetOutputBuf() ([]byte, lcmapi.MapResult) {
	buf, err := o.channel.Reserve()
	if err != nil {
		return nil, lcmapi.MapError
	}
	return buf, lcmapi.MapSuccess
}

// SendOutput commits exactly the previously reserved slot. Calling it
// without a prior GetOutputBuf is an error.
func (o *Output) SendOutput() lcmapi.MapResult {
	if err := o.channel.Submit(); err != nil {
		return lcmapi.MapError
	}
	return lcmapi.MapSuccess
}

// ControlInput is a consumer-side channel.
type ControlInput struct{ *IOMap }

func NewControlInput(name string, valueSize, maxEntries uint32, ch iotransport.Channel) *ControlInput {
	return &ControlInput{newIOMap(lcmapi.MapTypeControlInput, name, valueSize, maxEntries, ch)}
}

// Receive dequeues one record into buf: 1 on success, 0 when empty,
// −1 on shape mismatch (buf shorter than value_size).
func (c *ControlInput) Receive(buf []byte) int {
	if uint32(len(buf)) < c.shape.ValueSize {
		return -1
	}
	n, err := c.channel.Recv(buf)
	if err != nil {
		return -1
	}
	return n
}
