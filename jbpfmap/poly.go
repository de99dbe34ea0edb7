// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package jbpfmap

import "github.com/jbpf-go/jbpf/lcmapi"

// Poly is the small tagged union every map reduces to once it is
// registered on a codelet: helper.Registry's built-in map helpers
// switch on Type and reach into the one populated field, instead of
// calling through a fat interface. A vtable-per-map is avoided
// because the tag is small and hot-path branching is well predicted.
type Poly struct {
	Type             lcmapi.MapType
	Array            *Array
	Hashmap          *Hashmap
	PerThreadArray   *PerThreadArray
	PerThreadHashmap *PerThreadHashmap
	Ringbuf          *Ringbuf
	Output           *Output
	ControlInput     *ControlInput
}

func (p Poly) Shape() Shape {
	switch p.Type {
	case lcmapi.MapTypeArray:
		return p.Array.Shape()
	case lcmapi.MapTypeHashmap:
		return p.Hashmap.Shape()
	case lcmapi.MapTypePerThreadArray:
		return p.PerThreadArray.Shape()
	case lcmapi.MapTypePerThreadHashmap:
		return p.PerThreadHashmap.Shape()
	case lcmapi.MapTypeRingbuf:
		return p.Ringbuf.Shape()
	case lcmapi.MapTypeOutput:
		return p.Output.Shape()
	case lcmapi.MapTypeControlInput:
		return p.ControlInput.Shape()
	default:
		return Shape{}
	}
}

func PolyArray(m *Array) Poly     { return Poly{Type: lcmapi.MapTypeArray, Array: m} }
func PolyHashmap(m *Hashmap) Poly { return Poly{Type: lcmapi.MapTypeHashmap, Hashmap: m} }

func PolyPerThreadArray(m *PerThreadArray) Poly {
	return Poly{Type: lcmapi.MapTypePerThreadArray, PerThreadArray: m}
}

func PolyPerThreadHashmap(m *PerThreadHashmap) Poly {
	return Poly{Type: lcmapi.MapTypePerThreadHashmap, PerThreadHashmap: m}
}

func PolyRingbuf(m *Ringbuf) Poly { return Poly{Type: lcmapi.MapTypeRingbuf, Ringbuf: m} }
func PolyOutput(m *Output) Poly   { return Poly{Type: lcmapi.MapTypeOutput, Output: m} }

func PolyControlInput(m *ControlInput) Poly {
	return Poly{Type: lcmapi.MapTypeControlInput, ControlInput: m}
}
