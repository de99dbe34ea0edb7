// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package jbpfmap implements the Agent's map runtime: array, hashmap,
// per-thread array, per-thread hashmap, and the three I/O-channel map
// kinds (Ringbuf, Output, ControlInput). Each map kind gets its own
// concrete Go type; Poly wraps them behind a small tagged union so the
// helper-function ABI (package helper) can dispatch on the type tag
// rather than through an interface vtable.
package jbpfmap

import "github.com/jbpf-go/jbpf/lcmapi"

// Shape is the immutable (type, key_size, value_size, max_entries,
// name) tuple of a map. Once a map is created its shape never
// changes.
type Shape struct {
	Type       lcmapi.MapType
	KeySize    uint32
	ValueSize  uint32
	MaxEntries uint32
	Name       string
}

// Map is the minimal common surface every map kind satisfies: its
// immutable shape. Type-specific operations live on the concrete
// types (Array, Hashmap, ...) because their signatures genuinely
// differ (key types, thread indexing, I/O semantics), so they are not
// flattened into one fat interface.
type Map interface {
	Shape() Shape
}
