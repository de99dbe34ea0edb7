// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package codelet holds the runtime representation a loaded codelet
// (and the codelet set it belongs to) reduces to once relocation and
// JIT compilation succeed — the shared vocabulary lifecycle.Controller
// and hook.Registry both operate on.
package codelet

import (
	"github.com/jbpf-go/jbpf/jbpfmap"
	"github.com/jbpf-go/jbpf/jit"
	"github.com/jbpf-go/jbpf/lcmapi"
)

// Codelet is one loaded, relocated, compiled codelet.
type Codelet struct {
	Name             string
	HookName         string
	SetName          string
	Priority         uint32
	RuntimeThreshold uint64 // nanoseconds
	Fn               jit.CodeletFunc
	Maps             map[string]jbpfmap.Poly // symbol name -> resolved map, this codelet's own table
	LoadedAtNs       uint64
}

// LinkedMap is one shared-map descriptor seeded during a set's load:
// two alias keys ("<codelet>_<map>" on each side of the link) resolve
// to the same descriptor.
type LinkedMap struct {
	Map       *jbpfmap.Poly
	RefCount  int
	TotalRefs int
}

// Set is one loaded codelet set: its codelets and the linked-map alias
// table seeded for it at load time.
type Set struct {
	ID         lcmapi.CodeletSetID
	Codelets   map[string]*Codelet   // codelet name -> codelet
	LinkedMaps map[string]*LinkedMap // alias key -> descriptor ("<codelet>_<map_name>")
}

// NewSet allocates an empty set ready to receive codelets during load.
func NewSet(id lcmapi.CodeletSetID) *Set {
	return &Set{
		ID:         id,
		Codelets:   make(map[string]*Codelet),
		LinkedMaps: make(map[string]*LinkedMap),
	}
}
