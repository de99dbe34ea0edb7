// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package jit declares the interfaces to the two external
// collaborators the Agent never implements itself — bytecode
// verification and JIT compilation. Both are injected so deployments
// bind a real verifier/JIT and tests substitute doubles.
package jit

import (
	"github.com/jbpf-go/jbpf/elfload"
	"github.com/jbpf-go/jbpf/helper"
)

// VerifyResult mirrors jbpf_verifier_result_t.
type VerifyResult struct {
	Pass              bool
	RuntimeSeconds    float32
	MaxInstructionCnt uint64
	ErrMsg            string
}

// Verifier checks a decoded codelet object against the helper
// prototypes currently registered, before it is ever compiled or run.
type Verifier interface {
	Verify(obj *elfload.Object, helpers []helper.Definition) (VerifyResult, error)
}

// MapSymbolResolver resolves a codelet's map relocation symbols to
// live map handles, bound at compile time by the lifecycle
// controller's map-relocation callback.
type MapSymbolResolver interface {
	ResolveMapSymbol(codeletName, symbolName string) (interface{}, error)
}

// CodeletFunc is one compiled codelet entry point: the generic
// hook context in, a status code out.
type CodeletFunc func(ctx interface{}) int

// Compiler turns a verified codelet object into a callable
// CodeletFunc, binding the current helper table and resolving map
// symbols through resolver.
type Compiler interface {
	Compile(obj *elfload.Object, resolver MapSymbolResolver, helpers []helper.Definition) (CodeletFunc, error)
}
