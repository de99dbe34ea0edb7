// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package lcmapi

import "fmt"

// StreamID is the 16-byte opaque identifier binding an I/O channel to
// an external consumer.
type StreamID [StreamIDLen]byte

func (s StreamID) String() string {
	return fmt.Sprintf("%x", [StreamIDLen]byte(s))
}

// MapType enumerates the shapes a Map can take.
type MapType uint32

const (
	MapTypeUnspec MapType = iota
	MapTypeArray
	MapTypeHashmap
	MapTypeRingbuf
	MapTypeControlInput
	MapTypePerThreadArray
	MapTypePerThreadHashmap
	MapTypeOutput
	mapTypeMax
)

func (t MapType) String() string {
	switch t {
	case MapTypeArray:
		return "Array"
	case MapTypeHashmap:
		return "Hashmap"
	case MapTypeRingbuf:
		return "Ringbuf"
	case MapTypeControlInput:
		return "ControlInput"
	case MapTypePerThreadArray:
		return "PerThreadArray"
	case MapTypePerThreadHashmap:
		return "PerThreadHashmap"
	case MapTypeOutput:
		return "Output"
	default:
		return "Unspec"
	}
}

// IsIOType reports whether a map type is backed by the I/O transport
// (Ringbuf, ControlInput, Output) rather than local storage. IO maps
// cannot be linked across codelets.
func (t MapType) IsIOType() bool {
	switch t {
	case MapTypeRingbuf, MapTypeControlInput, MapTypeOutput:
		return true
	default:
		return false
	}
}

func (t MapType) Valid() bool {
	return t > MapTypeUnspec && t < mapTypeMax
}

// MapResult is the numeric return code family shared by every
// retriable map helper.
type MapResult int32

const (
	MapSuccess MapResult = 0
	MapError   MapResult = -1
	MapBusy    MapResult = -2
	MapFull    MapResult = -4
)

func (r MapResult) String() string {
	switch r {
	case MapSuccess:
		return "SUCCESS"
	case MapError:
		return "ERROR"
	case MapBusy:
		return "BUSY"
	case MapFull:
		return "FULL"
	default:
		return fmt.Sprintf("MapResult(%d)", int32(r))
	}
}

// UpdateFlag mirrors BPF-style upsert semantics for array/hashmap
// update().
type UpdateFlag uint32

const (
	UpdateAny     UpdateFlag = iota // create or replace
	UpdateNoExist                   // fail if key already present
	UpdateExist                     // fail unless key already present
)

// Outcome is the lifecycle load/unload result taxonomy.
type Outcome int

const (
	LoadSuccess   Outcome = 0
	HookNotExist  Outcome = -1
	CreationFail  Outcome = -2
	LoadFail      Outcome = -3
	ParamInvalid  Outcome = -4
	AlreadyLoaded Outcome = -5 // re-load of an installed set is rejected, not ignored

	UnloadSuccess Outcome = 0
	UnloadFail    Outcome = -1
)

func (o Outcome) String() string {
	switch o {
	case LoadSuccess:
		return "SUCCESS"
	case HookNotExist:
		return "HOOK_NOT_EXIST"
	case CreationFail:
		return "CREATION_FAIL"
	case LoadFail:
		return "LOAD_FAIL"
	case ParamInvalid:
		return "PARAM_INVALID"
	case AlreadyLoaded:
		return "ALREADY_LOADED"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// HookType distinguishes monitoring hooks (any number of codelets,
// return value discarded) from control hooks (at most one codelet,
// return value propagated to the host).
type HookType uint8

const (
	HookMonitoring HookType = iota
	HookControl
)
