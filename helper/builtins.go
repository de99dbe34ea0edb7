// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package helper

import (
	"errors"
	"fmt"

	"github.com/jbpf-go/jbpf/cycle"
	"github.com/jbpf-go/jbpf/jbpfmap"
	"github.com/jbpf-go/jbpf/lcmapi"
)

// Reserved reloc ids for the built-in helper set, matching
// jbpf_defs.h's enum jbpf_helper_type. Operator-defined helpers start
// at lcmapi.CustomHelperStartID.
const (
	idMapLookup            = 1
	idMapLookupReset       = 2
	idMapUpdate            = 3
	idMapDelete            = 4
	idMapClear             = 5
	idMapDump              = 6
	idTimeGetNs            = 7
	idGetSysTime           = 8
	idGetSysTimeDiffNs     = 9
	idHash                 = 10
	idPrintf               = 11
	idRingbufOutput        = 12
	idMarkRuntimeInit      = 13
	idRuntimeLimitExceeded = 14
	idRand                 = 15
	idControlInputReceive  = 16
	idGetOutputBuf         = 17
	idSendOutput           = 18
)

var errBadArgs = errors.New("helper: wrong argument count or type")

func builtins() []Definition {
	return []Definition{
		{ID: idMapLookup, Name: "jbpf_map_lookup", Fn: mapLookup},
		{ID: idMapLookupReset, Name: "jbpf_map_lookup_reset", Fn: mapLookupReset},
		{ID: idMapUpdate, Name: "jbpf_map_update", Fn: mapUpdate},
		{ID: idMapDelete, Name: "jbpf_map_delete", Fn: mapDelete},
		{ID: idMapClear, Name: "jbpf_map_clear", Fn: mapClear},
		{ID: idMapDump, Name: "jbpf_map_dump", Fn: mapDump},
		{ID: idTimeGetNs, Name: "jbpf_time_get_ns", Fn: timeGetNs},
		{ID: idGetSysTime, Name: "jbpf_get_sys_time", Fn: getSysTime},
		{ID: idGetSysTimeDiffNs, Name: "jbpf_get_sys_time_diff_ns", Fn: getSysTimeDiffNs},
		{ID: idHash, Name: "jbpf_hash", Fn: hashHelper},
		{ID: idPrintf, Name: "jbpf_printf", Fn: printfHelper},
		{ID: idRingbufOutput, Name: "jbpf_ringbuf_output", Fn: ringbufOutput},
		{ID: idMarkRuntimeInit, Name: "jbpf_mark_runtime_init", Fn: markRuntimeInit},
		{ID: idRuntimeLimitExceeded, Name: "jbpf_runtime_limit_exceeded", Fn: runtimeLimitExceeded},
		{ID: idRand, Name: "jbpf_rand", Fn: randHelper},
		{ID: idControlInputReceive, Name: "jbpf_control_input_receive", Fn: controlInputReceive},
		{ID: idGetOutputBuf, Name: "jbpf_get_output_buf", Fn: getOutputBuf},
		{ID: idSendOutput, Name: "jbpf_send_output", Fn: sendOutput},
	}
}

func polyKeyArgs(args []interface{}) (jbpfmap.Poly, []byte, bool) {
	if len(args) < 2 {
		return jbpfmap.Poly{}, nil, false
	}
	m, ok1 := args[0].(jbpfmap.Poly)
	key, ok2 := args[1].([]byte)
	return m, key, ok1 && ok2
}

// mapLookup implements jbpf_map_lookup: nil on a nil map, nil key, or
// unnamed map, dispatching array/hashmap lookups directly and
// per-thread variants through ctx's thread id.
func mapLookup(ctx *Context, args ...interface{}) (interface{}, error) {
	m, key, ok := polyKeyArgs(args)
	if !ok || key == nil || m.Shape().Name == "" {
		return []byte(nil), nil
	}
	switch m.Type {
	case lcmapi.MapTypeArray:
		return m.Array.Lookup(keyU32(key)), nil
	case lcmapi.MapTypeHashmap:
		return m.Hashmap.Lookup(key), nil
	case lcmapi.MapTypePerThreadArray:
		return m.PerThreadArray.ForThread(ctx.ThreadID).Lookup(keyU32(key)), nil
	case lcmapi.MapTypePerThreadHashmap:
		return m.PerThreadHashmap.ForThread(ctx.ThreadID).Lookup(key), nil
	default:
		return []byte(nil), nil
	}
}

func mapLookupReset(ctx *Context, args ...interface{}) (interface{}, error) {
	m, key, ok := polyKeyArgs(args)
	if !ok || key == nil || m.Shape().Name == "" {
		return []byte(nil), nil
	}
	switch m.Type {
	case lcmapi.MapTypeArray:
		return m.Array.LookupReset(keyU32(key)), nil
	case lcmapi.MapTypeHashmap:
		return m.Hashmap.LookupReset(key), nil
	case lcmapi.MapTypePerThreadArray:
		return m.PerThreadArray.ForThread(ctx.ThreadID).LookupReset(keyU32(key)), nil
	case lcmapi.MapTypePerThreadHashmap:
		return m.PerThreadHashmap.ForThread(ctx.ThreadID).LookupReset(key), nil
	default:
		return []byte(nil), nil
	}
}

// mapUpdate implements jbpf_map_update; per-thread variants dispatch
// through ctx's thread id, which the hook fast path guarantees is a
// registered one.
func mapUpdate(ctx *Context, args ...interface{}) (interface{}, error) {
	if len(args) != 4 {
		return int(lcmapi.MapError), errBadArgs
	}
	m, ok1 := args[0].(jbpfmap.Poly)
	key, ok2 := args[1].([]byte)
	value, ok3 := args[2].([]byte)
	flag, ok4 := args[3].(lcmapi.UpdateFlag)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return int(lcmapi.MapError), errBadArgs
	}
	switch m.Type {
	case lcmapi.MapTypeArray:
		return int(m.Array.Update(keyU32(key), value, flag)), nil
	case lcmapi.MapTypeHashmap:
		return int(m.Hashmap.Update(key, value, flag)), nil
	case lcmapi.MapTypePerThreadArray:
		return int(m.PerThreadArray.ForThread(ctx.ThreadID).Update(keyU32(key), value, flag)), nil
	case lcmapi.MapTypePerThreadHashmap:
		return int(m.PerThreadHashmap.ForThread(ctx.ThreadID).Update(key, value, flag)), nil
	default:
		return int(lcmapi.MapError), nil
	}
}

// mapDelete is only meaningful for the hashmap family; array maps have
// no concept of absence and return an error, matching the original.
func mapDelete(ctx *Context, args ...interface{}) (interface{}, error) {
	m, key, ok := polyKeyArgs(args)
	if !ok {
		return int(lcmapi.MapError), errBadArgs
	}
	switch m.Type {
	case lcmapi.MapTypeHashmap:
		return int(m.Hashmap.Delete(key)), nil
	case lcmapi.MapTypePerThreadHashmap:
		return int(m.PerThreadHashmap.ForThread(ctx.ThreadID).Delete(key)), nil
	default:
		return int(lcmapi.MapError), nil
	}
}

func mapClear(ctx *Context, args ...interface{}) (interface{}, error) {
	if len(args) != 1 {
		return int(lcmapi.MapError), errBadArgs
	}
	m, ok := args[0].(jbpfmap.Poly)
	if !ok {
		return int(lcmapi.MapError), errBadArgs
	}
	switch m.Type {
	case lcmapi.MapTypeArray:
		return int(m.Array.Clear()), nil
	case lcmapi.MapTypeHashmap:
		return int(m.Hashmap.Clear()), nil
	case lcmapi.MapTypePerThreadArray:
		return int(m.PerThreadArray.ForThread(ctx.ThreadID).Clear()), nil
	case lcmapi.MapTypePerThreadHashmap:
		m.PerThreadHashmap.ForThread(ctx.ThreadID).Clear()
		return int(lcmapi.MapSuccess), nil
	default:
		return int(lcmapi.MapError), nil
	}
}

// mapDump is only implemented for the hashmap family — array dump has
// no "live entries" concept worth serializing through this path, so
// every other map type reports zero entries written.
func mapDump(ctx *Context, args ...interface{}) (interface{}, error) {
	if len(args) != 2 {
		return uint32(0), errBadArgs
	}
	m, ok1 := args[0].(jbpfmap.Poly)
	dst, ok2 := args[1].([]byte)
	if !ok1 || !ok2 {
		return uint32(0), errBadArgs
	}
	switch m.Type {
	case lcmapi.MapTypeHashmap:
		return m.Hashmap.Dump(dst), nil
	case lcmapi.MapTypePerThreadHashmap:
		return m.PerThreadHashmap.ForThread(ctx.ThreadID).Dump(dst), nil
	default:
		return uint32(0), nil
	}
}

func keyU32(key []byte) uint32 {
	if len(key) < 4 {
		return 0
	}
	return uint32(key[0]) | uint32(key[1])<<8 | uint32(key[2])<<16 | uint32(key[3])<<24
}

func timeGetNs(ctx *Context, args ...interface{}) (interface{}, error) {
	return cycle.TimeGetNs(), nil
}

func getSysTime(ctx *Context, args ...interface{}) (interface{}, error) {
	isStart, _ := args[0].(bool)
	return cycle.GetSysTime(isStart), nil
}

func getSysTimeDiffNs(ctx *Context, args ...interface{}) (interface{}, error) {
	if len(args) != 2 {
		return uint64(0), errBadArgs
	}
	start, ok1 := args[0].(uint64)
	end, ok2 := args[1].(uint64)
	if !ok1 || !ok2 {
		return uint64(0), errBadArgs
	}
	return cycle.DiffNs(start, end), nil
}

func hashHelper(ctx *Context, args ...interface{}) (interface{}, error) {
	data, ok := args[0].([]byte)
	if !ok {
		return uint32(0), errBadArgs
	}
	return hashLittle(data, 0), nil
}

// maxPrintfArgs bounds jbpf_printf to three formatting arguments,
// matching the original's parse_printf_format() >3 rejection.
const maxPrintfArgs = 3

// printfHelper formats via fmt.Sprintf. String arguments must be
// shorter than lcmapi.MaxErrMsgSize bytes, standing in for the
// original's check_unsafe_string bounded-C-string validation. This
// helper is compiled out of perf builds in the original; there is no
// equivalent build tag here since it costs nothing without a real
// bytecode VM driving it.
func printfHelper(ctx *Context, args ...interface{}) (interface{}, error) {
	if len(args) == 0 {
		return -1, errBadArgs
	}
	format, ok := args[0].(string)
	if !ok {
		return -1, errBadArgs
	}
	rest := args[1:]
	if len(rest) > maxPrintfArgs {
		return -1, fmt.Errorf("helper: jbpf_printf takes at most %d arguments", maxPrintfArgs)
	}
	for i, a := range rest {
		s, ok := a.(string)
		if !ok {
			continue
		}
		if len(s) >= lcmapi.MaxErrMsgSize {
			return -1, fmt.Errorf("helper: jbpf_printf argument %d is not a bounded string", i+1)
		}
	}
	_ = fmt.Sprintf(format, rest...)
	return 0, nil
}

func ringbufOutput(ctx *Context, args ...interface{}) (interface{}, error) {
	if len(args) != 2 {
		return int(lcmapi.MapError), errBadArgs
	}
	m, ok1 := args[0].(jbpfmap.Poly)
	data, ok2 := args[1].([]byte)
	if !ok1 || !ok2 || m.Type != lcmapi.MapTypeRingbuf {
		return int(lcmapi.MapError), errBadArgs
	}
	return int(m.Ringbuf.Output(data)), nil
}

func markRuntimeInit(ctx *Context, args ...interface{}) (interface{}, error) {
	ctx.State.markInit()
	return nil, nil
}

func runtimeLimitExceeded(ctx *Context, args ...interface{}) (interface{}, error) {
	if ctx.State.limitExceeded() {
		return 1, nil
	}
	return 0, nil
}

func randHelper(ctx *Context, args ...interface{}) (interface{}, error) {
	return int(ctx.State.nextRand()), nil
}

func controlInputReceive(ctx *Context, args ...interface{}) (interface{}, error) {
	if len(args) != 2 {
		return -1, errBadArgs
	}
	m, ok1 := args[0].(jbpfmap.Poly)
	buf, ok2 := args[1].([]byte)
	if !ok1 || !ok2 || m.Type != lcmapi.MapTypeControlInput {
		return -1, errBadArgs
	}
	return m.ControlInput.Receive(buf), nil
}

func getOutputBuf(ctx *Context, args ...interface{}) (interface{}, error) {
	if len(args) != 1 {
		return []byte(nil), errBadArgs
	}
	m, ok := args[0].(jbpfmap.Poly)
	if !ok || m.Type != lcmapi.MapTypeOutput {
		return []byte(nil), nil
	}
	buf, res := m.Output.GetOutputBuf()
	if res != lcmapi.MapSuccess {
		return []byte(nil), nil
	}
	return buf, nil
}

func sendOutput(ctx *Context, args ...interface{}) (interface{}, error) {
	if len(args) != 1 {
		return int(lcmapi.MapError), errBadArgs
	}
	m, ok := args[0].(jbpfmap.Poly)
	if !ok || m.Type != lcmapi.MapTypeOutput {
		return int(lcmapi.MapError), nil
	}
	return int(m.Output.SendOutput()), nil
}
