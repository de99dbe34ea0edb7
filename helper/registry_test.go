// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package helper

import (
	"testing"
	"time"

	"github.com/jbpf-go/jbpf/epoch"
	"github.com/jbpf-go/jbpf/jbpfmap"
	"github.com/jbpf-go/jbpf/lcmapi"
)

func TestRegistryBuiltinsPreloaded(t *testing.T) {
	r := NewRegistry()
	if !r.Contains(idMapLookup) {
		t.Fatal("expected jbpf_map_lookup preloaded at id 1")
	}
	if !r.Contains(idSendOutput) {
		t.Fatal("expected jbpf_send_output preloaded at id 18")
	}
}

func TestRegisterInsertAndReplace(t *testing.T) {
	r := NewRegistry()
	status, err := r.Register(Definition{ID: 300, Name: "custom", Fn: func(ctx *Context, args ...interface{}) (interface{}, error) {
		return 42, nil
	}})
	if err != nil || status != 0 {
		t.Fatalf("expected fresh insert status 0, got %d, %v", status, err)
	}
	status, err = r.Register(Definition{ID: 300, Name: "custom2", Fn: nil})
	if err != nil || status != 1 {
		t.Fatalf("expected replace status 1, got %d, %v", status, err)
	}
}

func TestContainsName(t *testing.T) {
	r := NewRegistry()
	if !r.ContainsName("jbpf_map_lookup") {
		t.Fatal("expected the built-in jbpf_map_lookup to be found by name")
	}
	if r.ContainsName("custom_helper") {
		t.Fatal("expected an unregistered name to be absent")
	}
	r.Register(Definition{ID: 300, Name: "custom_helper"})
	if !r.ContainsName("custom_helper") {
		t.Fatal("expected a registered name to be found")
	}
	r.Deregister(300)
	if r.ContainsName("custom_helper") {
		t.Fatal("expected a deregistered name to be absent again")
	}
}

func TestRegisterInvalidID(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Register(Definition{ID: 0}); err == nil {
		t.Fatal("expected error for id 0")
	}
	if _, err := r.Register(Definition{ID: lcmapi.MaxHelperFunc}); err == nil {
		t.Fatal("expected error for id == MaxHelperFunc")
	}
}

func TestDeregisterEmptySlot(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Deregister(250); err == nil {
		t.Fatal("expected error deregistering an empty slot")
	}
	status, err := r.Deregister(idMapLookup)
	if err != nil || status != 0 {
		t.Fatalf("expected success deregistering a bound slot, got %d, %v", status, err)
	}
	if r.Contains(idMapLookup) {
		t.Fatal("expected slot cleared")
	}
}

func TestResetRestoresDefaults(t *testing.T) {
	r := NewRegistry()
	r.Deregister(idMapLookup)
	r.Register(Definition{ID: 300, Name: "custom"})
	r.Reset()
	if !r.Contains(idMapLookup) {
		t.Fatal("expected built-in restored after reset")
	}
	if r.Contains(300) {
		t.Fatal("expected custom helper discarded after reset")
	}
}

func TestMapLookupDispatchesByType(t *testing.T) {
	r := NewRegistry()
	arr := jbpfmap.NewArray("m", 4, 8)
	arr.Update(2, []byte{1, 2, 3, 4}, lcmapi.UpdateAny)
	poly := jbpfmap.PolyArray(arr)

	def := r.Lookup(idMapLookup)
	ctx := &Context{ThreadID: 0, State: NewThreadState(1)}
	key := []byte{2, 0, 0, 0}
	v, err := def.Fn(ctx, poly, key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, ok := v.([]byte)
	if !ok || string(got) != "\x01\x02\x03\x04" {
		t.Fatalf("unexpected lookup result: %v", v)
	}
}

func TestMapUpdateDispatchesToHashmap(t *testing.T) {
	mgr := epoch.NewManager(1)
	h := jbpfmap.NewHashmap("m", 4, 4, 4, mgr)
	poly := jbpfmap.PolyHashmap(h)

	def := r().Lookup(idMapUpdate)
	ctx := &Context{ThreadID: 0, State: NewThreadState(1)}
	res, err := def.Fn(ctx, poly, []byte{1, 0, 0, 0}, []byte{9, 9, 9, 9}, lcmapi.UpdateAny)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.(int) != int(lcmapi.MapSuccess) {
		t.Fatalf("expected success, got %v", res)
	}
}

func r() *Registry { return NewRegistry() }

func TestHashHelperDeterministic(t *testing.T) {
	a := hashLittle([]byte("jbpf"), 0)
	b := hashLittle([]byte("jbpf"), 0)
	if a != b {
		t.Fatal("expected deterministic hash for identical input")
	}
	if a == hashLittle([]byte("jbpX"), 0) {
		t.Fatal("expected different hashes for different input")
	}
}

func TestRandHelperAdvancesOnEachCall(t *testing.T) {
	ctx := &Context{ThreadID: 0, State: NewThreadState(7)}
	def := NewRegistry().Lookup(idRand)
	v1, _ := def.Fn(ctx)
	v2, _ := def.Fn(ctx)
	if v1 == v2 {
		t.Fatal("expected successive rand calls to differ")
	}
}

func TestRuntimeLimitExceeded(t *testing.T) {
	st := NewThreadState(1)
	st.SetRuntimeThreshold(0)
	st.markInit()
	if st.limitExceeded() {
		t.Fatal("expected zero threshold to mean no budget")
	}

	st.SetRuntimeThreshold(1)
	st.markInit()
	time.Sleep(time.Millisecond)
	if !st.limitExceeded() {
		t.Fatal("expected a 1ns threshold to be exceeded")
	}
}

func TestPrintfRejectsTooManyArgs(t *testing.T) {
	ctx := &Context{ThreadID: 0, State: NewThreadState(1)}
	_, err := printfHelper(ctx, "%d %d %d %d", 1, 2, 3, 4)
	if err == nil {
		t.Fatal("expected error for more than 3 format arguments")
	}
}
