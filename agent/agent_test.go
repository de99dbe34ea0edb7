// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package agent

import (
	"testing"

	"github.com/jbpf-go/jbpf/elfload"
	"github.com/jbpf-go/jbpf/helper"
	"github.com/jbpf-go/jbpf/internal/jbpflog"
	"github.com/jbpf-go/jbpf/iotransport"
	"github.com/jbpf-go/jbpf/jbpfmap"
	"github.com/jbpf-go/jbpf/jit"
	"github.com/jbpf-go/jbpf/lcmapi"
)

// passVerifier always approves; the bytecode verifier is an external
// collaborator this module never implements.
type passVerifier struct{}

func (passVerifier) Verify(obj *elfload.Object, helpers []helper.Definition) (jit.VerifyResult, error) {
	return jit.VerifyResult{Pass: true}, nil
}

// fnCompiler stands in for the JIT: it resolves every declared map
// symbol up front (mirroring how a real JIT asks for each map's
// handle while relocating) and compiles down to a caller-supplied Go
// closure keyed by object identity, so each test scenario can write
// its codelet body directly instead of assembling real bytecode.
type fnCompiler struct {
	bodies map[*elfload.Object]func(maps map[string]jbpfmap.Poly, ctx interface{}) int
}

func (c fnCompiler) Compile(obj *elfload.Object, resolver jit.MapSymbolResolver, helpers []helper.Definition) (jit.CodeletFunc, error) {
	maps := make(map[string]jbpfmap.Poly, len(obj.Maps))
	for _, m := range obj.Maps {
		v, err := resolver.ResolveMapSymbol(obj.EntrySection, m.Name)
		if err != nil {
			return nil, err
		}
		maps[m.Name] = v.(jbpfmap.Poly)
	}
	body := c.bodies[obj]
	return func(ctx interface{}) int { return body(maps, ctx) }, nil
}

func newTestAgent(t *testing.T, objs map[string]*elfload.Object, verifier jit.Verifier, compiler jit.Compiler) *Agent {
	t.Helper()
	a, err := Init(Config{
		Address:  "test-agent",
		Verifier: verifier,
		Compiler: compiler,
		Logger:   jbpflog.Nop(),
		LoadELF:  loadELFFor(objs),
		Stat:     func(path string) error { return nil },
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(a.Stop)
	return a
}

func loadELFFor(objs map[string]*elfload.Object) func(path string) (*elfload.Object, error) {
	return func(path string) (*elfload.Object, error) {
		obj, ok := objs[path]
		if !ok {
			return nil, errNoFixture(path)
		}
		return obj, nil
	}
}

type fixtureErr string

func (e fixtureErr) Error() string { return string(e) }
func errNoFixture(path string) error {
	return fixtureErr("agent_test: no fixture object for path " + path)
}

func TestHookPriorityOrdering(t *testing.T) {
	// Three codelets on one hook at distinct priorities must run in
	// strictly descending priority order.
	const hookName = "test1"

	var order []uint32
	bodies := map[*elfload.Object]func(map[string]jbpfmap.Poly, interface{}) int{}
	objs := map[string]*elfload.Object{}
	priorities := []uint32{10, 5, 1}
	for _, p := range priorities {
		p := p
		path := "/codelets/p" + string(rune('0'+p))
		obj := &elfload.Object{EntrySection: path}
		objs[path] = obj
		bodies[obj] = func(maps map[string]jbpfmap.Poly, ctx interface{}) int {
			order = append(order, p)
			return 0
		}
	}

	a := newTestAgent(t, objs, passVerifier{}, fnCompiler{bodies: bodies})
	a.DeclareHook(hookName, lcmapi.HookMonitoring)

	req := &lcmapi.LoadRequest{CodeletSetID: lcmapi.CodeletSetID{Name: "prio"}}
	for _, p := range priorities {
		path := "/codelets/p" + string(rune('0'+p))
		req.Codelets = append(req.Codelets, lcmapi.CodeletDescriptor{
			CodeletName: "c" + string(rune('0'+p)), HookName: hookName, CodeletPath: path, Priority: p,
		})
	}

	tc, err := a.RegisterThread()
	if err != nil {
		t.Fatal(err)
	}
	defer a.UnregisterThread(tc)

	if outcome, msg := a.Load(req, tc); outcome != lcmapi.LoadSuccess {
		t.Fatalf("load: %v: %s", outcome, msg)
	}

	a.Dispatch(hookName, tc, nil)

	want := []uint32{10, 5, 1}
	if len(order) != len(want) {
		t.Fatalf("got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got %v, want %v", order, want)
		}
	}
}

func TestSharedCounterAcrossHooks(t *testing.T) {
	// Codelet A on test1 and codelet B on
	// test2 link their "counter" array; five dispatches of test1
	// leave the shared counter at 5 as observed from B's side.
	// fnCompiler resolves map symbols under obj.EntrySection as the
	// owning codelet's name, so EntrySection must match CodeletName
	// below for the "A_counter"/"B_counter" linked-map alias to line up.
	objA := &elfload.Object{EntrySection: "A", Maps: []elfload.MapDef{
		{Name: "counter", Type: lcmapi.MapTypeArray, KeySize: 4, ValueSize: 4, MaxEntries: 1},
	}}
	objB := &elfload.Object{EntrySection: "B", Maps: []elfload.MapDef{
		{Name: "counter", Type: lcmapi.MapTypeArray, KeySize: 4, ValueSize: 4, MaxEntries: 1},
	}}
	bodies := map[*elfload.Object]func(map[string]jbpfmap.Poly, interface{}) int{
		objA: func(maps map[string]jbpfmap.Poly, ctx interface{}) int {
			m := maps["counter"].Array
			var v [4]byte
			if p := m.Lookup(0); p != nil {
				copy(v[:], p)
			}
			n := uint32(v[0]) | uint32(v[1])<<8 | uint32(v[2])<<16 | uint32(v[3])<<24
			n++
			v[0], v[1], v[2], v[3] = byte(n), byte(n>>8), byte(n>>16), byte(n>>24)
			m.Update(0, v[:], lcmapi.UpdateAny)
			return 0
		},
		objB: func(maps map[string]jbpfmap.Poly, ctx interface{}) int { return 0 },
	}
	objs := map[string]*elfload.Object{"/codelets/a.o": objA, "/codelets/b.o": objB}

	a := newTestAgent(t, objs, passVerifier{}, fnCompiler{bodies: bodies})
	a.DeclareHook("test1", lcmapi.HookMonitoring)
	a.DeclareHook("test2", lcmapi.HookMonitoring)

	tc, err := a.RegisterThread()
	if err != nil {
		t.Fatal(err)
	}
	defer a.UnregisterThread(tc)

	req := &lcmapi.LoadRequest{
		CodeletSetID: lcmapi.CodeletSetID{Name: "shared"},
		Codelets: []lcmapi.CodeletDescriptor{
			{
				CodeletName: "A", HookName: "test1", CodeletPath: "/codelets/a.o",
				LinkedMaps: []lcmapi.LinkedMapDescriptor{{MapName: "counter", LinkedCodeletName: "B", LinkedMapName: "counter"}},
			},
			{CodeletName: "B", HookName: "test2", CodeletPath: "/codelets/b.o"},
		},
	}
	if outcome, msg := a.Load(req, tc); outcome != lcmapi.LoadSuccess {
		t.Fatalf("load: %v: %s", outcome, msg)
	}

	for i := 0; i < 5; i++ {
		a.Dispatch("test1", tc, nil)
	}

	set := a.lifecycle.Get("shared")
	bCounter := set.Codelets["B"].Maps["counter"].Array
	p := bCounter.Lookup(0)
	if p == nil {
		t.Fatal("expected counter slot to be populated")
	}
	got := uint32(p[0]) | uint32(p[1])<<8 | uint32(p[2])<<16 | uint32(p[3])<<24
	if got != 5 {
		t.Fatalf("expected shared counter == 5, got %d", got)
	}

	if outcome, msg := a.Unload(&lcmapi.UnloadRequest{CodeletSetID: lcmapi.CodeletSetID{Name: "shared"}}, tc); outcome != lcmapi.UnloadSuccess {
		t.Fatalf("unload: %v: %s", outcome, msg)
	}
	if a.lifecycle.Get("shared") != nil {
		t.Fatal("expected set to be gone after unload")
	}
}

func TestCapacityGuard(t *testing.T) {
	// Once MaxLoadedCodeletSets is reached, the next load fails;
	// freeing one slot lets it through again.
	obj := &elfload.Object{EntrySection: "x"}
	objs := map[string]*elfload.Object{"/codelets/x.o": obj}
	bodies := map[*elfload.Object]func(map[string]jbpfmap.Poly, interface{}) int{
		obj: func(maps map[string]jbpfmap.Poly, ctx interface{}) int { return 0 },
	}

	a := newTestAgent(t, objs, passVerifier{}, fnCompiler{bodies: bodies})
	a.DeclareHook("h", lcmapi.HookMonitoring)

	tc, err := a.RegisterThread()
	if err != nil {
		t.Fatal(err)
	}
	defer a.UnregisterThread(tc)

	mk := func(name string) *lcmapi.LoadRequest {
		return &lcmapi.LoadRequest{
			CodeletSetID: lcmapi.CodeletSetID{Name: name},
			Codelets:     []lcmapi.CodeletDescriptor{{CodeletName: "c", HookName: "h", CodeletPath: "/codelets/x.o"}},
		}
	}

	for i := 0; i < lcmapi.MaxLoadedCodeletSets; i++ {
		name := "set" + string(rune('A'+i%26)) + string(rune(i))
		if outcome, msg := a.Load(mk(name), tc); outcome != lcmapi.LoadSuccess {
			t.Fatalf("load %d: %v: %s", i, outcome, msg)
		}
	}

	if outcome, _ := a.Load(mk("overflow"), tc); outcome == lcmapi.LoadSuccess {
		t.Fatal("expected the 65th load to fail at capacity")
	}

	first := "set" + string(rune('A')) + string(rune(0))
	if outcome, msg := a.Unload(&lcmapi.UnloadRequest{CodeletSetID: lcmapi.CodeletSetID{Name: first}}, tc); outcome != lcmapi.UnloadSuccess {
		t.Fatalf("unload: %v: %s", outcome, msg)
	}
	if outcome, msg := a.Load(mk("overflow"), tc); outcome != lcmapi.LoadSuccess {
		t.Fatalf("expected load to succeed after freeing a slot: %v: %s", outcome, msg)
	}
}

func TestHelperLifecycleGate(t *testing.T) {
	// A codelet referring to an unregistered helper id fails to
	// load; registering the helper lets it through; deregistering it
	// blocks the next reload.
	const helperID = 32
	const helperName = "custom_helper"
	obj := &elfload.Object{EntrySection: "x", HelperCalls: []string{helperName}}
	objs := map[string]*elfload.Object{"/codelets/x.o": obj}
	calls := 0
	bodies := map[*elfload.Object]func(map[string]jbpfmap.Poly, interface{}) int{
		obj: func(maps map[string]jbpfmap.Poly, ctx interface{}) int { calls++; return 0 },
	}

	a := newTestAgent(t, objs, passVerifier{}, fnCompiler{bodies: bodies})
	a.DeclareHook("h", lcmapi.HookMonitoring)

	tc, err := a.RegisterThread()
	if err != nil {
		t.Fatal(err)
	}
	defer a.UnregisterThread(tc)

	req := &lcmapi.LoadRequest{
		CodeletSetID: lcmapi.CodeletSetID{Name: "needs-helper"},
		Codelets:     []lcmapi.CodeletDescriptor{{CodeletName: "c", HookName: "h", CodeletPath: "/codelets/x.o"}},
	}

	if outcome, _ := a.Load(req, tc); outcome != lcmapi.CreationFail {
		t.Fatalf("expected CreationFail before the helper is registered, got %v", outcome)
	}

	if rc, err := a.Helpers().Register(helper.Definition{ID: helperID, Name: helperName}); rc < 0 || err != nil {
		t.Fatalf("register_helper: %d: %v", rc, err)
	}
	if outcome, msg := a.Load(req, tc); outcome != lcmapi.LoadSuccess {
		t.Fatalf("expected LoadSuccess once the helper is registered: %v: %s", outcome, msg)
	}
	a.Dispatch("h", tc, nil)
	if calls != 1 {
		t.Fatalf("expected the codelet to run once, got %d", calls)
	}

	if outcome, msg := a.Unload(&lcmapi.UnloadRequest{CodeletSetID: lcmapi.CodeletSetID{Name: "needs-helper"}}, tc); outcome != lcmapi.UnloadSuccess {
		t.Fatalf("unload: %v: %s", outcome, msg)
	}
	if rc, err := a.Helpers().Deregister(helperID); rc != 0 || err != nil {
		t.Fatalf("deregister_helper: %d: %v", rc, err)
	}
	if outcome, _ := a.Load(req, tc); outcome != lcmapi.CreationFail {
		t.Fatalf("expected CreationFail again after deregistration, got %v", outcome)
	}
}

func TestSimpleOutputChannel(t *testing.T) {
	// One codelet with an output ringbuf channel bound to a literal
	// stream id: dispatching the hook with a counter payload must
	// produce exactly one record carrying that counter on the stream.
	streamID, err := lcmapi.StreamIDFromHex("00112233445566778899AABBCCDDEEFF")
	if err != nil {
		t.Fatal(err)
	}

	obj := &elfload.Object{EntrySection: "out", Maps: []elfload.MapDef{
		{Name: "ring", Type: lcmapi.MapTypeRingbuf, ValueSize: 4, MaxEntries: 8},
	}}
	bodies := map[*elfload.Object]func(map[string]jbpfmap.Poly, interface{}) int{
		obj: func(maps map[string]jbpfmap.Poly, ctx interface{}) int {
			counter := ctx.(uint32)
			var v [4]byte
			v[0], v[1], v[2], v[3] = byte(counter), byte(counter>>8), byte(counter>>16), byte(counter>>24)
			if res := maps["ring"].Ringbuf.Output(v[:]); res != lcmapi.MapSuccess {
				return -1
			}
			return 0
		},
	}
	objs := map[string]*elfload.Object{"/codelets/out.o": obj}

	transport := iotransport.NewMemTransport()
	a, err := Init(Config{
		Address:   "test-agent",
		Verifier:  passVerifier{},
		Compiler:  fnCompiler{bodies: bodies},
		Transport: transport,
		Logger:    jbpflog.Nop(),
		LoadELF:   loadELFFor(objs),
		Stat:      func(path string) error { return nil },
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(a.Stop)
	a.DeclareHook("test1", lcmapi.HookMonitoring)

	tc, err := a.RegisterThread()
	if err != nil {
		t.Fatal(err)
	}
	defer a.UnregisterThread(tc)

	req := &lcmapi.LoadRequest{
		CodeletSetID: lcmapi.CodeletSetID{Name: "simple_output"},
		Codelets: []lcmapi.CodeletDescriptor{
			{
				CodeletName: "out", HookName: "test1", CodeletPath: "/codelets/out.o",
				OutIOChannel: []lcmapi.IOChannelDescriptor{
					{Name: "ring", StreamID: streamID, HasStreamID: true},
				},
			},
		},
	}
	if outcome, msg := a.Load(req, tc); outcome != lcmapi.LoadSuccess {
		t.Fatalf("load: %v: %s", outcome, msg)
	}

	a.Dispatch("test1", tc, uint32(7))

	ch, ok := transport.Lookup(streamID)
	if !ok {
		t.Fatal("expected a channel bound to the literal stream id")
	}
	recs := ch.Records()
	if len(recs) != 1 {
		t.Fatalf("expected one output record, got %d", len(recs))
	}
	got := uint32(recs[0][0]) | uint32(recs[0][1])<<8 | uint32(recs[0][2])<<16 | uint32(recs[0][3])<<24
	if got != 7 {
		t.Fatalf("expected record 7, got %d", got)
	}
}
