// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package agent wires every component into the single runtime object
// a host application embeds: Init builds the arena, epoch manager,
// thread registry, helper table, hook registry, and lifecycle
// controller, declares the two built-in hooks, and starts the
// maintenance thread; Stop tears it all down.
package agent

import (
	"errors"
	"fmt"
	"time"

	"github.com/jbpf-go/jbpf/arena"
	"github.com/jbpf-go/jbpf/cycle"
	"github.com/jbpf-go/jbpf/elfload"
	"github.com/jbpf-go/jbpf/epoch"
	"github.com/jbpf-go/jbpf/helper"
	"github.com/jbpf-go/jbpf/hook"
	"github.com/jbpf-go/jbpf/internal/jbpflog"
	"github.com/jbpf-go/jbpf/iotransport"
	"github.com/jbpf-go/jbpf/jit"
	"github.com/jbpf-go/jbpf/lcmapi"
	"github.com/jbpf-go/jbpf/lifecycle"
	"github.com/jbpf-go/jbpf/perf"
	"github.com/jbpf-go/jbpf/threadreg"
)

// Built-in hook names: periodic_call fires every
// maintenance tick, report_stats fires once per aggregation pass with
// every other hook's reduced perf report attached. Both are
// monitoring hooks — a host codelet may subscribe to either exactly
// like any hook the host app declares.
const (
	HookPeriodicCall = "periodic_call"
	HookReportStats  = "report_stats"
)

var (
	ErrNilVerifier = errors.New("agent: Config.Verifier is nil")
	ErrNilCompiler = errors.New("agent: Config.Compiler is nil")
)

// Config bundles the external collaborators and tunables Init needs.
// Verifier and Compiler are the externally-provided bytecode
// verifier/JIT; the rest default to values good enough for a
// single-process deployment or test harness.
type Config struct {
	Address    string
	NumThreads int
	Verifier   jit.Verifier
	Compiler   jit.Compiler
	Transport  iotransport.Transport
	Logger     *jbpflog.Helper

	// LoadELF overrides the lifecycle controller's ELF-decoding step;
	// nil defaults to elfload.Load. Tests substitute a fixture lookup
	// here the same way lifecycle's own tests do, instead of needing
	// real ELF files on disk.
	LoadELF func(path string) (*elfload.Object, error)

	// Stat overrides the request-validation existence probe on codelet
	// and serde file paths; nil defaults to os.Stat. Injected for the
	// same reason as LoadELF.
	Stat func(path string) error

	// TickInterval is the maintenance loop's sleep cadence, on the
	// order of 10ms.
	TickInterval time.Duration
	// StatsInterval is the perf-aggregation cadence.
	StatsInterval time.Duration
}

func (cfg Config) withDefaults() Config {
	if cfg.NumThreads <= 0 {
		cfg.NumThreads = lcmapi.MaxRegThreads
	}
	if cfg.Transport == nil {
		cfg.Transport = iotransport.NewMemTransport()
	}
	if cfg.Logger == nil {
		cfg.Logger = jbpflog.New("agent", nil)
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 10 * time.Millisecond
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = time.Second
	}
	return cfg
}

// ThreadContext is the identity a caller obtains from RegisterThread
// and holds for the lifetime of its participation in hook dispatch —
// the explicit stand-in for the thread-local state the original keeps
// implicitly.
type ThreadContext struct {
	Handle *threadreg.Handle
	State  *helper.ThreadState
}

// StatsReport is the ctx handed to the report_stats hook: one reduced
// perf.Report per aggregated hook, plus the nominal aggregation
// period.
type StatsReport struct {
	Hooks    []perf.Report
	PeriodNs uint64
}

// Agent is the runtime object a host embeds: one per process.
type Agent struct {
	cfg Config
	log *jbpflog.Helper

	arena     *arena.Arena
	epochMgr  *epoch.Manager
	threads   *threadreg.Registry
	helpers   *helper.Registry
	hooks     *hook.Registry
	lifecycle *lifecycle.Controller

	maintTC *ThreadContext
	stopCh  chan struct{}
	doneCh  chan struct{}
	readyCh chan error
}

// Init builds an Agent and starts its maintenance thread, blocking
// until that thread has registered itself (mirroring jbpf_init's
// semaphore wait for jbpf_maintenance_thread_start).
func Init(cfg Config) (*Agent, error) {
	cfg = cfg.withDefaults()
	if cfg.Verifier == nil {
		return nil, ErrNilVerifier
	}
	if cfg.Compiler == nil {
		return nil, ErrNilCompiler
	}

	epochMgr := epoch.NewManager(cfg.NumThreads)
	threads := threadreg.NewRegistry(cfg.NumThreads)
	helpers := helper.NewRegistry()
	hooks := hook.NewRegistry(cfg.NumThreads)
	hooks.Declare(HookPeriodicCall, lcmapi.HookMonitoring)
	hooks.Declare(HookReportStats, lcmapi.HookMonitoring)

	ctrl := lifecycle.NewController(lifecycle.Config{
		Address:    cfg.Address,
		Hooks:      hooks,
		EpochMgr:   epochMgr,
		Helpers:    helpers,
		Transport:  cfg.Transport,
		Verifier:   cfg.Verifier,
		Compiler:   cfg.Compiler,
		NumThreads: cfg.NumThreads,
		LoadELF:    cfg.LoadELF,
		Stat:       cfg.Stat,
	})

	a := &Agent{
		cfg:       cfg,
		log:       cfg.Logger,
		arena:     arena.New(),
		epochMgr:  epochMgr,
		threads:   threads,
		helpers:   helpers,
		hooks:     hooks,
		lifecycle: ctrl,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		readyCh:   make(chan error, 1),
	}

	go a.maintenanceLoop()
	if err := <-a.readyCh; err != nil {
		return nil, err
	}
	a.log.Infof("agent initialized: address=%s threads=%d", cfg.Address, cfg.NumThreads)
	return a, nil
}

// maintenanceLoop is the dedicated maintenance thread: register,
// signal readiness, then loop with a short sleep draining deferred
// frees, aggregating perf on the stats cadence, and firing
// periodic_call every tick. It exits when Stop closes stopCh.
func (a *Agent) maintenanceLoop() {
	defer close(a.doneCh)

	tc, err := a.RegisterThread()
	if err != nil {
		a.readyCh <- fmt.Errorf("agent: maintenance thread failed to register: %w", err)
		return
	}
	a.maintTC = tc
	defer a.UnregisterThread(tc)
	a.readyCh <- nil

	ticker := time.NewTicker(a.cfg.TickInterval)
	defer ticker.Stop()

	lastStats := cycle.GetSysTime(true)
	statsIntervalNs := uint64(a.cfg.StatsInterval.Nanoseconds())

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.epochMgr.Reclaim()

			now := cycle.GetSysTime(false)
			if cycle.DiffNs(lastStats, now) > statsIntervalNs {
				lastStats = cycle.GetSysTime(true)
				a.runPerfAggregation()
			}

			a.Dispatch(HookPeriodicCall, tc, uint64(a.cfg.TickInterval.Nanoseconds()))
		}
	}
}

// runPerfAggregation swaps every non-stats hook's perf slab,
// barriers once across all of them together, reduces
// each into a report, then fire report_stats with the whole list.
func (a *Agent) runPerfAggregation() {
	type pending struct {
		name  string
		slabs []*perf.Slab
	}
	var items []pending
	for _, name := range a.hooks.Names() {
		if name == HookReportStats {
			continue
		}
		h := a.hooks.Get(name)
		items = append(items, pending{name: name, slabs: h.Swap()})
	}
	if len(items) == 0 {
		return
	}

	a.epochMgr.Synchronize()

	reports := make([]perf.Report, 0, len(items))
	for _, it := range items {
		reports = append(reports, perf.Reduce(it.name, it.slabs))
	}
	a.Dispatch(HookReportStats, a.maintTC, StatsReport{
		Hooks:    reports,
		PeriodNs: uint64(a.cfg.StatsInterval.Nanoseconds()),
	})
}

// Stop is the cooperative shutdown: signal the maintenance thread,
// join it, then close the general allocator so
// any further allocation through it fails loudly.
func (a *Agent) Stop() {
	close(a.stopCh)
	<-a.doneCh
	a.arena.Close()
	a.log.Infof("agent stopped")
}

// RegisterThread claims a thread identity for the calling goroutine —
// call once per goroutine that will dispatch hooks or issue
// load/unload requests, and hold the result for that goroutine's
// lifetime.
func (a *Agent) RegisterThread() (*ThreadContext, error) {
	h, err := a.threads.Register()
	if err != nil {
		return nil, err
	}
	return &ThreadContext{Handle: h, State: helper.NewThreadState(h.RandSeed)}, nil
}

// UnregisterThread releases a thread identity obtained from
// RegisterThread.
func (a *Agent) UnregisterThread(tc *ThreadContext) {
	a.threads.Unregister(tc.Handle.ID)
}

// DeclareHook registers a named hook point the host app exposes for
// codelets to attach to.
func (a *Agent) DeclareHook(name string, kind lcmapi.HookType) {
	a.hooks.Declare(name, kind)
}

// SetHookPerfActive toggles latency recording for one hook.
func (a *Agent) SetHookPerfActive(name string, active bool) {
	if h := a.hooks.Get(name); h != nil {
		h.SetPerfActive(active)
	}
}

// Dispatch runs every codelet installed on name in priority order.
// For a control hook the return value is the winning
// codelet's result; for a monitoring hook it is always 0.
func (a *Agent) Dispatch(name string, tc *ThreadContext, ctx interface{}) int {
	h := a.hooks.Get(name)
	if h == nil {
		return 0
	}
	return h.Dispatch(a.epochMgr, tc.Handle.ID, tc.State, ctx)
}

// Load runs the codelet-set load procedure.
func (a *Agent) Load(req *lcmapi.LoadRequest, tc *ThreadContext) (lcmapi.Outcome, string) {
	return a.lifecycle.Load(req, tc.Handle.ID)
}

// Unload runs the codelet-set unload procedure.
func (a *Agent) Unload(req *lcmapi.UnloadRequest, tc *ThreadContext) (lcmapi.Outcome, string) {
	return a.lifecycle.Unload(req, tc.Handle.ID)
}

// Loaded returns the names of every currently loaded codeletset.
func (a *Agent) Loaded() []string { return a.lifecycle.Loaded() }

// Helpers exposes the helper registry so a host app can register
// custom helpers (reloc ids starting at lcmapi.CustomHelperStartID)
// before loading any codelet that needs them.
func (a *Agent) Helpers() *helper.Registry { return a.helpers }

// Arena exposes the general-purpose allocator for ambient scratch use
// outside the hot dispatch path — e.g. the LCM-IPC server staging an
// inbound wire message. Distinct from the per-map DataMempool fast
// path.
func (a *Agent) Arena() *arena.Arena { return a.arena }
