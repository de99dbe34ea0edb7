// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package lifecycle implements the codelet-set load/unload
// controller: the 8-step load procedure (validate, hook existence,
// capacity, linked-map alias seeding, codelet creation via ELF decode
// + verify + JIT compile, link validation, hook installation,
// publish) and the unload procedure's mirror-image teardown, both
// serialized on one process-wide mutex while the hook dispatch fast
// path (package hook) never takes it.
package lifecycle

import (
	"fmt"
	"os"
	"sync"

	"github.com/jbpf-go/jbpf/codelet"
	"github.com/jbpf-go/jbpf/cycle"
	"github.com/jbpf-go/jbpf/elfload"
	"github.com/jbpf-go/jbpf/epoch"
	"github.com/jbpf-go/jbpf/helper"
	"github.com/jbpf-go/jbpf/hook"
	"github.com/jbpf-go/jbpf/iotransport"
	"github.com/jbpf-go/jbpf/jbpfmap"
	"github.com/jbpf-go/jbpf/jit"
	"github.com/jbpf-go/jbpf/lcmapi"
)

// Controller owns every loaded codelet set and mediates load/unload
// requests against the hook registry, helper registry, and map
// runtime.
type Controller struct {
	// Address identifies this agent instance in derived stream ids;
	// set once at construction.
	Address string

	hooks     *hook.Registry
	epochMgr  *epoch.Manager
	helpers   *helper.Registry
	transport iotransport.Transport
	verifier  jit.Verifier
	compiler  jit.Compiler

	// loadELF defaults to elfload.Load; overridable in tests so the
	// load path can be driven without a real ELF file on disk, the
	// same way Verifier/Compiler/Transport are already injected.
	loadELF func(path string) (*elfload.Object, error)

	// stat is the request-validation existence probe for codelet and
	// serde file paths; defaults to os.Stat, overridable alongside
	// loadELF for fixture-driven tests.
	stat func(path string) error

	numThreads int

	mu            sync.Mutex // the single process-wide load/unload mutex
	sets          map[string]*codelet.Set
	totalCodelets int
}

// Config bundles the collaborators a Controller is built from.
type Config struct {
	Address    string
	Hooks      *hook.Registry
	EpochMgr   *epoch.Manager
	Helpers    *helper.Registry
	Transport  iotransport.Transport
	Verifier   jit.Verifier
	Compiler   jit.Compiler
	NumThreads int

	// LoadELF overrides the ELF-decoding step; nil defaults to
	// elfload.Load.
	LoadELF func(path string) (*elfload.Object, error)

	// Stat overrides the file-existence probe applied to codelet and
	// serde paths during request validation; nil defaults to os.Stat.
	Stat func(path string) error
}

// NewController wires a Controller from its collaborators.
func NewController(cfg Config) *Controller {
	loadELF := cfg.LoadELF
	if loadELF == nil {
		loadELF = elfload.Load
	}
	stat := cfg.Stat
	if stat == nil {
		stat = func(path string) error {
			_, err := os.Stat(path)
			return err
		}
	}
	return &Controller{
		Address:    cfg.Address,
		hooks:      cfg.Hooks,
		epochMgr:   cfg.EpochMgr,
		helpers:    cfg.Helpers,
		transport:  cfg.Transport,
		verifier:   cfg.Verifier,
		compiler:   cfg.Compiler,
		loadELF:    loadELF,
		stat:       stat,
		numThreads: cfg.NumThreads,
		sets:       make(map[string]*codelet.Set),
	}
}

// Load runs the 8-step load procedure and returns the resulting
// Outcome plus a human-readable message (empty on success).
// threadID must already be registered with the thread registry — it
// is the epoch record used to publish hook installs.
func (c *Controller) Load(req *lcmapi.LoadRequest, threadID int) (lcmapi.Outcome, string) {
	// Step 1: validate request, including the existence probe on every
	// referenced codelet and serde file.
	if err := req.Validate(); err != nil {
		return lcmapi.ParamInvalid, err.Error()
	}
	for i := range req.Codelets {
		cd := &req.Codelets[i]
		if err := c.stat(cd.CodeletPath); err != nil {
			return lcmapi.ParamInvalid, fmt.Sprintf("codelet %q: object file %s: %v", cd.CodeletName, cd.CodeletPath, err)
		}
		for _, chans := range [][]lcmapi.IOChannelDescriptor{cd.InIOChannel, cd.OutIOChannel} {
			for _, ch := range chans {
				if !ch.Serde.HasSerde {
					continue
				}
				if err := c.stat(ch.Serde.FilePath); err != nil {
					return lcmapi.ParamInvalid, fmt.Sprintf("codelet %q: serde file %s: %v", cd.CodeletName, ch.Serde.FilePath, err)
				}
			}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Step 2: hook existence.
	for i := range req.Codelets {
		name := req.Codelets[i].HookName
		if !c.hooks.Exists(name) {
			return lcmapi.HookNotExist, fmt.Sprintf("hook %q is not registered", name)
		}
	}

	// Step 3: capacity.
	setName := req.CodeletSetID.Name
	if _, exists := c.sets[setName]; exists {
		return lcmapi.AlreadyLoaded, fmt.Sprintf("codeletset %q is already loaded", setName)
	}
	if len(c.sets) >= lcmapi.MaxLoadedCodeletSets {
		return lcmapi.CreationFail, "maximum number of loaded codeletsets reached"
	}
	if c.totalCodelets+len(req.Codelets) > lcmapi.MaxLoadedCodelets {
		return lcmapi.CreationFail, "loading this codeletset would exceed the loaded-codelet limit"
	}

	// Step 4: seed the linked-map alias table.
	set := codelet.NewSet(req.CodeletSetID)
	set.LinkedMaps = seedLinkedMaps(req)

	// Step 5: create codelets.
	installed := make([]*codelet.Codelet, 0, len(req.Codelets))
	for i := range req.Codelets {
		cd := &req.Codelets[i]
		cl, err := c.createCodelet(set, cd)
		if err != nil {
			c.teardown(set, nil)
			return lcmapi.CreationFail, err.Error()
		}
		set.Codelets[cd.CodeletName] = cl
	}

	// Step 6: link validation.
	for alias, lm := range set.LinkedMaps {
		if lm.RefCount != lm.TotalRefs {
			msg := fmt.Sprintf("linked map alias %q has %d references but %d declared sides", alias, lm.RefCount, lm.TotalRefs)
			c.teardown(set, nil)
			return lcmapi.LoadFail, msg
		}
	}

	// Step 7: install to hooks, in descriptor order so equal-priority
	// codelets land in their declared order.
	for i := range req.Codelets {
		cl := set.Codelets[req.Codelets[i].CodeletName]
		h := c.hooks.Get(cl.HookName)
		if err := h.Install(c.epochMgr, threadID, cl); err != nil {
			c.teardown(set, installed)
			return lcmapi.LoadFail, err.Error()
		}
		installed = append(installed, cl)
	}

	// Step 8: publish.
	c.sets[setName] = set
	c.totalCodelets += len(set.Codelets)
	return lcmapi.LoadSuccess, ""
}

// createCodelet runs step 5 of Load for one descriptor: decode the
// ELF object, verify it, resolve its map relocations, and JIT-compile
// it into a callable codelet.
func (c *Controller) createCodelet(set *codelet.Set, cd *lcmapi.CodeletDescriptor) (*codelet.Codelet, error) {
	obj, err := c.loadELF(cd.CodeletPath)
	if err != nil {
		return nil, fmt.Errorf("codelet %q: %w", cd.CodeletName, err)
	}

	// Every helper symbol the bytecode calls must be bound before the
	// external verifier or JIT ever sees the object.
	for _, name := range obj.HelperCalls {
		if !c.helpers.ContainsName(name) {
			return nil, fmt.Errorf("codelet %q: helper %q is not registered", cd.CodeletName, name)
		}
	}

	helpers := c.helpers.Snapshot()
	result, err := c.verifier.Verify(obj, helpers)
	if err != nil {
		return nil, fmt.Errorf("codelet %q: verifier error: %w", cd.CodeletName, err)
	}
	if !result.Pass {
		return nil, fmt.Errorf("codelet %q: verification failed: %s", cd.CodeletName, result.ErrMsg)
	}

	cl := &codelet.Codelet{
		Name:             cd.CodeletName,
		HookName:         cd.HookName,
		SetName:          set.ID.Name,
		Priority:         cd.Priority,
		RuntimeThreshold: uint64(cd.RuntimeThreshold),
		Maps:             make(map[string]jbpfmap.Poly),
	}

	resolver := &mapResolver{ctrl: c, set: set, descriptor: cd, codelet: cl, obj: obj}
	fn, err := c.compiler.Compile(obj, resolver, helpers)
	if err != nil {
		c.destroyCodeletMaps(set, cl)
		if resolver.err != nil {
			return nil, fmt.Errorf("codelet %q: %w", cd.CodeletName, resolver.err)
		}
		return nil, fmt.Errorf("codelet %q: compile failed: %w", cd.CodeletName, err)
	}
	cl.Fn = fn
	cl.LoadedAtNs = cycle.TimeGetNs()
	return cl, nil
}

// teardown discards a set that failed to load: it uninstalls any
// codelets already published to a hook, then destroys every created
// codelet's maps. The set itself is simply left unreferenced — it was
// never published to c.sets.
func (c *Controller) teardown(set *codelet.Set, installed []*codelet.Codelet) {
	for _, cl := range installed {
		if h := c.hooks.Get(cl.HookName); h != nil {
			h.Uninstall(c.epochMgr, 0, cl)
		}
	}
	for _, cl := range set.Codelets {
		c.destroyCodeletMaps(set, cl)
	}
}

// destroyCodeletMaps drops every map owned by cl: decrement the
// shared-map reference counts if it is aliased, or destroy it
// immediately if it is not.
func (c *Controller) destroyCodeletMaps(set *codelet.Set, cl *codelet.Codelet) {
	for symbol, poly := range cl.Maps {
		alias := cl.Name + "_" + symbol
		lm, ok := set.LinkedMaps[alias]
		if !ok {
			closeIfChannel(poly)
			continue
		}
		lm.RefCount--
		lm.TotalRefs--
		if lm.RefCount <= 0 {
			closeIfChannel(poly)
		}
		if lm.TotalRefs <= 0 {
			for k, v := range set.LinkedMaps {
				if v == lm {
					delete(set.LinkedMaps, k)
				}
			}
		}
	}
}

func closeIfChannel(poly jbpfmap.Poly) {
	switch poly.Type {
	case lcmapi.MapTypeRingbuf:
		poly.Ringbuf.Close()
	case lcmapi.MapTypeOutput:
		poly.Output.Close()
	case lcmapi.MapTypeControlInput:
		poly.ControlInput.Close()
	}
}

// Unload removes a loaded set: uninstall every codelet from its hook,
// drop each codelet's maps, then delete the set from the registry.
func (c *Controller) Unload(req *lcmapi.UnloadRequest, threadID int) (lcmapi.Outcome, string) {
	if err := req.Validate(); err != nil {
		return lcmapi.UnloadFail, err.Error()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	name := req.CodeletSetID.Name
	set, ok := c.sets[name]
	if !ok {
		return lcmapi.UnloadFail, fmt.Sprintf("codeletset %q is not loaded", name)
	}

	for _, cl := range set.Codelets {
		if h := c.hooks.Get(cl.HookName); h != nil {
			h.Uninstall(c.epochMgr, threadID, cl)
		}
	}
	for _, cl := range set.Codelets {
		c.destroyCodeletMaps(set, cl)
	}

	c.totalCodelets -= len(set.Codelets)
	delete(c.sets, name)
	return lcmapi.UnloadSuccess, ""
}

// Get returns the loaded set registered under name, or nil.
func (c *Controller) Get(name string) *codelet.Set {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sets[name]
}

// Loaded returns the names of every currently loaded codeletset.
func (c *Controller) Loaded() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sets))
	for n := range c.sets {
		out = append(out, n)
	}
	return out
}
