// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package lifecycle

import (
	"fmt"

	"github.com/jbpf-go/jbpf/codelet"
	"github.com/jbpf-go/jbpf/elfload"
	"github.com/jbpf-go/jbpf/iotransport"
	"github.com/jbpf-go/jbpf/jbpfmap"
	"github.com/jbpf-go/jbpf/lcmapi"
)

// mapResolver implements jit.MapSymbolResolver for one codelet being
// created: the JIT calls ResolveMapSymbol once per map symbol while
// relocating the codelet's bytecode. Any error is latched on err so
// createCodelet can surface it even though the Compiler interface
// only returns a generic error from Compile.
type mapResolver struct {
	ctrl       *Controller
	set        *codelet.Set
	descriptor *lcmapi.CodeletDescriptor
	codelet    *codelet.Codelet
	obj        *elfload.Object
	err        error
}

// setName returns this resolver's owning codeletset name, part of the
// stream-id derivation seed.
func (r *mapResolver) setName() string { return r.set.ID.Name }

// ResolveMapSymbol returns the live map backing symbolName: the
// already-resolved map on repeated relocation, a fresh local or IO
// map for a non-linked symbol, or the shared map (created by the
// first side, shape-checked on every later side) for a linked one.
func (r *mapResolver) ResolveMapSymbol(codeletName, symbolName string) (interface{}, error) {
	if existing, ok := r.codelet.Maps[symbolName]; ok {
		return existing, nil
	}

	def, ok := findMapDef(r.obj.Maps, symbolName)
	if !ok {
		r.err = fmt.Errorf("map symbol %q not found in codelet object", symbolName)
		return nil, r.err
	}

	// Keyed by the descriptor's codelet name, the same key seedLinkedMaps
	// and destroyCodeletMaps use; a compiler only sees the object.
	alias := r.codelet.Name + "_" + symbolName
	lm, linked := r.set.LinkedMaps[alias]

	if !linked {
		poly, err := r.ctrl.buildMap(def, r.setName(), r.descriptor)
		if err != nil {
			r.err = err
			return nil, err
		}
		r.codelet.Maps[symbolName] = poly
		return poly, nil
	}

	if def.Type.IsIOType() {
		r.err = fmt.Errorf("map %q: IO maps cannot be linked", symbolName)
		return nil, r.err
	}

	if lm.RefCount == 0 {
		poly, err := r.ctrl.buildMap(def, r.setName(), r.descriptor)
		if err != nil {
			r.err = err
			return nil, err
		}
		lm.Map = &poly
	} else {
		if err := checkShapeMatch(*lm.Map, def); err != nil {
			r.err = fmt.Errorf("map %q: %w", symbolName, err)
			return nil, r.err
		}
	}
	lm.RefCount++
	r.codelet.Maps[symbolName] = *lm.Map
	return *lm.Map, nil
}

func findMapDef(defs []elfload.MapDef, name string) (elfload.MapDef, bool) {
	for _, d := range defs {
		if d.Name == name {
			return d, true
		}
	}
	return elfload.MapDef{}, false
}

func checkShapeMatch(existing jbpfmap.Poly, def elfload.MapDef) error {
	shape := existing.Shape()
	if shape.Type != def.Type || shape.KeySize != def.KeySize ||
		shape.ValueSize != def.ValueSize || shape.MaxEntries != def.MaxEntries {
		return fmt.Errorf("linked map shape mismatch: have %+v, want type=%v key=%d value=%d max=%d",
			shape, def.Type, def.KeySize, def.ValueSize, def.MaxEntries)
	}
	return nil
}

// buildMap constructs the live map backing one ELF map definition,
// either a local map (array/hashmap/per-thread) or an IO channel map
// bound to the descriptor's matching channel entry.
func (c *Controller) buildMap(def elfload.MapDef, setName string, cd *lcmapi.CodeletDescriptor) (jbpfmap.Poly, error) {
	if def.Type.IsIOType() {
		return c.buildIOMap(def, setName, cd)
	}

	switch def.Type {
	case lcmapi.MapTypeArray:
		return jbpfmap.PolyArray(jbpfmap.NewArray(def.Name, def.ValueSize, def.MaxEntries)), nil
	case lcmapi.MapTypeHashmap:
		return jbpfmap.PolyHashmap(jbpfmap.NewHashmap(def.Name, def.KeySize, def.ValueSize, def.MaxEntries, c.epochMgr)), nil
	case lcmapi.MapTypePerThreadArray:
		return jbpfmap.PolyPerThreadArray(jbpfmap.NewPerThreadArray(def.Name, def.ValueSize, def.MaxEntries, c.numThreads)), nil
	case lcmapi.MapTypePerThreadHashmap:
		return jbpfmap.PolyPerThreadHashmap(jbpfmap.NewPerThreadHashmap(def.Name, def.KeySize, def.ValueSize, def.MaxEntries, c.numThreads)), nil
	default:
		return jbpfmap.Poly{}, fmt.Errorf("map %q: unsupported map type %v", def.Name, def.Type)
	}
}

func (c *Controller) buildIOMap(def elfload.MapDef, setName string, cd *lcmapi.CodeletDescriptor) (jbpfmap.Poly, error) {
	var (
		chDesc *lcmapi.IOChannelDescriptor
		dir    iotransport.Direction
	)
	switch def.Type {
	case lcmapi.MapTypeRingbuf, lcmapi.MapTypeOutput:
		chDesc = findChannelDescriptor(cd.OutIOChannel, def.Name)
		dir = iotransport.DirOut
	case lcmapi.MapTypeControlInput:
		chDesc = findChannelDescriptor(cd.InIOChannel, def.Name)
		dir = iotransport.DirIn
	}
	if chDesc == nil {
		return jbpfmap.Poly{}, fmt.Errorf("map %q: no matching io_channel descriptor on codelet %q", def.Name, cd.CodeletName)
	}

	streamID := chDesc.StreamID
	if !chDesc.HasStreamID {
		derived, err := lcmapi.DeriveStreamID([]string{c.Address, setName, cd.CodeletName, cd.HookName, dirName(dir), chDesc.Name})
		if err != nil {
			return jbpfmap.Poly{}, fmt.Errorf("map %q: %w", def.Name, err)
		}
		streamID = derived
	}

	ch, err := c.transport.CreateChannel(streamID, dir, def.MaxEntries, def.ValueSize, chDesc.Serde)
	if err != nil {
		return jbpfmap.Poly{}, fmt.Errorf("map %q: %w", def.Name, err)
	}

	switch def.Type {
	case lcmapi.MapTypeRingbuf:
		return jbpfmap.PolyRingbuf(jbpfmap.NewRingbuf(def.Name, def.ValueSize, def.MaxEntries, ch)), nil
	case lcmapi.MapTypeOutput:
		return jbpfmap.PolyOutput(jbpfmap.NewOutput(def.Name, def.ValueSize, def.MaxEntries, ch)), nil
	case lcmapi.MapTypeControlInput:
		return jbpfmap.PolyControlInput(jbpfmap.NewControlInput(def.Name, def.ValueSize, def.MaxEntries, ch)), nil
	default:
		return jbpfmap.Poly{}, fmt.Errorf("map %q: unsupported io map type %v", def.Name, def.Type)
	}
}

func findChannelDescriptor(chans []lcmapi.IOChannelDescriptor, name string) *lcmapi.IOChannelDescriptor {
	for i := range chans {
		if chans[i].Name == name {
			return &chans[i]
		}
	}
	return nil
}

// dirName is the "input"|"output" stream-id seed token.
func dirName(d iotransport.Direction) string {
	if d == iotransport.DirIn {
		return "input"
	}
	return "output"
}
