// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package elfload decodes a compiled codelet object: its ".maps"
// section map definitions, its jbpf_main entry point, and the
// external helper-call symbols its bytecode references. The file is
// mmap'd read-only, then sections and symbols are walked with
// debug/elf.
//
// Codelet objects declare maps as
//
//	struct jbpf_load_map_def SEC("maps") my_map = { .type = ..., ... };
//
// and an entry point as `SEC("jbpf_generic") uint64_t jbpf_main(...)`.
package elfload

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	mmap "github.com/edsrzf/mmap-go"

	"github.com/jbpf-go/jbpf/lcmapi"
)

// MapDef is a decoded "struct jbpf_load_map_def" entry: 8 little-endian
// uint32 fields, field order fixed by the ABI.
type MapDef struct {
	Name            string
	Type            lcmapi.MapType
	KeySize         uint32
	ValueSize       uint32
	MaxEntries      uint32
	MapFlags        uint32
	InnerMapIdx     uint32
	NumaNode        uint32
	NbHashFunctions uint32
}

const mapDefSize = 32 // 8 uint32 fields

// ErrEntryNotFound is returned when no jbpf_main symbol exists in the
// object.
var ErrEntryNotFound = errors.New("elfload: no jbpf_main entry point found")

// ErrTruncatedMapDef is returned when a ".maps" symbol's backing bytes
// are shorter than one jbpf_load_map_def record.
var ErrTruncatedMapDef = errors.New("elfload: truncated map definition")

// Object is a loaded, decoded codelet object file.
type Object struct {
	Path         string
	EntrySection string
	Maps         []MapDef
	HelperCalls  []string // undefined jbpf_* symbols the bytecode calls
}

// rawSection and rawSymbol are the minimal shape decodeMapDefs,
// findEntry and findHelperCalls need; Load populates them from
// debug/elf so the decode logic itself stays independently testable
// without needing a real ELF file on disk.
type rawSection struct {
	Name string
	Data []byte
}

type rawSymbol struct {
	Name    string
	Section int // index into the sections slice; -1 if undefined
	Value   uint64
}

// Load mmaps path read-only and decodes it as a codelet object.
func Load(path string) (*Object, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer data.Unmap()

	ef, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("elfload: %w", err)
	}
	defer ef.Close()

	sections := make([]rawSection, len(ef.Sections))
	for i, s := range ef.Sections {
		b, err := s.Data()
		if err != nil {
			b = nil
		}
		sections[i] = rawSection{Name: s.Name, Data: b}
	}

	syms, err := ef.Symbols()
	if err != nil {
		return nil, fmt.Errorf("elfload: reading symbols: %w", err)
	}
	symbols := make([]rawSymbol, len(syms))
	for i, s := range syms {
		sec := int(s.Section) // ef.Sections keeps the null section at index 0, so the ELF index maps straight onto sections; SHN_UNDEF is 0
		if s.Section == elf.SHN_UNDEF {
			sec = -1
		}
		symbols[i] = rawSymbol{Name: s.Name, Section: sec, Value: s.Value}
	}

	maps, err := decodeMapDefs(sections, symbols)
	if err != nil {
		return nil, err
	}
	entrySection, ok := findEntry(sections, symbols)
	if !ok {
		return nil, ErrEntryNotFound
	}

	return &Object{
		Path:         path,
		EntrySection: entrySection,
		Maps:         maps,
		HelperCalls:  findHelperCalls(symbols),
	}, nil
}

// decodeMapDefs finds the ".maps" section and decodes one MapDef per
// symbol defined within it.
func decodeMapDefs(sections []rawSection, symbols []rawSymbol) ([]MapDef, error) {
	mapsIdx := -1
	for i, s := range sections {
		if s.Name == ".maps" {
			mapsIdx = i
			break
		}
	}
	if mapsIdx < 0 {
		return nil, nil
	}
	data := sections[mapsIdx].Data

	var out []MapDef
	for _, sym := range symbols {
		if sym.Section != mapsIdx || sym.Name == "" {
			continue
		}
		end := sym.Value + mapDefSize
		if end > uint64(len(data)) {
			return nil, fmt.Errorf("%w: symbol %s", ErrTruncatedMapDef, sym.Name)
		}
		raw := data[sym.Value:end]
		md := MapDef{
			Name:            sym.Name,
			Type:            lcmapi.MapType(binary.LittleEndian.Uint32(raw[0:4])),
			KeySize:         binary.LittleEndian.Uint32(raw[4:8]),
			ValueSize:       binary.LittleEndian.Uint32(raw[8:12]),
			MaxEntries:      binary.LittleEndian.Uint32(raw[12:16]),
			MapFlags:        binary.LittleEndian.Uint32(raw[16:20]),
			InnerMapIdx:     binary.LittleEndian.Uint32(raw[20:24]),
			NumaNode:        binary.LittleEndian.Uint32(raw[24:28]),
			NbHashFunctions: binary.LittleEndian.Uint32(raw[28:32]),
		}
		out = append(out, md)
	}
	return out, nil
}

// findEntry locates the jbpf_main symbol and returns the name of the
// section it is defined in (the program-type section, e.g.
// "jbpf_generic").
func findEntry(sections []rawSection, symbols []rawSymbol) (string, bool) {
	for _, sym := range symbols {
		if sym.Name == "jbpf_main" && sym.Section >= 0 && sym.Section < len(sections) {
			return sections[sym.Section].Name, true
		}
	}
	return "", false
}

// findHelperCalls returns every undefined symbol name that looks like
// a helper call — the codelet's bytecode references these by name and
// the lifecycle controller resolves them against the currently
// registered helper.Registry before compiling.
func findHelperCalls(symbols []rawSymbol) []string {
	seen := make(map[string]bool)
	var out []string
	for _, sym := range symbols {
		if sym.Section != -1 || sym.Name == "" {
			continue
		}
		if len(sym.Name) > 5 && sym.Name[:5] == "jbpf_" && !seen[sym.Name] {
			seen[sym.Name] = true
			out = append(out, sym.Name)
		}
	}
	return out
}
