// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package jbpfmap

import (
	"bytes"
	"testing"

	"github.com/jbpf-go/jbpf/epoch"
	"github.com/jbpf-go/jbpf/lcmapi"
)

func key4(n uint32) []byte {
	return []byte{byte(n), byte(n >> 8), byte(n >> 16), byte(n >> 24)}
}

func TestHashmapUpdateAndLookup(t *testing.T) {
	mgr := epoch.NewManager(1)
	h := NewHashmap("m", 4, 4, 8, mgr)

	if res := h.Update(key4(1), key4(100), lcmapi.UpdateAny); res != lcmapi.MapSuccess {
		t.Fatalf("expected MapSuccess, got %v", res)
	}
	if got := h.Lookup(key4(1)); !bytes.Equal(got, key4(100)) {
		t.Fatalf("expected %v, got %v", key4(100), got)
	}
	if h.Lookup(key4(2)) != nil {
		t.Fatal("expected nil for absent key")
	}
}

func TestHashmapUpdateFlags(t *testing.T) {
	mgr := epoch.NewManager(1)
	h := NewHashmap("m", 4, 4, 8, mgr)

	if res := h.Update(key4(1), key4(1), lcmapi.UpdateExist); res != lcmapi.MapError {
		t.Fatalf("expected MapError for UpdateExist on absent key, got %v", res)
	}
	if res := h.Update(key4(1), key4(1), lcmapi.UpdateAny); res != lcmapi.MapSuccess {
		t.Fatalf("expected MapSuccess, got %v", res)
	}
	if res := h.Update(key4(1), key4(2), lcmapi.UpdateNoExist); res != lcmapi.MapError {
		t.Fatalf("expected MapError for UpdateNoExist on present key, got %v", res)
	}
	if res := h.Update(key4(1), key4(2), lcmapi.UpdateExist); res != lcmapi.MapSuccess {
		t.Fatalf("expected MapSuccess replacing present key, got %v", res)
	}
	if got := h.Lookup(key4(1)); !bytes.Equal(got, key4(2)) {
		t.Fatalf("expected replaced value %v, got %v", key4(2), got)
	}
}

func TestHashmapReplacePreservesIndependentStorage(t *testing.T) {
	mgr := epoch.NewManager(1)
	h := NewHashmap("m", 4, 4, 8, mgr)

	if res := h.Update(key4(1), key4(10), lcmapi.UpdateAny); res != lcmapi.MapSuccess {
		t.Fatalf("insert failed: %v", res)
	}
	first := h.Lookup(key4(1))

	if res := h.Update(key4(1), key4(20), lcmapi.UpdateAny); res != lcmapi.MapSuccess {
		t.Fatalf("replace failed: %v", res)
	}
	// The old payload buffer must not have been mutated in place by the
	// replacement: the new value goes to a fresh slot and the old one is
	// only queued for deferred free.
	if !bytes.Equal(first, key4(10)) {
		t.Fatalf("old payload buffer mutated: got %v want %v", first, key4(10))
	}
	if got := h.Lookup(key4(1)); !bytes.Equal(got, key4(20)) {
		t.Fatalf("expected new value %v, got %v", key4(20), got)
	}
}

func TestHashmapDeleteAndReinsert(t *testing.T) {
	mgr := epoch.NewManager(1)
	h := NewHashmap("m", 4, 4, 8, mgr)

	if res := h.Update(key4(1), key4(1), lcmapi.UpdateAny); res != lcmapi.MapSuccess {
		t.Fatalf("insert failed: %v", res)
	}
	if res := h.Delete(key4(1)); res != lcmapi.MapSuccess {
		t.Fatalf("delete failed: %v", res)
	}
	if h.Lookup(key4(1)) != nil {
		t.Fatal("expected key gone after delete")
	}
	if res := h.Delete(key4(1)); res != lcmapi.MapError {
		t.Fatalf("expected MapError deleting an absent key, got %v", res)
	}
	if size, _ := h.Size(); size != 0 {
		t.Fatalf("expected size 0 after delete, got %d", size)
	}

	// Re-inserting must still work through a tombstoned slot.
	if res := h.Update(key4(1), key4(2), lcmapi.UpdateAny); res != lcmapi.MapSuccess {
		t.Fatalf("reinsert failed: %v", res)
	}
	if got := h.Lookup(key4(1)); !bytes.Equal(got, key4(2)) {
		t.Fatalf("expected %v after reinsert, got %v", key4(2), got)
	}
}

func TestHashmapFullAtMaxEntries(t *testing.T) {
	mgr := epoch.NewManager(1)
	h := NewHashmap("m", 4, 4, 2, mgr)

	if res := h.Update(key4(1), key4(1), lcmapi.UpdateAny); res != lcmapi.MapSuccess {
		t.Fatalf("insert 1 failed: %v", res)
	}
	if res := h.Update(key4(2), key4(2), lcmapi.UpdateAny); res != lcmapi.MapSuccess {
		t.Fatalf("insert 2 failed: %v", res)
	}
	if res := h.Update(key4(3), key4(3), lcmapi.UpdateAny); res != lcmapi.MapFull {
		t.Fatalf("expected MapFull at max_entries, got %v", res)
	}
}

func TestHashmapClear(t *testing.T) {
	mgr := epoch.NewManager(1)
	h := NewHashmap("m", 4, 4, 8, mgr)

	for i := uint32(1); i <= 4; i++ {
		if res := h.Update(key4(i), key4(i), lcmapi.UpdateAny); res != lcmapi.MapSuccess {
			t.Fatalf("insert %d failed: %v", i, res)
		}
	}
	if res := h.Clear(); res != lcmapi.MapSuccess {
		t.Fatalf("clear failed: %v", res)
	}
	if size, _ := h.Size(); size != 0 {
		t.Fatalf("expected size 0 after clear, got %d", size)
	}
	for i := uint32(1); i <= 4; i++ {
		if h.Lookup(key4(i)) != nil {
			t.Fatalf("expected key %d gone after clear", i)
		}
	}
	// The table must still accept fresh inserts after clearing.
	if res := h.Update(key4(1), key4(9), lcmapi.UpdateAny); res != lcmapi.MapSuccess {
		t.Fatalf("insert after clear failed: %v", res)
	}
}

func TestHashmapDump(t *testing.T) {
	mgr := epoch.NewManager(1)
	h := NewHashmap("m", 4, 4, 8, mgr)

	if res := h.Update(key4(1), key4(100), lcmapi.UpdateAny); res != lcmapi.MapSuccess {
		t.Fatalf("insert failed: %v", res)
	}
	if res := h.Update(key4(2), key4(200), lcmapi.UpdateAny); res != lcmapi.MapSuccess {
		t.Fatalf("insert failed: %v", res)
	}

	dst := make([]byte, 16)
	if n := h.Dump(dst); n != 2 {
		t.Fatalf("expected 2 entries dumped, got %d", n)
	}
	if n := h.Dump(make([]byte, 4)); n != 0 {
		t.Fatalf("expected 0 entries dumped into an undersized buffer, got %d", n)
	}
}
