// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package iotransport

import (
	"bytes"
	"errors"
	"testing"

	"github.com/jbpf-go/jbpf/lcmapi"
)

func newChannel(t *testing.T, valueSize, maxEntries uint32) Channel {
	t.Helper()
	tr := NewMemTransport()
	ch, err := tr.CreateChannel(lcmapi.StreamID{0xaa}, DirOut, maxEntries, valueSize, lcmapi.SerdeDescriptor{})
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	return ch
}

func TestSubmitWithoutReserve(t *testing.T) {
	ch := newChannel(t, 4, 4)
	if err := ch.Submit(); !errors.Is(err, ErrNoReservation) {
		t.Fatalf("expected ErrNoReservation, got %v", err)
	}
}

func TestReserveSubmitRoundTrip(t *testing.T) {
	ch := newChannel(t, 4, 4)

	slot, err := ch.Reserve()
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	copy(slot, []byte{1, 2, 3, 4})
	if err := ch.Submit(); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	buf := make([]byte, 4)
	n, err := ch.Recv(buf)
	if err != nil || n != 1 {
		t.Fatalf("Recv: n=%d err=%v", n, err)
	}
	if !bytes.Equal(buf, []byte{1, 2, 3, 4}) {
		t.Fatalf("expected the submitted record, got %v", buf)
	}
}

func TestRecvShapeAndEmpty(t *testing.T) {
	ch := newChannel(t, 4, 4)

	if n, err := ch.Recv(make([]byte, 4)); n != 0 || err != nil {
		t.Fatalf("expected (0, nil) on empty, got (%d, %v)", n, err)
	}
	if _, err := ch.Recv(make([]byte, 2)); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestSendRecvFIFO(t *testing.T) {
	ch := newChannel(t, 4, 4)
	for i := byte(1); i <= 3; i++ {
		if err := ch.Send([]byte{i, 0, 0, 0}); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}
	for i := byte(1); i <= 3; i++ {
		buf := make([]byte, 4)
		n, err := ch.Recv(buf)
		if err != nil || n != 1 {
			t.Fatalf("Recv %d: n=%d err=%v", i, n, err)
		}
		if buf[0] != i {
			t.Fatalf("expected record %d, got %d", i, buf[0])
		}
	}
}

func TestLookupFindsCreatedChannel(t *testing.T) {
	tr := NewMemTransport()
	id := lcmapi.StreamID{0x01, 0x02}
	if _, ok := tr.Lookup(id); ok {
		t.Fatal("expected no channel before creation")
	}
	if _, err := tr.CreateChannel(id, DirOut, 4, 4, lcmapi.SerdeDescriptor{}); err != nil {
		t.Fatal(err)
	}
	if _, ok := tr.Lookup(id); !ok {
		t.Fatal("expected the channel to be discoverable by stream id")
	}
}
