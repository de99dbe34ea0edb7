// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package lcmipc is the LCM-IPC socket server: a thin
// UNIX-domain stream socket framing layer that decodes one
// fixed-size binary request per connection and delegates to the
// lifecycle controller (via agent.Agent).
//
// lcmapi stays pure data/validation; the fixed-width wire structs
// and their (en|de)coding live here.
package lcmipc

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/jbpf-go/jbpf/lcmapi"
)

// msgType mirrors jbpf_lcm_ipc_req_msg_type_e.
type msgType uint32

const (
	msgCodeletSetLoad msgType = iota
	msgCodeletSetUnload
)

// reqOutcome mirrors jbpf_lcm_ipc_req_outcome_e — the two-valued wire
// outcome, distinct from lcmapi.Outcome's richer taxonomy; the
// specific Outcome only ever reaches the caller as text in err_msg.
type reqOutcome uint32

const (
	reqSuccess reqOutcome = iota
	reqFail
)

// Field widths, carried unchanged from jbpf_lcm_api.h.
const (
	wireNameLen    = lcmapi.CodeletSetNameLen // == CodeletNameLen == HookNameLen == PathLen == MapNameLen == IOChannelNameLen (all 256)
	wireErrMsgLen  = lcmapi.MaxErrMsgSize
	wireStreamLen  = lcmapi.StreamIDLen
	wireMaxIO      = lcmapi.MaxIOChannel
	wireMaxLinks   = lcmapi.MaxLinkedMaps
	wireMaxCodelet = lcmapi.MaxCodeletsInCodeletSet
)

type wireFixedStr [wireNameLen]byte

func (s *wireFixedStr) set(v string) error {
	if len(v) >= wireNameLen {
		return fmt.Errorf("lcmipc: field %q exceeds wire length %d", v, wireNameLen-1)
	}
	*s = wireFixedStr{}
	copy(s[:], v)
	return nil
}

func (s wireFixedStr) get() string {
	n := bytes.IndexByte(s[:], 0)
	if n < 0 {
		n = len(s)
	}
	return string(s[:n])
}

type wireIOChannel struct {
	Name      wireFixedStr
	StreamID  [wireStreamLen]byte
	HasSerde  uint32
	SerdePath wireFixedStr
}

type wireLinkedMap struct {
	MapName           wireFixedStr
	LinkedCodeletName wireFixedStr
	LinkedMapName     wireFixedStr
}

type wireCodeletDescriptor struct {
	CodeletName      wireFixedStr
	HookName         wireFixedStr
	CodeletPath      wireFixedStr
	Priority         uint32
	RuntimeThreshold uint32
	NumInIO          uint32
	InIO             [wireMaxIO]wireIOChannel
	NumOutIO         uint32
	OutIO            [wireMaxIO]wireIOChannel
	NumLinkedMaps    uint32
	LinkedMaps       [wireMaxLinks]wireLinkedMap
}

// wireLoadReq mirrors jbpf_codeletset_load_req_s.
type wireLoadReq struct {
	CodeletSetName wireFixedStr
	NumCodelets    uint32
	Codelets       [wireMaxCodelet]wireCodeletDescriptor
}

// wireUnloadReq mirrors jbpf_codeletset_unload_req_s.
type wireUnloadReq struct {
	CodeletSetName wireFixedStr
}

// wireResp mirrors jbpf_lcm_ipc_resp_msg_s.
type wireResp struct {
	Outcome reqOutcome
	ErrMsg  [wireErrMsgLen]byte
}

func setErrMsg(dst *[wireErrMsgLen]byte, msg string) {
	// longer messages are truncated at 1023 bytes + trailing NUL
	if len(msg) > wireErrMsgLen-1 {
		msg = msg[:wireErrMsgLen-1]
	}
	*dst = [wireErrMsgLen]byte{}
	copy(dst[:], msg)
}

func getErrMsg(src [wireErrMsgLen]byte) string {
	n := bytes.IndexByte(src[:], 0)
	if n < 0 {
		n = len(src)
	}
	return string(src[:n])
}

func encodeIOChannel(w *wireIOChannel, ch *lcmapi.IOChannelDescriptor) error {
	if err := w.Name.set(ch.Name); err != nil {
		return err
	}
	w.StreamID = [wireStreamLen]byte(ch.StreamID)
	if ch.Serde.HasSerde {
		w.HasSerde = 1
		if err := w.SerdePath.set(ch.Serde.FilePath); err != nil {
			return err
		}
	}
	return nil
}

func decodeIOChannel(w *wireIOChannel) lcmapi.IOChannelDescriptor {
	var ch lcmapi.IOChannelDescriptor
	ch.Name = w.Name.get()
	ch.StreamID = lcmapi.StreamID(w.StreamID)
	ch.HasStreamID = true
	if w.HasSerde != 0 {
		ch.Serde.HasSerde = true
		ch.Serde.FilePath = w.SerdePath.get()
	}
	return ch
}

// encodeLoadRequest converts a validated lcmapi.LoadRequest into its
// fixed-width wire form.
func encodeLoadRequest(req *lcmapi.LoadRequest) (*wireLoadReq, error) {
	if len(req.Codelets) > wireMaxCodelet {
		return nil, fmt.Errorf("lcmipc: %d codelet descriptors exceeds wire capacity %d", len(req.Codelets), wireMaxCodelet)
	}
	var w wireLoadReq
	if err := w.CodeletSetName.set(req.CodeletSetID.Name); err != nil {
		return nil, err
	}
	w.NumCodelets = uint32(len(req.Codelets))
	for i := range req.Codelets {
		cd := &req.Codelets[i]
		wc := &w.Codelets[i]
		if err := wc.CodeletName.set(cd.CodeletName); err != nil {
			return nil, err
		}
		if err := wc.HookName.set(cd.HookName); err != nil {
			return nil, err
		}
		if err := wc.CodeletPath.set(cd.CodeletPath); err != nil {
			return nil, err
		}
		wc.Priority = cd.Priority
		wc.RuntimeThreshold = cd.RuntimeThreshold

		if len(cd.InIOChannel) > wireMaxIO || len(cd.OutIOChannel) > wireMaxIO {
			return nil, fmt.Errorf("lcmipc: io channel count exceeds wire capacity %d", wireMaxIO)
		}
		wc.NumInIO = uint32(len(cd.InIOChannel))
		for j := range cd.InIOChannel {
			if err := encodeIOChannel(&wc.InIO[j], &cd.InIOChannel[j]); err != nil {
				return nil, err
			}
		}
		wc.NumOutIO = uint32(len(cd.OutIOChannel))
		for j := range cd.OutIOChannel {
			if err := encodeIOChannel(&wc.OutIO[j], &cd.OutIOChannel[j]); err != nil {
				return nil, err
			}
		}

		if len(cd.LinkedMaps) > wireMaxLinks {
			return nil, fmt.Errorf("lcmipc: linked map count exceeds wire capacity %d", wireMaxLinks)
		}
		wc.NumLinkedMaps = uint32(len(cd.LinkedMaps))
		for j := range cd.LinkedMaps {
			lm := &cd.LinkedMaps[j]
			wlm := &wc.LinkedMaps[j]
			if err := wlm.MapName.set(lm.MapName); err != nil {
				return nil, err
			}
			if err := wlm.LinkedCodeletName.set(lm.LinkedCodeletName); err != nil {
				return nil, err
			}
			if err := wlm.LinkedMapName.set(lm.LinkedMapName); err != nil {
				return nil, err
			}
		}
	}
	return &w, nil
}

func decodeLoadRequest(w *wireLoadReq) *lcmapi.LoadRequest {
	req := &lcmapi.LoadRequest{
		CodeletSetID: lcmapi.CodeletSetID{Name: w.CodeletSetName.get()},
	}
	n := int(w.NumCodelets)
	if n > wireMaxCodelet {
		n = wireMaxCodelet
	}
	req.Codelets = make([]lcmapi.CodeletDescriptor, n)
	for i := 0; i < n; i++ {
		wc := &w.Codelets[i]
		cd := &req.Codelets[i]
		cd.CodeletName = wc.CodeletName.get()
		cd.HookName = wc.HookName.get()
		cd.CodeletPath = wc.CodeletPath.get()
		cd.Priority = wc.Priority
		cd.RuntimeThreshold = wc.RuntimeThreshold

		nin := int(wc.NumInIO)
		if nin > wireMaxIO {
			nin = wireMaxIO
		}
		for j := 0; j < nin; j++ {
			cd.InIOChannel = append(cd.InIOChannel, decodeIOChannel(&wc.InIO[j]))
		}
		nout := int(wc.NumOutIO)
		if nout > wireMaxIO {
			nout = wireMaxIO
		}
		for j := 0; j < nout; j++ {
			cd.OutIOChannel = append(cd.OutIOChannel, decodeIOChannel(&wc.OutIO[j]))
		}
		nlm := int(wc.NumLinkedMaps)
		if nlm > wireMaxLinks {
			nlm = wireMaxLinks
		}
		for j := 0; j < nlm; j++ {
			wlm := &wc.LinkedMaps[j]
			cd.LinkedMaps = append(cd.LinkedMaps, lcmapi.LinkedMapDescriptor{
				MapName:           wlm.MapName.get(),
				LinkedCodeletName: wlm.LinkedCodeletName.get(),
				LinkedMapName:     wlm.LinkedMapName.get(),
			})
		}
	}
	return req
}

func encodeUnloadRequest(req *lcmapi.UnloadRequest) (*wireUnloadReq, error) {
	var w wireUnloadReq
	if err := w.CodeletSetName.set(req.CodeletSetID.Name); err != nil {
		return nil, err
	}
	return &w, nil
}

func decodeUnloadRequest(w *wireUnloadReq) *lcmapi.UnloadRequest {
	return &lcmapi.UnloadRequest{CodeletSetID: lcmapi.CodeletSetID{Name: w.CodeletSetName.get()}}
}

// writeMsg serializes msgType + a fixed-width payload to w.
func writeMsg(w *bytes.Buffer, typ msgType, payload interface{}) error {
	if err := binary.Write(w, binary.LittleEndian, typ); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, payload)
}
