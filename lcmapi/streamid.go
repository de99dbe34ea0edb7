// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package lcmapi

import (
	"encoding/hex"
	"errors"
	"hash/fnv"
)

// DeriveStreamID computes a deterministic 16-byte stream id from a
// path of seed strings (agent address, codeletset name, codelet name,
// hook name, direction, channel name). Each 64-bit half is built from
// an independent FNV-1a stream over alternating seed values, so the
// result is stable across runs and across builds — std::hash-style
// implementation-defined hashing would not be.
func DeriveStreamID(seed []string) (StreamID, error) {
	var out StreamID
	if len(seed) == 0 {
		return out, errors.New("lcmapi: no seed values")
	}

	h1 := fnv.New64a()
	h2 := fnv.New64a()
	for i, s := range seed {
		if i%2 == 0 {
			h1.Write([]byte(s))
			h1.Write([]byte{0}) // separator so "ab","c" != "a","bc"
		} else {
			h2.Write([]byte(s))
			h2.Write([]byte{0})
		}
	}
	acc1 := h1.Sum64()
	acc2 := h2.Sum64()

	for i := 0; i < 8; i++ {
		out[i] = byte(acc1 >> (8 * i))
		out[i+8] = byte(acc2 >> (8 * i))
	}
	return out, nil
}

// StreamIDFromHex parses a literal operator-supplied stream id, e.g.
// "00112233445566778899AABBCCDDEEFF".
func StreamIDFromHex(s string) (StreamID, error) {
	var out StreamID
	if len(s) != StreamIDLen*2 {
		return out, errors.New("lcmapi: invalid hex string length")
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	copy(out[:], b)
	return out, nil
}
