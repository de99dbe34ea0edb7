// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package lcmapi

import "errors"

// SerdeDescriptor names an external serializer/deserializer object
// file attached to an I/O channel, by file path only — the LCM layer
// never inspects its contents.
type SerdeDescriptor struct {
	HasSerde bool
	FilePath string
}

// IOChannelDescriptor describes one in/out channel of a codelet,
// mirroring jbpf_io_channel_desc_s.
type IOChannelDescriptor struct {
	Name     string
	StreamID StreamID
	// HasStreamID distinguishes an operator-supplied literal StreamID
	// from one to be derived deterministically.
	HasStreamID bool
	Serde       SerdeDescriptor
}

// LinkedMapDescriptor names one side of a cross-codelet map alias,
// mirroring jbpf_linked_map_descriptor_s.
type LinkedMapDescriptor struct {
	MapName           string
	LinkedCodeletName string
	LinkedMapName     string
}

// CodeletDescriptor is one codelet entry of a load request, mirroring
// jbpf_codelet_descriptor_s.
type CodeletDescriptor struct {
	CodeletName      string
	HookName         string
	CodeletPath      string
	Priority         uint32
	RuntimeThreshold uint32 // ns, 0 = disabled
	InIOChannel      []IOChannelDescriptor
	OutIOChannel     []IOChannelDescriptor
	LinkedMaps       []LinkedMapDescriptor

	// Digest is an optional, opaque content-address for the codelet
	// object: reserved wire space that no component currently compares
	// against, carried through untouched.
	Digest []byte
}

// CodeletSetID names a codelet set, mirroring jbpf_codeletset_id_t.
type CodeletSetID struct {
	Name string
}

// LoadRequest mirrors jbpf_codeletset_load_req_s.
type LoadRequest struct {
	CodeletSetID CodeletSetID
	Codelets     []CodeletDescriptor
}

// UnloadRequest mirrors jbpf_codeletset_unload_req_s.
type UnloadRequest struct {
	CodeletSetID CodeletSetID
}

var (
	ErrEmptyField      = errors.New("lcmapi: required field is empty")
	ErrFieldTooLong    = errors.New("lcmapi: field exceeds its fixed wire length")
	ErrTooManyCodelets = errors.New("lcmapi: num_codelet_descriptors out of range")
	ErrTooManyChannels = errors.New("lcmapi: too many io channels on one codelet")
	ErrTooManyLinks    = errors.New("lcmapi: too many linked maps on one codelet")
	ErrDuplicateName   = errors.New("lcmapi: duplicate name where uniqueness is required")
	ErrSelfLinkedMap   = errors.New("lcmapi: a linked map cannot reference its own codelet")
)

func checkLen(field, value string, max int) error {
	if len(value) == 0 {
		return ErrEmptyField
	}
	if len(value) > max {
		return ErrFieldTooLong
	}
	return nil
}

// Validate performs request-shape validation: every string field
// non-empty and within its bound, map/link name uniqueness, no
// self-referencing linked map, and the codelet descriptor count in
// range. It does not check hook existence or capacity — those are
// lifecycle-controller concerns that need process-wide state.
func (r *LoadRequest) Validate() error {
	if err := checkLen("codeletset_id.name", r.CodeletSetID.Name, CodeletSetNameLen); err != nil {
		return err
	}
	if len(r.Codelets) == 0 || len(r.Codelets) > MaxCodeletsInCodeletSet {
		return ErrTooManyCodelets
	}

	seenCodelets := make(map[string]bool, len(r.Codelets))
	for i := range r.Codelets {
		c := &r.Codelets[i]
		if err := checkLen("codelet_name", c.CodeletName, CodeletNameLen); err != nil {
			return err
		}
		if err := checkLen("hook_name", c.HookName, HookNameLen); err != nil {
			return err
		}
		if err := checkLen("codelet_path", c.CodeletPath, PathLen); err != nil {
			return err
		}
		if seenCodelets[c.CodeletName] {
			return ErrDuplicateName
		}
		seenCodelets[c.CodeletName] = true

		if len(c.InIOChannel) > MaxIOChannel || len(c.OutIOChannel) > MaxIOChannel {
			return ErrTooManyChannels
		}
		if err := validateChannels(c.InIOChannel); err != nil {
			return err
		}
		if err := validateChannels(c.OutIOChannel); err != nil {
			return err
		}

		if len(c.LinkedMaps) > MaxLinkedMaps {
			return ErrTooManyLinks
		}
		seenMapNames := make(map[string]bool, len(c.LinkedMaps))
		seenTuples := make(map[[2]string]bool, len(c.LinkedMaps))
		for _, lm := range c.LinkedMaps {
			if err := checkLen("map_name", lm.MapName, MapNameLen); err != nil {
				return err
			}
			if err := checkLen("linked_codelet_name", lm.LinkedCodeletName, CodeletNameLen); err != nil {
				return err
			}
			if err := checkLen("linked_map_name", lm.LinkedMapName, MapNameLen); err != nil {
				return err
			}
			if lm.LinkedCodeletName == c.CodeletName {
				return ErrSelfLinkedMap
			}
			if seenMapNames[lm.MapName] {
				return ErrDuplicateName
			}
			seenMapNames[lm.MapName] = true

			tuple := [2]string{lm.LinkedCodeletName, lm.LinkedMapName}
			if seenTuples[tuple] {
				return ErrDuplicateName
			}
			seenTuples[tuple] = true
		}
	}
	return nil
}

func validateChannels(chans []IOChannelDescriptor) error {
	seen := make(map[string]bool, len(chans))
	for _, ch := range chans {
		if err := checkLen("io_channel.name", ch.Name, IOChannelNameLen); err != nil {
			return err
		}
		if ch.Serde.HasSerde {
			if err := checkLen("io_channel.serde.file_path", ch.Serde.FilePath, PathLen); err != nil {
				return err
			}
		}
		if seen[ch.Name] {
			return ErrDuplicateName
		}
		seen[ch.Name] = true
	}
	return nil
}

// Validate checks the unload request's required field.
func (r *UnloadRequest) Validate() error {
	return checkLen("codeletset_id.name", r.CodeletSetID.Name, CodeletSetNameLen)
}
