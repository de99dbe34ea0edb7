// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package lcmyaml decodes the YAML codeletset request shape into
// lcmapi's in-memory request types, expanding environment variables
// in codelet_path and serde file_path and deriving a stream id for
// any IO channel that doesn't supply a literal stream_id.
package lcmyaml

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/jbpf-go/jbpf/lcmapi"
)

const defaultPriority = 1 // JBPF_CODELET_PRIORITY_DEFAULT

type yamlSerde struct {
	FilePath string `yaml:"file_path"`
}

type yamlIOChannel struct {
	Name     string     `yaml:"name"`
	StreamID string     `yaml:"stream_id"`
	Serde    *yamlSerde `yaml:"serde"`
}

type yamlLinkedMap struct {
	MapName           string `yaml:"map_name"`
	LinkedCodeletName string `yaml:"linked_codelet_name"`
	LinkedMapName     string `yaml:"linked_map_name"`
}

type yamlCodelet struct {
	CodeletName      string          `yaml:"codelet_name"`
	HookName         string          `yaml:"hook_name"`
	CodeletPath      string          `yaml:"codelet_path"`
	Priority         *uint32         `yaml:"priority"`
	RuntimeThreshold uint32          `yaml:"runtime_threshold"`
	InIOChannel      []yamlIOChannel `yaml:"in_io_channel"`
	OutIOChannel     []yamlIOChannel `yaml:"out_io_channel"`
	LinkedMaps       []yamlLinkedMap `yaml:"linked_maps"`
}

type yamlCodeletSet struct {
	CodeletSetID      string        `yaml:"codeletset_id"`
	CodeletDescriptor []yamlCodelet `yaml:"codelet_descriptor"`
}

type yamlUnload struct {
	CodeletSetID string `yaml:"codeletset_id"`
}

// ParseLoadRequest decodes a codeletset load config into a validated
// lcmapi.LoadRequest. agentAddr seeds stream-id derivation for any
// channel that omits a literal stream_id, as
// [agent_addr, codeletset_name, codelet_name, hook_name, direction,
// channel_name].
func ParseLoadRequest(data []byte, agentAddr string) (*lcmapi.LoadRequest, error) {
	var doc yamlCodeletSet
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("lcmyaml: decode load request: %w", err)
	}
	if doc.CodeletSetID == "" || len(doc.CodeletDescriptor) == 0 {
		return nil, fmt.Errorf("lcmyaml: codeletset_id and codelet_descriptor are required")
	}

	req := &lcmapi.LoadRequest{
		CodeletSetID: lcmapi.CodeletSetID{Name: doc.CodeletSetID},
		Codelets:     make([]lcmapi.CodeletDescriptor, len(doc.CodeletDescriptor)),
	}

	for i := range doc.CodeletDescriptor {
		yc := &doc.CodeletDescriptor[i]
		if yc.CodeletName == "" || yc.HookName == "" || yc.CodeletPath == "" {
			return nil, fmt.Errorf("lcmyaml: codelet_descriptor[%d]: codelet_name, hook_name and codelet_path are required", i)
		}
		cd := &req.Codelets[i]
		cd.CodeletName = yc.CodeletName
		cd.HookName = yc.HookName
		cd.CodeletPath = os.ExpandEnv(yc.CodeletPath)
		if yc.Priority != nil {
			cd.Priority = *yc.Priority
		} else {
			cd.Priority = defaultPriority
		}
		cd.RuntimeThreshold = yc.RuntimeThreshold

		baseSeed := []string{agentAddr, doc.CodeletSetID, yc.CodeletName, yc.HookName}

		var err error
		cd.InIOChannel, err = convertChannels(yc.InIOChannel, append(append([]string{}, baseSeed...), "input"))
		if err != nil {
			return nil, fmt.Errorf("lcmyaml: codelet %q in_io_channel: %w", yc.CodeletName, err)
		}
		cd.OutIOChannel, err = convertChannels(yc.OutIOChannel, append(append([]string{}, baseSeed...), "output"))
		if err != nil {
			return nil, fmt.Errorf("lcmyaml: codelet %q out_io_channel: %w", yc.CodeletName, err)
		}

		cd.LinkedMaps = make([]lcmapi.LinkedMapDescriptor, len(yc.LinkedMaps))
		for j := range yc.LinkedMaps {
			cd.LinkedMaps[j] = lcmapi.LinkedMapDescriptor{
				MapName:           yc.LinkedMaps[j].MapName,
				LinkedCodeletName: yc.LinkedMaps[j].LinkedCodeletName,
				LinkedMapName:     yc.LinkedMaps[j].LinkedMapName,
			}
		}
	}

	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}

func convertChannels(ychans []yamlIOChannel, seed []string) ([]lcmapi.IOChannelDescriptor, error) {
	out := make([]lcmapi.IOChannelDescriptor, len(ychans))
	for i := range ychans {
		yc := &ychans[i]
		if yc.Name == "" {
			return nil, fmt.Errorf("io_channel[%d]: name is required", i)
		}
		ch := lcmapi.IOChannelDescriptor{Name: yc.Name}

		if yc.StreamID != "" {
			id, err := lcmapi.StreamIDFromHex(yc.StreamID)
			if err != nil {
				return nil, fmt.Errorf("io_channel[%d]: stream_id: %w", i, err)
			}
			ch.StreamID = id
		} else {
			elems := append(append([]string{}, seed...), yc.Name)
			id, err := lcmapi.DeriveStreamID(elems)
			if err != nil {
				return nil, fmt.Errorf("io_channel[%d]: %w", i, err)
			}
			ch.StreamID = id
		}
		ch.HasStreamID = true

		if yc.Serde != nil && yc.Serde.FilePath != "" {
			ch.Serde.HasSerde = true
			ch.Serde.FilePath = os.ExpandEnv(yc.Serde.FilePath)
		}
		out[i] = ch
	}
	return out, nil
}

// ParseUnloadRequest decodes a codeletset unload config into a
// validated lcmapi.UnloadRequest.
func ParseUnloadRequest(data []byte) (*lcmapi.UnloadRequest, error) {
	var doc yamlUnload
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("lcmyaml: decode unload request: %w", err)
	}
	if doc.CodeletSetID == "" {
		return nil, fmt.Errorf("lcmyaml: codeletset_id is required")
	}
	req := &lcmapi.UnloadRequest{CodeletSetID: lcmapi.CodeletSetID{Name: doc.CodeletSetID}}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}
