// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package lcmapi defines the wire-level data model shared by the
// lifecycle controller, the LCM-IPC socket server, and the lcm_cli
// tool: fixed-size request/response structs, the codelet/map/hook
// naming limits, and the small value types (StreamID, Outcome,
// MapResult) that travel across all three.
package lcmapi

// Field-length and capacity limits, carried unchanged from
// jbpf_lcm_api.h / jbpf_defs.h in the original source.
const (
	CodeletSetNameLen = 256
	CodeletNameLen    = 256
	HookNameLen       = 256
	PathLen           = 256
	IOChannelNameLen  = 256
	MapNameLen        = 256
	MaxErrMsgSize     = 1024

	MaxIOChannel             = 5
	MaxLinkedMaps            = 10
	MaxCodeletsInCodeletSet  = 16
	MaxCodeletSetDigestLen   = 1024
	StreamIDLen              = 16
	LinkedMapAliasNameLen    = 1024
	MaxRegThreads            = 32
	MaxLoadedCodeletSets     = 64
	MaxLoadedCodelets        = 1024
	MaxCodeletMaps           = 64
	MaxHelperFunc            = 512
	CustomHelperStartID      = 256
	MaintenanceCheckInterval = 100 // not read anywhere; the agent's perf aggregation cadence is Config.StatsInterval
)
