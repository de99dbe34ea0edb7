// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package lifecycle

import (
	"github.com/jbpf-go/jbpf/codelet"
	"github.com/jbpf-go/jbpf/lcmapi"
)

// linkGroup tracks every alias key currently pointing at one
// LinkedMap descriptor, so two descriptors can be unified in place
// when a later declaration's two aliases each already resolve to a
// distinct existing descriptor (duplicate-link tolerance).
type linkGroup struct {
	desc    *codelet.LinkedMap
	aliases map[string]bool
}

// seedLinkedMaps builds the alias table: for every declared
// (codelet, linked_map) pair, insert both alias keys pointing at one
// shared LinkedMap descriptor, unifying descriptors when both aliases
// already resolve to existing (possibly distinct) ones, and
// incrementing total_refs by exactly the number of missing aliases
// added in this step.
func seedLinkedMaps(req *lcmapi.LoadRequest) map[string]*codelet.LinkedMap {
	groups := make(map[string]*linkGroup)

	for i := range req.Codelets {
		cd := &req.Codelets[i]
		for _, lm := range cd.LinkedMaps {
			aliasA := cd.CodeletName + "_" + lm.MapName
			aliasB := lm.LinkedCodeletName + "_" + lm.LinkedMapName

			ga, okA := groups[aliasA]
			gb, okB := groups[aliasB]

			switch {
			case okA && okB && ga == gb:
				// Already unified; this declaration adds nothing new.
			case okA && okB:
				for alias := range gb.aliases {
					if !ga.aliases[alias] {
						ga.aliases[alias] = true
						groups[alias] = ga
					}
				}
				ga.desc.TotalRefs += gb.desc.TotalRefs
			case okA:
				ga.aliases[aliasB] = true
				groups[aliasB] = ga
				ga.desc.TotalRefs++
			case okB:
				gb.aliases[aliasA] = true
				groups[aliasA] = gb
				gb.desc.TotalRefs++
			default:
				desc := &codelet.LinkedMap{TotalRefs: 2}
				g := &linkGroup{desc: desc, aliases: map[string]bool{aliasA: true, aliasB: true}}
				groups[aliasA] = g
				groups[aliasB] = g
			}
		}
	}

	out := make(map[string]*codelet.LinkedMap, len(groups))
	for alias, g := range groups {
		out[alias] = g.desc
	}
	return out
}
