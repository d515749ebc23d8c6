// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package asset resolves IP addresses to assets, creating them on first
// observation and seeding their attributes from CIDR classification rules.
package asset

import (
	"sort"

	"net/netip"

	"flowlens"
)

// MatchRule returns the rule governing ip: the longest prefix wins, and among
// equal prefix lengths the smaller priority. Inactive rules and rules of the
// wrong address family never match. Returns nil when nothing matches.
func MatchRule(rules []*flowlens.ClassificationRule, ip netip.Addr) *flowlens.ClassificationRule {
	var best *flowlens.ClassificationRule
	for _, r := range rules {
		if !r.Active || !r.Matches(ip) {
			continue
		}
		if best == nil {
			best = r
			continue
		}
		if r.CIDR.Bits() > best.CIDR.Bits() ||
			(r.CIDR.Bits() == best.CIDR.Bits() && r.Priority < best.Priority) {
			best = r
		}
	}
	return best
}

// SmallestCoveringPrefix returns the tightest rule CIDR containing ip, used
// by gateway inference to name destination networks. Returns false when no
// rule covers the address.
func SmallestCoveringPrefix(rules []*flowlens.ClassificationRule, ip netip.Addr) (netip.Prefix, bool) {
	var best netip.Prefix
	found := false
	for _, r := range rules {
		if !r.Active || !r.Matches(ip) {
			continue
		}
		if !found || r.CIDR.Bits() > best.Bits() {
			best = r.CIDR
			found = true
		}
	}
	return best, found
}

// ApplyRule copies rule defaults into the asset's empty fields. Values the
// asset already carries are never overwritten: operator edits and earlier
// classifications always win over CIDR defaults.
func ApplyRule(a *flowlens.Asset, r *flowlens.ClassificationRule) {
	if r == nil {
		return
	}
	if a.Environment == "" {
		a.Environment = r.Environment
	}
	if a.Datacenter == "" {
		a.Datacenter = r.Datacenter
	}
	if a.Location == "" {
		a.Location = r.Location
	}
	if a.Owner == "" {
		a.Owner = r.DefaultOwner
	}
	if a.Team == "" {
		a.Team = r.DefaultTeam
	}
	if a.IsInternal == nil && r.IsInternal != nil {
		v := *r.IsInternal
		a.IsInternal = &v
	}
	if (a.AssetType == "" || a.AssetType == flowlens.TypeUnknown) && r.AssetType != "" {
		a.AssetType = r.AssetType
		a.ClassificationMethod = flowlens.ClassifiedByRule
	}
}

// SortRules orders rules the way the matcher prefers them: longest prefix
// first, then ascending priority. Useful for deterministic listings.
func SortRules(rules []*flowlens.ClassificationRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].CIDR.Bits() != rules[j].CIDR.Bits() {
			return rules[i].CIDR.Bits() > rules[j].CIDR.Bits()
		}
		return rules[i].Priority < rules[j].Priority
	})
}
