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

package classify

import (
	"sort"

	"flowlens"
)

// signal is one weighted behavioral indicator. eval returns match strength
// in [0,1].
type signal struct {
	weight float64
	eval   func(*flowlens.AssetFeatures) float64
}

func boolSignal(b func(*flowlens.AssetFeatures) bool) func(*flowlens.AssetFeatures) float64 {
	return func(f *flowlens.AssetFeatures) float64 {
		if b(f) {
			return 1
		}
		return 0
	}
}

// ratio01 clamps v/scale to [0,1].
func ratio01(v, scale float64) float64 {
	if scale <= 0 || v <= 0 {
		return 0
	}
	if v >= scale {
		return 1
	}
	return v / scale
}

// inboundDominance is the share of flows arriving at the asset.
func inboundDominance(f *flowlens.AssetFeatures) float64 {
	if f.TotalFlows == 0 {
		return 0
	}
	return float64(f.FlowsIn) / float64(f.TotalFlows)
}

func outboundDominance(f *flowlens.AssetFeatures) float64 {
	if f.TotalFlows == 0 {
		return 0
	}
	return float64(f.FlowsOut) / float64(f.TotalFlows)
}

func hasListeners(f *flowlens.AssetFeatures) bool {
	return len(f.PersistentListenerPorts) > 0
}

// heuristicSignals is the per-type signal bag. Weights within a bag need not
// sum to 1; scores are normalized against the bag's total weight.
var heuristicSignals = map[flowlens.AssetType][]signal{
	flowlens.TypeDatabase: {
		{0.40, boolSignal(func(f *flowlens.AssetFeatures) bool { return f.HasDBPorts })},
		{0.20, inboundDominance},
		{0.20, boolSignal(hasListeners)},
		{0.10, func(f *flowlens.AssetFeatures) float64 { return ratio01(float64(f.FanIn), 20) }},
		{0.10, func(f *flowlens.AssetFeatures) float64 { return f.WellKnownPortRatio }},
	},
	flowlens.TypeStorage: {
		{0.45, boolSignal(func(f *flowlens.AssetFeatures) bool { return f.HasStoragePorts })},
		{0.25, func(f *flowlens.AssetFeatures) float64 { return ratio01(f.AvgPacketSize, 1200) }},
		{0.15, inboundDominance},
		{0.15, boolSignal(hasListeners)},
	},
	flowlens.TypeLoadBalancer: {
		{0.30, boolSignal(func(f *flowlens.AssetFeatures) bool { return f.HasWebPorts })},
		{0.25, func(f *flowlens.AssetFeatures) float64 { return ratio01(float64(f.FanIn), 50) }},
		{0.25, func(f *flowlens.AssetFeatures) float64 { return ratio01(float64(f.FanOut), 20) }},
		{0.20, func(f *flowlens.AssetFeatures) float64 { return ratio01(f.ConnectionChurn, 0.5) }},
	},
	flowlens.TypeServer: {
		{0.30, boolSignal(hasListeners)},
		{0.25, inboundDominance},
		{0.20, func(f *flowlens.AssetFeatures) float64 { return f.WellKnownPortRatio }},
		{0.15, func(f *flowlens.AssetFeatures) float64 { return ratio01(float64(f.FanIn), 10) }},
		{0.10, func(f *flowlens.AssetFeatures) float64 { return ratio01(float64(f.ActiveHours), 20) }},
	},
	flowlens.TypeWorkstation: {
		{0.35, outboundDominance},
		{0.25, boolSignal(func(f *flowlens.AssetFeatures) bool { return !hasListeners(f) })},
		{0.25, func(f *flowlens.AssetFeatures) float64 { return f.BusinessHoursRatio }},
		{0.15, func(f *flowlens.AssetFeatures) float64 { return ratio01(float64(f.UniqueSrcPorts), 50) }},
	},
	flowlens.TypeNetworkDevice: {
		{0.35, func(f *flowlens.AssetFeatures) float64 {
			icmp := f.ProtocolDistribution[flowlens.ProtocolICMP] + f.ProtocolDistribution[flowlens.ProtocolICMPv6]
			return ratio01(icmp, 0.3)
		}},
		{0.30, func(f *flowlens.AssetFeatures) float64 { return ratio01(float64(f.FanIn+f.FanOut), 100) }},
		{0.20, boolSignal(func(f *flowlens.AssetFeatures) bool { return f.HasSSHPorts })},
		{0.15, func(f *flowlens.AssetFeatures) float64 {
			if f.TotalFlows == 0 {
				return 0
			}
			// Management-plane traffic: many small flows.
			perFlow := float64(f.BytesIn+f.BytesOut) / float64(f.TotalFlows)
			return 1 - ratio01(perFlow, 10000)
		}},
	},
}

// HeuristicScores evaluates every type's signal bag against the features and
// returns the score map, normalized to [0,100] per type.
func HeuristicScores(f *flowlens.AssetFeatures) map[flowlens.AssetType]float64 {
	scores := make(map[flowlens.AssetType]float64, len(heuristicSignals))
	for t, bag := range heuristicSignals {
		var total, acc float64
		for _, s := range bag {
			total += s.weight
			acc += s.weight * s.eval(f)
		}
		if total > 0 {
			scores[t] = acc / total * 100
		}
	}
	return scores
}

// TopType returns the best-scoring type and its confidence in [0,1].
// Ties break by type name so the result is deterministic.
func TopType(scores map[flowlens.AssetType]float64) (flowlens.AssetType, float64) {
	types := make([]flowlens.AssetType, 0, len(scores))
	for t := range scores {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	best := flowlens.TypeUnknown
	bestScore := 0.0
	for _, t := range types {
		if scores[t] > bestScore {
			best, bestScore = t, scores[t]
		}
	}
	return best, bestScore / 100
}
