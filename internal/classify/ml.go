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
	"math"
	"sort"

	"flowlens"
)

// Vectorize flattens a feature row into the fixed-order vector the model
// consumes. Counts are log-scaled so one chatty asset does not dominate.
func Vectorize(f *flowlens.AssetFeatures) []float64 {
	return []float64{
		logScale(float64(f.FlowsIn)),
		logScale(float64(f.FlowsOut)),
		logScale(float64(f.BytesIn)),
		logScale(float64(f.BytesOut)),
		logScale(float64(f.FanIn)),
		logScale(float64(f.FanOut)),
		logScale(float64(f.UniqueSrcPorts)),
		logScale(float64(f.UniqueDstPorts)),
		f.WellKnownPortRatio,
		f.EphemeralPortRatio,
		logScale(float64(len(f.PersistentListenerPorts))),
		f.AvgPacketSize / 1500,
		f.ConnectionChurn,
		float64(f.ActiveHours) / 24,
		f.BusinessHoursRatio,
		b2f(f.HasDBPorts),
		b2f(f.HasStoragePorts),
		b2f(f.HasWebPorts),
		b2f(f.HasSSHPorts),
	}
}

func logScale(v float64) float64 {
	return math.Log1p(v) / 20
}

func b2f(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Predictor is the runtime side of an activated model.
type Predictor interface {
	// Predict returns the most probable type and the full probability
	// distribution over known types.
	Predict(vector []float64) (flowlens.AssetType, map[flowlens.AssetType]float64)
	// Version matches the registry row the predictor was built from.
	Version() string
}

// CentroidModel is a nearest-centroid classifier: one reference vector per
// type, with probabilities from a softmax over negative distances. It is the
// shape models arrive in from the registry's trained payloads.
type CentroidModel struct {
	version   string
	centroids map[flowlens.AssetType][]float64
}

// NewCentroidModel builds a predictor from per-type centroid vectors.
func NewCentroidModel(version string, centroids map[flowlens.AssetType][]float64) *CentroidModel {
	return &CentroidModel{version: version, centroids: centroids}
}

func (m *CentroidModel) Version() string { return m.version }

// Predict scores the vector against every centroid.
func (m *CentroidModel) Predict(vector []float64) (flowlens.AssetType, map[flowlens.AssetType]float64) {
	if len(m.centroids) == 0 {
		return flowlens.TypeUnknown, nil
	}

	types := make([]flowlens.AssetType, 0, len(m.centroids))
	for t := range m.centroids {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	dist := make(map[flowlens.AssetType]float64, len(types))
	for _, t := range types {
		dist[t] = euclidean(vector, m.centroids[t])
	}

	// Softmax over negative distance: closer centroid, higher probability.
	var sum float64
	probs := make(map[flowlens.AssetType]float64, len(types))
	for _, t := range types {
		p := math.Exp(-dist[t])
		probs[t] = p
		sum += p
	}
	best := flowlens.TypeUnknown
	bestP := 0.0
	for _, t := range types {
		probs[t] /= sum
		if probs[t] > bestP {
			best, bestP = t, probs[t]
		}
	}
	return best, probs
}

func euclidean(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sq float64
	for i := 0; i < n; i++ {
		d := a[i] - b[i]
		sq += d * d
	}
	// Dimensions one side lacks count as fully distant.
	for i := n; i < len(a); i++ {
		sq += a[i] * a[i]
	}
	for i := n; i < len(b); i++ {
		sq += b[i] * b[i]
	}
	return math.Sqrt(sq)
}
