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

package graph

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"flowlens"
	"flowlens/internal/cache"
	"flowlens/internal/store"
)

var testWindow = time.Date(2025, 10, 6, 12, 0, 0, 0, time.UTC)

type fixture struct {
	m      *store.Memory
	e      *Engine
	assets map[string]uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	m := store.NewMemory()
	return &fixture{m: m, e: NewEngine(m, zap.NewNop()), assets: map[string]uuid.UUID{}}
}

// asset creates a named asset; name "A" → 10.9.0.1 and so on by insertion
// order.
func (f *fixture) asset(t *testing.T, name string, critical bool) uuid.UUID {
	t.Helper()
	if id, ok := f.assets[name]; ok {
		return id
	}
	a := &flowlens.Asset{
		ID:         uuid.New(),
		IPAddress:  netip.MustParseAddr(fmt.Sprintf("10.9.0.%d", len(f.assets)+1)),
		Name:       name,
		IsCritical: critical,
		FirstSeen:  testWindow,
		LastSeen:   testWindow,
	}
	if err := f.m.CreateAsset(context.Background(), a); err != nil {
		t.Fatalf("create asset %s: %v", name, err)
	}
	f.assets[name] = a.ID
	return a.ID
}

// edge wires src → dst with the given 24h byte volume.
func (f *fixture) edge(t *testing.T, src, dst string, bytes uint64) *flowlens.Dependency {
	t.Helper()
	dep, _, err := f.m.ApplyEdgeDelta(context.Background(), store.EdgeDelta{
		Key: flowlens.EdgeKey{
			SourceAssetID: f.asset(t, src, false),
			TargetAssetID: f.asset(t, dst, false),
			TargetPort:    443,
			Protocol:      flowlens.ProtocolTCP,
		},
		WindowStart:  testWindow,
		WindowEnd:    testWindow.Add(time.Minute),
		Bytes:        bytes,
		Packets:      1,
		Flows:        1,
		DiscoveredBy: "netflow",
	})
	if err != nil {
		t.Fatalf("edge %s->%s: %v", src, dst, err)
	}
	return dep
}

func TestTraverseDownstreamReportsCycles(t *testing.T) {
	f := newFixture(t)
	f.edge(t, "A", "B", 10)
	f.edge(t, "B", "C", 10)
	f.edge(t, "C", "A", 10) // back-edge

	tr, err := f.e.Traverse(context.Background(), f.assets["A"], Downstream, 0, time.Time{})
	if err != nil {
		t.Fatalf("traverse: %v", err)
	}
	if len(tr.Nodes) != 2 {
		t.Fatalf("nodes = %d, want 2", len(tr.Nodes))
	}
	if tr.Nodes[0].AssetID != f.assets["B"] || tr.Nodes[0].Depth != 1 {
		t.Fatalf("first node: %+v", tr.Nodes[0])
	}
	if tr.Nodes[1].AssetID != f.assets["C"] || tr.Nodes[1].Depth != 2 {
		t.Fatalf("second node: %+v", tr.Nodes[1])
	}
	wantPath := []uuid.UUID{f.assets["A"], f.assets["B"], f.assets["C"]}
	for i, id := range wantPath {
		if tr.Nodes[1].Path[i] != id {
			t.Fatalf("path[%d] = %s, want %s", i, tr.Nodes[1].Path[i], id)
		}
	}
	if len(tr.Cycles) != 1 || tr.Cycles[0].From != f.assets["C"] || tr.Cycles[0].To != f.assets["A"] {
		t.Fatalf("cycles: %+v", tr.Cycles)
	}
}

func TestTraverseUpstreamAndDepthLimit(t *testing.T) {
	f := newFixture(t)
	f.edge(t, "A", "B", 10)
	f.edge(t, "B", "C", 10)

	tr, err := f.e.Traverse(context.Background(), f.assets["C"], Upstream, 1, time.Time{})
	if err != nil {
		t.Fatalf("traverse: %v", err)
	}
	if len(tr.Nodes) != 1 || tr.Nodes[0].AssetID != f.assets["B"] {
		t.Fatalf("depth-1 upstream: %+v", tr.Nodes)
	}
}

func TestPathByHopsPrefersDirect(t *testing.T) {
	f := newFixture(t)
	f.edge(t, "A", "B", 100)
	f.edge(t, "B", "D", 100)
	f.edge(t, "A", "D", 5)

	p, err := f.e.Path(context.Background(), f.assets["A"], f.assets["D"], ByHops, time.Time{})
	if err != nil {
		t.Fatalf("path: %v", err)
	}
	if p.Hops != 1 {
		t.Fatalf("hops = %d, want direct path", p.Hops)
	}
}

func TestPathByBytesPrefersHeavyRoute(t *testing.T) {
	f := newFixture(t)
	f.edge(t, "A", "B", 100)
	f.edge(t, "B", "D", 100)
	f.edge(t, "A", "D", 5)

	p, err := f.e.Path(context.Background(), f.assets["A"], f.assets["D"], ByBytes, time.Time{})
	if err != nil {
		t.Fatalf("path: %v", err)
	}
	if p.Hops != 2 || p.TotalBytes != 200 {
		t.Fatalf("bytes path: hops=%d bytes=%d", p.Hops, p.TotalBytes)
	}
	want := []uuid.UUID{f.assets["A"], f.assets["B"], f.assets["D"]}
	for i, id := range want {
		if p.Assets[i] != id {
			t.Fatalf("assets[%d] = %s, want %s", i, p.Assets[i], id)
		}
	}
}

func TestPathNotFound(t *testing.T) {
	f := newFixture(t)
	f.edge(t, "A", "B", 10)
	f.asset(t, "Z", false)

	_, err := f.e.Path(context.Background(), f.assets["A"], f.assets["Z"], ByHops, time.Time{})
	if !errors.Is(err, flowlens.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestBlastRadiusLeafIsEmptyNotNil(t *testing.T) {
	f := newFixture(t)
	leaf := f.asset(t, "L", false)

	br, err := f.e.BlastRadius(context.Background(), leaf, 0, time.Time{})
	if err != nil {
		t.Fatalf("blast radius: %v", err)
	}
	if br.Affected == nil {
		t.Fatal("affected list must never be nil")
	}
	if br.TotalAffected != 0 || br.CriticalAffected != 0 || len(br.Affected) != 0 {
		t.Fatalf("leaf blast radius: %+v", br)
	}
}

func TestBlastRadiusCountsCriticalDependents(t *testing.T) {
	f := newFixture(t)
	f.asset(t, "web", true)
	f.asset(t, "api", false)
	f.edge(t, "web", "db", 10) // web depends on db
	f.edge(t, "api", "db", 10)

	br, err := f.e.BlastRadius(context.Background(), f.assets["db"], 0, time.Time{})
	if err != nil {
		t.Fatalf("blast radius: %v", err)
	}
	if br.TotalAffected != 2 || br.CriticalAffected != 1 {
		t.Fatalf("blast radius: total=%d critical=%d", br.TotalAffected, br.CriticalAffected)
	}
	for _, aa := range br.Affected {
		if aa.Depth != 1 {
			t.Fatalf("depth = %d, want 1", aa.Depth)
		}
		if aa.Name == "" {
			t.Fatal("affected asset missing name")
		}
	}
}

func TestImpactSeverityScalesWithFailureType(t *testing.T) {
	f := newFixture(t)
	f.asset(t, "web", true)
	f.edge(t, "web", "db", 10)
	f.edge(t, "mid", "web", 10)

	ctx := context.Background()
	var scores []float64
	for _, ft := range []FailureType{FailureComplete, FailureDegraded, FailureIntermittent} {
		imp, err := f.e.Impact(ctx, f.assets["db"], ft, true, 0, time.Time{})
		if err != nil {
			t.Fatalf("impact %s: %v", ft, err)
		}
		if imp.SeverityScore < 0 || imp.SeverityScore > 100 {
			t.Fatalf("severity %f out of range", imp.SeverityScore)
		}
		if len(imp.DirectlyAffected) != 1 || len(imp.IndirectlyAffected) != 1 {
			t.Fatalf("%s affected: direct=%d indirect=%d", ft,
				len(imp.DirectlyAffected), len(imp.IndirectlyAffected))
		}
		scores = append(scores, imp.SeverityScore)
	}
	if !(scores[0] > scores[1] && scores[1] > scores[2]) {
		t.Fatalf("severity not monotone over failure types: %v", scores)
	}
}

func TestImpactDirectOnly(t *testing.T) {
	f := newFixture(t)
	f.edge(t, "web", "db", 10)
	f.edge(t, "mid", "web", 10)

	imp, err := f.e.Impact(context.Background(), f.assets["db"], FailureComplete, false, 0, time.Time{})
	if err != nil {
		t.Fatalf("impact: %v", err)
	}
	if len(imp.DirectlyAffected) != 1 || len(imp.IndirectlyAffected) != 0 {
		t.Fatalf("direct-only impact: %+v", imp)
	}
}

func TestSPOFRanksChokepoint(t *testing.T) {
	f := newFixture(t)
	// A and B reach C and D only through M.
	f.edge(t, "A", "M", 10)
	f.edge(t, "B", "M", 10)
	f.edge(t, "M", "C", 10)
	f.edge(t, "M", "D", 10)

	candidates, err := f.e.SPOF(context.Background(), 0, time.Time{})
	if err != nil {
		t.Fatalf("spof: %v", err)
	}
	if len(candidates) == 0 {
		t.Fatal("no spof candidates")
	}
	top := candidates[0]
	if top.AssetID != f.assets["M"] {
		t.Fatalf("top candidate = %s, want M", top.Name)
	}
	if top.RiskScore != 1.0 || top.RiskLevel != RiskCritical {
		t.Fatalf("top risk: score=%f level=%s", top.RiskScore, top.RiskLevel)
	}
}

func TestPointInTimeTraversal(t *testing.T) {
	f := newFixture(t)
	dep := f.edge(t, "A", "B", 10)

	closedAt := testWindow.Add(time.Hour)
	if err := f.m.InvalidateDependency(context.Background(), dep.ID, closedAt, flowlens.TransitionStale); err != nil {
		t.Fatalf("invalidate: %v", err)
	}

	// While the edge was live.
	tr, err := f.e.Traverse(context.Background(), f.assets["A"], Downstream, 0, testWindow.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("traverse at t0: %v", err)
	}
	if len(tr.Nodes) != 1 {
		t.Fatalf("live-era nodes = %d, want 1", len(tr.Nodes))
	}

	// After invalidation.
	tr, err = f.e.Traverse(context.Background(), f.assets["A"], Downstream, 0, closedAt.Add(time.Minute))
	if err != nil {
		t.Fatalf("traverse after close: %v", err)
	}
	if len(tr.Nodes) != 0 {
		t.Fatalf("post-close nodes = %d, want 0", len(tr.Nodes))
	}
}

func TestIgnoredEdgesInvisible(t *testing.T) {
	f := newFixture(t)
	dep := f.edge(t, "A", "B", 10)
	if err := f.m.SetDependencyFlags(context.Background(), dep.ID, false, false, true); err != nil {
		t.Fatalf("set flags: %v", err)
	}

	tr, err := f.e.Traverse(context.Background(), f.assets["A"], Downstream, 0, time.Time{})
	if err != nil {
		t.Fatalf("traverse: %v", err)
	}
	if len(tr.Nodes) != 0 {
		t.Fatalf("ignored edge traversed: %+v", tr.Nodes)
	}
}

func TestTraverseCachingAndInvalidation(t *testing.T) {
	f := newFixture(t)
	f.edge(t, "A", "B", 10)

	c := cache.New(cache.Config{DefaultTTL: time.Minute}, clock.NewMock(), zap.NewNop())
	defer c.Close()
	f.e.SetCache(c)

	tr, err := f.e.Traverse(context.Background(), f.assets["A"], Downstream, 0, time.Time{})
	if err != nil {
		t.Fatalf("traverse: %v", err)
	}
	if len(tr.Nodes) != 1 {
		t.Fatalf("nodes = %d, want 1", len(tr.Nodes))
	}

	// The store mutation below bypasses the edge pipeline, so the cached
	// result keeps serving until the prefix is invalidated.
	f.edge(t, "B", "C", 10)
	tr, err = f.e.Traverse(context.Background(), f.assets["A"], Downstream, 0, time.Time{})
	if err != nil {
		t.Fatalf("cached traverse: %v", err)
	}
	if len(tr.Nodes) != 1 {
		t.Fatalf("cached nodes = %d, want 1", len(tr.Nodes))
	}

	c.InvalidatePrefix(cache.TopologyPrefix)
	tr, err = f.e.Traverse(context.Background(), f.assets["A"], Downstream, 0, time.Time{})
	if err != nil {
		t.Fatalf("fresh traverse: %v", err)
	}
	if len(tr.Nodes) != 2 {
		t.Fatalf("fresh nodes = %d, want 2", len(tr.Nodes))
	}
}
