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

// Package graph runs topology analytics over the dependency edge set:
// traversals, best-path search, blast radius, impact scoring, and SPOF
// estimation. Every operation snapshots the edges valid at a reference time
// and works in memory, so analytics never hold store locks while walking.
package graph

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"flowlens"
	"flowlens/internal/cache"
	"flowlens/internal/store"
	"flowlens/internal/telemetry"
)

// Direction selects which way a traversal walks the directed edges.
type Direction string

// Traversal directions. Downstream follows edges source→target (what the
// root depends on); upstream follows them target→source (what depends on
// the root).
const (
	Downstream Direction = "downstream"
	Upstream   Direction = "upstream"
)

// PathCriterion selects what "best" means for Path.
type PathCriterion string

// Path criteria.
const (
	ByHops    PathCriterion = "hops"
	ByBytes   PathCriterion = "bytes"
	ByFlows   PathCriterion = "flows"
	ByLatency PathCriterion = "latency"
)

// FailureType scales impact severity.
type FailureType string

// Failure types for impact analysis.
const (
	FailureComplete     FailureType = "complete"
	FailureDegraded     FailureType = "degraded"
	FailureIntermittent FailureType = "intermittent"
)

// RiskLevel is the coarse SPOF bucket.
type RiskLevel string

// SPOF risk levels.
const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// EdgeSummary is the per-edge payload attached to traversal nodes.
type EdgeSummary struct {
	DependencyID uuid.UUID
	TargetPort   uint16
	Protocol     uint8
	BytesLast24h uint64
	FlowsTotal   uint64
	IsCritical   bool
}

// TraversalNode is one asset reached by Traverse.
type TraversalNode struct {
	AssetID uuid.UUID
	Depth   int
	// Path is the asset chain from the root to this node, inclusive.
	Path []uuid.UUID
	// Edge summarizes the edge this node was reached through.
	Edge EdgeSummary
}

// CycleRef records a back-edge found during traversal. The edge is reported,
// not followed.
type CycleRef struct {
	From uuid.UUID
	To   uuid.UUID
}

// Traversal is the result of Traverse.
type Traversal struct {
	Root   uuid.UUID
	Nodes  []TraversalNode
	Cycles []CycleRef
}

// PathResult is the single best path found by Path.
type PathResult struct {
	Assets []uuid.UUID
	Edges  []EdgeSummary

	Hops         int
	TotalBytes   uint64
	TotalFlows   uint64
	TotalLatency float64
}

// AffectedAsset is one entry in a blast radius.
type AffectedAsset struct {
	ID         uuid.UUID
	Name       string
	Depth      int
	IsCritical bool
}

// BlastRadius is the set of transitive upstream dependents of an asset.
// Affected is empty, never nil, when nothing depends on the asset.
type BlastRadius struct {
	AssetID          uuid.UUID
	TotalAffected    int
	CriticalAffected int
	Affected         []AffectedAsset
}

// Impact is the outcome of a failure simulation.
type Impact struct {
	AssetID     uuid.UUID
	FailureType FailureType

	DirectlyAffected   []AffectedAsset
	IndirectlyAffected []AffectedAsset

	// SeverityScore is bounded to [0,100].
	SeverityScore float64
}

// SPOFCandidate is one asset ranked by betweenness centrality.
type SPOFCandidate struct {
	AssetID    uuid.UUID
	Name       string
	RiskScore  float64
	RiskLevel  RiskLevel
	IsCritical bool
}

// Engine answers graph analytics against the store.
type Engine struct {
	st    store.Store
	cache *cache.TTL
	log   *zap.Logger
}

// NewEngine builds an analytics engine over the store.
func NewEngine(st store.Store, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{st: st, log: log}
}

// SetCache enables result caching for the repeat-read operations. The edge
// pipeline invalidates the topology prefix on every mutation, so cached
// results only outlive the data by the cache TTL when the pipeline is idle.
func (e *Engine) SetCache(c *cache.TTL) { e.cache = c }

// cached looks up the result for op+inputs, if caching is on.
func (e *Engine) cached(op string, inputs map[string]any) (string, any, bool) {
	if e.cache == nil {
		return "", nil, false
	}
	inputs["op"] = op
	key, err := cache.Key(cache.TopologyPrefix, inputs)
	if err != nil {
		return "", nil, false
	}
	v, ok := e.cache.Get(key)
	return key, v, ok
}

func (e *Engine) remember(key string, v any) {
	if e.cache != nil && key != "" {
		e.cache.Set(key, v)
	}
}

// snapshot is an in-memory adjacency view of the edges valid at one instant.
type snapshot struct {
	out map[uuid.UUID][]*flowlens.Dependency
	in  map[uuid.UUID][]*flowlens.Dependency
}

// load snapshots the edge set valid at t. The zero time means now. Ignored
// edges are invisible to analytics.
func (e *Engine) load(ctx context.Context, at time.Time) (*snapshot, error) {
	var (
		deps []*flowlens.Dependency
		err  error
	)
	if at.IsZero() {
		deps, err = e.st.CurrentDependencies(ctx)
	} else {
		deps, err = e.st.DependenciesAt(ctx, at)
	}
	if err != nil {
		return nil, fmt.Errorf("load edges: %w", err)
	}
	s := &snapshot{
		out: make(map[uuid.UUID][]*flowlens.Dependency),
		in:  make(map[uuid.UUID][]*flowlens.Dependency),
	}
	for _, d := range deps {
		if d.IsIgnored {
			continue
		}
		s.out[d.SourceAssetID] = append(s.out[d.SourceAssetID], d)
		s.in[d.TargetAssetID] = append(s.in[d.TargetAssetID], d)
	}
	return s, nil
}

// neighbors returns the edges leaving id in the walk direction, and the
// asset on the far end of each.
func (s *snapshot) neighbors(id uuid.UUID, dir Direction) ([]*flowlens.Dependency, func(*flowlens.Dependency) uuid.UUID) {
	if dir == Upstream {
		return s.in[id], func(d *flowlens.Dependency) uuid.UUID { return d.SourceAssetID }
	}
	return s.out[id], func(d *flowlens.Dependency) uuid.UUID { return d.TargetAssetID }
}

func summarize(d *flowlens.Dependency) EdgeSummary {
	return EdgeSummary{
		DependencyID: d.ID,
		TargetPort:   d.TargetPort,
		Protocol:     d.Protocol,
		BytesLast24h: d.BytesLast24h,
		FlowsTotal:   d.FlowsTotal,
		IsCritical:   d.IsCritical,
	}
}

func observe(op string, started time.Time) {
	telemetry.GraphTraversalDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

// Traverse walks the graph breadth-first from root. maxDepth <= 0 means
// unbounded. Back-edges to already-visited assets are reported as cycles and
// not followed. The reference time at selects the edge set; zero means now.
func (e *Engine) Traverse(ctx context.Context, root uuid.UUID, dir Direction, maxDepth int, at time.Time) (*Traversal, error) {
	defer observe("traverse", time.Now())

	key, hit, ok := e.cached("traverse", map[string]any{
		"root": root.String(), "dir": string(dir), "max_depth": maxDepth, "at": at.UnixNano(),
	})
	if ok {
		if t, valid := hit.(*Traversal); valid {
			return t, nil
		}
	}

	s, err := e.load(ctx, at)
	if err != nil {
		return nil, err
	}

	result := &Traversal{Root: root, Nodes: []TraversalNode{}}
	visited := map[uuid.UUID]bool{root: true}

	type frame struct {
		id    uuid.UUID
		depth int
		path  []uuid.UUID
	}
	queue := []frame{{id: root, depth: 0, path: []uuid.UUID{root}}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if maxDepth > 0 && cur.depth >= maxDepth {
			continue
		}
		edges, far := s.neighbors(cur.id, dir)
		for _, d := range edges {
			next := far(d)
			if visited[next] {
				result.Cycles = append(result.Cycles, CycleRef{From: cur.id, To: next})
				continue
			}
			visited[next] = true
			path := append(append([]uuid.UUID{}, cur.path...), next)
			result.Nodes = append(result.Nodes, TraversalNode{
				AssetID: next,
				Depth:   cur.depth + 1,
				Path:    path,
				Edge:    summarize(d),
			})
			queue = append(queue, frame{id: next, depth: cur.depth + 1, path: path})
		}
	}
	e.remember(key, result)
	return result, nil
}

// pathSearchDepthLimit bounds the simple-path enumeration for the cumulative
// criteria, where shortest-path machinery does not apply.
const pathSearchDepthLimit = 12

// Path returns the single best path from source to target by the criterion:
// fewest hops, greatest cumulative bytes or flows, or least cumulative
// latency. Ties break by total hops, then by lexicographic asset order.
// The cumulative criteria enumerate simple paths of at most
// pathSearchDepthLimit hops; a path that exists only beyond that depth is
// reported as flowlens.ErrNotFound. flowlens.ErrNotFound is also returned
// when no path exists at all.
func (e *Engine) Path(ctx context.Context, source, target uuid.UUID, criterion PathCriterion, at time.Time) (*PathResult, error) {
	defer observe("path", time.Now())

	s, err := e.load(ctx, at)
	if err != nil {
		return nil, err
	}

	var best *PathResult
	var walk func(cur uuid.UUID, path []uuid.UUID, edges []*flowlens.Dependency, onPath map[uuid.UUID]bool)
	walk = func(cur uuid.UUID, path []uuid.UUID, edges []*flowlens.Dependency, onPath map[uuid.UUID]bool) {
		if cur == target {
			cand := buildPathResult(path, edges)
			if best == nil || better(cand, best, criterion) {
				best = cand
			}
			return
		}
		if len(path) > pathSearchDepthLimit {
			return
		}
		for _, d := range s.out[cur] {
			next := d.TargetAssetID
			if onPath[next] {
				continue
			}
			onPath[next] = true
			walk(next, append(path, next), append(edges, d), onPath)
			delete(onPath, next)
		}
	}
	walk(source, []uuid.UUID{source}, nil, map[uuid.UUID]bool{source: true})

	if best == nil {
		return nil, flowlens.ErrNotFound
	}
	return best, nil
}

func buildPathResult(path []uuid.UUID, edges []*flowlens.Dependency) *PathResult {
	r := &PathResult{
		Assets: append([]uuid.UUID{}, path...),
		Hops:   len(edges),
	}
	for _, d := range edges {
		r.Edges = append(r.Edges, summarize(d))
		r.TotalBytes += d.BytesLast24h
		r.TotalFlows += d.FlowsTotal
		r.TotalLatency += d.AvgLatencyMs
	}
	return r
}

// better reports whether a beats b under the criterion, applying the
// hops-then-lexicographic tie-break.
func better(a, b *PathResult, criterion PathCriterion) bool {
	switch criterion {
	case ByBytes:
		if a.TotalBytes != b.TotalBytes {
			return a.TotalBytes > b.TotalBytes
		}
	case ByFlows:
		if a.TotalFlows != b.TotalFlows {
			return a.TotalFlows > b.TotalFlows
		}
	case ByLatency:
		if a.TotalLatency != b.TotalLatency {
			return a.TotalLatency < b.TotalLatency
		}
	default: // hops
	}
	if a.Hops != b.Hops {
		return a.Hops < b.Hops
	}
	return lexLess(a.Assets, b.Assets)
}

func lexLess(a, b []uuid.UUID) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i].String() < b[i].String()
		}
	}
	return len(a) < len(b)
}

// BlastRadius returns the transitive upstream dependents of the asset. The
// affected list is empty, never nil, for a leaf.
func (e *Engine) BlastRadius(ctx context.Context, assetID uuid.UUID, maxDepth int, at time.Time) (*BlastRadius, error) {
	defer observe("blast_radius", time.Now())

	tr, err := e.Traverse(ctx, assetID, Upstream, maxDepth, at)
	if err != nil {
		return nil, err
	}
	br := &BlastRadius{AssetID: assetID, Affected: []AffectedAsset{}}
	for _, n := range tr.Nodes {
		aa, err := e.affected(ctx, n.AssetID, n.Depth)
		if err != nil {
			return nil, err
		}
		br.Affected = append(br.Affected, aa)
		br.TotalAffected++
		if aa.IsCritical {
			br.CriticalAffected++
		}
	}
	sort.Slice(br.Affected, func(i, j int) bool {
		if br.Affected[i].Depth != br.Affected[j].Depth {
			return br.Affected[i].Depth < br.Affected[j].Depth
		}
		return br.Affected[i].ID.String() < br.Affected[j].ID.String()
	})
	return br, nil
}

func (e *Engine) affected(ctx context.Context, id uuid.UUID, depth int) (AffectedAsset, error) {
	a, err := e.st.AssetByID(ctx, id)
	if err != nil {
		return AffectedAsset{}, fmt.Errorf("load asset %s: %w", id, err)
	}
	return AffectedAsset{ID: id, Name: a.Label(), Depth: depth, IsCritical: a.IsCritical}, nil
}

func failureWeight(ft FailureType) float64 {
	switch ft {
	case FailureDegraded:
		return 0.6
	case FailureIntermittent:
		return 0.3
	}
	return 1.0
}

// Impact simulates a failure of the asset. Direct dependents are depth 1;
// indirect covers the rest of the upstream closure when includeIndirect is
// set. The severity score weighs dependent counts, critical dependents, and
// the failure type, clamped to [0,100].
func (e *Engine) Impact(ctx context.Context, assetID uuid.UUID, ft FailureType, includeIndirect bool, maxDepth int, at time.Time) (*Impact, error) {
	defer observe("impact", time.Now())

	depth := maxDepth
	if !includeIndirect {
		depth = 1
	}
	tr, err := e.Traverse(ctx, assetID, Upstream, depth, at)
	if err != nil {
		return nil, err
	}

	imp := &Impact{
		AssetID:            assetID,
		FailureType:        ft,
		DirectlyAffected:   []AffectedAsset{},
		IndirectlyAffected: []AffectedAsset{},
	}
	criticalCount := 0
	for _, n := range tr.Nodes {
		aa, err := e.affected(ctx, n.AssetID, n.Depth)
		if err != nil {
			return nil, err
		}
		if aa.IsCritical {
			criticalCount++
		}
		if n.Depth == 1 {
			imp.DirectlyAffected = append(imp.DirectlyAffected, aa)
		} else {
			imp.IndirectlyAffected = append(imp.IndirectlyAffected, aa)
		}
	}

	root, err := e.st.AssetByID(ctx, assetID)
	if err != nil {
		return nil, fmt.Errorf("load asset %s: %w", assetID, err)
	}
	raw := 6.0*float64(len(imp.DirectlyAffected)) +
		2.0*float64(len(imp.IndirectlyAffected)) +
		15.0*float64(criticalCount)
	if root.IsCritical {
		raw += 20
	}
	imp.SeverityScore = failureWeight(ft) * raw
	if imp.SeverityScore > 100 {
		imp.SeverityScore = 100
	}
	return imp, nil
}

// SPOF ranks assets by betweenness centrality over the edge set, using
// Brandes' accumulation over the distinct asset pairs in the snapshot.
// Scores are normalized to [0,1] against the top candidate.
func (e *Engine) SPOF(ctx context.Context, limit int, at time.Time) ([]*SPOFCandidate, error) {
	defer observe("spof", time.Now())

	s, err := e.load(ctx, at)
	if err != nil {
		return nil, err
	}

	nodes := make(map[uuid.UUID]struct{})
	for id := range s.out {
		nodes[id] = struct{}{}
	}
	for id := range s.in {
		nodes[id] = struct{}{}
	}

	centrality := make(map[uuid.UUID]float64, len(nodes))
	for src := range nodes {
		brandesFrom(s, src, centrality)
	}

	var maxScore float64
	for _, c := range centrality {
		if c > maxScore {
			maxScore = c
		}
	}
	if maxScore == 0 {
		return []*SPOFCandidate{}, nil
	}

	out := make([]*SPOFCandidate, 0, len(centrality))
	for id, c := range centrality {
		if c == 0 {
			continue
		}
		a, err := e.st.AssetByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load asset %s: %w", id, err)
		}
		score := c / maxScore
		out = append(out, &SPOFCandidate{
			AssetID:    id,
			Name:       a.Label(),
			RiskScore:  score,
			RiskLevel:  riskLevel(score),
			IsCritical: a.IsCritical,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RiskScore != out[j].RiskScore {
			return out[i].RiskScore > out[j].RiskScore
		}
		return out[i].AssetID.String() < out[j].AssetID.String()
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func riskLevel(score float64) RiskLevel {
	switch {
	case score >= 0.75:
		return RiskCritical
	case score >= 0.50:
		return RiskHigh
	case score >= 0.25:
		return RiskMedium
	}
	return RiskLow
}

// brandesFrom runs one single-source phase of Brandes' betweenness algorithm
// and accumulates pair dependencies into centrality.
func brandesFrom(s *snapshot, src uuid.UUID, centrality map[uuid.UUID]float64) {
	var stack []uuid.UUID
	preds := make(map[uuid.UUID][]uuid.UUID)
	sigma := map[uuid.UUID]float64{src: 1}
	dist := map[uuid.UUID]int{src: 0}

	queue := []uuid.UUID{src}
	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]
		stack = append(stack, v)
		for _, d := range s.out[v] {
			w := d.TargetAssetID
			if _, seen := dist[w]; !seen {
				dist[w] = dist[v] + 1
				queue = append(queue, w)
			}
			if dist[w] == dist[v]+1 {
				sigma[w] += sigma[v]
				preds[w] = append(preds[w], v)
			}
		}
	}

	delta := make(map[uuid.UUID]float64)
	for i := len(stack) - 1; i >= 0; i-- {
		w := stack[i]
		for _, v := range preds[w] {
			delta[v] += sigma[v] / sigma[w] * (1 + delta[w])
		}
		if w != src {
			centrality[w] += delta[w]
		}
	}
}
