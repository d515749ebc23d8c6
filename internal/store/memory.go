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

package store

import (
	"context"
	"fmt"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"flowlens"
)

// trafficPoint is one window's byte contribution to an edge, kept so rolling
// 24h/7d counters can be recomputed exactly. Points older than 7 days are
// pruned as new ones arrive.
type trafficPoint struct {
	At    time.Time
	Bytes uint64
}

// Memory is an in-process Store. It backs tests and dependency-free runs and
// is the reference implementation for the transactional semantics the
// PostgreSQL store expresses in SQL: one mutex plays the role of row locks,
// so every method is linearizable.
type Memory struct {
	mu sync.Mutex

	flows      []*flowlens.FlowRecord
	aggregates map[flowlens.AggregateKey]*flowlens.FlowAggregate

	assets   map[uuid.UUID]*flowlens.Asset
	services map[uuid.UUID]*flowlens.Service
	rules    map[uuid.UUID]*flowlens.ClassificationRule

	deps       []*flowlens.Dependency
	depTraffic map[uuid.UUID][]trafficPoint
	depHistory []*flowlens.DependencyHistory

	observations []*flowlens.GatewayObservation
	gateways     []*flowlens.AssetGateway

	events  map[uuid.UUID]*flowlens.ChangeEvent
	alerts  map[uuid.UUID]*flowlens.Alert
	arules  map[uuid.UUID]*flowlens.AlertRule
	windows map[uuid.UUID]*flowlens.MaintenanceWindow

	features  []*flowlens.AssetFeatures
	clHistory []*flowlens.ClassificationHistory
	models    map[uuid.UUID]*flowlens.MLModel

	closed bool
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		aggregates: map[flowlens.AggregateKey]*flowlens.FlowAggregate{},
		assets:     map[uuid.UUID]*flowlens.Asset{},
		services:   map[uuid.UUID]*flowlens.Service{},
		rules:      map[uuid.UUID]*flowlens.ClassificationRule{},
		depTraffic: map[uuid.UUID][]trafficPoint{},
		events:     map[uuid.UUID]*flowlens.ChangeEvent{},
		alerts:     map[uuid.UUID]*flowlens.Alert{},
		arules:     map[uuid.UUID]*flowlens.AlertRule{},
		windows:    map[uuid.UUID]*flowlens.MaintenanceWindow{},
		models:     map[uuid.UUID]*flowlens.MLModel{},
	}
}

// Ping reports whether the store is open.
func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("memory store: closed")
	}
	return nil
}

// Close marks the store closed. Data stays readable for post-shutdown
// assertions in tests.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// ---- flows ----

// InsertFlows appends a batch in arrival order.
func (m *Memory) InsertFlows(ctx context.Context, records []*flowlens.FlowRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range records {
		cp := *f
		m.flows = append(m.flows, &cp)
	}
	return nil
}

// PendingWindows lists window starts with flows but no aggregates, ascending.
func (m *Memory) PendingWindows(ctx context.Context, width time.Duration, before time.Time) ([]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	done := map[time.Time]bool{}
	for key := range m.aggregates {
		done[key.WindowStart.UTC()] = true
	}
	pending := map[time.Time]bool{}
	for _, f := range m.flows {
		start := f.Timestamp.UTC().Truncate(width)
		if start.Add(width).After(before) {
			continue
		}
		if !done[start] {
			pending[start] = true
		}
	}
	out := make([]time.Time, 0, len(pending))
	for t := range pending {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

// FlowsInWindow returns records with start <= ts < end.
func (m *Memory) FlowsInWindow(ctx context.Context, start, end time.Time) ([]*flowlens.FlowRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*flowlens.FlowRecord
	for _, f := range m.flows {
		if !f.Timestamp.Before(start) && f.Timestamp.Before(end) {
			cp := *f
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ---- aggregates ----

// UpsertAggregates writes rows keyed by window + 5-tuple. An existing row is
// replaced wholesale except for a processed flag already flipped: a processed
// aggregate stays processed, keeping reprocessing idempotent.
func (m *Memory) UpsertAggregates(ctx context.Context, aggs []*flowlens.FlowAggregate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range aggs {
		if err := a.Validate(); err != nil {
			return err
		}
		cp := *a
		if cp.ID == uuid.Nil {
			cp.ID = uuid.New()
		}
		if prev, ok := m.aggregates[a.AggregateKey]; ok {
			cp.ID = prev.ID
			cp.IsProcessed = cp.IsProcessed || prev.IsProcessed
		}
		m.aggregates[a.AggregateKey] = &cp
		a.ID = cp.ID
	}
	return nil
}

// UnprocessedAggregates returns up to limit rows, ascending by window start.
func (m *Memory) UnprocessedAggregates(ctx context.Context, limit int) ([]*flowlens.FlowAggregate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*flowlens.FlowAggregate
	for _, a := range m.aggregates {
		if !a.IsProcessed {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].WindowStart.Before(out[j].WindowStart)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AggregatesSince returns rows whose window started at or after since.
func (m *Memory) AggregatesSince(ctx context.Context, since time.Time) ([]*flowlens.FlowAggregate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*flowlens.FlowAggregate
	for _, a := range m.aggregates {
		if !a.WindowStart.Before(since) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].WindowStart.Before(out[j].WindowStart)
	})
	return out, nil
}

// ---- assets ----

func cloneAsset(a *flowlens.Asset) *flowlens.Asset {
	cp := *a
	if a.IsInternal != nil {
		v := *a.IsInternal
		cp.IsInternal = &v
	}
	if a.DeletedAt != nil {
		t := *a.DeletedAt
		cp.DeletedAt = &t
	}
	if a.ClassificationScores != nil {
		cp.ClassificationScores = make(map[flowlens.AssetType]float64, len(a.ClassificationScores))
		for k, v := range a.ClassificationScores {
			cp.ClassificationScores[k] = v
		}
	}
	return &cp
}

// AssetByIP returns the live asset holding the address.
func (m *Memory) AssetByIP(ctx context.Context, ip netip.Addr) (*flowlens.Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.assets {
		if a.DeletedAt == nil && a.IPAddress == ip {
			return cloneAsset(a), nil
		}
	}
	return nil, flowlens.ErrNotFound
}

// AssetByID returns any asset by id, soft-deleted included: history readers
// need tombstoned entities.
func (m *Memory) AssetByID(ctx context.Context, id uuid.UUID) (*flowlens.Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assets[id]
	if !ok {
		return nil, flowlens.ErrNotFound
	}
	return cloneAsset(a), nil
}

// CreateAsset inserts a new asset, enforcing address uniqueness among the
// non-deleted.
func (m *Memory) CreateAsset(ctx context.Context, a *flowlens.Asset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	for _, existing := range m.assets {
		if existing.DeletedAt == nil && existing.IPAddress == a.IPAddress {
			return fmt.Errorf("memory store: asset for %s already exists", a.IPAddress)
		}
	}
	m.assets[a.ID] = cloneAsset(a)
	return nil
}

// UpdateAsset replaces the stored asset.
func (m *Memory) UpdateAsset(ctx context.Context, a *flowlens.Asset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.assets[a.ID]; !ok {
		return flowlens.ErrNotFound
	}
	m.assets[a.ID] = cloneAsset(a)
	return nil
}

// Assets returns all live assets.
func (m *Memory) Assets(ctx context.Context) ([]*flowlens.Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*flowlens.Asset
	for _, a := range m.assets {
		if a.DeletedAt == nil {
			out = append(out, cloneAsset(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FirstSeen.Before(out[j].FirstSeen) })
	return out, nil
}

// SoftDeleteAsset tombstones the asset.
func (m *Memory) SoftDeleteAsset(ctx context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assets[id]
	if !ok {
		return flowlens.ErrNotFound
	}
	t := at
	a.DeletedAt = &t
	return nil
}

// AddConnectionCounts bumps the denormalized edge counters.
func (m *Memory) AddConnectionCounts(ctx context.Context, id uuid.UUID, in, out uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assets[id]
	if !ok {
		return flowlens.ErrNotFound
	}
	a.ConnectionsIn += in
	a.ConnectionsOut += out
	return nil
}

// UpsertService accumulates a listener observation.
func (m *Memory) UpsertService(ctx context.Context, s *flowlens.Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.services {
		if existing.AssetID == s.AssetID && existing.Port == s.Port && existing.Protocol == s.Protocol {
			existing.ConnectionsTotal += s.ConnectionsTotal
			if s.LastSeen.After(existing.LastSeen) {
				existing.LastSeen = s.LastSeen
			}
			s.ID = existing.ID
			return nil
		}
	}
	cp := *s
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	m.services[cp.ID] = &cp
	s.ID = cp.ID
	return nil
}

// Services returns listener rows for the asset.
func (m *Memory) Services(ctx context.Context, assetID uuid.UUID) ([]*flowlens.Service, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*flowlens.Service
	for _, s := range m.services {
		if s.AssetID == assetID {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out, nil
}

// ClassificationRules returns every stored rule.
func (m *Memory) ClassificationRules(ctx context.Context) ([]*flowlens.ClassificationRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*flowlens.ClassificationRule
	for _, r := range m.rules {
		cp := *r
		if r.IsInternal != nil {
			v := *r.IsInternal
			cp.IsInternal = &v
		}
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out, nil
}

// SaveClassificationRule inserts or replaces a rule by id.
func (m *Memory) SaveClassificationRule(ctx context.Context, r *flowlens.ClassificationRule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	cp := *r
	if r.IsInternal != nil {
		v := *r.IsInternal
		cp.IsInternal = &v
	}
	m.rules[r.ID] = &cp
	return nil
}

// ---- dependencies ----

func cloneDependency(d *flowlens.Dependency) *flowlens.Dependency {
	cp := *d
	if d.ValidTo != nil {
		t := *d.ValidTo
		cp.ValidTo = &t
	}
	return &cp
}

func (m *Memory) currentDepLocked(key flowlens.EdgeKey) *flowlens.Dependency {
	for _, d := range m.deps {
		if d.ValidTo == nil && d.EdgeKey == key {
			return d
		}
	}
	return nil
}

// rollingLocked recomputes the 24h/7d byte counters for an edge from its
// traffic points, relative to ref, and prunes points older than 7 days.
func (m *Memory) rollingLocked(depID uuid.UUID, ref time.Time) (last24h, last7d uint64) {
	points := m.depTraffic[depID]
	kept := points[:0]
	for _, p := range points {
		if p.At.Before(ref.Add(-7 * 24 * time.Hour)) {
			continue
		}
		kept = append(kept, p)
		last7d += p.Bytes
		if !p.At.Before(ref.Add(-24 * time.Hour)) {
			last24h += p.Bytes
		}
	}
	m.depTraffic[depID] = kept
	return last24h, last7d
}

// ApplyEdgeDelta is the builder's write: one edge upsert plus the aggregate's
// processed flip, under the store lock. An already-processed aggregate makes
// the call a no-op so reprocessing never double-counts.
func (m *Memory) ApplyEdgeDelta(ctx context.Context, delta EdgeDelta) (*flowlens.Dependency, bool, error) {
	if delta.Key.SourceAssetID == delta.Key.TargetAssetID {
		return nil, false, fmt.Errorf("edge delta: self-loop on asset %s", delta.Key.SourceAssetID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var agg *flowlens.FlowAggregate
	if delta.AggregateID != uuid.Nil {
		for _, a := range m.aggregates {
			if a.ID == delta.AggregateID {
				agg = a
				break
			}
		}
		if agg != nil && agg.IsProcessed {
			if cur := m.currentDepLocked(delta.Key); cur != nil {
				return cloneDependency(cur), false, nil
			}
			return nil, false, nil
		}
	}

	dep := m.currentDepLocked(delta.Key)
	created := dep == nil
	var before *flowlens.Dependency
	if !created {
		before = cloneDependency(dep)
	}
	if created {
		dep = &flowlens.Dependency{
			ID:           uuid.New(),
			EdgeKey:      delta.Key,
			FirstSeen:    delta.WindowStart,
			LastSeen:     delta.WindowEnd,
			ValidFrom:    delta.WindowStart,
			DiscoveredBy: delta.DiscoveredBy,
		}
		m.deps = append(m.deps, dep)
	} else if delta.WindowEnd.After(dep.LastSeen) {
		dep.LastSeen = delta.WindowEnd
	}
	dep.BytesTotal += delta.Bytes
	dep.PacketsTotal += delta.Packets
	dep.FlowsTotal += delta.Flows

	m.depTraffic[dep.ID] = append(m.depTraffic[dep.ID], trafficPoint{At: delta.WindowEnd, Bytes: delta.Bytes})
	dep.BytesLast24h, dep.BytesLast7d = m.rollingLocked(dep.ID, delta.WindowEnd)

	if agg != nil {
		agg.IsProcessed = true
	}

	transition := flowlens.TransitionUpdated
	if created {
		transition = flowlens.TransitionCreated
	}
	m.depHistory = append(m.depHistory, &flowlens.DependencyHistory{
		ID:           uuid.New(),
		DependencyID: dep.ID,
		Transition:   transition,
		Before:       before,
		After:        cloneDependency(dep),
		RecordedAt:   delta.WindowEnd,
	})
	return cloneDependency(dep), created, nil
}

// CurrentDependency returns the live edge for the key.
func (m *Memory) CurrentDependency(ctx context.Context, key flowlens.EdgeKey) (*flowlens.Dependency, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d := m.currentDepLocked(key); d != nil {
		return cloneDependency(d), nil
	}
	return nil, flowlens.ErrNotFound
}

// DependencyByID returns any edge version by id.
func (m *Memory) DependencyByID(ctx context.Context, id uuid.UUID) (*flowlens.Dependency, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.deps {
		if d.ID == id {
			return cloneDependency(d), nil
		}
	}
	return nil, flowlens.ErrNotFound
}

// CurrentDependencies returns every live edge.
func (m *Memory) CurrentDependencies(ctx context.Context) ([]*flowlens.Dependency, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*flowlens.Dependency
	for _, d := range m.deps {
		if d.ValidTo == nil {
			out = append(out, cloneDependency(d))
		}
	}
	return out, nil
}

// DependenciesAt filters edge versions by validity at t.
func (m *Memory) DependenciesAt(ctx context.Context, t time.Time) ([]*flowlens.Dependency, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*flowlens.Dependency
	for _, d := range m.deps {
		if d.ValidAt(t) {
			out = append(out, cloneDependency(d))
		}
	}
	return out, nil
}

// DependenciesSeenSince returns live edges touched at or after since.
func (m *Memory) DependenciesSeenSince(ctx context.Context, since time.Time) ([]*flowlens.Dependency, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*flowlens.Dependency
	for _, d := range m.deps {
		if d.ValidTo == nil && !d.LastSeen.Before(since) {
			out = append(out, cloneDependency(d))
		}
	}
	return out, nil
}

// StaleCurrentDependencies returns live edges unseen since the cutoff.
func (m *Memory) StaleCurrentDependencies(ctx context.Context, cutoff time.Time) ([]*flowlens.Dependency, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*flowlens.Dependency
	for _, d := range m.deps {
		if d.ValidTo == nil && d.LastSeen.Before(cutoff) {
			out = append(out, cloneDependency(d))
		}
	}
	return out, nil
}

// InvalidateDependency closes an edge version and logs the transition.
func (m *Memory) InvalidateDependency(ctx context.Context, id uuid.UUID, at time.Time, transition flowlens.DependencyTransition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.deps {
		if d.ID == id {
			if d.ValidTo != nil {
				return nil // already closed
			}
			before := cloneDependency(d)
			t := at
			d.ValidTo = &t
			m.depHistory = append(m.depHistory, &flowlens.DependencyHistory{
				ID:           uuid.New(),
				DependencyID: d.ID,
				Transition:   transition,
				Before:       before,
				After:        cloneDependency(d),
				RecordedAt:   at,
			})
			return nil
		}
	}
	return flowlens.ErrNotFound
}

// SetDependencyFlags persists the operator-controlled bits on the edge.
func (m *Memory) SetDependencyFlags(ctx context.Context, id uuid.UUID, critical, confirmed, ignored bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.deps {
		if d.ID == id {
			d.IsCritical = critical
			d.IsConfirmed = confirmed
			d.IsIgnored = ignored
			return nil
		}
	}
	return flowlens.ErrNotFound
}

// AppendDependencyHistory adds an externally-built transition row.
func (m *Memory) AppendDependencyHistory(ctx context.Context, h *flowlens.DependencyHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *h
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	m.depHistory = append(m.depHistory, &cp)
	return nil
}

// DependencyHistoryFor returns the edge's transitions in recorded order.
func (m *Memory) DependencyHistoryFor(ctx context.Context, dependencyID uuid.UUID) ([]*flowlens.DependencyHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*flowlens.DependencyHistory
	for _, h := range m.depHistory {
		if h.DependencyID == dependencyID {
			cp := *h
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ---- gateways ----

// InsertGatewayObservations stages next-hop observations.
func (m *Memory) InsertGatewayObservations(ctx context.Context, obs []*flowlens.GatewayObservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range obs {
		cp := *o
		if cp.ID == uuid.Nil {
			cp.ID = uuid.New()
		}
		m.observations = append(m.observations, &cp)
		o.ID = cp.ID
	}
	return nil
}

// UnprocessedGatewayObservations returns staged rows, oldest window first.
func (m *Memory) UnprocessedGatewayObservations(ctx context.Context, limit int) ([]*flowlens.GatewayObservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*flowlens.GatewayObservation
	for _, o := range m.observations {
		if !o.IsProcessed {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WindowStart.Before(out[j].WindowStart) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkGatewayObservationsProcessed flips the staged rows.
func (m *Memory) MarkGatewayObservationsProcessed(ctx context.Context, ids []uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	for _, o := range m.observations {
		if want[o.ID] {
			o.IsProcessed = true
		}
	}
	return nil
}

// GatewayObservationsSince returns observations from recent windows.
func (m *Memory) GatewayObservationsSince(ctx context.Context, since time.Time) ([]*flowlens.GatewayObservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*flowlens.GatewayObservation
	for _, o := range m.observations {
		if !o.WindowStart.Before(since) {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out, nil
}

func cloneGateway(g *flowlens.AssetGateway) *flowlens.AssetGateway {
	cp := *g
	if g.ValidTo != nil {
		t := *g.ValidTo
		cp.ValidTo = &t
	}
	if g.DestinationNetwork != nil {
		p := *g.DestinationNetwork
		cp.DestinationNetwork = &p
	}
	if g.ConfidenceScores != nil {
		cp.ConfidenceScores = make(map[string]float64, len(g.ConfidenceScores))
		for k, v := range g.ConfidenceScores {
			cp.ConfidenceScores[k] = v
		}
	}
	return &cp
}

func sameDestination(a, b *netip.Prefix) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// CurrentGateways returns every live gateway relationship.
func (m *Memory) CurrentGateways(ctx context.Context) ([]*flowlens.AssetGateway, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*flowlens.AssetGateway
	for _, g := range m.gateways {
		if g.ValidTo == nil {
			out = append(out, cloneGateway(g))
		}
	}
	return out, nil
}

// UpsertGateway writes the current row for its (source, gateway, destination)
// identity.
func (m *Memory) UpsertGateway(ctx context.Context, g *flowlens.AssetGateway) error {
	if err := g.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.gateways {
		if existing.ValidTo == nil &&
			existing.SourceAssetID == g.SourceAssetID &&
			existing.GatewayAssetID == g.GatewayAssetID &&
			sameDestination(existing.DestinationNetwork, g.DestinationNetwork) {
			cp := cloneGateway(g)
			cp.ID = existing.ID
			cp.FirstSeen = existing.FirstSeen
			cp.ValidFrom = existing.ValidFrom
			*existing = *cp
			g.ID = existing.ID
			return nil
		}
	}
	cp := cloneGateway(g)
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	m.gateways = append(m.gateways, cp)
	g.ID = cp.ID
	return nil
}

// InvalidateGateway closes the relationship version.
func (m *Memory) InvalidateGateway(ctx context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.gateways {
		if g.ID == id {
			if g.ValidTo == nil {
				t := at
				g.ValidTo = &t
			}
			return nil
		}
	}
	return flowlens.ErrNotFound
}

// ---- change events & alerts ----

func cloneEvent(e *flowlens.ChangeEvent) *flowlens.ChangeEvent {
	cp := *e
	cp.PreviousState = append([]byte(nil), e.PreviousState...)
	cp.NewState = append([]byte(nil), e.NewState...)
	return &cp
}

// InsertChangeEvent records a graph delta.
func (m *Memory) InsertChangeEvent(ctx context.Context, e *flowlens.ChangeEvent) error {
	if err := e.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	m.events[e.ID] = cloneEvent(e)
	return nil
}

// UnprocessedChangeEvents returns events pending alert evaluation, ordered by
// detection time.
func (m *Memory) UnprocessedChangeEvents(ctx context.Context, limit int) ([]*flowlens.ChangeEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*flowlens.ChangeEvent
	for _, e := range m.events {
		if !e.IsProcessed {
			out = append(out, cloneEvent(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkChangeEventProcessed flips the event.
func (m *Memory) MarkChangeEventProcessed(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return flowlens.ErrNotFound
	}
	e.IsProcessed = true
	return nil
}

// ChangeEventByID returns one event.
func (m *Memory) ChangeEventByID(ctx context.Context, id uuid.UUID) (*flowlens.ChangeEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return nil, flowlens.ErrNotFound
	}
	return cloneEvent(e), nil
}

// ChangeEventsSince returns events detected at or after since, ordered by
// detection time.
func (m *Memory) ChangeEventsSince(ctx context.Context, since time.Time) ([]*flowlens.ChangeEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*flowlens.ChangeEvent
	for _, e := range m.events {
		if !e.DetectedAt.Before(since) {
			out = append(out, cloneEvent(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out, nil
}

func cloneAlert(a *flowlens.Alert) *flowlens.Alert {
	cp := *a
	if a.AcknowledgedAt != nil {
		t := *a.AcknowledgedAt
		cp.AcknowledgedAt = &t
	}
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		cp.ResolvedAt = &t
	}
	cp.NotifyChannels = append([]string(nil), a.NotifyChannels...)
	if a.NotifyResults != nil {
		cp.NotifyResults = make(map[string]string, len(a.NotifyResults))
		for k, v := range a.NotifyResults {
			cp.NotifyResults[k] = v
		}
	}
	return &cp
}

// InsertAlert records a new alert.
func (m *Memory) InsertAlert(ctx context.Context, a *flowlens.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	m.alerts[a.ID] = cloneAlert(a)
	return nil
}

// AlertByID returns one alert.
func (m *Memory) AlertByID(ctx context.Context, id uuid.UUID) (*flowlens.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return nil, flowlens.ErrNotFound
	}
	return cloneAlert(a), nil
}

// UpdateAlert replaces the stored alert.
func (m *Memory) UpdateAlert(ctx context.Context, a *flowlens.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.alerts[a.ID]; !ok {
		return flowlens.ErrNotFound
	}
	m.alerts[a.ID] = cloneAlert(a)
	return nil
}

// OpenAlerts returns unresolved alerts, newest first.
func (m *Memory) OpenAlerts(ctx context.Context) ([]*flowlens.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*flowlens.Alert
	for _, a := range m.alerts {
		if a.Status != flowlens.AlertResolved {
			out = append(out, cloneAlert(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// AlertsForEvent returns the alerts bound to a change event.
func (m *Memory) AlertsForEvent(ctx context.Context, eventID uuid.UUID) ([]*flowlens.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*flowlens.Alert
	for _, a := range m.alerts {
		if a.EventID == eventID {
			out = append(out, cloneAlert(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func cloneAlertRule(r *flowlens.AlertRule) *flowlens.AlertRule {
	cp := *r
	cp.ChangeTypes = append([]flowlens.ChangeType(nil), r.ChangeTypes...)
	cp.NotifyChannels = append([]string(nil), r.NotifyChannels...)
	if r.AssetFilter != nil {
		cp.AssetFilter = make(map[string]string, len(r.AssetFilter))
		for k, v := range r.AssetFilter {
			cp.AssetFilter[k] = v
		}
	}
	if r.LastTriggeredAt != nil {
		t := *r.LastTriggeredAt
		cp.LastTriggeredAt = &t
	}
	return &cp
}

// AlertRules returns every rule, active and not.
func (m *Memory) AlertRules(ctx context.Context) ([]*flowlens.AlertRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*flowlens.AlertRule
	for _, r := range m.arules {
		out = append(out, cloneAlertRule(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out, nil
}

// SaveAlertRule inserts or replaces a rule by id.
func (m *Memory) SaveAlertRule(ctx context.Context, r *flowlens.AlertRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	m.arules[r.ID] = cloneAlertRule(r)
	return nil
}

func cloneMaintenanceWindow(w *flowlens.MaintenanceWindow) *flowlens.MaintenanceWindow {
	cp := *w
	cp.AssetIDs = append([]uuid.UUID(nil), w.AssetIDs...)
	cp.Environments = append([]string(nil), w.Environments...)
	cp.Datacenters = append([]string(nil), w.Datacenters...)
	return &cp
}

// MaintenanceWindows returns every window.
func (m *Memory) MaintenanceWindows(ctx context.Context) ([]*flowlens.MaintenanceWindow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*flowlens.MaintenanceWindow
	for _, w := range m.windows {
		out = append(out, cloneMaintenanceWindow(w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

// SaveMaintenanceWindow inserts or replaces a window by id.
func (m *Memory) SaveMaintenanceWindow(ctx context.Context, w *flowlens.MaintenanceWindow) error {
	if err := w.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	m.windows[w.ID] = cloneMaintenanceWindow(w)
	return nil
}

// ---- classification ----

func cloneFeatures(f *flowlens.AssetFeatures) *flowlens.AssetFeatures {
	cp := *f
	cp.PersistentListenerPorts = append([]uint16(nil), f.PersistentListenerPorts...)
	if f.ProtocolDistribution != nil {
		cp.ProtocolDistribution = make(map[uint8]float64, len(f.ProtocolDistribution))
		for k, v := range f.ProtocolDistribution {
			cp.ProtocolDistribution[k] = v
		}
	}
	return &cp
}

// SaveAssetFeatures appends a feature row.
func (m *Memory) SaveAssetFeatures(ctx context.Context, f *flowlens.AssetFeatures) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := cloneFeatures(f)
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	m.features = append(m.features, cp)
	f.ID = cp.ID
	return nil
}

// LatestAssetFeatures returns the newest row for the asset and window.
func (m *Memory) LatestAssetFeatures(ctx context.Context, assetID uuid.UUID, window flowlens.FeatureWindow) (*flowlens.AssetFeatures, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *flowlens.AssetFeatures
	for _, f := range m.features {
		if f.AssetID != assetID || f.Window != window {
			continue
		}
		if best == nil || f.ComputedAt.After(best.ComputedAt) {
			best = f
		}
	}
	if best == nil {
		return nil, flowlens.ErrNotFound
	}
	return cloneFeatures(best), nil
}

// AppendClassificationHistory records a type change.
func (m *Memory) AppendClassificationHistory(ctx context.Context, h *flowlens.ClassificationHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *h
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	m.clHistory = append(m.clHistory, &cp)
	h.ID = cp.ID
	return nil
}

// ClassificationHistoryFor returns the asset's audit rows in recorded order.
func (m *Memory) ClassificationHistoryFor(ctx context.Context, assetID uuid.UUID) ([]*flowlens.ClassificationHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*flowlens.ClassificationHistory
	for _, h := range m.clHistory {
		if h.AssetID == assetID {
			cp := *h
			out = append(out, &cp)
		}
	}
	return out, nil
}

func cloneModel(mdl *flowlens.MLModel) *flowlens.MLModel {
	cp := *mdl
	if mdl.ClassDistribution != nil {
		cp.ClassDistribution = make(map[flowlens.AssetType]float64, len(mdl.ClassDistribution))
		for k, v := range mdl.ClassDistribution {
			cp.ClassDistribution[k] = v
		}
	}
	return &cp
}

// MLModels returns all registry entries.
func (m *Memory) MLModels(ctx context.Context) ([]*flowlens.MLModel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*flowlens.MLModel
	for _, mdl := range m.models {
		out = append(out, cloneModel(mdl))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TrainedAt.Before(out[j].TrainedAt) })
	return out, nil
}

// SaveMLModel inserts or replaces a registry entry by id.
func (m *Memory) SaveMLModel(ctx context.Context, mdl *flowlens.MLModel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mdl.ID == uuid.Nil {
		mdl.ID = uuid.New()
	}
	m.models[mdl.ID] = cloneModel(mdl)
	return nil
}

// ActivateMLModel makes the model the single active one.
func (m *Memory) ActivateMLModel(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	target, ok := m.models[id]
	if !ok {
		return flowlens.ErrNotFound
	}
	for _, mdl := range m.models {
		mdl.IsActive = false
	}
	target.IsActive = true
	return nil
}
