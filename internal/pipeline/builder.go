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

package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"flowlens"
	"flowlens/internal/asset"
	"flowlens/internal/store"
	"flowlens/internal/telemetry"
)

// BuilderConfig controls edge promotion and the stale sweep.
type BuilderConfig struct {
	// BatchLimit caps aggregates consumed per RunOnce.
	BatchLimit int
	// StalenessThreshold is how long a current edge may go unseen before the
	// sweep closes it.
	StalenessThreshold time.Duration
	// DiscardExternalFlows skips edges where either endpoint is external.
	DiscardExternalFlows bool
}

func (c BuilderConfig) withDefaults() BuilderConfig {
	if c.BatchLimit <= 0 {
		c.BatchLimit = 1000
	}
	if c.StalenessThreshold <= 0 {
		c.StalenessThreshold = 24 * time.Hour
	}
	return c
}

// TopologyInvalidator drops cached topology reads after an edge mutation.
type TopologyInvalidator interface {
	InvalidatePrefix(prefix string) int
}

// Builder consumes unprocessed aggregates and maintains the current
// dependency edges. Each aggregate is applied in one transactional unit: the
// edge write and the aggregate's processed flip happen together, so a crashed
// run resumes without double-counting.
type Builder struct {
	cfg      BuilderConfig
	st       store.Store
	mapper   *asset.Mapper
	producer store.EventProducer
	topo     TopologyInvalidator
	clk      clock.Clock
	log      *zap.Logger
}

// NewBuilder wires a builder over the store, mapper, and event producer.
func NewBuilder(cfg BuilderConfig, st store.Store, mapper *asset.Mapper, producer store.EventProducer, clk clock.Clock, log *zap.Logger) *Builder {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if producer == nil {
		producer = store.NewLogProducer(log)
	}
	return &Builder{cfg: cfg.withDefaults(), st: st, mapper: mapper, producer: producer, clk: clk, log: log}
}

// SetTopologyInvalidator wires the cache layer whose topology entries are
// dropped whenever the builder mutates an edge.
func (b *Builder) SetTopologyInvalidator(inv TopologyInvalidator) { b.topo = inv }

func (b *Builder) invalidateTopology() {
	if b.topo != nil {
		b.topo.InvalidatePrefix("topology")
	}
}

// RunOnce promotes one batch of unprocessed aggregates to edges and returns
// how many it consumed.
func (b *Builder) RunOnce(ctx context.Context) (int, error) {
	aggs, err := b.st.UnprocessedAggregates(ctx, b.cfg.BatchLimit)
	if err != nil {
		return 0, fmt.Errorf("load unprocessed aggregates: %w", err)
	}
	for _, agg := range aggs {
		if err := b.processAggregate(ctx, agg); err != nil {
			return 0, err
		}
	}
	return len(aggs), nil
}

// orient decides which endpoint is the service side. ICMP keeps the parser's
// (type, code) word in the target port and never swaps. All other flows go
// source→target when the destination port looks like a listener, otherwise
// the endpoints are swapped.
func orient(agg *flowlens.FlowAggregate) (clientIP, serverIP netip.Addr, serverPort uint16) {
	if flowlens.IsICMP(agg.Protocol) {
		return agg.SrcIP, agg.DstIP, agg.DstPort
	}
	if flowlens.IsLikelyListeningPort(agg.DstPort, agg.SrcPort) {
		return agg.SrcIP, agg.DstIP, agg.DstPort
	}
	return agg.DstIP, agg.SrcIP, agg.SrcPort
}

func (b *Builder) processAggregate(ctx context.Context, agg *flowlens.FlowAggregate) error {
	clientIP, serverIP, serverPort := orient(agg)
	if clientIP == serverIP {
		// Direction logic upstream produced a self-loop. Count it and retire
		// the aggregate so it does not wedge the batch forever.
		telemetry.RecordInvariantViolation()
		b.log.Warn("self-loop aggregate discarded", zap.String("ip", clientIP.String()))
		return b.retireAggregate(ctx, agg)
	}

	sourceID, err := b.mapper.Resolve(ctx, clientIP, agg.WindowEnd)
	if err != nil {
		return fmt.Errorf("resolve source %s: %w", clientIP, err)
	}
	targetID, err := b.mapper.Resolve(ctx, serverIP, agg.WindowEnd)
	if err != nil {
		return fmt.Errorf("resolve target %s: %w", serverIP, err)
	}

	if b.cfg.DiscardExternalFlows {
		external, err := b.eitherExternal(ctx, sourceID, targetID)
		if err != nil {
			return err
		}
		if external {
			return b.retireAggregate(ctx, agg)
		}
	}

	delta := store.EdgeDelta{
		Key: flowlens.EdgeKey{
			SourceAssetID: sourceID,
			TargetAssetID: targetID,
			TargetPort:    serverPort,
			Protocol:      agg.Protocol,
		},
		WindowStart:  agg.WindowStart,
		WindowEnd:    agg.WindowEnd,
		Bytes:        agg.BytesTotal,
		Packets:      agg.PacketsTotal,
		Flows:        agg.FlowsCount,
		AggregateID:  agg.ID,
		DiscoveredBy: "netflow",
	}
	dep, created, err := b.st.ApplyEdgeDelta(ctx, delta)
	if err != nil {
		return fmt.Errorf("apply edge delta: %w", err)
	}
	if dep == nil {
		return nil // aggregate was already processed
	}

	if created {
		telemetry.DependenciesCreated.Inc()
		b.emitEvent(ctx, flowlens.ChangeDependencyCreated, dep, nil)
	} else {
		telemetry.DependenciesUpdated.Inc()
	}
	b.invalidateTopology()

	if err := b.st.UpsertService(ctx, &flowlens.Service{
		AssetID:          targetID,
		Port:             serverPort,
		Protocol:         agg.Protocol,
		ConnectionsTotal: agg.FlowsCount,
		FirstSeen:        agg.WindowStart,
		LastSeen:         agg.WindowEnd,
	}); err != nil {
		return fmt.Errorf("upsert service: %w", err)
	}
	if err := b.st.AddConnectionCounts(ctx, sourceID, 0, agg.FlowsCount); err != nil {
		return fmt.Errorf("bump source counters: %w", err)
	}
	if err := b.st.AddConnectionCounts(ctx, targetID, agg.FlowsCount, 0); err != nil {
		return fmt.Errorf("bump target counters: %w", err)
	}
	return nil
}

// retireAggregate flips the processed flag without touching any edge.
func (b *Builder) retireAggregate(ctx context.Context, agg *flowlens.FlowAggregate) error {
	agg.IsProcessed = true
	if err := b.st.UpsertAggregates(ctx, []*flowlens.FlowAggregate{agg}); err != nil {
		return fmt.Errorf("retire aggregate: %w", err)
	}
	return nil
}

func (b *Builder) eitherExternal(ctx context.Context, ids ...uuid.UUID) (bool, error) {
	for _, id := range ids {
		a, err := b.st.AssetByID(ctx, id)
		if err != nil {
			return false, fmt.Errorf("load asset %s: %w", id, err)
		}
		if a.External() {
			return true, nil
		}
	}
	return false, nil
}

// SweepStale closes current edges unseen past the staleness threshold and
// emits a dependency_stale event per closed edge. Reappearance later creates
// a fresh edge version through the normal path.
func (b *Builder) SweepStale(ctx context.Context) (int, error) {
	now := b.clk.Now().UTC()
	cutoff := now.Add(-b.cfg.StalenessThreshold)
	stale, err := b.st.StaleCurrentDependencies(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("find stale dependencies: %w", err)
	}
	for _, dep := range stale {
		if err := b.st.InvalidateDependency(ctx, dep.ID, now, flowlens.TransitionStale); err != nil {
			return 0, fmt.Errorf("invalidate %s: %w", dep.ID, err)
		}
		closed := *dep
		closed.ValidTo = &now
		b.emitEvent(ctx, flowlens.ChangeDependencyStale, &closed, dep)
		b.log.Info("dependency marked stale",
			zap.String("dependency_id", dep.ID.String()),
			zap.Time("last_seen", dep.LastSeen))
	}
	if len(stale) > 0 {
		b.invalidateTopology()
	}
	return len(stale), nil
}

// emitEvent stores and publishes a change event for the edge. Event emission
// is best-effort beyond the store write: a producer failure is logged, not
// propagated, so graph maintenance never stalls on a notification sink.
func (b *Builder) emitEvent(ctx context.Context, ct flowlens.ChangeType, dep, prev *flowlens.Dependency) {
	ev := &flowlens.ChangeEvent{
		ChangeType:   ct,
		DetectedAt:   b.clk.Now().UTC(),
		AssetID:      dep.TargetAssetID,
		DependencyID: dep.ID,
	}
	if state, err := json.Marshal(dep); err == nil {
		ev.NewState = state
	}
	if prev != nil {
		if state, err := json.Marshal(prev); err == nil {
			ev.PreviousState = state
		}
	}
	if err := b.st.InsertChangeEvent(ctx, ev); err != nil {
		b.log.Error("change event not recorded", zap.Error(err), zap.String("change_type", string(ct)))
		return
	}
	telemetry.ChangeEvents.WithLabelValues(string(ct)).Inc()
	if err := b.producer.PublishChange(ctx, ev); err != nil {
		b.log.Warn("change event publish failed", zap.Error(err), zap.String("event_id", ev.ID.String()))
	}
}
