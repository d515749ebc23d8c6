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
	"fmt"
	"net/netip"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"flowlens"
	"flowlens/internal/asset"
	"flowlens/internal/store"
)

// GatewayConfig controls observation rollup and gateway retirement.
type GatewayConfig struct {
	// BatchLimit caps unprocessed observations consumed per Rollup.
	BatchLimit int
	// Lookback is the history window scoring reads. Counters on promoted
	// gateways cover this window, not all time.
	Lookback time.Duration
	// StalenessThreshold retires gateways unseen for this long.
	StalenessThreshold time.Duration
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	if c.BatchLimit <= 0 {
		c.BatchLimit = 5000
	}
	if c.Lookback <= 0 {
		c.Lookback = 24 * time.Hour
	}
	if c.StalenessThreshold <= 0 {
		c.StalenessThreshold = 24 * time.Hour
	}
	return c
}

// Confidence component weights. Flow volume and temporal consistency carry
// the score; raw observation and byte counts are tie-breakers.
const (
	weightFlowCount   = 0.30
	weightObservation = 0.20
	weightTemporal    = 0.30
	weightByteVolume  = 0.20
)

// GatewayInference rolls staged next-hop observations up into scored
// per-destination-network gateway relationships.
//
// The destination network of an observation is the smallest classification
// rule CIDR covering the destination IP; destinations no rule covers fold
// into the nil (default-route) context. Within one (source, destination
// network) context, shares are normalized over flow counts: the largest
// share is the primary gateway, any other gateway carrying at least 20% is
// ECMP, and the rest are secondary.
type GatewayInference struct {
	cfg    GatewayConfig
	st     store.Store
	mapper *asset.Mapper
	clk    clock.Clock
	log    *zap.Logger
}

// NewGatewayInference wires the rollup over the store and mapper.
func NewGatewayInference(cfg GatewayConfig, st store.Store, mapper *asset.Mapper, clk clock.Clock, log *zap.Logger) *GatewayInference {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &GatewayInference{cfg: cfg.withDefaults(), st: st, mapper: mapper, clk: clk, log: log}
}

// groupKey identifies one candidate gateway within one routing context.
// destination is the covering prefix in canonical string form, or "" for the
// default route.
type groupKey struct {
	source      netip.Addr
	gateway     netip.Addr
	destination string
}

// contextKey identifies the routing context shares are normalized within.
type contextKey struct {
	source      netip.Addr
	destination string
}

type candidate struct {
	key     groupKey
	destNet *netip.Prefix

	bytes   uint64
	flows   uint64
	obs     int
	windows map[time.Time]struct{}

	firstSeen time.Time
	lastSeen  time.Time

	share      float64
	confidence float64
	scores     map[string]float64
	role       flowlens.GatewayRole
}

// Rollup consumes one batch of unprocessed observations, recomputes every
// routing context those observations touch from the full lookback history,
// and upserts the resulting gateway rows. Returns the number of observations
// consumed.
func (g *GatewayInference) Rollup(ctx context.Context) (int, error) {
	pending, err := g.st.UnprocessedGatewayObservations(ctx, g.cfg.BatchLimit)
	if err != nil {
		return 0, fmt.Errorf("load gateway observations: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	rules, err := g.mapper.Rules(ctx)
	if err != nil {
		return 0, fmt.Errorf("load classification rules: %w", err)
	}

	now := g.clk.Now().UTC()
	history, err := g.st.GatewayObservationsSince(ctx, now.Add(-g.cfg.Lookback))
	if err != nil {
		return 0, fmt.Errorf("load observation history: %w", err)
	}

	// Contexts touched by this batch. Only those are recomputed; everything
	// else keeps its previous rollup.
	touched := make(map[contextKey]struct{})
	for _, o := range pending {
		_, destKey := destinationContext(rules, o.DestinationIP)
		touched[contextKey{source: o.SourceIP, destination: destKey}] = struct{}{}
	}

	candidates := make(map[groupKey]*candidate)
	for _, o := range history {
		destNet, destKey := destinationContext(rules, o.DestinationIP)
		ck := contextKey{source: o.SourceIP, destination: destKey}
		if _, ok := touched[ck]; !ok {
			continue
		}
		k := groupKey{source: o.SourceIP, gateway: o.GatewayIP, destination: destKey}
		c, ok := candidates[k]
		if !ok {
			c = &candidate{key: k, destNet: destNet, windows: make(map[time.Time]struct{}),
				firstSeen: o.WindowStart, lastSeen: o.WindowEnd}
			candidates[k] = c
		}
		c.bytes += o.BytesTotal
		c.flows += o.FlowsCount
		c.obs++
		c.windows[o.WindowStart.UTC()] = struct{}{}
		if o.WindowStart.Before(c.firstSeen) {
			c.firstSeen = o.WindowStart
		}
		if o.WindowEnd.After(c.lastSeen) {
			c.lastSeen = o.WindowEnd
		}
	}

	g.score(candidates)

	for _, c := range candidates {
		if err := g.persist(ctx, c, now); err != nil {
			return 0, err
		}
	}

	ids := make([]uuid.UUID, 0, len(pending))
	for _, o := range pending {
		ids = append(ids, o.ID)
	}
	if err := g.st.MarkGatewayObservationsProcessed(ctx, ids); err != nil {
		return 0, fmt.Errorf("mark observations processed: %w", err)
	}

	g.log.Debug("gateway rollup complete",
		zap.Int("observations", len(pending)),
		zap.Int("contexts", len(touched)),
		zap.Int("candidates", len(candidates)))
	return len(pending), nil
}

// destinationContext maps a destination IP to its routing context: the
// smallest classification-rule CIDR covering it, or the default route.
func destinationContext(rules []*flowlens.ClassificationRule, dst netip.Addr) (*netip.Prefix, string) {
	if p, ok := asset.SmallestCoveringPrefix(rules, dst); ok {
		return &p, p.String()
	}
	return nil, ""
}

// score assigns shares, confidence, and roles per routing context.
func (g *GatewayInference) score(candidates map[groupKey]*candidate) {
	byContext := make(map[contextKey][]*candidate)
	for _, c := range candidates {
		ck := contextKey{source: c.key.source, destination: c.key.destination}
		byContext[ck] = append(byContext[ck], c)
	}
	for _, group := range byContext {
		var totalFlows uint64
		for _, c := range group {
			totalFlows += c.flows
		}
		for _, c := range group {
			if totalFlows > 0 {
				c.share = float64(c.flows) / float64(totalFlows)
			}
			c.scores = map[string]float64{
				"flow_count":           capRatio(float64(c.flows), 1000),
				"observation_count":    capRatio(float64(c.obs), 10),
				"temporal_consistency": capRatio(float64(len(c.windows)), 12),
				"byte_volume":          capRatio(float64(c.bytes), 10<<20),
			}
			c.confidence = weightFlowCount*c.scores["flow_count"] +
				weightObservation*c.scores["observation_count"] +
				weightTemporal*c.scores["temporal_consistency"] +
				weightByteVolume*c.scores["byte_volume"]
		}
		sort.Slice(group, func(i, j int) bool {
			if group[i].share != group[j].share {
				return group[i].share > group[j].share
			}
			return group[i].key.gateway.Less(group[j].key.gateway)
		})
		for i, c := range group {
			switch {
			case i == 0:
				c.role = flowlens.RolePrimary
			case c.share >= 0.20:
				c.role = flowlens.RoleECMP
			default:
				c.role = flowlens.RoleSecondary
			}
		}
	}
}

func capRatio(v, scale float64) float64 {
	if v >= scale {
		return 1
	}
	return v / scale
}

func (g *GatewayInference) persist(ctx context.Context, c *candidate, now time.Time) error {
	sourceID, err := g.mapper.Resolve(ctx, c.key.source, c.lastSeen)
	if err != nil {
		return fmt.Errorf("resolve gateway source %s: %w", c.key.source, err)
	}
	gatewayID, err := g.mapper.Resolve(ctx, c.key.gateway, c.lastSeen)
	if err != nil {
		return fmt.Errorf("resolve gateway %s: %w", c.key.gateway, err)
	}
	if sourceID == gatewayID {
		g.log.Warn("self-gateway observation discarded",
			zap.String("ip", c.key.source.String()))
		return nil
	}
	gw := &flowlens.AssetGateway{
		SourceAssetID:      sourceID,
		GatewayAssetID:     gatewayID,
		DestinationNetwork: c.destNet,
		Role:               c.role,
		Confidence:         c.confidence,
		ConfidenceScores:   c.scores,
		TrafficShare:       c.share,
		BytesTotal:         c.bytes,
		FlowsTotal:         c.flows,
		FirstSeen:          c.firstSeen,
		LastSeen:           c.lastSeen,
		ValidFrom:          now,
	}
	if err := gw.Validate(); err != nil {
		return err
	}
	if err := g.st.UpsertGateway(ctx, gw); err != nil {
		return fmt.Errorf("upsert gateway: %w", err)
	}
	return nil
}

// RetireStale closes current gateway relationships unseen past the staleness
// threshold.
func (g *GatewayInference) RetireStale(ctx context.Context) (int, error) {
	now := g.clk.Now().UTC()
	cutoff := now.Add(-g.cfg.StalenessThreshold)
	current, err := g.st.CurrentGateways(ctx)
	if err != nil {
		return 0, fmt.Errorf("load current gateways: %w", err)
	}
	retired := 0
	for _, gw := range current {
		if !gw.LastSeen.Before(cutoff) {
			continue
		}
		if err := g.st.InvalidateGateway(ctx, gw.ID, now); err != nil {
			return retired, fmt.Errorf("retire gateway %s: %w", gw.ID, err)
		}
		retired++
		g.log.Info("gateway retired",
			zap.String("gateway_id", gw.ID.String()),
			zap.Time("last_seen", gw.LastSeen))
	}
	return retired, nil
}
