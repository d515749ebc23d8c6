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

// Package pipeline turns persisted raw flows into the dependency graph: the
// aggregator rolls flows into per-window 5-tuple aggregates, the builder
// promotes aggregates to directed edges between assets, and gateway inference
// promotes next-hop observations to scored gateway relationships. Each stage
// is a ticker-driven worker with idempotent units of work.
package pipeline

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"flowlens"
	"flowlens/internal/store"
	"flowlens/internal/telemetry"
)

// AggregatorConfig sizes the tumbling windows.
type AggregatorConfig struct {
	// WindowWidth is the tumbling window size.
	WindowWidth time.Duration
	// WatermarkDelay is the grace period after a window closes before it is
	// aggregated, to absorb late flows.
	WatermarkDelay time.Duration
}

func (c AggregatorConfig) withDefaults() AggregatorConfig {
	if c.WindowWidth <= 0 {
		c.WindowWidth = time.Minute
	}
	if c.WatermarkDelay < 0 {
		c.WatermarkDelay = 0
	}
	return c
}

// Aggregator rolls raw flows into FlowAggregate rows, one per
// (window, 5-tuple). Reprocessing a window is idempotent: the same groups
// upsert onto the same keys.
type Aggregator struct {
	cfg AggregatorConfig
	st  store.Store
	clk clock.Clock
	log *zap.Logger
}

// NewAggregator builds an aggregator over the store.
func NewAggregator(cfg AggregatorConfig, st store.Store, clk clock.Clock, log *zap.Logger) *Aggregator {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Aggregator{cfg: cfg.withDefaults(), st: st, clk: clk, log: log}
}

// RunOnce aggregates every closed pending window, oldest first, and returns
// how many windows it processed. Windows still inside the watermark grace
// period are left alone.
func (a *Aggregator) RunOnce(ctx context.Context) (int, error) {
	before := a.clk.Now().UTC().Add(-a.cfg.WatermarkDelay)
	windows, err := a.st.PendingWindows(ctx, a.cfg.WindowWidth, before)
	if err != nil {
		return 0, fmt.Errorf("discover pending windows: %w", err)
	}
	for _, ws := range windows {
		if err := a.aggregateWindow(ctx, ws); err != nil {
			return 0, err
		}
	}
	return len(windows), nil
}

func (a *Aggregator) aggregateWindow(ctx context.Context, ws time.Time) error {
	started := time.Now()
	we := ws.Add(a.cfg.WindowWidth)

	flows, err := a.st.FlowsInWindow(ctx, ws, we)
	if err != nil {
		return fmt.Errorf("load flows for window %s: %w", ws.Format(time.RFC3339), err)
	}
	if len(flows) == 0 {
		return nil
	}

	groups := map[flowlens.AggregateKey]*flowlens.FlowAggregate{}
	obs := map[obsKey]*flowlens.GatewayObservation{}
	for _, f := range flows {
		key := flowlens.AggregateKey{
			WindowStart: ws,
			WindowEnd:   we,
			SrcIP:       f.SrcIP,
			DstIP:       f.DstIP,
			SrcPort:     f.SrcPort,
			DstPort:     f.DstPort,
			Protocol:    f.Protocol,
		}
		agg := groups[key]
		if agg == nil {
			agg = &flowlens.FlowAggregate{AggregateKey: key, ExporterIP: f.ExporterIP}
			groups[key] = agg
		}
		agg.BytesTotal += f.BytesCount
		agg.PacketsTotal += f.PacketsCount
		agg.FlowsCount++
		if f.FlowDurationMs > 0 {
			agg.DurationMsSum += uint64(f.FlowDurationMs)
		}

		if hop := f.NextHop(); hop.IsValid() && !hop.IsUnspecified() {
			if !agg.PrimaryGatewayIP.IsValid() {
				agg.PrimaryGatewayIP = hop
			}
			a.stageObservation(obs, f, hop, ws, we)
		}
	}

	aggs := make([]*flowlens.FlowAggregate, 0, len(groups))
	for _, agg := range groups {
		aggs = append(aggs, agg)
	}
	if err := a.st.UpsertAggregates(ctx, aggs); err != nil {
		return fmt.Errorf("upsert aggregates for window %s: %w", ws.Format(time.RFC3339), err)
	}
	if len(obs) > 0 {
		staged := make([]*flowlens.GatewayObservation, 0, len(obs))
		for _, o := range obs {
			staged = append(staged, o)
		}
		if err := a.st.InsertGatewayObservations(ctx, staged); err != nil {
			return fmt.Errorf("stage gateway observations: %w", err)
		}
	}

	telemetry.AggregationWindowDuration.Observe(time.Since(started).Seconds())
	a.log.Debug("window aggregated",
		zap.Time("window_start", ws),
		zap.Int("flows", len(flows)),
		zap.Int("aggregates", len(aggs)),
		zap.Int("gateway_observations", len(obs)))
	return nil
}

type obsKey struct {
	source, gateway, destination string
}

func (a *Aggregator) stageObservation(obs map[obsKey]*flowlens.GatewayObservation, f *flowlens.FlowRecord, hop netip.Addr, ws, we time.Time) {
	key := obsKey{source: f.SrcIP.String(), gateway: hop.String(), destination: f.DstIP.String()}
	o := obs[key]
	if o == nil {
		o = &flowlens.GatewayObservation{
			SourceIP:          f.SrcIP,
			GatewayIP:         hop,
			DestinationIP:     f.DstIP,
			WindowStart:       ws,
			WindowEnd:         we,
			ObservationSource: "next_hop",
		}
		obs[key] = o
	}
	o.BytesTotal += f.BytesCount
	o.FlowsCount++
}
