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

// Package change watches the graph for deltas worth telling an operator
// about. The detector scans recent writes on a cadence and emits typed
// ChangeEvents; the alert engine evaluates subscription rules over those
// events and manages the alert lifecycle. Events tied to a single store
// transaction (edge created, edge gone stale) are emitted inline by the
// pipeline; the detector covers the derived conditions that need comparison
// across runs.
package change

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"flowlens"
	"flowlens/internal/store"
	"flowlens/internal/telemetry"
)

// DetectorConfig tunes the scan.
type DetectorConfig struct {
	// Interval is the detection cadence; the scan window covers writes since
	// the previous run.
	Interval time.Duration
	// SpikeRatio is the |Δ|/prior threshold for traffic spike/drop events.
	SpikeRatio float64
	// OfflineThreshold marks an asset offline when last_seen lags this far.
	OfflineThreshold time.Duration
}

func (c DetectorConfig) withDefaults() DetectorConfig {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.SpikeRatio <= 0 {
		c.SpikeRatio = 2.0
	}
	if c.OfflineThreshold <= 0 {
		c.OfflineThreshold = time.Hour
	}
	return c
}

// Detector produces ChangeEvents for derived graph conditions: discovered
// assets, offline/online transitions, new external connections, traffic
// spikes and drops, and critical-path changes. Baselines for spike detection
// live in memory and are primed on the first run.
type Detector struct {
	cfg      DetectorConfig
	st       store.Store
	alerts   *AlertEngine
	producer store.EventProducer
	clk      clock.Clock
	log      *zap.Logger

	lastRun time.Time
	// prior maps dependency id to the bytes_last_24h seen on the previous
	// run; spike math compares against it.
	prior map[uuid.UUID]uint64
	// offline tracks assets already reported offline, so transitions emit
	// exactly once each way.
	offline map[uuid.UUID]bool
	// knownEdges marks edges already inspected for external endpoints.
	knownEdges map[uuid.UUID]bool
	primed     bool
}

// NewDetector wires the detector over the store and alert engine.
func NewDetector(cfg DetectorConfig, st store.Store, alerts *AlertEngine, producer store.EventProducer, clk clock.Clock, log *zap.Logger) *Detector {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if producer == nil {
		producer = store.NewLogProducer(log)
	}
	return &Detector{
		cfg:        cfg.withDefaults(),
		st:         st,
		alerts:     alerts,
		producer:   producer,
		clk:        clk,
		log:        log,
		prior:      map[uuid.UUID]uint64{},
		offline:    map[uuid.UUID]bool{},
		knownEdges: map[uuid.UUID]bool{},
	}
}

// RunOnce performs one detection pass and returns how many events it
// emitted. The first pass primes baselines and emits nothing for spikes.
func (d *Detector) RunOnce(ctx context.Context) (int, error) {
	now := d.clk.Now().UTC()
	since := d.lastRun
	if since.IsZero() {
		since = now.Add(-d.cfg.Interval)
	}

	if err := d.drainPending(ctx); err != nil {
		return 0, err
	}

	emitted := 0
	n, err := d.scanAssets(ctx, since, now)
	if err != nil {
		return emitted, err
	}
	emitted += n

	n, err = d.scanDependencies(ctx, since, now)
	if err != nil {
		return emitted, err
	}
	emitted += n

	d.lastRun = now
	d.primed = true
	if emitted > 0 {
		d.log.Info("detection pass complete", zap.Int("events", emitted))
	}
	return emitted, nil
}

// drainBatchSize bounds each pull of pending events per pass.
const drainBatchSize = 500

// drainPending routes events emitted outside the detector (the dependency
// builder, admin removals) through the alert engine. The detector's own
// events are evaluated inline and never show up here; Evaluate marks each
// event processed, so a batch never repeats.
func (d *Detector) drainPending(ctx context.Context) error {
	for {
		events, err := d.st.UnprocessedChangeEvents(ctx, drainBatchSize)
		if err != nil {
			return fmt.Errorf("load unprocessed change events: %w", err)
		}
		if len(events) == 0 {
			return nil
		}
		for _, ev := range events {
			if d.alerts == nil {
				if err := d.st.MarkChangeEventProcessed(ctx, ev.ID); err != nil {
					return fmt.Errorf("mark change event processed: %w", err)
				}
				continue
			}
			if _, err := d.alerts.Evaluate(ctx, ev); err != nil {
				return fmt.Errorf("evaluate alerts: %w", err)
			}
		}
		if len(events) < drainBatchSize {
			return nil
		}
	}
}

func (d *Detector) scanAssets(ctx context.Context, since, now time.Time) (int, error) {
	assets, err := d.st.Assets(ctx)
	if err != nil {
		return 0, fmt.Errorf("load assets: %w", err)
	}
	emitted := 0
	for _, a := range assets {
		if !a.FirstSeen.Before(since) && d.primed {
			if err := d.emit(ctx, &flowlens.ChangeEvent{
				ChangeType: flowlens.ChangeAssetDiscovered,
				DetectedAt: now,
				AssetID:    a.ID,
				NewState:   snapshot(a),
			}); err != nil {
				return emitted, err
			}
			emitted++
		}

		isOff := now.Sub(a.LastSeen) > d.cfg.OfflineThreshold
		wasOff := d.offline[a.ID]
		switch {
		case isOff && !wasOff:
			d.offline[a.ID] = true
			if !d.primed {
				continue // long-dead assets at startup are not news
			}
			if err := d.emit(ctx, &flowlens.ChangeEvent{
				ChangeType: flowlens.ChangeAssetOffline,
				DetectedAt: now,
				AssetID:    a.ID,
				NewState:   snapshot(a),
			}); err != nil {
				return emitted, err
			}
			emitted++
		case !isOff && wasOff:
			delete(d.offline, a.ID)
			if err := d.emit(ctx, &flowlens.ChangeEvent{
				ChangeType: flowlens.ChangeAssetOnline,
				DetectedAt: now,
				AssetID:    a.ID,
				NewState:   snapshot(a),
			}); err != nil {
				return emitted, err
			}
			emitted++
		}
	}
	return emitted, nil
}

func (d *Detector) scanDependencies(ctx context.Context, since, now time.Time) (int, error) {
	deps, err := d.st.DependenciesSeenSince(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("load recent dependencies: %w", err)
	}
	emitted := 0
	for _, dep := range deps {
		n, err := d.inspectEdge(ctx, dep, now)
		if err != nil {
			return emitted, err
		}
		emitted += n
	}
	return emitted, nil
}

func (d *Detector) inspectEdge(ctx context.Context, dep *flowlens.Dependency, now time.Time) (int, error) {
	emitted := 0

	if !d.knownEdges[dep.ID] {
		d.knownEdges[dep.ID] = true
		external, err := d.eitherExternal(ctx, dep)
		if err != nil {
			return emitted, err
		}
		if external && d.primed {
			if err := d.emit(ctx, &flowlens.ChangeEvent{
				ChangeType:   flowlens.ChangeNewExternalConnection,
				DetectedAt:   now,
				AssetID:      dep.TargetAssetID,
				DependencyID: dep.ID,
				NewState:     snapshot(dep),
			}); err != nil {
				return emitted, err
			}
			emitted++
		}
	}

	prior, seen := d.prior[dep.ID]
	d.prior[dep.ID] = dep.BytesLast24h
	if !seen || !d.primed {
		return emitted, nil
	}

	cur := dep.BytesLast24h
	var delta uint64
	if cur > prior {
		delta = cur - prior
	} else {
		delta = prior - cur
	}
	den := prior
	if den == 0 {
		den = 1
	}
	ratio := float64(delta) / float64(den)
	if ratio < d.cfg.SpikeRatio {
		return emitted, nil
	}

	ct := flowlens.ChangeTrafficSpike
	if cur < prior {
		ct = flowlens.ChangeTrafficDrop
	}
	ev := &flowlens.ChangeEvent{
		ChangeType:   ct,
		DetectedAt:   now,
		AssetID:      dep.TargetAssetID,
		DependencyID: dep.ID,
		NewState:     snapshot(dep),
		ImpactScore:  impactScore(ratio, dep.IsCritical),
	}
	if err := d.emit(ctx, ev); err != nil {
		return emitted, err
	}
	emitted++

	if dep.IsCritical {
		if err := d.emit(ctx, &flowlens.ChangeEvent{
			ChangeType:   flowlens.ChangeCriticalPath,
			DetectedAt:   now,
			AssetID:      dep.TargetAssetID,
			DependencyID: dep.ID,
			NewState:     snapshot(dep),
			ImpactScore:  impactScore(ratio, true),
		}); err != nil {
			return emitted, err
		}
		emitted++
	}
	return emitted, nil
}

func (d *Detector) eitherExternal(ctx context.Context, dep *flowlens.Dependency) (bool, error) {
	for _, id := range []uuid.UUID{dep.SourceAssetID, dep.TargetAssetID} {
		a, err := d.st.AssetByID(ctx, id)
		if err != nil {
			return false, fmt.Errorf("load asset %s: %w", id, err)
		}
		if a.External() {
			return true, nil
		}
	}
	return false, nil
}

// impactScore maps a spike ratio to [0,100], with a criticality bump.
func impactScore(ratio float64, critical bool) float64 {
	score := ratio * 10
	if critical {
		score += 30
	}
	if score > 100 {
		score = 100
	}
	return score
}

// emit stores, publishes, and forwards the event to the alert engine.
func (d *Detector) emit(ctx context.Context, ev *flowlens.ChangeEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	if err := d.st.InsertChangeEvent(ctx, ev); err != nil {
		return fmt.Errorf("insert change event: %w", err)
	}
	telemetry.ChangeEvents.WithLabelValues(string(ev.ChangeType)).Inc()
	if err := d.producer.PublishChange(ctx, ev); err != nil {
		d.log.Warn("change event publish failed", zap.Error(err),
			zap.String("change_type", string(ev.ChangeType)))
	}
	if d.alerts != nil {
		if _, err := d.alerts.Evaluate(ctx, ev); err != nil {
			return fmt.Errorf("evaluate alerts: %w", err)
		}
	}
	return nil
}

func snapshot(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}
