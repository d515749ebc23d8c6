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
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"flowlens"
	"flowlens/internal/store"
)

// EngineConfig holds the auto-apply thresholds.
type EngineConfig struct {
	// AutoUpdateThreshold is the minimum recommendation confidence for an
	// automatic type update.
	AutoUpdateThreshold float64
	// MinFlows and MinObservationHours gate auto-apply on data sufficiency.
	MinFlows            uint64
	MinObservationHours int

	// MLConfidenceThreshold and MLMinFlows gate the ML path in hybrid mode;
	// below either, the engine falls back to heuristics.
	MLConfidenceThreshold float64
	MLMinFlows            uint64
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.AutoUpdateThreshold <= 0 {
		c.AutoUpdateThreshold = 0.70
	}
	if c.MinFlows == 0 {
		c.MinFlows = 100
	}
	if c.MinObservationHours <= 0 {
		c.MinObservationHours = 24
	}
	if c.MLConfidenceThreshold <= 0 {
		c.MLConfidenceThreshold = 0.80
	}
	if c.MLMinFlows == 0 {
		c.MLMinFlows = 500
	}
	return c
}

// Recommendation is one classification verdict with its evidence.
type Recommendation struct {
	AssetID    uuid.UUID
	Type       flowlens.AssetType
	Confidence float64
	Scores     map[flowlens.AssetType]float64
	Method     flowlens.ClassificationMethod
	Features   *flowlens.AssetFeatures
}

// Engine classifies assets from their 24-hour feature rows. An active ML
// predictor is swapped in atomically; classification in flight keeps the
// predictor it started with.
type Engine struct {
	cfg EngineConfig
	st  store.Store
	clk clock.Clock
	log *zap.Logger

	model atomic.Pointer[modelSlot]
}

type modelSlot struct{ p Predictor }

// NewEngine builds a classification engine.
func NewEngine(cfg EngineConfig, st store.Store, clk clock.Clock, log *zap.Logger) *Engine {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{cfg: cfg.withDefaults(), st: st, clk: clk, log: log}
}

// ActivateModel marks the registry row active and swaps the predictor in.
// Passing a nil predictor deactivates the ML path without touching the
// registry.
func (e *Engine) ActivateModel(ctx context.Context, modelID uuid.UUID, p Predictor) error {
	if p != nil {
		if err := e.st.ActivateMLModel(ctx, modelID); err != nil {
			return fmt.Errorf("activate model %s: %w", modelID, err)
		}
	}
	if p == nil {
		e.model.Store(nil)
		return nil
	}
	e.model.Store(&modelSlot{p: p})
	e.log.Info("ml model activated",
		zap.String("model_id", modelID.String()),
		zap.String("version", p.Version()))
	return nil
}

func (e *Engine) predictor() Predictor {
	slot := e.model.Load()
	if slot == nil {
		return nil
	}
	return slot.p
}

// Classify returns a recommendation for the asset from its latest 24-hour
// features. flowlens.ErrInsufficientData is returned when no feature row
// exists or the row saw no traffic.
func (e *Engine) Classify(ctx context.Context, assetID uuid.UUID) (*Recommendation, error) {
	f, err := e.st.LatestAssetFeatures(ctx, assetID, flowlens.Window24H)
	if errors.Is(err, flowlens.ErrNotFound) {
		return nil, flowlens.ErrInsufficientData
	}
	if err != nil {
		return nil, fmt.Errorf("load features for %s: %w", assetID, err)
	}
	if f.TotalFlows == 0 {
		return nil, flowlens.ErrInsufficientData
	}

	rec := &Recommendation{AssetID: assetID, Features: f}

	// Hybrid mode: ML wins only when it is confident and fed enough flows.
	if p := e.predictor(); p != nil && f.TotalFlows >= e.cfg.MLMinFlows {
		if t, probs := p.Predict(Vectorize(f)); probs[t] >= e.cfg.MLConfidenceThreshold {
			rec.Type = t
			rec.Confidence = probs[t]
			rec.Method = flowlens.ClassifiedByML
			rec.Scores = make(map[flowlens.AssetType]float64, len(probs))
			for pt, pp := range probs {
				rec.Scores[pt] = pp * 100
			}
			return rec, nil
		}
	}

	rec.Scores = HeuristicScores(f)
	rec.Type, rec.Confidence = TopType(rec.Scores)
	rec.Method = flowlens.ClassifiedByHeuristic
	return rec, nil
}

// ClassifyAll classifies every asset and auto-applies qualifying
// recommendations. Returns how many assets changed type.
func (e *Engine) ClassifyAll(ctx context.Context) (int, error) {
	assets, err := e.st.Assets(ctx)
	if err != nil {
		return 0, fmt.Errorf("load assets: %w", err)
	}
	changed := 0
	for _, a := range assets {
		rec, err := e.Classify(ctx, a.ID)
		if errors.Is(err, flowlens.ErrInsufficientData) {
			continue
		}
		if err != nil {
			return changed, err
		}
		applied, err := e.apply(ctx, a, rec)
		if err != nil {
			return changed, err
		}
		if applied {
			changed++
		}
	}
	return changed, nil
}

// apply runs the auto-update rule: never touch locked assets, require the
// confidence threshold and sufficient observation data, and record every
// type change in the audit log.
func (e *Engine) apply(ctx context.Context, a *flowlens.Asset, rec *Recommendation) (bool, error) {
	if a.ClassificationLocked {
		return false, nil
	}
	if rec.Confidence < e.cfg.AutoUpdateThreshold {
		return false, nil
	}
	if rec.Features.TotalFlows < e.cfg.MinFlows || rec.Features.ActiveHours < e.cfg.MinObservationHours {
		return false, nil
	}

	previous := a.AssetType
	a.AssetType = rec.Type
	a.ClassificationConfidence = rec.Confidence
	a.ClassificationScores = rec.Scores
	a.ClassificationMethod = rec.Method
	a.LastClassifiedAt = e.clk.Now().UTC()
	if err := e.st.UpdateAsset(ctx, a); err != nil {
		return false, fmt.Errorf("update asset %s: %w", a.ID, err)
	}

	if previous == rec.Type {
		return false, nil
	}
	if err := e.st.AppendClassificationHistory(ctx, &flowlens.ClassificationHistory{
		AssetID:      a.ID,
		PreviousType: previous,
		NewType:      rec.Type,
		Confidence:   rec.Confidence,
		Method:       rec.Method,
		ChangedAt:    a.LastClassifiedAt,
	}); err != nil {
		return false, fmt.Errorf("append classification history: %w", err)
	}
	e.log.Info("asset reclassified",
		zap.String("asset_id", a.ID.String()),
		zap.String("previous", string(previous)),
		zap.String("new", string(rec.Type)),
		zap.Float64("confidence", rec.Confidence),
		zap.String("method", string(rec.Method)))
	return true, nil
}
