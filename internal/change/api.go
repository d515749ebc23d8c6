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

package change

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"flowlens"
	"flowlens/internal/store"
	"flowlens/internal/telemetry"
)

// Acknowledge moves an unacknowledged alert to acknowledged. Acknowledging
// twice is an error; acknowledging a resolved alert is an error.
func (e *AlertEngine) Acknowledge(ctx context.Context, alertID uuid.UUID, by string) (*flowlens.Alert, error) {
	a, err := e.st.AlertByID(ctx, alertID)
	if err != nil {
		return nil, fmt.Errorf("load alert: %w", err)
	}
	if a.Status != flowlens.AlertUnacknowledged {
		return nil, fmt.Errorf("alert %s: cannot acknowledge from %s", alertID, a.Status)
	}
	now := e.clk.Now().UTC()
	a.Status = flowlens.AlertAcknowledged
	a.AcknowledgedAt = &now
	a.AcknowledgedBy = by
	if err := e.st.UpdateAlert(ctx, a); err != nil {
		return nil, fmt.Errorf("update alert: %w", err)
	}
	return a, nil
}

// Resolve closes an alert. Resolving an unacknowledged alert implies
// acknowledgement by the same principal.
func (e *AlertEngine) Resolve(ctx context.Context, alertID uuid.UUID, by string) (*flowlens.Alert, error) {
	a, err := e.st.AlertByID(ctx, alertID)
	if err != nil {
		return nil, fmt.Errorf("load alert: %w", err)
	}
	if a.Status == flowlens.AlertResolved {
		return nil, fmt.Errorf("alert %s: already resolved", alertID)
	}
	resolveAlert(a, by, e.clk.Now().UTC())
	if err := e.st.UpdateAlert(ctx, a); err != nil {
		return nil, fmt.Errorf("update alert: %w", err)
	}
	return a, nil
}

// Admin performs the operator-initiated removals: tombstoning an asset and
// retiring a dependency edge by hand. Both record a change event, so
// downstream consumers see automated and manual topology changes through
// the same stream.
type Admin struct {
	st       store.Store
	producer store.EventProducer
	clk      clock.Clock
	log      *zap.Logger
}

// NewAdmin wires the admin surface over the store.
func NewAdmin(st store.Store, producer store.EventProducer, clk clock.Clock, log *zap.Logger) *Admin {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if producer == nil {
		producer = store.NewLogProducer(log)
	}
	return &Admin{st: st, producer: producer, clk: clk, log: log}
}

// RemoveAsset soft-deletes the asset and emits asset_removed. The tombstone
// is permanent: a later flow from the same address creates a new asset.
func (ad *Admin) RemoveAsset(ctx context.Context, id uuid.UUID) error {
	a, err := ad.st.AssetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("load asset: %w", err)
	}
	now := ad.clk.Now().UTC()
	if err := ad.st.SoftDeleteAsset(ctx, id, now); err != nil {
		return fmt.Errorf("delete asset: %w", err)
	}
	prev, _ := json.Marshal(a)
	return ad.record(ctx, &flowlens.ChangeEvent{
		ChangeType:    flowlens.ChangeAssetRemoved,
		DetectedAt:    now,
		AssetID:       id,
		PreviousState: prev,
	})
}

// RemoveDependency closes the current edge version with a deleted
// transition and emits dependency_removed.
func (ad *Admin) RemoveDependency(ctx context.Context, id uuid.UUID) error {
	dep, err := ad.st.DependencyByID(ctx, id)
	if err != nil {
		return fmt.Errorf("load dependency: %w", err)
	}
	if dep.ValidTo != nil {
		return fmt.Errorf("dependency %s: version already closed", id)
	}
	now := ad.clk.Now().UTC()
	if err := ad.st.InvalidateDependency(ctx, id, now, flowlens.TransitionDeleted); err != nil {
		return fmt.Errorf("invalidate dependency: %w", err)
	}
	prev, _ := json.Marshal(dep)
	return ad.record(ctx, &flowlens.ChangeEvent{
		ChangeType:    flowlens.ChangeDependencyRemoved,
		DetectedAt:    now,
		AssetID:       dep.TargetAssetID,
		DependencyID:  id,
		PreviousState: prev,
	})
}

func (ad *Admin) record(ctx context.Context, ev *flowlens.ChangeEvent) error {
	if err := ad.st.InsertChangeEvent(ctx, ev); err != nil {
		return fmt.Errorf("insert change event: %w", err)
	}
	telemetry.ChangeEvents.WithLabelValues(string(ev.ChangeType)).Inc()
	if err := ad.producer.PublishChange(ctx, ev); err != nil {
		ad.log.Warn("change event publish failed", zap.Error(err),
			zap.String("change_type", string(ev.ChangeType)))
	}
	return nil
}
