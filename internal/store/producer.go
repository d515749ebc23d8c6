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
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"flowlens"
)

// EventProducer publishes change events for external notification shells.
// Implementations should key messages by the event id so broker-side dedup
// and per-event ordering hold under producer retries.
//
// Note: we intentionally avoid importing a specific broker library; the
// daemon wires whichever adapter the deployment provides.
type EventProducer interface {
	PublishChange(ctx context.Context, e *flowlens.ChangeEvent) error
	Close() error
}

// changeMessage is the serialized payload handed to the producer.
type changeMessage struct {
	EventID             string  `json:"event_id"`
	ChangeType          string  `json:"change_type"`
	DetectedAtUnixMs    int64   `json:"detected_at_unix_ms"`
	AssetID             string  `json:"asset_id,omitempty"`
	DependencyID        string  `json:"dependency_id,omitempty"`
	ImpactScore         float64 `json:"impact_score"`
	AffectedAssetsCount int     `json:"affected_assets_count"`
}

// EncodeChange marshals the stable wire form of a change event. All producer
// adapters share it so downstream consumers see one schema.
func EncodeChange(e *flowlens.ChangeEvent) ([]byte, error) {
	msg := changeMessage{
		EventID:             e.ID.String(),
		ChangeType:          string(e.ChangeType),
		DetectedAtUnixMs:    e.DetectedAt.UnixMilli(),
		ImpactScore:         e.ImpactScore,
		AffectedAssetsCount: e.AffectedAssetsCount,
	}
	if e.AssetID != uuid.Nil {
		msg.AssetID = e.AssetID.String()
	}
	if e.DependencyID != uuid.Nil {
		msg.DependencyID = e.DependencyID.String()
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal change message: %w", err)
	}
	return b, nil
}

// LogProducer is the dependency-free adapter: it logs each published event.
// It lets the daemon run without a broker while keeping the publish path
// exercised.
type LogProducer struct {
	log *zap.Logger
}

// NewLogProducer returns a producer that logs to the given logger.
func NewLogProducer(log *zap.Logger) *LogProducer {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogProducer{log: log}
}

// PublishChange logs the event at INFO with its serialized payload.
func (p *LogProducer) PublishChange(ctx context.Context, e *flowlens.ChangeEvent) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	b, err := EncodeChange(e)
	if err != nil {
		return err
	}
	p.log.Info("change event published",
		zap.String("event_id", e.ID.String()),
		zap.String("change_type", string(e.ChangeType)),
		zap.ByteString("payload", b))
	return nil
}

// Close is a no-op for the logging adapter.
func (p *LogProducer) Close() error { return nil }
