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

// Package store defines the persistence contracts for the pipeline and two
// backends: a PostgreSQL store for production and an in-memory store for
// tests and dependency-free runs. All mutations go through these interfaces;
// no service package issues SQL of its own.
package store

import (
	"context"
	"net/netip"
	"time"

	"github.com/google/uuid"

	"flowlens"
)

// defaultTimeout bounds every store operation that the caller did not bound
// already.
const defaultTimeout = 10 * time.Second

// FlowStore persists raw flow records and answers the window queries the
// aggregator runs on them.
type FlowStore interface {
	// InsertFlows bulk-inserts one batch. Records are immutable once written.
	InsertFlows(ctx context.Context, records []*flowlens.FlowRecord) error

	// PendingWindows returns the window starts, ascending, for which raw
	// flows exist but no aggregate row does, considering only windows that
	// end at or before the high-water mark.
	PendingWindows(ctx context.Context, width time.Duration, before time.Time) ([]time.Time, error)

	// FlowsInWindow returns raw records with start <= timestamp < end.
	FlowsInWindow(ctx context.Context, start, end time.Time) ([]*flowlens.FlowRecord, error)
}

// AggregateStore persists windowed rollups.
type AggregateStore interface {
	// UpsertAggregates writes aggregates keyed by their window + 5-tuple.
	// Re-running a window produces identical rows, so upserts are safe.
	UpsertAggregates(ctx context.Context, aggs []*flowlens.FlowAggregate) error

	// UnprocessedAggregates returns up to limit aggregates with
	// is_processed=false, ascending by window start.
	UnprocessedAggregates(ctx context.Context, limit int) ([]*flowlens.FlowAggregate, error)

	// AggregatesSince returns aggregates whose window started at or after
	// since; feature extraction reads these.
	AggregatesSince(ctx context.Context, since time.Time) ([]*flowlens.FlowAggregate, error)
}

// AssetStore owns assets, their services, and the CIDR classification rules
// the mapper inherits attributes from.
type AssetStore interface {
	// AssetByIP returns the non-deleted asset with the address, or
	// flowlens.ErrNotFound. Soft-deleted assets are invisible here.
	AssetByIP(ctx context.Context, ip netip.Addr) (*flowlens.Asset, error)

	AssetByID(ctx context.Context, id uuid.UUID) (*flowlens.Asset, error)

	CreateAsset(ctx context.Context, a *flowlens.Asset) error
	UpdateAsset(ctx context.Context, a *flowlens.Asset) error

	// Assets returns all non-deleted assets.
	Assets(ctx context.Context) ([]*flowlens.Asset, error)

	// SoftDeleteAsset tombstones the asset; it is never resurrected.
	SoftDeleteAsset(ctx context.Context, id uuid.UUID, at time.Time) error

	// AddConnectionCounts bumps the denormalized in/out edge counters.
	AddConnectionCounts(ctx context.Context, id uuid.UUID, in, out uint64) error

	// UpsertService records a listener observation, accumulating
	// connections_total and advancing last_seen.
	UpsertService(ctx context.Context, s *flowlens.Service) error
	Services(ctx context.Context, assetID uuid.UUID) ([]*flowlens.Service, error)

	// ClassificationRules returns all rules, active and not; the mapper
	// filters and orders them.
	ClassificationRules(ctx context.Context) ([]*flowlens.ClassificationRule, error)
	SaveClassificationRule(ctx context.Context, r *flowlens.ClassificationRule) error
}

// EdgeDelta is one aggregate's contribution to a dependency edge, applied
// atomically together with the aggregate's is_processed flip.
type EdgeDelta struct {
	Key flowlens.EdgeKey

	WindowStart time.Time
	WindowEnd   time.Time

	Bytes   uint64
	Packets uint64
	Flows   uint64

	// AggregateID is flipped to processed in the same transaction as the
	// edge write; a rollback leaves it unprocessed for the next sweep.
	AggregateID uuid.UUID

	DiscoveredBy string
}

// DependencyStore owns the temporally-valid edge set, its traffic history,
// and the append-only transition log.
type DependencyStore interface {
	// ApplyEdgeDelta upserts the current edge row for the delta's key and
	// marks the aggregate processed, in one transaction. Concurrent deltas
	// against the same key serialize; at most one insert wins. The returned
	// edge reflects the post-apply state, with rolling 24h/7d counters
	// recomputed.
	ApplyEdgeDelta(ctx context.Context, delta EdgeDelta) (dep *flowlens.Dependency, created bool, err error)

	// CurrentDependency returns the live edge for the key, or ErrNotFound.
	CurrentDependency(ctx context.Context, key flowlens.EdgeKey) (*flowlens.Dependency, error)

	DependencyByID(ctx context.Context, id uuid.UUID) (*flowlens.Dependency, error)

	// CurrentDependencies returns every live edge.
	CurrentDependencies(ctx context.Context) ([]*flowlens.Dependency, error)

	// DependenciesAt returns the edges valid at the reference time, for
	// point-in-time queries.
	DependenciesAt(ctx context.Context, t time.Time) ([]*flowlens.Dependency, error)

	// DependenciesSeenSince returns current edges whose last_seen is at or
	// after since; the change detector scans these.
	DependenciesSeenSince(ctx context.Context, since time.Time) ([]*flowlens.Dependency, error)

	// StaleCurrentDependencies returns live edges with last_seen before the
	// cutoff.
	StaleCurrentDependencies(ctx context.Context, cutoff time.Time) ([]*flowlens.Dependency, error)

	// InvalidateDependency closes the edge version at the given instant and
	// appends the transition to history.
	InvalidateDependency(ctx context.Context, id uuid.UUID, at time.Time, transition flowlens.DependencyTransition) error

	// SetDependencyFlags persists the operator-controlled bits
	// (is_critical, is_confirmed, is_ignored).
	SetDependencyFlags(ctx context.Context, id uuid.UUID, critical, confirmed, ignored bool) error

	AppendDependencyHistory(ctx context.Context, h *flowlens.DependencyHistory) error
	DependencyHistoryFor(ctx context.Context, dependencyID uuid.UUID) ([]*flowlens.DependencyHistory, error)
}

// GatewayStore stages next-hop observations and owns the promoted gateway
// relationships.
type GatewayStore interface {
	InsertGatewayObservations(ctx context.Context, obs []*flowlens.GatewayObservation) error
	UnprocessedGatewayObservations(ctx context.Context, limit int) ([]*flowlens.GatewayObservation, error)
	MarkGatewayObservationsProcessed(ctx context.Context, ids []uuid.UUID) error

	// GatewayObservationsSince returns observations whose window started at
	// or after since, processed or not; temporal-consistency scoring reads
	// the full recent history.
	GatewayObservationsSince(ctx context.Context, since time.Time) ([]*flowlens.GatewayObservation, error)

	// CurrentGateways returns every live gateway relationship.
	CurrentGateways(ctx context.Context) ([]*flowlens.AssetGateway, error)

	// UpsertGateway writes the current row for (source, gateway,
	// destination network), replacing counters and scores in place.
	UpsertGateway(ctx context.Context, g *flowlens.AssetGateway) error

	// InvalidateGateway closes the relationship version at the instant.
	InvalidateGateway(ctx context.Context, id uuid.UUID, at time.Time) error
}

// ChangeStore owns change events, alerts, alert rules, and maintenance
// windows.
type ChangeStore interface {
	InsertChangeEvent(ctx context.Context, e *flowlens.ChangeEvent) error
	UnprocessedChangeEvents(ctx context.Context, limit int) ([]*flowlens.ChangeEvent, error)
	MarkChangeEventProcessed(ctx context.Context, id uuid.UUID) error
	ChangeEventByID(ctx context.Context, id uuid.UUID) (*flowlens.ChangeEvent, error)
	ChangeEventsSince(ctx context.Context, since time.Time) ([]*flowlens.ChangeEvent, error)

	InsertAlert(ctx context.Context, a *flowlens.Alert) error
	AlertByID(ctx context.Context, id uuid.UUID) (*flowlens.Alert, error)
	UpdateAlert(ctx context.Context, a *flowlens.Alert) error

	// OpenAlerts returns alerts not yet resolved, newest first.
	OpenAlerts(ctx context.Context) ([]*flowlens.Alert, error)

	// AlertsForEvent returns the alerts bound to a change event.
	AlertsForEvent(ctx context.Context, eventID uuid.UUID) ([]*flowlens.Alert, error)

	AlertRules(ctx context.Context) ([]*flowlens.AlertRule, error)
	SaveAlertRule(ctx context.Context, r *flowlens.AlertRule) error

	MaintenanceWindows(ctx context.Context) ([]*flowlens.MaintenanceWindow, error)
	SaveMaintenanceWindow(ctx context.Context, w *flowlens.MaintenanceWindow) error
}

// ClassificationStore owns feature rows, the classification audit log, and
// the ML model registry.
type ClassificationStore interface {
	SaveAssetFeatures(ctx context.Context, f *flowlens.AssetFeatures) error

	// LatestAssetFeatures returns the newest feature row for the asset and
	// window, or ErrNotFound.
	LatestAssetFeatures(ctx context.Context, assetID uuid.UUID, window flowlens.FeatureWindow) (*flowlens.AssetFeatures, error)

	AppendClassificationHistory(ctx context.Context, h *flowlens.ClassificationHistory) error
	ClassificationHistoryFor(ctx context.Context, assetID uuid.UUID) ([]*flowlens.ClassificationHistory, error)

	MLModels(ctx context.Context) ([]*flowlens.MLModel, error)
	SaveMLModel(ctx context.Context, m *flowlens.MLModel) error

	// ActivateMLModel makes the given model the single active one.
	ActivateMLModel(ctx context.Context, id uuid.UUID) error
}

// Store is the full persistence surface the daemon wires once and shares.
type Store interface {
	FlowStore
	AggregateStore
	AssetStore
	DependencyStore
	GatewayStore
	ChangeStore
	ClassificationStore

	Ping(ctx context.Context) error
	Close() error
}
