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

package flowlens

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/google/uuid"
)

// EdgeKey identifies the current (non-invalidated) dependency between two
// assets on a given target port and protocol. At most one current Dependency
// row exists per key; invalidated versions are retained for point-in-time
// queries.
type EdgeKey struct {
	SourceAssetID uuid.UUID
	TargetAssetID uuid.UUID
	TargetPort    uint16
	Protocol      uint8
}

// Dependency is a directed, temporally-valid edge in the asset graph:
// source talks to target on TargetPort/Protocol. ValidTo == nil marks the
// current version; a stale or superseded edge gets ValidTo set and a new
// current row is created on reappearance.
type Dependency struct {
	ID uuid.UUID

	EdgeKey

	BytesTotal   uint64
	PacketsTotal uint64
	FlowsTotal   uint64

	BytesLast24h uint64
	BytesLast7d  uint64

	FirstSeen time.Time
	LastSeen  time.Time

	ValidFrom time.Time
	ValidTo   *time.Time

	// AvgLatencyMs is optional; zero means never measured.
	AvgLatencyMs float64

	IsCritical  bool
	IsConfirmed bool
	IsIgnored   bool

	DiscoveredBy string
}

// Current reports whether this is the live version of the edge.
func (d *Dependency) Current() bool { return d.ValidTo == nil }

// ValidAt reports whether the edge version was live at t.
func (d *Dependency) ValidAt(t time.Time) bool {
	if d.ValidFrom.After(t) {
		return false
	}
	return d.ValidTo == nil || d.ValidTo.After(t)
}

// Validate enforces the structural invariants of an edge.
func (d *Dependency) Validate() error {
	if d.SourceAssetID == d.TargetAssetID {
		return fmt.Errorf("dependency %s: self-loop on asset %s", d.ID, d.SourceAssetID)
	}
	return nil
}

// DependencyTransition names the lifecycle step recorded in history.
type DependencyTransition string

// Dependency history transitions.
const (
	TransitionCreated DependencyTransition = "created"
	TransitionUpdated DependencyTransition = "updated"
	TransitionStale   DependencyTransition = "stale"
	TransitionDeleted DependencyTransition = "deleted"
)

// DependencyHistory is the append-only log of edge transitions with
// before/after snapshots for audit and point-in-time reconstruction.
type DependencyHistory struct {
	ID           uuid.UUID
	DependencyID uuid.UUID
	Transition   DependencyTransition
	Before       *Dependency
	After        *Dependency
	RecordedAt   time.Time
}

// GatewayRole is the routing role inferred for a gateway relationship.
type GatewayRole string

// Gateway roles. The highest-share gateway per (source, destination network)
// is primary; peers carrying at least 20% of traffic are ecmp; the rest are
// secondary.
const (
	RolePrimary   GatewayRole = "primary"
	RoleSecondary GatewayRole = "secondary"
	RoleECMP      GatewayRole = "ecmp"
)

// GatewayObservation is the pre-rollup staging record: one row per
// (source, gateway, destination) tuple per window, accumulated from next-hop
// fields or exporter identity.
type GatewayObservation struct {
	ID uuid.UUID

	SourceIP      netip.Addr
	GatewayIP     netip.Addr
	DestinationIP netip.Addr

	WindowStart time.Time
	WindowEnd   time.Time

	BytesTotal uint64
	FlowsCount uint64

	// ObservationSource is "next_hop" or "exporter".
	ObservationSource string

	IsProcessed bool
}

// AssetGateway is a typed, confidence-scored gateway relationship promoted
// from rolled-up observations. DestinationNetwork is nil for the default
// route. Self-gateways are rejected by invariant.
type AssetGateway struct {
	ID uuid.UUID

	SourceAssetID  uuid.UUID
	GatewayAssetID uuid.UUID

	DestinationNetwork *netip.Prefix

	Role GatewayRole

	// Confidence is the combined score in [0,1]; ConfidenceScores keeps the
	// individual contributions for explainability.
	Confidence       float64
	ConfidenceScores map[string]float64

	// TrafficShare is this gateway's fraction of the source's traffic toward
	// the destination context; shares sum to 1.0 ± ε per context.
	TrafficShare float64

	BytesTotal uint64
	FlowsTotal uint64

	FirstSeen time.Time
	LastSeen  time.Time

	ValidFrom time.Time
	ValidTo   *time.Time
}

// Validate enforces the no-self-gateway invariant and role domain.
func (g *AssetGateway) Validate() error {
	if g.SourceAssetID == g.GatewayAssetID {
		return fmt.Errorf("asset gateway %s: self-reference on asset %s", g.ID, g.SourceAssetID)
	}
	switch g.Role {
	case RolePrimary, RoleSecondary, RoleECMP:
	default:
		return fmt.Errorf("asset gateway %s: invalid role %q", g.ID, g.Role)
	}
	return nil
}

// Current reports whether this is the live version of the relationship.
func (g *AssetGateway) Current() bool { return g.ValidTo == nil }
