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

// AssetType is the behavioral taxonomy an asset is classified into.
type AssetType string

// Asset taxonomy. TypeUnknown is assigned when no classification rule matches
// and no behavioral classification has been applied yet.
const (
	TypeServer         AssetType = "server"
	TypeWorkstation    AssetType = "workstation"
	TypeDatabase       AssetType = "database"
	TypeLoadBalancer   AssetType = "load_balancer"
	TypeNetworkDevice  AssetType = "network_device"
	TypeStorage        AssetType = "storage"
	TypeContainer      AssetType = "container"
	TypeVirtualMachine AssetType = "virtual_machine"
	TypeCloudService   AssetType = "cloud_service"
	TypeRouter         AssetType = "router"
	TypeSwitch         AssetType = "switch"
	TypeFirewall       AssetType = "firewall"
	TypeUnknown        AssetType = "unknown"
)

// AllAssetTypes lists every classifiable type, in scoring order.
func AllAssetTypes() []AssetType {
	return []AssetType{
		TypeServer, TypeWorkstation, TypeDatabase, TypeLoadBalancer,
		TypeNetworkDevice, TypeStorage, TypeContainer, TypeVirtualMachine,
		TypeCloudService, TypeRouter, TypeSwitch, TypeFirewall,
	}
}

// ClassificationMethod records how an asset's type was most recently set.
type ClassificationMethod string

// Classification methods.
const (
	ClassifiedByRule      ClassificationMethod = "rule"
	ClassifiedByHeuristic ClassificationMethod = "heuristic"
	ClassifiedByML        ClassificationMethod = "ml"
	ClassifiedByUser      ClassificationMethod = "manual"
)

// Asset is a host (or addressable entity) participating in the dependency
// graph. Assets are created on first flow mapping, enriched by classification,
// and soft-deleted only: a tombstoned asset is never resurrected; the next
// observation of its address creates a fresh entity.
type Asset struct {
	ID        uuid.UUID
	IPAddress netip.Addr

	AssetType   AssetType
	Name        string
	DisplayName string
	Hostname    string

	Environment string
	Datacenter  string
	Location    string
	Team        string
	Owner       string

	// IsInternal is tri-state: nil means unspecified (neither confirmed
	// internal nor external). Rule inheritance never overwrites a set value.
	IsInternal *bool
	IsCritical bool

	ConnectionsIn  uint64
	ConnectionsOut uint64

	FirstSeen time.Time
	LastSeen  time.Time

	ClassificationLocked     bool
	ClassificationConfidence float64
	ClassificationScores     map[AssetType]float64
	LastClassifiedAt         time.Time
	ClassificationMethod     ClassificationMethod

	DeletedAt *time.Time
}

// Deleted reports whether the asset carries a soft-delete tombstone.
func (a *Asset) Deleted() bool { return a.DeletedAt != nil }

// Internal reports the tri-state IsInternal collapsed for callers that only
// care about confirmed-internal.
func (a *Asset) Internal() bool { return a.IsInternal != nil && *a.IsInternal }

// External reports a confirmed-external asset (IsInternal set to false).
// Unspecified is not external: new-external-connection events require the
// tri-state to have been resolved by a rule or an operator.
func (a *Asset) External() bool { return a.IsInternal != nil && !*a.IsInternal }

// Label returns the best human-readable identifier for the asset.
func (a *Asset) Label() string {
	switch {
	case a.DisplayName != "":
		return a.DisplayName
	case a.Name != "":
		return a.Name
	case a.Hostname != "":
		return a.Hostname
	}
	return a.IPAddress.String()
}

// ClassificationRule maps a CIDR to attributes inherited by assets created
// inside it. Longest prefix wins; Priority breaks ties at equal prefix length
// (smaller wins). Inactive rules are skipped entirely.
type ClassificationRule struct {
	ID       uuid.UUID
	Name     string
	CIDR     netip.Prefix
	Priority int
	Active   bool

	Environment  string
	Datacenter   string
	Location     string
	AssetType    AssetType
	IsInternal   *bool
	DefaultOwner string
	DefaultTeam  string
}

// Validate rejects rules without a usable prefix.
func (r *ClassificationRule) Validate() error {
	if !r.CIDR.IsValid() {
		return fmt.Errorf("classification rule %q: invalid CIDR", r.Name)
	}
	return nil
}

// Matches reports whether the rule's prefix contains ip.
func (r *ClassificationRule) Matches(ip netip.Addr) bool {
	if !r.Active || !r.CIDR.IsValid() {
		return false
	}
	return r.CIDR.Contains(ip.Unmap())
}

// FeatureWindow names the lookback horizon a feature row was computed over.
type FeatureWindow string

// Feature extraction windows.
const (
	Window5Min  FeatureWindow = "5min"
	Window1Hour FeatureWindow = "1hour"
	Window24H   FeatureWindow = "24hour"
)

// Duration returns the wall-clock width of the window.
func (w FeatureWindow) Duration() time.Duration {
	switch w {
	case Window5Min:
		return 5 * time.Minute
	case Window1Hour:
		return time.Hour
	case Window24H:
		return 24 * time.Hour
	}
	return time.Hour
}

// AssetFeatures is a per-asset, per-window behavioral profile derived from
// flow aggregates. It is the input to both heuristic and ML classification.
type AssetFeatures struct {
	ID         uuid.UUID
	AssetID    uuid.UUID
	Window     FeatureWindow
	ComputedAt time.Time

	FlowsIn  uint64
	FlowsOut uint64
	BytesIn  uint64
	BytesOut uint64

	FanIn  int // distinct peers connecting to the asset
	FanOut int // distinct peers the asset connects to

	UniqueSrcPorts int
	UniqueDstPorts int

	// WellKnownPortRatio is the fraction of inbound flows targeting ports
	// below 1024; EphemeralPortRatio the fraction arriving on ports >= 32768.
	WellKnownPortRatio float64
	EphemeralPortRatio float64

	// PersistentListenerPorts are inbound ports seen across a majority of
	// sub-intervals in the window; they indicate long-lived services.
	PersistentListenerPorts []uint16

	// ProtocolDistribution maps protocol number to share of flows in [0,1].
	ProtocolDistribution map[uint8]float64

	AvgFlowDurationMs float64
	AvgPacketSize     float64

	// ConnectionChurn is new-peer turnover: distinct peers divided by total
	// flows. High churn with high fan-in suggests a public-facing service.
	ConnectionChurn float64

	ActiveHours        int
	BusinessHoursRatio float64
	TrafficVariance    float64

	HasDBPorts      bool
	HasStoragePorts bool
	HasWebPorts     bool
	HasSSHPorts     bool

	TotalFlows uint64
}

// ClassificationHistory is an append-only audit row recorded whenever an
// asset's type changes, by any method.
type ClassificationHistory struct {
	ID           uuid.UUID
	AssetID      uuid.UUID
	PreviousType AssetType
	NewType      AssetType
	Confidence   float64
	Method       ClassificationMethod
	ChangedAt    time.Time
}

// MLModel is a registry entry for a trained classifier. At most one model is
// active at a time; swapping the active model is an atomic pointer exchange
// in the classification engine.
type MLModel struct {
	ID        uuid.UUID
	Version   string
	TrainedAt time.Time
	Accuracy  float64
	// ClassDistribution records the per-class share of the training set.
	ClassDistribution map[AssetType]float64
	IsActive          bool
}
