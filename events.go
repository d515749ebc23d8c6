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
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ChangeType classifies a graph delta emitted by the change detector.
type ChangeType string

// Change types.
const (
	ChangeDependencyCreated     ChangeType = "dependency_created"
	ChangeDependencyRemoved     ChangeType = "dependency_removed"
	ChangeDependencyStale       ChangeType = "dependency_stale"
	ChangeAssetDiscovered       ChangeType = "asset_discovered"
	ChangeAssetRemoved          ChangeType = "asset_removed"
	ChangeAssetOffline          ChangeType = "asset_offline"
	ChangeAssetOnline           ChangeType = "asset_online"
	ChangeNewExternalConnection ChangeType = "new_external_connection"
	ChangeCriticalPath          ChangeType = "critical_path_change"
	ChangeTrafficSpike          ChangeType = "traffic_spike"
	ChangeTrafficDrop           ChangeType = "traffic_drop"
)

// ChangeEvent is a typed record of a graph delta. PreviousState/NewState are
// opaque JSON snapshots of whatever entity changed; ImpactScore is bounded
// to [0,100].
type ChangeEvent struct {
	ID         uuid.UUID
	ChangeType ChangeType
	DetectedAt time.Time

	AssetID      uuid.UUID
	DependencyID uuid.UUID

	PreviousState json.RawMessage
	NewState      json.RawMessage

	ImpactScore         float64
	AffectedAssetsCount int

	IsProcessed bool
}

// Validate bounds the impact score.
func (e *ChangeEvent) Validate() error {
	if e.ImpactScore < 0 || e.ImpactScore > 100 {
		return fmt.Errorf("change event %s: impact score %.1f outside [0,100]", e.ID, e.ImpactScore)
	}
	return nil
}

// Severity is the operator-facing weight of an alert.
type Severity string

// Alert severities.
const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AlertStatus is the lifecycle state of an alert.
type AlertStatus string

// Alert lifecycle: unacknowledged → acknowledged → resolved. Resolving an
// unacknowledged alert implies acknowledgement.
const (
	AlertUnacknowledged AlertStatus = "unacknowledged"
	AlertAcknowledged   AlertStatus = "acknowledged"
	AlertResolved       AlertStatus = "resolved"
)

// Alert is a user-visible notification bound to a ChangeEvent via a matched
// AlertRule.
type Alert struct {
	ID       uuid.UUID
	RuleID   uuid.UUID
	EventID  uuid.UUID
	Severity Severity

	Title       string
	Description string

	Status         AlertStatus
	CreatedAt      time.Time
	AcknowledgedAt *time.Time
	AcknowledgedBy string
	ResolvedAt     *time.Time
	ResolvedBy     string

	// AutoClearEligible alerts are resolved automatically when the underlying
	// condition is observed to recover (e.g. a stale dependency reappears).
	AutoClearEligible bool

	// NotifyChannels and NotifyResults track delivery bookkeeping per
	// (channel); partial successes are not retried.
	NotifyChannels []string
	NotifyResults  map[string]string
}

// AlertRule is a declarative subscription over change events.
type AlertRule struct {
	ID     uuid.UUID
	Name   string
	Active bool

	// ChangeTypes the rule matches; empty matches nothing.
	ChangeTypes []ChangeType

	// AssetFilter is key-wise structural equality against asset attributes
	// ("environment", "datacenter", "asset_type", "is_critical", ...).
	AssetFilter map[string]string

	Severity Severity

	// Templates use named {placeholder} substitution against the event
	// context; unknown placeholders are kept verbatim.
	TitleTemplate       string
	DescriptionTemplate string

	NotifyChannels []string

	CooldownMinutes int
	Priority        int

	// Schedule restricts matching to a time-of-day range when set
	// ("HH:MM-HH:MM", exporter-local). Empty means always on.
	Schedule string

	LastTriggeredAt *time.Time
	TriggerCount    uint64
}

// MatchesType reports whether the rule subscribes to the given change type.
func (r *AlertRule) MatchesType(t ChangeType) bool {
	for _, ct := range r.ChangeTypes {
		if ct == t {
			return true
		}
	}
	return false
}

// OnCooldown reports whether the rule triggered within its cooldown before now.
func (r *AlertRule) OnCooldown(now time.Time) bool {
	if r.CooldownMinutes <= 0 || r.LastTriggeredAt == nil {
		return false
	}
	return now.Sub(*r.LastTriggeredAt) < time.Duration(r.CooldownMinutes)*time.Minute
}

// MaintenanceWindow suppresses alerts for the assets, environments, or
// datacenters it scopes, between StartTime and EndTime. Recurrence holds an
// optional iCal-style RRULE evaluated by the alert engine.
type MaintenanceWindow struct {
	ID   uuid.UUID
	Name string

	AssetIDs     []uuid.UUID
	Environments []string
	Datacenters  []string

	StartTime time.Time
	EndTime   time.Time

	Recurrence string

	// SuppressedCount counts alerts silently absorbed by this window.
	SuppressedCount uint64
}

// Validate enforces end-after-start.
func (w *MaintenanceWindow) Validate() error {
	if !w.EndTime.After(w.StartTime) {
		return fmt.Errorf("maintenance window %q: end_time must be after start_time", w.Name)
	}
	return nil
}

// ActiveAt reports whether the window is in effect at t, considering a simple
// daily/weekly recurrence when set.
func (w *MaintenanceWindow) ActiveAt(t time.Time) bool {
	if !t.Before(w.StartTime) && t.Before(w.EndTime) {
		return true
	}
	if w.Recurrence == "" {
		return false
	}
	var period time.Duration
	switch w.Recurrence {
	case "FREQ=DAILY":
		period = 24 * time.Hour
	case "FREQ=WEEKLY":
		period = 7 * 24 * time.Hour
	default:
		return false
	}
	if t.Before(w.StartTime) {
		return false
	}
	offset := t.Sub(w.StartTime) % period
	return offset < w.EndTime.Sub(w.StartTime)
}

// CoversAsset reports whether the window scopes the given asset.
func (w *MaintenanceWindow) CoversAsset(a *Asset) bool {
	for _, id := range w.AssetIDs {
		if id == a.ID {
			return true
		}
	}
	for _, env := range w.Environments {
		if env != "" && env == a.Environment {
			return true
		}
	}
	for _, dc := range w.Datacenters {
		if dc != "" && dc == a.Datacenter {
			return true
		}
	}
	return false
}
