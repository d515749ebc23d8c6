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
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"flowlens"
	"flowlens/internal/store"
	"flowlens/internal/telemetry"
)

// AlertEngine turns change events into alerts by evaluating the rule set.
type AlertEngine struct {
	st  store.Store
	clk clock.Clock
	log *zap.Logger
}

// NewAlertEngine wires the engine over the store.
func NewAlertEngine(st store.Store, clk clock.Clock, log *zap.Logger) *AlertEngine {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &AlertEngine{st: st, clk: clk, log: log}
}

// Evaluate runs every active rule against the event, lowest priority number
// first. Each matching rule produces one alert unless the rule is cooling
// down or a maintenance window covers the asset. The created alerts are
// returned; auto-clear of recovered conditions runs before rule matching so
// a recovery event can both close old alerts and open new ones.
func (e *AlertEngine) Evaluate(ctx context.Context, ev *flowlens.ChangeEvent) ([]*flowlens.Alert, error) {
	now := e.clk.Now().UTC()

	var asset *flowlens.Asset
	if ev.AssetID != uuid.Nil {
		a, err := e.st.AssetByID(ctx, ev.AssetID)
		if err != nil && !errors.Is(err, flowlens.ErrNotFound) {
			return nil, fmt.Errorf("load event asset: %w", err)
		}
		asset = a
	}

	if err := e.autoClear(ctx, ev, now); err != nil {
		return nil, err
	}

	rules, err := e.st.AlertRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("load alert rules: %w", err)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Priority < rules[j].Priority })

	windows, err := e.st.MaintenanceWindows(ctx)
	if err != nil {
		return nil, fmt.Errorf("load maintenance windows: %w", err)
	}

	var created []*flowlens.Alert
	for _, rule := range rules {
		if !rule.Active || !rule.MatchesType(ev.ChangeType) {
			continue
		}
		if asset != nil && !matchesAssetFilter(rule.AssetFilter, asset) {
			continue
		}
		if !withinSchedule(rule.Schedule, now) {
			continue
		}
		if rule.OnCooldown(now) {
			continue
		}
		if w := activeWindowFor(windows, asset, now); w != nil {
			w.SuppressedCount++
			if err := e.st.SaveMaintenanceWindow(ctx, w); err != nil {
				return created, fmt.Errorf("bump suppressed count: %w", err)
			}
			telemetry.AlertsSuppressed.Inc()
			e.log.Debug("alert suppressed by maintenance window",
				zap.String("window", w.Name),
				zap.String("rule", rule.Name))
			continue
		}

		rctx := renderContext(ev, asset)
		alert := &flowlens.Alert{
			RuleID:            rule.ID,
			EventID:           ev.ID,
			Severity:          rule.Severity,
			Title:             renderTemplate(rule.TitleTemplate, rctx),
			Description:       renderTemplate(rule.DescriptionTemplate, rctx),
			Status:            flowlens.AlertUnacknowledged,
			CreatedAt:         now,
			AutoClearEligible: autoClearable(ev.ChangeType),
			NotifyChannels:    append([]string{}, rule.NotifyChannels...),
		}
		if err := e.st.InsertAlert(ctx, alert); err != nil {
			return created, fmt.Errorf("insert alert: %w", err)
		}
		telemetry.AlertsCreated.WithLabelValues(string(alert.Severity)).Inc()

		triggered := now
		rule.LastTriggeredAt = &triggered
		rule.TriggerCount++
		if err := e.st.SaveAlertRule(ctx, rule); err != nil {
			return created, fmt.Errorf("update rule %q: %w", rule.Name, err)
		}
		created = append(created, alert)
	}

	if err := e.st.MarkChangeEventProcessed(ctx, ev.ID); err != nil {
		return created, fmt.Errorf("mark event processed: %w", err)
	}
	return created, nil
}

// recoveryOf maps a change type to the condition it recovers. An incoming
// event of the key type auto-clears eligible open alerts whose event had the
// value type, on the same asset.
var recoveryOf = map[flowlens.ChangeType]flowlens.ChangeType{
	flowlens.ChangeDependencyCreated: flowlens.ChangeDependencyStale,
	flowlens.ChangeAssetOnline:       flowlens.ChangeAssetOffline,
	flowlens.ChangeTrafficSpike:      flowlens.ChangeTrafficDrop,
	flowlens.ChangeTrafficDrop:       flowlens.ChangeTrafficSpike,
}

// autoClearable marks the condition types that have an observable recovery.
func autoClearable(t flowlens.ChangeType) bool {
	for _, cleared := range recoveryOf {
		if cleared == t {
			return true
		}
	}
	return false
}

func (e *AlertEngine) autoClear(ctx context.Context, ev *flowlens.ChangeEvent, now time.Time) error {
	cleared, ok := recoveryOf[ev.ChangeType]
	if !ok {
		return nil
	}
	open, err := e.st.OpenAlerts(ctx)
	if err != nil {
		return fmt.Errorf("load open alerts: %w", err)
	}
	for _, a := range open {
		if !a.AutoClearEligible {
			continue
		}
		prior, err := e.st.ChangeEventByID(ctx, a.EventID)
		if errors.Is(err, flowlens.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("load alert event: %w", err)
		}
		if prior.ChangeType != cleared || prior.AssetID != ev.AssetID {
			continue
		}
		resolveAlert(a, "auto_clear", now)
		if err := e.st.UpdateAlert(ctx, a); err != nil {
			return fmt.Errorf("auto-clear alert %s: %w", a.ID, err)
		}
		e.log.Info("alert auto-cleared",
			zap.String("alert_id", a.ID.String()),
			zap.String("condition", string(cleared)))
	}
	return nil
}

// matchesAssetFilter applies key-wise equality against asset attributes.
func matchesAssetFilter(filter map[string]string, a *flowlens.Asset) bool {
	for key, want := range filter {
		var got string
		switch key {
		case "environment":
			got = a.Environment
		case "datacenter":
			got = a.Datacenter
		case "location":
			got = a.Location
		case "team":
			got = a.Team
		case "owner":
			got = a.Owner
		case "asset_type":
			got = string(a.AssetType)
		case "is_critical":
			got = strconv.FormatBool(a.IsCritical)
		case "is_internal":
			if a.IsInternal == nil {
				return false
			}
			got = strconv.FormatBool(*a.IsInternal)
		default:
			return false
		}
		if got != want {
			return false
		}
	}
	return true
}

// withinSchedule checks an optional "HH:MM-HH:MM" time-of-day restriction.
// Malformed schedules fail open.
func withinSchedule(schedule string, now time.Time) bool {
	if schedule == "" {
		return true
	}
	parts := strings.SplitN(schedule, "-", 2)
	if len(parts) != 2 {
		return true
	}
	from, err1 := time.Parse("15:04", strings.TrimSpace(parts[0]))
	to, err2 := time.Parse("15:04", strings.TrimSpace(parts[1]))
	if err1 != nil || err2 != nil {
		return true
	}
	cur := now.Hour()*60 + now.Minute()
	lo := from.Hour()*60 + from.Minute()
	hi := to.Hour()*60 + to.Minute()
	if lo <= hi {
		return cur >= lo && cur < hi
	}
	// Overnight range, e.g. 22:00-06:00.
	return cur >= lo || cur < hi
}

func activeWindowFor(windows []*flowlens.MaintenanceWindow, a *flowlens.Asset, now time.Time) *flowlens.MaintenanceWindow {
	if a == nil {
		return nil
	}
	for _, w := range windows {
		if w.ActiveAt(now) && w.CoversAsset(a) {
			return w
		}
	}
	return nil
}

// renderContext builds the placeholder map templates substitute against.
func renderContext(ev *flowlens.ChangeEvent, a *flowlens.Asset) map[string]string {
	rctx := map[string]string{
		"change_type":    string(ev.ChangeType),
		"detected_at":    ev.DetectedAt.Format(time.RFC3339),
		"impact_score":   strconv.FormatFloat(ev.ImpactScore, 'f', 1, 64),
		"affected_count": strconv.Itoa(ev.AffectedAssetsCount),
	}
	if a != nil {
		rctx["asset_name"] = a.Label()
		rctx["asset_ip"] = a.IPAddress.String()
		rctx["asset_type"] = string(a.AssetType)
		rctx["environment"] = a.Environment
		rctx["datacenter"] = a.Datacenter
	}
	return rctx
}

// renderTemplate substitutes {name} placeholders; unknown placeholders stay
// verbatim.
func renderTemplate(tpl string, rctx map[string]string) string {
	var b strings.Builder
	for {
		open := strings.IndexByte(tpl, '{')
		if open < 0 {
			b.WriteString(tpl)
			return b.String()
		}
		closing := strings.IndexByte(tpl[open:], '}')
		if closing < 0 {
			b.WriteString(tpl)
			return b.String()
		}
		name := tpl[open+1 : open+closing]
		b.WriteString(tpl[:open])
		if v, ok := rctx[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(tpl[open : open+closing+1])
		}
		tpl = tpl[open+closing+1:]
	}
}

func resolveAlert(a *flowlens.Alert, by string, now time.Time) {
	if a.AcknowledgedAt == nil {
		a.AcknowledgedAt = &now
		a.AcknowledgedBy = by
	}
	a.ResolvedAt = &now
	a.ResolvedBy = by
	a.Status = flowlens.AlertResolved
}
