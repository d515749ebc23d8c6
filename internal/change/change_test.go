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
	"net/netip"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"flowlens"
	"flowlens/internal/store"
)

var t0 = time.Date(2025, 10, 6, 12, 0, 0, 0, time.UTC)

func newAsset(t *testing.T, m *store.Memory, ip string, mutate func(*flowlens.Asset)) *flowlens.Asset {
	t.Helper()
	a := &flowlens.Asset{
		ID:        uuid.New(),
		IPAddress: netip.MustParseAddr(ip),
		Name:      "asset-" + ip,
		FirstSeen: t0.Add(-24 * time.Hour),
		LastSeen:  t0,
	}
	if mutate != nil {
		mutate(a)
	}
	if err := m.CreateAsset(context.Background(), a); err != nil {
		t.Fatalf("create asset: %v", err)
	}
	return a
}

func saveRule(t *testing.T, m *store.Memory, r *flowlens.AlertRule) *flowlens.AlertRule {
	t.Helper()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	r.Active = true
	if err := m.SaveAlertRule(context.Background(), r); err != nil {
		t.Fatalf("save rule: %v", err)
	}
	return r
}

func staleEvent(t *testing.T, m *store.Memory, assetID uuid.UUID, at time.Time) *flowlens.ChangeEvent {
	t.Helper()
	ev := &flowlens.ChangeEvent{
		ChangeType: flowlens.ChangeDependencyStale,
		DetectedAt: at,
		AssetID:    assetID,
	}
	if err := m.InsertChangeEvent(context.Background(), ev); err != nil {
		t.Fatalf("insert event: %v", err)
	}
	return ev
}

// TestAlertCooldown pins the cooldown scenario: with a 60-minute cooldown,
// events at t, t+30m, t+70m produce alerts at t and t+70m only, and the rule
// ends with trigger_count = 2.
func TestAlertCooldown(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	a := newAsset(t, m, "10.0.0.5", nil)
	rule := saveRule(t, m, &flowlens.AlertRule{
		Name:            "stale-deps",
		ChangeTypes:     []flowlens.ChangeType{flowlens.ChangeDependencyStale},
		Severity:        flowlens.SeverityWarning,
		TitleTemplate:   "dependency stale on {asset_name}",
		CooldownMinutes: 60,
	})

	clk := clock.NewMock()
	clk.Set(t0)
	e := NewAlertEngine(m, clk, zap.NewNop())

	alerts, err := e.Evaluate(ctx, staleEvent(t, m, a.ID, t0))
	if err != nil {
		t.Fatalf("first evaluate: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("first event: alerts = %d, want 1", len(alerts))
	}

	clk.Set(t0.Add(30 * time.Minute))
	alerts, err = e.Evaluate(ctx, staleEvent(t, m, a.ID, clk.Now()))
	if err != nil {
		t.Fatalf("second evaluate: %v", err)
	}
	if len(alerts) != 0 {
		t.Fatalf("cooldown violated: alerts = %d", len(alerts))
	}

	clk.Set(t0.Add(70 * time.Minute))
	alerts, err = e.Evaluate(ctx, staleEvent(t, m, a.ID, clk.Now()))
	if err != nil {
		t.Fatalf("third evaluate: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("post-cooldown: alerts = %d, want 1", len(alerts))
	}

	rules, _ := m.AlertRules(ctx)
	for _, r := range rules {
		if r.ID == rule.ID && r.TriggerCount != 2 {
			t.Fatalf("trigger_count = %d, want 2", r.TriggerCount)
		}
	}
}

func TestMaintenanceWindowSuppresses(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	a := newAsset(t, m, "10.0.0.5", func(a *flowlens.Asset) { a.Environment = "prod" })
	saveRule(t, m, &flowlens.AlertRule{
		Name:        "stale-deps",
		ChangeTypes: []flowlens.ChangeType{flowlens.ChangeDependencyStale},
		Severity:    flowlens.SeverityWarning,
	})
	w := &flowlens.MaintenanceWindow{
		ID:           uuid.New(),
		Name:         "prod-patching",
		Environments: []string{"prod"},
		StartTime:    t0.Add(-time.Hour),
		EndTime:      t0.Add(time.Hour),
	}
	if err := m.SaveMaintenanceWindow(ctx, w); err != nil {
		t.Fatalf("save window: %v", err)
	}

	clk := clock.NewMock()
	clk.Set(t0)
	e := NewAlertEngine(m, clk, zap.NewNop())

	alerts, err := e.Evaluate(ctx, staleEvent(t, m, a.ID, t0))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(alerts) != 0 {
		t.Fatalf("alert escaped maintenance window")
	}
	windows, _ := m.MaintenanceWindows(ctx)
	if windows[0].SuppressedCount != 1 {
		t.Fatalf("suppressed_count = %d, want 1", windows[0].SuppressedCount)
	}
}

func TestTemplateRendering(t *testing.T) {
	rctx := map[string]string{"asset_name": "db-1", "change_type": "traffic_spike"}
	got := renderTemplate("spike on {asset_name}: {change_type} {unknown}", rctx)
	want := "spike on db-1: traffic_spike {unknown}"
	if got != want {
		t.Fatalf("rendered %q, want %q", got, want)
	}
}

func TestAssetFilterMatching(t *testing.T) {
	a := &flowlens.Asset{Environment: "prod", AssetType: flowlens.TypeDatabase, IsCritical: true}
	if !matchesAssetFilter(map[string]string{"environment": "prod", "is_critical": "true"}, a) {
		t.Fatal("matching filter rejected")
	}
	if matchesAssetFilter(map[string]string{"environment": "staging"}, a) {
		t.Fatal("mismatching filter accepted")
	}
	if matchesAssetFilter(map[string]string{"nonsense_key": "x"}, a) {
		t.Fatal("unknown filter key must not match")
	}
}

func TestAlertLifecycle(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	a := newAsset(t, m, "10.0.0.5", nil)
	saveRule(t, m, &flowlens.AlertRule{
		Name:        "stale-deps",
		ChangeTypes: []flowlens.ChangeType{flowlens.ChangeDependencyStale},
		Severity:    flowlens.SeverityWarning,
	})

	clk := clock.NewMock()
	clk.Set(t0)
	e := NewAlertEngine(m, clk, zap.NewNop())
	alerts, err := e.Evaluate(ctx, staleEvent(t, m, a.ID, t0))
	if err != nil || len(alerts) != 1 {
		t.Fatalf("evaluate: alerts=%d err=%v", len(alerts), err)
	}
	id := alerts[0].ID

	got, err := e.Acknowledge(ctx, id, "oncall")
	if err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if got.Status != flowlens.AlertAcknowledged || got.AcknowledgedBy != "oncall" {
		t.Fatalf("after ack: %+v", got)
	}
	if _, err := e.Acknowledge(ctx, id, "oncall"); err == nil {
		t.Fatal("double acknowledge must fail")
	}

	got, err = e.Resolve(ctx, id, "oncall")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.Status != flowlens.AlertResolved || got.ResolvedAt == nil {
		t.Fatalf("after resolve: %+v", got)
	}
	if _, err := e.Resolve(ctx, id, "oncall"); err == nil {
		t.Fatal("double resolve must fail")
	}
}

func TestResolveImpliesAcknowledge(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	a := newAsset(t, m, "10.0.0.5", nil)
	saveRule(t, m, &flowlens.AlertRule{
		Name:        "stale-deps",
		ChangeTypes: []flowlens.ChangeType{flowlens.ChangeDependencyStale},
		Severity:    flowlens.SeverityWarning,
	})

	clk := clock.NewMock()
	clk.Set(t0)
	e := NewAlertEngine(m, clk, zap.NewNop())
	alerts, _ := e.Evaluate(ctx, staleEvent(t, m, a.ID, t0))

	got, err := e.Resolve(ctx, alerts[0].ID, "oncall")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.AcknowledgedAt == nil || got.AcknowledgedBy != "oncall" {
		t.Fatal("resolve did not imply acknowledgement")
	}
}

// TestAutoClearOnRecovery resolves an eligible stale-dependency alert when
// the dependency reappears on the same asset.
func TestAutoClearOnRecovery(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	a := newAsset(t, m, "10.0.0.5", nil)
	saveRule(t, m, &flowlens.AlertRule{
		Name:        "stale-deps",
		ChangeTypes: []flowlens.ChangeType{flowlens.ChangeDependencyStale},
		Severity:    flowlens.SeverityWarning,
	})

	clk := clock.NewMock()
	clk.Set(t0)
	e := NewAlertEngine(m, clk, zap.NewNop())
	alerts, _ := e.Evaluate(ctx, staleEvent(t, m, a.ID, t0))
	if len(alerts) != 1 || !alerts[0].AutoClearEligible {
		t.Fatalf("stale alert not auto-clear eligible: %+v", alerts)
	}

	recovery := &flowlens.ChangeEvent{
		ChangeType: flowlens.ChangeDependencyCreated,
		DetectedAt: t0.Add(time.Hour),
		AssetID:    a.ID,
	}
	if err := m.InsertChangeEvent(ctx, recovery); err != nil {
		t.Fatalf("insert recovery: %v", err)
	}
	clk.Set(t0.Add(time.Hour))
	if _, err := e.Evaluate(ctx, recovery); err != nil {
		t.Fatalf("evaluate recovery: %v", err)
	}

	got, err := m.AlertByID(ctx, alerts[0].ID)
	if err != nil {
		t.Fatalf("load alert: %v", err)
	}
	if got.Status != flowlens.AlertResolved || got.ResolvedBy != "auto_clear" {
		t.Fatalf("alert not auto-cleared: %+v", got)
	}
}

func edgeBetween(t *testing.T, m *store.Memory, src, dst *flowlens.Asset, ws time.Time, bytes uint64) *flowlens.Dependency {
	t.Helper()
	dep, _, err := m.ApplyEdgeDelta(context.Background(), store.EdgeDelta{
		Key: flowlens.EdgeKey{
			SourceAssetID: src.ID,
			TargetAssetID: dst.ID,
			TargetPort:    443,
			Protocol:      flowlens.ProtocolTCP,
		},
		WindowStart:  ws,
		WindowEnd:    ws.Add(time.Minute),
		Bytes:        bytes,
		Packets:      1,
		Flows:        1,
		DiscoveredBy: "netflow",
	})
	if err != nil {
		t.Fatalf("edge delta: %v", err)
	}
	return dep
}

// TestDetectorTrafficSpike primes a baseline, quadruples the 24h byte
// counter, and expects one traffic_spike; the critical flag adds a
// critical_path_change.
func TestDetectorTrafficSpike(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	src := newAsset(t, m, "10.0.0.1", nil)
	dst := newAsset(t, m, "10.0.0.2", nil)
	dep := edgeBetween(t, m, src, dst, t0, 100)
	if err := m.SetDependencyFlags(ctx, dep.ID, true, false, false); err != nil {
		t.Fatalf("set critical: %v", err)
	}

	clk := clock.NewMock()
	clk.Set(t0.Add(time.Minute))
	d := NewDetector(DetectorConfig{SpikeRatio: 2.0, OfflineThreshold: 24 * time.Hour},
		m, nil, nil, clk, zap.NewNop())

	// Prime pass: baselines only, no event.
	if n, err := d.RunOnce(ctx); err != nil || n != 0 {
		t.Fatalf("prime pass: n=%d err=%v", n, err)
	}

	edgeBetween(t, m, src, dst, t0.Add(5*time.Minute), 400)
	clk.Set(t0.Add(10 * time.Minute))
	n, err := d.RunOnce(ctx)
	if err != nil {
		t.Fatalf("detect pass: %v", err)
	}
	if n != 2 {
		t.Fatalf("events = %d, want spike + critical path", n)
	}

	events, _ := m.ChangeEventsSince(ctx, time.Time{})
	var spike, critical bool
	for _, ev := range events {
		switch ev.ChangeType {
		case flowlens.ChangeTrafficSpike:
			spike = true
			if ev.ImpactScore <= 0 || ev.ImpactScore > 100 {
				t.Fatalf("impact score %f", ev.ImpactScore)
			}
		case flowlens.ChangeCriticalPath:
			critical = true
		}
	}
	if !spike || !critical {
		t.Fatalf("missing events: spike=%t critical=%t", spike, critical)
	}

	// No further growth, no further events.
	clk.Set(t0.Add(20 * time.Minute))
	if n, err := d.RunOnce(ctx); err != nil || n != 0 {
		t.Fatalf("quiet pass: n=%d err=%v", n, err)
	}
}

func TestDetectorOfflineOnlineTransitions(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	a := newAsset(t, m, "10.0.0.7", nil)

	clk := clock.NewMock()
	clk.Set(t0.Add(time.Minute))
	d := NewDetector(DetectorConfig{OfflineThreshold: time.Hour}, m, nil, nil, clk, zap.NewNop())
	if n, err := d.RunOnce(ctx); err != nil || n != 0 {
		t.Fatalf("prime: n=%d err=%v", n, err)
	}

	// Two hours of silence: offline.
	clk.Set(t0.Add(2 * time.Hour))
	n, err := d.RunOnce(ctx)
	if err != nil {
		t.Fatalf("offline pass: %v", err)
	}
	if n != 1 {
		t.Fatalf("offline events = %d, want 1", n)
	}

	// Asset speaks again: online.
	a.LastSeen = t0.Add(3 * time.Hour)
	if err := m.UpdateAsset(ctx, a); err != nil {
		t.Fatalf("update asset: %v", err)
	}
	clk.Set(t0.Add(3*time.Hour + time.Minute))
	n, err = d.RunOnce(ctx)
	if err != nil {
		t.Fatalf("online pass: %v", err)
	}
	if n != 1 {
		t.Fatalf("online events = %d, want 1", n)
	}

	events, _ := m.ChangeEventsSince(ctx, time.Time{})
	var kinds []flowlens.ChangeType
	for _, ev := range events {
		kinds = append(kinds, ev.ChangeType)
	}
	if len(kinds) != 2 || kinds[0] != flowlens.ChangeAssetOffline || kinds[1] != flowlens.ChangeAssetOnline {
		t.Fatalf("event kinds: %v", kinds)
	}
}

func TestDetectorNewExternalConnection(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	external := false
	src := newAsset(t, m, "10.0.0.1", nil)
	dst := newAsset(t, m, "203.0.113.50", func(a *flowlens.Asset) { a.IsInternal = &external })

	clk := clock.NewMock()
	clk.Set(t0.Add(time.Minute))
	d := NewDetector(DetectorConfig{OfflineThreshold: 24 * time.Hour}, m, nil, nil, clk, zap.NewNop())
	if _, err := d.RunOnce(ctx); err != nil {
		t.Fatalf("prime: %v", err)
	}

	edgeBetween(t, m, src, dst, t0.Add(5*time.Minute), 100)
	clk.Set(t0.Add(10 * time.Minute))
	n, err := d.RunOnce(ctx)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if n != 1 {
		t.Fatalf("events = %d, want 1", n)
	}
	events, _ := m.ChangeEventsSince(ctx, time.Time{})
	if events[0].ChangeType != flowlens.ChangeNewExternalConnection {
		t.Fatalf("event type: %s", events[0].ChangeType)
	}
}

func TestAdminRemoveDependency(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	src := newAsset(t, m, "10.0.0.1", nil)
	dst := newAsset(t, m, "10.0.0.2", nil)
	dep := edgeBetween(t, m, src, dst, t0, 100)

	clk := clock.NewMock()
	clk.Set(t0.Add(time.Hour))
	ad := NewAdmin(m, nil, clk, zap.NewNop())
	if err := ad.RemoveDependency(ctx, dep.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}

	got, err := m.DependencyByID(ctx, dep.ID)
	if err != nil {
		t.Fatalf("load dependency: %v", err)
	}
	if got.ValidTo == nil || !got.ValidTo.Equal(t0.Add(time.Hour)) {
		t.Fatalf("version not closed: %+v", got.ValidTo)
	}
	if err := ad.RemoveDependency(ctx, dep.ID); err == nil {
		t.Fatal("double remove must fail")
	}

	events, _ := m.ChangeEventsSince(ctx, time.Time{})
	if len(events) != 1 || events[0].ChangeType != flowlens.ChangeDependencyRemoved {
		t.Fatalf("events: %+v", events)
	}
	if len(events[0].PreviousState) == 0 {
		t.Fatal("previous state missing")
	}
}

func TestAdminRemoveAsset(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	a := newAsset(t, m, "10.0.0.9", nil)

	clk := clock.NewMock()
	clk.Set(t0.Add(time.Hour))
	ad := NewAdmin(m, nil, clk, zap.NewNop())
	if err := ad.RemoveAsset(ctx, a.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}

	got, err := m.AssetByID(ctx, a.ID)
	if err != nil {
		t.Fatalf("load asset: %v", err)
	}
	if !got.Deleted() {
		t.Fatal("asset not tombstoned")
	}
	assets, _ := m.Assets(ctx)
	for _, live := range assets {
		if live.ID == a.ID {
			t.Fatal("deleted asset still listed")
		}
	}

	events, _ := m.ChangeEventsSince(ctx, time.Time{})
	if len(events) != 1 || events[0].ChangeType != flowlens.ChangeAssetRemoved {
		t.Fatalf("events: %+v", events)
	}
}

// TestDetectorDrainsPipelineEvents pins that events written by other
// components (the dependency builder, admin removals) reach the alert
// engine on the next detection pass and end up marked processed.
func TestDetectorDrainsPipelineEvents(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	src := newAsset(t, m, "10.0.0.1", nil)
	dst := newAsset(t, m, "10.0.0.2", nil)
	dep := edgeBetween(t, m, src, dst, t0, 100)
	saveRule(t, m, &flowlens.AlertRule{
		Name:          "new-deps",
		ChangeTypes:   []flowlens.ChangeType{flowlens.ChangeDependencyCreated},
		Severity:      flowlens.SeverityInfo,
		TitleTemplate: "new dependency on {asset_name}",
	})

	// The builder inserts its events directly; nothing evaluates them
	// until the detector runs.
	ev := &flowlens.ChangeEvent{
		ChangeType:   flowlens.ChangeDependencyCreated,
		DetectedAt:   t0,
		AssetID:      src.ID,
		DependencyID: dep.ID,
	}
	if err := m.InsertChangeEvent(ctx, ev); err != nil {
		t.Fatalf("insert event: %v", err)
	}

	clk := clock.NewMock()
	clk.Set(t0.Add(time.Minute))
	e := NewAlertEngine(m, clk, zap.NewNop())
	d := NewDetector(DetectorConfig{OfflineThreshold: 24 * time.Hour}, m, e, nil, clk, zap.NewNop())
	if _, err := d.RunOnce(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	open, err := m.OpenAlerts(ctx)
	if err != nil {
		t.Fatalf("open alerts: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("open alerts = %d, want 1", len(open))
	}
	got, err := m.ChangeEventByID(ctx, ev.ID)
	if err != nil {
		t.Fatalf("reload event: %v", err)
	}
	if !got.IsProcessed {
		t.Fatal("event still unprocessed after detection pass")
	}
	pending, err := m.UnprocessedChangeEvents(ctx, 10)
	if err != nil {
		t.Fatalf("unprocessed: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending events = %d, want 0", len(pending))
	}
}

// TestDetectorDrainWithoutAlertEngine pins that a detector wired without an
// alert engine still retires pending events instead of rereading them
// forever.
func TestDetectorDrainWithoutAlertEngine(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	a := newAsset(t, m, "10.0.0.3", nil)
	ev := staleEvent(t, m, a.ID, t0)

	clk := clock.NewMock()
	clk.Set(t0.Add(time.Minute))
	d := NewDetector(DetectorConfig{OfflineThreshold: 24 * time.Hour}, m, nil, nil, clk, zap.NewNop())
	if _, err := d.RunOnce(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, err := m.ChangeEventByID(ctx, ev.ID)
	if err != nil {
		t.Fatalf("reload event: %v", err)
	}
	if !got.IsProcessed {
		t.Fatal("event still unprocessed after detection pass")
	}
}
