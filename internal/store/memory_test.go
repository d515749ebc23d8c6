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
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/google/uuid"

	"flowlens"
)

var testWindowStart = time.Date(2025, 10, 6, 12, 0, 0, 0, time.UTC)

func testEdgeKey() flowlens.EdgeKey {
	return flowlens.EdgeKey{
		SourceAssetID: uuid.MustParse("11111111-1111-1111-1111-111111111111"),
		TargetAssetID: uuid.MustParse("22222222-2222-2222-2222-222222222222"),
		TargetPort:    5432,
		Protocol:      flowlens.ProtocolTCP,
	}
}

func testDelta(start time.Time, bytes uint64) EdgeDelta {
	return EdgeDelta{
		Key:          testEdgeKey(),
		WindowStart:  start,
		WindowEnd:    start.Add(time.Minute),
		Bytes:        bytes,
		Packets:      bytes / 512,
		Flows:        1,
		DiscoveredBy: "netflow",
	}
}

func TestApplyEdgeDeltaLifecycle(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	dep, created, err := m.ApplyEdgeDelta(ctx, testDelta(testWindowStart, 4096))
	if err != nil {
		t.Fatalf("first delta: %v", err)
	}
	if !created {
		t.Fatal("expected first delta to create the edge")
	}
	if dep.BytesTotal != 4096 || dep.FlowsTotal != 1 {
		t.Fatalf("counters = %d bytes / %d flows, want 4096 / 1", dep.BytesTotal, dep.FlowsTotal)
	}
	if !dep.FirstSeen.Equal(testWindowStart) {
		t.Fatalf("first_seen = %v, want %v", dep.FirstSeen, testWindowStart)
	}

	next := testWindowStart.Add(time.Minute)
	dep2, created, err := m.ApplyEdgeDelta(ctx, testDelta(next, 1024))
	if err != nil {
		t.Fatalf("second delta: %v", err)
	}
	if created {
		t.Fatal("second delta must update, not create")
	}
	if dep2.ID != dep.ID {
		t.Fatalf("edge id changed across updates: %s vs %s", dep2.ID, dep.ID)
	}
	if dep2.BytesTotal != 5120 || dep2.FlowsTotal != 2 {
		t.Fatalf("counters = %d bytes / %d flows, want 5120 / 2", dep2.BytesTotal, dep2.FlowsTotal)
	}
	if !dep2.LastSeen.Equal(next.Add(time.Minute)) {
		t.Fatalf("last_seen = %v, want %v", dep2.LastSeen, next.Add(time.Minute))
	}

	history, err := m.DependencyHistoryFor(ctx, dep.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history rows = %d, want 2", len(history))
	}
	if history[0].Transition != flowlens.TransitionCreated {
		t.Fatalf("first transition = %q, want created", history[0].Transition)
	}
	if history[1].Transition != flowlens.TransitionUpdated {
		t.Fatalf("second transition = %q, want updated", history[1].Transition)
	}
	if history[1].Before == nil || history[1].Before.BytesTotal != 4096 {
		t.Fatal("update history must snapshot the pre-delta state")
	}
}

func TestApplyEdgeDeltaRejectsSelfLoop(t *testing.T) {
	m := NewMemory()
	delta := testDelta(testWindowStart, 100)
	delta.Key.TargetAssetID = delta.Key.SourceAssetID
	if _, _, err := m.ApplyEdgeDelta(context.Background(), delta); err == nil {
		t.Fatal("expected self-loop rejection")
	}
}

func TestApplyEdgeDeltaProcessedAggregateIsNoop(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	agg := &flowlens.FlowAggregate{
		AggregateKey: flowlens.AggregateKey{
			WindowStart: testWindowStart,
			WindowEnd:   testWindowStart.Add(time.Minute),
			SrcIP:       netip.MustParseAddr("10.0.0.1"),
			DstIP:       netip.MustParseAddr("10.0.0.2"),
			SrcPort:     54321,
			DstPort:     5432,
			Protocol:    flowlens.ProtocolTCP,
		},
		BytesTotal: 4096,
		FlowsCount: 1,
	}
	if err := m.UpsertAggregates(ctx, []*flowlens.FlowAggregate{agg}); err != nil {
		t.Fatalf("upsert aggregate: %v", err)
	}

	delta := testDelta(testWindowStart, 4096)
	delta.AggregateID = agg.ID
	dep, created, err := m.ApplyEdgeDelta(ctx, delta)
	if err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if !created {
		t.Fatal("first apply should create the edge")
	}

	// The aggregate is now processed: replaying the same delta must not
	// double-count.
	dep2, created, err := m.ApplyEdgeDelta(ctx, delta)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if created {
		t.Fatal("replay must not create")
	}
	if dep2.BytesTotal != dep.BytesTotal {
		t.Fatalf("replay changed bytes: %d -> %d", dep.BytesTotal, dep2.BytesTotal)
	}

	pending, err := m.UnprocessedAggregates(ctx, 0)
	if err != nil {
		t.Fatalf("unprocessed: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("unprocessed aggregates = %d, want 0", len(pending))
	}
}

func TestRollingCountersPruneOldWindows(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	// Eight days, three days, and one hour before the final reference window.
	ref := testWindowStart
	for _, d := range []struct {
		age   time.Duration
		bytes uint64
	}{
		{8 * 24 * time.Hour, 1000},
		{3 * 24 * time.Hour, 300},
		{time.Hour, 50},
	} {
		if _, _, err := m.ApplyEdgeDelta(ctx, testDelta(ref.Add(-d.age), d.bytes)); err != nil {
			t.Fatalf("delta at -%v: %v", d.age, err)
		}
	}
	dep, _, err := m.ApplyEdgeDelta(ctx, testDelta(ref, 7))
	if err != nil {
		t.Fatalf("final delta: %v", err)
	}

	if dep.BytesLast24h != 57 {
		t.Fatalf("bytes_last_24h = %d, want 57", dep.BytesLast24h)
	}
	// The 8-day-old point is pruned; only 300 + 50 + 7 remain in the week.
	if dep.BytesLast7d != 357 {
		t.Fatalf("bytes_last_7d = %d, want 357", dep.BytesLast7d)
	}
	if dep.BytesTotal != 1357 {
		t.Fatalf("bytes_total = %d, want 1357 (lifetime counter never prunes)", dep.BytesTotal)
	}
}

func TestInvalidateDependency(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	dep, _, err := m.ApplyEdgeDelta(ctx, testDelta(testWindowStart, 10))
	if err != nil {
		t.Fatalf("delta: %v", err)
	}
	closedAt := testWindowStart.Add(time.Hour)
	if err := m.InvalidateDependency(ctx, dep.ID, closedAt, flowlens.TransitionStale); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, err := m.CurrentDependency(ctx, testEdgeKey()); !errors.Is(err, flowlens.ErrNotFound) {
		t.Fatalf("closed edge still current: %v", err)
	}

	at, err := m.DependenciesAt(ctx, testWindowStart.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("dependencies at: %v", err)
	}
	if len(at) != 1 {
		t.Fatalf("point-in-time lookup before close = %d edges, want 1", len(at))
	}

	// Closing twice is fine and leaves a single stale transition.
	if err := m.InvalidateDependency(ctx, dep.ID, closedAt.Add(time.Hour), flowlens.TransitionStale); err != nil {
		t.Fatalf("second invalidate: %v", err)
	}
	history, _ := m.DependencyHistoryFor(ctx, dep.ID)
	stale := 0
	for _, h := range history {
		if h.Transition == flowlens.TransitionStale {
			stale++
		}
	}
	if stale != 1 {
		t.Fatalf("stale transitions = %d, want 1", stale)
	}

	// A new flow after closure opens a fresh edge version.
	dep2, created, err := m.ApplyEdgeDelta(ctx, testDelta(closedAt.Add(2*time.Hour), 20))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if !created || dep2.ID == dep.ID {
		t.Fatal("traffic after closure must open a new edge version")
	}
}

func TestPendingWindows(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	width := time.Minute

	flowAt := func(ts time.Time) *flowlens.FlowRecord {
		return &flowlens.FlowRecord{
			Timestamp: ts,
			SrcIP:     netip.MustParseAddr("10.0.0.1"),
			DstIP:     netip.MustParseAddr("10.0.0.2"),
			DstPort:   443,
			Protocol:  flowlens.ProtocolTCP,
		}
	}
	err := m.InsertFlows(ctx, []*flowlens.FlowRecord{
		flowAt(testWindowStart.Add(10 * time.Second)),
		flowAt(testWindowStart.Add(70 * time.Second)),
		flowAt(testWindowStart.Add(130 * time.Second)), // window still open below
	})
	if err != nil {
		t.Fatalf("insert flows: %v", err)
	}

	// Watermark sits inside the third window, so only the first two close.
	before := testWindowStart.Add(2*time.Minute + 30*time.Second)
	pending, err := m.PendingWindows(ctx, width, before)
	if err != nil {
		t.Fatalf("pending windows: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %v, want 2 windows", pending)
	}
	if !pending[0].Equal(testWindowStart) || !pending[1].Equal(testWindowStart.Add(time.Minute)) {
		t.Fatalf("pending = %v, want ascending window starts", pending)
	}

	// Aggregating the first window removes it from the pending set.
	agg := &flowlens.FlowAggregate{
		AggregateKey: flowlens.AggregateKey{
			WindowStart: testWindowStart,
			WindowEnd:   testWindowStart.Add(width),
			SrcIP:       netip.MustParseAddr("10.0.0.1"),
			DstIP:       netip.MustParseAddr("10.0.0.2"),
			DstPort:     443,
			Protocol:    flowlens.ProtocolTCP,
		},
		FlowsCount: 1,
	}
	if err := m.UpsertAggregates(ctx, []*flowlens.FlowAggregate{agg}); err != nil {
		t.Fatalf("upsert aggregate: %v", err)
	}
	pending, err = m.PendingWindows(ctx, width, before)
	if err != nil {
		t.Fatalf("pending windows: %v", err)
	}
	if len(pending) != 1 || !pending[0].Equal(testWindowStart.Add(time.Minute)) {
		t.Fatalf("pending after aggregation = %v, want only the second window", pending)
	}
}

func TestUpsertAggregatesKeepsProcessedFlag(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	key := flowlens.AggregateKey{
		WindowStart: testWindowStart,
		WindowEnd:   testWindowStart.Add(time.Minute),
		SrcIP:       netip.MustParseAddr("10.0.0.1"),
		DstIP:       netip.MustParseAddr("10.0.0.2"),
		DstPort:     443,
		Protocol:    flowlens.ProtocolTCP,
	}
	first := &flowlens.FlowAggregate{AggregateKey: key, BytesTotal: 100, IsProcessed: true}
	if err := m.UpsertAggregates(ctx, []*flowlens.FlowAggregate{first}); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	// A re-aggregation writes fresh counters but cannot unprocess the row.
	second := &flowlens.FlowAggregate{AggregateKey: key, BytesTotal: 150}
	if err := m.UpsertAggregates(ctx, []*flowlens.FlowAggregate{second}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("aggregate identity changed: %s vs %s", second.ID, first.ID)
	}
	all, err := m.AggregatesSince(ctx, time.Time{})
	if err != nil {
		t.Fatalf("aggregates since: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("aggregates = %d, want 1", len(all))
	}
	if all[0].BytesTotal != 150 || !all[0].IsProcessed {
		t.Fatalf("aggregate = %d bytes processed=%v, want 150 bytes still processed",
			all[0].BytesTotal, all[0].IsProcessed)
	}
}

func TestSoftDeletedAssetStaysBuried(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	ip := netip.MustParseAddr("10.0.0.9")

	a := &flowlens.Asset{IPAddress: ip, AssetType: flowlens.TypeUnknown,
		FirstSeen: testWindowStart, LastSeen: testWindowStart}
	if err := m.CreateAsset(ctx, a); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.SoftDeleteAsset(ctx, a.ID, testWindowStart.Add(time.Hour)); err != nil {
		t.Fatalf("soft delete: %v", err)
	}

	if _, err := m.AssetByIP(ctx, ip); !errors.Is(err, flowlens.ErrNotFound) {
		t.Fatalf("deleted asset resolvable by ip: %v", err)
	}
	got, err := m.AssetByID(ctx, a.ID)
	if err != nil {
		t.Fatalf("by id: %v", err)
	}
	if got.DeletedAt == nil {
		t.Fatal("tombstone missing on id lookup")
	}
	live, err := m.Assets(ctx)
	if err != nil {
		t.Fatalf("assets: %v", err)
	}
	if len(live) != 0 {
		t.Fatalf("live assets = %d, want 0", len(live))
	}

	// The address is reusable by a brand-new asset; the tombstone never
	// resurrects.
	b := &flowlens.Asset{IPAddress: ip, AssetType: flowlens.TypeUnknown,
		FirstSeen: testWindowStart.Add(2 * time.Hour), LastSeen: testWindowStart.Add(2 * time.Hour)}
	if err := m.CreateAsset(ctx, b); err != nil {
		t.Fatalf("recreate: %v", err)
	}
	if b.ID == a.ID {
		t.Fatal("recreated asset reused the tombstoned identity")
	}
}

func TestUpsertServiceAccumulates(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	assetID := uuid.New()

	s := &flowlens.Service{AssetID: assetID, Port: 443, Protocol: flowlens.ProtocolTCP,
		ConnectionsTotal: 3, FirstSeen: testWindowStart, LastSeen: testWindowStart}
	if err := m.UpsertService(ctx, s); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	later := testWindowStart.Add(time.Hour)
	if err := m.UpsertService(ctx, &flowlens.Service{AssetID: assetID, Port: 443,
		Protocol: flowlens.ProtocolTCP, ConnectionsTotal: 2,
		FirstSeen: later, LastSeen: later}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	services, err := m.Services(ctx, assetID)
	if err != nil {
		t.Fatalf("services: %v", err)
	}
	if len(services) != 1 {
		t.Fatalf("services = %d, want 1", len(services))
	}
	if services[0].ConnectionsTotal != 5 {
		t.Fatalf("connections_total = %d, want 5", services[0].ConnectionsTotal)
	}
	if !services[0].LastSeen.Equal(later) {
		t.Fatalf("last_seen = %v, want %v", services[0].LastSeen, later)
	}
}

func TestActivateMLModelIsExclusive(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	a := &flowlens.MLModel{Version: "v1", TrainedAt: testWindowStart, IsActive: true}
	b := &flowlens.MLModel{Version: "v2", TrainedAt: testWindowStart.Add(time.Hour)}
	for _, mdl := range []*flowlens.MLModel{a, b} {
		if err := m.SaveMLModel(ctx, mdl); err != nil {
			t.Fatalf("save %s: %v", mdl.Version, err)
		}
	}
	if err := m.ActivateMLModel(ctx, b.ID); err != nil {
		t.Fatalf("activate: %v", err)
	}

	models, err := m.MLModels(ctx)
	if err != nil {
		t.Fatalf("models: %v", err)
	}
	var active []string
	for _, mdl := range models {
		if mdl.IsActive {
			active = append(active, mdl.Version)
		}
	}
	if len(active) != 1 || active[0] != "v2" {
		t.Fatalf("active models = %v, want [v2]", active)
	}
}

func TestStoreReadsReturnCopies(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	dep, _, err := m.ApplyEdgeDelta(ctx, testDelta(testWindowStart, 10))
	if err != nil {
		t.Fatalf("delta: %v", err)
	}
	dep.BytesTotal = 999999

	again, err := m.DependencyByID(ctx, dep.ID)
	if err != nil {
		t.Fatalf("by id: %v", err)
	}
	if again.BytesTotal != 10 {
		t.Fatalf("caller mutation leaked into the store: bytes = %d", again.BytesTotal)
	}
}

func TestEncodeChange(t *testing.T) {
	ev := &flowlens.ChangeEvent{
		ID:         uuid.New(),
		ChangeType: flowlens.ChangeDependencyCreated,
		DetectedAt: testWindowStart,
		AssetID:    uuid.New(),
	}
	payload, err := EncodeChange(ev)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(payload) == 0 {
		t.Fatal("empty payload")
	}

	producer := NewLogProducer(nil)
	if err := producer.PublishChange(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := producer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
