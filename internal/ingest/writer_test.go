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

package ingest

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"flowlens"
	"flowlens/internal/collector"
	"flowlens/internal/store"
)

func testFlow(i int) *flowlens.FlowRecord {
	return &flowlens.FlowRecord{
		Timestamp: time.Date(2025, 10, 6, 12, 0, i, 0, time.UTC),
		SrcIP:     netip.MustParseAddr("10.0.0.1"),
		DstIP:     netip.MustParseAddr("10.0.0.2"),
		SrcPort:   54321,
		DstPort:   443,
		Protocol:  flowlens.ProtocolTCP,
	}
}

func testQueue() *collector.Queue {
	return collector.NewQueue(collector.QueueConfig{
		MaxSize:         1000,
		SampleThreshold: 900,
		DropThreshold:   950,
		SampleRate:      2,
	}, nil)
}

func TestWriterPersistsAndDrains(t *testing.T) {
	q := testQueue()
	st := store.NewMemory()
	w := NewWriter(WriterConfig{BatchSize: 10, BatchTimeout: 50 * time.Millisecond}, q, st, nil)

	go w.Run()
	for i := 0; i < 25; i++ {
		if !q.Put(testFlow(i)) {
			t.Fatalf("queue rejected flow %d", i)
		}
	}

	q.Close()
	w.Stop()

	got, err := st.FlowsInWindow(context.Background(),
		time.Date(2025, 10, 6, 12, 0, 0, 0, time.UTC),
		time.Date(2025, 10, 6, 12, 1, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("flows in window: %v", err)
	}
	if len(got) != 25 {
		t.Fatalf("persisted %d flows, want 25", len(got))
	}
}

// flakyStore fails the first n insert attempts.
type flakyStore struct {
	store.FlowStore
	mu       sync.Mutex
	failures int
	attempts int
}

func (s *flakyStore) InsertFlows(ctx context.Context, records []*flowlens.FlowRecord) error {
	s.mu.Lock()
	s.attempts++
	fail := s.attempts <= s.failures
	s.mu.Unlock()
	if fail {
		return errors.New("connection reset")
	}
	return s.FlowStore.InsertFlows(ctx, records)
}

func TestWriterRetriesTransientFailures(t *testing.T) {
	q := testQueue()
	mem := store.NewMemory()
	flaky := &flakyStore{FlowStore: mem, failures: 2}
	w := NewWriter(WriterConfig{
		BatchSize:    10,
		BatchTimeout: 50 * time.Millisecond,
		RetryBudget:  5 * time.Second,
	}, q, flaky, nil)

	go w.Run()
	for i := 0; i < 5; i++ {
		q.Put(testFlow(i))
	}
	q.Close()
	w.Stop()

	got, err := mem.FlowsInWindow(context.Background(),
		time.Date(2025, 10, 6, 12, 0, 0, 0, time.UTC),
		time.Date(2025, 10, 6, 12, 1, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("flows in window: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("persisted %d flows after retries, want 5", len(got))
	}
	flaky.mu.Lock()
	attempts := flaky.attempts
	flaky.mu.Unlock()
	if attempts < 3 {
		t.Fatalf("attempts = %d, want at least 3 (two failures then success)", attempts)
	}
}

func TestWriterDropsBatchAfterBudget(t *testing.T) {
	q := testQueue()
	mem := store.NewMemory()
	// Never recovers within the tiny budget.
	flaky := &flakyStore{FlowStore: mem, failures: 1 << 20}
	w := NewWriter(WriterConfig{
		BatchSize:    10,
		BatchTimeout: 50 * time.Millisecond,
		RetryBudget:  200 * time.Millisecond,
	}, q, flaky, nil)

	go w.Run()
	q.Put(testFlow(0))
	q.Close()
	w.Stop()

	got, err := mem.FlowsInWindow(context.Background(),
		time.Date(2025, 10, 6, 12, 0, 0, 0, time.UTC),
		time.Date(2025, 10, 6, 12, 1, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("flows in window: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("persisted %d flows, want 0 (batch should be dropped)", len(got))
	}
}
