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

package collector

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"flowlens"
)

func testQueue() *Queue {
	return NewQueue(QueueConfig{
		MaxSize:         10000,
		SampleThreshold: 5000,
		DropThreshold:   8000,
		SampleRate:      2,
	}, zap.NewNop())
}

func record() *flowlens.FlowRecord { return &flowlens.FlowRecord{} }

// TestQueueDegradation walks the queue through its full backpressure cycle:
// normal fill, sampling past 5000, dropping at 8000, and recovery below 5000.
func TestQueueDegradation(t *testing.T) {
	q := testQueue()

	for i := 0; i < 5100; i++ {
		q.Put(record())
	}
	if got := q.State(); got != StateSampling {
		t.Fatalf("after 5100 puts: state %s, want sampling", got)
	}
	// Sampling keeps 1 in 2, so 5100 puts land well short of 5100 items.
	if size := q.Len(); size <= 5000 || size >= 5100 {
		t.Fatalf("after 5100 puts: size %d, want in (5000, 5100)", size)
	}

	for i := 0; i < 7000; i++ {
		q.Put(record())
	}
	if got := q.State(); got != StateDropping {
		t.Fatalf("after burst: state %s, want dropping", got)
	}
	if q.Put(record()) {
		t.Fatal("put during dropping must return false")
	}
	if size := q.Len(); size < 8000 {
		t.Fatalf("dropping entered at size %d, want >= 8000", size)
	}

	for q.Len() >= 5000 {
		if _, ok := q.Get(); !ok {
			t.Fatal("queue closed unexpectedly")
		}
	}
	if got := q.State(); got != StateNormal {
		t.Fatalf("after drain: state %s, want normal", got)
	}
	if !q.Put(record()) {
		t.Fatal("put after recovery must be accepted")
	}
}

// TestQueueSamplingKeepsOneInRate verifies the accept ratio in SAMPLING.
func TestQueueSamplingKeepsOneInRate(t *testing.T) {
	q := NewQueue(QueueConfig{
		MaxSize:         100,
		SampleThreshold: 0, // sampling from the first put
		DropThreshold:   90,
		SampleRate:      4,
	}, zap.NewNop())

	accepted := 0
	for i := 0; i < 40; i++ {
		if q.Put(record()) {
			accepted++
		}
	}
	if accepted != 10 {
		t.Fatalf("accepted %d of 40 at rate 4, want 10", accepted)
	}
}

// TestQueuePutBatch checks the accepted/shed split.
func TestQueuePutBatch(t *testing.T) {
	q := NewQueue(QueueConfig{
		MaxSize:         100,
		SampleThreshold: 5,
		DropThreshold:   10,
		SampleRate:      2,
	}, zap.NewNop())

	// 5 accepted outright, 5 of the next 10 sampled in, the rest dropped.
	batch := make([]*flowlens.FlowRecord, 25)
	for i := range batch {
		batch[i] = record()
	}
	accepted, shed := q.PutBatch(batch)
	if accepted != 10 || shed != 15 {
		t.Fatalf("PutBatch: accepted=%d shed=%d, want 10/15", accepted, shed)
	}
}

// TestQueueFIFO pins ordering.
func TestQueueFIFO(t *testing.T) {
	q := testQueue()
	a, b := record(), record()
	q.Put(a)
	q.Put(b)
	if got, _ := q.Get(); got != a {
		t.Fatal("first out was not first in")
	}
	if got, _ := q.Get(); got != b {
		t.Fatal("second out was not second in")
	}
}

// TestQueueGetBatchWakesOnFirstItem verifies a blocked batch read returns as
// soon as a record arrives instead of waiting out its timeout.
func TestQueueGetBatchWakesOnFirstItem(t *testing.T) {
	q := testQueue()
	done := make(chan []*flowlens.FlowRecord, 1)
	go func() {
		done <- q.GetBatch(10, 5*time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	q.Put(record())

	select {
	case batch := <-done:
		if len(batch) != 1 {
			t.Fatalf("batch size %d, want 1", len(batch))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("GetBatch did not wake on first item")
	}
}

// TestQueueGetBatchTimeout verifies an empty read gives up at the deadline.
func TestQueueGetBatchTimeout(t *testing.T) {
	q := testQueue()
	start := time.Now()
	batch := q.GetBatch(10, 50*time.Millisecond)
	if len(batch) != 0 {
		t.Fatalf("batch size %d, want 0", len(batch))
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("timeout read blocked far past its deadline")
	}
}

// TestQueueGetBatchCapsAtMax verifies a batch never exceeds its max even when
// more records are queued.
func TestQueueGetBatchCapsAtMax(t *testing.T) {
	q := testQueue()
	for i := 0; i < 30; i++ {
		q.Put(record())
	}
	if batch := q.GetBatch(10, time.Millisecond); len(batch) != 10 {
		t.Fatalf("batch size %d, want 10", len(batch))
	}
	if q.Len() != 20 {
		t.Fatalf("remaining %d, want 20", q.Len())
	}
}

// TestQueueCloseUnblocksAndDrains verifies Close wakes blocked readers and
// that queued records stay readable.
func TestQueueCloseUnblocksAndDrains(t *testing.T) {
	q := testQueue()
	q.Put(record())
	q.Close()

	if _, ok := q.Get(); !ok {
		t.Fatal("queued record lost on close")
	}
	if _, ok := q.Get(); ok {
		t.Fatal("empty closed queue must report not-ok")
	}
	if q.Put(record()) {
		t.Fatal("put after close must be rejected")
	}
}
