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

// Package collector receives flow datagrams over UDP, parses them, and feeds
// a bounded queue that shields the write path from exporter bursts. When
// producers outpace the consumer the queue degrades in two steps: first it
// samples (keeps 1 in sample_rate), then it drops outright. Both regimes are
// counted and recover automatically as the queue drains.
package collector

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"flowlens"
	"flowlens/internal/telemetry"
)

// State is the backpressure regime the queue is currently in. It is derived
// from the queue size against the configured thresholds on every put and get.
type State int

const (
	// StateNormal accepts every record.
	StateNormal State = iota
	// StateSampling keeps 1 in sampleRate records and counts the rest.
	StateSampling
	// StateDropping rejects every record.
	StateDropping
)

// String returns the lowercase state name used in logs.
func (s State) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateSampling:
		return "sampling"
	case StateDropping:
		return "dropping"
	default:
		return "unknown"
	}
}

// QueueConfig parameterizes the bounded queue. Thresholds must satisfy
// SampleThreshold < DropThreshold < MaxSize.
type QueueConfig struct {
	MaxSize         int
	SampleThreshold int
	DropThreshold   int
	SampleRate      int
}

// Queue is a bounded FIFO of flow records with load-shedding. Producers never
// block: a put either lands the record or returns false. Consumers block on
// Get, and GetBatch wakes on the first available record or its timeout,
// whichever comes first.
type Queue struct {
	cfg QueueConfig
	log *zap.Logger

	mu       sync.Mutex
	notEmpty *sync.Cond
	items    []*flowlens.FlowRecord
	state    State
	sampleN  uint64
	closed   bool
}

// NewQueue builds a queue with the given thresholds. A SampleRate below 1 is
// treated as 1 (sampling keeps everything).
func NewQueue(cfg QueueConfig, log *zap.Logger) *Queue {
	if cfg.SampleRate < 1 {
		cfg.SampleRate = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	q := &Queue{cfg: cfg, log: log, state: StateNormal}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Put offers one record. It returns true if the record was enqueued, false if
// it was sampled out or dropped. Never blocks.
func (q *Queue) Put(f *flowlens.FlowRecord) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.putLocked(f)
}

// PutBatch offers a slice of records and returns how many were accepted and
// how many were shed (sampled out or dropped).
func (q *Queue) PutBatch(records []*flowlens.FlowRecord) (accepted, shed int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, f := range records {
		if q.putLocked(f) {
			accepted++
		} else {
			shed++
		}
	}
	return accepted, shed
}

func (q *Queue) putLocked(f *flowlens.FlowRecord) bool {
	if q.closed {
		return false
	}
	q.reviseStateLocked()
	switch q.state {
	case StateDropping:
		telemetry.FlowsDropped.WithLabelValues("backpressure").Inc()
		return false
	case StateSampling:
		q.sampleN++
		if q.sampleN%uint64(q.cfg.SampleRate) != 0 {
			telemetry.FlowsSampled.Inc()
			return false
		}
	}
	if len(q.items) >= q.cfg.MaxSize {
		// Thresholds normally shed load before the hard cap; this is the
		// degenerate configuration where DropThreshold >= MaxSize.
		telemetry.FlowsDropped.WithLabelValues("queue_full").Inc()
		return false
	}
	q.items = append(q.items, f)
	telemetry.QueueSize.Set(float64(len(q.items)))
	q.notEmpty.Signal()
	return true
}

// reviseStateLocked recomputes the regime from the current size and records
// the transition when it changes.
func (q *Queue) reviseStateLocked() {
	size := len(q.items)
	next := StateNormal
	switch {
	case size >= q.cfg.DropThreshold:
		next = StateDropping
	case size >= q.cfg.SampleThreshold:
		next = StateSampling
	}
	if next == q.state {
		return
	}
	q.log.Info("ingestion queue state change",
		zap.String("from", q.state.String()),
		zap.String("to", next.String()),
		zap.Int("size", size))
	q.state = next
	telemetry.QueueState.Set(float64(next))
}

// Get removes and returns the oldest record, blocking until one is available
// or the queue is closed. The second return is false only after Close once
// the queue has drained.
func (q *Queue) Get() (*flowlens.FlowRecord, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 {
		if q.closed {
			return nil, false
		}
		q.notEmpty.Wait()
	}
	return q.takeLocked(), true
}

// GetBatch removes up to max records. It blocks until at least one record is
// available, the timeout elapses, or the queue is closed; on timeout it
// returns whatever is queued (possibly nothing).
func (q *Queue) GetBatch(max int, timeout time.Duration) []*flowlens.FlowRecord {
	var expired bool
	timer := time.AfterFunc(timeout, func() {
		q.mu.Lock()
		expired = true
		q.mu.Unlock()
		q.notEmpty.Broadcast()
	})
	defer timer.Stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed && !expired {
		q.notEmpty.Wait()
	}
	n := len(q.items)
	if n > max {
		n = max
	}
	out := make([]*flowlens.FlowRecord, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, q.takeLocked())
	}
	return out
}

func (q *Queue) takeLocked() *flowlens.FlowRecord {
	f := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	telemetry.QueueSize.Set(float64(len(q.items)))
	q.reviseStateLocked()
	return f
}

// Len reports the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// State reports the current backpressure regime.
func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Close stops accepting records and wakes all blocked consumers. Records
// already queued remain readable until drained.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}
