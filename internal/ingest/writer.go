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

// Package ingest moves parsed flow records from the collector queue into the
// store in batches. Failed batches are retried with exponential backoff under
// a bounded budget; a batch that exhausts the budget is dropped and logged,
// never allowed to wedge the queue.
package ingest

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"flowlens"
	"flowlens/internal/collector"
	"flowlens/internal/store"
	"flowlens/internal/telemetry"
)

// WriterConfig sizes the batching and the retry budget.
type WriterConfig struct {
	// BatchSize is the maximum records per bulk insert.
	BatchSize int
	// BatchTimeout caps how long a partial batch waits before flushing.
	BatchTimeout time.Duration
	// RetryBudget bounds the total time spent retrying one failed batch.
	RetryBudget time.Duration
}

func (c WriterConfig) withDefaults() WriterConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 1000
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 5 * time.Second
	}
	if c.RetryBudget <= 0 {
		c.RetryBudget = 30 * time.Second
	}
	return c
}

// Writer is the single consumer of the collector queue.
type Writer struct {
	cfg   WriterConfig
	queue *collector.Queue
	flows store.FlowStore
	log   *zap.Logger

	stop chan struct{}
	done chan struct{}
}

// NewWriter builds a writer over the queue and flow store.
func NewWriter(cfg WriterConfig, queue *collector.Queue, flows store.FlowStore, log *zap.Logger) *Writer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Writer{
		cfg:   cfg.withDefaults(),
		queue: queue,
		flows: flows,
		log:   log,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Run consumes the queue until Stop is called, then drains whatever is still
// buffered. It is meant to be run in its own goroutine.
func (w *Writer) Run() {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			w.drain()
			return
		default:
		}
		batch := w.queue.GetBatch(w.cfg.BatchSize, w.cfg.BatchTimeout)
		if len(batch) > 0 {
			w.flush(batch)
		}
	}
}

// Stop asks Run to finish and waits for the final drain. Close the queue
// first so GetBatch returns promptly.
func (w *Writer) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Writer) drain() {
	for {
		batch := w.queue.GetBatch(w.cfg.BatchSize, 50*time.Millisecond)
		if len(batch) == 0 {
			return
		}
		w.flush(batch)
	}
}

// flush bulk-inserts one batch, retrying transient store failures. A batch
// that cannot be written inside the budget is dropped with its span logged so
// the gap is diagnosable.
func (w *Writer) flush(batch []*flowlens.FlowRecord) {
	start := time.Now()

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = w.cfg.RetryBudget
	err := backoff.RetryNotify(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), w.cfg.RetryBudget)
		defer cancel()
		return w.flows.InsertFlows(ctx, batch)
	}, bo, func(err error, next time.Duration) {
		w.log.Warn("flow batch insert failed, retrying",
			zap.Error(err),
			zap.Int("batch_size", len(batch)),
			zap.Duration("next_attempt_in", next))
	})

	telemetry.BatchSize.Observe(float64(len(batch)))
	telemetry.BatchLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		telemetry.FlowsDropped.WithLabelValues("store_error").Add(float64(len(batch)))
		w.log.Error("flow batch dropped after retry budget",
			zap.Error(err),
			zap.Int("batch_size", len(batch)),
			zap.Time("first_record", batch[0].Timestamp),
			zap.Time("last_record", batch[len(batch)-1].Timestamp))
		return
	}
	w.log.Debug("flow batch persisted",
		zap.Int("batch_size", len(batch)),
		zap.Duration("took", time.Since(start)))
}
