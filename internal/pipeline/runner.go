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

package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Runner drives periodic pipeline work. Each job runs on its own ticker in
// its own goroutine; a failing tick is logged and the next tick retries, so
// one bad store roundtrip never kills a worker.
type Runner struct {
	clk clock.Clock
	log *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner returns a stopped-when-empty runner. Jobs registered with Every
// start immediately.
func NewRunner(clk clock.Clock, log *zap.Logger) *Runner {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{clk: clk, log: log, ctx: ctx, cancel: cancel}
}

// Every runs fn each interval until Stop. The first run waits one full
// interval so startup ordering does not matter.
func (r *Runner) Every(interval time.Duration, name string, fn func(context.Context) error) {
	r.wg.Add(1)
	ticker := r.clk.Ticker(interval)
	go func() {
		defer r.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-r.ctx.Done():
				return
			case <-ticker.C:
			}
			if err := fn(r.ctx); err != nil {
				if r.ctx.Err() != nil {
					return
				}
				r.log.Error("pipeline job failed", zap.String("job", name), zap.Error(err))
			}
		}
	}()
}

// Stop cancels all jobs and waits for in-flight ticks to finish.
func (r *Runner) Stop() {
	r.cancel()
	r.wg.Wait()
}
