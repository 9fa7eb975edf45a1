// Copyright 2019 The Vitess Authors.
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
//
// Modifications Copyright 2025 The Trino Gateway Authors.

// Package timer provides PeriodicRunner, the interval scheduler behind
// the backend health prober and the routing manager's binding sweeper.
package timer

import (
	"context"
	"sync"
	"time"
)

// PeriodicRunner invokes a callback on a fixed interval until Stop is
// called. The next run is scheduled only after the previous one
// returns, so callbacks never overlap.
type PeriodicRunner struct {
	parentCtx context.Context
	interval  time.Duration
	callback  func(ctx context.Context)

	mu      sync.Mutex
	running bool
	ctx     context.Context // child of parentCtx, created on Start, cancelled on Stop
	cancel  context.CancelFunc
	timer   *time.Timer
	wg      sync.WaitGroup
}

// NewPeriodicRunner creates a PeriodicRunner bound to parentCtx, which is
// used to derive the context passed to each callback invocation.
func NewPeriodicRunner(parentCtx context.Context, interval time.Duration) *PeriodicRunner {
	return &PeriodicRunner{
		parentCtx: parentCtx,
		interval:  interval,
	}
}

// Start begins invoking callback every interval. Calling Start again on
// an already-running PeriodicRunner is a no-op.
func (r *PeriodicRunner) Start(callback func(ctx context.Context)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return
	}

	r.running = true
	r.callback = callback
	r.ctx, r.cancel = context.WithCancel(r.parentCtx)
	r.scheduleNext()
}

// Stop cancels the runner and waits for any in-flight callback to
// complete. Idempotent; safe to call when not running.
func (r *PeriodicRunner) Stop() {
	r.mu.Lock()

	if !r.running {
		r.mu.Unlock()
		return
	}

	r.running = false
	r.cancel()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.ctx = nil
	r.cancel = nil
	r.callback = nil

	r.mu.Unlock()

	r.wg.Wait()
}

// scheduleNext schedules the next callback execution. Must be called
// while holding r.mu.
func (r *PeriodicRunner) scheduleNext() {
	r.timer = time.AfterFunc(r.interval, r.execute)
}

// execute runs the callback and schedules the next execution.
func (r *PeriodicRunner) execute() {
	r.mu.Lock()

	if !r.running || r.ctx == nil {
		r.mu.Unlock()
		return
	}

	r.wg.Add(1)
	defer r.wg.Done()

	callback := r.callback
	ctx := r.ctx

	r.mu.Unlock()

	callback(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return
	}
	r.scheduleNext()
}
