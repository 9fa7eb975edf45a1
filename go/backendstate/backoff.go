// Copyright 2025 The Trino Gateway Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backendstate

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"
)

// reconnectBackoff paces EtcdSource's watch-reconnect loop: exponential
// backoff with full jitter (sleep = random_between(0, min(maxDelay,
// baseDelay*2^attempt))) so a flapping etcd endpoint isn't hammered with
// reconnect attempts.
type reconnectBackoff struct {
	baseDelay time.Duration
	maxDelay  time.Duration

	mu      sync.Mutex
	attempt int
	rng     *rand.Rand
}

func newReconnectBackoff(baseDelay, maxDelay time.Duration) *reconnectBackoff {
	return &reconnectBackoff{
		baseDelay: baseDelay,
		maxDelay:  maxDelay,
		rng:       rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), uint64(time.Now().UnixNano()))),
	}
}

// wait blocks for the next backoff delay before a reconnect attempt, or
// returns ctx.Err() if ctx is done first. The first call returns
// immediately.
func (b *reconnectBackoff) wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	delay, first := b.nextDelay()
	if first {
		return nil
	}

	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *reconnectBackoff) nextDelay() (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	attempt := b.attempt
	b.attempt++
	if attempt == 0 {
		return 0, true
	}

	if attempt > 62 {
		attempt = 62
	}
	delay := b.baseDelay * time.Duration(int64(1)<<attempt)
	if delay > b.maxDelay || delay <= 0 {
		delay = b.maxDelay
	}
	return time.Duration(float64(delay) * b.rng.Float64()), false
}

// reset returns the backoff to its initial state, called once a watch
// has stayed healthy long enough that a future failure shouldn't be
// penalized by however many attempts preceded it.
func (b *reconnectBackoff) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempt = 0
}
