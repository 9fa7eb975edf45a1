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
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/trinodb/trino-gateway/go/tools/timer"
)

// Prober periodically probes every configured backend's /v1/info
// endpoint and records the outcome on the Manager. One task per
// backend; a slow or failing probe never blocks the others.
type Prober struct {
	manager  *Manager
	client   *http.Client
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

// uiInfoResponse is the subset of Trino's /v1/info (cluster UI JSON)
// the prober cares about. Unknown fields are ignored.
type uiInfoResponse struct {
	QueuedQueryCount int `json:"queuedQueries"`
}

// NewProber creates a Prober. interval is how often a full round runs;
// timeout bounds each individual backend's HTTP call.
func NewProber(m *Manager, interval, timeout time.Duration, logger *slog.Logger) *Prober {
	return &Prober{
		manager:  m,
		client:   &http.Client{Timeout: timeout},
		interval: interval,
		timeout:  timeout,
		logger:   logger.With("component", "backend_prober"),
	}
}

// Run blocks, probing every interval until ctx is cancelled. Callers
// typically run it in its own goroutine.
func (p *Prober) Run(ctx context.Context) {
	p.ProbeOnce(ctx)

	runner := timer.NewPeriodicRunner(ctx, p.interval)
	runner.Start(func(ctx context.Context) {
		p.ProbeOnce(ctx)
	})
	defer runner.Stop()

	<-ctx.Done()
}

// ProbeOnce runs a single round of concurrent probes against every
// configured backend and blocks until all have completed.
func (p *Prober) ProbeOnce(ctx context.Context) {
	backends := p.manager.snapshot()
	var wg sync.WaitGroup
	for _, b := range backends {
		wg.Add(1)
		go func(b Backend) {
			defer wg.Done()
			p.probeOne(ctx, b)
		}(b)
	}
	wg.Wait()
}

func (p *Prober) probeOne(ctx context.Context, b Backend) {
	reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	snapshot := HealthSnapshot{LastProbed: time.Now()}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, b.ProxyURL+"/v1/info", nil)
	if err != nil {
		p.logger.Warn("failed to build probe request", "backend", b.Name, "error", err)
		p.manager.recordHealth(b.Name, snapshot)
		return
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug("backend probe failed", "backend", b.Name, "error", err)
		p.manager.recordHealth(b.Name, snapshot)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		p.logger.Debug("backend probe returned non-200", "backend", b.Name, "status", resp.StatusCode)
		p.manager.recordHealth(b.Name, snapshot)
		return
	}

	snapshot.Reachable = true

	var info uiInfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&info); err == nil {
		snapshot.QueuedQueryCount = info.QueuedQueryCount
	}

	p.manager.recordHealth(b.Name, snapshot)
}
