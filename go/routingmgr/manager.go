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

package routingmgr

import (
	"context"
	"log/slog"
	"time"

	"github.com/trinodb/trino-gateway/go/backendstate"
	"github.com/trinodb/trino-gateway/go/gatewayerrors"
	"github.com/trinodb/trino-gateway/go/tools/timer"
)

// Manager picks a backend for a new query and pins follow-up requests
// to whichever backend served the original statement.
type Manager struct {
	backends *backendstate.Manager
	bindings *bindingMap
	ttl      time.Duration
	logger   *slog.Logger
}

// New creates a Manager. ttl is the binding inactivity TTL enforced by
// the background sweeper (default 1 hour per configuration).
func New(backends *backendstate.Manager, ttl time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		backends: backends,
		bindings: newBindingMap(),
		ttl:      ttl,
		logger:   logger.With("component", "routing_manager"),
	}
}

// Pick chooses a routable backend for a new query in group. An empty
// or unknown group falls back to backendstate.DefaultGroup ("adhoc").
func (m *Manager) Pick(group string) (string, error) {
	if group == "" {
		group = backendstate.DefaultGroup
	}

	if candidates := m.backends.ListByGroup(group); len(candidates) > 0 {
		return candidates[0].Name, nil
	}

	if group != backendstate.DefaultGroup {
		if candidates := m.backends.ListByGroup(backendstate.DefaultGroup); len(candidates) > 0 {
			return candidates[0].Name, nil
		}
	}

	return "", gatewayerrors.NoBackendAvailable(group)
}

// Resolve looks up the backend bound to queryID for a follow-up
// request. The bound backend is returned even if it is no longer
// healthy — the gateway still forwards so the client sees the real
// Trino-side error.
func (m *Manager) Resolve(queryID string) (string, error) {
	backend, ok := m.bindings.resolve(queryID)
	if !ok {
		return "", gatewayerrors.UnknownQuery(queryID)
	}
	return backend, nil
}

// Bind records that queryID is now pinned to backend and returns a
// correlation id for this exchange: a random id that ties together log
// lines for one query across its lifetime, independent of the Trino
// query-id (which doesn't exist yet when the request first arrives).
// Idempotent for identical mappings; if a different backend is already
// bound, the existing binding wins and the mismatch is logged — that
// situation implies a bug elsewhere in the call chain.
func (m *Manager) Bind(queryID, backend string) string {
	bound, correlationID, created := m.bindings.bindIfAbsent(queryID, backend)
	if created {
		m.logger.Debug("bound query to backend", "query_id", queryID, "backend", backend, "correlation_id", correlationID)
		return correlationID
	}
	if bound != backend {
		m.logger.Warn("query id already bound to a different backend, keeping existing binding",
			"query_id", queryID, "existing_backend", bound, "attempted_backend", backend, "correlation_id", correlationID)
	}
	return correlationID
}

// EvictAfter schedules queryID's binding for removal after delay. Used
// for terminal-state responses: the binding is kept briefly so clients
// can still fetch final results before the gateway forgets the query.
func (m *Manager) EvictAfter(queryID string, delay time.Duration) {
	time.AfterFunc(delay, func() {
		m.bindings.evict(queryID)
	})
}

// RunSweeper blocks, removing bindings inactive longer than the
// configured TTL once per interval, until ctx is cancelled.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	runner := timer.NewPeriodicRunner(ctx, interval)
	runner.Start(func(ctx context.Context) {
		if n := m.bindings.sweep(m.ttl); n > 0 {
			m.logger.Debug("swept expired query bindings", "count", n)
		}
	})
	defer runner.Stop()

	<-ctx.Done()
}

// BindingCount reports how many bindings are currently held, for the
// status endpoint.
func (m *Manager) BindingCount() int {
	return m.bindings.count()
}
