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
	"log/slog"
	"sort"
	"sync"
)

// Manager holds the authoritative backend list. Writers are rare
// (admin mutations, periodic health probes); readers are every routing
// decision. Upsert/Remove/recordHealth modify the one map in place
// under a short-held mutex, and readers copy it out under the same
// mutex (snapshot) so no lock is held across any I/O. The map is not
// copy-on-write: readers and writers take the same lock.
type Manager struct {
	logger *slog.Logger

	mu       sync.Mutex
	backends map[string]Backend
}

// New creates a Manager seeded with the initial backend configuration.
func New(initial []Config, logger *slog.Logger) *Manager {
	m := &Manager{
		logger:   logger.With("component", "backend_state"),
		backends: make(map[string]Backend, len(initial)),
	}
	for _, c := range initial {
		m.backends[c.Name] = Backend{
			Name:         c.Name,
			ExternalURL:  c.ExternalURL,
			ProxyURL:     c.ProxyURL,
			RoutingGroup: c.routingGroupOrDefault(),
			Active:       c.Active,
		}
	}
	return m
}

// Upsert adds a new backend or updates an existing one's static
// configuration, preserving its current health snapshot.
func (m *Manager) Upsert(c Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.backends[c.Name]
	m.backends[c.Name] = Backend{
		Name:         c.Name,
		ExternalURL:  c.ExternalURL,
		ProxyURL:     c.ProxyURL,
		RoutingGroup: c.routingGroupOrDefault(),
		Active:       c.Active,
		Health:       existing.Health,
	}
	m.logger.Info("backend configuration updated", "backend", c.Name, "group", c.routingGroupOrDefault())
}

// Remove deletes a backend from the pool. Bindings to it are not
// touched, so the Routing Manager still resolves a bound query-id to
// its name, but the proxy handler no longer finds the backend and
// answers such follow-ups with 503.
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.backends, name)
	m.logger.Info("backend removed", "backend", name)
}

// recordHealth replaces one backend's HealthSnapshot wholesale. Called
// by the Prober after each probe round.
func (m *Manager) recordHealth(name string, snapshot HealthSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.backends[name]
	if !ok {
		return
	}
	b.Health = snapshot
	m.backends[name] = b
}

// snapshot returns a point-in-time copy of every configured backend,
// for internal use by ListByGroup/All/Prober.ProbeOnce without holding the lock
// across the caller's subsequent work.
func (m *Manager) snapshot() []Backend {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Backend, 0, len(m.backends))
	for _, b := range m.backends {
		out = append(out, b)
	}
	return out
}

// ListByGroup returns every routable backend in group, ordered by
// ascending queue depth with ties broken by name.
func (m *Manager) ListByGroup(group string) []Backend {
	all := m.snapshot()
	out := make([]Backend, 0, len(all))
	for _, b := range all {
		if b.RoutingGroup == group && b.Routable() {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Health.QueuedQueryCount != out[j].Health.QueuedQueryCount {
			return out[i].Health.QueuedQueryCount < out[j].Health.QueuedQueryCount
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// All returns every configured backend with its current snapshot,
// regardless of routability, for admin display.
func (m *Manager) All() []Backend {
	all := m.snapshot()
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return all
}

// Get returns a single backend by name.
func (m *Manager) Get(name string) (Backend, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.backends[name]
	return b, ok
}
