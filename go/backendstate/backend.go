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

// Package backendstate holds the authoritative in-memory list of Trino
// coordinators the gateway fronts, their routing-group membership, and
// a periodically refreshed health snapshot.
package backendstate

import "time"

// DefaultGroup is the routing group a backend belongs to when none is
// configured, and the group the Routing Manager falls back to when a
// selected group has no routable backends.
const DefaultGroup = "adhoc"

// Config is one backend's static configuration, as loaded from the
// initial `backends[]` list or an admin mutation.
type Config struct {
	Name         string
	ExternalURL  string
	ProxyURL     string
	RoutingGroup string
	Active       bool
}

// HealthSnapshot is the transient, periodically-refreshed probe result
// for one backend. It is replaced wholesale on every probe, never
// mutated in place, so readers never observe a half-updated snapshot.
type HealthSnapshot struct {
	Reachable        bool
	QueuedQueryCount int
	LastProbed       time.Time
}

// Backend is a configured coordinator plus its current health
// snapshot. Backend values returned by the manager are copies; callers
// must not mutate them.
type Backend struct {
	Name         string
	ExternalURL  string
	ProxyURL     string
	RoutingGroup string
	Active       bool
	Health       HealthSnapshot
}

// Routable reports whether this backend may currently receive new
// traffic: it must be administratively active and the most recent
// probe must have succeeded.
func (b Backend) Routable() bool {
	return b.Active && b.Health.Reachable
}

func (c Config) routingGroupOrDefault() string {
	if c.RoutingGroup == "" {
		return DefaultGroup
	}
	return c.RoutingGroup
}
