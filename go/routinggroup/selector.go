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

// Package routinggroup chooses the routing-group name a new statement
// should be routed under. It sits between the Request Attribute
// Extractor and the Routing Manager: given a View, it returns a group
// name or "" to mean the default group.
package routinggroup

import (
	"github.com/trinodb/trino-gateway/go/rules"
	"github.com/trinodb/trino-gateway/go/sqlattrs"
)

// Selector is a pure function of a View and the current Rule Set. It
// never performs I/O and never blocks, so it is safe to call inline on
// the request-handling goroutine.
type Selector interface {
	Select(v *sqlattrs.View) string
}

// Header returns the value of the X-Trino-Routing-Group header, falling
// back to the sticky routing-group cookie when no header is present.
// It never consults the rules engine.
type Header struct{}

func (Header) Select(v *sqlattrs.View) string {
	if group, ok := v.RoutingGroupHeader(); ok {
		return group
	}
	group, _ := v.RoutingGroupCookie()
	return group
}

// RulesEngine ignores the header entirely and delegates to a
// *rules.Engine's Rule Set.
type RulesEngine struct {
	Engine *rules.Engine
}

func (s RulesEngine) Select(v *sqlattrs.View) string {
	result := s.Engine.Evaluate(v)
	group, _ := result.RoutingGroup()
	return group
}

// HeaderWithRulesFallback prefers the header when present, then the
// rules engine, then the sticky routing-group cookie set on an earlier
// response — so a browser session that stops sending a header still
// lands on the same group it was first assigned.
type HeaderWithRulesFallback struct {
	Engine *rules.Engine
}

func (s HeaderWithRulesFallback) Select(v *sqlattrs.View) string {
	if group, ok := v.RoutingGroupHeader(); ok {
		return group
	}
	result := s.Engine.Evaluate(v)
	if group, ok := result.RoutingGroup(); ok {
		return group
	}
	group, _ := v.RoutingGroupCookie()
	return group
}
