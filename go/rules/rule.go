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

// Package rules implements the rules engine: loading a YAML rules file
// into a priority-sorted Rule Set, evaluating each rule's predicate
// against a sqlattrs.View, and accumulating the chosen routing group
// into a per-request Result.
package rules

import (
	"github.com/Knetic/govaluate"
)

// RoutingGroupKey is the reserved Result key that holds the chosen
// routing group. The literal string "routingGroup" and the fully
// qualified "result.routingGroup" are both accepted spellings in an
// action (see compileAction) — both name the same slot.
const RoutingGroupKey = "routingGroup"

// RawRule is the on-disk shape of one YAML document in the rules file.
type RawRule struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Priority    int      `yaml:"priority"`
	Condition   string   `yaml:"condition"`
	Actions     []string `yaml:"actions"`
}

// Rule is a compiled RawRule: its condition has been parsed into a
// govaluate expression and its actions into executable assignments.
type Rule struct {
	Name        string
	Description string
	Priority    int

	rawCondition string
	predicate    *govaluate.EvaluableExpression
	actions      []action
}

// Result is the mutable per-request bag that rule actions write into.
// The only slot the core reads back is RoutingGroupKey, but the bag is
// a plain map so a rules file can carry forward additional annotations
// for audit logging without the engine needing to know about them.
type Result map[string]string

// RoutingGroup returns the chosen group, or "", false if no rule ever
// assigned one.
func (r Result) RoutingGroup() (string, bool) {
	v, ok := r[RoutingGroupKey]
	return v, ok
}
