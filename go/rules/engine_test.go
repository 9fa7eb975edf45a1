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

package rules

import (
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/trinodb/trino-gateway/go/sqlattrs"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEngine(t *testing.T, yamlDoc string) *Engine {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/rules.yaml", []byte(yamlDoc), 0o644))
	e, err := NewEngine(fs, "/rules.yaml", discardLogger())
	require.NoError(t, err)
	return e
}

func viewFor(t *testing.T, sql string, headers map[string]string) *sqlattrs.View {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "http://gateway.local/v1/statement", strings.NewReader(sql))
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return sqlattrs.Extract(req, discardLogger())
}

func TestEngine_UserRule(t *testing.T) {
	e := newEngine(t, `
name: will-rule
priority: 10
condition: hasUser && user == "will"
actions:
  - routingGroup = "will-group"
`)
	v := viewFor(t, "SELECT 1", map[string]string{sqlattrs.HeaderUser: "will"})
	result := e.Evaluate(v)
	group, ok := result.RoutingGroup()
	require.True(t, ok)
	require.Equal(t, "will-group", group)
}

func TestEngine_TableRule(t *testing.T) {
	e := newEngine(t, `
name: table-rule
priority: 10
condition: contains(tables, "cat.schem.foo")
actions:
  - routingGroup = "statement-header-group"
`)
	v := viewFor(t, "EXECUTE stmt1 USING 1", map[string]string{
		"X-Trino-Catalog":            "cat",
		"X-Trino-Schema":             "schem",
		"X-Trino-Prepared-Statement": "stmt1=SELECT%20%2A%20FROM%20foo",
	})
	result := e.Evaluate(v)
	group, ok := result.RoutingGroup()
	require.True(t, ok)
	require.Equal(t, "statement-header-group", group)
}

func TestEngine_CatchAllCanBeOverriddenByHigherPriority(t *testing.T) {
	e := newEngine(t, `
name: catch-all
priority: -1
condition: true
actions:
  - routingGroup = "no-match"
---
name: will-rule
priority: 10
condition: hasUser && user == "will"
actions:
  - routingGroup = "will-group"
`)

	v := viewFor(t, "SELECT 1", map[string]string{sqlattrs.HeaderUser: "will"})
	result := e.Evaluate(v)
	group, _ := result.RoutingGroup()
	require.Equal(t, "will-group", group, "higher priority rule must run after and win")

	v2 := viewFor(t, "SELECT 1", nil)
	result2 := e.Evaluate(v2)
	group2, _ := result2.RoutingGroup()
	require.Equal(t, "no-match", group2)
}

func TestEngine_PredicateErrorTreatedAsFalse(t *testing.T) {
	e := newEngine(t, `
name: broken
priority: 10
condition: missingAttribute == "x"
actions:
  - routingGroup = "never"
---
name: fallback
priority: -1
condition: true
actions:
  - routingGroup = "fallback-group"
`)
	v := viewFor(t, "SELECT 1", nil)
	result := e.Evaluate(v)
	group, _ := result.RoutingGroup()
	require.Equal(t, "fallback-group", group)
}

func TestEngine_ReloadSwapsRuleSetAtomically(t *testing.T) {
	e := newEngine(t, `
name: v1
priority: 0
condition: true
actions:
  - routingGroup = "group-v1"
`)
	require.Equal(t, 1, e.RuleCount())

	fs := e.fs
	require.NoError(t, afero.WriteFile(fs, "/rules.yaml", []byte(`
name: v2
priority: 0
condition: true
actions:
  - routingGroup = "group-v2"
---
name: v2b
priority: 0
condition: false
actions:
  - routingGroup = "unused"
`), 0o644))
	require.NoError(t, e.Reload())
	require.Equal(t, 2, e.RuleCount())

	result := e.Evaluate(viewFor(t, "SELECT 1", nil))
	group, _ := result.RoutingGroup()
	require.Equal(t, "group-v2", group)
}

func TestEngine_DuplicateRuleNameRejected(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/rules.yaml", []byte(`
name: dup
priority: 0
condition: true
actions: []
---
name: dup
priority: 0
condition: true
actions: []
`), 0o644))
	_, err := NewEngine(fs, "/rules.yaml", discardLogger())
	require.Error(t, err)
}
