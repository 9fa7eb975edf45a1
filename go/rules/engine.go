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
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/trinodb/trino-gateway/go/gatewayerrors"
	"github.com/trinodb/trino-gateway/go/sqlattrs"
)

// ruleSet is an immutable, priority-sorted snapshot of compiled rules.
// The Engine swaps a *ruleSet atomically so an in-flight evaluation
// always runs against one consistent snapshot, even if a reload happens
// concurrently.
type ruleSet struct {
	rules []*Rule
}

// Engine loads rules from a file, compiles them once, and evaluates the
// current snapshot against each request's Attribute View.
type Engine struct {
	logger *slog.Logger
	fs     afero.Fs
	path   string

	current atomic.Pointer[ruleSet]

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewEngine creates an Engine and performs the initial load. fs is an
// afero.Fs so tests can exercise reload behavior against an in-memory
// filesystem instead of touching disk.
func NewEngine(fs afero.Fs, path string, logger *slog.Logger) (*Engine, error) {
	e := &Engine{
		logger: logger.With("component", "rules_engine"),
		fs:     fs,
		path:   path,
		done:   make(chan struct{}),
	}
	if err := e.Reload(); err != nil {
		return nil, err
	}
	return e, nil
}

// Reload recompiles the rules file and atomically swaps it in. Rules
// already compiled into an evaluating request are unaffected — readers
// always see either the old or the new snapshot, never a partial one.
func (e *Engine) Reload() error {
	raws, err := e.readRawRules()
	if err != nil {
		return gatewayerrors.WrapConfigError(err, "failed to read rules file %s", e.path)
	}

	rs, err := compile(raws)
	if err != nil {
		return gatewayerrors.WrapConfigError(err, "failed to compile rules file %s", e.path)
	}

	e.current.Store(rs)
	e.logger.Info("rules reloaded", "path", e.path, "rule_count", len(rs.rules))
	return nil
}

func (e *Engine) readRawRules() ([]RawRule, error) {
	f, err := e.fs.Open(e.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var raws []RawRule
	dec := yaml.NewDecoder(f)
	for {
		var raw RawRule
		if err := dec.Decode(&raw); err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		raws = append(raws, raw)
	}
	return raws, nil
}

// compile sorts rules by priority descending, then by file order (a
// stable sort preserves source order among equal priorities), and
// compiles each condition/action.
//
// TODO: surface a structured validation error per rule instead of
// failing the whole file on the first bad one, once the admin UI needs
// per-rule diagnostics.
func compile(raws []RawRule) (*ruleSet, error) {
	seen := make(map[string]bool, len(raws))
	rules := make([]*Rule, 0, len(raws))

	for i, raw := range raws {
		if raw.Name == "" {
			return nil, fmt.Errorf("rule at position %d has no name", i)
		}
		if seen[raw.Name] {
			return nil, fmt.Errorf("duplicate rule name %q", raw.Name)
		}
		seen[raw.Name] = true

		predicate, err := compileCondition(raw.Condition)
		if err != nil {
			return nil, fmt.Errorf("rule %q: invalid condition: %w", raw.Name, err)
		}

		actions := make([]action, 0, len(raw.Actions))
		for _, stmt := range raw.Actions {
			a, err := compileAction(stmt)
			if err != nil {
				return nil, fmt.Errorf("rule %q: %w", raw.Name, err)
			}
			actions = append(actions, a)
		}

		rules = append(rules, &Rule{
			Name:         raw.Name,
			Description:  raw.Description,
			Priority:     raw.Priority,
			rawCondition: raw.Condition,
			predicate:    predicate,
			actions:      actions,
		})
	}

	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority > rules[j].Priority
	})

	return &ruleSet{rules: rules}, nil
}

// Evaluate runs every rule in priority order against view and returns
// the accumulated Result. All matching rules fire — a rule evaluated
// later can still overwrite an earlier assignment.
func (e *Engine) Evaluate(v *sqlattrs.View) Result {
	rs := e.current.Load()
	result := Result{}

	for _, rule := range rs.rules {
		matched, err := rule.evaluate(v)
		if err != nil {
			e.logger.Warn("rule predicate evaluation failed, treating as false",
				"rule", rule.Name, "error", err)
			continue
		}
		if matched {
			for _, a := range rule.actions {
				a.apply(result)
			}
		}
	}

	return result
}

// RuleCount reports how many rules are loaded.
func (e *Engine) RuleCount() int {
	return len(e.current.Load().rules)
}

// Watch starts a background goroutine that reloads the rules file
// whenever it changes on disk, without requiring an operator-sent
// signal. Watch is a no-op (and returns nil) when fs is not the OS
// filesystem, since fsnotify cannot watch an in-memory afero.Fs.
func (e *Engine) Watch() error {
	if _, ok := e.fs.(*afero.OsFs); !ok {
		e.logger.Debug("rules file watch skipped: not backed by the OS filesystem")
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to start rules file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(e.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch rules directory: %w", err)
	}
	e.watcher = watcher

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(e.path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := e.Reload(); err != nil {
					e.logger.Error("rules file reload failed, keeping previous snapshot", "error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				e.logger.Error("rules file watcher error", "error", err)
			case <-e.done:
				return
			}
		}
	}()

	return nil
}

// Close stops the file watcher, if one was started.
func (e *Engine) Close() error {
	close(e.done)
	if e.watcher != nil {
		return e.watcher.Close()
	}
	return nil
}
