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

// Package queryhistory defines the append-only sink the proxy handler
// writes to after a new query is bound to a backend. The persistent
// store behind it is an external collaborator; this package only
// defines the interface and a couple of small implementations useful
// without one.
package queryhistory

import (
	"log/slog"
	"sync"
	"time"
)

// Record is one submitted-query tuple.
type Record struct {
	QueryID     string
	User        string
	Source      string
	SQL         string
	Backend     string
	SubmittedAt time.Time
}

// Sink persists Records. Record is called asynchronously by the proxy
// handler; implementations should not block the caller for long, and
// any error they return is logged, never surfaced to the client.
type Sink interface {
	Record(r Record) error
}

// LoggingSink writes each record as a structured log line. It is the
// default when no persistent store is configured.
type LoggingSink struct {
	logger *slog.Logger
}

func NewLoggingSink(logger *slog.Logger) *LoggingSink {
	return &LoggingSink{logger: logger.With("component", "query_history")}
}

func (s *LoggingSink) Record(r Record) error {
	s.logger.Info("query submitted",
		"query_id", r.QueryID,
		"user", r.User,
		"source", r.Source,
		"sql", r.SQL,
		"backend", r.Backend,
		"submitted_at", r.SubmittedAt,
	)
	return nil
}

// RingBufferSink keeps the most recent N records in memory, for admin
// display without a persistent store.
type RingBufferSink struct {
	mu      sync.Mutex
	records []Record
	cap     int
	next    int
}

func NewRingBufferSink(capacity int) *RingBufferSink {
	return &RingBufferSink{cap: capacity}
}

func (s *RingBufferSink) Record(r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.records) < s.cap {
		s.records = append(s.records, r)
		return nil
	}
	s.records[s.next] = r
	s.next = (s.next + 1) % s.cap
	return nil
}

// Recent returns up to the ring buffer's capacity most-recently
// recorded entries, oldest first.
func (s *RingBufferSink) Recent() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Once the buffer has wrapped, s.next is the oldest slot.
	out := make([]Record, 0, len(s.records))
	out = append(out, s.records[s.next:]...)
	out = append(out, s.records[:s.next]...)
	return out
}
