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

// Package routingmgr picks a backend for a new query and remembers
// which backend served each query-id so follow-up requests pin to it.
package routingmgr

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
)

const shardCount = 32

type binding struct {
	backend       string
	correlationID string
	lastAccess    time.Time
}

// bindingMap is a fixed-size sharded map from query-id to backend
// name. Each shard guards its own lock so a lookup for one query-id
// never contends with a sweep or bind touching a different shard.
type bindingMap struct {
	shards [shardCount]*shard
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*binding
}

func newBindingMap() *bindingMap {
	bm := &bindingMap{}
	for i := range bm.shards {
		bm.shards[i] = &shard{entries: make(map[string]*binding)}
	}
	return bm
}

func (bm *bindingMap) shardFor(queryID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(queryID))
	return bm.shards[h.Sum32()%shardCount]
}

// bindIfAbsent inserts (queryID -> backend) if no binding exists yet.
// It returns the backend now bound for queryID, which is backend
// itself on a fresh insert or the pre-existing value if one raced in
// first — bindings are never overwritten once set. The correlation id
// identifies this exchange in logs independent of the Trino query-id.
func (bm *bindingMap) bindIfAbsent(queryID, backend string) (bound, correlationID string, created bool) {
	s := bm.shardFor(queryID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[queryID]; ok {
		return existing.backend, existing.correlationID, false
	}
	cid := uuid.NewString()
	s.entries[queryID] = &binding{backend: backend, correlationID: cid, lastAccess: time.Now()}
	return backend, cid, true
}

// resolve looks up queryID and refreshes its last-access time on hit.
func (bm *bindingMap) resolve(queryID string) (string, bool) {
	s := bm.shardFor(queryID)
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.entries[queryID]
	if !ok {
		return "", false
	}
	b.lastAccess = time.Now()
	return b.backend, true
}

// evict removes a binding unconditionally.
func (bm *bindingMap) evict(queryID string) {
	s := bm.shardFor(queryID)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, queryID)
}

// sweep removes every binding across all shards whose last access is
// older than ttl, holding at most one shard's lock at a time.
func (bm *bindingMap) sweep(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)
	removed := 0
	for _, s := range bm.shards {
		s.mu.Lock()
		for id, b := range s.entries {
			if b.lastAccess.Before(cutoff) {
				delete(s.entries, id)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

func (bm *bindingMap) count() int {
	n := 0
	for _, s := range bm.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}
