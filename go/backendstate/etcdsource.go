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
	"fmt"
	"log/slog"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdSource keeps a Manager's backend list in sync with a prefix in
// etcd, so an out-of-process admin tool can add, update, or remove
// backends without a gateway restart. This is optional: deployments
// without a shared etcd cluster should drive the Manager directly from
// static configuration instead.
type EtcdSource struct {
	cli     *clientv3.Client
	prefix  string
	manager *Manager
	logger  *slog.Logger
}

// NewEtcdSource creates a source watching keyPrefix for Config JSON
// values, one key per backend name.
func NewEtcdSource(cli *clientv3.Client, keyPrefix string, m *Manager, logger *slog.Logger) *EtcdSource {
	if !strings.HasSuffix(keyPrefix, "/") {
		keyPrefix += "/"
	}
	return &EtcdSource{
		cli:     cli,
		prefix:  keyPrefix,
		manager: m,
		logger:  logger.With("component", "backend_etcd_source"),
	}
}

// Run loads the current backend set and then watches for changes until
// ctx is cancelled, reconnecting with backoff if the watch channel is
// closed by the server (compaction, connection loss).
func (s *EtcdSource) Run(ctx context.Context) error {
	if err := s.loadInitial(ctx); err != nil {
		return fmt.Errorf("failed to load initial backend set from etcd: %w", err)
	}

	b := newReconnectBackoff(200*time.Millisecond, 30*time.Second)
	for {
		if err := b.wait(ctx); err != nil {
			return nil
		}

		resetTimer := time.AfterFunc(30*time.Second, b.reset)
		s.watchUntilClosed(ctx)
		resetTimer.Stop()

		if ctx.Err() != nil {
			return nil
		}
		s.logger.Warn("etcd backend watch channel closed, reconnecting")
	}
}

func (s *EtcdSource) loadInitial(ctx context.Context) error {
	resp, err := s.cli.Get(ctx, s.prefix, clientv3.WithPrefix())
	if err != nil {
		return err
	}
	for _, kv := range resp.Kvs {
		s.applyPut(kv.Key, kv.Value)
	}
	return nil
}

func (s *EtcdSource) watchUntilClosed(ctx context.Context) {
	watchChan := s.cli.Watch(ctx, s.prefix, clientv3.WithPrefix())
	for resp := range watchChan {
		if err := resp.Err(); err != nil {
			s.logger.Error("etcd watch error", "error", err)
			continue
		}
		for _, ev := range resp.Events {
			switch ev.Type {
			case clientv3.EventTypePut:
				s.applyPut(ev.Kv.Key, ev.Kv.Value)
			case clientv3.EventTypeDelete:
				s.manager.Remove(backendNameFromKey(string(ev.Kv.Key), s.prefix))
			}
		}
	}
}

func (s *EtcdSource) applyPut(key, value []byte) {
	var c Config
	if err := json.Unmarshal(value, &c); err != nil {
		s.logger.Warn("failed to decode backend config from etcd", "key", string(key), "error", err)
		return
	}
	if c.Name == "" {
		c.Name = backendNameFromKey(string(key), s.prefix)
	}
	s.manager.Upsert(c)
}

func backendNameFromKey(key, prefix string) string {
	return strings.TrimPrefix(key, prefix)
}
