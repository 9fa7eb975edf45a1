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
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/trinodb/trino-gateway/go/backendstate"
	"github.com/trinodb/trino-gateway/go/gatewayerrors"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// routableBackends starts a fake /v1/info server for each name, probes
// it once so the backend is marked reachable, and returns the
// resulting backendstate.Manager.
func routableBackends(t *testing.T, group string, names ...string) *backendstate.Manager {
	t.Helper()
	configs := make([]backendstate.Config, len(names))
	for i, n := range names {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("{}"))
		}))
		t.Cleanup(srv.Close)
		configs[i] = backendstate.Config{Name: n, ProxyURL: srv.URL, RoutingGroup: group, Active: true}
	}
	bm := backendstate.New(configs, discardLogger())
	p := backendstate.NewProber(bm, time.Hour, time.Second, discardLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.ProbeOnce(ctx)
	return bm
}

func TestManager_PickUsesFirstRoutableInGroup(t *testing.T) {
	bm := routableBackends(t, "g", "b1")
	rm := New(bm, time.Hour, discardLogger())
	backend, err := rm.Pick("g")
	require.NoError(t, err)
	require.Equal(t, "b1", backend)
}

func TestManager_PickFallsBackToAdhoc(t *testing.T) {
	bm := routableBackends(t, backendstate.DefaultGroup, "fallback")
	rm := New(bm, time.Hour, discardLogger())
	backend, err := rm.Pick("unknown-group")
	require.NoError(t, err)
	require.Equal(t, "fallback", backend)
}

func TestManager_PickFailsWhenNoBackendAnywhere(t *testing.T) {
	rm := New(backendstate.New(nil, discardLogger()), time.Hour, discardLogger())
	_, err := rm.Pick("g")
	ge, ok := gatewayerrors.AsGatewayError(err)
	require.True(t, ok)
	require.Equal(t, gatewayerrors.KindNoBackend, ge.Kind)
}

func TestManager_BindThenResolve(t *testing.T) {
	rm := New(backendstate.New(nil, discardLogger()), time.Hour, discardLogger())
	rm.Bind("q1", "b1")
	backend, err := rm.Resolve("q1")
	require.NoError(t, err)
	require.Equal(t, "b1", backend)
}

func TestManager_ResolveUnknownQueryFails(t *testing.T) {
	rm := New(backendstate.New(nil, discardLogger()), time.Hour, discardLogger())
	_, err := rm.Resolve("missing")
	ge, ok := gatewayerrors.AsGatewayError(err)
	require.True(t, ok)
	require.Equal(t, gatewayerrors.KindUnknownQuery, ge.Kind)
}

func TestManager_BindReturnsStableCorrelationID(t *testing.T) {
	rm := New(backendstate.New(nil, discardLogger()), time.Hour, discardLogger())
	first := rm.Bind("q1", "b1")
	require.NotEmpty(t, first)

	second := rm.Bind("q1", "b1")
	require.Equal(t, first, second)
}

func TestManager_BindKeepsFirstBackendOnConflict(t *testing.T) {
	rm := New(backendstate.New(nil, discardLogger()), time.Hour, discardLogger())
	rm.Bind("q1", "b1")
	rm.Bind("q1", "b2")
	backend, err := rm.Resolve("q1")
	require.NoError(t, err)
	require.Equal(t, "b1", backend)
}

func TestManager_EvictAfterRemovesBindingAfterDelay(t *testing.T) {
	rm := New(backendstate.New(nil, discardLogger()), time.Hour, discardLogger())
	rm.Bind("q1", "b1")
	rm.EvictAfter("q1", 10*time.Millisecond)

	require.Eventually(t, func() bool {
		_, err := rm.Resolve("q1")
		return err != nil
	}, time.Second, 5*time.Millisecond)
}

func TestManager_SweeperRemovesExpiredBindings(t *testing.T) {
	rm := New(backendstate.New(nil, discardLogger()), 20*time.Millisecond, discardLogger())
	rm.Bind("q1", "b1")

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	go rm.RunSweeper(ctx, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return rm.BindingCount() == 0
	}, time.Second, 10*time.Millisecond)
}
