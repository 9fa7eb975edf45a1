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

package proxy

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/trinodb/trino-gateway/go/backendstate"
	"github.com/trinodb/trino-gateway/go/queryhistory"
	"github.com/trinodb/trino-gateway/go/routinggroup"
	"github.com/trinodb/trino-gateway/go/routingmgr"
	"github.com/trinodb/trino-gateway/go/sqlattrs"
)

// fixedGroupSelector always assigns the same routing group, regardless
// of the request, so tests can exercise sticky-cookie behavior without
// standing up a rules engine.
type fixedGroupSelector struct{ group string }

func (s fixedGroupSelector) Select(*sqlattrs.View) string { return s.group }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// capturingSink records every queryhistory.Record it receives, so tests
// can assert on the tuple the handler persists.
type capturingSink struct {
	mu      sync.Mutex
	records []queryhistory.Record
}

func (s *capturingSink) Record(r queryhistory.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return nil
}

func (s *capturingSink) all() []queryhistory.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]queryhistory.Record, len(s.records))
	copy(out, s.records)
	return out
}

// newRoutableBackend starts a fake coordinator, probes it once so it is
// marked reachable, and returns a backendstate.Manager containing only
// that backend plus the backend's own external base URL.
func newRoutableBackend(t *testing.T, group string, coordinator http.Handler) (*backendstate.Manager, string) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/info", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"queuedQueries": 0})
	})
	mux.Handle("/", coordinator)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	bm := backendstate.New([]backendstate.Config{{
		Name:         "b1",
		ProxyURL:     srv.URL,
		ExternalURL:  srv.URL,
		RoutingGroup: group,
		Active:       true,
	}}, discardLogger())

	p := backendstate.NewProber(bm, time.Hour, time.Second, discardLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.ProbeOnce(ctx)
	return bm, srv.URL
}

func newHandler(t *testing.T, coordinator http.Handler, selector routinggroup.Selector) (*Handler, *backendstate.Manager, *routingmgr.Manager, string) {
	bm, backendURL := newRoutableBackend(t, backendstate.DefaultGroup, coordinator)
	rm := routingmgr.New(bm, time.Hour, discardLogger())
	h := NewHandler(selector, rm, bm, queryhistory.NewLoggingSink(discardLogger()), "https://gateway.example.com", discardLogger())
	return h, bm, rm, backendURL
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	h, _, _, _ := newHandler(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}), routinggroup.Header{})

	req := httptest.NewRequest(http.MethodPatch, "/v1/statement", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandler_NewStatementBindsQueryAndRewritesURIs(t *testing.T) {
	var backendURL string
	coordinator := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/statement", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":      "20250101_120000_00001_abcde",
			"nextUri": backendURL + "/v1/statement/queued/20250101_120000_00001_abcde/1",
			"stats":   map[string]any{"state": "QUEUED"},
		})
	})

	h, _, rm, bURL := newHandler(t, coordinator, routinggroup.Header{})
	backendURL = bURL

	req := httptest.NewRequest(http.MethodPost, "/v1/statement", strings.NewReader("SELECT 1"))
	req.Header.Set("X-Trino-User", "alice")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "https://gateway.example.com/v1/statement/queued/20250101_120000_00001_abcde/1", body["nextUri"])

	backend, err := rm.Resolve("20250101_120000_00001_abcde")
	require.NoError(t, err)
	require.Equal(t, "b1", backend)
}

func TestHandler_FollowUpPinsToBoundBackend(t *testing.T) {
	coordinator := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":    "20250101_120000_00001_abcde",
			"stats": map[string]any{"state": "FINISHED"},
		})
	})

	h, _, rm, _ := newHandler(t, coordinator, routinggroup.Header{})
	rm.Bind("20250101_120000_00001_abcde", "b1")

	req := httptest.NewRequest(http.MethodGet, "/v1/statement/queued/20250101_120000_00001_abcde/2", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandler_FollowUpUnknownQueryReturns404(t *testing.T) {
	h, _, _, _ := newHandler(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}), routinggroup.Header{})

	req := httptest.NewRequest(http.MethodGet, "/v1/statement/queued/99999999_999999_99999_zzzzz/1", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_UIInfoRoutesToDefaultGroupBackend(t *testing.T) {
	coordinator := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"nodeId":"b1"}`))
	})
	h, _, _, _ := newHandler(t, coordinator, routinggroup.Header{})

	req := httptest.NewRequest(http.MethodGet, "/v1/info", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandler_UIInfoRoutesByStickyCookie(t *testing.T) {
	etlCoordinator := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"nodeId":"etl-backend"}`))
	})
	etlSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/info" {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{"queuedQueries": 0})
			return
		}
		etlCoordinator.ServeHTTP(w, r)
	}))
	t.Cleanup(etlSrv.Close)

	defaultSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/info" {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{"queuedQueries": 0})
			return
		}
		w.Write([]byte(`{"nodeId":"default-backend"}`))
	}))
	t.Cleanup(defaultSrv.Close)

	bm := backendstate.New([]backendstate.Config{
		{Name: "default-backend", ProxyURL: defaultSrv.URL, ExternalURL: defaultSrv.URL, RoutingGroup: backendstate.DefaultGroup, Active: true},
		{Name: "etl-backend", ProxyURL: etlSrv.URL, ExternalURL: etlSrv.URL, RoutingGroup: "etl", Active: true},
	}, discardLogger())
	p := backendstate.NewProber(bm, time.Hour, time.Second, discardLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	p.ProbeOnce(ctx)
	cancel()

	rm := routingmgr.New(bm, time.Hour, discardLogger())
	h := NewHandler(routinggroup.Header{}, rm, bm, queryhistory.NewLoggingSink(discardLogger()), "https://gateway.example.com", discardLogger())

	req := httptest.NewRequest(http.MethodGet, "/v1/node", nil)
	req.AddCookie(&http.Cookie{Name: sqlattrs.RoutingGroupCookieName, Value: "etl"})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"nodeId":"etl-backend"}`, rec.Body.String())
}

func TestHandler_NoBackendAvailableReturns503(t *testing.T) {
	bm := backendstate.New(nil, discardLogger())
	rm := routingmgr.New(bm, time.Hour, discardLogger())
	h := NewHandler(routinggroup.Header{}, rm, bm, queryhistory.NewLoggingSink(discardLogger()), "https://gateway.example.com", discardLogger())

	req := httptest.NewRequest(http.MethodPost, "/v1/statement", strings.NewReader("SELECT 1"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandler_NewStatementSetsStickyRoutingGroupCookieWhenHeaderAbsent(t *testing.T) {
	coordinator := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":    "20250101_120000_00001_abcde",
			"stats": map[string]any{"state": "QUEUED"},
		})
	})

	h, _, _, _ := newHandler(t, coordinator, fixedGroupSelector{group: "etl-group"})

	req := httptest.NewRequest(http.MethodPost, "/v1/statement", strings.NewReader("SELECT 1"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	require.Equal(t, sqlattrs.RoutingGroupCookieName, cookies[0].Name)
	require.Equal(t, "etl-group", cookies[0].Value)
}

func TestHandler_NewStatementDoesNotOverrideExplicitHeaderWithCookie(t *testing.T) {
	coordinator := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":    "20250101_120000_00001_abcde",
			"stats": map[string]any{"state": "QUEUED"},
		})
	})

	h, _, _, _ := newHandler(t, coordinator, fixedGroupSelector{group: "etl-group"})

	req := httptest.NewRequest(http.MethodPost, "/v1/statement", strings.NewReader("SELECT 1"))
	req.Header.Set(sqlattrs.HeaderRoutingGroup, "etl-group")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, rec.Result().Cookies())
}

func TestHandler_NewStatementRecordsFullHistoryTuple(t *testing.T) {
	coordinator := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":    "20250101_120000_00001_abcde",
			"stats": map[string]any{"state": "QUEUED"},
		})
	})

	bm, _ := newRoutableBackend(t, backendstate.DefaultGroup, coordinator)
	rm := routingmgr.New(bm, time.Hour, discardLogger())
	sink := &capturingSink{}
	h := NewHandler(routinggroup.Header{}, rm, bm, sink, "https://gateway.example.com", discardLogger())

	req := httptest.NewRequest(http.MethodPost, "/v1/statement", strings.NewReader("SELECT 1"))
	req.Header.Set("X-Trino-User", "alice")
	req.Header.Set(sqlattrs.HeaderSource, "cli")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, func() bool {
		return len(sink.all()) == 1
	}, time.Second, 5*time.Millisecond)

	record := sink.all()[0]
	require.Equal(t, "20250101_120000_00001_abcde", record.QueryID)
	require.Equal(t, "alice", record.User)
	require.Equal(t, "cli", record.Source)
	require.Equal(t, "SELECT 1", record.SQL)
	require.Equal(t, "b1", record.Backend)
}

func TestHandler_TerminalStateSchedulesEviction(t *testing.T) {
	coordinator := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":    "q1",
			"stats": map[string]any{"state": "FINISHED"},
		})
	})

	h, _, rm, _ := newHandler(t, coordinator, routinggroup.Header{})
	h.EvictionGrace = 10 * time.Millisecond

	req := httptest.NewRequest(http.MethodPost, "/v1/statement", strings.NewReader("SELECT 1"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, func() bool {
		_, err := rm.Resolve("q1")
		return err != nil
	}, time.Second, 5*time.Millisecond)
}
