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
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/trinodb/trino-gateway/go/backendstate"
	"github.com/trinodb/trino-gateway/go/gatewayerrors"
	"github.com/trinodb/trino-gateway/go/queryhistory"
	"github.com/trinodb/trino-gateway/go/routinggroup"
	"github.com/trinodb/trino-gateway/go/routingmgr"
	"github.com/trinodb/trino-gateway/go/sqlattrs"
)

// TerminalEvictionGrace is how long a binding survives after the
// handler observes a terminal-state response with no nextUri. The
// source this was distilled from left the grace window undocumented;
// 15s is fixed here and kept tunable via Handler.EvictionGrace.
const TerminalEvictionGrace = 15 * time.Second

var allowedMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodDelete: true,
	http.MethodPut:    true,
	http.MethodHead:   true,
}

// Handler is the gateway's single entry point for Trino client traffic.
// It classifies each exchange, resolves a backend, rewrites the
// outbound URI, forwards the body, and rewrites backend-pointing URIs
// out of the response before it reaches the client.
type Handler struct {
	Selector      routinggroup.Selector
	Router        *routingmgr.Manager
	Backends      *backendstate.Manager
	History       queryhistory.Sink
	ExternalURL   string // this gateway's own externally-visible base URL
	Client        *http.Client
	Logger        *slog.Logger
	EvictionGrace time.Duration
}

// NewHandler wires a Handler with sane defaults for fields the caller
// didn't set.
func NewHandler(selector routinggroup.Selector, router *routingmgr.Manager, backends *backendstate.Manager, history queryhistory.Sink, externalURL string, logger *slog.Logger) *Handler {
	return &Handler{
		Selector:      selector,
		Router:        router,
		Backends:      backends,
		History:       history,
		ExternalURL:   externalURL,
		Client:        &http.Client{Timeout: 0}, // per-request deadlines via context instead
		Logger:        logger.With("component", "proxy_handler"),
		EvictionGrace: TerminalEvictionGrace,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !allowedMethods[r.Method] {
		gatewayerrors.MethodNotAllowed(r.Method).WriteJSON(w)
		return
	}

	kind, queryID := Classify(r)

	var view *sqlattrs.View
	if kind == KindNewStatement || kind == KindUIInfo {
		view = sqlattrs.Extract(r, h.Logger)
	}

	backendName, group, err := h.resolveBackend(view, kind, queryID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	backend, ok := h.Backends.Get(backendName)
	if !ok {
		gatewayerrors.NoBackendAvailable(backendName).WriteJSON(w)
		return
	}

	if kind == KindNewStatement {
		h.setStickyRoutingGroupCookie(w, view, group)
	}

	h.forward(w, r, backend, kind, view)
}

// setStickyRoutingGroupCookie sets the sticky routing-group cookie on
// a new statement's response when the request carried no explicit
// header, so a later poll from the same browser session without a
// header (the Trino UI) still resolves to the same group.
func (h *Handler) setStickyRoutingGroupCookie(w http.ResponseWriter, view *sqlattrs.View, group string) {
	if _, hasHeader := view.RoutingGroupHeader(); hasHeader {
		return
	}
	if group == "" {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sqlattrs.RoutingGroupCookieName,
		Value:    group,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) resolveBackend(view *sqlattrs.View, kind Kind, queryID string) (backendName, group string, err error) {
	switch kind {
	case KindNewStatement:
		group = h.Selector.Select(view)
		backendName, err = h.Router.Pick(group)
		return backendName, group, err
	case KindFollowUp:
		backendName, err = h.Router.Resolve(queryID)
		return backendName, "", err
	case KindUIInfo:
		// No query-id exists yet at this point in a session (a /v1/info
		// probe typically precedes the real statement), so routing falls
		// back to the sticky cookie set on an earlier new-statement
		// response via the same Selector a new statement uses.
		group = h.Selector.Select(view)
		backendName, err = h.Router.Pick(group)
		return backendName, group, err
	default:
		candidates := h.Backends.ListByGroup(backendstate.DefaultGroup)
		if len(candidates) == 0 {
			return "", "", gatewayerrors.NoBackendAvailable(backendstate.DefaultGroup)
		}
		return candidates[0].Name, "", nil
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	if ge, ok := gatewayerrors.AsGatewayError(err); ok {
		ge.WriteJSON(w)
		return
	}
	h.Logger.Error("unexpected proxy error", "error", err)
	gatewayerrors.BackendConnectionError("", err).WriteJSON(w)
}

func (h *Handler) forward(w http.ResponseWriter, r *http.Request, backend backendstate.Backend, kind Kind, view *sqlattrs.View) {
	outbound, err := h.buildOutboundRequest(r, backend)
	if err != nil {
		h.Logger.Error("failed to build outbound request", "backend", backend.Name, "error", err)
		gatewayerrors.BackendConnectionError(backend.Name, err).WriteJSON(w)
		return
	}

	resp, err := h.Client.Do(outbound)
	if err != nil {
		h.writeForwardError(w, backend.Name, err)
		return
	}
	defer resp.Body.Close()

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	// The body is about to be rewritten in place (backend base URLs
	// swapped for this gateway's), which changes its length. Drop the
	// backend's Content-Length so net/http falls back to chunked
	// encoding instead of truncating or padding the response.
	w.Header().Del("Content-Length")
	w.WriteHeader(resp.StatusCode)

	if kind == KindNewStatement && resp.StatusCode == http.StatusOK {
		h.forwardAndCapture(w, resp, backend, view)
		return
	}

	if err := rewriteURIs(w, resp.Body, backend.ExternalURL, h.ExternalURL); err != nil {
		h.Logger.Debug("response streaming ended early", "backend", backend.Name, "error", err)
	}
}

// buildOutboundRequest clones r with its authority replaced by
// backend's proxy URL, forwarding headers appended, Host rewritten,
// and the routing-group header stripped.
func (h *Handler) buildOutboundRequest(r *http.Request, backend backendstate.Backend) (*http.Request, error) {
	target, err := url.Parse(backend.ProxyURL)
	if err != nil {
		return nil, err
	}
	target.Path = r.URL.Path
	target.RawQuery = r.URL.RawQuery

	outbound, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
	if err != nil {
		return nil, err
	}
	outbound.Header = r.Header.Clone()
	outbound.Header.Del(sqlattrs.HeaderRoutingGroup)

	externalHost := target.Host
	if u, err := url.Parse(backend.ExternalURL); err == nil && u.Host != "" {
		externalHost = u.Host
	}
	outbound.Host = externalHost

	outbound.Header.Add("X-Forwarded-For", clientIP(r))
	outbound.Header.Add("X-Forwarded-Proto", forwardedProto(r))
	outbound.Header.Add("X-Forwarded-Host", r.Host)

	return outbound, nil
}

func (h *Handler) writeForwardError(w http.ResponseWriter, backendName string, err error) {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		gatewayerrors.BackendTimeoutError(backendName, err).WriteJSON(w)
		return
	}
	gatewayerrors.BackendConnectionError(backendName, err).WriteJSON(w)
}

// forwardAndCapture rewrites URIs in the response while streaming it
// to the client, and separately captures the response body to extract
// the query-id and terminal-state metadata for the Routing Manager and
// query-history sink. Capture is a best-effort parse over the already-
// buffered copy; it never affects what bytes reach the client.
func (h *Handler) forwardAndCapture(w http.ResponseWriter, resp *http.Response, backend backendstate.Backend, view *sqlattrs.View) {
	var captured bytes.Buffer
	tee := io.TeeReader(resp.Body, &captured)

	if err := rewriteURIs(w, tee, backend.ExternalURL, h.ExternalURL); err != nil {
		h.Logger.Debug("response streaming ended early", "backend", backend.Name, "error", err)
	}

	meta, err := parseStatementMeta(captured.Bytes())
	if err != nil || meta.ID == "" {
		h.Logger.Debug("failed to capture query id from new-statement response", "backend", backend.Name, "error", err)
		return
	}

	correlationID := h.Router.Bind(meta.ID, backend.Name)
	h.Logger.Info("new statement bound", "query_id", meta.ID, "backend", backend.Name, "correlation_id", correlationID)

	user, _ := view.User()
	go func() {
		if err := h.History.Record(queryhistory.Record{
			QueryID:     meta.ID,
			User:        user,
			Source:      view.Source(),
			SQL:         view.RawSQLForHistory(),
			Backend:     backend.Name,
			SubmittedAt: time.Now(),
		}); err != nil {
			h.Logger.Warn("failed to persist query history", "query_id", meta.ID, "error", err)
		}
	}()

	if meta.NextURI == "" && isTerminalState(meta.Stats.State) {
		h.Router.EvictAfter(meta.ID, h.EvictionGrace)
	}
}

type statementMeta struct {
	ID      string `json:"id"`
	NextURI string `json:"nextUri"`
	Stats   struct {
		State string `json:"state"`
	} `json:"stats"`
}

func parseStatementMeta(body []byte) (statementMeta, error) {
	var meta statementMeta
	err := json.Unmarshal(body, &meta)
	return meta, err
}

func isTerminalState(state string) bool {
	switch state {
	case "FINISHED", "FAILED", "CANCELED":
		return true
	default:
		return false
	}
}

func clientIP(r *http.Request) string {
	if i := strings.LastIndex(r.RemoteAddr, ":"); i != -1 {
		return r.RemoteAddr[:i]
	}
	return r.RemoteAddr
}

func forwardedProto(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}
