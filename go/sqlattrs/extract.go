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

package sqlattrs

import (
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

const (
	HeaderUser               = "X-Trino-User"
	HeaderSource             = "X-Trino-Source"
	HeaderClientTags         = "X-Trino-Client-Tags"
	HeaderClientInfo         = "X-Trino-Client-Info"
	HeaderCatalog            = "X-Trino-Catalog"
	HeaderSchema             = "X-Trino-Schema"
	HeaderPreparedStatement  = "X-Trino-Prepared-Statement"
	HeaderRoutingGroup       = "X-Trino-Routing-Group"

	// RoutingGroupCookieName is the sticky-session cookie the proxy
	// handler sets on a new statement's response when the request
	// carried no X-Trino-Routing-Group header and the selector chose a
	// group, so later polls from the same browser session can resolve
	// to that group.
	RoutingGroupCookieName = "trino-routing-group"

	statementPath = "/v1/statement"
)

// Extract builds a View from an inbound request. For POST /v1/statement
// it reads the body fully and replaces r.Body with an in-memory copy,
// so the proxy handler can still forward the original bytes downstream;
// Extract never closes r.Body.
//
// Extraction never returns an error: a malformed body degrades the
// result to QueryUnknown with empty identifier sets rather than
// failing the request.
func Extract(r *http.Request, logger *slog.Logger) *View {
	v := emptyView()

	if user := r.Header.Get(HeaderUser); user != "" {
		v.user = user
		v.hasUser = true
	}
	if group := r.Header.Get(HeaderRoutingGroup); group != "" {
		v.routingGroupHeader = group
		v.hasRoutingGroupHeader = true
	}
	if cookie, err := r.Cookie(RoutingGroupCookieName); err == nil && cookie.Value != "" {
		v.routingGroupCookie = cookie.Value
		v.hasRoutingGroupCookie = true
	}

	if r.Method != http.MethodPost || !strings.HasPrefix(r.URL.Path, statementPath) {
		return v
	}

	v.source = r.Header.Get(HeaderSource)
	v.clientInfo = r.Header.Get(HeaderClientInfo)
	for _, tag := range strings.Split(r.Header.Get(HeaderClientTags), ",") {
		tag = strings.TrimSpace(tag)
		if tag != "" {
			v.clientTags[tag] = struct{}{}
		}
	}
	if c := r.Header.Get(HeaderCatalog); c != "" {
		v.defaultCatalog = c
		v.hasCatalog = true
	}
	if s := r.Header.Get(HeaderSchema); s != "" {
		v.defaultSchema = s
		v.hasSchema = true
	}
	v.preparedStatements = parsePreparedStatements(r.Header.Get(HeaderPreparedStatement), logger)

	body, err := readBody(r)
	if err != nil {
		logger.Debug("extraction: failed to read request body, degrading to minimal view", "error", err)
		return v
	}
	v.rawSQL = body

	sql := body
	if stmt, ok := resolveExecute(body, v.preparedStatements); ok {
		sql = stmt
	}

	tok, err := tokenize(sql)
	if err != nil {
		logger.Debug("extraction: tokenizer failed, degrading query type to unknown", "error", err)
		v.queryType = QueryUnknown
		v.resourceGroupQueryType = RGUnknown
		return v
	}

	v.queryType = tok.queryType
	v.resourceGroupQueryType = resourceGroupQueryTypeFor(tok.queryType)
	qualifyInto(v, tok.identifiers)

	return v
}

// readBody reads r.Body fully and restores it so downstream forwarding
// still sees the original bytes.
func readBody(r *http.Request) (string, error) {
	if r.Body == nil {
		return "", nil
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return "", err
	}
	r.Body = io.NopCloser(strings.NewReader(string(data)))
	return string(data), nil
}

// parsePreparedStatements decodes the comma-joined, URL-encoded
// "name=sql" pairs carried by X-Trino-Prepared-Statement.
func parsePreparedStatements(header string, logger *slog.Logger) map[string]string {
	out := map[string]string{}
	if header == "" {
		return out
	}
	for _, part := range splitTopLevelComma(header) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, sql, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		decoded, err := url.QueryUnescape(sql)
		if err != nil {
			logger.Debug("extraction: failed to decode prepared statement", "name", name, "error", err)
			decoded = sql
		}
		out[strings.TrimSpace(name)] = decoded
	}
	return out
}

// splitTopLevelComma splits on commas that are not part of a
// percent-encoded sequence's raw text; prepared statement SQL is always
// percent-encoded before joining, so a literal comma only ever appears
// as a separator.
func splitTopLevelComma(s string) []string {
	return strings.Split(s, ",")
}

// resolveExecute follows `EXECUTE name USING ...` back to the prepared
// statement's SQL text so identifier harvesting sees the real query,
// mirroring Trino's own EXECUTE semantics.
func resolveExecute(sql string, prepared map[string]string) (string, bool) {
	trimmed := strings.TrimSpace(stripComments(sql))
	if !strings.HasPrefix(strings.ToUpper(trimmed), "EXECUTE") {
		return "", false
	}
	fields := strings.Fields(trimmed)
	if len(fields) < 2 {
		return "", false
	}
	name := strings.TrimSuffix(fields[1], ";")
	stmt, ok := prepared[name]
	return stmt, ok
}
