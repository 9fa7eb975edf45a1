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

// Package proxy implements the Proxy Handler: it classifies each
// inbound exchange, resolves a backend for it, rewrites the outbound
// URI, forwards the request/response, and pins follow-up requests to
// whichever backend served the originating query.
package proxy

import (
	"net/http"
	"regexp"
	"strings"
)

// Kind is the classification of one inbound exchange.
type Kind int

const (
	KindOther Kind = iota
	KindNewStatement
	KindFollowUp
	KindUIInfo
)

var queryIDPattern = regexp.MustCompile(`\b(\d{8}_\d{6}_\d{5}_\w{5})\b`)

// Classify determines the Kind of exchange r represents and, for a
// follow-up, the query-id carried in its path.
func Classify(r *http.Request) (Kind, string) {
	if r.Method == http.MethodPost && r.URL.Path == "/v1/statement" {
		return KindNewStatement, ""
	}

	if m := queryIDPattern.FindStringSubmatch(r.URL.Path); m != nil {
		return KindFollowUp, m[1]
	}

	if isUIInfoPath(r.URL.Path) {
		return KindUIInfo, ""
	}

	return KindOther, ""
}

func isUIInfoPath(path string) bool {
	return strings.HasPrefix(path, "/ui/") || path == "/v1/info" || path == "/v1/node"
}
