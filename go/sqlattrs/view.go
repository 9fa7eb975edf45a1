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

// Package sqlattrs implements the Request Attribute Extractor: it turns
// an inbound Trino HTTP request into a read-only View that the routing
// group selector and rules engine can evaluate against. Extraction is
// best-effort by design — it never blocks and it never fails the
// request, it only ever degrades to a smaller View.
package sqlattrs

// QueryType is the coarse statement kind derived from the leading
// keyword of the SQL text.
type QueryType string

const (
	QuerySelect   QueryType = "SELECT"
	QueryInsert   QueryType = "INSERT"
	QueryUpdate   QueryType = "UPDATE"
	QueryDelete   QueryType = "DELETE"
	QueryExplain  QueryType = "EXPLAIN"
	QueryDescribe QueryType = "DESCRIBE"
	QueryShow     QueryType = "SHOW"
	QueryCreate   QueryType = "CREATE"
	QueryDrop     QueryType = "DROP"
	QueryAlter    QueryType = "ALTER"
	QueryUse      QueryType = "USE"
	QueryCall     QueryType = "CALL"
	QueryUnknown  QueryType = "unknown"
	QueryOther    QueryType = "other"
)

// ResourceGroupQueryType is the coarser tag used by resource-group style
// rules, derived from QueryType the way the original gateway-ha maps it.
type ResourceGroupQueryType string

const (
	RGDataDefinition ResourceGroupQueryType = "DATA_DEFINITION"
	RGDataManagement ResourceGroupQueryType = "DATA_MANAGEMENT"
	RGDescribe       ResourceGroupQueryType = "DESCRIBE"
	RGReadOnly       ResourceGroupQueryType = "READ_ONLY"
	RGUnknown        ResourceGroupQueryType = "UNKNOWN"
)

// View is the read-only snapshot of request attributes presented to the
// rules engine. It is never mutated after construction; all accessor
// methods are safe for concurrent reads.
type View struct {
	user       string
	hasUser    bool
	source     string
	clientTags map[string]struct{}
	clientInfo string

	routingGroupHeader    string
	hasRoutingGroupHeader bool

	routingGroupCookie    string
	hasRoutingGroupCookie bool

	defaultCatalog string
	hasCatalog     bool
	defaultSchema  string
	hasSchema      bool

	preparedStatements map[string]string

	queryType              QueryType
	resourceGroupQueryType ResourceGroupQueryType

	catalogs       map[string]struct{}
	schemas        map[string]struct{}
	catalogSchemas map[string]struct{}
	tables         map[string]struct{}
	unqualified    map[string]struct{}

	// rawSQL is retained for query-history persistence only; it is
	// deliberately kept out of the predicate surface below (Catalogs,
	// Tables, QueryType, ...) so rule authors cannot match on raw SQL
	// text. RawSQLForHistory exposes it to the one caller allowed to
	// see it.
	rawSQL string
}

// Minimal builds a reduced View carrying only a user and a
// routing-group header. It has no cookie, defaults or body-derived
// attributes; Extract does not use it.
func Minimal(user, routingGroupHeader string) *View {
	v := emptyView()
	if user != "" {
		v.user = user
		v.hasUser = true
	}
	if routingGroupHeader != "" {
		v.routingGroupHeader = routingGroupHeader
		v.hasRoutingGroupHeader = true
	}
	return v
}

func emptyView() *View {
	return &View{
		clientTags:             map[string]struct{}{},
		preparedStatements:     map[string]string{},
		catalogs:               map[string]struct{}{},
		schemas:                map[string]struct{}{},
		catalogSchemas:         map[string]struct{}{},
		tables:                 map[string]struct{}{},
		unqualified:            map[string]struct{}{},
		queryType:              QueryUnknown,
		resourceGroupQueryType: RGUnknown,
	}
}

// User returns the request's authenticated/asserted user, if any.
func (v *View) User() (string, bool) { return v.user, v.hasUser }

// RoutingGroupHeader returns the caller-supplied X-Trino-Routing-Group
// value, if the request carried one.
func (v *View) RoutingGroupHeader() (string, bool) {
	return v.routingGroupHeader, v.hasRoutingGroupHeader
}

// RoutingGroupCookie returns the sticky routing-group cookie set on an
// earlier response, if the request carried one. It is consulted only
// when the request has no X-Trino-Routing-Group header and the rules
// engine assigns no group, so browser clients polling without headers
// (the Trino UI) keep landing in the same routing group.
func (v *View) RoutingGroupCookie() (string, bool) {
	return v.routingGroupCookie, v.hasRoutingGroupCookie
}

// RawSQLForHistory returns the unparsed SQL text of the request body,
// for the query-history sink. It is not part of the predicate surface
// the rules engine evaluates against and must not be added to it.
func (v *View) RawSQLForHistory() string { return v.rawSQL }

// UserEqualsString reports whether the user is present and equal to s.
// Named to mirror the rule-language convention of
// userExistsAndEquals(...) from the condition DSL.
func (v *View) UserEqualsString(s string) bool {
	return v.hasUser && v.user == s
}

func (v *View) Source() string      { return v.source }
func (v *View) ClientInfo() string  { return v.clientInfo }

func (v *View) ClientTags() []string {
	out := make([]string, 0, len(v.clientTags))
	for t := range v.clientTags {
		out = append(out, t)
	}
	return out
}

func (v *View) HasClientTag(tag string) bool {
	_, ok := v.clientTags[tag]
	return ok
}

func (v *View) DefaultCatalog() (string, bool) { return v.defaultCatalog, v.hasCatalog }
func (v *View) DefaultSchema() (string, bool)  { return v.defaultSchema, v.hasSchema }

func (v *View) PreparedStatement(name string) (string, bool) {
	sql, ok := v.preparedStatements[name]
	return sql, ok
}

func (v *View) QueryType() QueryType                           { return v.queryType }
func (v *View) ResourceGroupQueryType() ResourceGroupQueryType { return v.resourceGroupQueryType }

func (v *View) Catalogs() []string       { return keys(v.catalogs) }
func (v *View) Schemas() []string        { return keys(v.schemas) }
func (v *View) CatalogSchemas() []string { return keys(v.catalogSchemas) }
func (v *View) Tables() []string         { return keys(v.tables) }
func (v *View) Unqualified() []string    { return keys(v.unqualified) }

func (v *View) HasCatalog(c string) bool       { _, ok := v.catalogs[c]; return ok }
func (v *View) HasSchema(s string) bool        { _, ok := v.schemas[s]; return ok }
func (v *View) HasCatalogSchema(cs string) bool { _, ok := v.catalogSchemas[cs]; return ok }
func (v *View) HasTable(t string) bool         { _, ok := v.tables[t]; return ok }

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// resourceGroupQueryTypeFor mirrors gateway-ha's QueryType ->
// ResourceGroupQueryType table.
func resourceGroupQueryTypeFor(qt QueryType) ResourceGroupQueryType {
	switch qt {
	case QuerySelect, QueryExplain, QueryShow:
		return RGReadOnly
	case QueryDescribe:
		return RGDescribe
	case QueryInsert, QueryUpdate, QueryDelete, QueryCall:
		return RGDataManagement
	case QueryCreate, QueryDrop, QueryAlter, QueryUse:
		return RGDataDefinition
	default:
		return RGUnknown
	}
}
