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

// qualifyInto applies defaultCatalog/defaultSchema to every harvested
// reference and fills catalogs/schemas/catalogSchemas/tables. A
// reference that cannot be fully qualified is recorded in unqualified
// and excluded from every other set.
func qualifyInto(v *View, refs []reference) {
	for _, ref := range refs {
		if ref.isSchema {
			qualifySchemaRef(v, ref.parts)
		} else {
			qualifyTableRef(v, ref.parts)
		}
	}
}

// qualifyTableRef turns a 1-3 part reference into a fully-qualified
// catalog.schema.table triple: three parts are taken verbatim, two are
// qualified with defaultCatalog, one with defaultCatalog.defaultSchema.
func qualifyTableRef(v *View, parts []string) {
	var catalog, schema, table string
	switch len(parts) {
	case 3:
		catalog, schema, table = parts[0], parts[1], parts[2]
	case 2:
		if !v.hasCatalog {
			v.unqualified[quotedIdentifier(parts)] = struct{}{}
			return
		}
		catalog, schema, table = v.defaultCatalog, parts[0], parts[1]
	case 1:
		if !v.hasCatalog || !v.hasSchema {
			v.unqualified[quotedIdentifier(parts)] = struct{}{}
			return
		}
		catalog, schema, table = v.defaultCatalog, v.defaultSchema, parts[0]
	default:
		return
	}

	v.catalogs[catalog] = struct{}{}
	v.schemas[schema] = struct{}{}
	v.catalogSchemas[catalog+"."+schema] = struct{}{}
	v.tables[catalog+"."+schema+"."+table] = struct{}{}
}

// qualifySchemaRef handles USE / SHOW TABLES FROM style references,
// which name a catalog.schema pair rather than a table.
func qualifySchemaRef(v *View, parts []string) {
	var catalog, schema string
	switch len(parts) {
	case 2:
		catalog, schema = parts[0], parts[1]
	case 1:
		if !v.hasCatalog {
			v.unqualified[quotedIdentifier(parts)] = struct{}{}
			return
		}
		catalog, schema = v.defaultCatalog, parts[0]
	default:
		return
	}

	v.catalogs[catalog] = struct{}{}
	v.schemas[schema] = struct{}{}
	v.catalogSchemas[catalog+"."+schema] = struct{}{}
}
