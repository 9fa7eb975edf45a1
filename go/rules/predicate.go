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

package rules

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Knetic/govaluate"

	"github.com/trinodb/trino-gateway/go/sqlattrs"
)

// predicateFunctions are the stateless helpers available to every
// condition string. They never see a View directly — per-request data
// flows in through the parameters map passed to Evaluate, the same way
// govaluate is used elsewhere in the pack. A method-call-style
// predicate like "trinoRequestUser.userExistsAndEquals(...)" is written
// in this evaluator as "hasUser && user == ..." (see parametersFor).
var predicateFunctions = map[string]govaluate.ExpressionFunction{
	"contains": func(args ...interface{}) (interface{}, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("contains() takes exactly 2 arguments")
		}
		needle, ok := args[1].(string)
		if !ok {
			return false, nil
		}
		switch haystack := args[0].(type) {
		case []string:
			for _, v := range haystack {
				if v == needle {
					return true, nil
				}
			}
		case []interface{}:
			for _, v := range haystack {
				if s, ok := v.(string); ok && s == needle {
					return true, nil
				}
			}
		}
		return false, nil
	},
	"equalsIgnoreCase": func(args ...interface{}) (interface{}, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("equalsIgnoreCase() takes exactly 2 arguments")
		}
		a, _ := args[0].(string)
		b, _ := args[1].(string)
		return strings.EqualFold(a, b), nil
	},
}

// compileCondition parses a condition string into an evaluable
// expression. Parsing happens once at rule-load time; only Evaluate
// runs per request.
func compileCondition(condition string) (*govaluate.EvaluableExpression, error) {
	if strings.TrimSpace(condition) == "" {
		condition = "true"
	}
	return govaluate.NewEvaluableExpressionWithFunctions(condition, predicateFunctions)
}

// parametersFor projects a View into the flat parameter map the
// condition language evaluates against.
func parametersFor(v *sqlattrs.View) map[string]interface{} {
	user, hasUser := v.User()
	defaultCatalog, hasCatalog := v.DefaultCatalog()
	defaultSchema, hasSchema := v.DefaultSchema()

	return map[string]interface{}{
		"user":                   user,
		"hasUser":                hasUser,
		"source":                 v.Source(),
		"clientInfo":             v.ClientInfo(),
		"clientTags":             v.ClientTags(),
		"defaultCatalog":         defaultCatalog,
		"hasDefaultCatalog":      hasCatalog,
		"defaultSchema":          defaultSchema,
		"hasDefaultSchema":       hasSchema,
		"queryType":              string(v.QueryType()),
		"resourceGroupQueryType": string(v.ResourceGroupQueryType()),
		"catalogs":               v.Catalogs(),
		"schemas":                v.Schemas(),
		"catalogSchemas":         v.CatalogSchemas(),
		"tables":                 v.Tables(),
	}
}

// evaluate runs the predicate against view. Any evaluation error (type
// mismatch, nil deref) is reported to the caller rather than panicking,
// so the engine can log it at WARN and treat the rule as false without
// aborting the rest of the rule set.
func (r *Rule) evaluate(v *sqlattrs.View) (bool, error) {
	result, err := r.predicate.Evaluate(parametersFor(v))
	if err != nil {
		return false, err
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q did not evaluate to a boolean (got %T)", r.rawCondition, result)
	}
	return b, nil
}

// action is a compiled `key = "value"` assignment.
type action struct {
	key   string
	value string
}

var actionPattern = regexp.MustCompile(`^\s*([A-Za-z_][A-Za-z0-9_.]*)\s*=\s*"([^"]*)"\s*$`)

// compileAction parses one action statement. Both
// "routingGroup = ..." and the fully-qualified "result.routingGroup = ..."
// spelling are accepted and refer to the same Result slot.
func compileAction(stmt string) (action, error) {
	m := actionPattern.FindStringSubmatch(stmt)
	if m == nil {
		return action{}, fmt.Errorf("unrecognized action statement %q, expected `key = \"value\"`", stmt)
	}
	key := strings.TrimPrefix(m[1], "result.")
	return action{key: key, value: m[2]}, nil
}

func (a action) apply(result Result) {
	result[a.key] = a.value
}
