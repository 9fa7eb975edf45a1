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
	"strings"
)

// tokenKind distinguishes the handful of token shapes the lenient
// tokenizer cares about. It is not a real SQL lexer: string and numeric
// literals are not modeled beyond "skip to the next boundary".
type tokenKind int

const (
	tokWord   tokenKind = iota // bareword (case preserved)
	tokQuoted                  // a "quoted identifier", distinguished from tokWord so dot-chains don't swallow other punctuation
	tokDot
	tokComma
	tokLParen
	tokRParen
	tokOther // any other punctuation/symbol, treated as a boundary
)

type token struct {
	kind tokenKind
	text string
}

// reference records one harvested identifier reference and whether its
// grammatical position names a table (3-part target) or a schema
// (2-part target, from USE / SHOW TABLES FROM).
type reference struct {
	parts    []string
	isSchema bool
}

type tokenizeResult struct {
	queryType   QueryType
	identifiers []reference
}

// tableTriggers map a lowercased trigger phrase to whether the
// identifier that follows names a table (true) or a schema (false).
var tableTriggers = map[string]bool{
	"from":             true,
	"join":             true,
	"insert into":      true,
	"delete from":      true,
	"merge into":       true,
	"create table":     true,
	"drop table":       true,
	"alter table":      true,
	"describe":         true,
	"table":            true, // TABLE(...) construct
	"show tables from": false,
	"use":              false,
}

// tokenize strips comments, lexes the statement, derives its QueryType,
// and harvests every identifier reference that follows a recognized
// trigger keyword. It never panics; malformed input simply yields fewer
// or no identifiers.
func tokenize(sql string) (*tokenizeResult, error) {
	stripped := stripComments(sql)
	toks, err := lex(stripped)
	if err != nil {
		return nil, err
	}
	if len(toks) == 0 {
		return &tokenizeResult{queryType: QueryUnknown}, nil
	}

	qt := deriveQueryType(toks)
	refs := harvestReferences(toks)

	return &tokenizeResult{queryType: qt, identifiers: refs}, nil
}

// stripComments removes "--" line comments and "/* ... */" block
// comments (non-nested). It is purely textual and does not distinguish
// comment markers inside string literals — acceptable for a best-effort
// extractor whose failures are never fatal.
func stripComments(sql string) string {
	var b strings.Builder
	runes := []rune(sql)
	inBlock := false
	for i := 0; i < len(runes); i++ {
		if inBlock {
			if runes[i] == '*' && i+1 < len(runes) && runes[i+1] == '/' {
				inBlock = false
				i++
			}
			continue
		}
		if runes[i] == '-' && i+1 < len(runes) && runes[i+1] == '-' {
			for i < len(runes) && runes[i] != '\n' {
				i++
			}
			if i < len(runes) {
				b.WriteRune('\n')
			}
			continue
		}
		if runes[i] == '/' && i+1 < len(runes) && runes[i+1] == '*' {
			inBlock = true
			i++
			continue
		}
		b.WriteRune(runes[i])
	}
	return b.String()
}

// lex turns the comment-stripped SQL into a flat token stream. String
// literals are consumed and discarded as a single tokOther so they never
// get mistaken for identifiers; quoted identifiers ("like this", with
// "" escaping an embedded quote) are kept verbatim, case preserved.
func lex(sql string) ([]token, error) {
	var toks []token
	runes := []rune(sql)
	n := len(runes)
	i := 0
	for i < n {
		c := runes[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '\'':
			i++
			for i < n {
				if runes[i] == '\'' {
					if i+1 < n && runes[i+1] == '\'' {
						i += 2
						continue
					}
					i++
					break
				}
				i++
			}
			toks = append(toks, token{kind: tokOther, text: "'literal'"})
		case c == '"':
			start := i
			i++
			var sb strings.Builder
			for i < n {
				if runes[i] == '"' {
					if i+1 < n && runes[i+1] == '"' {
						sb.WriteRune('"')
						i += 2
						continue
					}
					i++
					break
				}
				sb.WriteRune(runes[i])
				i++
			}
			if i > start {
				toks = append(toks, token{kind: tokQuoted, text: sb.String()})
			}
		case c == '.':
			toks = append(toks, token{kind: tokDot, text: "."})
			i++
		case c == ',':
			toks = append(toks, token{kind: tokComma, text: ","})
			i++
		case c == '(':
			toks = append(toks, token{kind: tokLParen, text: "("})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen, text: ")"})
			i++
		case isIdentStart(c):
			start := i
			for i < n && isIdentPart(runes[i]) {
				i++
			}
			toks = append(toks, token{kind: tokWord, text: string(runes[start:i])})
		default:
			toks = append(toks, token{kind: tokOther, text: string(c)})
			i++
		}
	}
	return toks, nil
}

func isIdentStart(r rune) bool {
	return r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

func isIdentPart(r rune) bool {
	return isIdentStart(r) || (r >= '0' && r <= '9') || r == '$'
}

var statementKeywords = map[string]QueryType{
	"select":   QuerySelect,
	"insert":   QueryInsert,
	"update":   QueryUpdate,
	"delete":   QueryDelete,
	"merge":    QueryInsert,
	"explain":  QueryExplain,
	"describe": QueryDescribe,
	"desc":     QueryDescribe,
	"show":     QueryShow,
	"create":   QueryCreate,
	"drop":     QueryDrop,
	"alter":    QueryAlter,
	"use":      QueryUse,
	"call":     QueryCall,
}

// deriveQueryType identifies the leading statement keyword after an
// optional WITH prelude, by scanning for the first word-token that sits
// at paren depth 0 and is not part of the WITH/AS CTE scaffolding.
func deriveQueryType(toks []token) QueryType {
	i := 0
	if toks[0].kind == tokWord && strings.EqualFold(toks[0].text, "with") {
		depth := 0
		i = 1
		for i < len(toks) {
			switch toks[i].kind {
			case tokLParen:
				depth++
			case tokRParen:
				depth--
			case tokWord:
				if depth == 0 {
					lower := strings.ToLower(toks[i].text)
					if lower == "as" || lower == "recursive" {
						i++
						continue
					}
					if qt, ok := statementKeywords[lower]; ok {
						return qt
					}
				}
			}
			i++
		}
		return QueryOther
	}

	if toks[0].kind != tokWord {
		return QueryOther
	}
	lower := strings.ToLower(toks[0].text)
	if qt, ok := statementKeywords[lower]; ok {
		return qt
	}
	return QueryOther
}

// harvestReferences scans the token stream for trigger phrases and reads
// the dotted identifier that follows each one.
func harvestReferences(toks []token) []reference {
	var refs []reference
	for i := 0; i < len(toks); i++ {
		phrase, span, isSchema, matched := matchTrigger(toks, i)
		if !matched {
			continue
		}
		_ = phrase
		start := i + span
		if start < len(toks) && toks[start].kind == tokLParen {
			// TABLE(...) / INSERT INTO "foo"(...)-style call shape; the
			// identifier is inside the parens.
			start++
		}
		parts, consumed := readDottedIdentifier(toks, start)
		if len(parts) > 0 {
			refs = append(refs, reference{parts: parts, isSchema: isSchema})
		}
		if consumed > 0 {
			i = start + consumed - 1
		}
	}
	return refs
}

// matchTrigger reports whether the trigger phrase keyed in tableTriggers
// starts at position i, returning how many tokens the phrase itself
// occupies.
func matchTrigger(toks []token, i int) (phrase string, span int, isSchema bool, matched bool) {
	for _, width := range []int{3, 2, 1} {
		if i+width > len(toks) {
			continue
		}
		words := make([]string, 0, width)
		ok := true
		for k := 0; k < width; k++ {
			if toks[i+k].kind != tokWord {
				ok = false
				break
			}
			words = append(words, strings.ToLower(toks[i+k].text))
		}
		if !ok {
			continue
		}
		candidate := strings.Join(words, " ")
		if tableRef, found := tableTriggers[candidate]; found {
			return candidate, width, !tableRef, true
		}
	}
	return "", 0, false, false
}

// readDottedIdentifier reads up to three dot-separated parts starting at
// toks[i]; quoting is preserved verbatim (case kept as written), bare
// words are kept as written too since Trino folds unquoted identifiers
// to lowercase and this extractor does not attempt case-folding beyond
// what is already in the request.
func readDottedIdentifier(toks []token, i int) ([]string, int) {
	var parts []string
	start := i
	for len(parts) < 3 {
		if i >= len(toks) {
			break
		}
		switch toks[i].kind {
		case tokWord, tokQuoted:
			parts = append(parts, toks[i].text)
			i++
		default:
			return parts, i - start
		}
		if i < len(toks) && toks[i].kind == tokDot {
			i++
			continue
		}
		break
	}
	return parts, i - start
}

// quotedIdentifier renders parts back into dotted textual form — used
// only for the unqualified-reference audit set.
func quotedIdentifier(parts []string) string {
	return strings.Join(parts, ".")
}
