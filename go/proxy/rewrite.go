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
	"bufio"
	"io"
	"strings"
)

// rewrittenFields are the JSON keys whose string value is a URI
// pointing back at the backend's external address. Rewriting these
// keeps clients polling the gateway instead of reaching around it.
var rewrittenFields = []string{`"nextUri"`, `"infoUri"`, `"partialCancelUri"`}

// rewriteURIs copies src to dst, substituting oldBase with newBase
// inside the value of any recognized URI field. It is a streaming
// token scan, not a JSON parse: everything outside a matched field's
// value (including the large "data" result arrays) passes through
// untouched and unbuffered, so unknown fields survive byte-for-byte.
func rewriteURIs(dst io.Writer, src io.Reader, oldBase, newBase string) error {
	r := bufio.NewReaderSize(src, 32*1024)
	w := bufio.NewWriterSize(dst, 32*1024)
	defer w.Flush()

	for {
		b, err := r.ReadByte()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		if b != '"' {
			if err := w.WriteByte(b); err != nil {
				return err
			}
			continue
		}

		// Found a quote: check whether it opens one of the recognized
		// field names by peeking ahead.
		field, ok := matchField(r, b)
		if !ok {
			if err := w.WriteByte(b); err != nil {
				return err
			}
			continue
		}

		if _, err := w.WriteString(field); err != nil {
			return err
		}

		// Consume ":" and optional whitespace, then the value's
		// opening quote, copying them through verbatim.
		if err := copyUntilValueStart(r, w); err != nil {
			return err
		}

		value, err := readJSONStringValue(r)
		if err != nil {
			return err
		}

		rewritten := strings.Replace(value, oldBase, newBase, 1)
		if _, err := w.WriteString(rewritten); err != nil {
			return err
		}
		if err := w.WriteByte('"'); err != nil {
			return err
		}
	}
}

// matchField checks whether the reader is positioned right after an
// opening quote that begins one of rewrittenFields (including its
// closing quote). On success it consumes the field name and closing
// quote and returns the field text (with quotes); on failure it
// restores nothing (the caller already wrote the opening quote) and
// reports ok=false, having consumed no further bytes beyond what was
// needed to disprove every candidate field.
func matchField(r *bufio.Reader, openQuote byte) (string, bool) {
	for _, field := range rewrittenFields {
		inner := field[1 : len(field)-1] // without surrounding quotes
		peeked, err := r.Peek(len(inner) + 1)
		if err != nil {
			continue
		}
		if string(peeked) == inner+`"` {
			_, _ = r.Discard(len(inner) + 1)
			return field, true
		}
	}
	return "", false
}

// copyUntilValueStart copies the colon, any whitespace, and the
// value's opening quote from r to w verbatim. It assumes the next
// non-whitespace character is ':' followed eventually by '"'.
func copyUntilValueStart(r *bufio.Reader, w *bufio.Writer) error {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return err
		}
		if err := w.WriteByte(b); err != nil {
			return err
		}
		if b == '"' {
			return nil
		}
	}
}

// readJSONStringValue reads a JSON string value's contents up to (but
// not including) its closing, unescaped quote. The quote itself is
// consumed but not returned; the caller writes its own closing quote
// after any substitution.
func readJSONStringValue(r *bufio.Reader) (string, error) {
	var sb strings.Builder
	escaped := false
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		if escaped {
			sb.WriteByte(b)
			escaped = false
			continue
		}
		if b == '\\' {
			sb.WriteByte(b)
			escaped = true
			continue
		}
		if b == '"' {
			return sb.String(), nil
		}
		sb.WriteByte(b)
	}
}
