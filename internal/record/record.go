// Package record defines the schema-less document type flowing through the
// ingestion pipeline and the identity rules used for dedup and resume.
package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// DefaultIdentityFields is the ordered list of field names tried when
// resolving a record's identity.
var DefaultIdentityFields = []string{"product_id", "productId", "id"}

// Record is an opaque, self-describing document. Unknown fields are
// preserved verbatim for passthrough to batch files.
type Record map[string]any

// Identity resolves the deduplication key by trying candidate field names in
// order and stringifying the first non-empty value. The second return is
// false for anonymous records, which are kept but never deduplicated.
func (r Record) Identity(candidates []string) (string, bool) {
	if len(candidates) == 0 {
		candidates = DefaultIdentityFields
	}
	for _, field := range candidates {
		v, ok := r[field]
		if !ok || v == nil {
			continue
		}
		s := stringify(v)
		if s != "" {
			return s, true
		}
	}
	return "", false
}

// HasFields reports whether every named field is present and non-empty.
func (r Record) HasFields(fields []string) bool {
	for _, field := range fields {
		v, ok := r[field]
		if !ok || v == nil || stringify(v) == "" {
			return false
		}
	}
	return true
}

// Marshal encodes the record as a single compact JSON line without a
// trailing newline.
func (r Record) Marshal() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	return data, nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

// ExtractAll pulls every well-formed JSON object out of a physical line. A
// line produced by interleaved writers may hold several concatenated
// documents; each is extracted independently so one corrupt fragment never
// drops a valid sibling. Trailing garbage after the last decodable object is
// ignored.
func ExtractAll(line []byte) []Record {
	var out []Record
	rest := bytes.TrimSpace(line)
	for len(rest) > 0 {
		dec := json.NewDecoder(bytes.NewReader(rest))
		dec.UseNumber()
		var obj map[string]any
		if err := dec.Decode(&obj); err != nil {
			break
		}
		out = append(out, Record(obj))
		rest = bytes.TrimSpace(rest[dec.InputOffset():])
	}
	return out
}
