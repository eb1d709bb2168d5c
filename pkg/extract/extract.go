// Package extract derives member timestamps from JSON or YAML payloads.
package extract

import (
	"fmt"
	"math"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aretw0/fragmenta/pkg/core"
)

// ValueKey is the JSON-LD key holding a literal's lexical value.
const ValueKey = "@value"

// Path implements core.TimestampExtractor.
//
// Payloads are decoded with a YAML decoder, which also accepts JSON.
// A path is first looked up as a literal top-level key, since predicate
// IRIs contain dots, and otherwise walked as dot-separated segments.
//
// Accepted values: RFC 3339 strings, YAML timestamps, numbers (Unix
// milliseconds) and JSON-LD value objects wrapping any of those. For
// arrays the first element is used.
type Path struct{}

// New creates a Path extractor.
func New() *Path {
	return &Path{}
}

// Extract implements core.TimestampExtractor.
func (p *Path) Extract(payload []byte, path string) (time.Time, error) {
	if path == "" {
		return time.Time{}, fmt.Errorf("%w: empty path", core.ErrExtraction)
	}

	var doc any
	if err := yaml.Unmarshal(payload, &doc); err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid payload: %v", core.ErrExtraction, err)
	}

	v, ok := lookup(doc, path)
	if !ok {
		return time.Time{}, fmt.Errorf("%w: no value at %q", core.ErrExtraction, path)
	}
	t, err := toTime(v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: value at %q: %v", core.ErrExtraction, path, err)
	}
	return t, nil
}

func lookup(doc any, path string) (any, bool) {
	if m, ok := doc.(map[string]any); ok {
		if v, ok := m[path]; ok {
			return v, true
		}
	}

	cur := doc
	for _, seg := range strings.Split(path, ".") {
		m, ok := first(cur).(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func first(v any) any {
	if arr, ok := v.([]any); ok {
		if len(arr) == 0 {
			return nil
		}
		return arr[0]
	}
	return v
}

func toTime(v any) (time.Time, error) {
	switch val := first(v).(type) {
	case time.Time:
		return val, nil
	case string:
		t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(val))
		if err != nil {
			return time.Time{}, fmt.Errorf("not an RFC 3339 instant: %q", val)
		}
		return t, nil
	case int:
		return time.UnixMilli(int64(val)), nil
	case int64:
		return time.UnixMilli(val), nil
	case uint64:
		if val > math.MaxInt64 {
			return time.Time{}, fmt.Errorf("number out of range: %d", val)
		}
		return time.UnixMilli(int64(val)), nil
	case float64:
		return time.UnixMilli(int64(val)), nil
	case map[string]any:
		inner, ok := val[ValueKey]
		if !ok {
			return time.Time{}, fmt.Errorf("object without %s", ValueKey)
		}
		return toTime(inner)
	case nil:
		return time.Time{}, fmt.Errorf("null value")
	default:
		return time.Time{}, fmt.Errorf("unsupported value type %T", val)
	}
}

var _ core.TimestampExtractor = (*Path)(nil)
