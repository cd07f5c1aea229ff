package processor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// decode turns any raw payload into generic JSON values (map[string]any, []any, json.Number,
// string, bool). Bytes and strings are parsed as JSON; Go values go through a JSON round trip
// so SDK structs and canonical models share one code path.
func decode(raw any) (any, error) {
	var data []byte
	switch v := raw.(type) {
	case nil:
		return nil, fmt.Errorf("empty payload")
	case map[string]any, []any:
		return v, nil
	case json.RawMessage:
		data = v
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		data = b
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return out, nil
}

// unwrap descends through exchange envelopes in order until none applies.
func unwrap(v any, keys ...string) any {
	for {
		m, ok := v.(map[string]any)
		if !ok {
			return v
		}
		next, found := any(nil), false
		for _, k := range keys {
			if inner, ok := m[k]; ok && inner != nil {
				switch inner.(type) {
				case map[string]any, []any:
					next, found = inner, true
				}
			}
			if found {
				break
			}
		}
		if !found {
			return v
		}
		v = next
	}
}

// lookup returns the first alias present in m.
func lookup(m map[string]any, aliases ...string) (any, string, bool) {
	for _, a := range aliases {
		if v, ok := m[a]; ok && v != nil {
			if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
				continue
			}
			return v, a, true
		}
	}
	return nil, "", false
}

// toFloat parses numbers and numeric strings.
func toFloat(v any) (float64, bool) {
	var f float64
	switch x := v.(type) {
	case json.Number:
		n, err := x.Float64()
		if err != nil {
			return 0, false
		}
		f = n
	case float64:
		f = x
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		f = n
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func floatField(m map[string]any, aliases ...string) (float64, bool) {
	v, _, ok := lookup(m, aliases...)
	if !ok {
		return 0, false
	}
	return toFloat(v)
}

// toTime accepts epoch seconds or milliseconds (numbers or numeric strings) and RFC3339 strings.
func toTime(v any) (time.Time, bool) {
	if s, ok := v.(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s)); err == nil {
			return t.UTC(), true
		}
	}
	f, ok := toFloat(v)
	if !ok || f <= 0 {
		return time.Time{}, false
	}
	switch {
	case f >= 1e17: // nanoseconds
		return time.Unix(0, int64(f)).UTC(), true
	case f >= 1e14: // microseconds
		return time.UnixMicro(int64(f)).UTC(), true
	case f >= 1e11: // milliseconds
		return time.UnixMilli(int64(f)).UTC(), true
	default:
		sec, frac := math.Modf(f)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
	}
}

func timeField(m map[string]any, aliases ...string) (time.Time, bool) {
	v, _, ok := lookup(m, aliases...)
	if !ok {
		return time.Time{}, false
	}
	return toTime(v)
}

func stringField(m map[string]any, aliases ...string) (string, bool) {
	v, _, ok := lookup(m, aliases...)
	if !ok {
		return "", false
	}
	switch x := v.(type) {
	case string:
		return x, true
	case json.Number:
		return x.String(), true
	case bool:
		return strconv.FormatBool(x), true
	}
	return fmt.Sprint(v), true
}

func boolField(m map[string]any, aliases ...string) (bool, bool) {
	v, _, ok := lookup(m, aliases...)
	if !ok {
		return false, false
	}
	switch x := v.(type) {
	case bool:
		return x, true
	case string:
		b, err := strconv.ParseBool(x)
		return b, err == nil
	}
	return false, false
}

// asList treats a single object as a one-element list.
func asList(v any) ([]any, bool) {
	switch x := v.(type) {
	case []any:
		return x, true
	case map[string]any:
		return []any{x}, true
	}
	return nil, false
}
