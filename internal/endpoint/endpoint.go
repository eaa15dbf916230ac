// Package endpoint holds the delivery target model and the header
// normalization rules applied before every attempt.
package endpoint

import (
	"fmt"
	"strconv"

	"github.com/relaypoint/relaypoint/internal/logging"
)

const (
	// ContentTypeHeader is injected with a JSON default when absent
	ContentTypeHeader  = "Content-Type"
	defaultContentType = "application/json"

	// AttemptHeader carries the attempt count on retried deliveries
	AttemptHeader = "X-Relaypoint-Attempt"
)

// Endpoint is one delivery target: a URL plus the headers sent with every
// request to it. Values are treated as immutable once built.
type Endpoint struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// New builds an Endpoint from a URL and a header specification in any of
// the accepted external shapes.
func New(url string, headerSpec any) Endpoint {
	return Endpoint{URL: url, Headers: Canonicalize(headerSpec)}
}

// Canonicalize reduces a header specification to a flat map. Two external
// shapes are accepted: a map keyed by header name, or a list of
// {key, value} pairs. Malformed entries are skipped with a warning, never
// fatal; an unrecognized shape yields an empty map.
func Canonicalize(spec any) map[string]string {
	out := make(map[string]string)
	switch s := spec.(type) {
	case nil:
	case map[string]string:
		for k, v := range s {
			out[k] = v
		}
	case map[string]any:
		for k, v := range s {
			val, ok := coerceString(v)
			if !ok {
				logging.Plain().WithField("header", k).Warn("dropping header with non-scalar value")
				continue
			}
			out[k] = val
		}
	case []any:
		for i, item := range s {
			pair, ok := item.(map[string]any)
			if !ok {
				logging.Plain().WithField("index", i).Warn("dropping non-map header entry")
				continue
			}
			addPair(out, pair, i)
		}
	case []map[string]any:
		for i, pair := range s {
			addPair(out, pair, i)
		}
	default:
		logging.Plain().WithField("type", fmt.Sprintf("%T", spec)).Warn("unrecognized header specification shape")
	}
	return out
}

// NormalizeHeaders canonicalizes a header specification and applies the
// per-attempt defaults: a JSON content type when none is set, and the
// attempt-tracking header once the delivery is past its first attempt.
func NormalizeHeaders(spec any, attempt int) map[string]string {
	out := Canonicalize(spec)
	if _, ok := out[ContentTypeHeader]; !ok {
		out[ContentTypeHeader] = defaultContentType
	}
	if attempt > 0 {
		out[AttemptHeader] = strconv.Itoa(attempt)
	}
	return out
}

// Merge overlays b on top of a without mutating either
func Merge(a, b map[string]string) map[string]string {
	out := make(map[string]string, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

func addPair(out map[string]string, pair map[string]any, index int) {
	key, ok := coerceString(pair["key"])
	if !ok || key == "" {
		logging.Plain().WithField("index", index).Warn("dropping header pair with missing key")
		return
	}
	val, ok := coerceString(pair["value"])
	if !ok {
		logging.Plain().WithField("header", key).Warn("dropping header pair with missing value")
		return
	}
	out[key] = val
}

// coerceString converts scalar header keys/values to strings. Composite
// values (maps, lists) are rejected rather than serialized.
func coerceString(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, true
	case bool:
		return strconv.FormatBool(t), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case float64:
		// JSON numbers decode as float64; render integral values without a
		// fractional part.
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10), true
		}
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case fmt.Stringer:
		return t.String(), true
	}
	return "", false
}
