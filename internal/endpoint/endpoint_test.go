package endpoint

import (
	"reflect"
	"testing"
)

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		name     string
		spec     any
		expected map[string]string
	}{
		{
			name:     "nil spec",
			spec:     nil,
			expected: map[string]string{},
		},
		{
			name:     "string map passes through",
			spec:     map[string]string{"X-Token": "abc", "Accept": "application/json"},
			expected: map[string]string{"X-Token": "abc", "Accept": "application/json"},
		},
		{
			name:     "any map coerces scalars",
			spec:     map[string]any{"X-Retry": 3, "X-Flag": true, "X-Rate": 1.5},
			expected: map[string]string{"X-Retry": "3", "X-Flag": "true", "X-Rate": "1.5"},
		},
		{
			name:     "any map drops composite values",
			spec:     map[string]any{"X-Ok": "yes", "X-Bad": []any{"nope"}},
			expected: map[string]string{"X-Ok": "yes"},
		},
		{
			name: "list of pairs",
			spec: []any{
				map[string]any{"key": "X-Token", "value": "abc"},
				map[string]any{"key": "X-Count", "value": 7},
			},
			expected: map[string]string{"X-Token": "abc", "X-Count": "7"},
		},
		{
			name: "list skips malformed entries",
			spec: []any{
				"not-a-map",
				map[string]any{"value": "orphan"},
				map[string]any{"key": "X-NoValue"},
				map[string]any{"key": "X-Good", "value": "1"},
			},
			expected: map[string]string{"X-Good": "1"},
		},
		{
			name:     "integral float value renders without fraction",
			spec:     map[string]any{"X-Count": float64(12)},
			expected: map[string]string{"X-Count": "12"},
		},
		{
			name:     "unrecognized shape yields empty map",
			spec:     42,
			expected: map[string]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Canonicalize(tt.spec)
			if !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("Canonicalize(%v) = %v, want %v", tt.spec, got, tt.expected)
			}
		})
	}
}

func TestNormalizeHeadersDefaults(t *testing.T) {
	// Empty specs in every accepted shape all normalize to just the
	// content type default.
	specs := map[string]any{
		"nil":        nil,
		"empty map":  map[string]any{},
		"empty list": []any{},
	}
	want := map[string]string{ContentTypeHeader: "application/json"}

	for name, spec := range specs {
		t.Run(name, func(t *testing.T) {
			got := NormalizeHeaders(spec, 0)
			if !reflect.DeepEqual(got, want) {
				t.Errorf("NormalizeHeaders(%v, 0) = %v, want %v", spec, got, want)
			}
		})
	}
}

func TestNormalizeHeadersContentType(t *testing.T) {
	got := NormalizeHeaders(map[string]string{ContentTypeHeader: "text/plain"}, 0)
	if got[ContentTypeHeader] != "text/plain" {
		t.Errorf("existing content type overwritten: got %q", got[ContentTypeHeader])
	}
}

func TestNormalizeHeadersAttempt(t *testing.T) {
	tests := []struct {
		name        string
		attempt     int
		wantHeader  bool
		wantAttempt string
	}{
		{name: "zero attempt omits header", attempt: 0, wantHeader: false},
		{name: "first attempt carries header", attempt: 1, wantHeader: true, wantAttempt: "1"},
		{name: "third attempt carries header", attempt: 3, wantHeader: true, wantAttempt: "3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeHeaders(nil, tt.attempt)
			v, ok := got[AttemptHeader]
			if ok != tt.wantHeader {
				t.Fatalf("attempt header present = %v, want %v", ok, tt.wantHeader)
			}
			if tt.wantHeader && v != tt.wantAttempt {
				t.Errorf("attempt header = %q, want %q", v, tt.wantAttempt)
			}
		})
	}
}

func TestMerge(t *testing.T) {
	a := map[string]string{"A": "1", "B": "class"}
	b := map[string]string{"B": "endpoint", "C": "3"}

	got := Merge(a, b)
	want := map[string]string{"A": "1", "B": "endpoint", "C": "3"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Merge() = %v, want %v", got, want)
	}
	if a["B"] != "class" {
		t.Error("Merge() mutated its first argument")
	}
}

func TestNew(t *testing.T) {
	ep := New("https://example.com/hook", []any{map[string]any{"key": "X-Token", "value": "t"}})
	if ep.URL != "https://example.com/hook" {
		t.Errorf("New() URL = %q", ep.URL)
	}
	if ep.Headers["X-Token"] != "t" {
		t.Errorf("New() Headers = %v, want X-Token=t", ep.Headers)
	}
}
