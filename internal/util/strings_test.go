package util

import (
	"slices"
	"testing"
)

func TestSafeTruncate(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{name: "shorter than maxLen", input: "short", maxLen: 10, want: "short"},
		{name: "equal to maxLen", input: "exactly10c", maxLen: 10, want: "exactly10c"},
		{name: "longer than maxLen", input: "this-is-a-very-long-token-string", maxLen: 8, want: "this-is-"},
		{name: "empty string", input: "", maxLen: 5, want: ""},
		{name: "zero maxLen", input: "test", maxLen: 0, want: ""},
		{name: "negative maxLen", input: "test", maxLen: -1, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SafeTruncate(tt.input, tt.maxLen); got != tt.want {
				t.Errorf("SafeTruncate(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.want)
			}
		})
	}
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"https://example.com/", "https://example.com"},
		{"https://example.com", "https://example.com"},
		{"https://example.com/api/mcp///", "https://example.com/api/mcp"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := NormalizeURL(tt.input); got != tt.want {
			t.Errorf("NormalizeURL(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestSplitScopes(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{name: "empty", input: "", want: []string{}},
		{name: "single", input: "tasks:read", want: []string{"tasks:read"}},
		{name: "extra whitespace", input: "  tasks:read   tasks:write ", want: []string{"tasks:read", "tasks:write"}},
		{name: "duplicates", input: "a b a", want: []string{"a", "b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SplitScopes(tt.input); !slices.Equal(got, tt.want) {
				t.Errorf("SplitScopes(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestContainsAll(t *testing.T) {
	set := []string{"a", "b", "c"}
	if !ContainsAll(set, []string{"a", "c"}) {
		t.Error("ContainsAll should be true for a subset")
	}
	if !ContainsAll(set, nil) {
		t.Error("ContainsAll should be true for an empty subset")
	}
	if ContainsAll(set, []string{"a", "d"}) {
		t.Error("ContainsAll should be false when an element is missing")
	}
}
