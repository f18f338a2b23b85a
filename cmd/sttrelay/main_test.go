package main

import (
	"testing"
	"unicode/utf8"
)

func TestTruncate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"sv", 19, "sv"},
		{"openai-realtime / gpt-4o-mini-transcribe", 19, "openai-realtime / …"},
		{"åäöåäöåäöåäöåäöåäöåäö", 19, "åäöåäöåäöåäöåäöåäö…"},
	}
	for _, tt := range tests {
		got := truncate(tt.in, tt.n)
		if got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
		if !utf8.ValidString(got) || utf8.RuneCountInString(got) > tt.n {
			t.Errorf("truncate(%q, %d) = %q is not a valid %d-rune string", tt.in, tt.n, got, tt.n)
		}
	}
}
