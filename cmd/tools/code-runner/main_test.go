package main

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/michaelbrown/runbox/internal/session"
)

func TestFormatResult(t *testing.T) {
	tests := []struct {
		name string
		res  session.Result
		want string
	}{
		{"stdout only", session.Result{Stdout: "hi\n"}, "hi\n"},
		{"stderr and code", session.Result{Stdout: "a", Stderr: "boom", ExitCode: 2}, "a\nSTDERR:\nboom\nexit code: 2"},
		{"truncated", session.Result{Stdout: "x", Truncated: true}, "x\n... (output truncated)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := tt.res
			if got := formatResult(&res); got != tt.want {
				t.Errorf("formatResult() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatResultCapsLength(t *testing.T) {
	res := session.Result{Stdout: strings.Repeat("y", maxOutput), Stderr: "err"}
	got := formatResult(&res)
	if !strings.HasSuffix(got, "... (output truncated)") {
		t.Errorf("expected truncation marker, got tail %q", got[len(got)-30:])
	}
	if len(got) > maxOutput+len("\n... (output truncated)") {
		t.Errorf("output too long: %d", len(got))
	}
}

func TestFormatResultCapsOnRuneBoundary(t *testing.T) {
	res := session.Result{Stdout: strings.Repeat("y", maxOutput-1) + "é"}
	got := formatResult(&res)
	if !utf8.ValidString(got) {
		t.Errorf("truncated output is not valid UTF-8: tail %q", got[len(got)-30:])
	}
	if !strings.HasPrefix(got, strings.Repeat("y", maxOutput-1)+"\n...") {
		t.Errorf("unexpected cut, tail %q", got[len(got)-30:])
	}
}
