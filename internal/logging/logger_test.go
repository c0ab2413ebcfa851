package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"WARN":    zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"":        zerolog.InfoLevel,
		"bogus":   zerolog.InfoLevel,
		"off":     zerolog.Disabled,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewJSONWithComponent(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "info", Format: "json", Output: &buf})
	cl := Component(l, "fetcher")
	cl.Info().Str("feed", "A").Msg("fetched")
	cl2 := Component(l, "fetcher")
	cl2.Debug().Msg("hidden")

	out := buf.String()
	if !strings.Contains(out, `"component":"fetcher"`) {
		t.Fatalf("component field missing: %s", out)
	}
	if strings.Contains(out, "hidden") {
		t.Errorf("debug event written at info level: %s", out)
	}
}
