package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewWriter_JSONFields(t *testing.T) {
	var buf bytes.Buffer
	log := Component(NewWriter(&buf, "info", "json"), "dispatch")

	log.Error().Err(errors.New("boom")).Str("campaign", "c1").Msg("batch failed")

	var got map[string]any
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal %q: %v", buf.String(), err)
	}
	if got["component"] != "dispatch" {
		t.Fatalf("expected component=dispatch, got %v", got["component"])
	}
	if got["err"] != "boom" {
		t.Fatalf("expected err=boom, got %v", got["err"])
	}
	if got["level"] != "error" {
		t.Fatalf("expected level=error, got %v", got["level"])
	}
}

func TestNewWriter_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn", "json")

	log.Info().Msg("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered at warn, got %q", buf.String())
	}
	log.Warn().Msg("shown")
	if buf.Len() == 0 {
		t.Fatalf("expected warn to be written")
	}
}

func TestParseLevel_Fallback(t *testing.T) {
	if got := ParseLevel("verbose", zerolog.DebugLevel); got != zerolog.DebugLevel {
		t.Fatalf("expected fallback debug, got %v", got)
	}
	if got := ParseLevel(" WARNING ", zerolog.InfoLevel); got != zerolog.WarnLevel {
		t.Fatalf("expected warn, got %v", got)
	}
}
