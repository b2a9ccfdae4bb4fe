package utils

import (
	"strings"
	"testing"
)

func TestCountTokens(t *testing.T) {
	counter, err := NewTokenCounter()
	if err != nil {
		t.Fatalf("NewTokenCounter: %v", err)
	}

	if got := counter.CountTokens(""); got != 0 {
		t.Errorf("empty text = %d tokens", got)
	}
	short := counter.CountTokens("hello world")
	if short < 1 || short > 4 {
		t.Errorf("hello world = %d tokens", short)
	}
	long := counter.CountTokens(strings.Repeat("feature status update ", 50))
	if long <= short {
		t.Errorf("longer text should have more tokens: %d <= %d", long, short)
	}
}

func TestNilCounterFallsBack(t *testing.T) {
	var tc *TokenCounter
	if got := tc.CountTokens("12345678"); got != 2 {
		t.Errorf("fallback = %d, want 2", got)
	}
}

func TestFitsContext(t *testing.T) {
	if !FitsContext(1000, "short", "texts") {
		t.Error("small texts should fit")
	}
	if FitsContext(5, strings.Repeat("word ", 100)) {
		t.Error("large text should not fit a 5 token window")
	}
}

func TestMapFields(t *testing.T) {
	args := map[string]any{
		"featureId": "f1",
		"count":     float64(3),
		"summary":   nil,
	}

	id, err := GetMapField[string](args, "featureId")
	if err != nil || id != "f1" {
		t.Errorf("featureId = %q, %v", id, err)
	}
	if _, err := GetMapField[string](args, "count"); err == nil {
		t.Error("mistyped field should fail")
	}
	if _, err := GetMapField[string](args, "missing"); err == nil {
		t.Error("missing field should fail")
	}
	if got := GetMapFieldOr(args, "status", "backlog"); got != "backlog" {
		t.Errorf("default = %q", got)
	}

	s, err := OptionalString(args, "summary")
	if err != nil || s != nil {
		t.Errorf("null summary = %v, %v", s, err)
	}
	s, err = OptionalString(args, "featureId")
	if err != nil || s == nil || *s != "f1" {
		t.Errorf("present optional = %v, %v", s, err)
	}
	if _, err := OptionalString(args, "count"); err == nil {
		t.Error("non-string optional should fail")
	}
}
