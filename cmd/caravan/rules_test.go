package main

import (
	"testing"

	"github.com/fieldworks/caravan/internal/types"
)

func TestParseCondition(t *testing.T) {
	t.Run("string value", func(t *testing.T) {
		cond, err := parseCondition("payload.severity:EQUALS:high")
		if err != nil {
			t.Fatalf("parseCondition failed: %v", err)
		}
		if cond.Field != "payload.severity" {
			t.Errorf("Field = %q, want payload.severity", cond.Field)
		}
		if cond.Operator != types.OpEquals {
			t.Errorf("Operator = %q, want EQUALS", cond.Operator)
		}
		if cond.Value != "high" {
			t.Errorf("Value = %v, want high", cond.Value)
		}
	})

	t.Run("numeric value parses as JSON", func(t *testing.T) {
		cond, err := parseCondition("payload.priority:GREATER_THAN:5")
		if err != nil {
			t.Fatalf("parseCondition failed: %v", err)
		}
		if v, ok := cond.Value.(float64); !ok || v != 5 {
			t.Errorf("Value = %v (%T), want float64 5", cond.Value, cond.Value)
		}
	})

	t.Run("array value", func(t *testing.T) {
		cond, err := parseCondition(`payload.tags:in_array:["medical","urgent"]`)
		if err != nil {
			t.Fatalf("parseCondition failed: %v", err)
		}
		if cond.Operator != types.OpInArray {
			t.Errorf("Operator = %q, want IN_ARRAY", cond.Operator)
		}
		arr, ok := cond.Value.([]any)
		if !ok || len(arr) != 2 {
			t.Fatalf("Value = %v (%T), want 2-element array", cond.Value, cond.Value)
		}
		if arr[0] != "medical" {
			t.Errorf("Value[0] = %v, want medical", arr[0])
		}
	})

	t.Run("operator is case insensitive", func(t *testing.T) {
		cond, err := parseCondition("payload.notes:contains:water")
		if err != nil {
			t.Fatalf("parseCondition failed: %v", err)
		}
		if cond.Operator != types.OpContains {
			t.Errorf("Operator = %q, want CONTAINS", cond.Operator)
		}
	})

	t.Run("value keeps extra colons", func(t *testing.T) {
		cond, err := parseCondition("payload.updatedAt:GREATER_THAN:2026-01-01T00:00:00Z")
		if err != nil {
			t.Fatalf("parseCondition failed: %v", err)
		}
		if cond.Value != "2026-01-01T00:00:00Z" {
			t.Errorf("Value = %v, want full timestamp", cond.Value)
		}
	})

	t.Run("missing parts", func(t *testing.T) {
		if _, err := parseCondition("payload.severity:EQUALS"); err == nil {
			t.Error("Expected error for two-part condition")
		}
	})

	t.Run("unknown operator", func(t *testing.T) {
		if _, err := parseCondition("payload.severity:LIKE:high"); err == nil {
			t.Error("Expected error for unknown operator")
		}
	})
}
