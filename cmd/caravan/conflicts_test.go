package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
)

func TestParseTimePhrase(t *testing.T) {
	t.Run("RFC3339", func(t *testing.T) {
		got, err := parseTimePhrase("2026-02-01T09:30:00Z")
		if err != nil {
			t.Fatalf("parseTimePhrase failed: %v", err)
		}
		want := time.Date(2026, 2, 1, 9, 30, 0, 0, time.UTC)
		if !got.Equal(want) {
			t.Errorf("parseTimePhrase = %v, want %v", got, want)
		}
	})

	t.Run("natural language", func(t *testing.T) {
		got, err := parseTimePhrase("yesterday")
		if err != nil {
			t.Fatalf("parseTimePhrase failed: %v", err)
		}
		now := time.Now()
		if !got.Before(now) {
			t.Errorf("yesterday = %v, want before now", got)
		}
		if got.Before(now.Add(-48 * time.Hour)) {
			t.Errorf("yesterday = %v, too far in the past", got)
		}
	})

	t.Run("unparseable", func(t *testing.T) {
		if _, err := parseTimePhrase("definitely-not-a-time"); err == nil {
			t.Error("Expected error for unparseable phrase")
		}
	})
}

func mergedFlagCmd(t *testing.T, inline, file string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("merged", "", "")
	cmd.Flags().String("merged-file", "", "")
	if inline != "" {
		if err := cmd.Flags().Set("merged", inline); err != nil {
			t.Fatalf("set merged flag: %v", err)
		}
	}
	if file != "" {
		if err := cmd.Flags().Set("merged-file", file); err != nil {
			t.Fatalf("set merged-file flag: %v", err)
		}
	}
	return cmd
}

func TestReadMergedData(t *testing.T) {
	t.Run("inline JSON", func(t *testing.T) {
		p, err := readMergedData(mergedFlagCmd(t, `{"status":"resolved"}`, ""))
		if err != nil {
			t.Fatalf("readMergedData failed: %v", err)
		}
		if p["status"] != "resolved" {
			t.Errorf("status = %v, want resolved", p["status"])
		}
	})

	t.Run("from file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "merged.json")
		if err := os.WriteFile(path, []byte(`{"notes":"kept both edits"}`), 0o600); err != nil {
			t.Fatal(err)
		}
		p, err := readMergedData(mergedFlagCmd(t, "", path))
		if err != nil {
			t.Fatalf("readMergedData failed: %v", err)
		}
		if p["notes"] != "kept both edits" {
			t.Errorf("notes = %v, want kept both edits", p["notes"])
		}
	})

	t.Run("neither flag returns nil without error", func(t *testing.T) {
		p, err := readMergedData(mergedFlagCmd(t, "", ""))
		if err != nil {
			t.Fatalf("readMergedData failed: %v", err)
		}
		if p != nil {
			t.Errorf("Expected nil payload, got %v", p)
		}
	})

	t.Run("mutually exclusive flags", func(t *testing.T) {
		if _, err := readMergedData(mergedFlagCmd(t, `{}`, "merged.json")); err == nil {
			t.Error("Expected error when both --merged and --merged-file are set")
		}
	})

	t.Run("invalid JSON", func(t *testing.T) {
		if _, err := readMergedData(mergedFlagCmd(t, `not json`, "")); err == nil {
			t.Error("Expected parse error for invalid JSON")
		}
	})
}
