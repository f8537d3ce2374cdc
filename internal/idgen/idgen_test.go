package idgen

import (
	"strings"
	"testing"
	"time"
)

func TestQueueItemIDStable(t *testing.T) {
	timestamp := time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC)

	first := QueueItemID("ASSESSMENT", "UPDATE", "a1", timestamp, 0)
	second := QueueItemID("ASSESSMENT", "UPDATE", "a1", timestamp, 0)

	if first != second {
		t.Errorf("same inputs produced different IDs: %s vs %s", first, second)
	}
	if !strings.HasPrefix(first, "itm-") {
		t.Errorf("ID %s missing itm- prefix", first)
	}
	if len(first) != len("itm-")+6 {
		t.Errorf("ID %s has wrong length", first)
	}
}

func TestQueueItemIDNonceVaries(t *testing.T) {
	timestamp := time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC)

	base := QueueItemID("INCIDENT", "CREATE", "i9", timestamp, 0)
	bumped := QueueItemID("INCIDENT", "CREATE", "i9", timestamp, 1)

	if base == bumped {
		t.Errorf("nonce bump did not change ID: %s", base)
	}
}

func TestUpdateID(t *testing.T) {
	timestamp := time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC)

	id := UpdateID("ASSESSMENT", "UPDATE", "a1", timestamp, 0)
	if !strings.HasPrefix(id, "upd-") {
		t.Errorf("ID %s missing upd- prefix", id)
	}
	if id == UpdateID("ASSESSMENT", "UPDATE", "a2", timestamp, 0) {
		t.Error("different entities produced the same ID")
	}
}

func TestRuleID(t *testing.T) {
	timestamp := time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC)

	plain := RuleID("Escalate Submitted Assessments", timestamp, 0)
	if plain != "rule-escalate_submitted_assessments" {
		t.Errorf("RuleID = %s, want rule-escalate_submitted_assessments", plain)
	}

	salted := RuleID("Escalate Submitted Assessments", timestamp, 1)
	if !strings.HasPrefix(salted, "rule-escalate_submitted_assessments-") {
		t.Errorf("salted RuleID = %s, want slug plus digest suffix", salted)
	}
	if salted == plain {
		t.Error("nonce bump did not change rule ID")
	}
}

func TestSlug(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"spaces to underscores", "High Casualty Incidents", "high_casualty_incidents"},
		{"punctuation stripped", "score > 80 (approved!)", "score_80_approved"},
		{"empty name", "", "unnamed"},
		{"symbols only", "!!!", "unnamed"},
		{
			"long name truncated",
			"a very long rule name that keeps going well past any reasonable length limit",
			"a_very_long_rule_name_that_keeps_going_w",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Slug(tt.input); got != tt.want {
				t.Errorf("Slug(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestEncodeBase36(t *testing.T) {
	// Zero bytes pad to the requested width.
	if got := EncodeBase36([]byte{0, 0}, 4); got != "0000" {
		t.Errorf("EncodeBase36(zeros) = %q, want %q", got, "0000")
	}

	// Values wider than the requested length keep the least significant digits.
	long := EncodeBase36([]byte{0xff, 0xff, 0xff, 0xff, 0xff}, 3)
	if len(long) != 3 {
		t.Errorf("EncodeBase36 length = %d, want 3", len(long))
	}

	for _, c := range EncodeBase36([]byte{0xde, 0xad, 0xbe, 0xef}, 6) {
		if !strings.ContainsRune(base36Alphabet, c) {
			t.Errorf("digit %q outside base36 alphabet", c)
		}
	}
}
