package storage

import (
	"testing"
	"time"
)

func TestSessionIDRoundTrip(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 123_000_000, time.UTC)

	tests := []struct {
		installation string
	}{
		{"abc"},
		{"with_underscores_inside"},
	}

	for _, tt := range tests {
		id := SessionID(tt.installation, start)
		inst, got, err := ParseSessionID(id)
		if err != nil {
			t.Fatalf("ParseSessionID(%q): %v", id, err)
		}
		if inst != tt.installation {
			t.Errorf("installation = %q, want %q", inst, tt.installation)
		}
		if !got.Equal(start) {
			t.Errorf("start = %v, want %v", got, start)
		}
	}
}

func TestParseSessionIDRejectsMalformed(t *testing.T) {
	for _, id := range []string{"", "abc", "_123", "abc_", "abc_notanumber"} {
		if _, _, err := ParseSessionID(id); err == nil {
			t.Errorf("ParseSessionID(%q) succeeded, want error", id)
		}
	}
}

func TestTruncateDropsSubMillisecond(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 123_456_789, time.UTC)
	want := time.Date(2024, 3, 1, 12, 0, 0, 123_000_000, time.UTC)

	if got := Truncate(ts); !got.Equal(want) {
		t.Fatalf("Truncate = %v, want %v", got, want)
	}
}

func TestIsCurrent(t *testing.T) {
	end := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	r := SessionRecord{InstallationID: "a", StartDate: end.Add(-time.Hour), EndDate: end}

	if !r.IsCurrent(end.Add(30*time.Minute), 30*time.Minute) {
		t.Error("session should be current at the timeout boundary")
	}
	if r.IsCurrent(end.Add(30*time.Minute+time.Millisecond), 30*time.Minute) {
		t.Error("session should be closed past the timeout")
	}
}
