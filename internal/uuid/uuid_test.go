package uuid

import (
	"testing"
	"time"
)

// TestNewRecordID checks format and uniqueness.
func TestNewRecordID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewRecordID()
		if !IsRecordID(id) {
			t.Fatalf("NewRecordID() = %q is not a v7 UUID", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

// TestIsRecordID rejects v4 and malformed ids.
func TestIsRecordID(t *testing.T) {
	if IsRecordID(New()) {
		t.Error("v4 UUID must not be accepted as a record id")
	}
	if IsRecordID("not-a-uuid") {
		t.Error("malformed id accepted")
	}
}

// TestCreatedAt recovers the embedded timestamp.
func TestCreatedAt(t *testing.T) {
	before := time.Now().Add(-time.Second)
	id := NewRecordID()
	after := time.Now().Add(time.Second)

	got, err := CreatedAt(id)
	if err != nil {
		t.Fatalf("CreatedAt: %v", err)
	}
	if got.Before(before) || got.After(after) {
		t.Errorf("CreatedAt = %v, want between %v and %v", got, before, after)
	}

	if _, err := CreatedAt(New()); err == nil {
		t.Error("expected error for v4 UUID")
	}
}
