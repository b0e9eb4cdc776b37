// Package uuid generates identifiers for queued mutations.
//
// Record ids are UUID v7: the leading 48 bits carry the creation time in
// milliseconds, so lexical order follows creation order within a process.
package uuid

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// UUID v7 format: xxxxxxxx-xxxx-7xxx-yxxx-xxxxxxxxxxxx
var uuidV7Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-7[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// NewRecordID returns a time-ordered UUID v7. Falls back to v4 if the
// random source fails, which google/uuid reports as an error.
func NewRecordID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// New generates a random UUID v4.
func New() string {
	return uuid.New().String()
}

// IsRecordID reports whether s is a UUID v7 in canonical form.
func IsRecordID(s string) bool {
	return uuidV7Regex.MatchString(s)
}

// CreatedAt extracts the embedded creation time from a UUID v7 record id.
func CreatedAt(s string) (time.Time, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid UUID: %w", err)
	}
	if id.Version() != 7 {
		return time.Time{}, fmt.Errorf("expected UUID v7, got v%d", id.Version())
	}
	sec, nsec := id.Time().UnixTime()
	return time.Unix(sec, nsec), nil
}
