package models

import "time"

// Conflict resolutions recorded in ConflictLog.Resolution.
const (
	ResolutionAuto           = "auto_resolved"
	ResolutionManualRequired = "manual_review_required"
	ResolutionManualApplied  = "manual_resolved"
)

// ConflictLog records a detected client/server divergence for user awareness.
type ConflictLog struct {
	RecordID      string   `json:"record_id"`
	OperationName string   `json:"operation_name"`
	EntityType    string   `json:"entity_type"`
	Fields        []string `json:"fields"`
	Strategy      string   `json:"strategy"`
	Resolution    string   `json:"resolution"`
	Corrected     bool     `json:"corrected"` // a corrective follow-up call was issued
	DetectedAt    int64    `json:"detected_at"`
}

// DetectedAtTime returns the DetectedAt as time.Time.
func (c *ConflictLog) DetectedAtTime() time.Time {
	return time.UnixMilli(c.DetectedAt)
}
