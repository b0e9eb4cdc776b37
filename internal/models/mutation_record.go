// Package models provides the persisted data types of the offline mutation queue.
package models

import (
	"encoding/json"
	"time"
)

// RecordStatus is the persisted state of a queued mutation.
type RecordStatus string

const (
	// StatusPending records are replayed by the next drain.
	StatusPending RecordStatus = "pending"
	// StatusInFlight marks the record currently handed to the remote executor.
	// It is never meaningful after a restart and loads back as pending.
	StatusInFlight RecordStatus = "in_flight"
	// StatusConflict records wait for an external resolution and are skipped by drains.
	StatusConflict RecordStatus = "conflict_manual"
)

// UnknownEntityType is assigned to operations without a registered binding.
const UnknownEntityType = "unknown"

// Operation identifies the logical write being replayed.
type Operation struct {
	Name     string `json:"name"`
	Document string `json:"document,omitempty"` // GraphQL mutation text
}

// MutationRecord is a single queued write.
type MutationRecord struct {
	ID                 string                 `json:"id"`
	OperationName      string                 `json:"operationName"`
	Document           string                 `json:"document,omitempty"`
	EntityType         string                 `json:"entityType"`
	Variables          map[string]interface{} `json:"variables"`
	OptimisticResponse json.RawMessage        `json:"optimisticResponse,omitempty"`
	Update             json.RawMessage        `json:"update,omitempty"`
	Context            map[string]interface{} `json:"context,omitempty"`
	CreatedAt          int64                  `json:"createdAt"` // unix milliseconds
	Retries            int                    `json:"retries"`
	Status             RecordStatus           `json:"status"`
	LastError          string                 `json:"lastError,omitempty"`

	// Set while Status is StatusConflict.
	ServerVersion     map[string]interface{} `json:"serverVersion,omitempty"`
	ConflictingFields []string               `json:"conflictingFields,omitempty"`

	// Resolved is set once an external conflict decision was applied. The
	// replay then skips conflict detection, or it would trip on the same
	// divergence again.
	Resolved bool `json:"resolved,omitempty"`
}

// Operation returns the descriptor needed to replay the record.
func (r *MutationRecord) Operation() Operation {
	return Operation{Name: r.OperationName, Document: r.Document}
}

// CreatedAtTime returns CreatedAt as time.Time.
func (r *MutationRecord) CreatedAtTime() time.Time {
	return time.UnixMilli(r.CreatedAt)
}

// Clone returns a deep copy so callers can't mutate queue state.
func (r *MutationRecord) Clone() *MutationRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Variables = CloneMap(r.Variables)
	c.Context = CloneMap(r.Context)
	c.ServerVersion = CloneMap(r.ServerVersion)
	if r.OptimisticResponse != nil {
		c.OptimisticResponse = append(json.RawMessage(nil), r.OptimisticResponse...)
	}
	if r.Update != nil {
		c.Update = append(json.RawMessage(nil), r.Update...)
	}
	if r.ConflictingFields != nil {
		c.ConflictingFields = append([]string(nil), r.ConflictingFields...)
	}
	return &c
}
