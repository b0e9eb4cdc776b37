// Package storage persists the ordered mutation queue and its dead-letter
// list to a key/value store.
//
// The queue is written as one envelope under a fixed key, carrying a SHA-256
// checksum of the records so a torn or hand-edited value is detected on load.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kimhsiao/offlinesync/internal/kv"
	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/models"
)

// DefaultKey is the storage key of the mutation queue.
const DefaultKey = "offline_mutation_queue"

const envelopeVersion = 1

type envelope struct {
	Version  int             `json:"version"`
	Checksum string          `json:"checksum"`
	Records  json.RawMessage `json:"records"`
}

// QueueStore loads and saves the full record list. It is only ever used by
// the queue manager, which serializes access.
type QueueStore struct {
	kv     kv.Store
	key    string
	logger *logging.Logger
}

// NewQueueStore creates a store writing under key (DefaultKey if empty).
func NewQueueStore(store kv.Store, key string, logger *logging.Logger) *QueueStore {
	if key == "" {
		key = DefaultKey
	}
	if logger == nil {
		logger = logging.Get()
	}
	return &QueueStore{kv: store, key: key, logger: logger.Named("queue_store")}
}

// Key returns the queue storage key.
func (s *QueueStore) Key() string { return s.key }

// DeadLetterKey returns the storage key of the dead-letter list.
func (s *QueueStore) DeadLetterKey() string { return s.key + "_dead_letters" }

// CalculateChecksum returns the hex SHA-256 of data.
func CalculateChecksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Load reads the queue. A missing, unreadable or corrupt value yields an empty
// queue; the failure is logged, never returned.
func (s *QueueStore) Load(ctx context.Context) []*models.MutationRecord {
	raw, ok, err := s.kv.GetItem(ctx, s.key)
	if err != nil {
		s.logger.Error("Failed to read offline queue, starting empty", err, map[string]interface{}{"key": s.key})
		return []*models.MutationRecord{}
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return []*models.MutationRecord{}
	}

	records, err := decodeRecords(raw)
	if err != nil {
		s.logger.Error("Offline queue is corrupt, starting empty", err, map[string]interface{}{"key": s.key})
		return []*models.MutationRecord{}
	}

	out := make([]*models.MutationRecord, 0, len(records))
	seen := make(map[string]bool, len(records))
	for _, r := range records {
		if r == nil || r.ID == "" {
			s.logger.Warn("Dropping queue record without id", map[string]interface{}{"key": s.key})
			continue
		}
		if seen[r.ID] {
			s.logger.Warn("Dropping duplicate queue record", map[string]interface{}{"record_id": r.ID})
			continue
		}
		seen[r.ID] = true
		normalize(r)
		out = append(out, r)
	}

	s.logger.Info("Loaded offline queue", map[string]interface{}{"key": s.key, "count": len(out)})
	return out
}

// decodeRecords accepts the checksummed envelope or a bare JSON array.
func decodeRecords(raw string) ([]*models.MutationRecord, error) {
	var records []*models.MutationRecord
	trimmed := strings.TrimSpace(raw)

	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal([]byte(trimmed), &records); err != nil {
			return nil, fmt.Errorf("failed to decode records: %w", err)
		}
		return records, nil
	}

	var env envelope
	if err := json.Unmarshal([]byte(trimmed), &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if env.Version != envelopeVersion {
		return nil, fmt.Errorf("unsupported queue format version %d", env.Version)
	}
	if got := CalculateChecksum(env.Records); got != env.Checksum {
		return nil, fmt.Errorf("checksum mismatch: stored %s, computed %s", env.Checksum, got)
	}
	if err := json.Unmarshal(env.Records, &records); err != nil {
		return nil, fmt.Errorf("failed to decode records: %w", err)
	}
	return records, nil
}

// normalize repairs state that only makes sense inside a running process.
func normalize(r *models.MutationRecord) {
	switch r.Status {
	case models.StatusPending, models.StatusConflict:
	default:
		// in_flight, or blank from older formats
		r.Status = models.StatusPending
	}
	if r.Variables == nil {
		r.Variables = map[string]interface{}{}
	}
	if r.EntityType == "" {
		r.EntityType = models.UnknownEntityType
	}
}

// Save serializes the full list and overwrites the stored value in one write.
func (s *QueueStore) Save(ctx context.Context, records []*models.MutationRecord) error {
	if records == nil {
		records = []*models.MutationRecord{}
	}
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("failed to encode queue: %w", err)
	}
	env, err := json.Marshal(envelope{
		Version:  envelopeVersion,
		Checksum: CalculateChecksum(data),
		Records:  data,
	})
	if err != nil {
		return fmt.Errorf("failed to encode queue envelope: %w", err)
	}
	if err := s.kv.SetItem(ctx, s.key, string(env)); err != nil {
		return fmt.Errorf("failed to save queue: %w", err)
	}
	return nil
}

// LoadDeadLetters reads the dead-letter list; corrupt values are logged and treated as empty.
func (s *QueueStore) LoadDeadLetters(ctx context.Context) []*models.DeadLetter {
	raw, ok, err := s.kv.GetItem(ctx, s.DeadLetterKey())
	if err != nil {
		s.logger.Error("Failed to read dead letters", err, map[string]interface{}{"key": s.DeadLetterKey()})
		return []*models.DeadLetter{}
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return []*models.DeadLetter{}
	}
	var letters []*models.DeadLetter
	if err := json.Unmarshal([]byte(raw), &letters); err != nil {
		s.logger.Error("Dead-letter list is corrupt, starting empty", err, map[string]interface{}{"key": s.DeadLetterKey()})
		return []*models.DeadLetter{}
	}
	return letters
}

// SaveDeadLetters overwrites the dead-letter list.
func (s *QueueStore) SaveDeadLetters(ctx context.Context, letters []*models.DeadLetter) error {
	if letters == nil {
		letters = []*models.DeadLetter{}
	}
	data, err := json.Marshal(letters)
	if err != nil {
		return fmt.Errorf("failed to encode dead letters: %w", err)
	}
	if err := s.kv.SetItem(ctx, s.DeadLetterKey(), string(data)); err != nil {
		return fmt.Errorf("failed to save dead letters: %w", err)
	}
	return nil
}
