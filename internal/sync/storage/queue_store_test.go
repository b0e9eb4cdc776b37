package storage

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/offlinesync/internal/kv"
	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/models"
)

// failingKV fails every call.
type failingKV struct{}

func (failingKV) GetItem(context.Context, string) (string, bool, error) {
	return "", false, errors.New("io error")
}
func (failingKV) SetItem(context.Context, string, string) error { return errors.New("io error") }
func (failingKV) RemoveItem(context.Context, string) error      { return errors.New("io error") }
func (failingKV) Close() error                                  { return nil }

func newStore(t *testing.T) (*QueueStore, *kv.Memory, *bytes.Buffer) {
	t.Helper()
	var logs bytes.Buffer
	mem := kv.NewMemory()
	return NewQueueStore(mem, "", logging.New(&logs, logging.LevelDebug)), mem, &logs
}

func TestQueueStore_emptyWhenAbsent(t *testing.T) {
	s, _, _ := newStore(t)
	records := s.Load(context.Background())
	assert.NotNil(t, records)
	assert.Empty(t, records)
}

func TestQueueStore_saveLoadPreservesOrderAndFields(t *testing.T) {
	s, _, _ := newStore(t)
	ctx := context.Background()

	in := []*models.MutationRecord{
		{ID: "1", OperationName: "SaveJob", EntityType: "savedJob", Variables: map[string]interface{}{"jobId": "42"}, CreatedAt: 1, Status: models.StatusPending},
		{ID: "2", OperationName: "UpdateProfile", EntityType: "profile", Variables: map[string]interface{}{"bio": "x"}, CreatedAt: 2, Retries: 3, Status: models.StatusPending},
		{ID: "3", OperationName: "ApplyForJob", EntityType: "application", Variables: map[string]interface{}{}, CreatedAt: 3, Status: models.StatusConflict,
			ServerVersion: map[string]interface{}{"status": "reviewed"}, ConflictingFields: []string{"status"}},
	}
	require.NoError(t, s.Save(ctx, in))

	out := s.Load(ctx)
	require.Len(t, out, 3)
	for i := range in {
		assert.Equal(t, in[i].ID, out[i].ID)
		assert.Equal(t, in[i].OperationName, out[i].OperationName)
		assert.Equal(t, in[i].Variables, out[i].Variables)
		assert.Equal(t, in[i].Retries, out[i].Retries)
		assert.Equal(t, in[i].Status, out[i].Status)
	}
	assert.Equal(t, "reviewed", out[2].ServerVersion["status"])
}

func TestQueueStore_inFlightLoadsAsPending(t *testing.T) {
	s, _, _ := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, []*models.MutationRecord{{ID: "1", Status: models.StatusInFlight}}))

	out := s.Load(ctx)
	require.Len(t, out, 1)
	assert.Equal(t, models.StatusPending, out[0].Status)
	assert.Equal(t, models.UnknownEntityType, out[0].EntityType)
	assert.NotNil(t, out[0].Variables)
}

func TestQueueStore_corruptValueYieldsEmpty(t *testing.T) {
	for name, raw := range map[string]string{
		"garbage":        "{not json",
		"truncated list": `[{"id":"1"`,
		"bad version":    `{"version":9,"checksum":"","records":[]}`,
		"bad checksum":   `{"version":1,"checksum":"deadbeef","records":[{"id":"1"}]}`,
	} {
		t.Run(name, func(t *testing.T) {
			s, mem, logs := newStore(t)
			ctx := context.Background()
			require.NoError(t, mem.SetItem(ctx, DefaultKey, raw))

			out := s.Load(ctx)
			assert.NotNil(t, out)
			assert.Empty(t, out)
			assert.Contains(t, logs.String(), `"level":"ERROR"`)
		})
	}
}

func TestQueueStore_bareArrayFormat(t *testing.T) {
	s, mem, _ := newStore(t)
	ctx := context.Background()
	require.NoError(t, mem.SetItem(ctx, DefaultKey, `[{"id":"1","operationName":"SaveJob","variables":{"jobId":"42"},"createdAt":1,"retries":0}]`))

	out := s.Load(ctx)
	require.Len(t, out, 1)
	assert.Equal(t, "SaveJob", out[0].OperationName)
	assert.Equal(t, models.StatusPending, out[0].Status)
}

func TestQueueStore_dropsDuplicatesAndBlankIDs(t *testing.T) {
	s, mem, _ := newStore(t)
	ctx := context.Background()
	require.NoError(t, mem.SetItem(ctx, DefaultKey, `[{"id":"1","retries":1},{"id":""},{"id":"1","retries":2},null]`))

	out := s.Load(ctx)
	require.Len(t, out, 1)
	assert.Equal(t, 1, out[0].Retries, "first occurrence wins")
}

func TestQueueStore_readErrorYieldsEmpty(t *testing.T) {
	s := NewQueueStore(failingKV{}, "q", logging.Discard())
	assert.Empty(t, s.Load(context.Background()))
	assert.Error(t, s.Save(context.Background(), nil))
}

func TestQueueStore_saveNilWritesEmptyList(t *testing.T) {
	s, mem, _ := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, nil))

	raw, ok, err := mem.GetItem(ctx, DefaultKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, strings.Contains(raw, `"records":[]`), raw)
}

func TestQueueStore_deadLetters(t *testing.T) {
	s, mem, _ := newStore(t)
	ctx := context.Background()
	assert.Equal(t, DefaultKey+"_dead_letters", s.DeadLetterKey())
	assert.Empty(t, s.LoadDeadLetters(ctx))

	letters := []*models.DeadLetter{{ID: "d1", Record: models.MutationRecord{ID: "1"}, Reason: "max retries", EvictedAt: 5}}
	require.NoError(t, s.SaveDeadLetters(ctx, letters))

	out := s.LoadDeadLetters(ctx)
	require.Len(t, out, 1)
	assert.Equal(t, "1", out[0].Record.ID)

	require.NoError(t, mem.SetItem(ctx, s.DeadLetterKey(), "oops"))
	assert.Empty(t, s.LoadDeadLetters(ctx))
}

func TestCalculateChecksum(t *testing.T) {
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", CalculateChecksum(nil))
}
