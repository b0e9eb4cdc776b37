// Package queue provides the offline mutation queue manager.
//
// Writes captured while offline are appended to a durable FIFO and replayed
// strictly in order, one remote call at a time, when connectivity returns.
// Every state change is persisted before the operation that caused it
// returns, so a crash loses at most the transition of the in-flight record.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/sync/conflict"
	"github.com/kimhsiao/offlinesync/internal/sync/connectivity"
	"github.com/kimhsiao/offlinesync/internal/sync/executor"
	"github.com/kimhsiao/offlinesync/internal/sync/storage"
	"github.com/kimhsiao/offlinesync/internal/uuid"
)

// Sentinel errors. Compare with errors.Is from the standard library.
var (
	ErrNotInitialized = errors.New(errors.ErrNotInitialized, "queue manager is not initialized")
	ErrRecordNotFound = errors.New(errors.ErrNotFound, "record not found in queue")
	ErrNotInConflict  = errors.New(errors.ErrConflict, "record is not awaiting conflict resolution")
	ErrClosed         = errors.New(errors.ErrNotInitialized, "queue manager is closed")
)

const (
	DefaultMaxRetries  = 5
	DefaultCallTimeout = 30 * time.Second
)

// Connectivity is what the manager needs from the connectivity monitor.
type Connectivity interface {
	IsConnected() bool
	Subscribe(l connectivity.Listener) func()
}

// Option configures a Manager.
type Option func(*Manager)

// WithMaxRetries sets how many failed replays evict a record.
func WithMaxRetries(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxRetries = n
		}
	}
}

// WithCallTimeout bounds each remote call. Zero disables the bound.
func WithCallTimeout(d time.Duration) Option {
	return func(m *Manager) { m.callTimeout = d }
}

// WithBindings sets the operation registry used for entity types and conflict checks.
func WithBindings(r *executor.Registry) Option {
	return func(m *Manager) {
		if r != nil {
			m.bindings = r
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithEventBuffer sets the per-subscriber event buffer size.
func WithEventBuffer(n int) Option {
	return func(m *Manager) { m.eventBuffer = n }
}

// DrainSummary describes one ProcessQueue call.
type DrainSummary struct {
	Skipped    bool      `json:"skipped"`
	Reason     string    `json:"reason,omitempty"`
	Attempted  int       `json:"attempted"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	Evicted    int       `json:"evicted"`
	Conflicts  int       `json:"conflicts"` // paused for manual resolution
	Resolved   int       `json:"resolved"`  // auto-resolved conflicts
	Aborted    bool      `json:"aborted"`   // connectivity lost mid-drain
	Remaining  int       `json:"remaining"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Status is a point-in-time view for status indicators.
type Status struct {
	Initialized bool          `json:"initialized"`
	Connected   bool          `json:"connected"`
	Syncing     bool          `json:"syncing"`
	Total       int           `json:"total"`
	Pending     int           `json:"pending"`
	Conflicts   int           `json:"conflicts"`
	DeadLetters int           `json:"dead_letters"`
	Progress    int           `json:"progress"` // percent of the current drain snapshot
	LastDrain   *DrainSummary `json:"last_drain,omitempty"`
}

// Manager owns the queue. All reads and writes of the durable store go through it.
type Manager struct {
	store       *storage.QueueStore
	monitor     Connectivity
	resolver    *conflict.Resolver
	bindings    *executor.Registry
	maxRetries  int
	callTimeout time.Duration
	eventBuffer int
	logger      *logging.Logger
	events      *emitter

	baseCtx context.Context
	cancel  context.CancelFunc
	drains  sync.WaitGroup

	mu          sync.Mutex
	initialized bool
	closed      bool
	exec        executor.Executor
	records     []*models.MutationRecord
	deadLetters []*models.DeadLetter
	unsubscribe func()

	// processing is only read and written under mu; it collapses concurrent drains.
	processing bool
	drainTotal int
	drainDone  int
	lastDrain  *DrainSummary
}

// NewManager creates a Manager. A nil resolver uses the default policy table.
func NewManager(store *storage.QueueStore, monitor Connectivity, resolver *conflict.Resolver, opts ...Option) *Manager {
	if resolver == nil {
		resolver = conflict.NewResolver(nil)
	}
	m := &Manager{
		store:       store,
		monitor:     monitor,
		resolver:    resolver,
		bindings:    executor.DefaultRegistry(),
		maxRetries:  DefaultMaxRetries,
		callTimeout: DefaultCallTimeout,
		logger:      logging.Get(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("queue")
	m.events = newEmitter(m.eventBuffer, m.logger)
	m.baseCtx, m.cancel = context.WithCancel(context.Background())
	return m
}

// Initialize loads the persisted queue and starts listening for
// connectivity. Calling it again is a no-op and keeps the first executor.
func (m *Manager) Initialize(ctx context.Context, exec executor.Executor) error {
	if exec == nil {
		return errors.New(errors.ErrInvalid, "remote executor is required")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.initialized {
		m.mu.Unlock()
		return nil
	}
	m.records = m.store.Load(ctx)
	m.deadLetters = m.store.LoadDeadLetters(ctx)
	m.exec = executor.WithTimeout(exec, m.callTimeout)
	m.initialized = true
	count, dead := len(m.records), len(m.deadLetters)
	m.mu.Unlock()

	// Subscribe outside mu: the monitor may call back immediately.
	unsubscribe := m.monitor.Subscribe(m.onConnectivity)
	m.mu.Lock()
	m.unsubscribe = unsubscribe
	m.mu.Unlock()

	m.logger.Info("Offline queue initialized", map[string]interface{}{
		"count":        count,
		"dead_letters": dead,
		"max_retries":  m.maxRetries,
	})

	if m.monitor.IsConnected() {
		m.triggerDrain()
	}
	return nil
}

func (m *Manager) onConnectivity(connected bool) {
	if connected {
		m.triggerDrain()
	}
}

// triggerDrain starts a fire-and-forget drain tracked for Close.
func (m *Manager) triggerDrain() {
	m.mu.Lock()
	if m.closed || !m.initialized || m.processing {
		m.mu.Unlock()
		return
	}
	m.drains.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.drains.Done()
		m.ProcessQueue(m.baseCtx)
	}()
}

// Subscribe registers an event handler and returns its unsubscribe function.
func (m *Manager) Subscribe(h Handler) func() {
	return m.events.subscribe(h)
}

// AddToQueue appends a call and persists the queue. It never waits for the
// network. If online and idle, a drain is started in the background.
func (m *Manager) AddToQueue(ctx context.Context, call executor.Call) (string, error) {
	if call.Operation.Name == "" {
		return "", errors.New(errors.ErrInvalid, "operation name is required")
	}

	vars := models.CloneMap(call.Variables)
	if vars == nil {
		vars = map[string]interface{}{}
	}
	rec := &models.MutationRecord{
		ID:                 uuid.NewRecordID(),
		OperationName:      call.Operation.Name,
		Document:           call.Operation.Document,
		EntityType:         m.bindings.EntityType(call.Operation.Name),
		Variables:          vars,
		OptimisticResponse: call.OptimisticResponse,
		Update:             call.Update,
		Context:            models.CloneMap(call.Context),
		CreatedAt:          time.Now().UnixMilli(),
		Status:             models.StatusPending,
	}

	m.mu.Lock()
	if err := m.usableLocked(); err != nil {
		m.mu.Unlock()
		return "", err
	}
	prev := m.records
	m.records = append(append(make([]*models.MutationRecord, 0, len(prev)+1), prev...), rec)
	if err := m.store.Save(ctx, m.records); err != nil {
		m.records = prev
		m.mu.Unlock()
		m.logger.Error("Failed to persist queued mutation", err, recordFields(rec))
		return "", errors.Wrap(errors.ErrStorage, "failed to persist queued mutation", err)
	}
	m.events.emit(Event{
		Type:          EventItemAdded,
		RecordID:      rec.ID,
		OperationName: rec.OperationName,
		EntityType:    rec.EntityType,
		QueueLength:   len(m.records),
	})
	m.mu.Unlock()

	m.logger.Info("Queued mutation for offline execution", recordFields(rec))

	if m.monitor.IsConnected() {
		m.triggerDrain()
	}
	return rec.ID, nil
}

func (m *Manager) usableLocked() error {
	if m.closed {
		return ErrClosed
	}
	if !m.initialized {
		return ErrNotInitialized
	}
	return nil
}

// ProcessQueue replays a snapshot of the pending records in order. It returns
// immediately with a skipped summary if a drain is already running, nothing
// is pending, or the monitor reports offline. Records added during the drain
// wait for the next one.
func (m *Manager) ProcessQueue(ctx context.Context) *DrainSummary {
	summary := &DrainSummary{StartedAt: time.Now()}

	m.mu.Lock()
	if err := m.usableLocked(); err != nil {
		m.mu.Unlock()
		return skipped(summary, err.Error())
	}
	if m.processing {
		m.mu.Unlock()
		return skipped(summary, "drain already in progress")
	}
	snapshot := make([]string, 0, len(m.records))
	for _, r := range m.records {
		if r.Status != models.StatusConflict {
			snapshot = append(snapshot, r.ID)
		}
	}
	if len(snapshot) == 0 {
		m.mu.Unlock()
		return skipped(summary, "nothing pending")
	}
	if !m.monitor.IsConnected() {
		m.mu.Unlock()
		return skipped(summary, "offline")
	}
	m.processing = true
	m.drainTotal = len(snapshot)
	m.drainDone = 0
	exec := m.exec
	m.mu.Unlock()

	m.logger.Info("Processing offline queue", map[string]interface{}{"count": len(snapshot)})

	for _, id := range snapshot {
		if ctx.Err() != nil || !m.monitor.IsConnected() {
			summary.Aborted = true
			m.logger.Info("Connectivity lost, stopping drain", map[string]interface{}{"record_id": id})
			break
		}
		m.processOne(ctx, exec, id, summary)

		m.mu.Lock()
		m.drainDone++
		m.mu.Unlock()
	}

	m.mu.Lock()
	m.processing = false
	summary.FinishedAt = time.Now()
	summary.Remaining = len(m.records)
	m.lastDrain = summary
	done := *summary
	m.events.emit(Event{Type: EventQueueProcessed, Summary: &done, QueueLength: len(m.records)})
	m.mu.Unlock()

	m.logger.Info("Offline queue processed", map[string]interface{}{
		"attempted": summary.Attempted,
		"succeeded": summary.Succeeded,
		"failed":    summary.Failed,
		"evicted":   summary.Evicted,
		"conflicts": summary.Conflicts,
		"aborted":   summary.Aborted,
		"remaining": summary.Remaining,
	})
	return summary
}

func skipped(s *DrainSummary, reason string) *DrainSummary {
	s.Skipped = true
	s.Reason = reason
	s.FinishedAt = time.Now()
	return s
}

// processOne replays a single record. A record removed or paused since the
// snapshot was taken is skipped.
func (m *Manager) processOne(ctx context.Context, exec executor.Executor, id string, summary *DrainSummary) {
	m.mu.Lock()
	rec := m.findLocked(id)
	if rec == nil || rec.Status != models.StatusPending {
		m.mu.Unlock()
		return
	}
	rec.Status = models.StatusInFlight
	snap := rec.Clone()
	m.mu.Unlock()

	summary.Attempted++
	start := time.Now()
	resp, err := exec.Execute(ctx, executor.CallFromRecord(snap))
	if err == nil {
		err = executor.ResponseError(resp)
	}
	elapsed := time.Since(start)

	if err != nil && ctx.Err() != nil {
		// Shutdown, not a failed replay: leave the retry budget alone.
		m.mu.Lock()
		if live := m.findLocked(id); live != nil {
			live.Status = models.StatusPending
		}
		m.mu.Unlock()
		summary.Aborted = true
		return
	}
	if err != nil {
		m.handleFailure(ctx, snap, err, elapsed, summary)
		return
	}
	m.handleSuccess(ctx, exec, snap, resp, elapsed, summary)
}

func (m *Manager) handleSuccess(ctx context.Context, exec executor.Executor, rec *models.MutationRecord,
	resp *executor.Response, elapsed time.Duration, summary *DrainSummary) {

	var log *models.ConflictLog
	if binding, ok := m.bindings.Lookup(rec.OperationName); ok && !rec.Resolved && resp != nil {
		if server, found := binding.ExtractServer(resp.Data); found {
			client := binding.ClientPayload(rec.Variables)
			if conflict.HasConflict(client, server) {
				fields := conflict.ConflictingFields(client, server)
				res := m.resolver.Resolve(rec.EntityType, client, server, nil)
				if res.Manual {
					m.pauseForConflict(ctx, rec, res, fields, summary)
					return
				}

				corrected := false
				if !conflict.Equal(res.Data, server) {
					corrected = m.correct(ctx, exec, rec, binding, res.Data)
				}
				log = &models.ConflictLog{
					RecordID:      rec.ID,
					OperationName: rec.OperationName,
					EntityType:    rec.EntityType,
					Fields:        fields,
					Strategy:      string(res.Strategy),
					Resolution:    models.ResolutionAuto,
					Corrected:     corrected,
					DetectedAt:    time.Now().UnixMilli(),
				}
				summary.Resolved++
				m.logger.Info("Conflict resolved automatically", withFields(recordFields(rec), map[string]interface{}{
					"fields":    fields,
					"strategy":  string(res.Strategy),
					"corrected": corrected,
				}))
			}
		}
	}

	m.mu.Lock()
	m.removeAndSaveLocked(ctx, rec.ID)
	m.events.emit(Event{
		Type:          EventItemProcessed,
		RecordID:      rec.ID,
		OperationName: rec.OperationName,
		EntityType:    rec.EntityType,
		Retries:       rec.Retries,
		Duration:      elapsed,
		ConflictLog:   log,
		QueueLength:   len(m.records),
	})
	m.mu.Unlock()

	summary.Succeeded++
	m.logger.Info("Processed offline mutation", recordFields(rec))
}

// correct issues the best-effort follow-up call carrying the resolved payload.
func (m *Manager) correct(ctx context.Context, exec executor.Executor, rec *models.MutationRecord,
	binding executor.Binding, resolved map[string]interface{}) bool {

	call := executor.CallFromRecord(rec)
	call.Variables = binding.CorrectiveVariables(rec.Variables, resolved)
	resp, err := exec.Execute(ctx, call)
	if err == nil {
		err = executor.ResponseError(resp)
	}
	if err != nil {
		m.logger.Warn("Corrective call failed, keeping server version",
			withFields(recordFields(rec), map[string]interface{}{"error": err.Error()}))
		return false
	}
	return true
}

func (m *Manager) pauseForConflict(ctx context.Context, rec *models.MutationRecord, res *conflict.Resolution,
	fields []string, summary *DrainSummary) {

	m.mu.Lock()
	live := m.findLocked(rec.ID)
	if live == nil {
		m.mu.Unlock()
		return
	}
	live.Status = models.StatusConflict
	live.ServerVersion = models.CloneMap(res.ServerVersion)
	live.ConflictingFields = fields
	if err := m.store.Save(ctx, m.records); err != nil {
		m.logger.Error("Failed to persist conflict state", err, recordFields(rec))
	}
	m.events.emit(Event{
		Type:          EventConflictDetected,
		RecordID:      rec.ID,
		OperationName: rec.OperationName,
		EntityType:    rec.EntityType,
		Conflict: &ConflictInfo{
			ClientVersion: res.ClientVersion,
			ServerVersion: res.ServerVersion,
			Fields:        fields,
		},
		ConflictLog: &models.ConflictLog{
			RecordID:      rec.ID,
			OperationName: rec.OperationName,
			EntityType:    rec.EntityType,
			Fields:        fields,
			Strategy:      string(res.Strategy),
			Resolution:    models.ResolutionManualRequired,
			DetectedAt:    time.Now().UnixMilli(),
		},
		QueueLength: len(m.records),
	})
	m.mu.Unlock()

	summary.Conflicts++
	m.logger.Warn("Conflict needs manual resolution", withFields(recordFields(rec), map[string]interface{}{"fields": fields}))
}

func (m *Manager) handleFailure(ctx context.Context, rec *models.MutationRecord, cause error,
	elapsed time.Duration, summary *DrainSummary) {

	permanent := executor.IsPermanent(cause)
	summary.Failed++

	m.mu.Lock()
	live := m.findLocked(rec.ID)
	if live == nil {
		m.mu.Unlock()
		return
	}
	live.Retries++
	live.LastError = cause.Error()
	live.Status = models.StatusPending
	evict := permanent || live.Retries >= m.maxRetries

	if evict {
		reason := fmt.Sprintf("failed %d times", live.Retries)
		if permanent {
			reason = "permanent failure"
		}
		m.deadLetters = append(m.deadLetters, &models.DeadLetter{
			ID:        uuid.New(),
			Record:    *live.Clone(),
			Reason:    reason,
			Permanent: permanent,
			EvictedAt: time.Now().UnixMilli(),
		})
		// Dead letter first: a crash in between leaves the record in both
		// lists, which RequeueDeadLetter tolerates.
		if err := m.store.SaveDeadLetters(ctx, m.deadLetters); err != nil {
			m.logger.Error("Failed to persist dead letter", err, recordFields(live))
		}
		m.removeAndSaveLocked(ctx, live.ID)
	} else if err := m.store.Save(ctx, m.records); err != nil {
		m.logger.Error("Failed to persist retry count", err, recordFields(live))
	}

	fields := recordFields(live)
	m.events.emit(Event{
		Type:          EventItemFailed,
		RecordID:      live.ID,
		OperationName: live.OperationName,
		EntityType:    live.EntityType,
		Retries:       live.Retries,
		Error:         cause.Error(),
		Evicted:       evict,
		Permanent:     permanent,
		Duration:      elapsed,
		QueueLength:   len(m.records),
	})
	m.mu.Unlock()

	if evict {
		summary.Evicted++
		m.logger.Error("Evicted offline mutation to dead letters", cause,
			withFields(fields, map[string]interface{}{"permanent": permanent}))
		return
	}
	m.logger.Warn("Offline mutation failed, will retry", withFields(fields, map[string]interface{}{"error": cause.Error()}))
}

func (m *Manager) findLocked(id string) *models.MutationRecord {
	for _, r := range m.records {
		if r.ID == id {
			return r
		}
	}
	return nil
}

func (m *Manager) indexLocked(id string) int {
	for i, r := range m.records {
		if r.ID == id {
			return i
		}
	}
	return -1
}

// without returns records minus id, always as a new slice.
func without(records []*models.MutationRecord, id string) []*models.MutationRecord {
	out := make([]*models.MutationRecord, 0, len(records))
	for _, r := range records {
		if r.ID != id {
			out = append(out, r)
		}
	}
	return out
}

// removeAndSaveLocked is used inside drains, where a failed save is logged, not returned.
func (m *Manager) removeAndSaveLocked(ctx context.Context, id string) {
	m.records = without(m.records, id)
	if err := m.store.Save(ctx, m.records); err != nil {
		m.logger.Error("Failed to persist queue", err, map[string]interface{}{"record_id": id})
	}
}

// commitLocked saves the queue and rolls back to prev on failure.
func (m *Manager) commitLocked(ctx context.Context, prev []*models.MutationRecord) error {
	if err := m.store.Save(ctx, m.records); err != nil {
		m.records = prev
		return errors.Wrap(errors.ErrStorage, "failed to persist queue", err)
	}
	return nil
}

// GetQueue returns copies of all records in replay order.
func (m *Manager) GetQueue() []*models.MutationRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.MutationRecord, len(m.records))
	for i, r := range m.records {
		out[i] = r.Clone()
	}
	return out
}

// GetRecord returns a copy of one record.
func (m *Manager) GetRecord(id string) (*models.MutationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r := m.findLocked(id); r != nil {
		return r.Clone(), nil
	}
	return nil, ErrRecordNotFound
}

// QueueLength returns the number of records, including paused conflicts.
func (m *Manager) QueueLength() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// RemoveFromQueue deletes a record, e.g. after a user cancel.
func (m *Manager) RemoveFromQueue(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usableLocked(); err != nil {
		return err
	}
	idx := m.indexLocked(id)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	rec := m.records[idx]
	prev := m.records
	m.records = without(prev, id)
	if err := m.commitLocked(ctx, prev); err != nil {
		return err
	}
	m.events.emit(Event{
		Type:          EventItemRemoved,
		RecordID:      rec.ID,
		OperationName: rec.OperationName,
		EntityType:    rec.EntityType,
		QueueLength:   len(m.records),
	})
	m.logger.Info("Removed mutation from queue", recordFields(rec))
	return nil
}

// ClearQueue removes every record.
func (m *Manager) ClearQueue(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usableLocked(); err != nil {
		return err
	}
	prev := m.records
	m.records = []*models.MutationRecord{}
	if err := m.commitLocked(ctx, prev); err != nil {
		return err
	}
	m.events.emit(Event{Type: EventQueueCleared})
	m.logger.Info("Offline queue cleared", map[string]interface{}{"count": len(prev)})
	return nil
}

// ResolveConflict applies an external decision to a paused record. The
// resolved payload uses server field names; it is mapped back onto the
// record's variables, retries reset, and the record rejoins automatic drains.
func (m *Manager) ResolveConflict(ctx context.Context, id string, resolved map[string]interface{}) error {
	m.mu.Lock()
	if err := m.usableLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	rec := m.findLocked(id)
	if rec == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	if rec.Status != models.StatusConflict {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotInConflict, id)
	}

	before := rec.Clone()
	binding, _ := m.bindings.Lookup(rec.OperationName)
	rec.Variables = binding.CorrectiveVariables(rec.Variables, resolved)
	rec.Status = models.StatusPending
	rec.Retries = 0
	rec.LastError = ""
	rec.ServerVersion = nil
	rec.ConflictingFields = nil
	rec.Resolved = true
	if err := m.store.Save(ctx, m.records); err != nil {
		*rec = *before
		m.mu.Unlock()
		return errors.Wrap(errors.ErrStorage, "failed to persist conflict resolution", err)
	}
	m.events.emit(Event{
		Type:          EventConflictResolved,
		RecordID:      rec.ID,
		OperationName: rec.OperationName,
		EntityType:    rec.EntityType,
		ConflictLog: &models.ConflictLog{
			RecordID:      rec.ID,
			OperationName: rec.OperationName,
			EntityType:    rec.EntityType,
			Fields:        before.ConflictingFields,
			Strategy:      string(conflict.StrategyManual),
			Resolution:    models.ResolutionManualApplied,
			DetectedAt:    time.Now().UnixMilli(),
		},
		QueueLength: len(m.records),
	})
	fields := recordFields(rec)
	m.mu.Unlock()

	m.logger.Info("Applied manual conflict resolution", fields)
	if m.monitor.IsConnected() {
		m.triggerDrain()
	}
	return nil
}

// DeadLetters returns copies of the evicted records, oldest first.
func (m *Manager) DeadLetters() []*models.DeadLetter {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.DeadLetter, len(m.deadLetters))
	for i, d := range m.deadLetters {
		c := *d
		c.Record = *d.Record.Clone()
		out[i] = &c
	}
	return out
}

// RequeueDeadLetter moves an evicted record back to the end of the queue
// with its retry count reset. id may be the dead letter's or the record's id.
func (m *Manager) RequeueDeadLetter(ctx context.Context, id string) (string, error) {
	m.mu.Lock()
	if err := m.usableLocked(); err != nil {
		m.mu.Unlock()
		return "", err
	}
	idx := -1
	for i, d := range m.deadLetters {
		if d.ID == id || d.Record.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}

	letter := m.deadLetters[idx]
	rec := letter.Record.Clone()
	rec.Retries = 0
	rec.LastError = ""
	rec.Status = models.StatusPending

	prev := m.records
	if m.findLocked(rec.ID) == nil {
		m.records = append(append(make([]*models.MutationRecord, 0, len(prev)+1), prev...), rec)
		if err := m.commitLocked(ctx, prev); err != nil {
			m.mu.Unlock()
			return "", err
		}
	}

	remaining := make([]*models.DeadLetter, 0, len(m.deadLetters)-1)
	remaining = append(remaining, m.deadLetters[:idx]...)
	remaining = append(remaining, m.deadLetters[idx+1:]...)
	if err := m.store.SaveDeadLetters(ctx, remaining); err != nil {
		m.logger.Error("Failed to persist dead letters after requeue", err, recordFields(rec))
	}
	m.deadLetters = remaining
	m.events.emit(Event{
		Type:          EventItemAdded,
		RecordID:      rec.ID,
		OperationName: rec.OperationName,
		EntityType:    rec.EntityType,
		QueueLength:   len(m.records),
	})
	m.mu.Unlock()

	m.logger.Info("Requeued dead letter", recordFields(rec))
	if m.monitor.IsConnected() {
		m.triggerDrain()
	}
	return rec.ID, nil
}

// PurgeDeadLetters drops every dead letter and returns how many there were.
func (m *Manager) PurgeDeadLetters(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usableLocked(); err != nil {
		return 0, err
	}
	n := len(m.deadLetters)
	if err := m.store.SaveDeadLetters(ctx, nil); err != nil {
		return 0, errors.Wrap(errors.ErrStorage, "failed to purge dead letters", err)
	}
	m.deadLetters = nil
	m.logger.Info("Purged dead letters", map[string]interface{}{"count": n})
	return n, nil
}

// Status returns counters for status indicators.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Status{
		Initialized: m.initialized,
		Connected:   m.monitor.IsConnected(),
		Syncing:     m.processing,
		Total:       len(m.records),
		DeadLetters: len(m.deadLetters),
		Progress:    100,
	}
	for _, r := range m.records {
		if r.Status == models.StatusConflict {
			s.Conflicts++
		} else {
			s.Pending++
		}
	}
	if m.processing && m.drainTotal > 0 {
		s.Progress = m.drainDone * 100 / m.drainTotal
	}
	if m.lastDrain != nil {
		last := *m.lastDrain
		s.LastDrain = &last
	}
	return s
}

// Close stops listening for connectivity, cancels running drains and
// flushes pending events to subscribers. The manager is unusable afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	m.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	m.cancel()
	m.drains.Wait()
	m.events.close()
	return nil
}

func recordFields(r *models.MutationRecord) map[string]interface{} {
	return map[string]interface{}{
		"record_id":   r.ID,
		"operation":   r.OperationName,
		"entity_type": r.EntityType,
		"retries":     r.Retries,
	}
}

func withFields(base, extra map[string]interface{}) map[string]interface{} {
	for k, v := range extra {
		base[k] = v
	}
	return base
}
