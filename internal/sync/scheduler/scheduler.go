// Package scheduler re-drains the offline queue in the background.
//
// Connectivity transitions already trigger drains; the scheduler covers what
// transitions miss: records that failed and wait for a retry, and records
// added while a drain was running. After drains that only fail, the next
// attempt is pushed out with exponential backoff.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/sync/queue"
)

// Drainer runs one drain pass.
type Drainer interface {
	ProcessQueue(ctx context.Context) *queue.DrainSummary
}

// Connectivity reports the last known connectivity state.
type Connectivity interface {
	IsConnected() bool
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	RetryInterval time.Duration // Base period between drains while online (default: 30 seconds)
	MaxBackoff    time.Duration // Upper bound of the delay after failing drains (default: 10 minutes)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		RetryInterval: 30 * time.Second,
		MaxBackoff:    10 * time.Minute,
	}
}

// Scheduler manages background drains.
type Scheduler struct {
	drainer       Drainer
	conn          Connectivity
	retryInterval time.Duration
	maxBackoff    time.Duration
	logger        *logging.Logger

	stopCh    chan struct{}
	triggerCh chan struct{}
	wg        sync.WaitGroup

	mu                  sync.RWMutex
	isRunning           bool
	consecutiveFailures int
	lastDrainTime       time.Time
	nextDrainAt         time.Time
	lastSummary         *queue.DrainSummary
}

// NewScheduler creates a new Scheduler.
func NewScheduler(drainer Drainer, conn Connectivity, config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	defaults := DefaultSchedulerConfig()
	if config.RetryInterval <= 0 {
		config.RetryInterval = defaults.RetryInterval
	}
	if config.MaxBackoff < config.RetryInterval {
		config.MaxBackoff = config.RetryInterval
	}

	return &Scheduler{
		drainer:       drainer,
		conn:          conn,
		retryInterval: config.RetryInterval,
		maxBackoff:    config.MaxBackoff,
		logger:        logging.Get().Named("scheduler"),
		triggerCh:     make(chan struct{}, 1),
	}
}

// SetLogger replaces the logger. Call before Start.
func (s *Scheduler) SetLogger(l *logging.Logger) {
	if l != nil {
		s.logger = l.Named("scheduler")
	}
}

// Start starts the background loop. Calling it on a running scheduler does nothing.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	s.nextDrainAt = time.Now().Add(s.retryInterval)
	stopCh := s.stopCh
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx, stopCh)

	s.logger.Info("Background drain scheduler started", map[string]interface{}{
		"retry_interval_ms": s.retryInterval.Milliseconds(),
		"max_backoff_ms":    s.maxBackoff.Milliseconds(),
	})
}

// Stop stops the background loop and waits for a running drain to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("Background drain scheduler stopped", nil)
}

// TriggerDrain asks the loop to drain now. Returns false if the scheduler is
// not running or a trigger is already pending.
func (s *Scheduler) TriggerDrain() bool {
	if !s.IsRunning() {
		return false
	}
	select {
	case s.triggerCh <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Scheduler) loop(ctx context.Context, stopCh <-chan struct{}) {
	defer s.wg.Done()

	timer := time.NewTimer(s.retryInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-s.triggerCh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		}

		delay := s.runDrain(ctx)
		s.mu.Lock()
		s.nextDrainAt = time.Now().Add(delay)
		s.mu.Unlock()
		timer.Reset(delay)
	}
}

// runDrain performs one pass and returns the delay until the next one.
func (s *Scheduler) runDrain(ctx context.Context) time.Duration {
	if !s.conn.IsConnected() {
		s.logger.Debug("Skipping drain - offline", nil)
		return s.retryInterval
	}

	summary := s.drainer.ProcessQueue(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSummary = summary
	if summary.Skipped {
		return s.retryInterval
	}
	s.lastDrainTime = time.Now()

	if summary.Failed > 0 && summary.Succeeded == 0 {
		s.consecutiveFailures++
		delay := calculateBackoff(s.retryInterval, s.maxBackoff, s.consecutiveFailures)
		s.logger.Warn("Drain made no progress, backing off", map[string]interface{}{
			"failed":               summary.Failed,
			"consecutive_failures": s.consecutiveFailures,
			"delay_ms":             delay.Milliseconds(),
		})
		return delay
	}
	s.consecutiveFailures = 0
	return s.retryInterval
}

// calculateBackoff returns base * 2^failures, capped at max.
func calculateBackoff(base, max time.Duration, failures int) time.Duration {
	delay := base
	for i := 0; i < failures; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	return delay
}

// SchedulerStatus is a snapshot of the scheduler state.
type SchedulerStatus struct {
	IsRunning           bool                `json:"is_running"`
	ConsecutiveFailures int                 `json:"consecutive_failures"`
	LastDrainTime       *time.Time          `json:"last_drain_time,omitempty"`
	NextDrainAt         *time.Time          `json:"next_drain_at,omitempty"`
	LastSummary         *queue.DrainSummary `json:"last_summary,omitempty"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{
		IsRunning:           s.isRunning,
		ConsecutiveFailures: s.consecutiveFailures,
		LastSummary:         s.lastSummary,
	}
	if !s.lastDrainTime.IsZero() {
		t := s.lastDrainTime
		status.LastDrainTime = &t
	}
	if s.isRunning && !s.nextDrainAt.IsZero() {
		t := s.nextDrainAt
		status.NextDrainAt = &t
	}
	return status
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
