// Package telemetry tests verify metrics derived from queue events.
package telemetry

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/sync/queue"
)

// TestHandleEvent_counters verifies each event type feeds its counter.
func TestHandleEvent_counters(t *testing.T) {
	m := New()

	m.HandleEvent(queue.Event{Type: queue.EventItemAdded, QueueLength: 1})
	m.HandleEvent(queue.Event{Type: queue.EventItemAdded, QueueLength: 2})
	if got := testutil.ToFloat64(m.added); got != 2 {
		t.Errorf("added = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.queueLength); got != 2 {
		t.Errorf("queue_length = %v, want 2", got)
	}

	m.HandleEvent(queue.Event{
		Type:        queue.EventItemProcessed,
		EntityType:  "savedJob",
		Duration:    40 * time.Millisecond,
		QueueLength: 1,
	})
	if got := testutil.ToFloat64(m.processed.WithLabelValues("savedJob")); got != 1 {
		t.Errorf("processed{savedJob} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.queueLength); got != 1 {
		t.Errorf("queue_length = %v, want 1", got)
	}

	m.HandleEvent(queue.Event{Type: queue.EventItemFailed, EntityType: "profile", QueueLength: 1})
	m.HandleEvent(queue.Event{
		Type:       queue.EventItemFailed,
		EntityType: "profile",
		Evicted:    true,
		Permanent:  true,
	})
	if got := testutil.ToFloat64(m.failed.WithLabelValues("profile", "false")); got != 1 {
		t.Errorf("failed{permanent=false} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.failed.WithLabelValues("profile", "true")); got != 1 {
		t.Errorf("failed{permanent=true} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.evicted.WithLabelValues("profile")); got != 1 {
		t.Errorf("evicted = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.deadLetters); got != 1 {
		t.Errorf("dead_letters = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.callDuration); got != 2 {
		t.Errorf("call duration series = %d, want 2 (success, failure)", got)
	}
}

// TestHandleEvent_conflictsAndDrains verifies conflict logs and drain summaries.
func TestHandleEvent_conflictsAndDrains(t *testing.T) {
	m := New()

	m.HandleEvent(queue.Event{
		Type:        queue.EventConflictDetected,
		ConflictLog: &models.ConflictLog{EntityType: "profile", Resolution: models.ResolutionManualRequired},
	})
	m.HandleEvent(queue.Event{
		Type:        queue.EventItemProcessed,
		EntityType:  "application",
		ConflictLog: &models.ConflictLog{EntityType: "application", Resolution: models.ResolutionAuto},
	})
	if got := testutil.ToFloat64(m.conflicts.WithLabelValues("profile", models.ResolutionManualRequired)); got != 1 {
		t.Errorf("manual conflicts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.conflicts.WithLabelValues("application", models.ResolutionAuto)); got != 1 {
		t.Errorf("auto conflicts = %v, want 1", got)
	}

	m.HandleEvent(queue.Event{Type: queue.EventQueueProcessed, Summary: &queue.DrainSummary{Aborted: true}})
	m.HandleEvent(queue.Event{Type: queue.EventQueueProcessed, Summary: &queue.DrainSummary{}})
	m.HandleEvent(queue.Event{Type: queue.EventQueueProcessed})
	if got := testutil.ToFloat64(m.drains.WithLabelValues("true")); got != 1 {
		t.Errorf("aborted drains = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.drains.WithLabelValues("false")); got != 1 {
		t.Errorf("completed drains = %v, want 1", got)
	}
}

// TestObservers verifies the facade and connectivity feeds.
func TestObservers(t *testing.T) {
	m := New()

	m.ObserveMutation("queued", "savedJob")
	m.ObserveMutation("queued", "savedJob")
	m.ObserveMutation("rejected", "profile")
	if got := testutil.ToFloat64(m.mutations.WithLabelValues("queued", "savedJob")); got != 2 {
		t.Errorf("queued mutations = %v, want 2", got)
	}

	m.ObserveConnectivity(true)
	if got := testutil.ToFloat64(m.connected); got != 1 {
		t.Errorf("connected = %v, want 1", got)
	}
	m.ObserveConnectivity(false)
	if got := testutil.ToFloat64(m.connected); got != 0 {
		t.Errorf("connected = %v, want 0", got)
	}

	m.SetDeadLetters(3)
	if got := testutil.ToFloat64(m.deadLetters); got != 3 {
		t.Errorf("dead_letters = %v, want 3", got)
	}
}

// TestHandler verifies the exposition endpoint serves registered metrics.
func TestHandler(t *testing.T) {
	m := New()
	m.HandleEvent(queue.Event{Type: queue.EventItemAdded, QueueLength: 1})

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, name := range []string{"offlinesync_queue_length 1", "offlinesync_queue_items_added_total 1"} {
		if !strings.Contains(string(body), name) {
			t.Errorf("metrics output missing %q", name)
		}
	}
}

// TestNew_independentRegistries verifies two instances don't collide.
func TestNew_independentRegistries(t *testing.T) {
	a, b := New(), New()
	a.ObserveConnectivity(true)
	if got := testutil.ToFloat64(b.connected); got != 0 {
		t.Errorf("second instance connected = %v, want 0", got)
	}
}
