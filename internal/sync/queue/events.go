package queue

import (
	"fmt"
	"sync"
	"time"

	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/models"
)

// EventType names a queue lifecycle event.
type EventType string

const (
	EventItemAdded        EventType = "ITEM_ADDED"
	EventItemProcessed    EventType = "ITEM_PROCESSED"
	EventItemFailed       EventType = "ITEM_FAILED"
	EventQueueProcessed   EventType = "QUEUE_PROCESSED"
	EventConflictDetected EventType = "CONFLICT_DETECTED"
	EventConflictResolved EventType = "CONFLICT_RESOLVED"
	EventQueueCleared     EventType = "QUEUE_CLEARED"
	EventItemRemoved      EventType = "ITEM_REMOVED"
)

// ConflictInfo carries both versions of a conflict awaiting a decision.
type ConflictInfo struct {
	ClientVersion map[string]interface{} `json:"client_version"`
	ServerVersion map[string]interface{} `json:"server_version"`
	Fields        []string               `json:"fields"`
}

// Event is delivered to subscribers.
type Event struct {
	Type          EventType `json:"type"`
	RecordID      string    `json:"record_id,omitempty"`
	OperationName string    `json:"operation_name,omitempty"`
	EntityType    string    `json:"entity_type,omitempty"`
	Retries       int       `json:"retries,omitempty"`
	Error         string    `json:"error,omitempty"`

	// ITEM_FAILED: the record left the queue for the dead-letter list.
	Evicted   bool `json:"evicted,omitempty"`
	Permanent bool `json:"permanent,omitempty"`

	// Latency of the remote call, for ITEM_PROCESSED and ITEM_FAILED.
	Duration time.Duration `json:"duration_ns,omitempty"`

	Conflict    *ConflictInfo       `json:"conflict,omitempty"`
	ConflictLog *models.ConflictLog `json:"conflict_log,omitempty"`
	Summary     *DrainSummary       `json:"summary,omitempty"`

	QueueLength int       `json:"queue_length"`
	Timestamp   time.Time `json:"timestamp"`
}

// Handler consumes events. Each handler runs on its own goroutine, so a slow
// handler delays only itself.
type Handler func(Event)

const defaultEventBuffer = 256

type subscriber struct {
	ch chan Event
}

// emitter fans events out to subscribers without ever blocking the sender.
// Events are delivered to each subscriber in emission order; a subscriber
// whose buffer is full loses the event.
type emitter struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	buffer int
	closed bool
	wg     sync.WaitGroup
	logger *logging.Logger
}

func newEmitter(buffer int, logger *logging.Logger) *emitter {
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	return &emitter{subs: make(map[int]*subscriber), buffer: buffer, logger: logger}
}

func (e *emitter) subscribe(h Handler) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return func() {}
	}

	id := e.nextID
	e.nextID++
	sub := &subscriber{ch: make(chan Event, e.buffer)}
	e.subs[id] = sub

	e.wg.Add(1)
	go e.run(sub, h)

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if s, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(s.ch)
		}
	}
}

func (e *emitter) run(sub *subscriber, h Handler) {
	defer e.wg.Done()
	for ev := range sub.ch {
		e.deliver(h, ev)
	}
}

func (e *emitter) deliver(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Queue event handler panicked", fmt.Errorf("%v", r),
				map[string]interface{}{"event": string(ev.Type)})
		}
	}()
	h(ev)
}

func (e *emitter) emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	for _, sub := range e.subs {
		select {
		case sub.ch <- ev:
		default:
			e.logger.Warn("Dropping queue event, subscriber is not keeping up",
				map[string]interface{}{"event": string(ev.Type), "record_id": ev.RecordID})
		}
	}
}

// close stops accepting events and waits until subscribers drained their buffers.
func (e *emitter) close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	for id, sub := range e.subs {
		delete(e.subs, id)
		close(sub.ch)
	}
	e.mu.Unlock()

	e.wg.Wait()
}
