// Package mutation is the call-site entry point for writes. It validates the
// payload, then either calls the remote service directly or, while offline,
// hands the call to the queue and reports it as queued.
package mutation

import (
	"context"
	"time"

	"github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/sync/executor"
	"github.com/kimhsiao/offlinesync/internal/validation"
)

// Outcome tells Success and Queued results apart.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeQueued  Outcome = "queued"
)

// Result of Mutate. Failures come back as errors; a failed direct call still
// carries a Result when the service answered with a body.
type Result struct {
	Outcome Outcome                 `json:"outcome"`
	Data    map[string]interface{}  `json:"data,omitempty"`
	Errors  []executor.GraphQLError `json:"errors,omitempty"`
	QueueID string                  `json:"queue_id,omitempty"`
}

// Queued reports whether the write was deferred to the offline queue.
func (r *Result) Queued() bool { return r != nil && r.Outcome == OutcomeQueued }

// Request is one write.
type Request struct {
	Call executor.Call
	// EntityType selects the validation rules. Empty skips validation; the
	// entity type bound to the operation is then used only for metrics.
	EntityType     string
	SkipValidation bool
}

// Queue accepts calls for deferred execution.
type Queue interface {
	AddToQueue(ctx context.Context, call executor.Call) (string, error)
}

// Connectivity reports the last known connectivity state.
type Connectivity interface {
	IsConnected() bool
}

// Validator checks payloads per entity type.
type Validator interface {
	Validate(entityType string, payload map[string]interface{}) validation.Result
}

// Observer is told the outcome of every Mutate call.
type Observer interface {
	ObserveMutation(outcome, entityType string)
}

// Option configures a Facade.
type Option func(*Facade)

// WithValidator replaces the default rule table.
func WithValidator(v Validator) Option {
	return func(f *Facade) {
		if v != nil {
			f.validator = v
		}
	}
}

// WithBindings sets the registry used to derive entity types.
func WithBindings(r *executor.Registry) Option {
	return func(f *Facade) {
		if r != nil {
			f.bindings = r
		}
	}
}

// WithCallTimeout bounds direct calls. Zero disables the bound.
func WithCallTimeout(d time.Duration) Option {
	return func(f *Facade) { f.callTimeout = d }
}

// WithObserver registers an outcome observer.
func WithObserver(o Observer) Option {
	return func(f *Facade) { f.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(f *Facade) {
		if l != nil {
			f.logger = l
		}
	}
}

// Facade routes writes to the remote executor or the offline queue.
type Facade struct {
	exec        executor.Executor
	queue       Queue
	conn        Connectivity
	validator   Validator
	bindings    *executor.Registry
	callTimeout time.Duration
	observer    Observer
	logger      *logging.Logger
}

// New creates a Facade.
func New(exec executor.Executor, queue Queue, conn Connectivity, opts ...Option) *Facade {
	f := &Facade{
		queue:       queue,
		conn:        conn,
		validator:   validation.NewValidator(nil),
		bindings:    executor.DefaultRegistry(),
		callTimeout: 30 * time.Second,
		logger:      logging.Get(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.exec = executor.WithTimeout(exec, f.callTimeout)
	f.logger = f.logger.Named("mutation")
	return f
}

// Mutate validates req when it names an entity type, then performs or
// queues it.
//
// Online, the executor's response and error are returned as they are, with
// Outcome set to success when there is a response. Offline, the call is
// queued and the result carries the queue id.
func (f *Facade) Mutate(ctx context.Context, req Request) (*Result, error) {
	if req.Call.Operation.Name == "" {
		return nil, errors.New(errors.ErrInvalid, "operation name is required")
	}

	entityType := req.EntityType
	if entityType == "" {
		entityType = f.bindings.EntityType(req.Call.Operation.Name)
	}
	validate := req.EntityType != "" && !req.SkipValidation
	fields := map[string]interface{}{
		"operation":   req.Call.Operation.Name,
		"entity_type": entityType,
	}

	if validate {
		if res := f.validator.Validate(req.EntityType, req.Call.Variables); !res.IsValid {
			f.observe("rejected", entityType)
			f.logger.Warn("Rejected mutation with invalid payload", withErrors(fields, res.Errors))
			return nil, res.Err()
		}
	}

	if f.conn.IsConnected() {
		resp, err := f.exec.Execute(ctx, req.Call)
		if err != nil {
			f.observe("failed", entityType)
			f.logger.Error("Direct mutation failed", err, fields)
		} else {
			f.observe("direct", entityType)
		}
		if resp == nil {
			return nil, err
		}
		return &Result{Outcome: OutcomeSuccess, Data: resp.Data, Errors: resp.Errors}, err
	}

	id, err := f.queue.AddToQueue(ctx, req.Call)
	if err != nil {
		f.observe("failed", entityType)
		return nil, err
	}
	f.observe("queued", entityType)
	fields["record_id"] = id
	f.logger.Info("Device is offline, mutation queued", fields)
	return &Result{Outcome: OutcomeQueued, QueueID: id}, nil
}

func (f *Facade) observe(outcome, entityType string) {
	if f.observer != nil {
		f.observer.ObserveMutation(outcome, entityType)
	}
}

func withErrors(fields map[string]interface{}, errs map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["errors"] = errs
	return out
}
