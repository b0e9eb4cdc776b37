// Package server exposes the offline queue over a local HTTP API and streams
// queue events to status UIs over WebSocket.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/mutation"
	"github.com/kimhsiao/offlinesync/internal/sync/conflict"
	"github.com/kimhsiao/offlinesync/internal/sync/connectivity"
	"github.com/kimhsiao/offlinesync/internal/sync/executor"
	"github.com/kimhsiao/offlinesync/internal/sync/queue"
	"github.com/kimhsiao/offlinesync/internal/sync/scheduler"
	"github.com/kimhsiao/offlinesync/internal/telemetry"
)

const maxBodyBytes = 1 << 20

// Config lists the components served. Scheduler and Metrics are optional.
type Config struct {
	Facade    *mutation.Facade
	Queue     *queue.Manager
	Monitor   *connectivity.Monitor
	Resolver  *conflict.Resolver
	Scheduler *scheduler.Scheduler
	Metrics   *telemetry.Metrics
	Logger    *logging.Logger
}

// Server routes API requests to the queue components.
type Server struct {
	facade    *mutation.Facade
	queue     *queue.Manager
	monitor   *connectivity.Monitor
	resolver  *conflict.Resolver
	scheduler *scheduler.Scheduler
	metrics   *telemetry.Metrics
	hub       *Hub
	logger    *logging.Logger
	handler   http.Handler
	unsubs    []func()
}

// New creates a Server and connects its WebSocket hub to the queue and monitor.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Get()
	}
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = conflict.NewResolver(nil)
	}

	s := &Server{
		facade:    cfg.Facade,
		queue:     cfg.Queue,
		monitor:   cfg.Monitor,
		resolver:  resolver,
		scheduler: cfg.Scheduler,
		metrics:   cfg.Metrics,
		hub:       NewHub(logger),
		logger:    logger.Named("server"),
	}
	s.unsubs = append(s.unsubs,
		s.queue.Subscribe(s.hub.HandleQueueEvent),
		s.monitor.Subscribe(s.hub.HandleConnectivity),
	)
	s.handler = s.logRequests(s.routes())
	return s
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/policies", s.handlePolicies)

	mux.HandleFunc("POST /api/mutations", s.handleMutate)

	mux.HandleFunc("GET /api/queue", s.handleListQueue)
	mux.HandleFunc("DELETE /api/queue", s.handleClearQueue)
	mux.HandleFunc("POST /api/queue/drain", s.handleDrain)
	mux.HandleFunc("GET /api/queue/{id}", s.handleGetRecord)
	mux.HandleFunc("DELETE /api/queue/{id}", s.handleRemoveRecord)

	mux.HandleFunc("POST /api/conflicts/{id}/resolve", s.handleResolveConflict)

	mux.HandleFunc("GET /api/dead-letters", s.handleListDeadLetters)
	mux.HandleFunc("DELETE /api/dead-letters", s.handlePurgeDeadLetters)
	mux.HandleFunc("POST /api/dead-letters/{id}/requeue", s.handleRequeueDeadLetter)

	mux.HandleFunc("POST /api/connectivity", s.handleReportConnectivity)

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	mux.Handle("GET /ws", s.hub)
	return mux
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub { return s.hub }

// ListenAndServe serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP API listening", map[string]interface{}{"addr": addr})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if stderrors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down HTTP server: %w", err)
	}
	return nil
}

// Close detaches the hub from the queue and monitor and disconnects clients.
func (s *Server) Close() {
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
	s.hub.Close()
}

// =====================================================
// Status Endpoints
// =====================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "service": "offlinesync"})
}

// StatusResponse is returned by GET /api/status.
type StatusResponse struct {
	Queue        queue.Status               `json:"queue"`
	Connectivity ConnectivityStatus         `json:"connectivity"`
	Scheduler    *scheduler.SchedulerStatus `json:"scheduler,omitempty"`
}

// ConnectivityStatus is the last connectivity observation.
type ConnectivityStatus struct {
	Known     bool                   `json:"known"`
	Connected bool                   `json:"connected"`
	CheckedAt *time.Time             `json:"checked_at,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{Queue: s.queue.Status()}

	state, known := s.monitor.LastState()
	resp.Connectivity = ConnectivityStatus{Known: known, Connected: known && state.Connected, Details: state.Details}
	if known {
		t := state.CheckedAt
		resp.Connectivity.CheckedAt = &t
	}
	if s.scheduler != nil {
		st := s.scheduler.GetStatus()
		resp.Scheduler = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePolicies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.resolver.Policies())
}

// =====================================================
// Mutation Endpoint
// =====================================================

// MutationRequest is the body of POST /api/mutations.
type MutationRequest struct {
	OperationName      string                 `json:"operation_name"`
	Document           string                 `json:"document,omitempty"`
	Variables          map[string]interface{} `json:"variables"`
	OptimisticResponse json.RawMessage        `json:"optimistic_response,omitempty"`
	Update             json.RawMessage        `json:"update,omitempty"`
	Context            map[string]interface{} `json:"context,omitempty"`
	EntityType         string                 `json:"entity_type,omitempty"`
	SkipValidation     bool                   `json:"skip_validation,omitempty"`
}

// handleMutate answers 200 for a direct success and 202 for a queued write.
func (s *Server) handleMutate(w http.ResponseWriter, r *http.Request) {
	var req MutationRequest
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := s.facade.Mutate(r.Context(), mutation.Request{
		Call: executor.Call{
			Operation:          models.Operation{Name: req.OperationName, Document: req.Document},
			Variables:          req.Variables,
			OptimisticResponse: req.OptimisticResponse,
			Update:             req.Update,
			Context:            req.Context,
		},
		EntityType:     req.EntityType,
		SkipValidation: req.SkipValidation,
	})
	if err != nil {
		switch errors.CodeOf(err) {
		case errors.ErrValidation, errors.ErrInvalid, errors.ErrStorage, errors.ErrNotInitialized, errors.ErrTimeout:
			writeError(w, err)
		default:
			// The remote call itself failed; pass its body along when there is one.
			writeJSON(w, http.StatusBadGateway, map[string]interface{}{
				"error":     errorBody(err),
				"result":    result,
				"permanent": executor.IsPermanent(err),
			})
		}
		return
	}

	status := http.StatusOK
	if result.Queued() {
		status = http.StatusAccepted
	}
	writeJSON(w, status, result)
}

// =====================================================
// Queue Endpoints
// =====================================================

func (s *Server) handleListQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": s.queue.GetQueue()})
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.queue.GetRecord(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRemoveRecord(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.RemoveFromQueue(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearQueue(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.ClearQueue(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDrain forces a drain and waits for it. The drain outlives the
// request: a caller that hangs up must not cancel an executor call in flight.
func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.queue.ProcessQueue(context.WithoutCancel(r.Context())))
}

func (s *Server) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Resolved map[string]interface{} `json:"resolved"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Resolved == nil {
		writeError(w, errors.New(errors.ErrInvalid, "resolved payload is required"))
		return
	}
	if err := s.queue.ResolveConflict(r.Context(), r.PathValue("id"), req.Resolved); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =====================================================
// Dead-letter Endpoints
// =====================================================

func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"dead_letters": s.queue.DeadLetters()})
}

func (s *Server) handleRequeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, err := s.queue.RequeueDeadLetter(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	s.syncDeadLetterGauge()
	writeJSON(w, http.StatusOK, map[string]interface{}{"record_id": id})
}

func (s *Server) handlePurgeDeadLetters(w http.ResponseWriter, r *http.Request) {
	n, err := s.queue.PurgeDeadLetters(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	s.syncDeadLetterGauge()
	writeJSON(w, http.StatusOK, map[string]interface{}{"purged": n})
}

func (s *Server) syncDeadLetterGauge() {
	if s.metrics != nil {
		s.metrics.SetDeadLetters(len(s.queue.DeadLetters()))
	}
}

// =====================================================
// Connectivity Endpoint
// =====================================================

// handleReportConnectivity accepts push-style reachability reports from the platform.
func (s *Server) handleReportConnectivity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Connected *bool                  `json:"connected"`
		Details   map[string]interface{} `json:"details,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Connected == nil {
		writeError(w, errors.New(errors.ErrInvalid, "connected is required"))
		return
	}
	s.monitor.Report(*req.Connected, req.Details)
	writeJSON(w, http.StatusOK, map[string]interface{}{"connected": s.monitor.IsConnected()})
}

// =====================================================
// Helpers
// =====================================================

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, errors.Wrap(errors.ErrInvalid, "invalid request body", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(errors.CodeOf(err)), map[string]interface{}{"error": errorBody(err)})
}

func errorBody(err error) map[string]interface{} {
	return map[string]interface{}{"code": errors.CodeOf(err), "message": err.Error()}
}

func statusFor(code errors.ErrorCode) int {
	switch code {
	case errors.ErrInvalid:
		return http.StatusBadRequest
	case errors.ErrValidation:
		return http.StatusUnprocessableEntity
	case errors.ErrNotFound:
		return http.StatusNotFound
	case errors.ErrConflict:
		return http.StatusConflict
	case errors.ErrNotInitialized:
		return http.StatusServiceUnavailable
	case errors.ErrExecution:
		return http.StatusBadGateway
	case errors.ErrTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// statusRecorder captures the response status for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrade through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("HTTP request", map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"duration_ms": time.Since(start).Milliseconds(),
		})
	})
}
