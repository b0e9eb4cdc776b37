package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/kv"
	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/mutation"
	"github.com/kimhsiao/offlinesync/internal/sync/conflict"
	"github.com/kimhsiao/offlinesync/internal/sync/connectivity"
	"github.com/kimhsiao/offlinesync/internal/sync/executor"
	"github.com/kimhsiao/offlinesync/internal/sync/queue"
	"github.com/kimhsiao/offlinesync/internal/sync/storage"
	"github.com/kimhsiao/offlinesync/internal/telemetry"
)

type stubExecutor struct {
	mu      sync.Mutex
	respond func(executor.Call) (*executor.Response, error)
}

func (e *stubExecutor) set(fn func(executor.Call) (*executor.Response, error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.respond = fn
}

func (e *stubExecutor) Execute(_ context.Context, call executor.Call) (*executor.Response, error) {
	e.mu.Lock()
	fn := e.respond
	e.mu.Unlock()
	if fn == nil {
		return &executor.Response{Data: map[string]interface{}{}}, nil
	}
	return fn(call)
}

type testEnv struct {
	server  *Server
	http    *httptest.Server
	manager *queue.Manager
	monitor *connectivity.Monitor
	exec    *stubExecutor
	metrics *telemetry.Metrics
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := logging.Discard()

	resolver := conflict.NewResolver(map[string]conflict.Policy{"savedJob": {Strategy: conflict.StrategyManual}})
	monitor := connectivity.NewMonitor(nil, connectivity.WithLogger(logger))
	monitor.Report(false, nil)

	store := storage.NewQueueStore(kv.NewMemory(), "", logger)
	manager := queue.NewManager(store, monitor, resolver, queue.WithLogger(logger))
	exec := &stubExecutor{}
	require.NoError(t, manager.Initialize(context.Background(), exec))

	metrics := telemetry.New()
	facade := mutation.New(exec, manager, monitor, mutation.WithLogger(logger), mutation.WithObserver(metrics))

	srv := New(Config{
		Facade:   facade,
		Queue:    manager,
		Monitor:  monitor,
		Resolver: resolver,
		Metrics:  metrics,
		Logger:   logger,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
		manager.Close()
	})
	return &testEnv{server: srv, http: ts, manager: manager, monitor: monitor, exec: exec, metrics: metrics}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.http.URL+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	if resp.StatusCode != http.StatusNoContent && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func saveJobBody(jobID string) map[string]interface{} {
	return map[string]interface{}{
		"operation_name": "SaveJob",
		"variables":      map[string]interface{}{"jobId": jobID},
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestMutate_offlineQueuesAndReconnectDrains(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/api/mutations", saveJobBody("42"))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, string(mutation.OutcomeQueued), body["outcome"])
	id, _ := body["queue_id"].(string)
	require.NotEmpty(t, id)

	resp, body = env.do(t, http.MethodGet, "/api/queue", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["records"], 1)

	resp, body = env.do(t, http.MethodGet, "/api/queue/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "SaveJob", body["operationName"])

	resp, body = env.do(t, http.MethodPost, "/api/connectivity", map[string]interface{}{"connected": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["connected"])

	assert.Eventually(t, func() bool { return env.manager.QueueLength() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestMutate_onlineDirect(t *testing.T) {
	env := newTestEnv(t)
	env.monitor.Report(true, nil)
	env.exec.set(func(executor.Call) (*executor.Response, error) {
		return &executor.Response{Data: map[string]interface{}{"ok": true}}, nil
	})

	resp, body := env.do(t, http.MethodPost, "/api/mutations", saveJobBody("42"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(mutation.OutcomeSuccess), body["outcome"])
	assert.Equal(t, map[string]interface{}{"ok": true}, body["data"])
	assert.Equal(t, 0, env.manager.QueueLength())
}

func TestMutate_onlineFailureIsBadGateway(t *testing.T) {
	env := newTestEnv(t)
	env.monitor.Report(true, nil)
	env.exec.set(func(executor.Call) (*executor.Response, error) {
		return nil, executor.Permanent(errors.New(errors.ErrExecution, "mutation rejected"))
	})

	resp, body := env.do(t, http.MethodPost, "/api/mutations", saveJobBody("42"))
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, true, body["permanent"])
	assert.Equal(t, 0, env.manager.QueueLength(), "online failures are not queued")
}

func TestMutate_badRequests(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/api/mutations", map[string]interface{}{"variables": map[string]interface{}{}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, string(errors.ErrInvalid), body["error"].(map[string]interface{})["code"])

	req, err := http.NewRequest(http.MethodPost, env.http.URL+"/api/mutations", strings.NewReader("{"))
	require.NoError(t, err)
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/api/mutations", map[string]interface{}{
		"operation_name": "UpdateUserProfile",
		"entity_type":    "profile",
		"variables":      map[string]interface{}{"email": "not-an-email"},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, 0, env.manager.QueueLength(), "invalid payloads never reach the queue")

	resp, _ = env.do(t, http.MethodPost, "/api/mutations", map[string]interface{}{
		"operation_name": "UpdateUserProfile",
		"variables":      map[string]interface{}{"name": "Ada", "bio": "math"},
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, 1, env.manager.QueueLength())
}

func TestQueue_removeAndClear(t *testing.T) {
	env := newTestEnv(t)
	_, first := env.do(t, http.MethodPost, "/api/mutations", saveJobBody("1"))
	env.do(t, http.MethodPost, "/api/mutations", saveJobBody("2"))
	env.do(t, http.MethodPost, "/api/mutations", saveJobBody("3"))
	require.Equal(t, 3, env.manager.QueueLength())

	resp, _ := env.do(t, http.MethodDelete, "/api/queue/"+first["queue_id"].(string), nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, 2, env.manager.QueueLength())

	resp, _ = env.do(t, http.MethodDelete, "/api/queue/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/api/queue/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.do(t, http.MethodDelete, "/api/queue", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, 0, env.manager.QueueLength())
}

func TestQueue_drainWhileOfflineIsSkipped(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/mutations", saveJobBody("1"))

	resp, body := env.do(t, http.MethodPost, "/api/queue/drain", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["skipped"])
	assert.Equal(t, 1, env.manager.QueueLength())
}

type switchConn struct{ online atomic.Bool }

func (c *switchConn) IsConnected() bool { return c.online.Load() }

func (c *switchConn) Subscribe(connectivity.Listener) func() { return func() {} }

func TestQueue_drainOutlivesDisconnectedCaller(t *testing.T) {
	logger := logging.Discard()
	started := make(chan struct{}, 3)
	release := make(chan struct{})
	var releaseOnce sync.Once
	releaseAll := func() { releaseOnce.Do(func() { close(release) }) }

	var canceled atomic.Bool
	exec := executor.Func(func(ctx context.Context, _ executor.Call) (*executor.Response, error) {
		started <- struct{}{}
		<-release
		if ctx.Err() != nil {
			canceled.Store(true)
			return nil, ctx.Err()
		}
		return &executor.Response{Data: map[string]interface{}{}}, nil
	})

	conn := &switchConn{}
	store := storage.NewQueueStore(kv.NewMemory(), "", logger)
	manager := queue.NewManager(store, conn, conflict.NewResolver(nil), queue.WithLogger(logger))
	require.NoError(t, manager.Initialize(context.Background(), exec))
	for _, id := range []string{"1", "2", "3"} {
		_, err := manager.AddToQueue(context.Background(), executor.Call{
			Operation: models.Operation{Name: "SaveJob"},
			Variables: map[string]interface{}{"jobId": id},
		})
		require.NoError(t, err)
	}
	conn.online.Store(true)

	srv := New(Config{
		Facade:  mutation.New(exec, manager, conn, mutation.WithLogger(logger)),
		Queue:   manager,
		Monitor: connectivity.NewMonitor(nil, connectivity.WithLogger(logger)),
		Logger:  logger,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		releaseAll()
		ts.Close()
		srv.Close()
		manager.Close()
	})

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.URL+"/api/queue/drain", nil)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() {
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			resp.Body.Close()
		}
		done <- err
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("drain never reached the executor")
	}
	cancel()
	require.Error(t, <-done)
	time.Sleep(100 * time.Millisecond)
	releaseAll()

	require.Eventually(t, func() bool { return manager.QueueLength() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, canceled.Load(), "executor call was canceled with the request")
}

func TestConflicts_manualResolution(t *testing.T) {
	env := newTestEnv(t)
	env.exec.set(func(call executor.Call) (*executor.Response, error) {
		return &executor.Response{Data: map[string]interface{}{
			"insert_saved_jobs_one": map[string]interface{}{"id": "s1", "job_id": "99"},
		}}, nil
	})

	_, body := env.do(t, http.MethodPost, "/api/mutations", saveJobBody("42"))
	id := body["queue_id"].(string)

	resp, _ := env.do(t, http.MethodPost, "/api/conflicts/"+id+"/resolve", map[string]interface{}{"resolved": map[string]interface{}{"job_id": "99"}})
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "pending records are not in conflict")

	env.monitor.Report(true, nil)
	require.Eventually(t, func() bool {
		rec, err := env.manager.GetRecord(id)
		return err == nil && rec.Status == models.StatusConflict
	}, 2*time.Second, 10*time.Millisecond)

	resp, _ = env.do(t, http.MethodPost, "/api/conflicts/"+id+"/resolve", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/api/conflicts/missing/resolve", map[string]interface{}{"resolved": map[string]interface{}{}})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/api/conflicts/"+id+"/resolve", map[string]interface{}{"resolved": map[string]interface{}{"job_id": "99"}})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	assert.Eventually(t, func() bool { return env.manager.QueueLength() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestDeadLetters_requeueAndPurge(t *testing.T) {
	env := newTestEnv(t)
	env.exec.set(func(executor.Call) (*executor.Response, error) {
		return nil, executor.Permanent(errors.New(errors.ErrExecution, "constraint violation"))
	})

	env.do(t, http.MethodPost, "/api/mutations", saveJobBody("1"))
	env.do(t, http.MethodPost, "/api/mutations", saveJobBody("2"))
	env.monitor.Report(true, nil)
	require.Eventually(t, func() bool { return len(env.manager.DeadLetters()) == 2 }, 2*time.Second, 10*time.Millisecond)

	resp, body := env.do(t, http.MethodGet, "/api/dead-letters", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	letters := body["dead_letters"].([]interface{})
	require.Len(t, letters, 2)
	letterID := letters[0].(map[string]interface{})["id"].(string)

	// Park the connection so the requeued record stays put.
	env.monitor.Report(false, nil)
	resp, body = env.do(t, http.MethodPost, "/api/dead-letters/"+letterID+"/requeue", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, body["record_id"])
	assert.Equal(t, 1, env.manager.QueueLength())

	resp, _ = env.do(t, http.MethodPost, "/api/dead-letters/missing/requeue", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = env.do(t, http.MethodDelete, "/api/dead-letters", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["purged"])
	assert.Empty(t, env.manager.DeadLetters())
}

func TestStatusAndPolicies(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/mutations", saveJobBody("1"))

	resp, body := env.do(t, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	q := body["queue"].(map[string]interface{})
	assert.Equal(t, float64(1), q["total"])
	conn := body["connectivity"].(map[string]interface{})
	assert.Equal(t, true, conn["known"])
	assert.Equal(t, false, conn["connected"])
	assert.NotContains(t, body, "scheduler")

	resp, body = env.do(t, http.MethodGet, "/api/policies", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(conflict.StrategyManual), body["savedJob"].(map[string]interface{})["strategy"])

	resp, _ = env.do(t, http.MethodPost, "/api/connectivity", map[string]interface{}{"details": map[string]interface{}{}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "connected is required")
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/mutations", saveJobBody("1"))

	resp, err := http.Get(env.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	assert.Contains(t, buf.String(), `offlinesync_mutations_total{entity_type="savedJob",outcome="queued"} 1`)
}

func TestStatusFor(t *testing.T) {
	tests := map[errors.ErrorCode]int{
		errors.ErrInvalid:        http.StatusBadRequest,
		errors.ErrValidation:     http.StatusUnprocessableEntity,
		errors.ErrNotFound:       http.StatusNotFound,
		errors.ErrConflict:       http.StatusConflict,
		errors.ErrNotInitialized: http.StatusServiceUnavailable,
		errors.ErrExecution:      http.StatusBadGateway,
		errors.ErrTimeout:        http.StatusGatewayTimeout,
		errors.ErrStorage:        http.StatusInternalServerError,
		errors.ErrInternal:       http.StatusInternalServerError,
	}
	for code, want := range tests {
		assert.Equal(t, want, statusFor(code), code)
	}
}

// =====================================================
// WebSocket
// =====================================================

func dialWS(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return env.server.Hub().ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	return conn
}

// readUntil returns the first message matching pred and every message skipped before it.
func readUntil(t *testing.T, conn *websocket.Conn, pred func(map[string]interface{}) bool) (map[string]interface{}, []map[string]interface{}) {
	t.Helper()
	var skipped []map[string]interface{}
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var msg map[string]interface{}
		require.NoError(t, conn.ReadJSON(&msg))
		if pred(msg) {
			return msg, skipped
		}
		skipped = append(skipped, msg)
	}
}

func hasType(want string) func(map[string]interface{}) bool {
	return func(m map[string]interface{}) bool { return m["type"] == want }
}

func TestWebSocket_streamsQueueEvents(t *testing.T) {
	env := newTestEnv(t)
	conn := dialWS(t, env)

	_, body := env.do(t, http.MethodPost, "/api/mutations", saveJobBody("42"))

	msg, _ := readUntil(t, conn, hasType(QueueEventType(queue.EventItemAdded)))
	data := msg["data"].(map[string]interface{})
	assert.Equal(t, body["queue_id"], data["record_id"])
	assert.Equal(t, float64(1), data["queue_length"])
}

func TestWebSocket_subscriptionFilters(t *testing.T) {
	env := newTestEnv(t)
	conn := dialWS(t, env)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"action": "subscribe",
		"events": []string{EventConnectivityChanged},
	}))
	_, _ = readUntil(t, conn, func(m map[string]interface{}) bool { return m["action"] == "subscribe_ack" })

	env.do(t, http.MethodPost, "/api/mutations", saveJobBody("42"))
	env.monitor.Report(true, nil)

	_, skipped := readUntil(t, conn, func(m map[string]interface{}) bool {
		if m["type"] != EventConnectivityChanged {
			return false
		}
		return m["data"].(map[string]interface{})["connected"] == true
	})
	for _, m := range skipped {
		typ, _ := m["type"].(string)
		assert.False(t, strings.HasPrefix(typ, queueEventPrefix), "unsubscribed event delivered: %s", typ)
	}

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"action": "ping"}))
	_, _ = readUntil(t, conn, func(m map[string]interface{}) bool { return m["action"] == "pong" })
}

func TestHub_closeDisconnectsClients(t *testing.T) {
	env := newTestEnv(t)
	conn := dialWS(t, env)

	env.server.Hub().Close()
	assert.Equal(t, 0, env.server.Hub().ClientCount())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)

	env.server.Hub().Broadcast("anything", nil) // no panic after close
}

func TestLocalOrigin(t *testing.T) {
	tests := map[string]bool{
		"":                        true,
		"http://localhost:3000":   true,
		"http://127.0.0.1:8089":   true,
		"http://[::1]:8089":       true,
		"https://evil.example":    false,
		"http://192.168.1.5:8089": false,
	}
	for origin, want := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		assert.Equal(t, want, localOrigin(r), origin)
	}
}
