package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/server"
	"github.com/kimhsiao/offlinesync/internal/sync/conflict"
	"github.com/kimhsiao/offlinesync/internal/sync/queue"
)

// Client talks to a running offlinesync server. The server owns the queue,
// so every queue command goes through it.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for baseURL, e.g. http://127.0.0.1:8089.
// A bare host:port gets the http scheme.
func NewClient(baseURL string) *Client {
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "http://" + baseURL
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("server returned %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach server at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(raw, &envelope) == nil && envelope.Error.Message != "" {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) Status(ctx context.Context) (*server.StatusResponse, error) {
	var out server.StatusResponse
	if err := c.do(ctx, http.MethodGet, "/api/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListQueue(ctx context.Context) ([]*models.MutationRecord, error) {
	var out struct {
		Records []*models.MutationRecord `json:"records"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/queue", nil, &out); err != nil {
		return nil, err
	}
	return out.Records, nil
}

func (c *Client) GetRecord(ctx context.Context, id string) (*models.MutationRecord, error) {
	var out models.MutationRecord
	if err := c.do(ctx, http.MethodGet, "/api/queue/"+id, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) RemoveRecord(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/queue/"+id, nil, nil)
}

func (c *Client) ClearQueue(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/api/queue", nil, nil)
}

func (c *Client) Drain(ctx context.Context) (*queue.DrainSummary, error) {
	var out queue.DrainSummary
	if err := c.do(ctx, http.MethodPost, "/api/queue/drain", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ResolveConflict(ctx context.Context, id string, resolved map[string]interface{}) error {
	return c.do(ctx, http.MethodPost, "/api/conflicts/"+id+"/resolve",
		map[string]interface{}{"resolved": resolved}, nil)
}

func (c *Client) DeadLetters(ctx context.Context) ([]*models.DeadLetter, error) {
	var out struct {
		DeadLetters []*models.DeadLetter `json:"dead_letters"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/dead-letters", nil, &out); err != nil {
		return nil, err
	}
	return out.DeadLetters, nil
}

// RequeueDeadLetter returns the id of the requeued record.
func (c *Client) RequeueDeadLetter(ctx context.Context, id string) (string, error) {
	var out struct {
		RecordID string `json:"record_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/dead-letters/"+id+"/requeue", nil, &out); err != nil {
		return "", err
	}
	return out.RecordID, nil
}

func (c *Client) PurgeDeadLetters(ctx context.Context) (int, error) {
	var out struct {
		Purged int `json:"purged"`
	}
	if err := c.do(ctx, http.MethodDelete, "/api/dead-letters", nil, &out); err != nil {
		return 0, err
	}
	return out.Purged, nil
}

func (c *Client) ReportConnectivity(ctx context.Context, connected bool) error {
	return c.do(ctx, http.MethodPost, "/api/connectivity", map[string]interface{}{"connected": connected}, nil)
}

func (c *Client) Policies(ctx context.Context) (map[string]conflict.Policy, error) {
	var out map[string]conflict.Policy
	if err := c.do(ctx, http.MethodGet, "/api/policies", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
