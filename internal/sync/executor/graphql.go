package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kimhsiao/offlinesync/internal/errors"
)

// GraphQLConfig holds the remote endpoint configuration.
type GraphQLConfig struct {
	Endpoint string
	Headers  map[string]string // e.g. Authorization, x-hasura-role
	Timeout  time.Duration
}

// GraphQLClient executes mutations over GraphQL-over-HTTP.
type GraphQLClient struct {
	config     *GraphQLConfig
	httpClient *http.Client
}

type graphQLRequest struct {
	Query         string                 `json:"query"`
	OperationName string                 `json:"operationName,omitempty"`
	Variables     map[string]interface{} `json:"variables"`
}

// NewGraphQLClient creates a new GraphQLClient.
func NewGraphQLClient(config *GraphQLConfig) *GraphQLClient {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GraphQLClient{
		config: config,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
	}
}

// Execute posts the mutation and decodes the response.
//
// Transport failures, 5xx, 408 and 429 are retryable. Other 4xx statuses and
// GraphQL errors with a permanent extensions.code are wrapped with Permanent.
func (c *GraphQLClient) Execute(ctx context.Context, call Call) (*Response, error) {
	if call.Operation.Document == "" {
		return nil, Permanent(errors.New(errors.ErrInvalid,
			fmt.Sprintf("operation %s has no document", call.Operation.Name)))
	}

	vars := call.Variables
	if vars == nil {
		vars = map[string]interface{}{}
	}
	body, err := json.Marshal(graphQLRequest{
		Query:         call.Operation.Document,
		OperationName: call.Operation.Name,
		Variables:     vars,
	})
	if err != nil {
		return nil, Permanent(fmt.Errorf("failed to encode request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range c.config.Headers {
		req.Header.Set(k, v)
	}

	// Execute request
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(errors.ErrExecution, "graphql request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(errors.ErrExecution, "failed to read response body", err)
	}

	if resp.StatusCode != http.StatusOK {
		statusErr := errors.New(errors.ErrExecution,
			fmt.Sprintf("graphql request failed with status %d: %s", resp.StatusCode, truncate(data, 256)))
		if isPermanentStatus(resp.StatusCode) {
			return nil, Permanent(statusErr)
		}
		return nil, statusErr
	}

	var out Response
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errors.Wrap(errors.ErrExecution, "failed to decode graphql response", err)
	}
	if err := ResponseError(&out); err != nil {
		return &out, err
	}
	return &out, nil
}

func isPermanentStatus(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return false
	}
	return code >= 400 && code < 500
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
