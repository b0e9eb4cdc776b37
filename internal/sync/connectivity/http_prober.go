package connectivity

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPProber checks reachability by requesting a URL. Any response below 500
// means the service answered and counts as connected.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

// NewHTTPProber creates a prober for url with a request timeout.
func NewHTTPProber(url string, timeout time.Duration) *HTTPProber {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HTTPProber{
		URL:    url,
		Client: &http.Client{Timeout: timeout},
	}
}

// Probe performs one HEAD request against URL.
func (p *HTTPProber) Probe(ctx context.Context) (State, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return State{}, fmt.Errorf("failed to create probe request: %w", err)
	}

	start := time.Now()
	resp, err := p.Client.Do(req)
	if err != nil {
		return State{}, fmt.Errorf("probe failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return State{
		Connected: resp.StatusCode < http.StatusInternalServerError,
		Details: map[string]interface{}{
			"status":     resp.StatusCode,
			"latency_ms": time.Since(start).Milliseconds(),
		},
		CheckedAt: time.Now(),
	}, nil
}
