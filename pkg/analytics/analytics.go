// Package analytics is a thin client for the external analytics-point
// collaborator (§1 scope exclusions: point *storage* is out of scope,
// but writing points to it is the gateway/indexer/reporter's job).
package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// Writer sends arbitrary analytics points to the configured sink.
type Writer interface {
	WritePoint(ctx context.Context, point map[string]any) error
}

// HTTPWriter posts a JSON point to a configured endpoint, guarded by a
// circuit breaker so a down collaborator degrades to "logged with a
// warning and suppressed" (§4.2, §7) rather than blocking callers.
type HTTPWriter struct {
	endpoint string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
}

// NewHTTPWriter builds an HTTPWriter posting to endpoint.
func NewHTTPWriter(endpoint string) *HTTPWriter {
	return &HTTPWriter{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 5 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "analytics-writer",
			MaxRequests: 1,
			Interval:    30 * time.Second,
			Timeout:     15 * time.Second,
		}),
	}
}

// WritePoint posts point as a JSON body.
func (w *HTTPWriter) WritePoint(ctx context.Context, point map[string]any) error {
	_, err := w.breaker.Execute(func() (interface{}, error) {
		body, err := json.Marshal(point)
		if err != nil {
			return nil, fmt.Errorf("marshaling analytics point: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("building analytics request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := w.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("posting analytics point: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("analytics sink returned status %d", resp.StatusCode)
		}
		return nil, nil
	})
	return err
}
