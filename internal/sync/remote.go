// Package sync drains the mutation queue against the remote authority.
package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/astraldesk/chartcache/internal/models"
)

// RemoteResult is the outcome of applying one mutation remotely.
type RemoteResult struct {
	OK           bool            `json:"ok"`
	ServerRecord json.RawMessage `json:"server_record,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`

	// Permanent marks a non-retryable rejection (validation failure,
	// delete of a record the server never had). Permanent failures are
	// removed from the queue immediately instead of retried.
	Permanent bool `json:"permanent,omitempty"`
}

// RemoteEndpoint is the only network dependency of the subsystem.
// A transport-level error return is treated as transient and retried with
// backoff; a RemoteResult with OK=false is classified by its Permanent flag.
type RemoteEndpoint interface {
	Apply(ctx context.Context, action models.Action, recordID models.UUID, payload json.RawMessage) (*RemoteResult, error)
}

// HTTPEndpoint applies mutations by POSTing them as JSON to a base URL.
type HTTPEndpoint struct {
	baseURL string
	client  *http.Client
}

// NewHTTPEndpoint creates an HTTPEndpoint for the given apply URL.
func NewHTTPEndpoint(baseURL string, timeout time.Duration) *HTTPEndpoint {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPEndpoint{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type applyRequest struct {
	Action   models.Action   `json:"action"`
	RecordID models.UUID     `json:"record_id"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Apply sends one mutation to the remote authority. Network and 5xx
// failures surface as errors (transient); 4xx responses come back as
// permanent RemoteResults.
func (e *HTTPEndpoint) Apply(ctx context.Context, action models.Action, recordID models.UUID, payload json.RawMessage) (*RemoteResult, error) {
	body, err := json.Marshal(applyRequest{Action: action, RecordID: recordID, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("failed to encode apply request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		result := &RemoteResult{OK: true}
		if len(data) > 0 {
			// A malformed success body is still a success; the server
			// record is advisory.
			_ = json.Unmarshal(data, result)
			result.OK = true
		}
		return result, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &RemoteResult{
			OK:           false,
			Permanent:    true,
			ErrorMessage: fmt.Sprintf("remote rejected %s for %s: %s", action, recordID, http.StatusText(resp.StatusCode)),
		}, nil
	default:
		return nil, fmt.Errorf("remote returned status %d", resp.StatusCode)
	}
}
