package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/chronodesk/chronosync/internal/apierr"
	"github.com/chronodesk/chronosync/internal/httpclient"
)

// BatchUpdate is one entity mutation inside a batch request.
type BatchUpdate struct {
	Method string          `json:"method"`
	Path   string          `json:"path"`
	GUID   string          `json:"guid"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// BatchResult is the backend's answer to one BatchUpdate. Results are
// returned in request order.
type BatchResult struct {
	GUID         string          `json:"guid"`
	Status       int             `json:"status"`
	Body         json.RawMessage `json:"body,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// OK reports whether the item was accepted
func (r BatchResult) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Err returns the classified item failure, or nil
func (r BatchResult) Err() error {
	return apierr.FromStatus(r.Status, r.ErrorMessage)
}

// BatchUpdate submits all updates in one request.
func (c *Client) BatchUpdate(ctx context.Context, token string, updates []BatchUpdate) ([]BatchResult, error) {
	if token == "" {
		return nil, apierr.ErrNotAuthenticated
	}
	if len(updates) == 0 {
		return nil, nil
	}

	payload, err := json.Marshal(updates)
	if err != nil {
		return nil, fmt.Errorf("failed to encode batch: %w", err)
	}

	resp, err := c.Do(ctx, httpclient.Request{
		Method:   http.MethodPost,
		Path:     batchPath,
		Payload:  payload,
		Username: token,
		Password: tokenPassword,
	})
	if err != nil {
		return nil, err
	}

	var results []BatchResult
	if err := json.Unmarshal(resp.Body, &results); err != nil {
		return nil, fmt.Errorf("failed to decode batch results: %w", err)
	}
	if len(results) != len(updates) {
		return nil, fmt.Errorf("batch returned %d results for %d updates", len(results), len(updates))
	}
	return results, nil
}
