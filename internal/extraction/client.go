package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const maxErrorBody = 512

// Client calls an external extraction provider over HTTP. The provider
// receives the job payload as JSON and answers with the number of entities
// it matched; everything else about the extraction is the provider's
// business.
type Client struct {
	endpoint string
	hc       *http.Client
}

// NewClient builds a Client for the given provider endpoint. timeout bounds
// the whole extraction call, not individual reads.
func NewClient(endpoint string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Client{
		endpoint: endpoint,
		hc:       &http.Client{Timeout: timeout},
	}
}

type extractResponse struct {
	EntityCount int `json:"entity_count"`
}

// Execute posts the payload to the provider and decodes the result. A
// cancelled ctx aborts the request.
func (c *Client) Execute(ctx context.Context, payload Payload) (ExtractResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return ExtractResult{}, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return ExtractResult{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return ExtractResult{}, fmt.Errorf("call provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return ExtractResult{}, fmt.Errorf("provider returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}

	var out extractResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ExtractResult{}, fmt.Errorf("decode provider response: %w", err)
	}
	if out.EntityCount < 0 {
		return ExtractResult{}, fmt.Errorf("provider reported negative entity count %d", out.EntityCount)
	}
	return ExtractResult{EntityCount: out.EntityCount}, nil
}
