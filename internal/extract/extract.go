// Package extract adapts the external metadata extraction service. The core
// treats extraction as unreliable and slow: failures during production are
// recorded as warnings, never fatal for the file.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/pipeline"
)

// Metadata is the flattened property set returned by an extractor. Keys
// follow the Tika naming the loadfile columns map from (Title, Author,
// Subject, Creation-Date, Page Count, ...).
type Metadata map[string]string

// Extractor returns structured metadata for raw file bytes, or a typed
// failure.
type Extractor interface {
	Extract(ctx context.Context, data []byte, mimeType string) (Metadata, error)
}

// HTTPClient talks to a Tika-compatible metadata endpoint. Unreachable
// service, timeouts and 5xx responses come back as transient adapter errors
// so the engine retries once with backoff.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a client for the service at baseURL.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Extract PUTs the bytes to /meta and flattens the JSON response.
func (c *HTTPClient) Extract(ctx context.Context, data []byte, mimeType string) (Metadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/meta", bytes.NewReader(data))
	if err != nil {
		return nil, &pipeline.AdapterError{Op: "extract", Transient: false, Err: err}
	}
	req.Header.Set("Content-Type", mimeType)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &pipeline.AdapterError{Op: "extract", Transient: true, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return nil, &pipeline.AdapterError{Op: "extract", Transient: true, Err: fmt.Errorf("service returned %s", resp.Status)}
	case resp.StatusCode >= 400:
		return nil, &pipeline.AdapterError{Op: "extract", Transient: false, Err: fmt.Errorf("service returned %s", resp.Status)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &pipeline.AdapterError{Op: "extract", Transient: true, Err: fmt.Errorf("read response: %w", err)}
	}
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &pipeline.AdapterError{Op: "extract", Transient: false, Err: fmt.Errorf("decode response: %w", err)}
	}
	return flatten(raw), nil
}

func flatten(raw map[string]any) Metadata {
	md := make(Metadata, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			md[k] = val
		case float64:
			md[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			md[k] = strconv.FormatBool(val)
		case []any:
			// Tika returns multi-valued properties as arrays; keep the
			// first value, matching the loadfile's single-valued columns.
			if len(val) > 0 {
				if s, ok := val[0].(string); ok {
					md[k] = s
				}
			}
		}
	}
	return md
}
