package warehouse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPClient runs queries through a JSON query gateway in front of the
// warehouse. Token acquisition happens outside this process.
type HTTPClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// NewHTTPClient creates a client with sane defaults.
func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPClient{BaseURL: baseURL, Token: token, Timeout: timeout}
}

// StatusError is a non-2xx gateway response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway error: status=%d body=%s", e.StatusCode, e.Body)
}

type queryResponse struct {
	Rows []Row `json:"rows"`
}

func (c *HTTPClient) Query(ctx context.Context, q Query) ([]Row, error) {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(q); err != nil {
		return nil, unavailable(q, err)
	}
	url := strings.TrimRight(c.BaseURL, "/") + "/query"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return nil, unavailable(q, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, unavailable(q, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, unavailable(q, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))})
	}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	var out queryResponse
	if err := dec.Decode(&out); err != nil {
		return nil, unavailable(q, fmt.Errorf("decode rows: %w", err))
	}
	return out.Rows, nil
}
