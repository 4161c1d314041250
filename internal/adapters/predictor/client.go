// Package predictor calls an outcome model served over HTTP.
package predictor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/okian/elosync/internal/domain/model"
	"github.com/okian/elosync/pkg/metrics"
)

const defaultTimeout = 5 * time.Second

type request struct {
	Features []float64 `json:"features"`
}

type response struct {
	Home float64 `json:"home"`
	Draw float64 `json:"draw"`
	Away float64 `json:"away"`
}

// Client posts feature vectors to a model endpoint.
type Client struct {
	url        string
	httpClient *http.Client
}

// Option applies a configuration option to the Client.
type Option func(*Client)

// WithHTTPClient sets the transport.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// New creates a client for the model at url.
func New(url string, opts ...Option) *Client {
	c := &Client{url: url, httpClient: &http.Client{Timeout: defaultTimeout}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Predict sends x and returns the model's home, draw, away probabilities.
func (c *Client) Predict(ctx context.Context, x []float64) (model.Probabilities, error) {
	const op = "predictor.Predict"
	body, err := json.Marshal(request{Features: x})
	if err != nil {
		return model.Probabilities{}, model.E(model.KindMalformed, op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return model.Probabilities{}, model.E(model.KindMalformed, op, fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordUpstreamRequest("model", "error", float64(time.Since(start))/float64(time.Millisecond))
		return model.Probabilities{}, model.E(model.KindUnavailable, op, fmt.Errorf("making request: %w", err))
	}
	defer resp.Body.Close()
	metrics.RecordUpstreamRequest("model", fmt.Sprint(resp.StatusCode), float64(time.Since(start))/float64(time.Millisecond))

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
		return model.Probabilities{}, model.E(model.KindUnavailable, op, fmt.Errorf("status=%d, body=%s", resp.StatusCode, msg))
	}
	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return model.Probabilities{}, model.E(model.KindMalformed, op, fmt.Errorf("decoding response: %w", err))
	}
	return model.Probabilities{Home: out.Home, Draw: out.Draw, Away: out.Away}, nil
}
