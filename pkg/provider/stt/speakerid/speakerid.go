// Package speakerid implements a client for a voice-fingerprint
// identification service, as exposed by speaker-diarization sidecars next
// to the transcription server. Satellites have no login; the orchestrator
// uses this to attribute an utterance to a known user.
package speakerid

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

// Client calls the identification endpoint. Safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets a per-request timeout on the underlying HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// New constructs a Client for the identification service at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("speakerid: baseURL must not be empty")
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// identifyResponse is the service's JSON response shape.
type identifyResponse struct {
	UserID     string  `json:"user_id"`
	Confidence float64 `json:"confidence"`
	Error      string  `json:"error"`
}

// Identify maps a voice sample to a known user. An unrecognised speaker
// returns an empty user id with zero confidence, not an error.
func (c *Client) Identify(ctx context.Context, audio []byte) (string, float64, error) {
	if len(audio) == 0 {
		return "", 0, fmt.Errorf("speakerid: identify: empty audio")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/identify", bytes.NewReader(audio))
	if err != nil {
		return "", 0, fmt.Errorf("speakerid: identify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("speakerid: identify: http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", 0, fmt.Errorf("speakerid: identify: unexpected status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out identifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", 0, fmt.Errorf("speakerid: identify: decode response: %w", err)
	}
	if out.Error != "" {
		return "", 0, fmt.Errorf("speakerid: identify: service error: %s", out.Error)
	}
	return out.UserID, out.Confidence, nil
}
