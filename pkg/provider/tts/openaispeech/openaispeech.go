// Package openaispeech implements a TTS provider speaking the
// OpenAI-compatible /v1/audio/speech API, as served by self-hosted engines
// such as openedai-speech and Kokoro-FastAPI.
package openaispeech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/renfield-ai/renfield/pkg/provider/tts"
)

var _ tts.Provider = (*Provider)(nil)

// Provider calls an OpenAI-compatible speech endpoint. Safe for concurrent
// use.
type Provider struct {
	baseURL    string
	model      string
	voice      string
	httpClient *http.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithTimeout sets a per-request timeout on the underlying HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.httpClient.Timeout = d
		}
	}
}

// WithDefaultVoice sets the voice used when a request leaves Voice empty.
func WithDefaultVoice(voice string) Option {
	return func(p *Provider) {
		p.voice = voice
	}
}

// New constructs a Provider for the speech server at baseURL. model is the
// engine's model identifier (e.g. "tts-1", "kokoro"); it must not be empty.
func New(baseURL, model string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("openaispeech: baseURL must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("openaispeech: model must not be empty")
	}
	p := &Provider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		voice:      "alloy",
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// speechRequest is the JSON body for POST /v1/audio/speech.
type speechRequest struct {
	Model string  `json:"model"`
	Input string  `json:"input"`
	Voice string  `json:"voice"`
	Speed float64 `json:"speed,omitempty"`
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (*tts.Audio, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, fmt.Errorf("openaispeech: synthesize: empty text")
	}

	voice := req.Voice
	if voice == "" {
		voice = p.voice
	}
	body, err := json.Marshal(speechRequest{
		Model: p.model,
		Input: req.Text,
		Voice: voice,
		Speed: req.Speed,
	})
	if err != nil {
		return nil, fmt.Errorf("openaispeech: synthesize: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/audio/speech", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openaispeech: synthesize: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openaispeech: synthesize: http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("openaispeech: synthesize: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openaispeech: synthesize: read audio: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("openaispeech: synthesize: empty audio in response")
	}

	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "audio/mpeg"
	}
	return &tts.Audio{Data: data, MIMEType: mimeType}, nil
}
