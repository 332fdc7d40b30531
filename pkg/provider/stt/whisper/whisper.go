// Package whisper implements an STT provider backed by whisper-server
// (the HTTP server shipped with whisper.cpp), speaking its multipart
// /inference endpoint.
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/renfield-ai/renfield/pkg/provider/stt"
)

var _ stt.Provider = (*Provider)(nil)

// Provider calls a whisper-server instance. Safe for concurrent use.
type Provider struct {
	baseURL    string
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

// New constructs a Provider for the whisper-server at baseURL.
func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("whisper: baseURL must not be empty")
	}
	p := &Provider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// inferenceResponse is whisper-server's JSON response shape.
type inferenceResponse struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Error    string `json:"error"`
}

// Transcribe implements stt.Provider by POSTing the audio as a multipart
// form to /inference.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (*stt.Result, error) {
	if len(req.Audio) == 0 {
		return nil, fmt.Errorf("whisper: transcribe: empty audio")
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "utterance.wav")
	if err != nil {
		return nil, fmt.Errorf("whisper: transcribe: build form: %w", err)
	}
	if _, err := fw.Write(req.Audio); err != nil {
		return nil, fmt.Errorf("whisper: transcribe: write audio: %w", err)
	}
	if err := mw.WriteField("response_format", "json"); err != nil {
		return nil, fmt.Errorf("whisper: transcribe: write field: %w", err)
	}
	if req.Language != "" {
		if err := mw.WriteField("language", req.Language); err != nil {
			return nil, fmt.Errorf("whisper: transcribe: write field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("whisper: transcribe: close form: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/inference", &body)
	if err != nil {
		return nil, fmt.Errorf("whisper: transcribe: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("whisper: transcribe: http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("whisper: transcribe: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var result inferenceResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("whisper: transcribe: decode response: %w", err)
	}
	if result.Error != "" {
		return nil, fmt.Errorf("whisper: transcribe: server: %s", result.Error)
	}

	return &stt.Result{
		Text:     strings.TrimSpace(result.Text),
		Language: result.Language,
	}, nil
}
