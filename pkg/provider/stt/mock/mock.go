// Package mock provides a canned STT provider for tests.
package mock

import (
	"context"

	"github.com/renfield-ai/renfield/pkg/provider/stt"
)

var _ stt.Provider = (*Provider)(nil)

// Provider returns a fixed transcription for every request.
type Provider struct {
	// Text is returned as the transcription result.
	Text string

	// Language is returned as the detected language.
	Language string

	// Err, when non-nil, is returned instead of a result.
	Err error

	// Calls counts Transcribe invocations. Not synchronised; intended for
	// single-goroutine test use.
	Calls int
}

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(_ context.Context, _ stt.Request) (*stt.Result, error) {
	p.Calls++
	if p.Err != nil {
		return nil, p.Err
	}
	return &stt.Result{Text: p.Text, Language: p.Language}, nil
}
