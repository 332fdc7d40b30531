// Package mock provides a canned TTS provider for tests.
package mock

import (
	"context"

	"github.com/renfield-ai/renfield/pkg/provider/tts"
)

var _ tts.Provider = (*Provider)(nil)

// Provider returns fixed audio for every request.
type Provider struct {
	// Data is returned as the synthesised blob. Defaults to a short
	// placeholder when nil.
	Data []byte

	// MIMEType defaults to "audio/mpeg" when empty.
	MIMEType string

	// Err, when non-nil, is returned instead of audio.
	Err error

	// LastText records the most recent request text. Not synchronised;
	// intended for single-goroutine test use.
	LastText string
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(_ context.Context, req tts.Request) (*tts.Audio, error) {
	p.LastText = req.Text
	if p.Err != nil {
		return nil, p.Err
	}
	data := p.Data
	if data == nil {
		data = []byte("mock-audio")
	}
	mimeType := p.MIMEType
	if mimeType == "" {
		mimeType = "audio/mpeg"
	}
	return &tts.Audio{Data: data, MIMEType: mimeType}, nil
}
