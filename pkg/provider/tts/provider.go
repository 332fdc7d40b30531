// Package tts defines the Provider interface for Text-to-Speech backends.
//
// Synthesis is blob-oriented: the assistant renders a complete reply to one
// audio blob, caches it server-side, and hands devices a cache URL instead of
// raw bytes over the signalling socket.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Request carries one text to synthesise.
type Request struct {
	// Text is the reply text. Must not be empty.
	Text string

	// Voice selects the voice profile. Empty uses the backend default.
	Voice string

	// Speed is a playback-rate multiplier. Zero means the backend default
	// (1.0).
	Speed float64
}

// Audio is a completed synthesis.
type Audio struct {
	// Data is the encoded audio blob.
	Data []byte

	// MIMEType describes the encoding (e.g. "audio/mpeg", "audio/wav").
	MIMEType string
}

// Provider is the abstraction over any speech-synthesis backend.
type Provider interface {
	// Synthesize renders text to one audio blob. Implementations must
	// respect ctx cancellation.
	Synthesize(ctx context.Context, req Request) (*Audio, error)
}
