// Package stt defines the Provider interface for Speech-to-Text backends.
//
// The assistant transcribes whole utterances: a satellite or browser records
// until end-of-speech and ships one audio blob, so the interface is
// batch-oriented rather than streaming. Implementations wrap an HTTP
// transcription service such as a local whisper-server.
//
// Implementations must be safe for concurrent use.
package stt

import "context"

// Request carries one utterance to transcribe.
type Request struct {
	// Audio is the encoded audio blob (WAV or OGG, per the backend's
	// supported formats).
	Audio []byte

	// Language is an optional ISO 639-1 hint (e.g. "de", "en"). Empty lets
	// the backend auto-detect.
	Language string
}

// Result is a completed transcription.
type Result struct {
	// Text is the transcribed utterance, whitespace-trimmed.
	Text string

	// Language is the detected or confirmed language, when the backend
	// reports one.
	Language string
}

// Provider is the abstraction over any batch transcription backend.
type Provider interface {
	// Transcribe converts one audio blob to text. Implementations must
	// respect ctx cancellation; the orchestrator bounds each call with a
	// deadline.
	Transcribe(ctx context.Context, req Request) (*Result, error)
}
