package server

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/renfield-ai/renfield/internal/fault"
	"github.com/renfield-ai/renfield/internal/intent"
	"github.com/renfield-ai/renfield/internal/mcp"
	"github.com/renfield-ai/renfield/internal/output"
	"github.com/renfield-ai/renfield/pkg/provider/stt"
	"github.com/renfield-ai/renfield/pkg/provider/tts"
)

// ttsCacheSize and ttsCacheTTL bound the synthesized-audio cache. Devices
// fetch the blob once right after synthesis; anything older than the TTL is
// stale playback nobody asked for.
const (
	ttsCacheSize = 256
	ttsCacheTTL  = 10 * time.Minute
)

// cachedAudio is one synthesized blob awaiting pickup.
type cachedAudio struct {
	data     []byte
	mimeType string
}

// SpeechCache synthesizes replies and serves the resulting blobs over
// /api/voice/tts-cache/:id, so devices receive a short URL instead of raw
// audio on the signalling socket.
type SpeechCache struct {
	provider tts.Provider
	baseURL  string
	blobs    *expirable.LRU[string, cachedAudio]
}

// NewSpeechCache creates the cache. baseURL is the externally reachable
// server origin the cache URLs are built on.
func NewSpeechCache(provider tts.Provider, baseURL string) *SpeechCache {
	return &SpeechCache{
		provider: provider,
		baseURL:  baseURL,
		blobs:    expirable.NewLRU[string, cachedAudio](ttsCacheSize, nil, ttsCacheTTL),
	}
}

// Synthesize renders text, caches the blob, and returns a playable cache
// URL.
func (c *SpeechCache) Synthesize(ctx context.Context, text string) (output.Playable, error) {
	audio, err := c.provider.Synthesize(ctx, tts.Request{Text: text})
	if err != nil {
		return output.Playable{}, fault.Wrap(fault.ToolFailed, err, "server: tts synthesis failed")
	}
	id := uuid.NewString()
	c.blobs.Add(id, cachedAudio{data: audio.Data, mimeType: audio.MIMEType})
	return output.Playable{URL: c.baseURL + "/api/voice/tts-cache/" + id}, nil
}

// Put stores an already-synthesized blob and returns its id. Used by the
// direct /api/voice/tts endpoint when the caller wants a cache URL.
func (c *SpeechCache) Put(data []byte, mimeType string) string {
	id := uuid.NewString()
	c.blobs.Add(id, cachedAudio{data: data, mimeType: mimeType})
	return id
}

// Get returns a cached blob.
func (c *SpeechCache) Get(id string) ([]byte, string, bool) {
	blob, ok := c.blobs.Get(id)
	if !ok {
		return nil, "", false
	}
	return blob.data, blob.mimeType, true
}

// Transcriber adapts an stt.Provider to the orchestrator's transcription
// surface.
type Transcriber struct {
	provider stt.Provider
}

// NewTranscriber wraps provider.
func NewTranscriber(provider stt.Provider) *Transcriber {
	return &Transcriber{provider: provider}
}

// Transcribe converts one utterance to text.
func (t *Transcriber) Transcribe(ctx context.Context, audio []byte) (string, error) {
	res, err := t.provider.Transcribe(ctx, stt.Request{Audio: audio})
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

// ToolCatalog adapts the tool registry to the intent classifier's catalog
// surface.
type ToolCatalog struct {
	list func(promptOnly bool) []mcp.ToolDescriptor
}

var _ intent.Catalog = (*ToolCatalog)(nil)

// NewToolCatalog builds the adapter from the registry's Catalog method.
func NewToolCatalog(list func(promptOnly bool) []mcp.ToolDescriptor) *ToolCatalog {
	return &ToolCatalog{list: list}
}

// Catalog implements intent.Catalog.
func (c *ToolCatalog) Catalog(promptOnly bool) []intent.ToolEntry {
	descriptors := c.list(promptOnly)
	entries := make([]intent.ToolEntry, 0, len(descriptors))
	for _, d := range descriptors {
		entries = append(entries, intent.ToolEntry{
			Name:        d.Name,
			Description: d.Description,
		})
	}
	return entries
}
