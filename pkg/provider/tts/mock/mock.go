// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to return controlled audio and voices to consumers and to
// verify which requests reached the backend.
//
// Example:
//
//	p := &mock.Provider{
//	    Token:            "edge",
//	    Audio:            []byte("mp3"),
//	    ListVoicesResult: []tts.Voice{{Name: "v1", Locale: "en-US"}},
//	}
//	data, _ := p.SynthesizeToBytes(ctx, tts.Request{Text: "hi", Voice: "v1"})
package mock

import (
	"context"
	"sync"

	"github.com/oddmeta/oddtts/pkg/provider/tts"
)

// Call records a single synthesis invocation.
type Call struct {
	// Ctx is the context passed to the provider.
	Ctx context.Context
	// Mode is "file", "bytes" or "stream".
	Mode string
	// Request is the request passed to the provider.
	Request tts.Request
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Token is returned by Name. Defaults to "mock".
	Token string

	// Audio is returned by SynthesizeToBytes and split into chunks of
	// ChunkSize bytes by SynthesizeToStream.
	Audio []byte

	// ChunkSize controls stream chunking. Defaults to tts.DefaultChunkSize.
	ChunkSize int

	// FilePath is returned by SynthesizeToFile. When empty and Dir is set,
	// Audio is written to a real file inside Dir.
	FilePath string

	// Dir is the output directory used when FilePath is empty.
	Dir string

	// SynthesizeErr, if non-nil, is returned by every synthesis method.
	SynthesizeErr error

	// StreamErr, if non-nil, is delivered as a final chunk after Audio.
	StreamErr error

	// Block, if non-nil, makes SynthesizeToStream wait on it before emitting
	// each chunk, so tests can hold a stream open.
	Block <-chan struct{}

	// ListVoicesResult is returned by ListVoices.
	ListVoicesResult []tts.Voice

	// ListVoicesErr, if non-nil, is returned as the error from ListVoices.
	ListVoicesErr error

	// --- Call records ---

	// Calls records every synthesis call in order.
	Calls []Call

	// ListVoicesCalls counts calls to ListVoices.
	ListVoicesCalls int

	// StreamClosed is closed when the most recent stream's producer exits.
	StreamClosed chan struct{}
}

// Name returns Token, or "mock".
func (p *Provider) Name() string {
	if p.Token == "" {
		return "mock"
	}
	return p.Token
}

// ListVoices records the call and returns ListVoicesResult, ListVoicesErr.
func (p *Provider) ListVoices(_ context.Context) ([]tts.Voice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ListVoicesCalls++
	return p.ListVoicesResult, p.ListVoicesErr
}

// SynthesizeToFile records the call and returns FilePath or a file written to Dir.
func (p *Provider) SynthesizeToFile(ctx context.Context, req tts.Request) (string, error) {
	p.record(ctx, "file", req)
	p.mu.Lock()
	path, dir, audio, err := p.FilePath, p.Dir, p.Audio, p.SynthesizeErr
	p.mu.Unlock()
	if err != nil {
		return "", err
	}
	if path != "" || dir == "" {
		return path, nil
	}
	return tts.WriteFile(dir, audio, "mp3")
}

// SynthesizeToBytes records the call and returns a copy of Audio.
func (p *Provider) SynthesizeToBytes(ctx context.Context, req tts.Request) ([]byte, error) {
	p.record(ctx, "bytes", req)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.SynthesizeErr != nil {
		return nil, p.SynthesizeErr
	}
	out := make([]byte, len(p.Audio))
	copy(out, p.Audio)
	return out, nil
}

// SynthesizeToStream records the call and, if SynthesizeErr is nil, returns
// a channel that emits Audio in chunks, then StreamErr if set, then closes.
func (p *Provider) SynthesizeToStream(ctx context.Context, req tts.Request) (<-chan tts.Chunk, error) {
	p.record(ctx, "stream", req)
	p.mu.Lock()
	if p.SynthesizeErr != nil {
		err := p.SynthesizeErr
		p.mu.Unlock()
		return nil, err
	}
	audio := make([]byte, len(p.Audio))
	copy(audio, p.Audio)
	size := p.ChunkSize
	if size <= 0 {
		size = tts.DefaultChunkSize
	}
	streamErr, block := p.StreamErr, p.Block
	closed := make(chan struct{})
	p.StreamClosed = closed
	p.mu.Unlock()

	ch := make(chan tts.Chunk)
	go func() {
		defer close(closed)
		defer close(ch)
		for len(audio) > 0 {
			if block != nil {
				select {
				case <-block:
				case <-ctx.Done():
					return
				}
			}
			end := min(size, len(audio))
			select {
			case ch <- tts.Chunk{Data: audio[:end]}:
			case <-ctx.Done():
				return
			}
			audio = audio[end:]
		}
		if streamErr != nil {
			select {
			case ch <- tts.Chunk{Err: streamErr}:
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}

func (p *Provider) record(ctx context.Context, mode string, req tts.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, Call{Ctx: ctx, Mode: mode, Request: req})
}

// CallCount returns the number of synthesis calls recorded so far. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
	p.ListVoicesCalls = 0
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
