// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis engine (the Edge read-aloud service,
// a Bert-VITS2 model server, a local inference server, ChatTTS, or the OpenAI
// speech API) and presents a uniform interface with three delivery modes: a
// saved audio file, an in-memory byte buffer, and a live stream of audio chunks.
// Callers pick a mode without knowing which engine renders the text.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use. Multiple synthesis requests
// may run in parallel against the same provider.
type Provider interface {
	// Name returns the canonical backend token (e.g., "edge", "omtts").
	Name() string

	// ListVoices returns all voices currently offered by the backend. It may
	// query the network and never mutates shared state.
	ListVoices(ctx context.Context) ([]Voice, error)

	// SynthesizeToFile renders req to a newly created audio file inside the
	// provider's output directory and returns its path. The caller owns the
	// file and is responsible for removing it.
	SynthesizeToFile(ctx context.Context, req Request) (string, error)

	// SynthesizeToBytes renders req fully into memory.
	SynthesizeToBytes(ctx context.Context, req Request) ([]byte, error)

	// SynthesizeToStream returns a channel of audio chunks in the order the
	// engine produces them. The channel is closed when the engine signals end
	// of audio, when a mid-stream failure has been reported as a Chunk with a
	// non-nil Err, or when ctx is cancelled. The sequence is not restartable.
	//
	// Setup failures (unreachable engine, unknown voice) are returned as the
	// error result before any chunk is produced. Cancelling ctx releases the
	// engine connection held by the stream.
	SynthesizeToStream(ctx context.Context, req Request) (<-chan Chunk, error)
}
