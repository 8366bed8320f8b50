package tts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// DefaultChunkSize is the size of chunks emitted when a fully rendered buffer
// or an HTTP body is re-chunked for streaming.
const DefaultChunkSize = 4096

// FilePrefix is the name prefix of every audio file written by WriteFile.
const FilePrefix = "oddtts-"

// WriteFile stores audio in a new uniquely named file inside dir and returns
// its path. ext is the file extension without the dot (e.g., "mp3").
func WriteFile(dir string, audio []byte, ext string) (string, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("tts: create output dir: %w", err)
	}
	path := filepath.Join(dir, FilePrefix+uuid.NewString()+"."+ext)
	if err := os.WriteFile(path, audio, 0o644); err != nil {
		return "", fmt.Errorf("tts: write audio file: %w", err)
	}
	return path, nil
}

// DetectFormat names the container of audio from its leading bytes: "wav",
// "ogg", "flac" or "mp3". Unrecognised data is reported as "mp3", the format
// every backend is asked for.
func DetectFormat(audio []byte) string {
	switch {
	case bytes.HasPrefix(audio, []byte("RIFF")):
		return "wav"
	case bytes.HasPrefix(audio, []byte("OggS")):
		return "ogg"
	case bytes.HasPrefix(audio, []byte("fLaC")):
		return "flac"
	default:
		return "mp3"
	}
}

// ContentType returns the MIME type of a format name from DetectFormat.
func ContentType(format string) string {
	switch format {
	case "wav":
		return "audio/wav"
	case "ogg":
		return "audio/ogg"
	case "flac":
		return "audio/flac"
	default:
		return "audio/mpeg"
	}
}

// ChunkBytes emits audio as a sequence of chunks of at most size bytes and
// then closes the channel. It stops early when ctx is cancelled. This is how
// backends without native streaming implement SynthesizeToStream.
func ChunkBytes(ctx context.Context, audio []byte, size int) <-chan Chunk {
	if size <= 0 {
		size = DefaultChunkSize
	}
	ch := make(chan Chunk)
	go func() {
		defer close(ch)
		for len(audio) > 0 {
			end := min(size, len(audio))
			select {
			case ch <- Chunk{Data: audio[:end]}:
			case <-ctx.Done():
				return
			}
			audio = audio[end:]
		}
	}()
	return ch
}

// StreamBody forwards body to a chunk channel as bytes arrive and closes body
// when done. A read failure other than cancellation is delivered as a final
// Chunk whose Err is classified by wrap.
func StreamBody(ctx context.Context, body io.ReadCloser, size int, wrap func(error) error) <-chan Chunk {
	if size <= 0 {
		size = DefaultChunkSize
	}
	ch := make(chan Chunk)
	go func() {
		defer close(ch)
		defer body.Close()

		// Unblock a pending Read when the caller goes away.
		stop := context.AfterFunc(ctx, func() { body.Close() })
		defer stop()

		for {
			buf := make([]byte, size)
			n, err := body.Read(buf)
			if n > 0 {
				select {
				case ch <- Chunk{Data: buf[:n]}:
				case <-ctx.Done():
					return
				}
			}
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				select {
				case ch <- Chunk{Err: wrap(err)}:
				case <-ctx.Done():
				}
				return
			}
		}
	}()
	return ch
}

// Collect drains ch and returns the concatenated audio. It returns the error
// of a failure chunk, or ctx.Err() if ctx is cancelled first.
func Collect(ctx context.Context, ch <-chan Chunk) ([]byte, error) {
	var buf bytes.Buffer
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return buf.Bytes(), nil
			}
			if c.Err != nil {
				return nil, c.Err
			}
			buf.Write(c.Data)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
