package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/oddmeta/oddtts/pkg/provider/tts"
)

// speechServer fakes POST /v1/audio/speech and records decoded bodies.
type speechServer struct {
	mu     sync.Mutex
	bodies []map[string]any
	status int
}

func (s *speechServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasSuffix(r.URL.Path, "/audio/speech") {
		http.NotFound(w, r)
		return
	}
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	s.mu.Lock()
	s.bodies = append(s.bodies, body)
	status := s.status
	s.mu.Unlock()
	if status != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":{"message":"nope","type":"invalid_request_error"}}`))
		return
	}
	w.Header().Set("Content-Type", "audio/mpeg")
	_, _ = w.Write(bytes.Repeat([]byte("mp3"), 50))
}

func newTestProvider(t *testing.T, s *speechServer, opts ...Option) *Provider {
	t.Helper()
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	p, err := New("sk-test", "", append([]Option{WithBaseURL(srv.URL + "/v1/")}, opts...)...)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestNew(t *testing.T) {
	if _, err := New("", ""); err == nil {
		t.Fatal("expected error for empty api key")
	}
	p, err := New("sk-test", "")
	if err != nil {
		t.Fatal(err)
	}
	if p.model != DefaultModel {
		t.Errorf("model = %q, want %q", p.model, DefaultModel)
	}
}

func TestListVoices(t *testing.T) {
	p, _ := New("sk-test", "")
	voices, err := p.ListVoices(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(voices) != len(Voices) {
		t.Fatalf("got %d voices", len(voices))
	}
	if voices[0].Name != "alloy" || voices[0].DisplayName != "Alloy" || voices[0].Backend != Token {
		t.Errorf("voices[0] = %+v", voices[0])
	}
}

func TestSynthesize_RequestShape(t *testing.T) {
	s := &speechServer{}
	p := newTestProvider(t, s)

	audio, err := p.SynthesizeToBytes(context.Background(), tts.Request{
		Text:    "hello",
		Voice:   "nova",
		Rate:    50,
		Options: tts.OpenAIOptions{Model: "gpt-4o-mini-tts", Instructions: "calm"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(audio) != 150 {
		t.Errorf("audio length = %d", len(audio))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bodies[0]
	if b["input"] != "hello" || b["voice"] != "nova" || b["model"] != "gpt-4o-mini-tts" || b["response_format"] != "mp3" {
		t.Errorf("body = %v", b)
	}
	if b["speed"] != 1.5 {
		t.Errorf("speed = %v, want 1.5", b["speed"])
	}
	if b["instructions"] != "calm" {
		t.Errorf("instructions = %v", b["instructions"])
	}
}

func TestStreamEqualsBytes(t *testing.T) {
	p := newTestProvider(t, &speechServer{}, WithChunkSize(16))
	req := tts.Request{Text: "hi", Voice: "alloy"}

	audio, err := p.SynthesizeToBytes(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	ch, err := p.SynthesizeToStream(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	streamed, err := tts.Collect(context.Background(), ch)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(audio, streamed) {
		t.Errorf("stream differs from bytes mode")
	}
}

func TestSynthesize_Errors(t *testing.T) {
	t.Run("unknown voice", func(t *testing.T) {
		s := &speechServer{}
		p := newTestProvider(t, s)
		_, err := p.SynthesizeToBytes(context.Background(), tts.Request{Text: "hi", Voice: "en-US-AriaNeural"})
		if !errors.Is(err, tts.ErrInvalidVoice) {
			t.Errorf("err = %v, want ErrInvalidVoice", err)
		}
		if len(s.bodies) != 0 {
			t.Error("API contacted for unknown voice")
		}
	})

	t.Run("server error", func(t *testing.T) {
		p := newTestProvider(t, &speechServer{status: http.StatusInternalServerError})
		_, err := p.SynthesizeToBytes(context.Background(), tts.Request{Text: "hi", Voice: "alloy"})
		if !errors.Is(err, tts.ErrEngineUnavailable) {
			t.Errorf("err = %v, want ErrEngineUnavailable", err)
		}
	})

	t.Run("bad request", func(t *testing.T) {
		p := newTestProvider(t, &speechServer{status: http.StatusBadRequest})
		_, err := p.SynthesizeToStream(context.Background(), tts.Request{Text: "hi", Voice: "alloy"})
		if !errors.Is(err, tts.ErrSynthesisFailed) {
			t.Errorf("err = %v, want ErrSynthesisFailed", err)
		}
	})
}
