package tts

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		wantErr bool
	}{
		{"minimal", Request{Text: "hello"}, false},
		{"explicit zero offsets", Request{Text: "hello", Rate: 0, Volume: 0, Pitch: 0}, false},
		{"bounds inclusive", Request{Text: "hi", Rate: -50, Volume: 50, Pitch: 50}, false},
		{"empty text", Request{Text: ""}, true},
		{"whitespace text", Request{Text: "  \n\t"}, true},
		{"rate too high", Request{Text: "hi", Rate: 51}, true},
		{"volume too low", Request{Text: "hi", Volume: -51}, true},
		{"pitch too high", Request{Text: "hi", Pitch: 100}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrValidation) {
				t.Errorf("Validate() error %v does not match ErrValidation", err)
			}
		})
	}
}

func TestRequestValidate_ReportsAllProblems(t *testing.T) {
	err := Request{Rate: 99, Pitch: -99}.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"text", "rate", "pitch"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestErrorKinds(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	tests := []struct {
		name     string
		err      error
		kind     error
		kindName string
	}{
		{"invalid", Invalid("bad"), ErrValidation, "validation"},
		{"voice", InvalidVoice("edge", "nope"), ErrInvalidVoice, "invalid_voice"},
		{"unavailable", Unavailable("omtts", cause), ErrEngineUnavailable, "engine_unavailable"},
		{"failed", Failed("chattts", "boom", nil), ErrSynthesisFailed, "synthesis_failed"},
		{"status 503", StatusError("omtts", "POST /tts", 503, nil), ErrEngineUnavailable, "engine_unavailable"},
		{"status 400", StatusError("omtts", "POST /tts", 400, []byte("bad speaker")), ErrSynthesisFailed, "synthesis_failed"},
		{"transport", TransportError("edge", cause), ErrEngineUnavailable, "engine_unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.kind) {
				t.Errorf("errors.Is(%v, %v) = false", tt.err, tt.kind)
			}
			if got := KindOf(tt.err); got != tt.kindName {
				t.Errorf("KindOf = %q, want %q", got, tt.kindName)
			}
		})
	}

	t.Run("unwrap keeps cause", func(t *testing.T) {
		if !errors.Is(Unavailable("edge", cause), cause) {
			t.Error("cause not reachable through Unwrap")
		}
	})

	t.Run("transport passes cancellation through", func(t *testing.T) {
		err := TransportError("edge", context.Canceled)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
		if errors.Is(err, ErrEngineUnavailable) {
			t.Error("cancellation must not be reported as engine unavailable")
		}
	})
}

func TestDecodeVITSOptions(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		got, err := DecodeVITSOptions(nil)
		if err != nil {
			t.Fatal(err)
		}
		o := got.(VITSOptions)
		if o.Noise != 0.5 || o.NoiseWeight != 0.9 || o.SDPRatio != 0.2 {
			t.Errorf("defaults = %+v", o)
		}
	})

	t.Run("numeric strings", func(t *testing.T) {
		got, err := DecodeVITSOptions(map[string]any{"noise": "0.6", "noisew": 0.8, "sdp_ratio": "0.3", "language": "en"})
		if err != nil {
			t.Fatal(err)
		}
		o := got.(VITSOptions)
		if o.Noise != 0.6 || o.NoiseWeight != 0.8 || o.SDPRatio != 0.3 || o.Language != "EN" {
			t.Errorf("decoded = %+v", o)
		}
	})

	for name, raw := range map[string]map[string]any{
		"unknown key":    {"speed": 1.2},
		"not a number":   {"noise": "loud"},
		"wrong type":     {"noise": true},
		"ratio too high": {"sdp_ratio": 1.5},
		"zero length":    {"length": 0},
		"NaN string":     {"noise": "NaN"},
		"Inf string":     {"length": "+Inf"},
		"NaN value":      {"sdp_ratio": math.NaN()},
		"Inf value":      {"noisew": math.Inf(1)},
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := DecodeVITSOptions(raw); !errors.Is(err, ErrValidation) {
				t.Errorf("err = %v, want ErrValidation", err)
			}
		})
	}
}

func TestDecodeChatOptions(t *testing.T) {
	got, err := DecodeChatOptions(map[string]any{"top_k": float64(10)})
	if err != nil {
		t.Fatal(err)
	}
	o := got.(ChatOptions)
	if o.TopK != 10 || o.Temperature != 0.3 || o.TopP != 0.7 {
		t.Errorf("decoded = %+v", o)
	}

	if _, err := DecodeChatOptions(map[string]any{"top_k": 2.5}); !errors.Is(err, ErrValidation) {
		t.Errorf("fractional top_k: err = %v, want ErrValidation", err)
	}
	if _, err := DecodeChatOptions(map[string]any{"noise": 0.5}); !errors.Is(err, ErrValidation) {
		t.Errorf("foreign key: err = %v, want ErrValidation", err)
	}
	for _, raw := range []map[string]any{{"temperature": "NaN"}, {"top_p": "-Inf"}, {"top_k": "Inf"}} {
		if _, err := DecodeChatOptions(raw); !errors.Is(err, ErrValidation) {
			t.Errorf("%v: err = %v, want ErrValidation", raw, err)
		}
	}
}

func TestDecodeOptions_NullKeepsDefault(t *testing.T) {
	got, err := DecodeChatOptions(map[string]any{"temperature": nil, "top_p": nil, "top_k": nil})
	if err != nil {
		t.Fatalf("DecodeChatOptions: %v", err)
	}
	if got.(ChatOptions) != DefaultChatOptions() {
		t.Errorf("decoded = %+v, want defaults", got)
	}

	got, err = DecodeVITSOptions(map[string]any{"noise": nil, "length": nil})
	if err != nil {
		t.Fatalf("DecodeVITSOptions: %v", err)
	}
	if got.(VITSOptions) != DefaultVITSOptions() {
		t.Errorf("decoded = %+v, want defaults", got)
	}
}

func TestDecodeNoOptions(t *testing.T) {
	if o, err := DecodeNoOptions(map[string]any{}); err != nil || o != nil {
		t.Errorf("empty: got (%v, %v), want (nil, nil)", o, err)
	}
	if _, err := DecodeNoOptions(map[string]any{"noise": 1}); !errors.Is(err, ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}

func TestOptionsFrom(t *testing.T) {
	if o, err := VITSFrom(nil); err != nil || o != DefaultVITSOptions() {
		t.Errorf("VITSFrom(nil) = %+v, %v", o, err)
	}
	if _, err := VITSFrom(ChatOptions{}); !errors.Is(err, ErrValidation) {
		t.Errorf("VITSFrom(chat) err = %v, want ErrValidation", err)
	}
	if o, err := ChatFrom(&ChatOptions{TopK: 3}); err != nil || o.TopK != 3 {
		t.Errorf("ChatFrom(ptr) = %+v, %v", o, err)
	}
}

func TestWriteFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	path, err := WriteFile(dir, []byte("mp3data"), "mp3")
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Dir(path) != dir {
		t.Errorf("path %q not inside %q", path, dir)
	}
	if !strings.HasPrefix(filepath.Base(path), FilePrefix) || filepath.Ext(path) != ".mp3" {
		t.Errorf("unexpected file name %q", filepath.Base(path))
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "mp3data" {
		t.Errorf("content = %q", got)
	}

	other, err := WriteFile(dir, nil, "mp3")
	if err != nil {
		t.Fatal(err)
	}
	if other == path {
		t.Error("WriteFile reused a file name")
	}
}

func TestChunkBytes(t *testing.T) {
	audio := bytes.Repeat([]byte{0xAB}, 10)
	var sizes []int
	var got []byte
	for c := range ChunkBytes(context.Background(), audio, 4) {
		sizes = append(sizes, len(c.Data))
		got = append(got, c.Data...)
	}
	if !bytes.Equal(got, audio) {
		t.Errorf("concatenated chunks differ from input")
	}
	if len(sizes) != 3 || sizes[0] != 4 || sizes[2] != 2 {
		t.Errorf("chunk sizes = %v, want [4 4 2]", sizes)
	}
}

func TestChunkBytes_Cancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := ChunkBytes(ctx, make([]byte, 100), 1)
	<-ch
	cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel not closed after cancel")
		}
	}
}

type failingReader struct {
	data []byte
	err  error
}

func (r *failingReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, r.err
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

func (r *failingReader) Close() error { return nil }

func TestStreamBody(t *testing.T) {
	t.Run("eof", func(t *testing.T) {
		body := io.NopCloser(bytes.NewReader([]byte("hello world")))
		got, err := Collect(context.Background(), StreamBody(context.Background(), body, 3, nil))
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != "hello world" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("read failure", func(t *testing.T) {
		body := &failingReader{data: []byte("abc"), err: errors.New("connection reset")}
		ch := StreamBody(context.Background(), body, 8, func(err error) error { return Failed("omtts", "stream", err) })
		_, err := Collect(context.Background(), ch)
		if !errors.Is(err, ErrSynthesisFailed) {
			t.Errorf("err = %v, want ErrSynthesisFailed", err)
		}
	})
}

func TestCollect_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Collect(ctx, make(chan Chunk)); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		audio string
		want  string
		ctype string
	}{
		{"ID3\x04\x00", "mp3", "audio/mpeg"},
		{"\xff\xfb\x90\x00", "mp3", "audio/mpeg"},
		{"RIFF\x24\x00\x00\x00WAVE", "wav", "audio/wav"},
		{"OggS\x00\x02", "ogg", "audio/ogg"},
		{"fLaC\x00", "flac", "audio/flac"},
		{"", "mp3", "audio/mpeg"},
	}
	for _, tt := range tests {
		got := DetectFormat([]byte(tt.audio))
		if got != tt.want {
			t.Errorf("DetectFormat(%q) = %q, want %q", tt.audio, got, tt.want)
		}
		if ct := ContentType(got); ct != tt.ctype {
			t.Errorf("ContentType(%q) = %q, want %q", got, ct, tt.ctype)
		}
	}
}
