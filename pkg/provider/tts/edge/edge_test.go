package edge

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/oddmeta/oddtts/pkg/provider/tts"
)

// ---- test helpers ----

// audioFrame builds a binary service frame carrying data under Path:audio.
func audioFrame(data []byte) []byte {
	head := []byte("X-RequestId:abc\r\nContent-Type:audio/mpeg\r\nPath:audio\r\n")
	frame := make([]byte, 2, 2+len(head)+len(data))
	binary.BigEndian.PutUint16(frame, uint16(len(head)))
	frame = append(frame, head...)
	return append(frame, data...)
}

// fakeService is a minimal read-aloud WebSocket endpoint. It records the SSML
// it receives and answers with the configured audio frames.
type fakeService struct {
	mu     sync.Mutex
	ssml   []string
	query  []string
	frames [][]byte
	// hold, if non-nil, keeps the connection open after the frames until closed.
	hold chan struct{}
	// skipTurnEnd drops the connection instead of sending turn.end.
	skipTurnEnd bool
}

func (f *fakeService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	defer conn.CloseNow()

	f.mu.Lock()
	f.query = append(f.query, r.URL.RawQuery)
	f.mu.Unlock()

	ctx := r.Context()
	for range 2 {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if bytes.Contains(msg, []byte("Path:ssml")) {
			f.mu.Lock()
			f.ssml = append(f.ssml, string(msg))
			f.mu.Unlock()
		}
	}

	_ = conn.Write(ctx, websocket.MessageText, []byte("X-RequestId:abc\r\nPath:turn.start\r\n\r\n{}"))
	for _, fr := range f.frames {
		if err := conn.Write(ctx, websocket.MessageBinary, audioFrame(fr)); err != nil {
			return
		}
	}
	if f.hold != nil {
		select {
		case <-f.hold:
		case <-ctx.Done():
		}
		return
	}
	if f.skipTurnEnd {
		return
	}
	_ = conn.Write(ctx, websocket.MessageText, []byte("X-RequestId:abc\r\nPath:turn.end\r\n\r\n{}"))
	// Wait for the client to close.
	_, _, _ = conn.Read(ctx)
}

func newTestProvider(t *testing.T, svc http.Handler, opts ...Option) *Provider {
	t.Helper()
	srv := httptest.NewServer(svc)
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return New(append([]Option{WithEndpoints(wsURL, srv.URL+"/voices/list")}, opts...)...)
}

// ---- tests ----

func TestSynthesizeToStream_ForwardsAudioFrames(t *testing.T) {
	svc := &fakeService{frames: [][]byte{[]byte("ID3aaa"), []byte("bbb"), []byte("ccc")}}
	p := newTestProvider(t, svc)

	ch, err := p.SynthesizeToStream(context.Background(), tts.Request{Text: "hello <world>", Voice: "en-US-AriaNeural", Rate: 10})
	if err != nil {
		t.Fatalf("SynthesizeToStream: %v", err)
	}
	var chunks []string
	for c := range ch {
		if c.Err != nil {
			t.Fatalf("unexpected chunk error: %v", c.Err)
		}
		chunks = append(chunks, string(c.Data))
	}
	if strings.Join(chunks, "|") != "ID3aaa|bbb|ccc" {
		t.Errorf("chunks = %v", chunks)
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if len(svc.ssml) != 1 {
		t.Fatalf("received %d ssml messages, want 1", len(svc.ssml))
	}
	ssml := svc.ssml[0]
	for _, want := range []string{"<voice name='en-US-AriaNeural'>", "rate='+10%'", "volume='+0%'", "pitch='+0Hz'", "hello &lt;world&gt;"} {
		if !strings.Contains(ssml, want) {
			t.Errorf("ssml missing %q:\n%s", want, ssml)
		}
	}
	if !strings.Contains(svc.query[0], "Sec-MS-GEC=") || !strings.Contains(svc.query[0], "ConnectionId=") {
		t.Errorf("query missing token parameters: %s", svc.query[0])
	}
}

func TestSynthesizeToBytes_EqualsStreamConcatenation(t *testing.T) {
	svc := &fakeService{frames: [][]byte{[]byte("one"), []byte("two")}}
	p := newTestProvider(t, svc)
	req := tts.Request{Text: "hi", Voice: "v"}

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
	if !bytes.Equal(audio, streamed) || string(audio) != "onetwo" {
		t.Errorf("bytes %q, stream %q", audio, streamed)
	}
}

func TestSynthesizeToFile(t *testing.T) {
	svc := &fakeService{frames: [][]byte{[]byte("mp3")}}
	dir := t.TempDir()
	p := newTestProvider(t, svc, WithOutputDir(dir))

	path, err := p.SynthesizeToFile(context.Background(), tts.Request{Text: "hi", Voice: "v"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(path, dir) {
		t.Errorf("path %q not in %q", path, dir)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "mp3" {
		t.Errorf("file content = %q", data)
	}
}

func TestSynthesize_NoAudioIsFailure(t *testing.T) {
	p := newTestProvider(t, &fakeService{})
	_, err := p.SynthesizeToBytes(context.Background(), tts.Request{Text: "hi", Voice: "bogus"})
	if !errors.Is(err, tts.ErrSynthesisFailed) {
		t.Errorf("err = %v, want ErrSynthesisFailed", err)
	}
}

func TestSynthesizeToStream_DroppedConnection(t *testing.T) {
	svc := &fakeService{frames: [][]byte{[]byte("partial")}, skipTurnEnd: true}
	p := newTestProvider(t, svc)

	ch, err := p.SynthesizeToStream(context.Background(), tts.Request{Text: "hi", Voice: "v"})
	if err != nil {
		t.Fatal(err)
	}
	var last tts.Chunk
	for c := range ch {
		last = c
	}
	if !errors.Is(last.Err, tts.ErrSynthesisFailed) {
		t.Errorf("last chunk err = %v, want ErrSynthesisFailed", last.Err)
	}
}

func TestSynthesize_ValidationBeforeDial(t *testing.T) {
	svc := &fakeService{}
	p := newTestProvider(t, svc)

	tests := []struct {
		name string
		req  tts.Request
		kind error
	}{
		{"empty text", tts.Request{Voice: "v"}, tts.ErrValidation},
		{"rate out of range", tts.Request{Text: "hi", Voice: "v", Rate: 80}, tts.ErrValidation},
		{"options", tts.Request{Text: "hi", Voice: "v", Options: tts.DefaultVITSOptions()}, tts.ErrValidation},
		{"empty voice", tts.Request{Text: "hi"}, tts.ErrInvalidVoice},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.SynthesizeToStream(context.Background(), tt.req)
			if !errors.Is(err, tt.kind) {
				t.Errorf("err = %v, want %v", err, tt.kind)
			}
		})
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if len(svc.query) != 0 {
		t.Errorf("service contacted %d times, want 0", len(svc.query))
	}
}

func TestSynthesize_Unreachable(t *testing.T) {
	p := New(WithEndpoints("ws://127.0.0.1:1", ""), WithTimeout(2*time.Second))
	_, err := p.SynthesizeToStream(context.Background(), tts.Request{Text: "hi", Voice: "v"})
	if !errors.Is(err, tts.ErrEngineUnavailable) {
		t.Errorf("err = %v, want ErrEngineUnavailable", err)
	}
}

func TestSynthesizeToStream_CancelClosesChannel(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)
	svc := &fakeService{frames: [][]byte{[]byte("first")}, hold: hold}
	p := newTestProvider(t, svc)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := p.SynthesizeToStream(ctx, tts.Request{Text: "hi", Voice: "v"})
	if err != nil {
		t.Fatal(err)
	}
	if c := <-ch; string(c.Data) != "first" {
		t.Fatalf("first chunk = %q", c.Data)
	}
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			// A buffered value may race with cancellation; the next read must close.
			if _, ok := <-ch; ok {
				t.Fatal("channel still open after cancel")
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestListVoices(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/voices/list", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("trustedclienttoken") == "" {
			http.Error(w, "missing token", http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"Name":"Microsoft Server Speech Text to Speech Voice (zh-CN, XiaoxiaoNeural)","ShortName":"zh-CN-XiaoxiaoNeural","Gender":"Female","Locale":"zh-CN","FriendlyName":"Xiaoxiao","Status":"GA"},
			{"ShortName":"en-US-AriaNeural","Gender":"Female","Locale":"en-US","FriendlyName":"Aria","Status":"GA"},
			{"ShortName":"en-US-OldNeural","Locale":"en-US","Status":"Deprecated"}
		]`))
	})
	p := newTestProvider(t, mux)

	voices, err := p.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 2 {
		t.Fatalf("got %d voices, want 2", len(voices))
	}
	if voices[0].Name != "zh-CN-XiaoxiaoNeural" || voices[0].Locale != "zh-CN" || voices[0].Backend != Token {
		t.Errorf("voices[0] = %+v", voices[0])
	}
	if voices[1].DisplayName != "Aria" {
		t.Errorf("voices[1].DisplayName = %q", voices[1].DisplayName)
	}
}

func TestListVoices_ServerError(t *testing.T) {
	p := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	if _, err := p.ListVoices(context.Background()); !errors.Is(err, tts.ErrEngineUnavailable) {
		t.Errorf("err = %v, want ErrEngineUnavailable", err)
	}
}

func TestSecMSGEC(t *testing.T) {
	a := secMSGEC(time.Unix(1_700_000_000, 0))
	b := secMSGEC(time.Unix(1_700_000_000+60, 0))
	c := secMSGEC(time.Unix(1_700_000_000+600, 0))
	if len(a) != 64 || strings.ToUpper(a) != a {
		t.Errorf("token %q is not upper-case hex sha256", a)
	}
	if a != b {
		t.Error("tokens within the same five minute window differ")
	}
	if a == c {
		t.Error("tokens ten minutes apart are equal")
	}
}

func TestFormatOffsets(t *testing.T) {
	tests := []struct {
		v             int
		percent, freq string
	}{
		{0, "+0%", "+0Hz"},
		{10, "+10%", "+10Hz"},
		{-25, "-25%", "-25Hz"},
	}
	for _, tt := range tests {
		if got := FormatPercent(tt.v); got != tt.percent {
			t.Errorf("FormatPercent(%d) = %q, want %q", tt.v, got, tt.percent)
		}
		if got := FormatPitch(tt.v); got != tt.freq {
			t.Errorf("FormatPitch(%d) = %q, want %q", tt.v, got, tt.freq)
		}
	}
}

func TestSplitBinaryMessage(t *testing.T) {
	headers, data, err := splitBinaryMessage(audioFrame([]byte("xyz")))
	if err != nil {
		t.Fatal(err)
	}
	if headers["Path"] != "audio" || string(data) != "xyz" {
		t.Errorf("headers %v data %q", headers, data)
	}
	if _, _, err := splitBinaryMessage([]byte{0xFF, 0xFF, 'a'}); err == nil {
		t.Error("expected error for oversized header length")
	}
}
