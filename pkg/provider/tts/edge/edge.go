// Package edge provides a TTS provider backed by the Microsoft Edge read-aloud
// neural voice service. It implements the tts.Provider interface.
//
// Synthesis opens one WebSocket connection per request, sends a speech.config
// message and an SSML document, and forwards every binary "Path:audio" frame
// as it arrives until the service sends "Path:turn.end". Streaming is therefore
// native: concatenating the chunks of SynthesizeToStream yields exactly the
// bytes returned by SynthesizeToBytes.
//
// Typical usage:
//
//	p := edge.New(edge.WithOutputDir("/var/lib/oddtts/audio"))
//	audio, err := p.SynthesizeToBytes(ctx, tts.Request{Text: "hello", Voice: "en-US-AriaNeural"})
package edge

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/oddmeta/oddtts/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

// Token is the canonical backend token of this provider.
const Token = "edge"

const (
	defaultWSURL       = "wss://speech.platform.bing.com/consumer/speech/synthesize/readaloud/edge/v1"
	defaultVoicesURL   = "https://speech.platform.bing.com/consumer/speech/synthesize/readaloud/voices/list"
	trustedClientToken = "6A5AA1D4EAFF4E9FB37E23D68491D6F4"
	secMSGECVersion    = "1-130.0.2849.68"
	outputFormat       = "audio-24khz-48kbitrate-mono-mp3"
	extensionOrigin    = "chrome-extension://jdiccldimpdaibmpdkjnbmckianbfold"
	userAgent          = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36 Edg/130.0.0.0"

	// windowsEpoch is the offset in seconds between 1601-01-01 and the Unix epoch.
	windowsEpoch = 11644473600

	defaultTimeout = 30 * time.Second

	// readLimit bounds a single WebSocket frame.
	readLimit = 1 << 20
)

// ---- options ----

// Option is a functional option for configuring an Edge Provider.
type Option func(*Provider)

// WithOutputDir sets the directory SynthesizeToFile writes into. Defaults to
// os.TempDir().
func WithOutputDir(dir string) Option {
	return func(p *Provider) {
		p.outputDir = dir
	}
}

// WithTimeout sets the HTTP timeout for voice list requests and the
// WebSocket handshake. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// WithEndpoints overrides the synthesis WebSocket URL and the voice list URL.
// Intended for tests and self-hosted proxies.
func WithEndpoints(wsURL, voicesURL string) Option {
	return func(p *Provider) {
		if wsURL != "" {
			p.wsURL = wsURL
		}
		if voicesURL != "" {
			p.voicesURL = voicesURL
		}
	}
}

// ---- Provider ----

// Provider implements tts.Provider backed by the Edge read-aloud service.
// It holds no per-request state and is safe for concurrent use.
type Provider struct {
	wsURL      string
	voicesURL  string
	outputDir  string
	httpClient *http.Client
	now        func() time.Time
}

// New creates an Edge Provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		wsURL:      defaultWSURL,
		voicesURL:  defaultVoicesURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
		now:        time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name returns "edge".
func (p *Provider) Name() string { return Token }

// ---- ListVoices ----

// edgeVoice is one entry of the voices/list response.
type edgeVoice struct {
	Name         string `json:"Name"`
	ShortName    string `json:"ShortName"`
	Gender       string `json:"Gender"`
	Locale       string `json:"Locale"`
	FriendlyName string `json:"FriendlyName"`
	Status       string `json:"Status"`
}

// ListVoices fetches the voice list from the service, keeping its order.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.Voice, error) {
	q := url.Values{}
	q.Set("trustedclienttoken", trustedClientToken)
	q.Set("Sec-MS-GEC", secMSGEC(p.now()))
	q.Set("Sec-MS-GEC-Version", secMSGECVersion)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.voicesURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("edge: create list-voices request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, tts.TransportError(Token, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, tts.StatusError(Token, "GET voices/list", resp.StatusCode, body)
	}

	var raw []edgeVoice
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, tts.Failed(Token, "decode voice list", err)
	}

	voices := make([]tts.Voice, 0, len(raw))
	for _, v := range raw {
		if v.ShortName == "" || v.Status == "Deprecated" {
			continue
		}
		voices = append(voices, tts.Voice{
			Name:        v.ShortName,
			Locale:      v.Locale,
			Gender:      v.Gender,
			DisplayName: v.FriendlyName,
			Backend:     Token,
		})
	}
	return voices, nil
}

// ---- synthesis ----

// SynthesizeToFile renders req and writes the MP3 into the output directory.
func (p *Provider) SynthesizeToFile(ctx context.Context, req tts.Request) (string, error) {
	audio, err := p.SynthesizeToBytes(ctx, req)
	if err != nil {
		return "", err
	}
	return tts.WriteFile(p.outputDir, audio, "mp3")
}

// SynthesizeToBytes renders req into memory by draining the native stream.
func (p *Provider) SynthesizeToBytes(ctx context.Context, req tts.Request) ([]byte, error) {
	ch, err := p.SynthesizeToStream(ctx, req)
	if err != nil {
		return nil, err
	}
	return tts.Collect(ctx, ch)
}

// SynthesizeToStream opens a WebSocket session, submits req as SSML and
// forwards audio frames as they arrive.
func (p *Provider) SynthesizeToStream(ctx context.Context, req tts.Request) (<-chan tts.Chunk, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.Options != nil {
		return nil, tts.Invalid("edge does not accept backend options")
	}
	if strings.TrimSpace(req.Voice) == "" {
		return nil, tts.InvalidVoice(Token, req.Voice)
	}

	conn, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}

	now := p.now()
	if err := conn.Write(ctx, websocket.MessageText, configMessage(now)); err != nil {
		conn.CloseNow()
		return nil, tts.TransportError(Token, err)
	}
	if err := conn.Write(ctx, websocket.MessageText, ssmlMessage(now, req)); err != nil {
		conn.CloseNow()
		return nil, tts.TransportError(Token, err)
	}

	ch := make(chan tts.Chunk)
	go p.receive(ctx, conn, ch)
	return ch, nil
}

// dial opens the synthesis WebSocket with a fresh connection id and token.
func (p *Provider) dial(ctx context.Context) (*websocket.Conn, error) {
	q := url.Values{}
	q.Set("TrustedClientToken", trustedClientToken)
	q.Set("ConnectionId", connectionID())
	q.Set("Sec-MS-GEC", secMSGEC(p.now()))
	q.Set("Sec-MS-GEC-Version", secMSGECVersion)

	hdr := http.Header{}
	hdr.Set("Origin", extensionOrigin)
	hdr.Set("User-Agent", userAgent)
	hdr.Set("Pragma", "no-cache")
	hdr.Set("Cache-Control", "no-cache")

	dialCtx, cancel := ctx, context.CancelFunc(func() {})
	if p.httpClient.Timeout > 0 {
		dialCtx, cancel = context.WithTimeout(ctx, p.httpClient.Timeout)
	}
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, p.wsURL+"?"+q.Encode(), &websocket.DialOptions{
		HTTPHeader: hdr,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, tts.TransportError(Token, ctx.Err())
		}
		return nil, tts.Unavailable(Token, err)
	}
	conn.SetReadLimit(readLimit)
	return conn, nil
}

// receive pumps service frames into ch until turn.end, a failure, or ctx
// cancellation. It owns conn and always closes it.
func (p *Provider) receive(ctx context.Context, conn *websocket.Conn, ch chan<- tts.Chunk) {
	defer close(ch)
	defer conn.CloseNow()

	send := func(c tts.Chunk) bool {
		select {
		case ch <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	gotAudio := false
	for {
		typ, msg, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			send(tts.Chunk{Err: tts.Failed(Token, "connection closed before turn.end", err)})
			return
		}

		switch typ {
		case websocket.MessageText:
			headers, _ := splitTextMessage(msg)
			if headers["Path"] != "turn.end" {
				continue
			}
			if !gotAudio {
				send(tts.Chunk{Err: tts.Failed(Token, "no audio received; check the voice name", nil)})
				return
			}
			conn.Close(websocket.StatusNormalClosure, "done")
			return

		case websocket.MessageBinary:
			headers, data, err := splitBinaryMessage(msg)
			if err != nil {
				send(tts.Chunk{Err: tts.Failed(Token, "malformed audio frame", err)})
				return
			}
			if headers["Path"] != "audio" || len(data) == 0 {
				continue
			}
			gotAudio = true
			if !send(tts.Chunk{Data: data}) {
				return
			}
		}
	}
}

// ---- protocol helpers ----

// secMSGEC derives the Sec-MS-GEC token: the upper-case SHA-256 of the
// Windows file time rounded down to five minutes, concatenated with the
// trusted client token.
func secMSGEC(now time.Time) string {
	ticks := now.Unix() + windowsEpoch
	ticks -= ticks % 300
	ticks *= 10_000_000
	sum := sha256.Sum256([]byte(strconv.FormatInt(ticks, 10) + trustedClientToken))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

func connectionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func timestamp(now time.Time) string {
	return now.UTC().Format("Mon Jan 02 2006 15:04:05 GMT+0000 (Coordinated Universal Time)")
}

func configMessage(now time.Time) []byte {
	return []byte("X-Timestamp:" + timestamp(now) + "\r\n" +
		"Content-Type:application/json; charset=utf-8\r\n" +
		"Path:speech.config\r\n\r\n" +
		`{"context":{"synthesis":{"audio":{"metadataoptions":{"sentenceBoundaryEnabled":"false","wordBoundaryEnabled":"false"},"outputFormat":"` + outputFormat + `"}}}}` +
		"\r\n")
}

func ssmlMessage(now time.Time, req tts.Request) []byte {
	return []byte("X-RequestId:" + connectionID() + "\r\n" +
		"Content-Type:application/ssml+xml\r\n" +
		"X-Timestamp:" + timestamp(now) + "Z\r\n" +
		"Path:ssml\r\n\r\n" +
		buildSSML(req))
}

// buildSSML renders req as the SSML document the service expects.
func buildSSML(req tts.Request) string {
	var text bytes.Buffer
	// EscapeText only fails on writer errors, which bytes.Buffer never returns.
	_ = xml.EscapeText(&text, []byte(cleanText(req.Text)))

	var voice bytes.Buffer
	_ = xml.EscapeText(&voice, []byte(req.Voice))

	return "<speak version='1.0' xmlns='http://www.w3.org/2001/10/synthesis' xml:lang='en-US'>" +
		"<voice name='" + voice.String() + "'>" +
		"<prosody pitch='" + FormatPitch(req.Pitch) + "' rate='" + FormatPercent(req.Rate) + "' volume='" + FormatPercent(req.Volume) + "'>" +
		text.String() +
		"</prosody></voice></speak>"
}

// FormatPercent renders an offset as the service's signed percentage, e.g. "+10%".
func FormatPercent(v int) string { return fmt.Sprintf("%+d%%", v) }

// FormatPitch renders a pitch offset in hertz, e.g. "-5Hz".
func FormatPitch(v int) string { return fmt.Sprintf("%+dHz", v) }

// cleanText replaces control characters the service rejects with spaces.
func cleanText(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return ' '
		}
		return r
	}, s)
}

// splitTextMessage splits a text frame into its headers and body.
func splitTextMessage(msg []byte) (map[string]string, []byte) {
	head, body, _ := bytes.Cut(msg, []byte("\r\n\r\n"))
	return parseHeaders(head), body
}

// splitBinaryMessage splits a binary frame: a big-endian uint16 header
// length, the headers, then the payload.
func splitBinaryMessage(msg []byte) (map[string]string, []byte, error) {
	if len(msg) < 2 {
		return nil, nil, errors.New("frame shorter than header length prefix")
	}
	n := int(binary.BigEndian.Uint16(msg[:2]))
	if 2+n > len(msg) {
		return nil, nil, fmt.Errorf("header length %d exceeds frame size %d", n, len(msg))
	}
	return parseHeaders(msg[2 : 2+n]), msg[2+n:], nil
}

func parseHeaders(head []byte) map[string]string {
	headers := make(map[string]string)
	for _, line := range strings.Split(string(head), "\r\n") {
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		headers[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return headers
}
