// Package omtts provides a TTS provider for the OM TTS inference server, a
// locally running VITS model host. It implements the tts.Provider interface.
//
// The provider is designed to be constructed once and shared: it keeps a
// pooled keep-alive HTTP transport to the server. It holds no voice state:
// the server answers 404 for an unknown speaker.
//
// Endpoints:
//
//   - GET  /voices      JSON array of {name, locale, gender, display_name}
//   - POST /tts         JSON request, complete audio response
//   - POST /tts/stream  JSON request, chunked audio response
package omtts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/oddmeta/oddtts/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

// Token is the canonical backend token of this provider.
const Token = "omtts"

const (
	defaultTimeout   = 60 * time.Second
	voicesEndpoint   = "/voices"
	ttsEndpoint      = "/tts"
	streamEndpoint   = "/tts/stream"
	maxErrorBodySize = 1024
	maxIdleConns     = 16
)

// ---- options ----

// Option is a functional option for configuring an OM TTS Provider.
type Option func(*Provider)

// WithTimeout sets the timeout for voice listing and whole-utterance
// synthesis. Streams are bounded by their context only. Defaults to 60 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.timeout = d
	}
}

// WithOutputDir sets the directory SynthesizeToFile writes into.
func WithOutputDir(dir string) Option {
	return func(p *Provider) {
		p.outputDir = dir
	}
}

// WithChunkSize sets the read size used when forwarding the stream body.
func WithChunkSize(n int) Option {
	return func(p *Provider) {
		p.chunkSize = n
	}
}

// WithFormat sets the audio format requested from the server. Defaults to "mp3".
func WithFormat(format string) Option {
	return func(p *Provider) {
		p.format = format
	}
}

// ---- Provider ----

// Provider implements tts.Provider backed by an OM TTS server.
// It is safe for concurrent use.
type Provider struct {
	serverURL string
	timeout   time.Duration
	outputDir string
	chunkSize int
	format    string

	transport *http.Transport
	client    *http.Client // bounded by timeout
	stream    *http.Client // bounded by the request context only
}

// New creates a Provider for the server at serverURL (e.g.,
// "http://127.0.0.1:9880"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("omtts: serverURL must not be empty")
	}
	p := &Provider{
		serverURL: strings.TrimRight(serverURL, "/"),
		timeout:   defaultTimeout,
		chunkSize: tts.DefaultChunkSize,
		format:    "mp3",
	}
	for _, o := range opts {
		o(p)
	}
	base, _ := http.DefaultTransport.(*http.Transport)
	if base != nil {
		p.transport = base.Clone()
	} else {
		p.transport = &http.Transport{}
	}
	p.transport.MaxIdleConns = maxIdleConns
	p.transport.MaxIdleConnsPerHost = maxIdleConns
	p.client = &http.Client{Transport: p.transport, Timeout: p.timeout}
	p.stream = &http.Client{Transport: p.transport}
	return p, nil
}

// Name returns "omtts".
func (p *Provider) Name() string { return Token }

// Close releases idle keep-alive connections.
func (p *Provider) Close() error {
	p.transport.CloseIdleConnections()
	return nil
}

// ---- wire types ----

type voiceEntry struct {
	Name        string `json:"name"`
	Locale      string `json:"locale"`
	Gender      string `json:"gender"`
	DisplayName string `json:"display_name"`
}

type ttsRequest struct {
	Text     string  `json:"text"`
	Speaker  string  `json:"speaker"`
	Noise    float64 `json:"noise"`
	NoiseW   float64 `json:"noisew"`
	SDPRatio float64 `json:"sdp_ratio"`
	Length   float64 `json:"length"`
	Volume   int     `json:"volume,omitempty"`
	Pitch    int     `json:"pitch,omitempty"`
	Format   string  `json:"format"`
}

// ---- ListVoices ----

// ListVoices fetches the server's voices.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.Voice, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+voicesEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("omtts: create list-voices request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, tts.TransportError(Token, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return nil, tts.StatusError(Token, "GET "+voicesEndpoint, resp.StatusCode, body)
	}

	var entries []voiceEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, tts.Failed(Token, "decode voices", err)
	}

	voices := make([]tts.Voice, 0, len(entries))
	for _, e := range entries {
		if e.Name == "" {
			continue
		}
		voices = append(voices, tts.Voice{
			Name:        e.Name,
			Locale:      e.Locale,
			Gender:      e.Gender,
			DisplayName: e.DisplayName,
			Backend:     Token,
		})
	}
	return voices, nil
}

// ---- synthesis ----

// SynthesizeToFile renders req and stores it in the output directory.
func (p *Provider) SynthesizeToFile(ctx context.Context, req tts.Request) (string, error) {
	audio, err := p.SynthesizeToBytes(ctx, req)
	if err != nil {
		return "", err
	}
	return tts.WriteFile(p.outputDir, audio, p.format)
}

// SynthesizeToBytes renders req with a single POST /tts call.
func (p *Provider) SynthesizeToBytes(ctx context.Context, req tts.Request) ([]byte, error) {
	resp, err := p.post(ctx, p.client, ttsEndpoint, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, tts.TransportError(Token, ctx.Err())
		}
		return nil, tts.Failed(Token, "read audio response", err)
	}
	if len(audio) == 0 {
		return nil, tts.Failed(Token, "empty audio response", nil)
	}
	return audio, nil
}

// SynthesizeToStream forwards the chunked body of POST /tts/stream as it arrives.
func (p *Provider) SynthesizeToStream(ctx context.Context, req tts.Request) (<-chan tts.Chunk, error) {
	resp, err := p.post(ctx, p.stream, streamEndpoint, req)
	if err != nil {
		return nil, err
	}
	return tts.StreamBody(ctx, resp.Body, p.chunkSize, func(err error) error {
		return tts.Failed(Token, "stream interrupted", err)
	}), nil
}

// post validates req, sends it to endpoint and returns the successful response.
func (p *Provider) post(ctx context.Context, client *http.Client, endpoint string, req tts.Request) (*http.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	opts, err := tts.VITSFrom(req.Options)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Voice) == "" {
		return nil, tts.InvalidVoice(Token, req.Voice)
	}

	length := opts.Length
	if req.Rate != 0 {
		length /= 1 + float64(req.Rate)/100
	}
	data, err := json.Marshal(ttsRequest{
		Text:     req.Text,
		Speaker:  req.Voice,
		Noise:    opts.Noise,
		NoiseW:   opts.NoiseWeight,
		SDPRatio: opts.SDPRatio,
		Length:   length,
		Volume:   req.Volume,
		Pitch:    req.Pitch,
		Format:   p.format,
	})
	if err != nil {
		return nil, fmt.Errorf("omtts: marshal tts request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("omtts: create tts request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/*")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, tts.TransportError(Token, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		if resp.StatusCode == http.StatusNotFound {
			return nil, tts.InvalidVoice(Token, req.Voice)
		}
		return nil, tts.StatusError(Token, "POST "+endpoint, resp.StatusCode, body)
	}
	return resp, nil
}
