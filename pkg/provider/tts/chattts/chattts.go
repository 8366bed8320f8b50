// Package chattts provides a TTS provider for ChatTTS conversational voices
// served by the ChatTTS-ui HTTP API. It implements the tts.Provider interface.
//
// ChatTTS has no voice catalogue of its own: a voice is a numeric sampling
// seed. The provider therefore offers a configurable set of named seeds and
// also accepts any bare numeric seed. Synthesis posts a form to /tts, which
// renders a WAV file on the server and answers with its URL; the provider
// then downloads that file. Streaming is emulated by re-chunking.
package chattts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/oddmeta/oddtts/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

// Token is the canonical backend token of this provider.
const Token = "chattts"

const (
	defaultTimeout   = 120 * time.Second
	ttsEndpoint      = "/tts"
	maxErrorBodySize = 1024
)

// DefaultVoices are the well-known ChatTTS-ui seeds.
var DefaultVoices = []tts.Voice{
	{Name: "2222", Locale: "zh-CN", Gender: "Male", DisplayName: "Seed 2222"},
	{Name: "7869", Locale: "zh-CN", Gender: "Male", DisplayName: "Seed 7869"},
	{Name: "6653", Locale: "zh-CN", Gender: "Male", DisplayName: "Seed 6653"},
	{Name: "4099", Locale: "zh-CN", Gender: "Male", DisplayName: "Seed 4099"},
	{Name: "5099", Locale: "zh-CN", Gender: "Male", DisplayName: "Seed 5099"},
	{Name: "1111", Locale: "zh-CN", Gender: "Female", DisplayName: "Seed 1111"},
	{Name: "4751", Locale: "zh-CN", Gender: "Female", DisplayName: "Seed 4751"},
	{Name: "11", Locale: "zh-CN", Gender: "Female", DisplayName: "Seed 11"},
}

// ---- options ----

// Option is a functional option for configuring a ChatTTS Provider.
type Option func(*Provider)

// WithVoices replaces the offered seed set.
func WithVoices(voices []tts.Voice) Option {
	return func(p *Provider) {
		p.voices = voices
	}
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 120 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// WithOutputDir sets the directory SynthesizeToFile writes into.
func WithOutputDir(dir string) Option {
	return func(p *Provider) {
		p.outputDir = dir
	}
}

// WithChunkSize sets the chunk size used by SynthesizeToStream.
func WithChunkSize(n int) Option {
	return func(p *Provider) {
		p.chunkSize = n
	}
}

// ---- Provider ----

// Provider implements tts.Provider backed by a ChatTTS-ui server.
// It is safe for concurrent use.
type Provider struct {
	server     *url.URL
	voices     []tts.Voice
	outputDir  string
	chunkSize  int
	httpClient *http.Client
}

// New creates a Provider for the ChatTTS-ui server at serverURL (e.g.,
// "http://127.0.0.1:9966").
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("chattts: serverURL must not be empty")
	}
	u, err := url.Parse(strings.TrimRight(serverURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("chattts: parse serverURL: %w", err)
	}
	p := &Provider{
		server:     u,
		voices:     DefaultVoices,
		chunkSize:  tts.DefaultChunkSize,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name returns "chattts".
func (p *Provider) Name() string { return Token }

// ListVoices returns the configured seeds. It never contacts the server.
func (p *Provider) ListVoices(_ context.Context) ([]tts.Voice, error) {
	out := make([]tts.Voice, len(p.voices))
	for i, v := range p.voices {
		v.Backend = Token
		out[i] = v
	}
	return out, nil
}

// SynthesizeToFile renders req and stores the WAV in the output directory.
func (p *Provider) SynthesizeToFile(ctx context.Context, req tts.Request) (string, error) {
	audio, err := p.SynthesizeToBytes(ctx, req)
	if err != nil {
		return "", err
	}
	return tts.WriteFile(p.outputDir, audio, "wav")
}

// SynthesizeToBytes renders req on the server and downloads the result.
func (p *Provider) SynthesizeToBytes(ctx context.Context, req tts.Request) ([]byte, error) {
	fileURL, err := p.render(ctx, req)
	if err != nil {
		return nil, err
	}
	return p.download(ctx, fileURL)
}

// SynthesizeToStream renders req fully, then emits it in fixed-size chunks.
func (p *Provider) SynthesizeToStream(ctx context.Context, req tts.Request) (<-chan tts.Chunk, error) {
	audio, err := p.SynthesizeToBytes(ctx, req)
	if err != nil {
		return nil, err
	}
	return tts.ChunkBytes(ctx, audio, p.chunkSize), nil
}

// ttsResponse is the JSON body returned by POST /tts.
type ttsResponse struct {
	Code       int    `json:"code"`
	Msg        string `json:"msg"`
	AudioFiles []struct {
		Filename string `json:"filename"`
		URL      string `json:"url"`
	} `json:"audio_files"`
}

// render posts the synthesis form and returns the URL of the rendered file.
func (p *Provider) render(ctx context.Context, req tts.Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	opts, err := tts.ChatFrom(req.Options)
	if err != nil {
		return "", err
	}
	if !p.offers(req.Voice) {
		return "", tts.InvalidVoice(Token, req.Voice)
	}

	form := url.Values{}
	form.Set("text", req.Text)
	form.Set("voice", req.Voice)
	form.Set("temperature", strconv.FormatFloat(opts.Temperature, 'f', -1, 64))
	form.Set("top_p", strconv.FormatFloat(opts.TopP, 'f', -1, 64))
	form.Set("top_k", strconv.Itoa(opts.TopK))
	form.Set("skip_refine", "0")
	form.Set("custom_voice", "0")
	if req.Rate != 0 {
		form.Set("prompt", fmt.Sprintf("[speed_%d]", speedLevel(req.Rate)))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.server.String()+ttsEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("chattts: create tts request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return "", tts.TransportError(Token, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return "", tts.StatusError(Token, "POST "+ttsEndpoint, resp.StatusCode, body)
	}

	var out ttsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", tts.Failed(Token, "decode tts response", err)
	}
	if out.Code != 0 {
		return "", tts.Failed(Token, out.Msg, nil)
	}
	if len(out.AudioFiles) == 0 || out.AudioFiles[0].URL == "" {
		return "", tts.Failed(Token, "response carries no audio file", nil)
	}
	return out.AudioFiles[0].URL, nil
}

// download fetches a rendered file. Only the path of fileURL is used so
// that the server's self-reported host need not be reachable.
func (p *Provider) download(ctx context.Context, fileURL string) ([]byte, error) {
	ref, err := url.Parse(fileURL)
	if err != nil {
		return nil, tts.Failed(Token, "malformed audio file url", err)
	}
	target := *p.server
	target.Path = strings.TrimRight(p.server.Path, "/") + "/" + strings.TrimLeft(ref.Path, "/")
	target.RawQuery = ref.RawQuery

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("chattts: create download request: %w", err)
	}
	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, tts.TransportError(Token, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return nil, tts.StatusError(Token, "GET "+ref.Path, resp.StatusCode, body)
	}
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, tts.Failed(Token, "read audio file", err)
	}
	return audio, nil
}

// offers reports whether voice is a configured seed name or a bare seed number.
func (p *Provider) offers(voice string) bool {
	for _, v := range p.voices {
		if v.Name == voice {
			return true
		}
	}
	n, err := strconv.ParseUint(voice, 10, 32)
	return err == nil && n > 0
}

// speedLevel maps a -50..+50 rate offset onto ChatTTS speed levels 0..9,
// where 5 is normal speed.
func speedLevel(rate int) int {
	return max(0, min(9, 5+rate/10))
}
