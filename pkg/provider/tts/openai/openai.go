// Package openai provides a TTS provider backed by the OpenAI speech API.
// It implements the tts.Provider interface.
//
// The audio response body is forwarded as it arrives, so SynthesizeToStream
// streams natively.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/oddmeta/oddtts/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

// Token is the canonical backend token of this provider.
const Token = "openai"

// DefaultModel is the speech model used when none is configured.
const DefaultModel = "tts-1"

// Voices are the built-in OpenAI speech voices. They are multilingual; the
// catalog groups them under en-US.
var Voices = []string{"alloy", "ash", "ballad", "coral", "echo", "fable", "nova", "onyx", "sage", "shimmer", "verse"}

// config holds optional configuration for the provider.
type config struct {
	baseURL   string
	timeout   time.Duration
	outputDir string
	chunkSize int
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL, e.g. for a compatible
// self-hosted speech server.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout for whole-utterance calls.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithOutputDir sets the directory SynthesizeToFile writes into.
func WithOutputDir(dir string) Option {
	return func(c *config) {
		c.outputDir = dir
	}
}

// WithChunkSize sets the read size used when forwarding the response body.
func WithChunkSize(n int) Option {
	return func(c *config) {
		c.chunkSize = n
	}
}

// Provider implements tts.Provider using the OpenAI speech API.
type Provider struct {
	client    oai.Client
	model     string
	timeout   time.Duration
	outputDir string
	chunkSize int
	voices    map[string]bool
}

// New constructs a new OpenAI TTS Provider.
// If model is empty, DefaultModel is used.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai tts: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{chunkSize: tts.DefaultChunkSize}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
		option.WithHTTPClient(&http.Client{}),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}

	voices := make(map[string]bool, len(Voices))
	for _, v := range Voices {
		voices[v] = true
	}
	return &Provider{
		client:    oai.NewClient(reqOpts...),
		model:     model,
		timeout:   cfg.timeout,
		outputDir: cfg.outputDir,
		chunkSize: cfg.chunkSize,
		voices:    voices,
	}, nil
}

// Name returns "openai".
func (p *Provider) Name() string { return Token }

// ListVoices returns the built-in voices. It never contacts the API.
func (p *Provider) ListVoices(_ context.Context) ([]tts.Voice, error) {
	out := make([]tts.Voice, 0, len(Voices))
	for _, v := range Voices {
		out = append(out, tts.Voice{
			Name:        v,
			Locale:      "en-US",
			DisplayName: strings.ToUpper(v[:1]) + v[1:],
			Backend:     Token,
		})
	}
	return out, nil
}

// SynthesizeToFile renders req and stores the MP3 in the output directory.
func (p *Provider) SynthesizeToFile(ctx context.Context, req tts.Request) (string, error) {
	audio, err := p.SynthesizeToBytes(ctx, req)
	if err != nil {
		return "", err
	}
	return tts.WriteFile(p.outputDir, audio, "mp3")
}

// SynthesizeToBytes renders req into memory.
func (p *Provider) SynthesizeToBytes(ctx context.Context, req tts.Request) ([]byte, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	resp, err := p.speech(ctx, req)
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
	return audio, nil
}

// SynthesizeToStream forwards the speech response body as it arrives.
func (p *Provider) SynthesizeToStream(ctx context.Context, req tts.Request) (<-chan tts.Chunk, error) {
	resp, err := p.speech(ctx, req)
	if err != nil {
		return nil, err
	}
	return tts.StreamBody(ctx, resp.Body, p.chunkSize, func(err error) error {
		return tts.Failed(Token, "stream interrupted", err)
	}), nil
}

// speech issues the API call and classifies failures.
func (p *Provider) speech(ctx context.Context, req tts.Request) (*http.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	opts, err := tts.OpenAIFrom(req.Options)
	if err != nil {
		return nil, err
	}
	if !p.voices[req.Voice] {
		return nil, tts.InvalidVoice(Token, req.Voice)
	}

	model := p.model
	if opts.Model != "" {
		model = opts.Model
	}
	params := oai.AudioSpeechNewParams{
		Input:          req.Text,
		Model:          oai.SpeechModel(model),
		Voice:          oai.AudioSpeechNewParamsVoice(req.Voice),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatMP3,
	}
	if req.Rate != 0 {
		params.Speed = oai.Float(1 + float64(req.Rate)/100)
	}
	if opts.Instructions != "" {
		params.Instructions = oai.String(opts.Instructions)
	}

	resp, err := p.client.Audio.Speech.New(ctx, params)
	if err != nil {
		var apiErr *oai.Error
		if errors.As(err, &apiErr) {
			return nil, tts.StatusError(Token, "POST /audio/speech", apiErr.StatusCode, []byte(apiErr.Message))
		}
		return nil, tts.TransportError(Token, err)
	}
	return resp, nil
}
