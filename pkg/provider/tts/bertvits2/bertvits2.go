// Package bertvits2 provides a TTS provider for Bert-VITS2 voice-cloning
// models served by the hiyoriUI HTTP API. It implements the tts.Provider
// interface.
//
// Synthesis is performed via GET /voice with URL query parameters; the voice
// catalogue is the speaker table (spk2id) of the configured model as reported
// by GET /models/info. The server renders whole utterances, so streaming is
// emulated by re-chunking the complete response.
//
// Typical usage:
//
//	p, err := bertvits2.New("http://localhost:5000",
//	    bertvits2.WithModelID(0),
//	    bertvits2.WithTimeout(60*time.Second),
//	)
//	audio, err := p.SynthesizeToBytes(ctx, tts.Request{Text: "你好", Voice: "paimon"})
package bertvits2

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/oddmeta/oddtts/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

// Token is the canonical backend token of this provider.
const Token = "bert-vits2"

const (
	defaultTimeout   = 60 * time.Second
	voiceEndpoint    = "/voice"
	modelsEndpoint   = "/models/info"
	maxErrorBodySize = 1024
)

// languageLocales maps Bert-VITS2 language codes to catalog locales.
var languageLocales = map[string]string{
	"ZH":   "zh-CN",
	"JP":   "ja-JP",
	"EN":   "en-US",
	"MIX":  "zh-CN",
	"AUTO": "zh-CN",
}

// ---- options ----

// Option is a functional option for configuring a Bert-VITS2 Provider.
type Option func(*Provider)

// WithModelID selects the loaded model to synthesise with. Defaults to 0.
func WithModelID(id int) Option {
	return func(p *Provider) {
		p.modelID = id
	}
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 60 s.
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

// Provider implements tts.Provider backed by a hiyoriUI Bert-VITS2 server.
// It is safe for concurrent use.
type Provider struct {
	serverURL  string
	modelID    int
	outputDir  string
	chunkSize  int
	httpClient *http.Client
}

// New creates a Provider that targets the hiyoriUI server at serverURL
// (e.g., "http://localhost:5000"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("bertvits2: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		chunkSize:  tts.DefaultChunkSize,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name returns "bert-vits2".
func (p *Provider) Name() string { return Token }

// modelInfo is one entry of the GET /models/info response.
type modelInfo struct {
	ConfigPath string         `json:"config_path"`
	ModelPath  string         `json:"model_path"`
	Device     string         `json:"device"`
	Language   string         `json:"language"`
	Spk2ID     map[string]int `json:"spk2id"`
}

// ListVoices returns the speakers of the configured model ordered by speaker id.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.Voice, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+modelsEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("bertvits2: create list-voices request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, tts.TransportError(Token, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return nil, tts.StatusError(Token, "GET "+modelsEndpoint, resp.StatusCode, body)
	}

	var models map[string]modelInfo
	if err := json.NewDecoder(resp.Body).Decode(&models); err != nil {
		return nil, tts.Failed(Token, "decode models info", err)
	}
	model, ok := models[strconv.Itoa(p.modelID)]
	if !ok {
		return nil, tts.Failed(Token, fmt.Sprintf("model %d is not loaded", p.modelID), nil)
	}

	names := make([]string, 0, len(model.Spk2ID))
	for name := range model.Spk2ID {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := model.Spk2ID[names[i]], model.Spk2ID[names[j]]
		if a != b {
			return a < b
		}
		return names[i] < names[j]
	})

	locale := languageLocales[strings.ToUpper(model.Language)]
	if locale == "" {
		locale = "zh-CN"
	}
	voices := make([]tts.Voice, 0, len(names))
	for _, name := range names {
		voices = append(voices, tts.Voice{
			Name:        name,
			Locale:      locale,
			DisplayName: name,
			Backend:     Token,
		})
	}
	return voices, nil
}

// SynthesizeToFile renders req and stores it in the output directory.
func (p *Provider) SynthesizeToFile(ctx context.Context, req tts.Request) (string, error) {
	audio, ext, err := p.synthesize(ctx, req)
	if err != nil {
		return "", err
	}
	return tts.WriteFile(p.outputDir, audio, ext)
}

// SynthesizeToBytes renders req into memory.
func (p *Provider) SynthesizeToBytes(ctx context.Context, req tts.Request) ([]byte, error) {
	audio, _, err := p.synthesize(ctx, req)
	return audio, err
}

// SynthesizeToStream renders req fully, then emits it in fixed-size chunks.
func (p *Provider) SynthesizeToStream(ctx context.Context, req tts.Request) (<-chan tts.Chunk, error) {
	audio, _, err := p.synthesize(ctx, req)
	if err != nil {
		return nil, err
	}
	return tts.ChunkBytes(ctx, audio, p.chunkSize), nil
}

// synthesize performs a single GET /voice call and returns the audio and its
// file extension as derived from the response content type.
func (p *Provider) synthesize(ctx context.Context, req tts.Request) ([]byte, string, error) {
	if err := req.Validate(); err != nil {
		return nil, "", err
	}
	opts, err := tts.VITSFrom(req.Options)
	if err != nil {
		return nil, "", err
	}
	if strings.TrimSpace(req.Voice) == "" {
		return nil, "", tts.InvalidVoice(Token, req.Voice)
	}

	params := url.Values{}
	params.Set("text", req.Text)
	params.Set("model_id", strconv.Itoa(p.modelID))
	params.Set("speaker_name", req.Voice)
	params.Set("sdp_ratio", formatFloat(opts.SDPRatio))
	params.Set("noise", formatFloat(opts.Noise))
	params.Set("noisew", formatFloat(opts.NoiseWeight))
	params.Set("length", formatFloat(speechLength(opts.Length, req.Rate)))
	params.Set("language", opts.Language)
	params.Set("auto_split", "true")
	params.Set("format", "mp3")

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+voiceEndpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, "", fmt.Errorf("bertvits2: create voice request: %w", err)
	}
	httpReq.Header.Set("Accept", "audio/*")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, "", tts.TransportError(Token, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		if resp.StatusCode == http.StatusBadRequest && strings.Contains(string(body), "speaker") {
			return nil, "", tts.InvalidVoice(Token, req.Voice)
		}
		return nil, "", tts.StatusError(Token, "GET "+voiceEndpoint, resp.StatusCode, body)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", tts.Failed(Token, "read audio response", err)
	}
	if len(audio) == 0 {
		return nil, "", tts.Failed(Token, "empty audio response", nil)
	}
	return audio, extension(resp.Header.Get("Content-Type")), nil
}

// speechLength applies a rate offset to the model's length scale: +50%
// speaking rate shortens the utterance to two thirds.
func speechLength(length float64, rate int) float64 {
	if rate == 0 {
		return length
	}
	return length / (1 + float64(rate)/100)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// extension maps an audio content type to a file extension, defaulting to wav.
func extension(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "wav"
	}
	switch mt {
	case "audio/mpeg", "audio/mp3":
		return "mp3"
	case "audio/ogg":
		return "ogg"
	case "audio/flac":
		return "flac"
	default:
		return "wav"
	}
}
