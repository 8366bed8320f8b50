package tts

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Options is a backend-family tuning parameter set. The concrete variants are
// VITSOptions, ChatOptions and OpenAIOptions.
type Options interface {
	// Family names the backend family the options belong to.
	Family() string
}

// OptionsDecoder turns the raw options object of an API request into the
// variant a backend family accepts. Unknown keys and malformed values are
// reported as ErrValidation.
type OptionsDecoder func(raw map[string]any) (Options, error)

// VITSOptions tunes VITS-family engines (Bert-VITS2 and the OM TTS server).
type VITSOptions struct {
	Noise       float64
	NoiseWeight float64
	SDPRatio    float64
	// Length scales speech duration; 1.0 is the model default.
	Length float64
	// Language is the text language passed to Bert-VITS2 (e.g., "ZH", "EN").
	Language string
}

func (VITSOptions) Family() string { return "vits" }

// DefaultVITSOptions returns the engine defaults.
func DefaultVITSOptions() VITSOptions {
	return VITSOptions{Noise: 0.5, NoiseWeight: 0.9, SDPRatio: 0.2, Length: 1.0, Language: "ZH"}
}

// ChatOptions tunes the ChatTTS sampler.
type ChatOptions struct {
	Temperature float64
	TopP        float64
	TopK        int
}

func (ChatOptions) Family() string { return "chat" }

// DefaultChatOptions returns the ChatTTS defaults.
func DefaultChatOptions() ChatOptions {
	return ChatOptions{Temperature: 0.3, TopP: 0.7, TopK: 20}
}

// OpenAIOptions selects the OpenAI speech model and optional style instructions.
type OpenAIOptions struct {
	Model        string
	Instructions string
}

func (OpenAIOptions) Family() string { return "openai" }

// VITSFrom returns the VITS options carried by opts, or the defaults when opts is nil.
func VITSFrom(opts Options) (VITSOptions, error) {
	switch o := opts.(type) {
	case nil:
		return DefaultVITSOptions(), nil
	case VITSOptions:
		return o, nil
	case *VITSOptions:
		return *o, nil
	default:
		return VITSOptions{}, Invalid(fmt.Sprintf("options of family %q not accepted, want %q", opts.Family(), "vits"))
	}
}

// ChatFrom returns the chat options carried by opts, or the defaults when opts is nil.
func ChatFrom(opts Options) (ChatOptions, error) {
	switch o := opts.(type) {
	case nil:
		return DefaultChatOptions(), nil
	case ChatOptions:
		return o, nil
	case *ChatOptions:
		return *o, nil
	default:
		return ChatOptions{}, Invalid(fmt.Sprintf("options of family %q not accepted, want %q", opts.Family(), "chat"))
	}
}

// OpenAIFrom returns the OpenAI options carried by opts, or the zero value when opts is nil.
func OpenAIFrom(opts Options) (OpenAIOptions, error) {
	switch o := opts.(type) {
	case nil:
		return OpenAIOptions{}, nil
	case OpenAIOptions:
		return o, nil
	case *OpenAIOptions:
		return *o, nil
	default:
		return OpenAIOptions{}, Invalid(fmt.Sprintf("options of family %q not accepted, want %q", opts.Family(), "openai"))
	}
}

// DecodeVITSOptions decodes "noise", "noisew", "sdp_ratio", "length" and
// "language" on top of DefaultVITSOptions.
func DecodeVITSOptions(raw map[string]any) (Options, error) {
	o := DefaultVITSOptions()
	r := optionReader{raw: raw}
	r.float("noise", &o.Noise)
	r.float("noisew", &o.NoiseWeight)
	r.float("sdp_ratio", &o.SDPRatio)
	r.float("length", &o.Length)
	r.str("language", &o.Language)
	if err := r.finish(); err != nil {
		return nil, err
	}
	switch {
	case o.Noise < 0 || o.NoiseWeight < 0:
		return nil, Invalid("noise and noisew must not be negative")
	case o.SDPRatio < 0 || o.SDPRatio > 1:
		return nil, Invalid("sdp_ratio must be within [0, 1]")
	case o.Length <= 0:
		return nil, Invalid("length must be positive")
	}
	o.Language = strings.ToUpper(o.Language)
	return o, nil
}

// DecodeChatOptions decodes "temperature", "top_p" and "top_k" on top of
// DefaultChatOptions.
func DecodeChatOptions(raw map[string]any) (Options, error) {
	o := DefaultChatOptions()
	r := optionReader{raw: raw}
	r.float("temperature", &o.Temperature)
	r.float("top_p", &o.TopP)
	r.int("top_k", &o.TopK)
	if err := r.finish(); err != nil {
		return nil, err
	}
	switch {
	case o.Temperature <= 0 || o.Temperature > 1:
		return nil, Invalid("temperature must be within (0, 1]")
	case o.TopP <= 0 || o.TopP > 1:
		return nil, Invalid("top_p must be within (0, 1]")
	case o.TopK < 1:
		return nil, Invalid("top_k must be at least 1")
	}
	return o, nil
}

// DecodeOpenAIOptions decodes "model" and "instructions".
func DecodeOpenAIOptions(raw map[string]any) (Options, error) {
	var o OpenAIOptions
	r := optionReader{raw: raw}
	r.str("model", &o.Model)
	r.str("instructions", &o.Instructions)
	if err := r.finish(); err != nil {
		return nil, err
	}
	return o, nil
}

// DecodeNoOptions accepts only an empty options object.
func DecodeNoOptions(raw map[string]any) (Options, error) {
	r := optionReader{raw: raw}
	if err := r.finish(); err != nil {
		return nil, err
	}
	return nil, nil
}

// optionReader pulls typed values out of a raw options map, remembering the
// first type error and which keys were consumed.
type optionReader struct {
	raw  map[string]any
	seen map[string]bool
	err  error
}

func (r *optionReader) lookup(key string) (any, bool) {
	v, ok := r.raw[key]
	if !ok {
		return nil, false
	}
	if r.seen == nil {
		r.seen = make(map[string]bool)
	}
	r.seen[key] = true
	return v, v != nil
}

func (r *optionReader) fail(key string, v any, want string) {
	if r.err == nil {
		r.err = Invalid(fmt.Sprintf("option %q: cannot use %v (%T) as %s", key, v, v, want))
	}
}

func (r *optionReader) float(key string, dst *float64) {
	if f, ok := r.number(key); ok {
		*dst = f
	}
}

func (r *optionReader) int(key string, dst *int) {
	f, ok := r.number(key)
	if !ok {
		return
	}
	if f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		r.fail(key, f, "integer")
		return
	}
	*dst = int(f)
}

// number reads a finite number. Absent and null keys report false and
// leave the default in place.
func (r *optionReader) number(key string) (float64, bool) {
	v, ok := r.lookup(key)
	if !ok {
		return 0, false
	}
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	case json.Number:
		n, err := x.Float64()
		if err != nil {
			r.fail(key, v, "number")
			return 0, false
		}
		f = n
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			r.fail(key, v, "number")
			return 0, false
		}
		f = n
	default:
		r.fail(key, v, "number")
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		r.fail(key, v, "finite number")
		return 0, false
	}
	return f, true
}

func (r *optionReader) str(key string, dst *string) {
	v, ok := r.lookup(key)
	if !ok {
		return
	}
	s, isStr := v.(string)
	if !isStr {
		r.fail(key, v, "string")
		return
	}
	*dst = s
}

func (r *optionReader) finish() error {
	if r.err != nil {
		return r.err
	}
	var unknown []string
	for k := range r.raw {
		if !r.seen[k] {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return Invalid("unknown options: " + strings.Join(unknown, ", "))
	}
	return nil
}
