// Package dispatch maps backend tokens to TTS providers and runs synthesis
// requests against them.
//
// A [Dispatcher] owns a closed set of backends, each registered under a
// canonical token plus optional aliases. Token matching ignores case and
// surrounding whitespace. Unknown tokens are not an error: they resolve to
// the default backend, which keeps older clients that send free-form type
// names working.
//
// Every [Dispatcher.Synthesize] call emits exactly one structured log record
// and one set of metric observations, regardless of mode or outcome. For
// stream mode the record is written when the stream ends.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/oddmeta/oddtts/internal/observe"
	"github.com/oddmeta/oddtts/pkg/provider/tts"
)

// Mode selects how synthesized audio is delivered.
type Mode string

const (
	ModeFile   Mode = "file"
	ModeBytes  Mode = "bytes"
	ModeStream Mode = "stream"
)

// maxLoggedText caps the request text copied into log records.
const maxLoggedText = 80

// ---- backends ----

// Backend describes one registered TTS backend.
type Backend struct {
	// Token is the canonical backend token, e.g. "edge".
	Token string

	// Aliases are alternative tokens that resolve to this backend.
	Aliases []string

	// Acquire returns the provider serving a request. See [Shared] and [PerCall].
	Acquire func() tts.Provider

	// Decode turns a raw options object into the backend's option variant.
	// Nil means the backend accepts no options.
	Decode tts.OptionsDecoder
}

// Shared returns an Acquire function that hands out the same long-lived
// provider on every call.
func Shared(p tts.Provider) func() tts.Provider {
	return func() tts.Provider { return p }
}

// PerCall returns an Acquire function that builds a fresh provider for every
// request.
func PerCall(ctor func() tts.Provider) func() tts.Provider {
	return ctor
}

// ---- options ----

// Option configures a [Dispatcher].
type Option func(*Dispatcher)

// WithDefault sets the token unknown tokens fall back to. Defaults to "edge".
func WithDefault(token string) Option {
	return func(d *Dispatcher) {
		d.defaultToken = normalize(token)
	}
}

// WithMetrics sets the metrics recorder. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithLogger sets the logger synthesis records are written to. Defaults to
// [slog.Default] at call time.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = l
	}
}

// ---- Dispatcher ----

// Dispatcher resolves backend tokens and runs synthesis requests. It is
// immutable after construction and safe for concurrent use.
type Dispatcher struct {
	backends     map[string]*Backend
	lookup       map[string]string
	defaultToken string
	metrics      *observe.Metrics
	logger       *slog.Logger
}

// DefaultToken is the backend unknown tokens resolve to unless overridden.
const DefaultToken = "edge"

// New builds a Dispatcher over backends. It fails when a token or alias is
// registered twice, when a backend has no Acquire function, or when the
// default token does not name a registered backend.
func New(backends []Backend, opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		backends:     make(map[string]*Backend, len(backends)),
		lookup:       make(map[string]string),
		defaultToken: DefaultToken,
	}
	for _, o := range opts {
		o(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}

	for i := range backends {
		b := backends[i]
		b.Token = normalize(b.Token)
		if b.Token == "" {
			return nil, fmt.Errorf("dispatch: backend %d has no token", i)
		}
		if b.Acquire == nil {
			return nil, fmt.Errorf("dispatch: backend %q has no Acquire function", b.Token)
		}
		for _, name := range append([]string{b.Token}, b.Aliases...) {
			key := normalize(name)
			if owner, dup := d.lookup[key]; dup {
				return nil, fmt.Errorf("dispatch: token %q of backend %q already registered by %q", key, b.Token, owner)
			}
			d.lookup[key] = b.Token
		}
		d.backends[b.Token] = &b
	}

	canonical, ok := d.lookup[d.defaultToken]
	if !ok {
		return nil, fmt.Errorf("dispatch: default backend %q is not registered", d.defaultToken)
	}
	d.defaultToken = canonical
	return d, nil
}

func normalize(token string) string {
	return strings.ToLower(strings.TrimSpace(token))
}

// Canonical returns the canonical token token resolves to. Unknown tokens
// yield the default token.
func (d *Dispatcher) Canonical(token string) string {
	if c, ok := d.lookup[normalize(token)]; ok {
		return c
	}
	return d.defaultToken
}

// Known reports whether token names a registered backend or alias.
func (d *Dispatcher) Known(token string) bool {
	_, ok := d.lookup[normalize(token)]
	return ok
}

// Default returns the canonical default token.
func (d *Dispatcher) Default() string { return d.defaultToken }

// Tokens returns the canonical tokens of all registered backends, sorted.
func (d *Dispatcher) Tokens() []string {
	out := make([]string, 0, len(d.backends))
	for t := range d.backends {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// Resolve returns the provider for token. It performs no I/O and never
// fails: unknown tokens resolve to the default backend.
func (d *Dispatcher) Resolve(token string) tts.Provider {
	canonical := d.Canonical(token)
	if canonical == d.defaultToken && !d.Known(token) {
		d.log().Debug("unknown backend token, using default", "backend_token", token, "backend", canonical)
	}
	return d.backends[canonical].Acquire()
}

// DecodeOptions decodes a raw options object for the backend token resolves
// to. An empty object yields nil options, which every backend treats as its
// family defaults.
func (d *Dispatcher) DecodeOptions(token string, raw map[string]any) (tts.Options, error) {
	b := d.backends[d.Canonical(token)]
	if b.Decode == nil {
		return tts.DecodeNoOptions(raw)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return b.Decode(raw)
}

// Voices returns the voice set of the backend token resolves to. Voices
// without a backend tag are tagged with the canonical token.
func (d *Dispatcher) Voices(ctx context.Context, token string) ([]tts.Voice, error) {
	canonical := d.Canonical(token)
	voices, err := d.Resolve(token).ListVoices(ctx)
	if err != nil {
		return nil, err
	}
	voices = slices.Clone(voices)
	for i := range voices {
		if voices[i].Backend == "" {
			voices[i].Backend = canonical
		}
	}
	return voices, nil
}

// Result carries the output of one synthesis call. Exactly one of Path,
// Audio and Stream is set, matching the requested mode.
type Result struct {
	// Backend is the canonical token of the backend that served the call.
	Backend string
	// Path is the output file in file mode. The caller owns it.
	Path string
	// Audio is the rendered audio in bytes mode.
	Audio []byte
	// Stream delivers audio chunks in stream mode. It is closed when the
	// audio ends, a chunk carries an error, or ctx is done.
	Stream <-chan tts.Chunk
}

// Synthesize validates req, resolves token and renders req in the given
// mode. Validation failures are returned before any backend is contacted.
// Backend errors are returned unchanged; there are no retries.
func (d *Dispatcher) Synthesize(ctx context.Context, token string, req tts.Request, mode Mode) (Result, error) {
	canonical := d.Canonical(token)
	ctx, span := observe.StartSynthesisSpan(ctx, canonical, string(mode), req.Voice)
	call := &callRecord{
		d:       d,
		ctx:     ctx,
		span:    span,
		token:   token,
		backend: canonical,
		mode:    mode,
		req:     req,
		start:   time.Now(),
	}

	if err := req.Validate(); err != nil {
		call.finish("", 0, err)
		return Result{}, err
	}

	p := d.Resolve(token)
	call.backend = p.Name()
	res := Result{Backend: canonical}

	switch mode {
	case ModeFile:
		path, err := p.SynthesizeToFile(ctx, req)
		call.finish(path, 0, err)
		if err != nil {
			return Result{}, err
		}
		res.Path = path

	case ModeBytes:
		audio, err := p.SynthesizeToBytes(ctx, req)
		call.finish("", len(audio), err)
		if err != nil {
			return Result{}, err
		}
		res.Audio = audio

	case ModeStream:
		ch, err := p.SynthesizeToStream(ctx, req)
		if err != nil {
			call.finish("", 0, err)
			return Result{}, err
		}
		res.Stream = call.watch(ch)

	default:
		err := tts.Invalid(fmt.Sprintf("unknown synthesis mode %q", mode))
		call.finish("", 0, err)
		return Result{}, err
	}
	return res, nil
}

func (d *Dispatcher) log() *slog.Logger {
	if d.logger != nil {
		return d.logger
	}
	return slog.Default()
}

// ---- per-call bookkeeping ----

// callRecord accumulates what the single log record of one Synthesize call
// reports.
type callRecord struct {
	d       *Dispatcher
	ctx     context.Context
	span    trace.Span
	token   string
	backend string
	mode    Mode
	req     tts.Request
	start   time.Time
}

// watch forwards ch to a new channel, counting bytes, and finishes the call
// record once the stream ends.
func (c *callRecord) watch(ch <-chan tts.Chunk) <-chan tts.Chunk {
	attrs := metric.WithAttributes(attribute.String("backend", c.d.Canonical(c.token)))
	c.d.metrics.ActiveStreams.Add(c.ctx, 1, attrs)

	out := make(chan tts.Chunk)
	go func() {
		defer close(out)
		defer c.d.metrics.ActiveStreams.Add(context.WithoutCancel(c.ctx), -1, attrs)

		var n int
		var streamErr error
		defer func() { c.finish("", n, streamErr) }()

		for {
			select {
			case chunk, ok := <-ch:
				if !ok {
					return
				}
				if chunk.Err != nil {
					streamErr = chunk.Err
				}
				n += len(chunk.Data)
				select {
				case out <- chunk:
				case <-c.ctx.Done():
					streamErr = c.ctx.Err()
					return
				}
				if streamErr != nil {
					return
				}
			case <-c.ctx.Done():
				streamErr = c.ctx.Err()
				return
			}
		}
	}()
	return out
}

// finish writes the log record, the metrics and ends the span.
func (c *callRecord) finish(path string, n int, err error) {
	ctx := context.WithoutCancel(c.ctx)
	elapsed := time.Since(c.start)
	status := "ok"
	if err != nil {
		status = tts.KindOf(err)
		if status == "" {
			status = "error"
		}
	}
	c.d.metrics.RecordSynthesis(ctx, c.d.Canonical(c.token), string(c.mode), status, elapsed, int64(n))

	attrs := []slog.Attr{
		slog.String("backend_token", c.token),
		slog.String("backend", c.backend),
		slog.String("mode", string(c.mode)),
		slog.String("text", truncate(c.req.Text, maxLoggedText)),
		slog.String("voice", c.req.Voice),
		slog.String("path", path),
		slog.Int("bytes", n),
		slog.Duration("duration", elapsed),
	}
	level := slog.LevelInfo
	if err != nil {
		attrs = append(attrs, slog.String("err", err.Error()))
		level = slog.LevelWarn
		if errors.Is(err, tts.ErrValidation) || errors.Is(err, context.Canceled) {
			level = slog.LevelInfo
		}
	}
	if cid := observe.CorrelationID(c.ctx); cid != "" {
		attrs = append(attrs, slog.String("trace_id", cid))
	}
	c.d.log().LogAttrs(ctx, level, "synthesis", attrs...)

	observe.EndSpan(c.span, status, err, observe.AttrBytes.Int(n))
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return string(r[:limit]) + "..."
}
