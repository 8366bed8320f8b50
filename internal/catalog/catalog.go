// Package catalog caches the voice list of the active TTS backend.
//
// A [Catalog] publishes immutable [Snapshot] values through a single atomic
// pointer. Readers always observe a complete snapshot: the ordered voice
// list and its name index are built together and never mutated after
// publication. The first successful [Catalog.Populate] closes the readiness
// channel; requests that arrive earlier can block on [Catalog.Wait] for a
// bounded time.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/antzucaro/matchr"
	"golang.org/x/sync/singleflight"

	"github.com/oddmeta/oddtts/internal/observe"
	"github.com/oddmeta/oddtts/pkg/provider/tts"
)

var (
	// ErrNotFound is returned by [Catalog.Resolve] when no voice carries the
	// requested name.
	ErrNotFound = errors.New("catalog: voice not found")

	// ErrNotReady is returned when no snapshot has been published yet.
	ErrNotReady = errors.New("catalog: not ready")
)

const (
	// DefaultWaitTimeout bounds [Catalog.Wait] when no option overrides it.
	DefaultWaitTimeout = 10 * time.Second

	defaultSuggestThreshold = 0.70
)

// Lister fetches the voice set of a backend. The dispatcher satisfies it.
type Lister interface {
	Voices(ctx context.Context, token string) ([]tts.Voice, error)
}

// ---- Snapshot ----

// Snapshot is one immutable generation of the catalog.
type Snapshot struct {
	// Backend is the token the snapshot was populated from.
	Backend string

	// PopulatedAt is when the voice list was fetched.
	PopulatedAt time.Time

	voices  []tts.Voice
	index   map[string]int
	locales []string
}

// NewSnapshot builds a snapshot from voices. Every voice must carry a
// non-empty name and names must be unique.
func NewSnapshot(backend string, voices []tts.Voice, at time.Time) (*Snapshot, error) {
	if len(voices) == 0 {
		return nil, errors.New("catalog: backend returned no voices")
	}
	s := &Snapshot{
		Backend:     backend,
		PopulatedAt: at,
		voices:      slices.Clone(voices),
		index:       make(map[string]int, len(voices)),
	}
	seen := make(map[string]struct{})
	for i, v := range s.voices {
		if v.Name == "" {
			return nil, fmt.Errorf("catalog: voice at position %d has no name", i)
		}
		if _, dup := s.index[v.Name]; dup {
			return nil, fmt.Errorf("catalog: duplicate voice name %q", v.Name)
		}
		s.index[v.Name] = i
		if _, ok := seen[v.Locale]; !ok && v.Locale != "" {
			seen[v.Locale] = struct{}{}
			s.locales = append(s.locales, v.Locale)
		}
	}
	slices.Sort(s.locales)
	return s, nil
}

// Len returns the number of voices.
func (s *Snapshot) Len() int { return len(s.voices) }

// Voices returns a copy of the ordered voice list.
func (s *Snapshot) Voices() []tts.Voice { return slices.Clone(s.voices) }

// Lookup returns the voice called name.
func (s *Snapshot) Lookup(name string) (tts.Voice, bool) {
	i, ok := s.index[name]
	if !ok {
		return tts.Voice{}, false
	}
	return s.voices[i], true
}

// FilterByLocale returns the voices whose locale equals locale, in catalog
// order. An empty locale returns every voice; an unknown one returns an
// empty, non-nil slice.
func (s *Snapshot) FilterByLocale(locale string) []tts.Voice {
	if locale == "" {
		return s.Voices()
	}
	out := []tts.Voice{}
	for _, v := range s.voices {
		if v.Locale == locale {
			out = append(out, v)
		}
	}
	return out
}

// Locales returns the sorted set of locales present in the snapshot.
func (s *Snapshot) Locales() []string { return slices.Clone(s.locales) }

// Default returns the first voice in catalog order.
func (s *Snapshot) Default() (tts.Voice, bool) {
	if len(s.voices) == 0 {
		return tts.Voice{}, false
	}
	return s.voices[0], true
}

// ---- options ----

// Option configures a [Catalog].
type Option func(*Catalog)

// WithWaitTimeout bounds how long [Catalog.Wait] blocks for the first
// snapshot. Defaults to [DefaultWaitTimeout].
func WithWaitTimeout(d time.Duration) Option {
	return func(c *Catalog) {
		c.waitTimeout = d
	}
}

// WithMetrics sets the metrics recorder. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Catalog) {
		c.metrics = m
	}
}

// WithSuggestThreshold sets the minimum Jaro-Winkler similarity a voice name
// needs to be offered by [Catalog.Suggest]. Default: 0.70.
func WithSuggestThreshold(t float64) Option {
	return func(c *Catalog) {
		c.suggestThreshold = t
	}
}

// ---- Catalog ----

// Catalog is the shared voice cache. All methods are safe for concurrent use.
type Catalog struct {
	lister           Lister
	metrics          *observe.Metrics
	waitTimeout      time.Duration
	suggestThreshold float64
	now              func() time.Time

	current   atomic.Pointer[Snapshot]
	ready     chan struct{}
	readyOnce sync.Once
	group     singleflight.Group
}

// New returns an empty, not-ready Catalog that populates through lister.
func New(lister Lister, opts ...Option) *Catalog {
	c := &Catalog{
		lister:           lister,
		waitTimeout:      DefaultWaitTimeout,
		suggestThreshold: defaultSuggestThreshold,
		now:              time.Now,
		ready:            make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// Populate fetches the voice list of token and publishes it as the new
// snapshot. On failure the previous snapshot stays in place. Concurrent
// calls for the same token share one fetch.
func (c *Catalog) Populate(ctx context.Context, token string) (*Snapshot, error) {
	ch := c.group.DoChan(token, func() (any, error) {
		return c.populate(ctx, token)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Snapshot), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Catalog) populate(ctx context.Context, token string) (_ *Snapshot, err error) {
	ctx, span := observe.StartPopulateSpan(ctx, token)
	var n int
	defer func() { observe.EndSpan(span, "populate failed", err, observe.AttrVoices.Int(n)) }()

	voices, err := c.lister.Voices(ctx, token)
	if err != nil {
		c.metrics.RecordCatalogPopulation(ctx, token, "error", 0)
		return nil, fmt.Errorf("catalog: populate %q: %w", token, err)
	}
	snap, err := NewSnapshot(token, voices, c.now())
	if err != nil {
		c.metrics.RecordCatalogPopulation(ctx, token, "error", 0)
		return nil, tts.Failed(token, "invalid voice list", err)
	}
	n = snap.Len()

	c.current.Store(snap)
	c.readyOnce.Do(func() { close(c.ready) })
	c.metrics.RecordCatalogPopulation(ctx, token, "ok", snap.Len())
	observe.Logger(ctx).Info("voice catalog populated", "backend", token, "voices", snap.Len(), "locales", len(snap.locales))
	return snap, nil
}

// Snapshot returns the current snapshot, or nil before the first populate.
func (c *Catalog) Snapshot() *Snapshot { return c.current.Load() }

// Ready returns a channel that is closed once a snapshot is published.
func (c *Catalog) Ready() <-chan struct{} { return c.ready }

// Wait blocks until a snapshot is available, ctx is done, or the wait
// timeout elapses. The latter two return an error wrapping [ErrNotReady].
func (c *Catalog) Wait(ctx context.Context) (*Snapshot, error) {
	if s := c.current.Load(); s != nil {
		return s, nil
	}
	timer := time.NewTimer(c.waitTimeout)
	defer timer.Stop()
	select {
	case <-c.ready:
		return c.current.Load(), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrNotReady, ctx.Err())
	case <-timer.C:
		return nil, fmt.Errorf("%w: no voice list after %s", ErrNotReady, c.waitTimeout)
	}
}

// VoiceError reports a voice name that is not in the catalog. It matches
// [ErrNotFound] with errors.Is.
type VoiceError struct {
	Name string
}

func (e *VoiceError) Error() string { return fmt.Sprintf("%v: %q", ErrNotFound, e.Name) }

func (e *VoiceError) Unwrap() error { return ErrNotFound }

// Resolve looks up a voice by name in the current snapshot.
func (c *Catalog) Resolve(name string) (tts.Voice, error) {
	s := c.current.Load()
	if s == nil {
		return tts.Voice{}, ErrNotReady
	}
	v, ok := s.Lookup(name)
	if !ok {
		return tts.Voice{}, &VoiceError{Name: name}
	}
	return v, nil
}

// FilterByLocale returns the voices of the current snapshot whose locale
// equals locale. See [Snapshot.FilterByLocale]. Before the first populate it
// returns an empty slice.
func (c *Catalog) FilterByLocale(locale string) []tts.Voice {
	s := c.current.Load()
	if s == nil {
		return []tts.Voice{}
	}
	return s.FilterByLocale(locale)
}

// Locales returns the sorted locales of the current snapshot.
func (c *Catalog) Locales() []string {
	s := c.current.Load()
	if s == nil {
		return []string{}
	}
	return s.Locales()
}

// Default returns the first voice of the current snapshot.
func (c *Catalog) Default() (tts.Voice, bool) {
	s := c.current.Load()
	if s == nil {
		return tts.Voice{}, false
	}
	return s.Default()
}

// Suggest returns up to n voice names most similar to name, best first.
// Names scoring below the suggest threshold are left out.
func (c *Catalog) Suggest(name string, n int) []string {
	s := c.current.Load()
	needle := strings.ToLower(strings.TrimSpace(name))
	if s == nil || needle == "" || n <= 0 {
		return nil
	}

	type scored struct {
		name  string
		score float64
	}
	var candidates []scored
	for _, v := range s.voices {
		score := matchr.JaroWinkler(needle, strings.ToLower(v.Name), false)
		if score >= c.suggestThreshold {
			candidates = append(candidates, scored{v.Name, score})
		}
	}
	slices.SortStableFunc(candidates, func(a, b scored) int {
		switch {
		case a.score > b.score:
			return -1
		case a.score < b.score:
			return 1
		}
		return strings.Compare(a.name, b.name)
	})

	out := make([]string, 0, min(n, len(candidates)))
	for _, cand := range candidates[:min(n, len(candidates))] {
		out = append(out, cand.name)
	}
	return out
}

// Check is a readiness probe: it fails until a snapshot is published.
func (c *Catalog) Check(_ context.Context) error {
	if c.current.Load() == nil {
		return ErrNotReady
	}
	return nil
}
