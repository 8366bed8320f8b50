package config

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/oddmeta/oddtts/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned by [Registry.Create] when no factory
// has been registered under the requested token.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// ErrBackendDisabled is returned by a factory when the configuration lacks
// what the backend needs (e.g. an API key) and the backend should simply not
// be offered.
var ErrBackendDisabled = errors.New("config: backend disabled")

// Lifetime selects how a backend's provider instances are managed.
type Lifetime int

const (
	// Shared backends are constructed once and reused for every request.
	Shared Lifetime = iota

	// PerCall backends are constructed afresh for every request.
	PerCall
)

// BackendSpec is everything a factory needs to build a provider: the
// backend's own entry with defaults applied plus the service-wide audio
// settings.
type BackendSpec struct {
	Token     string
	Entry     BackendEntry
	OutputDir string
	ChunkSize int
}

// Factory builds a provider from spec.
type Factory func(BackendSpec) (tts.Provider, error)

// Registration describes one backend implementation.
type Registration struct {
	// Token is the canonical backend token.
	Token string

	// Aliases are alternative tokens accepted by the dispatcher.
	Aliases []string

	// Lifetime selects shared or per-call construction.
	Lifetime Lifetime

	// DefaultURL is used when the configuration leaves base_url empty.
	DefaultURL string

	// Decode turns raw request options into the backend's option variant.
	Decode tts.OptionsDecoder

	// Factory builds the provider.
	Factory Factory
}

// Registry maps backend tokens to their registrations. It is safe for
// concurrent use.
type Registry struct {
	mu   sync.RWMutex
	regs map[string]Registration
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{regs: make(map[string]Registration)}
}

// Register adds reg. Subsequent calls with the same token overwrite the
// previous registration.
func (r *Registry) Register(reg Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.regs[reg.Token] = reg
}

// Lookup returns the registration for token.
func (r *Registry) Lookup(token string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.regs[token]
	return reg, ok
}

// Registrations returns every registration sorted by token.
func (r *Registry) Registrations() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Registration, 0, len(r.regs))
	for _, reg := range r.regs {
		out = append(out, reg)
	}
	slices.SortFunc(out, func(a, b Registration) int { return cmp.Compare(a.Token, b.Token) })
	return out
}

// Spec assembles the [BackendSpec] for token from cfg.
func (r *Registry) Spec(token string, cfg *Config) BackendSpec {
	entry := cfg.Backend(token)
	if entry.BaseURL == "" {
		if reg, ok := r.Lookup(token); ok {
			entry.BaseURL = reg.DefaultURL
		}
	}
	return BackendSpec{
		Token:     token,
		Entry:     entry,
		OutputDir: cfg.Audio.OutputDir,
		ChunkSize: cfg.Audio.ChunkSize,
	}
}

// Create instantiates the provider registered under token using cfg.
// Returns [ErrProviderNotRegistered] if no factory has been registered for
// that token.
func (r *Registry) Create(token string, cfg *Config) (tts.Provider, error) {
	reg, ok := r.Lookup(token)
	if !ok {
		return nil, fmt.Errorf("%w: tts/%q", ErrProviderNotRegistered, token)
	}
	p, err := reg.Factory(r.Spec(token, cfg))
	if err != nil {
		return nil, fmt.Errorf("config: create %q: %w", token, err)
	}
	return p, nil
}
