package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/url"
	"os"
	"slices"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// KnownBackends lists the canonical backend tokens and their aliases. Used by
// [Validate] to warn about tokens that would silently fall back to the
// default backend.
var KnownBackends = map[string][]string{
	"edge":       {"cloud"},
	"bert-vits2": {"cloned-voice"},
	"omtts":      {"local-server"},
	"chattts":    {"chat-voice"},
	"openai":     nil,
}

// Load reads the YAML configuration file at path, applies environment
// overrides and returns a validated [Config].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Defaults], applies
// ODDTTS_* environment overrides and validates the result. An empty document
// yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Defaults()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays ODDTTS_* environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}
	e := cfg.Env
	override := func(token string, apply func(*BackendEntry)) {
		if cfg.TTS.Backends == nil {
			cfg.TTS.Backends = make(map[string]BackendEntry)
		}
		entry := cfg.TTS.Backends[token]
		apply(&entry)
		cfg.TTS.Backends[token] = entry
	}
	if e.OpenAIAPIKey != "" {
		override("openai", func(b *BackendEntry) { b.APIKey = e.OpenAIAPIKey })
	}
	if e.OpenAIBaseURL != "" {
		override("openai", func(b *BackendEntry) { b.BaseURL = e.OpenAIBaseURL })
	}
	if e.BertVITS2URL != "" {
		override("bert-vits2", func(b *BackendEntry) { b.BaseURL = e.BertVITS2URL })
	}
	if e.OMTTSURL != "" {
		override("omtts", func(b *BackendEntry) { b.BaseURL = e.OMTTSURL })
	}
	if e.ChatTTSURL != "" {
		override("chattts", func(b *BackendEntry) { b.BaseURL = e.ChatTTSURL })
	}
	return nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if rl := cfg.Server.RateLimit; rl.RPS < 0 {
		errs = append(errs, fmt.Errorf("server.rate_limit.rps %v must not be negative", rl.RPS))
	} else if rl.RPS > 0 && rl.Burst < 1 {
		errs = append(errs, fmt.Errorf("server.rate_limit.burst %d must be at least 1 when rps is set", rl.Burst))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// TTS
	if cfg.TTS.DefaultType == "" {
		errs = append(errs, errors.New("tts.default_type is required"))
	} else if _, ok := CanonicalBackend(cfg.TTS.DefaultType); !ok {
		errs = append(errs, fmt.Errorf("tts.default_type %q is not a known backend; known: %s", cfg.TTS.DefaultType, knownList()))
	}
	if _, ok := CanonicalBackend(cfg.TTS.Type); !ok {
		slog.Warn("unknown tts.type, the default backend will serve it",
			"type", cfg.TTS.Type,
			"default_type", cfg.TTS.DefaultType,
		)
	}
	for _, token := range slices.Sorted(maps.Keys(cfg.TTS.Backends)) {
		entry := cfg.TTS.Backends[token]
		prefix := fmt.Sprintf("tts.backends.%s", token)
		if _, ok := KnownBackends[token]; !ok {
			errs = append(errs, fmt.Errorf("%s: unknown backend; keys must be canonical tokens: %s", prefix, knownList()))
			continue
		}
		if entry.BaseURL != "" {
			if u, err := url.Parse(entry.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
				errs = append(errs, fmt.Errorf("%s.base_url %q is not an absolute URL", prefix, entry.BaseURL))
			}
		}
		if entry.Timeout < 0 {
			errs = append(errs, fmt.Errorf("%s.timeout %s must not be negative", prefix, entry.Timeout))
		}
	}
	if entry, ok := cfg.TTS.Backends["openai"]; ok && entry.APIKey == "" {
		slog.Warn("tts.backends.openai has no api_key; the openai backend stays disabled")
	}

	// Catalog
	if cfg.Catalog.WaitTimeout <= 0 {
		errs = append(errs, fmt.Errorf("catalog.wait_timeout %s must be positive", cfg.Catalog.WaitTimeout))
	}
	if cfg.Catalog.PopulateTimeout <= 0 {
		errs = append(errs, fmt.Errorf("catalog.populate_timeout %s must be positive", cfg.Catalog.PopulateTimeout))
	}

	// Audio
	if cfg.Audio.FileTTL <= 0 {
		errs = append(errs, fmt.Errorf("audio.file_ttl %s must be positive", cfg.Audio.FileTTL))
	}
	if cfg.Audio.ReapInterval <= 0 {
		errs = append(errs, fmt.Errorf("audio.reap_interval %s must be positive", cfg.Audio.ReapInterval))
	}
	if cfg.Audio.ChunkSize < 0 {
		errs = append(errs, fmt.Errorf("audio.chunk_size %d must not be negative", cfg.Audio.ChunkSize))
	}

	// Circuit breaker
	cb := cfg.CircuitBreaker
	if cb.MaxFailures < 0 || cb.HalfOpenMax < 0 || cb.ResetTimeout < 0 {
		errs = append(errs, errors.New("circuit_breaker values must not be negative"))
	}

	return errors.Join(errs...)
}

// CanonicalBackend maps a token or alias onto its canonical token, ignoring
// case and surrounding whitespace.
func CanonicalBackend(token string) (string, bool) {
	t := strings.ToLower(strings.TrimSpace(token))
	for canonical, aliases := range KnownBackends {
		if t == canonical || slices.Contains(aliases, t) {
			return canonical, true
		}
	}
	return "", false
}

func knownList() string {
	return strings.Join(slices.Sorted(maps.Keys(KnownBackends)), ", ")
}
