// Package config provides the configuration schema, loader, and backend
// registry for the oddtts service.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity for the oddtts server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l to the matching [slog.Level]. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure for oddtts.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	TTS            TTSConfig            `yaml:"tts"`
	Catalog        CatalogConfig        `yaml:"catalog"`
	Audio          AudioConfig          `yaml:"audio"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	MCP            MCPConfig            `yaml:"mcp"`

	// Env carries secrets and endpoints that are usually injected through
	// ODDTTS_* environment variables rather than written to the file.
	Env EnvOverrides `yaml:"-"`
}

// ServerConfig holds network and logging settings for the oddtts server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":9001").
	ListenAddr string `yaml:"listen_addr" env:"ODDTTS_LISTEN_ADDR"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level" env:"ODDTTS_LOG_LEVEL"`

	// CORSOrigins lists origins allowed by the CORS middleware. "*" allows
	// every origin. Empty means "*".
	CORSOrigins []string `yaml:"cors_origins"`

	// RateLimit throttles synthesis requests.
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// RateLimitConfig configures the token bucket shared by all synthesis routes.
type RateLimitConfig struct {
	// RPS is the sustained rate in requests per second. Zero disables
	// rate limiting.
	RPS float64 `yaml:"rps" env:"ODDTTS_RATE_LIMIT_RPS"`

	// Burst is the bucket size. Must be at least 1 when RPS is set.
	Burst int `yaml:"burst"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// TTSConfig selects the active backend and configures each backend.
type TTSConfig struct {
	// Type is the backend whose voices populate the catalog and that serves
	// requests without an explicit type.
	Type string `yaml:"type" env:"ODDTTS_TTS_TYPE"`

	// DefaultType is the backend unknown tokens fall back to.
	DefaultType string `yaml:"default_type"`

	// Backends holds per-backend settings keyed by canonical token.
	Backends map[string]BackendEntry `yaml:"backends"`
}

// BackendEntry is the common configuration block shared by all backends.
type BackendEntry struct {
	// BaseURL is the engine's endpoint. Leave empty to use the backend's
	// built-in default.
	BaseURL string `yaml:"base_url"`

	// APIKey authenticates against hosted engines.
	APIKey string `yaml:"api_key"`

	// Model selects a model within the backend (a Bert-VITS2 model id, an
	// OpenAI speech model).
	Model string `yaml:"model"`

	// Timeout bounds whole-utterance engine calls. Zero keeps the backend
	// default.
	Timeout time.Duration `yaml:"timeout"`

	// Options holds backend-specific values not covered above, e.g. the
	// ChatTTS seed list under "voices".
	Options map[string]any `yaml:"options"`
}

// CatalogConfig bounds catalog population and waiting.
type CatalogConfig struct {
	// WaitTimeout is how long a request waits for the first catalog.
	WaitTimeout time.Duration `yaml:"wait_timeout"`

	// PopulateTimeout bounds a single voice-list fetch.
	PopulateTimeout time.Duration `yaml:"populate_timeout"`
}

// AudioConfig controls file-mode outputs and streaming.
type AudioConfig struct {
	// OutputDir receives file-mode outputs. Empty means a directory below
	// the system temp directory.
	OutputDir string `yaml:"output_dir" env:"ODDTTS_OUTPUT_DIR"`

	// FileTTL is the age after which outputs are reaped.
	FileTTL time.Duration `yaml:"file_ttl"`

	// ReapInterval is how often the reaper runs.
	ReapInterval time.Duration `yaml:"reap_interval"`

	// ChunkSize is the stream chunk size in bytes.
	ChunkSize int `yaml:"chunk_size"`
}

// CircuitBreakerConfig configures the per-backend breakers.
type CircuitBreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// MCPConfig controls the MCP endpoint.
type MCPConfig struct {
	// Enabled mounts the MCP streamable HTTP handler at /mcp.
	Enabled bool `yaml:"enabled" env:"ODDTTS_MCP_ENABLED"`
}

// EnvOverrides are applied on top of tts.backends after decoding. Empty
// values leave the file's settings untouched.
type EnvOverrides struct {
	OpenAIAPIKey  string `env:"ODDTTS_OPENAI_API_KEY"`
	OpenAIBaseURL string `env:"ODDTTS_OPENAI_BASE_URL"`
	BertVITS2URL  string `env:"ODDTTS_BERT_VITS2_URL"`
	OMTTSURL      string `env:"ODDTTS_OMTTS_URL"`
	ChatTTSURL    string `env:"ODDTTS_CHATTTS_URL"`
}

// Defaults returns a Config populated with every default value. The loader
// decodes the file on top of it.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:  ":9001",
			LogLevel:    LogInfo,
			CORSOrigins: []string{"*"},
		},
		TTS: TTSConfig{
			Type:        "edge",
			DefaultType: "edge",
		},
		Catalog: CatalogConfig{
			WaitTimeout:     10 * time.Second,
			PopulateTimeout: 30 * time.Second,
		},
		Audio: AudioConfig{
			FileTTL:      time.Hour,
			ReapInterval: 5 * time.Minute,
			ChunkSize:    4096,
		},
		CircuitBreaker: CircuitBreakerConfig{
			MaxFailures:  5,
			ResetTimeout: 30 * time.Second,
			HalfOpenMax:  3,
		},
		MCP: MCPConfig{Enabled: true},
	}
}

// Backend returns the entry for token, or the zero entry.
func (c *Config) Backend(token string) BackendEntry {
	return c.TTS.Backends[token]
}
