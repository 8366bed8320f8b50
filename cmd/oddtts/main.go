// Command oddtts is the main entry point for the oddtts speech server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/oddmeta/oddtts/internal/app"
	"github.com/oddmeta/oddtts/internal/config"
	"github.com/oddmeta/oddtts/internal/observe"
	"github.com/oddmeta/oddtts/pkg/provider/tts"
	"github.com/oddmeta/oddtts/pkg/provider/tts/bertvits2"
	"github.com/oddmeta/oddtts/pkg/provider/tts/chattts"
	"github.com/oddmeta/oddtts/pkg/provider/tts/edge"
	"github.com/oddmeta/oddtts/pkg/provider/tts/omtts"
	"github.com/oddmeta/oddtts/pkg/provider/tts/openai"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload log_level and tts.type when the config file changes")
	watchInterval := flag.Duration("watch-interval", 5*time.Second, "config file polling interval")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "oddtts: config file %q not found, start from the defaults with an empty file\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "oddtts: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(newLogger(level))

	slog.Info("oddtts starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "oddtts",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Backend registry ──────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg, reg)

	opts := []app.Option{app.WithLevelVar(level), app.WithVersion(version)}
	if *watch {
		opts = append(opts, app.WithConfigWatch(*configPath, *watchInterval))
	}
	application, err := app.New(ctx, cfg, reg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Backend wiring ────────────────────────────────────────────────────────────

// Default endpoints of the self-hosted engines.
const (
	defaultBertVITS2URL = "http://127.0.0.1:5000"
	defaultOMTTSURL     = "http://127.0.0.1:9002"
	defaultChatTTSURL   = "http://127.0.0.1:9966"
)

// registerBuiltinProviders wires all built-in backend factories into reg.
// Each factory receives a config.BackendSpec and constructs the backend from
// its implementation package.
func registerBuiltinProviders(reg *config.Registry) {
	reg.Register(config.Registration{
		Token:   edge.Token,
		Aliases: config.KnownBackends[edge.Token],
		Factory: func(spec config.BackendSpec) (tts.Provider, error) {
			opts := []edge.Option{
				edge.WithOutputDir(spec.OutputDir),
				edge.WithEndpoints(optString(spec.Entry.Options, "ws_url"), optString(spec.Entry.Options, "voices_url")),
			}
			if spec.Entry.Timeout > 0 {
				opts = append(opts, edge.WithTimeout(spec.Entry.Timeout))
			}
			return edge.New(opts...), nil
		},
	})

	// Bert-VITS2 and ChatTTS clients are built per request.
	reg.Register(config.Registration{
		Token:      bertvits2.Token,
		Aliases:    config.KnownBackends[bertvits2.Token],
		Lifetime:   config.PerCall,
		DefaultURL: defaultBertVITS2URL,
		Decode:     tts.DecodeVITSOptions,
		Factory: func(spec config.BackendSpec) (tts.Provider, error) {
			opts := []bertvits2.Option{
				bertvits2.WithOutputDir(spec.OutputDir),
				bertvits2.WithChunkSize(spec.ChunkSize),
			}
			if spec.Entry.Model != "" {
				id, err := strconv.Atoi(spec.Entry.Model)
				if err != nil {
					return nil, fmt.Errorf("model must be a numeric model id: %w", err)
				}
				opts = append(opts, bertvits2.WithModelID(id))
			}
			if spec.Entry.Timeout > 0 {
				opts = append(opts, bertvits2.WithTimeout(spec.Entry.Timeout))
			}
			return bertvits2.New(spec.Entry.BaseURL, opts...)
		},
	})

	reg.Register(config.Registration{
		Token:      omtts.Token,
		Aliases:    config.KnownBackends[omtts.Token],
		DefaultURL: defaultOMTTSURL,
		Decode:     tts.DecodeVITSOptions,
		Factory: func(spec config.BackendSpec) (tts.Provider, error) {
			opts := []omtts.Option{
				omtts.WithOutputDir(spec.OutputDir),
				omtts.WithChunkSize(spec.ChunkSize),
			}
			if format := optString(spec.Entry.Options, "format"); format != "" {
				opts = append(opts, omtts.WithFormat(format))
			}
			if spec.Entry.Timeout > 0 {
				opts = append(opts, omtts.WithTimeout(spec.Entry.Timeout))
			}
			return omtts.New(spec.Entry.BaseURL, opts...)
		},
	})

	reg.Register(config.Registration{
		Token:      chattts.Token,
		Aliases:    config.KnownBackends[chattts.Token],
		Lifetime:   config.PerCall,
		DefaultURL: defaultChatTTSURL,
		Decode:     tts.DecodeChatOptions,
		Factory: func(spec config.BackendSpec) (tts.Provider, error) {
			opts := []chattts.Option{
				chattts.WithOutputDir(spec.OutputDir),
				chattts.WithChunkSize(spec.ChunkSize),
			}
			if voices := optVoices(spec.Entry.Options, "voices"); len(voices) > 0 {
				opts = append(opts, chattts.WithVoices(voices))
			}
			if spec.Entry.Timeout > 0 {
				opts = append(opts, chattts.WithTimeout(spec.Entry.Timeout))
			}
			return chattts.New(spec.Entry.BaseURL, opts...)
		},
	})

	reg.Register(config.Registration{
		Token:  openai.Token,
		Decode: tts.DecodeOpenAIOptions,
		Factory: func(spec config.BackendSpec) (tts.Provider, error) {
			if spec.Entry.APIKey == "" {
				return nil, fmt.Errorf("%w: no api_key configured", config.ErrBackendDisabled)
			}
			opts := []openai.Option{
				openai.WithOutputDir(spec.OutputDir),
				openai.WithChunkSize(spec.ChunkSize),
			}
			if spec.Entry.BaseURL != "" {
				opts = append(opts, openai.WithBaseURL(spec.Entry.BaseURL))
			}
			if spec.Entry.Timeout > 0 {
				opts = append(opts, openai.WithTimeout(spec.Entry.Timeout))
			}
			return openai.New(spec.Entry.APIKey, spec.Entry.Model, opts...)
		},
	})

	for _, r := range reg.Registrations() {
		slog.Debug("registered backend", "backend", r.Token, "aliases", r.Aliases)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, reg *config.Registry) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         oddtts: startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Active backend", cfg.TTS.Type)
	printRow("Default backend", cfg.TTS.DefaultType)
	for _, r := range reg.Registrations() {
		url := reg.Spec(r.Token, cfg).Entry.BaseURL
		if url == "" {
			url = "(built-in)"
		}
		printRow("  "+r.Token, url)
	}
	printRow("MCP", enabled(cfg.MCP.Enabled))
	printRow("Rate limit", enabled(cfg.Server.RateLimit.RPS > 0))
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(key, value string) {
	fmt.Printf("║  %-15s : %-19s ║\n", key, fitCell(value, 19))
}

// fitCell shortens value to at most width runes.
func fitCell(value string, width int) string {
	if r := []rune(value); len(r) > width {
		return string(r[:width-3]) + "..."
	}
	return value
}

func enabled(on bool) string {
	if on {
		return "enabled"
	}
	return "(disabled)"
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a backend Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	s, _ := opts[key].(string)
	return s
}

// optVoices reads a ChatTTS seed list. Entries may be bare seeds (numbers or
// strings) or objects with name, gender and display_name keys.
func optVoices(opts map[string]any, key string) []tts.Voice {
	raw, _ := opts[key].([]any)
	var voices []tts.Voice
	for _, item := range raw {
		v := tts.Voice{Locale: "zh-CN"}
		switch x := item.(type) {
		case string:
			v.Name = x
		case int:
			v.Name = strconv.Itoa(x)
		case map[string]any:
			switch name := x["name"].(type) {
			case string:
				v.Name = name
			case int:
				v.Name = strconv.Itoa(name)
			}
			v.Gender, _ = x["gender"].(string)
			v.DisplayName, _ = x["display_name"].(string)
			if locale, ok := x["locale"].(string); ok && locale != "" {
				v.Locale = locale
			}
		default:
			continue
		}
		v.Name = strings.TrimSpace(v.Name)
		if v.Name == "" {
			continue
		}
		if v.DisplayName == "" {
			v.DisplayName = "Seed " + v.Name
		}
		voices = append(voices, v)
	}
	return voices
}
