package config

import (
	"maps"
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs. Fields the running
// service can apply in place are reported individually; everything else is
// listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// TTSTypeChanged means the active backend moved and the catalog must be
	// repopulated from NewTTSType.
	TTSTypeChanged bool
	NewTTSType     string

	// RestartRequired lists dotted config paths that changed but only take
	// effect after a restart.
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.TTSTypeChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oldType, _ := CanonicalBackend(old.TTS.Type)
	newType, _ := CanonicalBackend(new.TTS.Type)
	if oldType != newType || (oldType == "" && old.TTS.Type != new.TTS.Type) {
		d.TTSTypeChanged = true
		d.NewTTSType = new.TTS.Type
	}

	restart := func(path string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, path)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("server.cors_origins", !slices.Equal(old.Server.CORSOrigins, new.Server.CORSOrigins))
	restart("server.rate_limit", old.Server.RateLimit != new.Server.RateLimit)
	restart("server.tls", !reflect.DeepEqual(old.Server.TLS, new.Server.TLS))
	restart("tts.default_type", old.TTS.DefaultType != new.TTS.DefaultType)
	for _, token := range slices.Sorted(maps.Keys(unionKeys(old.TTS.Backends, new.TTS.Backends))) {
		o, inOld := old.TTS.Backends[token]
		n, inNew := new.TTS.Backends[token]
		restart("tts.backends."+token, inOld != inNew || !reflect.DeepEqual(o, n))
	}
	restart("catalog", old.Catalog != new.Catalog)
	restart("audio", old.Audio != new.Audio)
	restart("circuit_breaker", old.CircuitBreaker != new.CircuitBreaker)
	restart("mcp", old.MCP != new.MCP)

	return d
}

func unionKeys(a, b map[string]BackendEntry) map[string]struct{} {
	out := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		out[k] = struct{}{}
	}
	for k := range b {
		out[k] = struct{}{}
	}
	return out
}
