package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/oddmeta/oddtts/internal/catalog"
	"github.com/oddmeta/oddtts/internal/observe"
	"github.com/oddmeta/oddtts/internal/tempfiles"
	"github.com/oddmeta/oddtts/pkg/provider/tts"
)

var errRateLimited = errors.New("api: rate limit exceeded")

// ErrorBody is the JSON payload of every failed request.
type ErrorBody struct {
	Error       string   `json:"error"`
	Kind        string   `json:"kind"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// classify maps err onto an HTTP status and a machine-readable kind.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, errRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, tts.ErrValidation):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, catalog.ErrNotFound):
		return http.StatusNotFound, "voice_not_found"
	case errors.Is(err, tts.ErrInvalidVoice):
		return http.StatusNotFound, "invalid_voice"
	case errors.Is(err, tempfiles.ErrNotFound):
		return http.StatusNotFound, "file_not_found"
	case errors.Is(err, catalog.ErrNotReady):
		return http.StatusServiceUnavailable, "catalog_not_ready"
	case errors.Is(err, tts.ErrEngineUnavailable):
		return http.StatusServiceUnavailable, "engine_unavailable"
	case errors.Is(err, tts.ErrSynthesisFailed):
		return http.StatusBadGateway, "synthesis_failed"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "canceled"
	case errors.Is(err, context.Canceled):
		// The client is gone; the status is for the access log only.
		return 499, "canceled"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// writeError answers r with the JSON error for err. Unresolved catalog
// voices carry close matches as suggestions.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := classify(err)
	body := ErrorBody{Error: err.Error(), Kind: kind}
	var ve *catalog.VoiceError
	if errors.As(err, &ve) {
		body.Suggestions = s.speech.Suggest(ve.Name)
	}

	level := slog.LevelDebug
	if status >= http.StatusInternalServerError {
		level = slog.LevelWarn
	}
	observe.Logger(r.Context()).Log(r.Context(), level, "request failed",
		"path", r.URL.Path,
		"status", status,
		"kind", kind,
		"err", err,
	)
	writeJSON(w, status, body)
}
