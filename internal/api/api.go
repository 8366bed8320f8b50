// Package api serves the oddtts HTTP API under /api/oddtts.
//
//	GET    /api/oddtts/voices[?type=&locale=]  voice list
//	GET    /api/oddtts/voices/{voice_name}     one catalog voice
//	GET    /api/oddtts/locales                 catalog locales
//	GET    /api/oddtts/backends                registered backends
//	POST   /api/oddtts/file                    synthesize to a file
//	POST   /api/oddtts/base64                  synthesize to base64
//	POST   /api/oddtts/stream                  synthesize as an audio/mpeg stream
//	GET    /api/oddtts/files/{name}            download a file-mode output
//	DELETE /api/oddtts/files/{name}            release a file-mode output
//
// Every failure is answered with a JSON [ErrorBody].
package api

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/oddmeta/oddtts/internal/dispatch"
	"github.com/oddmeta/oddtts/internal/observe"
	"github.com/oddmeta/oddtts/internal/speech"
	"github.com/oddmeta/oddtts/internal/tempfiles"
	"github.com/oddmeta/oddtts/pkg/provider/tts"
)

// maxBodyBytes caps synthesis request bodies.
const maxBodyBytes = 1 << 20

// Prefix is the path prefix of every API route.
const Prefix = "/api/oddtts"

// Server holds the API handlers. Create it with [New].
type Server struct {
	speech  *speech.Service
	files   *tempfiles.Store
	limiter *rate.Limiter
	metrics *observe.Metrics
}

// Option configures a [Server].
type Option func(*Server)

// WithRateLimit throttles the synthesis routes to rps requests per second
// with the given burst. rps <= 0 disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		if rps > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(rps), max(burst, 1))
		}
	}
}

// WithMetrics sets the metrics recorder. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// New creates a Server over svc. File-mode outputs are served from files.
func New(svc *speech.Service, files *tempfiles.Store, opts ...Option) *Server {
	s := &Server{speech: svc, files: files}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Register adds the API routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET "+Prefix+"/voices", s.handleVoices)
	mux.HandleFunc("GET "+Prefix+"/voices/{voice_name}", s.handleVoice)
	mux.HandleFunc("GET "+Prefix+"/locales", s.handleLocales)
	mux.HandleFunc("GET "+Prefix+"/backends", s.handleBackends)
	mux.Handle("POST "+Prefix+"/file", s.limit(http.HandlerFunc(s.handleFile)))
	mux.Handle("POST "+Prefix+"/base64", s.limit(http.HandlerFunc(s.handleBase64)))
	mux.Handle("POST "+Prefix+"/stream", s.limit(http.HandlerFunc(s.handleStream)))
	mux.HandleFunc("GET "+Prefix+"/files/{name}", s.handleDownload)
	mux.HandleFunc("DELETE "+Prefix+"/files/{name}", s.handleRelease)
}

// ---- catalog routes ----

func (s *Server) handleVoices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	voices, err := s.speech.Voices(r.Context(), q.Get("type"), q.Get("locale"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, voices)
}

func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("voice_name")
	v, err := s.speech.Voice(r.Context(), name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleLocales(w http.ResponseWriter, r *http.Request) {
	locales, err := s.speech.Locales(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, locales)
}

type backendsResponse struct {
	Backends []string `json:"backends"`
	Default  string   `json:"default"`
	Active   string   `json:"active"`
}

func (s *Server) handleBackends(w http.ResponseWriter, _ *http.Request) {
	d := s.speech.Dispatcher()
	writeJSON(w, http.StatusOK, backendsResponse{
		Backends: d.Tokens(),
		Default:  d.Default(),
		Active:   s.speech.Active(),
	})
}

// ---- synthesis routes ----

type fileResponse struct {
	Status   string `json:"status"`
	FilePath string `json:"file_path"`
	FileURL  string `json:"file_url,omitempty"`
	Format   string `json:"format"`
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	in, ok := s.decode(w, r)
	if !ok {
		return
	}
	res, err := s.speech.Synthesize(r.Context(), in, dispatch.ModeFile)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := fileResponse{Status: "success", FilePath: res.Path, Format: format(res.Path)}
	if name, err := s.files.Name(res.Path); err == nil {
		resp.FileURL = Prefix + "/files/" + name
	} else {
		observe.Logger(r.Context()).Debug("file output outside the managed directory", "path", res.Path, "err", err)
	}
	writeJSON(w, http.StatusOK, resp)
}

type base64Response struct {
	Status string `json:"status"`
	Base64 string `json:"base64"`
	Format string `json:"format"`
}

func (s *Server) handleBase64(w http.ResponseWriter, r *http.Request) {
	in, ok := s.decode(w, r)
	if !ok {
		return
	}
	res, err := s.speech.Synthesize(r.Context(), in, dispatch.ModeBytes)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, base64Response{
		Status: "success",
		Base64: base64.StdEncoding.EncodeToString(res.Audio),
		Format: tts.DetectFormat(res.Audio),
	})
}

// handleStream writes chunks as they arrive. An error before the first chunk
// is answered with a JSON error; after that the body is cut short.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	in, ok := s.decode(w, r)
	if !ok {
		return
	}
	res, err := s.speech.Synthesize(r.Context(), in, dispatch.ModeStream)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	rc := http.NewResponseController(w)
	started := false
	start := func(first []byte) {
		if started {
			return
		}
		started = true
		w.Header().Set("Content-Type", tts.ContentType(tts.DetectFormat(first)))
		w.Header().Set("X-TTS-Backend", res.Backend)
		w.WriteHeader(http.StatusOK)
	}

	for c := range res.Stream {
		if c.Err != nil {
			if !started {
				s.writeError(w, r, c.Err)
				return
			}
			observe.Logger(r.Context()).Warn("audio stream aborted", "backend", res.Backend, "err", c.Err)
			return
		}
		start(c.Data)
		if _, err := w.Write(c.Data); err != nil {
			return
		}
		_ = rc.Flush()
	}
	start(nil)
}

// ---- file routes ----

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	path, err := s.files.Path(r.PathValue("name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", tts.ContentType(format(path)))
	http.ServeFile(w, r, path)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	if err := s.files.Release(r.PathValue("name")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- helpers ----

// decode reads the synthesis request body. It answers malformed bodies with
// a validation error and reports whether the handler should continue.
func (s *Server) decode(w http.ResponseWriter, r *http.Request) (speech.Input, bool) {
	var in speech.Input
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		s.writeError(w, r, tts.Invalid(fmt.Sprintf("malformed request body: %v", err)))
		return speech.Input{}, false
	}
	return in, true
}

// limit rejects requests over the configured rate with 429.
func (s *Server) limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			s.metrics.RateLimited.Add(r.Context(), 1, metric.WithAttributes(observe.Attr("path", r.Pattern)))
			s.writeError(w, r, errRateLimited)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// format derives the audio format from a file extension, defaulting to mp3.
func format(path string) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	if ext == "" {
		return "mp3"
	}
	return ext
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
