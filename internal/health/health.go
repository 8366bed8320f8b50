// Package health serves the oddtts liveness, readiness and service status
// endpoints.
//
//   - /healthz: liveness probe; always 200 OK.
//   - /readyz: readiness probe; 200 only when every registered [Checker]
//     passes (the voice catalog among them).
//   - /oddtts/health: the service status document clients of the HTTP API
//     poll, {"status":"healthy","message":...}.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil when the dependency
// is usable.
type Checker struct {
	// Name appears as a key in the /readyz response (e.g. "catalog").
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// result is the JSON body of /healthz and /readyz.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// serviceStatus is the JSON body of /oddtts/health.
type serviceStatus struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Handler serves the health endpoints. The checker list is fixed at
// construction time.
type Handler struct {
	service  string
	checkers []Checker
}

// New creates a [Handler] for the named service. The checkers run in order
// on each /readyz request.
func New(service string, checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{service: service, checkers: c}
}

// Healthz always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz returns 200 only when every [Checker] passes within [checkTimeout].
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks, ok := h.run(r.Context())

	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !ok {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Status reports whether the service is running. It is always 200; a
// failing checker only changes the message, matching what existing clients
// of the endpoint expect.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	msg := h.service + " is running"
	if checks, ok := h.run(r.Context()); !ok {
		for name, v := range checks {
			if v != "ok" {
				msg += "; " + name + " " + v
			}
		}
	}
	writeJSON(w, http.StatusOK, serviceStatus{Status: "healthy", Message: msg})
}

// Register adds the health routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	mux.HandleFunc("GET /oddtts/health", h.Status)
}

func (h *Handler) run(ctx context.Context) (map[string]string, bool) {
	checks := make(map[string]string, len(h.checkers))
	allOK := true
	for _, c := range h.checkers {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := c.Check(cctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			allOK = false
		} else {
			checks[c.Name] = "ok"
		}
	}
	return checks, allOK
}

// writeJSON encodes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
