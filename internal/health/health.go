// Package health provides the dashboard's liveness and readiness handlers.
//
//   - /healthz always returns 200 while the process can serve HTTP.
//   - /readyz runs every registered [Checker] concurrently and returns 200
//     unless a required check fails. Optional checks that fail mark the
//     response "degraded" but keep it ready.
//
// Responses are JSON objects with a "status" field ("ok", "degraded" or
// "fail") and a "checks" map holding each checker's outcome.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named health check.
type Checker struct {
	// Name appears as a key in the JSON response (e.g. "backend", "history").
	Name string

	// Check returns nil when the dependency is healthy. It must respect
	// context cancellation.
	Check func(ctx context.Context) error

	// Optional checks degrade the response instead of failing it. Used for
	// dependencies the client can work without, such as the LLM advisor.
	Optional bool
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction time.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] evaluating checkers on each /readyz request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz is the readiness probe.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	res := h.Evaluate(r.Context())
	status := http.StatusOK
	if res.Status == "fail" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Evaluate runs all checkers concurrently, each under its own
// [checkTimeout], and summarises the outcome.
func (h *Handler) Evaluate(ctx context.Context) result {
	var (
		mu       sync.Mutex
		checks   = make(map[string]string, len(h.checkers))
		failed   bool
		degraded bool
	)

	// The group context is not used: one failing check must not cancel the
	// others.
	var g errgroup.Group
	for _, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			err := c.Check(cctx)
			cancel()

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				checks[c.Name] = "ok"
			case c.Optional:
				checks[c.Name] = "degraded: " + err.Error()
				degraded = true
			default:
				checks[c.Name] = "fail: " + err.Error()
				failed = true
			}
			return nil
		})
	}
	_ = g.Wait()

	res := result{Status: "ok", Checks: checks}
	switch {
	case failed:
		res.Status = "fail"
	case degraded:
		res.Status = "degraded"
	}
	return res
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
