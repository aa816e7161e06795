// Package health provides the liveness and readiness endpoints.
//
//   - /healthz — liveness probe; always returns 200 OK.
//   - /readyz  — readiness probe; returns 200 only when every registered
//     [Checker] passes.
//
// Converso's readiness checks probe independent backends (the coach
// credential, the PostgreSQL history store), so they run concurrently: a
// probe with its own short timeout should not pay the sum of all dependency
// timeouts when one backend hangs.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// checkTimeout bounds each individual readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check.
type Checker struct {
	// Name labels this check in the JSON response (e.g. "history", "coach").
	Name string

	// Check probes the dependency, returning nil when healthy. It must
	// respect context cancellation.
	Check func(ctx context.Context) error
}

// checkState is the JSON result of one readiness check.
type checkState struct {
	OK bool `json:"ok"`

	// Error holds the failure description, omitted when OK.
	Error string `json:"error,omitempty"`

	// Duration is how long the check took, as a time.Duration string.
	Duration string `json:"duration"`
}

// result is the JSON response body for both endpoints.
type result struct {
	Status string                `json:"status"`
	Checks map[string]checkState `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. Safe for concurrent use; the checker
// list is fixed at construction time.
type Handler struct {
	checkers []Checker
}

// New creates a Handler over the given checkers.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz is the liveness probe: a process that can serve HTTP is alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz runs every checker concurrently, each with its own [checkTimeout]
// deadline derived from the request context, and returns 200 only when all
// of them pass.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	states := make([]checkState, len(h.checkers))

	var wg sync.WaitGroup
	for i, c := range h.checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()

			started := time.Now()
			err := c.Check(ctx)
			states[i] = checkState{
				OK:       err == nil,
				Duration: time.Since(started).Round(time.Millisecond).String(),
			}
			if err != nil {
				states[i].Error = err.Error()
			}
		}()
	}
	wg.Wait()

	res := result{Status: "ok", Checks: make(map[string]checkState, len(h.checkers))}
	status := http.StatusOK
	for i, c := range h.checkers {
		res.Checks[c.Name] = states[i]
		if !states[i].OK {
			res.Status = "fail"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// writeJSON encodes v with the given status code. On encoding failure it
// falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
