// Package health serves the liveness and readiness probes.
//
//   - GET /healthz answers 200 whenever the process can serve HTTP.
//   - GET /readyz probes every registered dependency and answers 503 as
//     soon as one fails.
//
// Readiness checks run concurrently; a slow database probe must not delay
// the capability-server probe past its own timeout.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// checkTimeout bounds each individual readiness probe.
const checkTimeout = 5 * time.Second

// Checker probes one dependency. Check returns nil when the dependency can
// serve traffic and must respect context cancellation.
type Checker struct {
	// Name keys the check in the response body ("database", "mcp").
	Name string

	Check func(ctx context.Context) error
}

// checkState is the per-dependency slice of the readiness response.
type checkState struct {
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Elapsed string `json:"elapsed"`
}

// readiness is the /readyz response body.
type readiness struct {
	Status string                `json:"status"`
	Checks map[string]checkState `json:"checks,omitempty"`
}

// Handler evaluates the registered checkers. The checker set is fixed at
// construction, so the handler needs no locking of its own.
type Handler struct {
	checkers []Checker
}

// New creates a Handler over the given checkers.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Healthz reports liveness.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	respond(w, http.StatusOK, readiness{Status: "ok"})
}

// Readyz probes every dependency concurrently, each under its own
// [checkTimeout], and reports 503 when any probe fails.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	states := make([]checkState, len(h.checkers))

	var wg sync.WaitGroup
	for i, c := range h.checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()

			start := time.Now()
			err := c.Check(ctx)
			states[i] = checkState{
				Status:  "ok",
				Elapsed: time.Since(start).Round(time.Millisecond).String(),
			}
			if err != nil {
				states[i].Status = "fail"
				states[i].Error = err.Error()
			}
		}()
	}
	wg.Wait()

	body := readiness{Status: "ok", Checks: make(map[string]checkState, len(h.checkers))}
	status := http.StatusOK
	for i, c := range h.checkers {
		body.Checks[c.Name] = states[i]
		if states[i].Status != "ok" {
			body.Status = "fail"
			status = http.StatusServiceUnavailable
		}
	}
	respond(w, status, body)
}

// Register mounts both probes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
