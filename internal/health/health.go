// Package health serves the liveness and readiness probes.
//
//   - /healthz: liveness; 200 while the process serves HTTP.
//   - /readyz: readiness; 200 only when the server is not draining and every
//     registered [Checker] passes.
//
// Responses carry a top-level "status" ("ok" or "fail") and a "checks" map
// with the outcome of each named checker.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/admission"
)

// checkTimeout bounds every readiness check.
const checkTimeout = 5 * time.Second

// errDraining is reported while the server shuts down.
var errDraining = errors.New("server is draining")

// Checker is a named readiness check. Check returns nil when the dependency
// is healthy.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction time.
type Handler struct {
	checkers []Checker
	draining atomic.Bool
}

// New creates a [Handler]. Checkers run concurrently on each /readyz
// request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// SetDraining marks the server as shutting down; /readyz fails from then
// on so load balancers stop sending new connections.
func (h *Handler) SetDraining(v bool) { h.draining.Store(v) }

// Healthz always returns 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz returns 200 only when every checker passes within checkTimeout.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers)+1)
	allOK := true

	if h.draining.Load() {
		checks["draining"] = "fail: " + errDraining.Error()
		allOK = false
	}

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(r.Context())
	for _, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			err := c.Check(cctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				checks[c.Name] = "fail: " + err.Error()
				allOK = false
			} else {
				checks[c.Name] = "ok"
			}
			// Failures are recorded, not returned, so one bad check does not
			// cancel the others.
			return nil
		})
	}
	_ = g.Wait()

	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// CapacityChecker fails while every admission slot is taken.
func CapacityChecker(ac *admission.Controller) Checker {
	return Checker{
		Name: "capacity",
		Check: func(context.Context) error {
			if ac.Available() == 0 {
				return fmt.Errorf("all %d session slots in use", ac.Capacity())
			}
			return nil
		},
	}
}

// DegradedChecker wraps a component that reports whether it is running in a
// degraded mode.
func DegradedChecker(name string, degraded func() bool) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			if degraded() {
				return errors.New("degraded")
			}
			return nil
		},
	}
}

// writeJSON encodes v with the given status, falling back to a plain 500 on
// encoding failure.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
