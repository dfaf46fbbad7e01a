// Package health serves the broker's operational probes. Liveness
// (/healthz) reports only that the process answers HTTP. Readiness
// (/readyz) runs the registered dependency checks, in the broker's case
// session capacity and the settings store, and answers 503 while any of
// them fail; a draining broker uses this to drop out of the load balancer
// rotation before its sockets close.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// checkTimeout bounds each readiness check. A hung dependency must not hang
// the probe, or the orchestrator never sees the failure.
const checkTimeout = 5 * time.Second

// Checker is one named readiness dependency. Check returns nil while the
// dependency can serve and an error describing the failure otherwise; it
// must respect context cancellation.
type Checker struct {
	// Name keys the check's result in the /readyz response body, e.g.
	// "capacity" or "persistence".
	Name string

	Check func(ctx context.Context) error
}

// report is the response body of both probes.
type report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler answers the probe routes. The checker set is fixed at
// construction; safe for concurrent use.
type Handler struct {
	checkers []Checker
}

// New creates a Handler over the given checkers.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Register adds the probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz always answers 200. A process that can serve HTTP is alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeReport(w, http.StatusOK, report{Status: "ok"})
}

// Readyz runs every checker concurrently, each under its own checkTimeout,
// and answers 200 only when all of them pass. The slowest check bounds the
// probe, not the sum.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	type outcome struct {
		name string
		err  error
	}
	results := make(chan outcome, len(h.checkers))
	for _, c := range h.checkers {
		go func() {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			results <- outcome{name: c.Name, err: c.Check(ctx)}
		}()
	}

	res := report{
		Status: "ok",
		Checks: make(map[string]string, len(h.checkers)),
	}
	status := http.StatusOK
	for range h.checkers {
		o := <-results
		if o.err != nil {
			res.Checks[o.name] = "fail: " + o.err.Error()
			res.Status = "fail"
			status = http.StatusServiceUnavailable
			continue
		}
		res.Checks[o.name] = "ok"
	}

	writeReport(w, status, res)
}

func writeReport(w http.ResponseWriter, status int, res report) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
