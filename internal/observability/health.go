package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"
)

// Set at build time with -ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

// HealthResponse is the body of /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// ReadinessResponse is the body of /ready.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult reports one readiness dependency.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker is implemented by the workflow store and the idempotency
// store.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// CheckFunc adapts a function to HealthChecker.
type CheckFunc func(ctx context.Context) error

// HealthCheck calls f.
func (f CheckFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// ReadinessChecks lists what /ready verifies. The templates check always
// runs; a nil store is not checked.
type ReadinessChecks struct {
	TemplatesLoaded func() bool

	Store            HealthChecker
	IdempotencyStore HealthChecker
}

var errNoTemplates = errors.New("no workflow templates loaded")

func (c ReadinessChecks) checkers() map[string]HealthChecker {
	out := map[string]HealthChecker{
		"templates": CheckFunc(func(context.Context) error {
			if c.TemplatesLoaded == nil || !c.TemplatesLoaded() {
				return errNoTemplates
			}
			return nil
		}),
	}
	if c.Store != nil {
		out["store"] = c.Store
	}
	if c.IdempotencyStore != nil {
		out["idempotency_store"] = c.IdempotencyStore
	}
	return out
}

const checkTimeout = 2 * time.Second

// HandleHealth answers liveness with the build version.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeHealthJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: Version, Commit: Commit})
	}
}

// HandleReady runs every readiness check concurrently, each bounded by
// checkTimeout, and answers 503 unless all pass.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checkers := checks.checkers()

		var (
			mu      sync.Mutex
			wg      sync.WaitGroup
			results = make(map[string]CheckResult, len(checkers))
			ready   = true
		)
		for name, checker := range checkers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res := runCheck(r.Context(), checker)
				mu.Lock()
				defer mu.Unlock()
				results[name] = res
				if res.Status != "ok" {
					ready = false
				}
			}()
		}
		wg.Wait()

		if !ready {
			writeHealthJSON(w, http.StatusServiceUnavailable, ReadinessResponse{Status: "not_ready", Checks: results})
			return
		}
		writeHealthJSON(w, http.StatusOK, ReadinessResponse{Status: "ready", Checks: results})
	}
}

func runCheck(parent context.Context, checker HealthChecker) CheckResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := checker.HealthCheck(ctx)
	res := CheckResult{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status = "error"
		res.Error = err.Error()
	}
	return res
}

func writeHealthJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
