// Package health tracks gateway readiness and serves the probe and stats
// endpoints.
package health

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// State constants for the readiness state machine.
const (
	stateStarting int32 = iota
	stateReady
	stateDraining
)

// Stats is the load snapshot served by the stats endpoint.
type Stats struct {
	Sessions          int `json:"sessions"`
	Operations        int `json:"operations"`
	PendingOperations int `json:"pending_operations"`
	RunningOperations int `json:"running_operations"`
	PoolBusy          int `json:"pool_busy"`
	Contexts          int `json:"contexts"`
	IdleContexts      int `json:"idle_contexts"`
}

// StatsFunc produces a Stats snapshot.
type StatsFunc func() Stats

// Checker tracks the readiness state of the gateway.
// It is safe for concurrent use.
type Checker struct {
	state   atomic.Int32
	started time.Time

	mu    sync.RWMutex
	stats StatsFunc
}

// NewChecker creates a Checker in the Starting state.
func NewChecker() *Checker {
	return &Checker{started: time.Now()}
}

// SetStats installs the stats source.
func (c *Checker) SetStats(fn StatsFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats = fn
}

// SetReady transitions to the Ready state.
func (c *Checker) SetReady() {
	c.state.Store(stateReady)
}

// SetDraining transitions to the Draining state. The gateway sets it first
// on shutdown so load balancers stop routing new sessions.
func (c *Checker) SetDraining() {
	c.state.Store(stateDraining)
}

// IsReady returns true when the state is Ready.
func (c *Checker) IsReady() bool {
	return c.state.Load() == stateReady
}

// State returns the current state as a human-readable string.
func (c *Checker) State() string {
	switch c.state.Load() {
	case stateReady:
		return "ready"
	case stateDraining:
		return "draining"
	default:
		return "starting"
	}
}

type healthResponse struct {
	Status string `json:"status"`
}

type statsResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Stats
}

// LivenessHandler always responds 200 OK (/healthz).
func (*Checker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
	}
}

// ReadinessHandler responds 200 when ready and 503 when starting or
// draining (/readyz).
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if c.IsReady() {
			writeJSON(w, http.StatusOK, healthResponse{Status: c.State()})
			return
		}
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: c.State()})
	}
}

// StatsHandler serves session, operation and context counts (/statz).
func (c *Checker) StatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		c.mu.RLock()
		fn := c.stats
		c.mu.RUnlock()

		resp := statsResponse{
			Status:        c.State(),
			UptimeSeconds: int64(time.Since(c.started).Seconds()),
		}
		if fn != nil {
			resp.Stats = fn()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// Mux returns a mux with the three endpoints mounted.
func (c *Checker) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/healthz", c.LivenessHandler())
	mux.Handle("/readyz", c.ReadinessHandler())
	mux.Handle("/statz", c.StatsHandler())
	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
