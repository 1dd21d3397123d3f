// Package health is the conductor's HealthChecker: a periodic probe loop
// over the Engine worker's health endpoint, guarded by a circuit breaker
// that triggers restarts via ProcessManager.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"conductor/pkg/logx"
	"conductor/pkg/processmgr"
	"conductor/pkg/store"
)

// CircuitState is the three-valued indicator the HealthChecker uses to
// avoid restart storms.
type CircuitState int

const (
	Closed CircuitState = iota
	Open
	HalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// restarter is the subset of ProcessManager the HealthChecker depends on.
type restarter interface {
	Restart(ctx context.Context, kind processmgr.WorkerKind) (int, error)
}

// HealthChecker runs the probe loop and owns the circuit state.
type HealthChecker struct {
	url              string
	interval         time.Duration
	timeout          time.Duration
	failureThreshold int

	procmgr restarter
	store   *store.Store
	logger  *logx.Logger
	client  *http.Client

	consecutiveFailuresGauge prometheus.Gauge
	circuitStateGauge        prometheus.Gauge

	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
}

// Options configures a new HealthChecker.
type Options struct {
	URL                       string
	Interval                  time.Duration
	Timeout                   time.Duration
	FailureThreshold          int
	ConsecutiveFailuresGauge  prometheus.Gauge
	CircuitStateGauge         prometheus.Gauge
}

// New constructs a HealthChecker that probes opts.URL, restarts Engine
// through procmgr when the circuit trips, and records successful probes
// through st.
func New(procmgr restarter, st *store.Store, logger *logx.Logger, opts Options) *HealthChecker {
	return &HealthChecker{
		url:                      opts.URL,
		interval:                 opts.Interval,
		timeout:                  opts.Timeout,
		failureThreshold:         opts.FailureThreshold,
		procmgr:                  procmgr,
		store:                    st,
		logger:                   logger,
		client:                   &http.Client{},
		consecutiveFailuresGauge: opts.ConsecutiveFailuresGauge,
		circuitStateGauge:        opts.CircuitStateGauge,
		state:                    Closed,
	}
}

// State returns the current circuit state.
func (h *HealthChecker) State() CircuitState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// ConsecutiveFailures returns the current consecutive-failure count.
func (h *HealthChecker) ConsecutiveFailures() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.consecutiveFailures
}

// Run executes the probe loop until ctx is cancelled.
func (h *HealthChecker) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.checkOnce(ctx)
		}
	}
}

func (h *HealthChecker) checkOnce(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	ok := h.probe(probeCtx)
	if ok {
		h.onSuccess(ctx)
	} else {
		h.onFailure(ctx)
	}
}

func (h *HealthChecker) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return false
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (h *HealthChecker) onSuccess(ctx context.Context) {
	h.mu.Lock()
	h.consecutiveFailures = 0
	if h.state == HalfOpen {
		h.state = Closed
	}
	h.reportLocked()
	h.mu.Unlock()

	if err := h.store.RecordHealth(ctx, string(processmgr.Engine)); err != nil {
		h.logger.Error("failed to record health: %v", err)
	}
}

func (h *HealthChecker) onFailure(ctx context.Context) {
	h.mu.Lock()
	h.consecutiveFailures++
	shouldTrip := h.consecutiveFailures >= h.failureThreshold && h.state == Closed
	if shouldTrip {
		h.state = Open
	} else if h.state == HalfOpen {
		h.state = Open
	}
	h.reportLocked()
	h.mu.Unlock()

	if !shouldTrip {
		return
	}

	h.logger.Warn("health circuit open after %d consecutive failures, restarting engine", h.failureThreshold)
	_, err := h.procmgr.Restart(ctx, processmgr.Engine)

	h.mu.Lock()
	defer h.mu.Unlock()
	if err != nil {
		h.logger.Error("restart failed, circuit returning to closed: %v", err)
		h.state = Closed
	} else {
		// Clear the counter before entering HalfOpen so the first
		// post-restart failure is not attributed to the old incident.
		h.consecutiveFailures = 0
		h.state = HalfOpen
	}
	h.reportLocked()
}

// reportLocked updates the exported gauges. Caller must hold h.mu.
func (h *HealthChecker) reportLocked() {
	if h.consecutiveFailuresGauge != nil {
		h.consecutiveFailuresGauge.Set(float64(h.consecutiveFailures))
	}
	if h.circuitStateGauge != nil {
		h.circuitStateGauge.Set(float64(h.state))
	}
}

// StatusSummary is a JSON-ready snapshot for IPC get_status.
type StatusSummary struct {
	Circuit             string `json:"circuit"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
}

// Summary returns the current status for IPC reporting.
func (h *HealthChecker) Summary() StatusSummary {
	h.mu.Lock()
	defer h.mu.Unlock()
	return StatusSummary{Circuit: h.state.String(), ConsecutiveFailures: h.consecutiveFailures}
}
