// Package processmgr is the conductor's ProcessManager: deterministic,
// serialized lifecycle control of each worker kind, with a sliding-window
// restart budget.
package processmgr

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"conductor/pkg/logx"
	"conductor/pkg/store"
)

// WorkerKind is the closed enumeration of supervisable worker identities.
type WorkerKind string

const (
	Engine WorkerKind = "engine"
	Shell  WorkerKind = "shell"
)

// WorkerSpec is the static configuration for one worker kind: where its
// binary lives and what arguments to launch it with.
type WorkerSpec struct {
	Binary string
	Args   []string
}

// ErrUnconfigured is returned by Start when no binary is configured for
// the requested kind.
var ErrUnconfigured = errors.New("processmgr: worker kind is not configured")

// BudgetExhaustedError is returned by Restart when the restart ledger for
// a kind has no room left in the current window.
type BudgetExhaustedError struct {
	Kind   WorkerKind
	Count  int
	Window time.Duration
}

func (e *BudgetExhaustedError) Error() string {
	return fmt.Sprintf("processmgr: restart budget exhausted for %s: %d restarts within %s", e.Kind, e.Count, e.Window)
}

// WorkerHandle is the live record for one running child.
type WorkerHandle struct {
	Kind      WorkerKind
	PID       int
	StartedAt time.Time
	cmd       *exec.Cmd
	done      chan error
}

// RestartLedger is a per-kind sliding window of recent restart instants.
type RestartLedger struct {
	mu          sync.Mutex
	timestamps  []time.Time
	maxRestarts int
	window      time.Duration
}

// NewRestartLedger constructs an empty ledger admitting at most
// maxRestarts restarts within window.
func NewRestartLedger(maxRestarts int, window time.Duration) *RestartLedger {
	return &RestartLedger{maxRestarts: maxRestarts, window: window}
}

// Record evicts entries older than the window, then admits the new
// attempt iff the surviving count is still under the budget. It reports
// whether the attempt was admitted, along with the post-eviction count.
func (l *RestartLedger) Record(now time.Time) (admitted bool, count int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.timestamps[:0]
	for _, ts := range l.timestamps {
		if now.Sub(ts) <= l.window {
			kept = append(kept, ts)
		}
	}
	l.timestamps = kept

	if len(l.timestamps) >= l.maxRestarts {
		return false, len(l.timestamps)
	}
	l.timestamps = append(l.timestamps, now)
	return true, len(l.timestamps)
}

// ProcessManager supervises Engine and Shell worker processes.
type ProcessManager struct {
	store  *store.Store
	logger *logx.Logger
	specs  map[WorkerKind]WorkerSpec

	shutdownGrace time.Duration

	restartRestarts *prometheus.CounterVec
	spawnFailures   *prometheus.CounterVec

	locks   map[WorkerKind]*sync.Mutex
	ledgers map[WorkerKind]*RestartLedger

	mu      sync.Mutex
	handles map[WorkerKind]*WorkerHandle
}

// Options configures a new ProcessManager.
type Options struct {
	Specs           map[WorkerKind]WorkerSpec
	ShutdownGrace   time.Duration
	MaxRestarts     int
	RestartWindow   time.Duration
	RestartRestarts *prometheus.CounterVec
	SpawnFailures   *prometheus.CounterVec
}

// New constructs a ProcessManager. Only kinds present in opts.Specs are
// configured; Start on an unconfigured kind fails with ErrUnconfigured.
func New(st *store.Store, logger *logx.Logger, opts Options) *ProcessManager {
	kinds := []WorkerKind{Engine, Shell}
	locks := make(map[WorkerKind]*sync.Mutex, len(kinds))
	ledgers := make(map[WorkerKind]*RestartLedger, len(kinds))
	for _, k := range kinds {
		locks[k] = &sync.Mutex{}
		ledgers[k] = NewRestartLedger(opts.MaxRestarts, opts.RestartWindow)
	}

	return &ProcessManager{
		store:           st,
		logger:          logger,
		specs:           opts.Specs,
		shutdownGrace:   opts.ShutdownGrace,
		restartRestarts: opts.RestartRestarts,
		spawnFailures:   opts.SpawnFailures,
		locks:           locks,
		ledgers:         ledgers,
		handles:         make(map[WorkerKind]*WorkerHandle),
	}
}

func (p *ProcessManager) lockFor(kind WorkerKind) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.locks[kind]
}

// Start spawns the configured binary for kind and returns its OS pid.
func (p *ProcessManager) Start(ctx context.Context, kind WorkerKind) (int, error) {
	lock := p.lockFor(kind)
	lock.Lock()
	defer lock.Unlock()

	spec, ok := p.specs[kind]
	if !ok || spec.Binary == "" {
		return 0, fmt.Errorf("%w: %s", ErrUnconfigured, kind)
	}

	cmd := exec.Command(spec.Binary, spec.Args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		if p.spawnFailures != nil {
			p.spawnFailures.WithLabelValues(string(kind)).Inc()
		}
		p.logger.Error("failed to spawn worker kind=%s: %v", kind, err)
		return 0, fmt.Errorf("processmgr: spawn %s: %w", kind, err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	handle := &WorkerHandle{
		Kind:      kind,
		PID:       cmd.Process.Pid,
		StartedAt: time.Now().UTC(),
		cmd:       cmd,
		done:      done,
	}

	p.mu.Lock()
	p.handles[kind] = handle
	p.mu.Unlock()

	pid := handle.PID
	if err := p.store.UpsertAgentState(ctx, string(kind), store.StatusRunning, &pid); err != nil {
		p.logger.Error("failed to persist running state for %s: %v", kind, err)
	}

	p.logger.Info("started worker kind=%s pid=%d", kind, pid)
	return pid, nil
}

// Stop gracefully drains the worker of kind, force-killing it if it does
// not exit within the configured shutdown grace period.
func (p *ProcessManager) Stop(ctx context.Context, kind WorkerKind) error {
	lock := p.lockFor(kind)
	lock.Lock()
	defer lock.Unlock()

	p.mu.Lock()
	handle := p.handles[kind]
	delete(p.handles, kind)
	p.mu.Unlock()

	if handle == nil {
		return nil
	}

	if err := handle.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		p.logger.Warn("failed to send SIGTERM to %s pid=%d: %v", kind, handle.PID, err)
	}

	select {
	case <-handle.done:
	case <-time.After(p.shutdownGrace):
		p.logger.Warn("worker kind=%s pid=%d did not exit within grace period, force-killing", kind, handle.PID)
		_ = syscall.Kill(-handle.PID, syscall.SIGKILL)
		<-handle.done
	}

	if err := p.store.UpsertAgentState(ctx, string(kind), store.StatusStopped, nil); err != nil {
		p.logger.Error("failed to persist stopped state for %s: %v", kind, err)
	}
	p.logger.Info("stopped worker kind=%s", kind)
	return nil
}

// Restart records a restart attempt against the kind's ledger; if the
// attempt is over budget the worker is marked failed and a
// BudgetExhaustedError is returned. Otherwise the worker is stopped,
// given 500ms for sockets to drain, and started again.
func (p *ProcessManager) Restart(ctx context.Context, kind WorkerKind) (int, error) {
	ledger := p.ledgers[kind]
	admitted, count := ledger.Record(time.Now())
	if !admitted {
		if err := p.store.UpsertAgentState(ctx, string(kind), store.StatusFailed, nil); err != nil {
			p.logger.Error("failed to persist failed state for %s: %v", kind, err)
		}
		return 0, &BudgetExhaustedError{Kind: kind, Count: count, Window: ledger.window}
	}

	if err := p.Stop(ctx, kind); err != nil {
		return 0, err
	}

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-time.After(500 * time.Millisecond):
	}

	pid, err := p.Start(ctx, kind)
	if err != nil {
		return 0, err
	}

	if p.restartRestarts != nil {
		p.restartRestarts.WithLabelValues(string(kind)).Inc()
	}
	return pid, nil
}

// StopAll stops every currently-running worker kind, snapshotting the set
// under the lock first and logging (but not propagating) individual
// failures. It is re-entrant safe: with no running children it is a no-op.
func (p *ProcessManager) StopAll(ctx context.Context) {
	p.mu.Lock()
	kinds := make([]WorkerKind, 0, len(p.handles))
	for k := range p.handles {
		kinds = append(kinds, k)
	}
	p.mu.Unlock()

	for _, k := range kinds {
		if err := p.Stop(ctx, k); err != nil {
			p.logger.Error("stop_all: failed to stop %s: %v", k, err)
		}
	}
}

// Status is a snapshot of a worker's live state, for IPC get_status.
type Status struct {
	Kind      WorkerKind `json:"kind"`
	PID       int        `json:"pid"`
	StartedAt time.Time  `json:"started_at"`
}

// StatusAll returns a snapshot of all currently-running workers.
func (p *ProcessManager) StatusAll() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Status, 0, len(p.handles))
	for _, h := range p.handles {
		out = append(out, Status{Kind: h.Kind, PID: h.PID, StartedAt: h.StartedAt})
	}
	return out
}
