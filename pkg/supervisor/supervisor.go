// Package supervisor is the conductor's top-level lifecycle owner: it
// boots every component, wires them together, and fans out shutdown on
// either an OS signal or an IPC drain_and_shutdown command.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"conductor/pkg/config"
	"conductor/pkg/health"
	"conductor/pkg/ipc"
	"conductor/pkg/logx"
	"conductor/pkg/messagebus"
	"conductor/pkg/metrics"
	"conductor/pkg/processmgr"
	"conductor/pkg/store"
)

// Supervisor owns the conductor's components and cancellation token.
type Supervisor struct {
	cfg    config.Config
	logger *logx.Logger

	store    *store.Store
	procmgr  *processmgr.ProcessManager
	health   *health.HealthChecker
	bus      *messagebus.MessageBus
	ipc      *ipc.Server
	metrics  *metrics.Registry
	rollingFile *logx.RollingFile

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// RequestShutdown satisfies ipc.ShutdownRequester: it signals the single-
// slot shutdown channel exactly once.
func (s *Supervisor) RequestShutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
}

// New loads configuration, initializes logging, opens the StateStore, and
// constructs every component. It does not start any workers or background
// loops; call Run for that.
func New() (*Supervisor, error) {
	cfg := config.Load()

	sink, rollingFile, err := logx.NewStderrAndFile(cfg.Log.Dir)
	if err != nil {
		return nil, fmt.Errorf("supervisor: init logging: %w", err)
	}
	logger := logx.New("conductor", sink)

	if err := logx.PruneOldLogs(cfg.Log.Dir, cfg.Log.MaxFiles); err != nil {
		logger.Warn("failed to prune old logs: %v", err)
	}

	st, err := store.Open(cfg.Store.DBPath)
	if err != nil {
		return nil, fmt.Errorf("supervisor: open store: %w", err)
	}

	reg := metrics.New()

	specs := map[processmgr.WorkerKind]processmgr.WorkerSpec{
		processmgr.Engine: {Binary: cfg.Process.EngineBinary, Args: cfg.Process.EngineArgs},
	}
	if cfg.Process.ShellBinary != "" {
		specs[processmgr.Shell] = processmgr.WorkerSpec{Binary: cfg.Process.ShellBinary, Args: cfg.Process.ShellArgs}
	}

	pm := processmgr.New(st, logger.With("processmgr"), processmgr.Options{
		Specs:           specs,
		ShutdownGrace:   cfg.Process.ShutdownGrace,
		MaxRestarts:     cfg.Process.MaxRestarts,
		RestartWindow:   cfg.Process.RestartWindow,
		RestartRestarts: reg.ProcessRestarts,
		SpawnFailures:   reg.ProcessSpawnFailures,
	})

	hc := health.New(pm, st, logger.With("health"), health.Options{
		URL:                      cfg.Health.URL,
		Interval:                 cfg.Health.Interval,
		Timeout:                  cfg.Health.Timeout,
		FailureThreshold:         cfg.Health.FailureThreshold,
		ConsecutiveFailuresGauge: reg.HealthConsecutiveFailures,
		CircuitStateGauge:        reg.HealthCircuitState,
	})

	bus := messagebus.New(st, logger.With("messagebus"))

	s := &Supervisor{
		cfg:         cfg,
		logger:      logger,
		store:       st,
		procmgr:     pm,
		health:      hc,
		bus:         bus,
		metrics:     reg,
		rollingFile: rollingFile,
		shutdownCh:  make(chan struct{}),
	}

	s.ipc = ipc.New(pm, hc, bus, s, logger.With("ipc"), ipc.Options{
		Path:    cfg.IPC.Path,
		TCPPort: cfg.IPC.TCPPort,
	})

	return s, nil
}

// Run executes the boot sequence (starting workers, spawning the health
// and IPC loops) and blocks until an OS signal or an IPC
// drain_and_shutdown request triggers shutdown, at which point it stops
// all workers and returns.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if _, err := s.procmgr.Start(ctx, processmgr.Engine); err != nil {
		s.logger.Error("failed to start engine worker (health checker will retry via restart): %v", err)
	} else {
		s.bus.MarkOnline(string(processmgr.Engine))
	}

	if s.cfg.Process.ShellBinary != "" {
		if _, err := s.procmgr.Start(ctx, processmgr.Shell); err != nil {
			s.logger.Error("failed to start shell worker: %v", err)
		} else {
			s.bus.MarkOnline(string(processmgr.Shell))
		}
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.health.Run(ctx)
	}()

	ipcErrCh := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.ipc.Run(ctx); err != nil {
			ipcErrCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-sigCh:
		s.logger.Info("shutdown signal received")
	case <-s.shutdownCh:
		s.logger.Info("shutdown requested over ipc")
	case err := <-ipcErrCh:
		s.logger.Error("ipc server aborted: %v", err)
		cancel()
		s.procmgr.StopAll(context.Background())
		s.closeStore()
		return err
	case <-ctx.Done():
	}

	cancel()
	s.procmgr.StopAll(context.Background())
	wg.Wait()
	s.closeStore()
	return nil
}

func (s *Supervisor) closeStore() {
	if err := s.store.Close(); err != nil {
		s.logger.Error("failed to close store: %v", err)
	}
	if s.rollingFile != nil {
		_ = s.rollingFile.Close()
	}
}
