package processmgr

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"conductor/pkg/logx"
	"conductor/pkg/store"
)

func newTestManager(t *testing.T, shutdownGrace time.Duration, maxRestarts int, window time.Duration) (*ProcessManager, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	logger := logx.New("test", io.Discard)
	pm := New(st, logger, Options{
		Specs: map[WorkerKind]WorkerSpec{
			Engine: {Binary: "/bin/sleep", Args: []string{"3600"}},
		},
		ShutdownGrace: shutdownGrace,
		MaxRestarts:   maxRestarts,
		RestartWindow: window,
	})
	return pm, st
}

func TestStartRecordsRunningState(t *testing.T) {
	pm, st := newTestManager(t, time.Second, 5, time.Minute)
	ctx := context.Background()

	pid, err := pm.Start(ctx, Engine)
	require.NoError(t, err)
	require.Positive(t, pid)
	t.Cleanup(func() { _ = pm.Stop(ctx, Engine) })

	row, err := st.GetAgentState(ctx, string(Engine))
	require.NoError(t, err)
	require.Equal(t, store.StatusRunning, row.Status)
	require.Equal(t, pid, *row.PID)
}

func TestStartUnconfiguredKindFails(t *testing.T) {
	pm, _ := newTestManager(t, time.Second, 5, time.Minute)
	_, err := pm.Start(context.Background(), Shell)
	require.ErrorIs(t, err, ErrUnconfigured)
}

func TestStopWithShortGraceRecordsStoppedState(t *testing.T) {
	pm, st := newTestManager(t, 50*time.Millisecond, 5, time.Minute)
	ctx := context.Background()

	_, err := pm.Start(ctx, Engine)
	require.NoError(t, err)

	err = pm.Stop(ctx, Engine)
	require.NoError(t, err)

	row, err := st.GetAgentState(ctx, string(Engine))
	require.NoError(t, err)
	require.Equal(t, store.StatusStopped, row.Status)
	require.Nil(t, row.PID)
}

func TestRestartChangesPID(t *testing.T) {
	pm, _ := newTestManager(t, time.Second, 5, time.Minute)
	ctx := context.Background()

	pid1, err := pm.Start(ctx, Engine)
	require.NoError(t, err)

	pid2, err := pm.Restart(ctx, Engine)
	require.NoError(t, err)
	require.NotEqual(t, pid1, pid2)
	t.Cleanup(func() { _ = pm.Stop(ctx, Engine) })
}

func TestRestartBudgetExhausted(t *testing.T) {
	pm, st := newTestManager(t, time.Second, 2, time.Minute)
	ctx := context.Background()

	_, err := pm.Start(ctx, Engine)
	require.NoError(t, err)

	_, err = pm.Restart(ctx, Engine)
	require.NoError(t, err)
	_, err = pm.Restart(ctx, Engine)
	require.NoError(t, err)

	_, err = pm.Restart(ctx, Engine)
	require.Error(t, err)
	var budgetErr *BudgetExhaustedError
	require.ErrorAs(t, err, &budgetErr)

	row, err := st.GetAgentState(ctx, string(Engine))
	require.NoError(t, err)
	require.Equal(t, store.StatusFailed, row.Status)
}

func TestRestartLedgerSlidingWindow(t *testing.T) {
	ledger := NewRestartLedger(2, 100*time.Millisecond)
	now := time.Now()

	admitted, _ := ledger.Record(now)
	require.True(t, admitted)
	admitted, _ = ledger.Record(now)
	require.True(t, admitted)
	admitted, _ = ledger.Record(now)
	require.False(t, admitted)

	admitted, _ = ledger.Record(now.Add(200 * time.Millisecond))
	require.True(t, admitted)
}

func TestStopAllIsNoOpWithNoChildren(t *testing.T) {
	pm, _ := newTestManager(t, time.Second, 5, time.Minute)
	pm.StopAll(context.Background())
}

func TestStopAllStopsRunningWorkers(t *testing.T) {
	pm, st := newTestManager(t, time.Second, 5, time.Minute)
	ctx := context.Background()

	_, err := pm.Start(ctx, Engine)
	require.NoError(t, err)

	pm.StopAll(ctx)

	row, err := st.GetAgentState(ctx, string(Engine))
	require.NoError(t, err)
	require.Equal(t, store.StatusStopped, row.Status)
}
