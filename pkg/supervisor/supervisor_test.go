package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"conductor/pkg/config"
)

// newTestSupervisor builds a Supervisor through New against an isolated
// temp environment, pointing every path at a per-test directory via
// CONDUCTOR_* environment variables (restored when the test ends).
func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	dir := t.TempDir()

	t.Setenv("CONDUCTOR_DB_PATH", filepath.Join(dir, "state.db"))
	t.Setenv("CONDUCTOR_LOG_DIR", filepath.Join(dir, "logs"))
	t.Setenv("CONDUCTOR_IPC_PATH", filepath.Join(dir, "conductor.sock"))
	t.Setenv("CONDUCTOR_ENGINE_BINARY", "/bin/sleep")
	t.Setenv("CONDUCTOR_HEALTH_URL", "http://127.0.0.1:1/nope")
	t.Setenv("CONDUCTOR_HEALTH_INTERVAL_MS", "3600000")

	s, err := New()
	require.NoError(t, err)
	return s
}

func TestSupervisorShutsDownOnIPCCommand(t *testing.T) {
	s := newTestSupervisor(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- s.Run(ctx) }()

	sockPath := s.cfg.IPC.Path
	var conn net.Conn
	var err error
	for i := 0; i < 100; i++ {
		conn, err = net.Dial("unix", sockPath)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, err)
	defer conn.Close()

	req, _ := json.Marshal(map[string]string{"cmd": "drain_and_shutdown"})
	_, err = conn.Write(append(req, '\n'))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	t.Logf("response: %s", line)

	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(4 * time.Second):
		t.Fatal("supervisor did not shut down after drain_and_shutdown")
	}
}

func TestNewUsesConfiguredPaths(t *testing.T) {
	s := newTestSupervisor(t)
	require.Equal(t, os.Getenv("CONDUCTOR_DB_PATH"), s.cfg.Store.DBPath)
	require.Equal(t, os.Getenv("CONDUCTOR_IPC_PATH"), s.cfg.IPC.Path)
	require.Equal(t, config.Load().Process.MaxRestarts, s.cfg.Process.MaxRestarts)
}
