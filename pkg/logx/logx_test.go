package logx

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoggerWritesTaggedLine(t *testing.T) {
	var buf bytes.Buffer
	logger := New("conductor", &buf)
	logger.Info("hello %s", "world")

	out := buf.String()
	require.Contains(t, out, "[conductor]")
	require.Contains(t, out, "INFO:")
	require.Contains(t, out, "hello world")
}

func TestLoggerWithAddsSubComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := New("conductor", &buf).With("health")
	logger.Warn("probe failed")

	require.Contains(t, buf.String(), "[conductor.health]")
}

func TestMultiWriterFansOutToAllSinks(t *testing.T) {
	var a, b bytes.Buffer
	mw := NewMultiWriter(&a, &b)
	_, err := mw.Write([]byte("line\n"))
	require.NoError(t, err)

	require.Equal(t, "line\n", a.String())
	require.Equal(t, "line\n", b.String())
}

func TestRollingFileCreatesTodayFile(t *testing.T) {
	dir := t.TempDir()
	rf, err := NewRollingFile(dir)
	require.NoError(t, err)
	defer rf.Close()

	_, err = rf.Write([]byte("entry\n"))
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestPruneOldLogsKeepsNewestN(t *testing.T) {
	dir := t.TempDir()
	names := []string{"conductor-2024-01-01.log", "conductor-2024-01-02.log", "conductor-2024-01-03.log"}
	for _, n := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), []byte("x"), 0o644))
	}

	require.NoError(t, PruneOldLogs(dir, 2))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestPruneOldLogsOnMissingDirIsNoOp(t *testing.T) {
	require.NoError(t, PruneOldLogs(filepath.Join(t.TempDir(), "nonexistent"), 5))
}
