package logx

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// RollingFile is an io.Writer that rotates to a new file each calendar day
// (UTC) and keeps the current file synced after every write.
type RollingFile struct {
	dir string

	mu          sync.Mutex
	currentFile *os.File
	currentDate string
}

const fileTimePattern = "2006-01-02"

// NewRollingFile opens (creating dir and today's file as needed) a rolling
// log file under dir.
func NewRollingFile(dir string) (*RollingFile, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("logx: create log dir: %w", err)
	}
	rf := &RollingFile{dir: dir}
	if err := rf.rotateIfNeeded(); err != nil {
		return nil, err
	}
	return rf, nil
}

func (rf *RollingFile) rotateIfNeeded() error {
	today := time.Now().UTC().Format(fileTimePattern)
	if today == rf.currentDate && rf.currentFile != nil {
		return nil
	}
	if rf.currentFile != nil {
		_ = rf.currentFile.Close()
	}
	path := filepath.Join(rf.dir, fmt.Sprintf("conductor-%s.log", today))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("logx: open log file: %w", err)
	}
	rf.currentFile = f
	rf.currentDate = today
	return nil
}

// Write implements io.Writer. Rotation errors are not propagated to the
// caller (a logging failure should never abort the operation being
// logged); they fall back to discarding the line.
func (rf *RollingFile) Write(p []byte) (int, error) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if err := rf.rotateIfNeeded(); err != nil {
		return len(p), nil
	}
	n, err := rf.currentFile.Write(p)
	if err == nil {
		_ = rf.currentFile.Sync()
	}
	return n, err
}

// Close closes the currently open file.
func (rf *RollingFile) Close() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if rf.currentFile == nil {
		return nil
	}
	return rf.currentFile.Close()
}

// PruneOldLogs removes rotated log files under dir beyond the keep newest
// files, ordered by modification time.
func PruneOldLogs(dir string, keep int) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("logx: read log dir: %w", err)
	}

	type fileInfo struct {
		path    string
		modTime time.Time
	}
	var files []fileInfo
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "conductor-") || !strings.HasSuffix(e.Name(), ".log") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, fileInfo{path: filepath.Join(dir, e.Name()), modTime: info.ModTime()})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].modTime.After(files[j].modTime) })

	if len(files) <= keep {
		return nil
	}
	for _, f := range files[keep:] {
		if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("logx: prune %s: %w", f.path, err)
		}
	}
	return nil
}
