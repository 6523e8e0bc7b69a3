// Package deploy keeps a single sqlitekv server per data directory.
package deploy

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

const pidFileName = "sqlitekv.pid"

// ErrNotRunning is returned by Stop when no live server owns the data dir.
var ErrNotRunning = errors.New("server is not running")

// PIDFile records which process serves a data directory.
type PIDFile struct {
	path string
}

// NewPIDFile returns the PID file for dataDir.
func NewPIDFile(dataDir string) *PIDFile {
	return &PIDFile{path: filepath.Join(dataDir, pidFileName)}
}

// Path returns the full path to the PID file.
func (p *PIDFile) Path() string {
	return p.path
}

// Write stores the current process ID.
func (p *PIDFile) Write() error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("create pid dir: %w", err)
	}
	if err := os.WriteFile(p.path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// Read returns the stored PID, or 0 if there is no file.
func (p *PIDFile) Read() (int, error) {
	data, err := os.ReadFile(p.path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid pid: %w", err)
	}
	return pid, nil
}

// Remove deletes the PID file. A missing file is not an error.
func (p *PIDFile) Remove() error {
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove pid file: %w", err)
	}
	return nil
}

// Running returns the PID of a live server, clearing a stale file.
func (p *PIDFile) Running() (int, bool) {
	pid, err := p.Read()
	if err != nil || pid == 0 {
		return 0, false
	}
	if !processExists(pid) {
		p.Remove()
		return 0, false
	}
	return pid, true
}

// Acquire claims the data directory for this process. The returned release
// func removes the PID file.
func (p *PIDFile) Acquire() (release func(), err error) {
	if pid, running := p.Running(); running && pid != os.Getpid() {
		return nil, fmt.Errorf("server already running (pid=%d)", pid)
	}
	if err := p.Write(); err != nil {
		return nil, err
	}
	return func() { p.Remove() }, nil
}

// Stop sends SIGTERM to the server owning dataDir.
func Stop(dataDir string) (int, error) {
	pid, running := NewPIDFile(dataDir).Running()
	if !running {
		return 0, ErrNotRunning
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return 0, fmt.Errorf("signal %d: %w", pid, err)
	}
	return pid, nil
}

// processExists probes pid with signal 0.
func processExists(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
