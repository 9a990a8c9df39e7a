// Package preflight runs the startup checks that guarantee a clean
// environment before the server binds its port: single-instance
// enforcement via a PID file, an orphan-process sweep, and port
// liveness checks via /proc-based process discovery.
package preflight

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// WritePIDFile writes the current process's PID to path.
func WritePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// RemovePIDFile removes the PID file if present. Safe to call even if it
// was never written.
func RemovePIDFile(path string) {
	_ = os.Remove(path)
}

// IsProcessRunning reports whether the PID recorded in path is a live
// process. A missing or unparsable PID file is treated as not running.
func IsProcessRunning(path string) (running bool, pid int) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return false, 0
	}
	pid, err = strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return false, 0
	}
	if !processAlive(pid) {
		return false, pid
	}
	return true, pid
}

// processAlive sends signal 0 to pid, which performs the existence check
// without affecting the target process.
func processAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

// pidFileConflictError is returned by Run when an existing PID file
// names a live process.
type pidFileConflictError struct {
	Label string
	PID   int
}

func (e *pidFileConflictError) Error() string {
	return fmt.Sprintf("%s is already running (PID %d); stop it first", e.Label, e.PID)
}
