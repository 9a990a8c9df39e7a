package preflight

import (
	"fmt"
	"path/filepath"
	"time"
)

// Options configures a preflight Run.
type Options struct {
	ConfigDir string
	PIDFile   string // defaults to <ConfigDir>/ccproxy.pid
	Ports     []int  // every port the server is about to bind
	Host      string // defaults to 127.0.0.1
}

// Run executes the three-phase startup check `ccproxy start` performs
// before binding its listener, generalized here so `ccproxy preflight
// check` can also run it standalone. Phase 1 rejects a
// second instance outright; phase 2 best-effort-kills orphans phase 1
// didn't catch; phase 3 verifies every port the server needs is free,
// reclaiming it automatically if the occupant turns out to be a stale
// ccproxy process.
func Run(opts Options) error {
	pidFile := opts.PIDFile
	if pidFile == "" {
		pidFile = filepath.Join(opts.ConfigDir, "ccproxy.pid")
	}
	host := opts.Host
	if host == "" {
		host = "127.0.0.1"
	}

	if running, pid := IsProcessRunning(pidFile); running {
		return &pidFileConflictError{Label: "ccproxy", PID: pid}
	}

	orphans, err := FindOrphans(opts.ConfigDir)
	if err != nil {
		return fmt.Errorf("scanning for orphaned processes: %w", err)
	}
	if len(orphans) > 0 {
		KillOrphans(orphans, func() { time.Sleep(300 * time.Millisecond) })
		time.Sleep(500 * time.Millisecond)
	}

	for _, port := range opts.Ports {
		if err := ensurePortFree(port, host, opts.ConfigDir); err != nil {
			return err
		}
	}
	return nil
}

func ensurePortFree(port int, host, configDir string) error {
	occupant, err := CheckPort(port, host)
	if err != nil {
		return fmt.Errorf("checking port %d: %w", port, err)
	}
	if occupant == nil {
		return nil
	}
	if occupant.PID == -1 {
		return fmt.Errorf("port %d is already in use (could not identify process)", port)
	}
	if isCCProxyProcess(occupant.Cmdline, configDir) {
		KillOrphans([]Orphan{{PID: occupant.PID, Cmdline: occupant.Cmdline}}, func() { time.Sleep(300 * time.Millisecond) })
		recheck, err := CheckPort(port, host)
		if err == nil && recheck != nil {
			return fmt.Errorf("failed to free port %d (PID %d still holding it)", port, occupant.PID)
		}
		return nil
	}
	return fmt.Errorf("port %d is occupied by another process (PID %d: %s); stop it first", port, occupant.PID, occupant.Cmdline)
}
