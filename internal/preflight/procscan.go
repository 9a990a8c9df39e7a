package preflight

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ccproxyMarker identifies this binary's own managed processes in a
// /proc/*/cmdline scan, matched by a config-path substring.
const ccproxyMarker = "ccproxy"

// readCmdline reads and decodes /proc/<pid>/cmdline, returning "" on any
// failure (typically permission denied for another user's process).
func readCmdline(pid int) string {
	raw, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "cmdline"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(bytes.ReplaceAll(raw, []byte{0}, []byte{' '})))
}

// isCCProxyProcess reports whether a /proc cmdline line looks like one of
// this binary's own managed processes, identified by the marker and the
// configured config-directory path appearing together on the line.
func isCCProxyProcess(cmdline, configDir string) bool {
	return strings.Contains(cmdline, ccproxyMarker) && strings.Contains(cmdline, configDir)
}

// FindOrphans scans /proc for live ccproxy processes other than the
// current one (and its parent), returning pid/cmdline pairs. A process
// is "orphaned" here if no corresponding PID file referenced it: by the
// time FindOrphans runs, the PID-file check has already passed, so any
// match found is a process preflight doesn't otherwise know about.
func FindOrphans(configDir string) ([]Orphan, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, err
	}
	exclude := map[int]bool{os.Getpid(): true, os.Getppid(): true}

	var orphans []Orphan
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || exclude[pid] {
			continue
		}
		cmdline := readCmdline(pid)
		if cmdline != "" && isCCProxyProcess(cmdline, configDir) {
			orphans = append(orphans, Orphan{PID: pid, Cmdline: cmdline})
		}
	}
	return orphans, nil
}

// Orphan is one orphaned ccproxy-managed process found by FindOrphans.
type Orphan struct {
	PID     int
	Cmdline string
}

// KillOrphans sends SIGTERM to every orphan, then SIGKILL to any still
// alive after the grace period. Returns the count successfully signaled.
func KillOrphans(orphans []Orphan, grace func()) int {
	killed := 0
	for _, o := range orphans {
		process, err := os.FindProcess(o.PID)
		if err != nil {
			continue
		}
		if process.Signal(sigterm()) != nil {
			continue
		}
		killed++
		if grace != nil {
			grace()
		}
		if processAlive(o.PID) {
			_ = process.Signal(sigkill())
		}
	}
	return killed
}
