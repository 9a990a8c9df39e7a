package preflight

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

var socketInodeRe = regexp.MustCompile(`^socket:\[(\d+)\]$`)

// PortOccupant describes who, if anyone, is listening on a checked port.
// PID -1 means the port is occupied but its owner could not be resolved
// (permission denied reading another user's /proc/<pid>/fd entries).
type PortOccupant struct {
	PID     int
	Cmdline string
}

// CheckPort reports the occupant of a TCP port on 127.0.0.1 (or 0.0.0.0
// for host "0.0.0.0"), or nil if the port is free. It first consults
// /proc/net/tcp{,6} and correlates the listening socket's inode back to
// a PID via /proc/*/fd, falling back to a bind probe whenever no
// listening socket is found there (including when /proc is unavailable,
// e.g. non-Linux).
func CheckPort(port int, host string) (*PortOccupant, error) {
	inodes := listeningInodes(port, host)
	if len(inodes) == 0 {
		return probeBind(port, host)
	}

	inodeToPID := socketInodeOwners()
	for inode := range inodes {
		if pid, ok := inodeToPID[inode]; ok {
			return &PortOccupant{PID: pid, Cmdline: readCmdline(pid)}, nil
		}
	}
	return &PortOccupant{PID: -1, Cmdline: "unknown"}, nil
}

func listeningInodes(port int, host string) map[int]bool {
	hexPort := strings.ToUpper(fmt.Sprintf("%04x", port))
	v4Addrs := map[string]bool{"0100007F": true, "00000000": true}
	if host == "0.0.0.0" {
		v4Addrs = map[string]bool{"00000000": true}
	}
	v6Wildcards := map[string]bool{
		"00000000000000000000FFFF0100007F": true,
		"00000000000000000000000000000000": true,
	}

	inodes := make(map[int]bool)
	for _, path := range []string{"/proc/net/tcp", "/proc/net/tcp6"} {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		scanner := bufio.NewScanner(f)
		scanner.Scan() // header line
		for scanner.Scan() {
			fields := strings.Fields(scanner.Text())
			if len(fields) < 10 || fields[3] != "0A" { // 0A = LISTEN
				continue
			}
			addrPort := strings.Split(fields[1], ":")
			if len(addrPort) != 2 || addrPort[1] != hexPort {
				continue
			}
			match := false
			if strings.HasSuffix(path, "6") {
				match = v6Wildcards[addrPort[0]]
			} else {
				match = v4Addrs[addrPort[0]]
			}
			if !match {
				continue
			}
			if inode, err := strconv.Atoi(fields[9]); err == nil {
				inodes[inode] = true
			}
		}
		f.Close()
	}
	return inodes
}

// socketInodeOwners maps every open socket inode in /proc/*/fd to the
// owning PID, best-effort (permission-denied entries are skipped).
func socketInodeOwners() map[int]int {
	owners := make(map[int]int)
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return owners
	}
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		fdDir := filepath.Join("/proc", entry.Name(), "fd")
		fds, err := os.ReadDir(fdDir)
		if err != nil {
			continue
		}
		for _, fd := range fds {
			target, err := os.Readlink(filepath.Join(fdDir, fd.Name()))
			if err != nil {
				continue
			}
			if m := socketInodeRe.FindStringSubmatch(target); m != nil {
				if inode, err := strconv.Atoi(m[1]); err == nil {
					owners[inode] = pid
				}
			}
		}
	}
	return owners
}

// probeBind double-checks port availability with an actual bind attempt,
// the fallback path when /proc/net/tcp{,6} lists no listener on the port
// (including when it can't be read: container without procfs, non-Linux
// host).
func probeBind(port int, host string) (*PortOccupant, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return &PortOccupant{PID: -1, Cmdline: "unknown"}, nil
	}
	ln.Close()
	return nil, nil
}
