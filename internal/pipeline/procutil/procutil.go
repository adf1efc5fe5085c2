package procutil

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ProcFSAvailable reports whether procfs is available for process introspection.
func ProcFSAvailable() bool {
	_, err := os.Stat("/proc/self/stat")
	return err == nil
}

// PIDAlive reports whether a process exists and is not a zombie.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if PIDZombie(pid) {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

// PIDZombie checks whether a PID is in a zombie/dead state.
func PIDZombie(pid int) bool {
	if !ProcFSAvailable() {
		return pidZombieFromPS(pid)
	}
	statPath := filepath.Join("/proc", strconv.Itoa(pid), "stat")
	b, err := os.ReadFile(statPath)
	if err != nil {
		return false
	}
	line := string(b)
	closeIdx := strings.LastIndexByte(line, ')')
	if closeIdx < 0 || closeIdx+2 >= len(line) {
		return false
	}
	state := line[closeIdx+2]
	return state == 'Z' || state == 'X'
}

// ReadPIDStartTime reads a process's start time (field 22 of
// /proc/<pid>/stat, in clock ticks since boot) so callers can detect PID
// reuse: a PID whose start time has changed since it was first observed is
// a different process wearing the same number.
func ReadPIDStartTime(pid int) (uint64, error) {
	statPath := filepath.Join("/proc", strconv.Itoa(pid), "stat")
	b, err := os.ReadFile(statPath)
	if err != nil {
		return 0, err
	}
	line := string(b)
	closeIdx := strings.LastIndexByte(line, ')')
	if closeIdx < 0 || closeIdx+2 >= len(line) {
		return 0, fmt.Errorf("malformed stat line for pid %d", pid)
	}
	fields := strings.Fields(line[closeIdx+2:])
	// fields[0] is field 3 (state); field 22 (starttime) is fields[19].
	const starttimeOffset = 22 - 3
	if len(fields) <= starttimeOffset {
		return 0, fmt.Errorf("stat line for pid %d has too few fields", pid)
	}
	start, err := strconv.ParseUint(fields[starttimeOffset], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse start time for pid %d: %w", pid, err)
	}
	return start, nil
}

func pidZombieFromPS(pid int) bool {
	out, err := exec.Command("ps", "-o", "state=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return false
	}
	state := strings.TrimSpace(string(out))
	if state == "" {
		return false
	}
	c := state[0]
	return c == 'Z' || c == 'X'
}
