// Package daemon manages detached relay and bridge processes through
// PID files in the state directory: spawn a detached child, probe
// whether one is alive, and stop it. It also defines the process exit
// codes the CLI maps outcomes onto.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
)

// Process exit codes.
const (
	ExitSuccess      = 0
	ExitGeneralError = 1
	ExitUsageError   = 2
	ExitNotFound     = 3
	ExitUnauthorized = 4
	ExitSIGINT       = 130
)

// EnvDaemonFlag is set to "1" in detached children so the child runs
// the foreground loop instead of detaching again.
const EnvDaemonFlag = "MYNDHYVE_CLI_DAEMON"

// IsDaemonChild reports whether this process was spawned as a detached
// daemon child.
func IsDaemonChild() bool {
	return os.Getenv(EnvDaemonFlag) == "1"
}

// ReadPID parses a PID file. A missing file returns os.ErrNotExist.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("pid file %s is malformed", path)
	}
	return pid, nil
}

// WritePID records pid at path, owner-only.
func WritePID(path string, pid int) error {
	return os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o600)
}

// Alive probes pid with signal 0.
func Alive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// Status reports the daemon recorded at path. A PID file whose process
// is gone is stale; Status removes it and reports not running.
func Status(path string) (pid int, running bool, err error) {
	pid, err = ReadPID(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		// Malformed file: clear it rather than wedging start forever.
		os.Remove(path)
		return 0, false, nil
	}
	if !Alive(pid) {
		os.Remove(path)
		return 0, false, nil
	}
	return pid, true, nil
}

// StartDetached re-executes the current binary with args as a detached
// child (own session, stdout+stderr appended to logPath) and records
// its PID at pidPath. Refuses when a live daemon already owns pidPath.
func StartDetached(pidPath, logPath string, args []string) (int, error) {
	if pid, running, err := Status(pidPath); err != nil {
		return 0, err
	} else if running {
		return 0, fmt.Errorf("already running with pid %d", pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("resolve executable: %w", err)
	}

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return 0, fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(exe, args...)
	cmd.Env = append(os.Environ(), EnvDaemonFlag+"=1")
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("spawn daemon: %w", err)
	}
	pid := cmd.Process.Pid

	if err := WritePID(pidPath, pid); err != nil {
		cmd.Process.Kill()
		return 0, fmt.Errorf("write pid file: %w", err)
	}
	// The child is on its own now; don't hold the process handle.
	cmd.Process.Release()
	return pid, nil
}

// Stop sends SIGTERM to the daemon recorded at path and removes the
// PID file. A daemon that is already gone counts as stopped.
func Stop(path string) error {
	pid, err := ReadPID(path)
	if errors.Is(err, os.ErrNotExist) {
		return os.ErrNotExist
	}
	if err != nil {
		os.Remove(path)
		return err
	}

	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}
	os.Remove(path)
	return nil
}
