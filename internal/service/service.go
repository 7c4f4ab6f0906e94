// Package service controls the detached worker process: the PID file that
// marks a live worker, spawning exactly one, and stopping it again.
package service

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agent-pulse/pulse/internal/fault"
	"github.com/agent-pulse/pulse/internal/store"
)

const (
	pidFile = "server.pid"

	// WorkerArg is the hidden argv[1] that re-executes the binary as the
	// background worker instead of the CLI.
	WorkerArg = "__worker"

	startTimeout = 5 * time.Second
	stopTimeout  = 2 * time.Second
	pollStep     = 50 * time.Millisecond
)

// PIDPath returns the worker PID file location for a data directory.
func PIDPath(dataDir string) string { return filepath.Join(dataDir, pidFile) }

// ReadPID parses the PID file. A missing file is returned as os.IsNotExist.
func ReadPID(dataDir string) (int, error) {
	data, err := os.ReadFile(PIDPath(dataDir))
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("service: corrupt pid file %s", PIDPath(dataDir))
	}
	return pid, nil
}

// Running reports the live worker's PID, if any. A PID file pointing at a
// dead process does not count.
func Running(dataDir string) (int, bool) {
	pid, err := ReadPID(dataDir)
	if err != nil {
		return 0, false
	}
	if !store.PIDAlive(pid) {
		return 0, false
	}
	return pid, true
}

// AcquirePID claims the PID file for this process. It fails when another
// live worker holds it; a stale file from a dead worker is overwritten.
func AcquirePID(dataDir string) error {
	if pid, live := Running(dataDir); live && pid != os.Getpid() {
		return fault.New(fault.ServiceAlreadyRunning, "worker already running (pid %d)", pid)
	}
	data := []byte(strconv.Itoa(os.Getpid()) + "\n")
	if err := store.WriteFile(PIDPath(dataDir), data, 0o644); err != nil {
		return fault.Wrap(fault.ServiceStartFailed, err)
	}
	return nil
}

// RemovePID deletes the PID file if it records this process. Files owned by
// other PIDs are left alone.
func RemovePID(dataDir string) {
	if pid, err := ReadPID(dataDir); err != nil || pid != os.Getpid() {
		return
	}
	os.Remove(PIDPath(dataDir))
}

// StartOptions parameterize the worker spawn.
type StartOptions struct {
	DataDir    string
	ConfigPath string // forwarded as --config when non-empty
	Ephemeral  bool
}

// Start spawns the worker detached (own session, no stdio) and waits for its
// PID file to appear with a live PID. Returns the worker PID.
func Start(opts StartOptions) (int, error) {
	if pid, live := Running(opts.DataDir); live {
		return pid, fault.New(fault.ServiceAlreadyRunning, "worker already running (pid %d)", pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return 0, fault.Wrap(fault.ServiceStartFailed, err)
	}

	args := []string{WorkerArg, "--data-dir", opts.DataDir}
	if opts.ConfigPath != "" {
		args = append(args, "--config", opts.ConfigPath)
	}
	if opts.Ephemeral {
		args = append(args, "--ephemeral")
	}

	cmd := exec.Command(exe, args...)
	cmd.Env = os.Environ()
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, fault.Wrap(fault.ServiceStartFailed, err)
	}
	spawned := cmd.Process.Pid
	// The worker outlives us; give the child to init rather than waiting.
	_ = cmd.Process.Release()

	deadline := time.Now().Add(startTimeout)
	for time.Now().Before(deadline) {
		if pid, live := Running(opts.DataDir); live {
			return pid, nil
		}
		if !store.PIDAlive(spawned) {
			return 0, fault.New(fault.ServiceStartFailed, "worker (pid %d) exited before becoming ready", spawned)
		}
		time.Sleep(pollStep)
	}
	return 0, fault.New(fault.ServiceStartFailed, "worker did not become ready within %s", startTimeout)
}

// Stop sends SIGTERM to the running worker and waits for it to exit and
// clear its PID file.
func Stop(dataDir string) error {
	pid, live := Running(dataDir)
	if !live {
		return fault.New(fault.ServiceNotRunning, "no worker is running")
	}

	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fault.Wrap(fault.ServiceStopFailed, err)
	}

	deadline := time.Now().Add(stopTimeout)
	for time.Now().Before(deadline) {
		if !store.PIDAlive(pid) {
			return nil
		}
		time.Sleep(pollStep)
	}
	return fault.New(fault.ServiceStopFailed, "worker (pid %d) still alive after %s", pid, stopTimeout)
}
