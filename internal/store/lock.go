package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agent-pulse/pulse/internal/fault"
)

const (
	lockDirName = ".lock.d"
	lockPoll    = 10 * time.Millisecond
	lockTimeout = 1 * time.Second
)

// Lock is the advisory lock shared by the worker and CLI processes. The
// acquisition primitive is mkdir, which fails atomically when the directory
// already exists. The holder's PID is recorded inside so a crashed holder
// can be detected and the lock reclaimed.
type Lock struct {
	dir     string
	timeout time.Duration
	poll    time.Duration
}

// NewLock returns the lock for a data directory. The zero timeout and poll
// interval default to 1s and 10ms.
func NewLock(dataDir string) *Lock {
	return &Lock{
		dir:     filepath.Join(dataDir, lockDirName),
		timeout: lockTimeout,
		poll:    lockPoll,
	}
}

// NewLockTimeout is NewLock with an explicit acquisition timeout.
func NewLockTimeout(dataDir string, timeout time.Duration) *Lock {
	l := NewLock(dataDir)
	l.timeout = timeout
	return l
}

func (l *Lock) pidPath() string { return filepath.Join(l.dir, "pid") }

// Acquire takes the lock, waiting up to the timeout. A lock whose recorded
// PID is no longer alive is removed and re-attempted. Returns a LOCK_TIMEOUT
// fault when the deadline passes.
func (l *Lock) Acquire() error {
	deadline := time.Now().Add(l.timeout)
	for {
		err := os.Mkdir(l.dir, 0o755)
		if err == nil {
			if werr := os.WriteFile(l.pidPath(), []byte(strconv.Itoa(os.Getpid())), 0o644); werr != nil {
				os.RemoveAll(l.dir)
				return fmt.Errorf("lock: write pid: %w", werr)
			}
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("lock: mkdir %s: %w", l.dir, err)
		}
		if pid, ok := l.holderPID(); ok && !pidAlive(pid) {
			// Stale: holder died without releasing.
			os.RemoveAll(l.dir)
			continue
		}
		if time.Now().After(deadline) {
			return fault.New(fault.LockTimeout, "could not acquire %s within %s", l.dir, l.timeout)
		}
		time.Sleep(l.poll)
	}
}

// Release drops the lock if this process holds it. Releasing a lock held by
// another PID is a no-op.
func (l *Lock) Release() {
	if pid, ok := l.holderPID(); !ok || pid != os.Getpid() {
		return
	}
	os.RemoveAll(l.dir)
}

// With runs fn under the lock, releasing it even when fn panics.
func (l *Lock) With(fn func() error) error {
	if err := l.Acquire(); err != nil {
		return err
	}
	defer l.Release()
	return fn()
}

func (l *Lock) holderPID() (int, bool) {
	data, err := os.ReadFile(l.pidPath())
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// pidAlive probes a PID with signal 0.
func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// PIDAlive reports whether a process with the given PID exists.
func PIDAlive(pid int) bool { return pidAlive(pid) }
