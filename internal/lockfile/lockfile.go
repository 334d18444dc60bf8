// Package lockfile keeps two CoachPipe processes from sharing a state directory.
//
// The lock is an flock on a file in the state directory, so the kernel
// releases it when the process exits, gracefully or not.
package lockfile

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the name of the lock file created in the state directory
const LockFileName = "coachpipe.lock"

// Lock represents an active directory lock
type Lock struct {
	file     *os.File
	path     string
	acquired bool
}

// Info is the holder information written into the lock file.
type Info struct {
	PID     int
	Mode    string
	Started time.Time
}

func (i Info) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "pid=%d\n", i.PID)
	if i.Mode != "" {
		fmt.Fprintf(&b, "mode=%s\n", i.Mode)
	}
	if !i.Started.IsZero() {
		fmt.Fprintf(&b, "started=%s\n", i.Started.UTC().Format(time.RFC3339))
	}
	return b.String()
}

// AcquireLock takes an exclusive lock on stateDir for a process running in
// mode. It fails with a *LockError describing the holder when another
// process has the lock.
func AcquireLock(stateDir, mode string) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)
	slog.Debug("Attempting to acquire lock", "lock_path", lockPath)

	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	// Not truncated yet: the holder's info must survive a failed attempt.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		holder := describeHolder(lockPath)
		slog.Error("Failed to acquire lock - another CoachPipe instance is running",
			"error", err, "lock_path", lockPath, "holder", holder)
		return nil, &LockError{LockPath: lockPath, ExistingInfo: holder, Cause: err}
	}

	info := Info{PID: os.Getpid(), Mode: mode, Started: time.Now()}
	if err := writeInfo(file, info); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock information to %s: %w", lockPath, err)
	}

	slog.Info("Acquired state directory lock", "lock_path", lockPath, "pid", info.PID, "mode", mode)
	return &Lock{file: file, path: lockPath, acquired: true}, nil
}

func writeInfo(file *os.File, info Info) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.WriteAt([]byte(info.String()), 0); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		slog.Warn("Failed to sync lock file", "error", err)
	}
	return nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release releases the lock and removes the lock file.
// This method is safe to call multiple times.
func (l *Lock) Release() error {
	if !l.acquired || l.file == nil {
		return nil
	}

	// Remove before unlocking so a waiting process never sees our stale info.
	if err := os.Remove(l.path); err != nil {
		slog.Warn("Failed to remove lock file", "error", err, "lock_path", l.path)
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Error("Failed to release flock", "error", err, "lock_path", l.path)
	}
	err := l.file.Close()

	l.acquired = false
	l.file = nil
	slog.Info("Released state directory lock", "lock_path", l.path)
	if err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}
	return nil
}

// LockError represents an error when failing to acquire a lock due to another process
type LockError struct {
	LockPath     string
	ExistingInfo string
	Cause        error
}

func (e *LockError) Error() string {
	msg := fmt.Sprintf("another CoachPipe instance is already using this state directory (lock file: %s)", e.LockPath)
	if e.ExistingInfo != "" {
		msg += "; holder: " + e.ExistingInfo
	}
	return msg + fmt.Sprintf("; if no other instance is running, remove the stale lock with: rm %s", e.LockPath)
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

// describeHolder summarizes the lock file for error messages.
func describeHolder(lockPath string) string {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return "unable to read lock file information"
	}
	info := parseInfo(string(data))
	if info.PID <= 0 {
		return "lock file contains no process information"
	}
	state := "running"
	if !isProcessRunning(info.PID) {
		state = "not running - stale lock"
	}
	desc := fmt.Sprintf("PID %d (%s)", info.PID, state)
	if info.Mode != "" {
		desc += ", mode " + info.Mode
	}
	if !info.Started.IsZero() {
		desc += ", started " + info.Started.Format(time.RFC3339)
	}
	return desc
}

// parseInfo reads the key=value lines written by Info.String. Unknown keys
// and malformed values are ignored.
func parseInfo(content string) Info {
	var info Info
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			if pid, err := strconv.Atoi(value); err == nil {
				info.PID = pid
			}
		case "mode":
			info.Mode = value
		case "started":
			if t, err := time.Parse(time.RFC3339, value); err == nil {
				info.Started = t
			}
		}
	}
	return info
}

// isProcessRunning checks if a process with the given PID is currently running
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 checks that the process exists without delivering anything.
	return process.Signal(syscall.Signal(0)) == nil
}
