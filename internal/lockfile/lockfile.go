// Package lockfile guards state held on local disk against a second process.
//
// The whatsmeow device session is the main user: two processes logged in as
// the same linked device kick each other off. A lock is an flock(2) on
// <stateDir>/<name>.lock holding the owner's pid and role.
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

// DeviceLockName is the lock taken before opening the whatsmeow device store.
const DeviceLockName = "coachpipe-device"

// Lock is a held lock. Release is idempotent.
type Lock struct {
	file *os.File
	path string
}

// Owner is what a lock file says about its holder.
type Owner struct {
	PID     int
	Role    string
	Started time.Time
}

// Running reports whether the owning process still exists.
func (o Owner) Running() bool {
	if o.PID <= 0 {
		return false
	}
	proc, err := os.FindProcess(o.PID)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// AcquireLock takes <stateDir>/<name>.lock for role without blocking.
// A held lock yields a *LockError.
func AcquireLock(stateDir, name, role string) (*Lock, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("lockfile: create state dir %s: %w", stateDir, err)
	}
	path := filepath.Join(stateDir, name+".lock")

	// O_TRUNC would wipe the owner's details before we know whether we win.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("lockfile: open %s: %w", path, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		owner, _ := ReadOwner(path)
		file.Close()
		slog.Error("lockfile.AcquireLock: lock held", "path", path, "owner_pid", owner.PID, "owner_role", owner.Role)
		return nil, &LockError{Path: path, Owner: owner, Cause: err}
	}

	body := fmt.Sprintf("pid=%d\nrole=%s\nstarted=%s\n", os.Getpid(), role, time.Now().UTC().Format(time.RFC3339))
	if err := writeOwner(file, body); err != nil {
		_ = syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("lockfile: write %s: %w", path, err)
	}

	slog.Info("lockfile.AcquireLock: lock acquired", "path", path, "role", role)
	return &Lock{file: file, path: path}, nil
}

func writeOwner(f *os.File, body string) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt([]byte(body), 0); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		slog.Warn("lockfile: sync failed", "path", f.Name(), "error", err)
	}
	return nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release unlocks and removes the lock file.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// remove first: once unlocked another process may already own the path
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("lockfile.Release: lock file not removed", "path", l.path, "error", err)
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Warn("lockfile.Release: unlock failed", "path", l.path, "error", err)
	}
	err := l.file.Close()
	l.file = nil
	slog.Debug("lockfile.Release: lock released", "path", l.path)
	return err
}

// ReadOwner parses the lock file at path. Unknown lines are ignored.
func ReadOwner(path string) (Owner, error) {
	f, err := os.Open(path)
	if err != nil {
		return Owner{}, err
	}
	defer f.Close()

	var o Owner
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			o.PID, _ = strconv.Atoi(value)
		case "role":
			o.Role = value
		case "started":
			o.Started, _ = time.Parse(time.RFC3339, value)
		}
	}
	return o, sc.Err()
}

// LockError reports a lock held by another process.
type LockError struct {
	Path  string
	Owner Owner
	Cause error
}

func (e *LockError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "coachpipe state is locked by another process (%s)", e.Path)
	if e.Owner.PID > 0 {
		state := "running"
		if !e.Owner.Running() {
			state = "not running, the lock may be stale"
		}
		fmt.Fprintf(&b, ": pid %d", e.Owner.PID)
		if e.Owner.Role != "" {
			fmt.Fprintf(&b, " (%s)", e.Owner.Role)
		}
		fmt.Fprintf(&b, ", %s", state)
	}
	return b.String()
}

func (e *LockError) Unwrap() error { return e.Cause }
