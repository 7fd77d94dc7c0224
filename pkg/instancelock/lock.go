// Package instancelock keeps a second copy of the listener from starting.
package instancelock

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	apperrors "github.com/SukunDev/emo-chan-gui/pkg/errors"
)

// Lock is a held PID file.
type Lock struct {
	path string
	pid  int
}

// Acquire creates path holding the current PID. A file left behind by a
// process that is no longer alive is replaced. If the recorded process is
// still running, the returned error carries ErrCodeLockHeld.
func Acquire(path string) (*Lock, error) {
	return acquire(path, os.Getpid(), processAlive)
}

func acquire(path string, pid int, alive func(int) bool) (*Lock, error) {
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			_, werr := f.WriteString(strconv.Itoa(pid))
			cerr := f.Close()
			if werr != nil || cerr != nil {
				_ = os.Remove(path)
				return nil, fmt.Errorf("write lock file %s: %w", path, errors.Join(werr, cerr))
			}
			return &Lock{path: path, pid: pid}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create lock file %s: %w", path, err)
		}

		owner, rerr := readPID(path)
		if rerr == nil && owner != pid && alive(owner) {
			return nil, apperrors.NewLockHeldError(path).WithContext("pid", owner)
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale lock file %s: %w", path, err)
		}
	}
	return nil, apperrors.NewLockHeldError(path)
}

// Release removes the lock file if it still records this process.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	owner, err := readPID(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if owner != l.pid {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove lock file %s: %w", l.path, err)
	}
	return nil
}

// Path returns the lock file location.
func (l *Lock) Path() string { return l.path }

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse lock file %s: %w", path, err)
	}
	return pid, nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = p.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
