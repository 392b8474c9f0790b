// Package lock implements the two advisory file locks of spec.md §4.9:
// the store lock (changelog, manifestlog, filelogs, obsolescence store,
// phases) and the working-copy lock (dirstate, merge state,
// bookmarks-current). Both share the same mechanics: an
// owner-stamped lock file, a bounded acquire with exponential backoff,
// and breaking of a lock whose recorded owner process is provably
// dead.
//
// Grounded on the "open, flock, hold until release" shape of
// tessera's posix-files lockFile helper, generalized from fcntl's
// open-file-description locking (which breaks across unrelated Close
// calls in the same process, noted as brittle in that file's own
// comment) to golang.org/x/sys/unix's whole-file flock(2), and
// extended with the owner-stamping and stale-break behaviour spec.md
// requires that a bare flock cannot provide on its own.
package lock

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rcowham/vcscore/apperr"
	"golang.org/x/sys/unix"
)

// Lock is a held advisory lock on a single file.
type Lock struct {
	name string
	path string
	file *os.File
}

// Name returns the lock's identifying name, e.g. "store" or "wlock".
func (l *Lock) Name() string { return l.name }

// owner returns this process's identity as recorded in a freshly
// acquired lock file: "<hostname>:<pid>".
func owner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

// readOwner returns the recorded holder of the lock file at path, or
// "" if the file does not exist or is empty.
func readOwner(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// isStale reports whether holder names a process that is provably no
// longer alive: it must be on this host, and signalling it with
// signal 0 must report ESRCH (no such process). Any ambiguity (a
// different host, a permission error, a malformed holder string)
// is treated as "not stale" — spec.md only allows breaking a lock
// whose owner is *known* dead.
func isStale(holder string) bool {
	parts := strings.SplitN(holder, ":", 2)
	if len(parts) != 2 {
		return false
	}
	host, pidStr := parts[0], parts[1]
	localHost, err := os.Hostname()
	if err != nil || host != localHost {
		return false
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil || pid <= 0 {
		return false
	}
	err = syscall.Kill(pid, 0)
	return err == syscall.ESRCH
}

// tryAcquire attempts a single non-blocking flock of path, stamping it
// with this process's owner string on success. It returns
// apperr.LockHeld naming the current holder if another process holds
// the lock.
func tryAcquire(name, path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, apperr.NewStateError("lock: cannot open %s: %v", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		holder := readOwner(path)
		f.Close()
		if holder == "" {
			holder = "unknown"
		}
		return nil, &apperr.LockHeld{LockName: name, Holder: holder}
	}
	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, apperr.NewStateError("lock: cannot stamp %s: %v", path, err)
	}
	if _, err := f.WriteAt([]byte(owner()), 0); err != nil {
		f.Close()
		return nil, apperr.NewStateError("lock: cannot stamp %s: %v", path, err)
	}
	return &Lock{name: name, path: path, file: f}, nil
}

// Acquire blocks (retrying with exponential backoff between attempts,
// capped at 1s) until the lock at path is obtained or timeout elapses.
// A lock held by a process this function can prove is dead (isStale)
// is broken on the first attempt rather than waited out.
func Acquire(name, path string, timeout time.Duration) (*Lock, error) {
	deadline := time.Now().Add(timeout)
	backoff := 10 * time.Millisecond
	const maxBackoff = time.Second

	for {
		l, err := tryAcquire(name, path)
		if err == nil {
			return l, nil
		}
		if held, ok := err.(*apperr.LockHeld); ok && isStale(held.Holder) {
			if breakErr := os.Remove(path); breakErr == nil {
				continue
			}
		}
		if time.Now().After(deadline) {
			holder := readOwner(path)
			if holder == "" {
				holder = "unknown"
			}
			return nil, &apperr.LockUnavailable{LockName: name, Holder: holder}
		}
		time.Sleep(backoff)
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// TryAcquire attempts to obtain the lock once, without waiting. It
// returns apperr.LockHeld immediately if another live process holds
// it; a lock held by a provably dead process is broken and retried
// once.
func TryAcquire(name, path string) (*Lock, error) {
	l, err := tryAcquire(name, path)
	if err == nil {
		return l, nil
	}
	if held, ok := err.(*apperr.LockHeld); ok && isStale(held.Holder) {
		if breakErr := os.Remove(path); breakErr == nil {
			return tryAcquire(name, path)
		}
	}
	return nil, err
}

// Release unlocks and closes the lock file. The file itself is left
// in place (its presence carries no meaning once unlocked; the next
// acquirer overwrites its content).
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		l.file.Close()
		return apperr.NewStateError("lock: cannot unlock %s: %v", l.path, err)
	}
	return l.file.Close()
}
