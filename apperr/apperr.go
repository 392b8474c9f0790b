// Package apperr defines the typed error kinds that core components
// return. Callers distinguish kinds with errors.As rather than string
// matching, per the propagation rules each kind carries.
package apperr

import (
	"fmt"

	"github.com/pkg/errors"
)

// ConfigError reports malformed or contradictory configuration, always
// before any state change.
type ConfigError struct {
	Msg string
	Err error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("config: %s", e.Msg)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// NewConfigError wraps err (which may be nil) as a ConfigError.
func NewConfigError(msg string, err error) *ConfigError {
	return &ConfigError{Msg: msg, Err: err}
}

// LockUnavailable reports that a lock could not be acquired within its
// timeout; Holder identifies the current owner as recorded in the lock
// file ("host:pid").
type LockUnavailable struct {
	LockName string
	Holder   string
}

func (e *LockUnavailable) Error() string {
	return fmt.Sprintf("could not lock %s: held by %s", e.LockName, e.Holder)
}

// LockHeld is returned by a non-blocking lock attempt that lost a race.
type LockHeld struct {
	LockName string
	Holder   string
}

func (e *LockHeld) Error() string {
	return fmt.Sprintf("lock %s held by %s", e.LockName, e.Holder)
}

// RepoError reports a structural problem with the on-disk store: a
// missing requirement, or an unsupported format version.
type RepoError struct {
	Msg string
	Err error
}

func (e *RepoError) Error() string { return fmt.Sprintf("repository error: %s", e.Msg) }

func (e *RepoError) Unwrap() error { return e.Err }

// Cause lets github.com/pkg/errors.Cause walk past a RepoError to the
// I/O failure underneath (e.g. verify reporting what actually broke).
func (e *RepoError) Cause() error { return e.Err }

func NewRepoError(format string, args ...interface{}) *RepoError {
	return &RepoError{Msg: fmt.Sprintf(format, args...)}
}

// WrapRepoError builds a RepoError around an underlying I/O failure,
// preserving it as the errors.Cause chain instead of flattening it into
// the message with %v.
func WrapRepoError(err error, format string, args ...interface{}) *RepoError {
	wrapped := errors.Wrapf(err, format, args...)
	return &RepoError{Msg: wrapped.Error(), Err: err}
}

// IntegrityError reports a hash mismatch, a truncated index past the
// recoverable point, or a broken delta chain. It is always fatal for the
// read that produced it; callers are expected to suggest `verify`.
type IntegrityError struct {
	Msg string
	Err error
}

func (e *IntegrityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("integrity error: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("integrity error: %s", e.Msg)
}

func (e *IntegrityError) Unwrap() error { return e.Err }

func NewIntegrityError(msg string, err error) *IntegrityError {
	return &IntegrityError{Msg: msg, Err: err}
}

// PathError reports a working-copy path that failed the audit rules of
// spec.md §4.6 (dotdir component, escapes root, traverses a symlink,
// case-insensitive collision).
type PathError struct {
	Path   string
	Reason string
}

func (e *PathError) Error() string {
	return fmt.Sprintf("path %q rejected: %s", e.Path, e.Reason)
}

func NewPathError(path, reason string) *PathError {
	return &PathError{Path: path, Reason: reason}
}

// UnresolvedConflict indicates a merge or resolve needs user input. The
// operation is paused, not aborted: the merge state remains on disk so
// the caller can resume.
type UnresolvedConflict struct {
	Paths []string
}

func (e *UnresolvedConflict) Error() string {
	return fmt.Sprintf("unresolved conflicts in %d file(s)", len(e.Paths))
}

// AbortedByHook reports that an external hook returned non-zero.
type AbortedByHook struct {
	Hook     string
	ExitCode int
}

func (e *AbortedByHook) Error() string {
	return fmt.Sprintf("%s hook exited with status %d", e.Hook, e.ExitCode)
}

// InputError reports an invalid caller-supplied argument: an unknown
// revision, bad revset syntax, and the like.
type InputError struct {
	Msg string
}

func (e *InputError) Error() string { return e.Msg }

func NewInputError(format string, args ...interface{}) *InputError {
	return &InputError{Msg: fmt.Sprintf(format, args...)}
}

// StateError reports that an operation is impossible in the repository's
// current state: committing with an unresolved merge, publishing a
// hidden changeset, obsoleting a public one.
type StateError struct {
	Msg string
}

func (e *StateError) Error() string { return e.Msg }

func NewStateError(format string, args ...interface{}) *StateError {
	return &StateError{Msg: fmt.Sprintf(format, args...)}
}
