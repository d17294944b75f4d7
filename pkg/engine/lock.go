package engine

import (
	"path/filepath"

	"github.com/gofrs/flock"
)

// SessionLock is the cross-process exclusion guard. One orchestrator
// invocation holds it for the process lifetime; a second invocation must
// fail fast rather than queue, because a silently queued installer is worse
// than a clear rejection.
type SessionLock struct {
	fl *flock.Flock
}

// AcquireSessionLock takes a non-blocking exclusive advisory lock on
// <stateDir>/session.lock. It returns SESSION_LOCKED when another session
// already holds it.
func AcquireSessionLock(stateDir string) (*SessionLock, error) {
	fl := flock.New(filepath.Join(stateDir, "session.lock"))

	locked, err := fl.TryLock()
	if err != nil {
		return nil, Permanent(CodeWriteFailed, "failed to acquire session lock", err)
	}
	if !locked {
		return nil, Permanent(CodeSessionLocked,
			"another caldera session is active; wait for it to finish or remove a stale "+fl.Path(), nil)
	}

	return &SessionLock{fl: fl}, nil
}

// Release drops the lock. Safe to call once at process exit.
func (l *SessionLock) Release() error {
	return l.fl.Unlock()
}

// Path returns the lock file path for diagnostics.
func (l *SessionLock) Path() string {
	return l.fl.Path()
}
