package journal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ErrLocked is returned when another process holds the run lock.
var ErrLocked = errors.New("another xmover run holds the lock")

// RunLock is an exclusive advisory lock on a file next to the journal.
type RunLock struct {
	fl *flock.Flock
}

// AcquireRunLock takes the named lock in dir without blocking.
func AcquireRunLock(dir, name string) (*RunLock, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	path := filepath.Join(dir, name+".lock")
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}
	return &RunLock{fl: fl}, nil
}

// Release drops the lock.
func (l *RunLock) Release() error {
	if l == nil {
		return nil
	}
	return l.fl.Unlock()
}
