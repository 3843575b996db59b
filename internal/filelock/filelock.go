// Package filelock provides advisory, cross-process exclusive locks on files.
//
// Locks are held on an open file descriptor and released when Unlock is
// called or the process exits, so a crashed holder never wedges other
// processes.
package filelock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrLocked is returned by TryLock when another holder owns the lock.
var ErrLocked = errors.New("lock held by another process")

// Lock is an exclusive lock on a file path.
type Lock struct {
	path string
	mu   sync.Mutex
	file *os.File
}

// New returns an unlocked Lock for path. Parent directories are created on first use.
func New(path string) *Lock {
	return &Lock{path: path}
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

func (l *Lock) open() (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	return f, nil
}

// Lock blocks until the lock is acquired.
func (l *Lock) Lock() error {
	l.mu.Lock()
	f, err := l.open()
	if err != nil {
		l.mu.Unlock()
		return err
	}
	if err := lockFile(f, true); err != nil {
		f.Close()
		l.mu.Unlock()
		return fmt.Errorf("lock %s: %w", l.path, err)
	}
	l.file = f
	return nil
}

// TryLock acquires the lock without blocking. Returns ErrLocked if it is held elsewhere.
func (l *Lock) TryLock() error {
	if !l.mu.TryLock() {
		return ErrLocked
	}
	f, err := l.open()
	if err != nil {
		l.mu.Unlock()
		return err
	}
	if err := lockFile(f, false); err != nil {
		f.Close()
		l.mu.Unlock()
		if errors.Is(err, errWouldBlock) {
			return ErrLocked
		}
		return fmt.Errorf("lock %s: %w", l.path, err)
	}
	l.file = f
	return nil
}

// Unlock releases the lock. Calling Unlock on an unlocked Lock is a no-op.
func (l *Lock) Unlock() error {
	if l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil
	err := unlockFile(f)
	f.Close()
	l.mu.Unlock()
	return err
}
