package bundle

import (
	"os"

	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"
)

// Unlocker releases a bundle lock.
type Unlocker interface {
	Unlock() error
}

type fileLock struct {
	f *os.File
}

// Lock takes the exclusive session lock on b without blocking. A lock held by
// another session yields ErrAlreadyRunning.
func Lock(b *Bundle) (Unlocker, error) {
	path := b.LockPath()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, newError("lock", path, ErrIOFailure, err)
	}
	l, err := flock(f, path)
	if err != nil {
		return nil, err
	}
	return l, nil
}

func flock(f *os.File, path string) (*fileLock, error) {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, newError("lock", path, ErrAlreadyRunning, nil)
		}
		return nil, newError("lock", path, ErrIOFailure, err)
	}
	return &fileLock{f: f}, nil
}

func (l *fileLock) Unlock() error {
	if l.f == nil {
		return nil
	}
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	if err != nil {
		return errors.Errorf("unlock bundle: %w", err)
	}
	return nil
}

// Locked reports whether another session currently holds the lock on b. It
// never creates the lock file; a bundle without one is idle.
func Locked(b *Bundle) (bool, error) {
	path := b.LockPath()
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, newError("lock", path, ErrIOFailure, err)
	}
	l, err := flock(f, path)
	if err != nil {
		if errors.Is(err, ErrAlreadyRunning) {
			return true, nil
		}
		return false, err
	}
	return false, l.Unlock()
}
