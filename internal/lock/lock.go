// Package lock provides the store lock shared by every agentflow process and
// the daemon's single-instance lock.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// StoreLock serializes access to the workspace collections across goroutines
// and across processes. The in-process mutex is taken first because flock is
// owned by the open file description, so two goroutines sharing one fd would
// not exclude each other through flock alone.
type StoreLock struct {
	path string

	mu     sync.Mutex
	fileMu sync.Mutex
	file   *os.File
}

func NewStoreLock(path string) *StoreLock {
	return &StoreLock{path: path}
}

// Lock blocks until this process holds the store exclusively.
func (l *StoreLock) Lock() error {
	l.mu.Lock()

	f, err := l.open()
	if err != nil {
		l.mu.Unlock()
		return err
	}
	for {
		err = unix.Flock(int(f.Fd()), unix.LOCK_EX)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		l.mu.Unlock()
		return fmt.Errorf("acquire store lock: %w", err)
	}
	return nil
}

// Unlock releases both the flock and the in-process mutex.
func (l *StoreLock) Unlock() error {
	defer l.mu.Unlock()

	l.fileMu.Lock()
	f := l.file
	l.fileMu.Unlock()
	if f == nil {
		return nil
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		return fmt.Errorf("release store lock: %w", err)
	}
	return nil
}

// Close drops the lock file descriptor. The lock file itself stays on disk so
// other processes keep contending on the same inode.
func (l *StoreLock) Close() error {
	l.fileMu.Lock()
	defer l.fileMu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func (l *StoreLock) open() (*os.File, error) {
	l.fileMu.Lock()
	defer l.fileMu.Unlock()
	if l.file != nil {
		return l.file, nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	l.file = f
	return f, nil
}

// FileLock is a non-blocking pid lock used to keep a single daemon per workspace.
type FileLock struct {
	path string
	file *os.File
}

func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

func (fl *FileLock) TryLock() error {
	if err := os.MkdirAll(filepath.Dir(fl.path), 0755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return fmt.Errorf("acquire lock (another daemon may be running): %w", err)
	}

	// Write PID to lock file
	if err := f.Truncate(0); err != nil {
		fl.release(f)
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		fl.release(f)
		return fmt.Errorf("seek lock file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		fl.release(f)
		return fmt.Errorf("write PID to lock file: %w", err)
	}
	if err := f.Sync(); err != nil {
		fl.release(f)
		return fmt.Errorf("sync lock file: %w", err)
	}

	fl.file = f
	return nil
}

func (fl *FileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}

	if err := unix.Flock(int(fl.file.Fd()), unix.LOCK_UN); err != nil {
		fl.file.Close()
		return fmt.Errorf("release lock: %w", err)
	}

	if err := fl.file.Close(); err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}

	os.Remove(fl.path)
	fl.file = nil
	return nil
}

func (fl *FileLock) release(f *os.File) {
	unix.Flock(int(f.Fd()), unix.LOCK_UN)
	f.Close()
}
