package lock

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"dbkp/internal/config"
)

type LocalLocker struct {
	path string
	ttl  time.Duration
	file *os.File
	mu   sync.Mutex
	held bool
}

type LocalOptions struct {
	Dir  string
	Name string
	// TTL lets a lock file older than this be taken over; 0 never does.
	TTL time.Duration
}

func NewLocal(opts LocalOptions) (*LocalLocker, error) {
	dir := opts.Dir
	if dir == "" {
		dir = config.DefaultLockDir
	}
	path := filepath.Join(dir, safeName(opts.Name)+".lock")
	return &LocalLocker{path: path, ttl: opts.TTL}, nil
}

func (l *LocalLocker) Path() string { return l.path }

func (l *LocalLocker) Acquire(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return fmt.Errorf("lock %s already held by this process", l.path)
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o750); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}

	tryAcquire := func() (*os.File, error) {
		return os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o640)
	}

	file, err := tryAcquire()
	if err != nil {
		if !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("create lock file: %w", err)
		}
		if l.ttl <= 0 {
			return l.heldErr()
		}
		info, statErr := os.Stat(l.path)
		if statErr != nil {
			return fmt.Errorf("lock file exists and stat failed: %w", statErr)
		}
		if time.Since(info.ModTime()) < l.ttl {
			return l.heldErr()
		}
		if removeErr := os.Remove(l.path); removeErr != nil && !errors.Is(removeErr, fs.ErrNotExist) {
			return fmt.Errorf("stale lock file exists, remove failed: %w", removeErr)
		}
		file, err = tryAcquire()
		if errors.Is(err, fs.ErrExist) {
			return l.heldErr()
		}
		if err != nil {
			return fmt.Errorf("retry acquire after stale remove: %w", err)
		}
	}

	if _, err := file.WriteString(holderLine(time.Now())); err != nil {
		_ = file.Close()
		_ = os.Remove(l.path)
		return fmt.Errorf("write lock file: %w", err)
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		_ = os.Remove(l.path)
		return fmt.Errorf("sync lock file: %w", err)
	}

	l.file = file
	l.held = true
	return nil
}

// holderLine identifies this process in a lock file.
func holderLine(now time.Time) string {
	host, _ := os.Hostname()
	return fmt.Sprintf("pid=%d host=%s acquired=%s\n", os.Getpid(), host, now.UTC().Format(time.RFC3339))
}

func (l *LocalLocker) heldErr() error {
	data, err := os.ReadFile(l.path)
	if err != nil || len(data) == 0 {
		return fmt.Errorf("%w: %s", ErrHeld, l.path)
	}
	return fmt.Errorf("%w: %s (%s)", ErrHeld, l.path, strings.TrimSpace(string(data)))
}

func (l *LocalLocker) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return nil
	}
	var errs []error
	if l.file != nil {
		if err := l.file.Close(); err != nil {
			errs = append(errs, err)
		}
		l.file = nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		errs = append(errs, err)
	}
	l.held = false
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}
