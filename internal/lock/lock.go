// Package lock keeps two runs from working on the same target at once.
package lock

import (
	"context"
	"errors"

	"dbkp/internal/config"
	"dbkp/internal/fault"
	"dbkp/internal/s3"
)

// ErrHeld means another process holds the lock.
var ErrHeld = errors.New("lock held by another process")

type Locker interface {
	Acquire(ctx context.Context) error
	Release(ctx context.Context) error
}

// New returns the locker cfg selects for name. client is only used by the
// s3 backend.
func New(cfg config.LockConfig, name string, client *s3.Client) (Locker, error) {
	switch cfg.Backend {
	case "", config.LockBackendLocal:
		return NewLocal(LocalOptions{Dir: cfg.Dir, Name: name, TTL: cfg.TTL})
	case config.LockBackendS3:
		return NewS3(S3Options{Client: client, Name: name, TTL: cfg.TTL})
	case config.LockBackendNone:
		return Nop{}, nil
	default:
		return nil, fault.Newf(fault.KindConfiguration, "lock", "unknown lock backend %q", cfg.Backend)
	}
}

type Nop struct{}

func (Nop) Acquire(context.Context) error { return nil }
func (Nop) Release(context.Context) error { return nil }

func safeName(name string) string {
	if name == "" || name == "." || name == ".." {
		return "default"
	}
	for _, r := range name {
		if r == '/' || r == '\\' {
			return "default"
		}
	}
	return name
}
