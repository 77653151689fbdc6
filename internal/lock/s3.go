package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"dbkp/internal/fault"
	"dbkp/internal/s3"
)

// S3Locker holds a lock as an object under locks/, created with a
// conditional put so only one writer wins.
type S3Locker struct {
	client *s3.Client
	ttl    time.Duration
	key    string
	now    func() time.Time
	mu     sync.Mutex
	held   bool
}

type S3Options struct {
	Client *s3.Client
	Name   string
	TTL    time.Duration
}

type lockBody struct {
	Host       string    `json:"host"`
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
}

func NewS3(opts S3Options) (*S3Locker, error) {
	if opts.Client == nil {
		return nil, fault.Newf(fault.KindConfiguration, "lock", "s3 lock: client is required")
	}
	return &S3Locker{
		client: opts.Client,
		ttl:    opts.TTL,
		key:    opts.Client.Key(s3.LockKey(safeName(opts.Name))),
		now:    time.Now,
	}, nil
}

func (l *S3Locker) Key() string { return l.key }

func (l *S3Locker) Acquire(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return fmt.Errorf("s3 lock %s already held by this process", l.key)
	}

	host, _ := os.Hostname()
	body, err := json.Marshal(lockBody{Host: host, PID: os.Getpid(), AcquiredAt: l.now().UTC()})
	if err != nil {
		return err
	}

	err = l.client.PutIfAbsent(ctx, l.key, body)
	if errors.Is(err, s3.ErrExists) {
		if err = l.takeOverStale(ctx); err != nil {
			return err
		}
		err = l.client.PutIfAbsent(ctx, l.key, body)
		if errors.Is(err, s3.ErrExists) {
			return fmt.Errorf("%w: %s", ErrHeld, l.key)
		}
	}
	if err != nil {
		return fmt.Errorf("s3 lock put: %w", err)
	}
	l.held = true
	return nil
}

// takeOverStale removes the existing lock object when it is older than the
// TTL and reports ErrHeld otherwise.
func (l *S3Locker) takeOverStale(ctx context.Context) error {
	info, err := l.client.Head(ctx, l.key)
	if fault.Is(err, fault.KindNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("s3 lock head: %w", err)
	}
	if l.ttl <= 0 || l.now().Sub(info.LastModified) < l.ttl {
		return fmt.Errorf("%w: %s", ErrHeld, l.key)
	}
	if err := l.client.Delete(ctx, l.key); err != nil {
		return fmt.Errorf("s3 lock stale but delete failed: %w", err)
	}
	return nil
}

func (l *S3Locker) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return nil
	}
	if err := l.client.Delete(ctx, l.key); err != nil {
		return fmt.Errorf("s3 lock release: %w", err)
	}
	l.held = false
	return nil
}
