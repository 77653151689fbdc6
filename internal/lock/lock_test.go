package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dbkp/internal/config"
	"dbkp/internal/fault"
	"dbkp/internal/s3"
	"dbkp/internal/s3/s3test"
)

func TestLocalLockIsExclusive(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first, err := NewLocal(LocalOptions{Dir: dir, Name: "orders"})
	require.NoError(t, err)
	second, err := NewLocal(LocalOptions{Dir: dir, Name: "orders"})
	require.NoError(t, err)
	other, err := NewLocal(LocalOptions{Dir: dir, Name: "billing"})
	require.NoError(t, err)

	require.NoError(t, first.Acquire(ctx))
	assert.ErrorIs(t, second.Acquire(ctx), ErrHeld)
	require.NoError(t, other.Acquire(ctx), "different targets do not contend")

	require.NoError(t, first.Release(ctx))
	require.NoError(t, second.Acquire(ctx))
	require.NoError(t, second.Release(ctx))
	require.NoError(t, second.Release(ctx), "release is idempotent")
	require.NoError(t, other.Release(ctx))

	_, err = os.Stat(filepath.Join(dir, "orders.lock"))
	assert.True(t, os.IsNotExist(err))
}

func TestLocalLockTakesOverStaleFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orders.lock")
	require.NoError(t, os.WriteFile(path, []byte("12345\n"), 0o640))
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	fresh, err := NewLocal(LocalOptions{Dir: dir, Name: "orders", TTL: 3 * time.Hour})
	require.NoError(t, err)
	err = fresh.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrHeld)
	assert.Contains(t, err.Error(), "12345", "held error names the holder")

	l, err := NewLocal(LocalOptions{Dir: dir, Name: "orders", TTL: time.Hour})
	require.NoError(t, err)
	require.NoError(t, l.Acquire(context.Background()))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), fmt.Sprintf("pid=%d ", os.Getpid()))
	require.NoError(t, l.Release(context.Background()))
}

func TestLocalLockSanitizesName(t *testing.T) {
	l, err := NewLocal(LocalOptions{Dir: "/tmp/locks", Name: "../etc/passwd"})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/locks/default.lock", l.Path())
}

func newS3Client(fake *s3test.Fake) *s3.Client {
	return s3.NewWithAPI(fake, s3.Options{
		Bucket:    "backups",
		Prefix:    "db",
		Retry:     s3.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		OpTimeout: time.Second,
	})
}

func TestS3LockIsExclusive(t *testing.T) {
	fake := s3test.New()
	client := newS3Client(fake)
	ctx := context.Background()

	first, err := NewS3(S3Options{Client: client, Name: "orders", TTL: time.Hour})
	require.NoError(t, err)
	second, err := NewS3(S3Options{Client: client, Name: "orders", TTL: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, "db/locks/orders.lock", first.Key())

	require.NoError(t, first.Acquire(ctx))
	data, ok := fake.Object("db/locks/orders.lock")
	require.True(t, ok)
	var body lockBody
	require.NoError(t, json.Unmarshal(data, &body))
	assert.Equal(t, os.Getpid(), body.PID)

	assert.ErrorIs(t, second.Acquire(ctx), ErrHeld)
	require.NoError(t, first.Release(ctx))
	require.NoError(t, second.Acquire(ctx))
	require.NoError(t, second.Release(ctx))
	_, ok = fake.Object("db/locks/orders.lock")
	assert.False(t, ok)
}

func TestS3LockTakesOverStaleObject(t *testing.T) {
	fake := s3test.New()
	client := newS3Client(fake)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	fake.PutRaw("db/locks/orders.lock", []byte(`{"host":"gone","pid":1}`))
	fake.SetLastModified("db/locks/orders.lock", now.Add(-30*time.Minute))

	l, err := NewS3(S3Options{Client: client, Name: "orders", TTL: time.Hour})
	require.NoError(t, err)
	l.now = func() time.Time { return now }
	assert.ErrorIs(t, l.Acquire(context.Background()), ErrHeld)

	l.now = func() time.Time { return now.Add(time.Hour) }
	require.NoError(t, l.Acquire(context.Background()))
	require.NoError(t, l.Release(context.Background()))
}

func TestS3LockWithoutTTLNeverTakesOver(t *testing.T) {
	fake := s3test.New()
	client := newS3Client(fake)
	fake.PutRaw("db/locks/orders.lock", []byte("{}"))
	fake.SetLastModified("db/locks/orders.lock", time.Unix(0, 0))

	l, err := NewS3(S3Options{Client: client, Name: "orders"})
	require.NoError(t, err)
	assert.ErrorIs(t, l.Acquire(context.Background()), ErrHeld)
}

func TestNewSelectsBackend(t *testing.T) {
	client := newS3Client(s3test.New())

	l, err := New(config.LockConfig{Backend: config.LockBackendLocal, Dir: t.TempDir()}, "orders", nil)
	require.NoError(t, err)
	assert.IsType(t, &LocalLocker{}, l)

	l, err = New(config.LockConfig{Backend: config.LockBackendS3}, "orders", client)
	require.NoError(t, err)
	assert.IsType(t, &S3Locker{}, l)

	l, err = New(config.LockConfig{Backend: config.LockBackendNone}, "orders", nil)
	require.NoError(t, err)
	assert.IsType(t, Nop{}, l)

	_, err = New(config.LockConfig{Backend: config.LockBackendS3}, "orders", nil)
	assert.True(t, fault.Is(err, fault.KindConfiguration))

	_, err = New(config.LockConfig{Backend: "etcd"}, "orders", nil)
	assert.True(t, fault.Is(err, fault.KindConfiguration))
}
