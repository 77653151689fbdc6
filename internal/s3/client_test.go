package s3

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dbkp/internal/fault"
	"dbkp/internal/s3/s3test"
)

func newTestClient(api API) *Client {
	return NewWithAPI(api, Options{
		Bucket: "backups",
		Prefix: "db",
		Retry: RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
		},
		OpTimeout:       5 * time.Second,
		CompleteTimeout: 5 * time.Second,
	})
}

func TestPutGetHeadDelete(t *testing.T) {
	fake := s3test.New()
	c := newTestClient(fake)
	ctx := context.Background()
	key := c.Key("locks/a.lock")

	ok, err := c.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Put(ctx, key, []byte("held")))
	data, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "held", string(data))

	info, err := c.Head(ctx, key)
	require.NoError(t, err)
	assert.EqualValues(t, 4, info.Size)
	assert.NotEmpty(t, info.ETag)

	require.NoError(t, c.Delete(ctx, key))
	require.NoError(t, c.Delete(ctx, key), "deleting an absent object succeeds")

	_, err = c.Head(ctx, key)
	assert.True(t, fault.Is(err, fault.KindNotFound))
	assert.Equal(t, 1, fault.AttemptsOf(err), "not-found is not retried")
}

func TestPutIfAbsent(t *testing.T) {
	fake := s3test.New()
	c := newTestClient(fake)
	ctx := context.Background()
	key := c.Key("locks/orders.lock")

	require.NoError(t, c.PutIfAbsent(ctx, key, []byte("first")))
	err := c.PutIfAbsent(ctx, key, []byte("second"))
	assert.ErrorIs(t, err, ErrExists)

	data, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))
}

func TestListPaginates(t *testing.T) {
	fake := s3test.New()
	c := newTestClient(fake)
	for i := 0; i < 1203; i++ {
		fake.PutRaw(c.Key(fmt.Sprintf("backups/t/2025/01/01/%04d.dump", i)), []byte{1})
	}
	fake.PutRaw(c.Key("locks/t.lock"), []byte{1})

	objects, err := c.List(context.Background(), c.Key(BackupsPrefixForTarget("t")))
	require.NoError(t, err)
	assert.Len(t, objects, 1203)
	assert.Equal(t, "db/backups/t/2025/01/01/0000.dump", objects[0].Key)
}

func TestRetryTransientThenSucceed(t *testing.T) {
	fake := s3test.New()
	fake.Fail = func(call s3test.Call) error {
		if call.Op == s3test.OpPut && call.Attempt < 3 {
			return s3test.Transient("try again")
		}
		return nil
	}
	c := newTestClient(fake)
	require.NoError(t, c.Put(context.Background(), c.Key("x"), []byte("x")))
	_, ok := fake.Object("db/x")
	assert.True(t, ok)
}

func TestRetryExhausted(t *testing.T) {
	fake := s3test.New()
	fake.Fail = func(call s3test.Call) error {
		if call.Op == s3test.OpPut {
			return s3test.Transient("down")
		}
		return nil
	}
	c := newTestClient(fake)
	err := c.Put(context.Background(), c.Key("x"), []byte("x"))
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindTransferTransient))
	assert.Equal(t, 3, fault.AttemptsOf(err))
}

func TestPermanentNotRetried(t *testing.T) {
	fake := s3test.New()
	calls := 0
	fake.Fail = func(call s3test.Call) error {
		if call.Op == s3test.OpPut {
			calls++
			return s3test.Permanent("denied")
		}
		return nil
	}
	c := newTestClient(fake)
	err := c.Put(context.Background(), c.Key("x"), []byte("x"))
	assert.True(t, fault.Is(err, fault.KindTransferPermanent))
	assert.Equal(t, 1, calls)
}

func TestCanceledContext(t *testing.T) {
	c := newTestClient(s3test.New())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.Put(ctx, c.Key("x"), []byte("x"))
	assert.True(t, fault.Is(err, fault.KindCanceled))
}

func TestEnsureBucket(t *testing.T) {
	fake := s3test.New()
	c := newTestClient(fake)
	require.NoError(t, c.EnsureBucket(context.Background()))
	assert.True(t, fake.HasBucket("backups"))
	require.NoError(t, c.EnsureBucket(context.Background()))
}

func TestPing(t *testing.T) {
	fake := s3test.New()
	c := newTestClient(fake)
	require.NoError(t, c.Ping(context.Background()))

	fake.Fail = func(call s3test.Call) error {
		if call.Op == s3test.OpList {
			return s3test.Permanent("denied")
		}
		return nil
	}
	assert.True(t, fault.Is(c.Ping(context.Background()), fault.KindTransferPermanent))
}

func responseError(status int) error {
	return &smithyhttp.ResponseError{
		Response: &smithyhttp.Response{Response: &http.Response{StatusCode: status}},
		Err:      errors.New("status"),
	}
}

func TestClassify(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		err  error
		want fault.Kind
	}{
		{"slow down", &smithy.GenericAPIError{Code: "SlowDown"}, fault.KindTransferTransient},
		{"no such key", &smithy.GenericAPIError{Code: "NoSuchKey"}, fault.KindNotFound},
		{"access denied", &smithy.GenericAPIError{Code: "AccessDenied"}, fault.KindTransferPermanent},
		{"unknown api code", &smithy.GenericAPIError{Code: "Teapot"}, fault.KindTransferPermanent},
		{"http 503", responseError(http.StatusServiceUnavailable), fault.KindTransferTransient},
		{"http 429", responseError(http.StatusTooManyRequests), fault.KindTransferTransient},
		{"http 404", responseError(http.StatusNotFound), fault.KindNotFound},
		{"http 403", responseError(http.StatusForbidden), fault.KindTransferPermanent},
		{"network", errors.New("connection reset by peer"), fault.KindTransferTransient},
		{"already classified", fault.Checksum("x", errors.New("bad")), fault.KindChecksumMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, fault.KindOf(classify(ctx, "op", tt.err)))
		})
	}

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	assert.Equal(t, fault.KindCanceled, fault.KindOf(classify(canceled, "op", errors.New("x"))))
}

func TestBandwidthLimit(t *testing.T) {
	c := NewWithAPI(s3test.New(), Options{Bucket: "b", MaxBytesPerSecond: 4096})
	require.NotNil(t, c.limiter)
	assert.Equal(t, 4096, c.limiter.Burst())

	start := time.Now()
	require.NoError(t, c.waitBandwidth(context.Background(), 4096*2))
	assert.GreaterOrEqual(t, time.Since(start), 500*time.Millisecond)
}
