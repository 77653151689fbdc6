package s3

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/cenkalti/backoff/v4"

	"dbkp/internal/fault"
)

const limiterBurst = 1 << 20

// RetryPolicy bounds how often a single storage operation is attempted.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 5
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	return p
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.RandomizationFactor = 0.5
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// do runs fn under the retry policy. Each attempt gets its own timeout;
// transient failures are retried with jittered exponential backoff, anything
// else is returned at once. The returned error is always classified.
func (c *Client) do(ctx context.Context, op string, fn func(context.Context) error) error {
	attempts := 0
	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(classify(ctx, op, err))
		}
		attempts++
		opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
		defer cancel()
		err := fn(opCtx)
		if err == nil {
			return nil
		}
		classified := classify(ctx, op, err)
		if !fault.IsTransient(classified) {
			return backoff.Permanent(classified)
		}
		return classified
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(c.retry.backOff(), uint64(c.retry.MaxAttempts-1)), ctx)

	err := backoff.Retry(operation, policy)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		err = classify(ctx, op, err)
	}
	var fe *fault.Error
	if errors.As(err, &fe) {
		cp := *fe
		cp.Attempts = attempts
		return &cp
	}
	return &fault.Error{Kind: fault.KindOf(err), Op: op, Attempts: attempts, Cause: err}
}

var (
	transientCodes = map[string]bool{
		"RequestTimeout":          true,
		"RequestTimeoutException": true,
		"InternalError":           true,
		"ServiceUnavailable":      true,
		"SlowDown":                true,
		"Throttling":              true,
		"ThrottlingException":     true,
		"RequestThrottled":        true,
		"BadDigest":               true,
	}
	notFoundCodes = map[string]bool{
		"NoSuchKey": true,
		"NotFound":  true,
	}
	permanentCodes = map[string]bool{
		"AccessDenied":          true,
		"InvalidAccessKeyId":    true,
		"SignatureDoesNotMatch": true,
		"AllAccessDisabled":     true,
		"NoSuchBucket":          true,
		"NoSuchUpload":          true,
		"InvalidBucketName":     true,
		"InvalidPart":           true,
		"InvalidPartOrder":      true,
		"EntityTooSmall":        true,
		"EntityTooLarge":        true,
		"PreconditionFailed":    true,
	}
)

// classify maps an SDK or network error onto the fault taxonomy. ctx is the
// caller's context: its cancellation wins over whatever the SDK reported.
func classify(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return fault.New(fault.KindCanceled, op, ctx.Err())
		}
		return fault.Transient(op, ctx.Err())
	}
	var fe *fault.Error
	if errors.As(err, &fe) {
		return err
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch {
		case transientCodes[code]:
			return fault.Transient(op, err)
		case notFoundCodes[code]:
			return fault.NotFound(op, err)
		case permanentCodes[code]:
			return fault.Permanent(op, err)
		}
	}

	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		status := respErr.HTTPStatusCode()
		switch {
		case status == http.StatusNotFound:
			return fault.NotFound(op, err)
		case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
			return fault.Transient(op, err)
		case status >= 400:
			return fault.Permanent(op, err)
		}
	}
	if apiErr != nil {
		return fault.Permanent(op, err)
	}

	// Everything else failed below the HTTP layer: timeouts, connection
	// resets, truncated bodies.
	return fault.Transient(op, err)
}

// waitBandwidth blocks until n bytes may be transferred.
func (c *Client) waitBandwidth(ctx context.Context, n int) error {
	if c.limiter == nil {
		return nil
	}
	burst := c.limiter.Burst()
	for n > 0 {
		step := n
		if step > burst {
			step = burst
		}
		if err := c.limiter.WaitN(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}
