package pipeline

import (
	"context"
	"errors"
	"io"
	"sync"
)

// ErrChannelClosed is returned by Write after the writer side closed.
var ErrChannelClosed = errors.New("pipeline channel closed")

// Channel connects two concurrently running stages. Writes block once depth
// chunks are queued, so a producer never runs further ahead of its consumer
// than that. Either side can abort with CloseWithError; buffered chunks are
// then discarded and both sides see the error.
type Channel struct {
	ctx     context.Context
	ch      chan []byte
	aborted chan struct{}

	closeOnce sync.Once
	abortOnce sync.Once
	mu        sync.Mutex
	err       error
	closed    bool

	cur []byte
}

func NewChannel(ctx context.Context, depth int) *Channel {
	if depth < 1 {
		depth = 1
	}
	return &Channel{
		ctx:     ctx,
		ch:      make(chan []byte, depth),
		aborted: make(chan struct{}),
	}
}

func (c *Channel) Write(p []byte) (int, error) {
	if err := c.abortErr(); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return 0, ErrChannelClosed
	}
	chunk := make([]byte, len(p))
	copy(chunk, p)
	select {
	case c.ch <- chunk:
		return len(p), nil
	case <-c.aborted:
		return 0, c.abortErr()
	case <-c.ctx.Done():
		c.CloseWithError(c.ctx.Err())
		return 0, c.ctx.Err()
	}
}

func (c *Channel) Read(p []byte) (int, error) {
	for len(c.cur) == 0 {
		if err := c.abortErr(); err != nil {
			return 0, err
		}
		select {
		case chunk, ok := <-c.ch:
			if !ok {
				if err := c.abortErr(); err != nil {
					return 0, err
				}
				return 0, io.EOF
			}
			c.cur = chunk
		case <-c.aborted:
			return 0, c.abortErr()
		case <-c.ctx.Done():
			c.CloseWithError(c.ctx.Err())
			return 0, c.ctx.Err()
		}
	}
	n := copy(p, c.cur)
	c.cur = c.cur[n:]
	return n, nil
}

// Close marks the end of the stream; the reader drains what is queued and
// then sees io.EOF. Only the writer side may call it.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.ch)
	})
	return nil
}

// CloseWithError aborts the stream. A nil err is treated as Close.
func (c *Channel) CloseWithError(err error) error {
	if err == nil {
		return c.Close()
	}
	c.setErr(err)
	return nil
}

func (c *Channel) setErr(err error) {
	c.abortOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.aborted)
	})
}

func (c *Channel) abortErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
