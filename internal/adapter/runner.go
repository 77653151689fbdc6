package adapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	stderrTail = 4 << 10
	waitDelay  = 10 * time.Second
)

// Command is one client tool invocation. Env entries are added to the
// process environment; secrets travel there, never in Args.
type Command struct {
	Path   string
	Args   []string
	Env    []string
	Stdin  io.Reader
	Stdout io.Writer
}

// Runner starts client tools. Tests replace it.
type Runner interface {
	LookPath(name string) (string, error)
	Run(ctx context.Context, c Command) error
}

// ExitError is a tool that ran and failed.
type ExitError struct {
	Tool   string
	Err    error
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s: %v", e.Tool, e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", e.Tool, e.Err, e.Stderr)
}

func (e *ExitError) Unwrap() error { return e.Err }

type ExecRunner struct{}

func (ExecRunner) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

// Run starts the tool and waits for it. When Stdin is set the runner copies
// it itself: if reading Stdin fails the process is killed before its input
// is closed, so a restore never sees a clean end of a broken stream.
func (ExecRunner) Run(ctx context.Context, c Command) error {
	tool := c.Path
	if i := strings.LastIndexByte(tool, '/'); i >= 0 {
		tool = tool[i+1:]
	}
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Stdout = c.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = io.Discard
	}
	stderr := &tailBuffer{max: stderrTail}
	cmd.Stderr = stderr
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = waitDelay

	var stdin io.WriteCloser
	if c.Stdin != nil {
		var err error
		if stdin, err = cmd.StdinPipe(); err != nil {
			return err
		}
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", tool, err)
	}

	var feedErr error
	if stdin != nil {
		_, err := io.Copy(stdin, c.Stdin)
		if err != nil && !errors.Is(err, syscall.EPIPE) {
			feedErr = err
			_ = cmd.Process.Kill()
		}
		_ = stdin.Close()
	}

	err := cmd.Wait()
	if feedErr != nil {
		return feedErr
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		return &ExitError{Tool: tool, Err: err, Stderr: strings.TrimSpace(stderr.String())}
	}
	return nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
	cut bool
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
		t.cut = true
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cut {
		return "..." + string(t.buf)
	}
	return string(t.buf)
}

// lookTool returns the first of names found on PATH.
func lookTool(r Runner, names ...string) (string, error) {
	for _, name := range names {
		if path, err := r.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%s not found on PATH", strings.Join(names, " or "))
}
