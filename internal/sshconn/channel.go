package sshconn

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/opsdeck/opsdeck/internal/logutil"
)

// Result is the structured outcome of one remote command execution. ExitCode
// is always meaningful: a real remote exit status on completion, or -1 when
// execution failed (timeout, transport error) before a status was available.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Channel is an authenticated conduit capable of executing one remote
// command at a time. Implementations serialize Exec internally; callers may
// hold a Channel on multiple goroutines without coordinating.
type Channel interface {
	// Exec runs a command under a hard wall-clock timeout. A timeout of
	// zero means no bound. Non-zero remote exit statuses are reported in
	// the Result, not as an error; the error return is reserved for
	// timeouts and transport failures.
	Exec(ctx context.Context, command string, timeout time.Duration) (Result, error)

	// Close releases the channel. Idempotent. The pooled SSH connection
	// underneath stays open for other channels.
	Close() error
}

// lockedBuffer is a bytes.Buffer safe for the concurrent write (SSH session
// goroutine) and read (timeout path) that Exec performs.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// channel implements Channel over a pooled *ssh.Client. Each Exec opens a
// fresh SSH session (the protocol's unit of command execution) on the shared
// client; the mutex guarantees at most one in-flight command per channel.
type channel struct {
	client *ssh.Client
	// onTransportErr lets the pool verify/evict the shared connection
	// after a transport-level failure.
	onTransportErr func()

	mu     sync.Mutex
	closed bool
}

func newChannel(client *ssh.Client, onTransportErr func()) *channel {
	return &channel{client: client, onTransportErr: onTransportErr}
}

func (c *channel) Exec(ctx context.Context, command string, timeout time.Duration) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return Result{ExitCode: -1}, ErrChannelClosed
	}

	start := time.Now()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	session, err := c.client.NewSession()
	if err != nil {
		c.onTransportErr()
		return Result{ExitCode: -1, Duration: time.Since(start)},
			fmt.Errorf("%w: open session: %v", ErrConnection, err)
	}
	defer session.Close()

	var outBuf, errBuf lockedBuffer
	session.Stdout = &outBuf
	session.Stderr = &errBuf

	if err := session.Start(command); err != nil {
		c.onTransportErr()
		return Result{ExitCode: -1, Duration: time.Since(start)},
			fmt.Errorf("%w: start command: %v", ErrConnection, err)
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Wait()
	}()

	select {
	case <-ctx.Done():
		// Best-effort abort of the remote command, then stop waiting.
		// Closing the session tears down the remote process for servers
		// that ignore signals.
		session.Signal(ssh.SIGKILL)
		session.Close()
		res := Result{
			Stdout:   outBuf.String(),
			Stderr:   errBuf.String(),
			ExitCode: -1,
			Duration: time.Since(start),
		}
		log.Printf("[ssh] command aborted after %s: %s", res.Duration,
			logutil.Truncate(logutil.SanitizeForLog(command), 80))
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return res, ErrTimeout
		}
		return res, ctx.Err()

	case waitErr := <-done:
		res := Result{
			Stdout:   outBuf.String(),
			Stderr:   errBuf.String(),
			Duration: time.Since(start),
		}
		if waitErr == nil {
			return res, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(waitErr, &exitErr) {
			// Non-zero exit is a normal outcome, not an error.
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		c.onTransportErr()
		res.ExitCode = -1
		return res, fmt.Errorf("%w: %v", ErrConnection, waitErr)
	}
}

func (c *channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
