// Package localworker runs build commands in-process, speaking the
// remote connection contract over an in-memory loopback. It is the
// reference worker transport; remote wire encodings live elsewhere.
package localworker

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/zulandar/trestle/internal/remote"
)

// Conn is a loopback worker connection executing commands with os/exec.
type Conn struct {
	name string

	mu      sync.Mutex
	events  chan remote.Event
	running map[string]context.CancelFunc
	closed  bool
}

// New creates a loopback connection for a named worker.
func New(name string) *Conn {
	return &Conn{
		name:    name,
		events:  make(chan remote.Event, 64),
		running: make(map[string]context.CancelFunc),
	}
}

// Name returns the worker name.
func (c *Conn) Name() string { return c.name }

// StartCommand launches the command and streams its output back as
// update events, finishing with rc, elapsed and a complete event.
func (c *Conn) StartCommand(ctx context.Context, spec remote.StartCommand) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("localworker: %s: connection closed", c.name)
	}
	if _, dup := c.running[spec.CommandID]; dup {
		c.mu.Unlock()
		return fmt.Errorf("localworker: %s: command %s already running", c.name, spec.CommandID)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	if spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(context.Background(), spec.Timeout)
	}
	c.running[spec.CommandID] = cancel
	c.mu.Unlock()

	cmd := exec.CommandContext(runCtx, spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = spec.Env
	}
	cmd.Stdout = &streamWriter{conn: c, commandID: spec.CommandID, key: remote.KeyStdout}
	cmd.Stderr = &streamWriter{conn: c, commandID: spec.CommandID, key: remote.KeyStderr}

	started := time.Now()
	if err := cmd.Start(); err != nil {
		cancel()
		c.drop(spec.CommandID)
		return fmt.Errorf("localworker: %s: start %s: %w", c.name, spec.Command[0], err)
	}

	go func() {
		waitErr := cmd.Wait()
		cancel()
		c.drop(spec.CommandID)

		// A killed process has no exit code; skipping the rc update
		// lets the command resolve as cancelled rather than failed.
		hasRC := true
		rc := 0
		failure := ""
		if waitErr != nil {
			if exitErr, ok := waitErr.(*exec.ExitError); ok && exitErr.ExitCode() >= 0 {
				rc = exitErr.ExitCode()
			} else {
				hasRC = false
				failure = waitErr.Error()
			}
		}

		if hasRC {
			c.emit(remote.Event{
				CommandID: spec.CommandID,
				Kind:      remote.EventUpdate,
				Key:       remote.KeyRC,
				Value:     strconv.Itoa(rc),
			})
		}
		c.emit(remote.Event{
			CommandID: spec.CommandID,
			Kind:      remote.EventUpdate,
			Key:       remote.KeyElapsed,
			Value:     time.Since(started).String(),
		})
		c.emit(remote.Event{
			CommandID: spec.CommandID,
			Kind:      remote.EventComplete,
			Failure:   failure,
		})
	}()

	return nil
}

// Interrupt kills a running command. Unknown ids are a no-op.
func (c *Conn) Interrupt(ctx context.Context, commandID, reason string) error {
	c.mu.Lock()
	cancel := c.running[commandID]
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Ping reports liveness of the loopback end.
func (c *Conn) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("localworker: %s: connection closed", c.name)
	}
	return nil
}

// Events returns the event stream. The channel closes on Close.
func (c *Conn) Events() <-chan remote.Event {
	return c.events
}

// Close kills running commands and closes the event stream.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancels := make([]context.CancelFunc, 0, len(c.running))
	for _, cancel := range c.running {
		cancels = append(cancels, cancel)
	}
	c.running = make(map[string]context.CancelFunc)
	close(c.events)
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return nil
}

func (c *Conn) drop(commandID string) {
	c.mu.Lock()
	delete(c.running, commandID)
	c.mu.Unlock()
}

// emit sends an event unless the connection already closed. The send
// happens under the mutex so Close can never close the channel between
// the closed check and the send; the session's route goroutine drains
// events without touching this connection, so holding the lock across
// the send cannot deadlock.
func (c *Conn) emit(evt remote.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.events <- evt
}

// streamWriter forwards subprocess output chunks as update events.
type streamWriter struct {
	conn      *Conn
	commandID string
	key       string
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.conn.emit(remote.Event{
		CommandID: w.commandID,
		Kind:      remote.EventUpdate,
		Key:       w.key,
		Value:     string(p),
	})
	return len(p), nil
}
