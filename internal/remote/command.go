package remote

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/zulandar/trestle/internal/models"
)

// Command lifecycle states.
const (
	stateInactive = iota
	stateActive
	stateCompleting
)

// LogSink receives whole output lines from a running command, keyed by
// stream ("stdout", "stderr", "header") or named log.
type LogSink interface {
	LogLine(stream, line string)
}

// DiscardSink drops all log lines.
type DiscardSink struct{}

func (DiscardSink) LogLine(string, string) {}

// Result is the final outcome of one remote command.
type Result struct {
	Results models.Results
	RC      int
	HasRC   bool
	Elapsed time.Duration
	Failure string
}

// Command runs one remote command over a worker connection and resolves
// exactly once: on the worker's explicit complete message, or implicitly
// when the connection is lost. A lost connection maps to Cancelled,
// never Failure, so callers can tell "the code failed" from "we never
// found out".
type Command struct {
	ID   string
	Spec StartCommand

	conn Connection
	sink LogSink

	// rcMap translates raw exit codes to results; exit codes not in
	// the map fall back to Success for 0 and Failure otherwise.
	rcMap map[int]models.Results

	mu       sync.Mutex
	state    int
	resolved bool
	buffers  map[string]*lineBuffer
	rc       int
	hasRC    bool
	elapsed  time.Duration

	done chan Result
}

// NewCommand prepares a command for the given connection. rcMap may be
// nil. sink may be nil to discard output.
func NewCommand(conn Connection, spec StartCommand, rcMap map[int]models.Results, sink LogSink) (*Command, error) {
	if conn == nil {
		return nil, fmt.Errorf("remote: connection is required")
	}
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("remote: command is required")
	}
	if spec.CommandID == "" {
		id, err := GenerateCommandID()
		if err != nil {
			return nil, err
		}
		spec.CommandID = id
	}
	if sink == nil {
		sink = DiscardSink{}
	}
	return &Command{
		ID:      spec.CommandID,
		Spec:    spec,
		conn:    conn,
		sink:    sink,
		rcMap:   rcMap,
		buffers: make(map[string]*lineBuffer),
		done:    make(chan Result, 1),
	}, nil
}

// Start sends the start message and returns a channel that receives the
// final result exactly once.
func (c *Command) Start(ctx context.Context) (<-chan Result, error) {
	c.mu.Lock()
	if c.state != stateInactive {
		c.mu.Unlock()
		return nil, fmt.Errorf("remote: command %s already started", c.ID)
	}
	c.state = stateActive
	c.mu.Unlock()

	if err := c.conn.StartCommand(ctx, c.Spec); err != nil {
		c.finish(Result{Results: models.Cancelled, Failure: err.Error()})
		return c.done, fmt.Errorf("remote: start command %s: %w", c.ID, err)
	}
	return c.done, nil
}

// Done returns the result channel.
func (c *Command) Done() <-chan Result {
	return c.done
}

// HandleEvent feeds one connection event into the command. Events for
// other command ids are ignored. Duplicate completion signals (a race
// between the worker's complete message and detected connection loss)
// are idempotent.
func (c *Command) HandleEvent(evt Event) {
	if evt.Kind != EventConnLost && evt.CommandID != c.ID {
		return
	}

	switch evt.Kind {
	case EventUpdate:
		c.handleUpdate(evt)
	case EventComplete:
		c.mu.Lock()
		if c.state == stateActive {
			c.state = stateCompleting
		}
		c.mu.Unlock()
		c.finish(c.resultFromState(evt.Failure))
	case EventConnLost:
		c.finish(c.cancelledResult("connection lost"))
	}
}

func (c *Command) handleUpdate(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateActive {
		return
	}

	switch evt.Key {
	case KeyStdout, KeyStderr, KeyHeader:
		c.buffer(evt.Key).Add(evt.Value)
	case KeyLog:
		c.buffer(evt.LogName).Add(evt.Value)
	case KeyRC:
		if rc, err := strconv.Atoi(evt.Value); err == nil {
			c.rc = rc
			c.hasRC = true
		}
	case KeyElapsed:
		if d, err := time.ParseDuration(evt.Value); err == nil {
			c.elapsed = d
		}
	}
}

// buffer returns the line buffer for a stream, creating it on first use.
// Callers hold c.mu.
func (c *Command) buffer(stream string) *lineBuffer {
	lb, ok := c.buffers[stream]
	if !ok {
		name := stream
		lb = newLineBuffer(func(line string) {
			c.sink.LogLine(name, line)
		})
		c.buffers[stream] = lb
	}
	return lb
}

// Interrupt asks the worker to abort, best-effort. If the connection is
// already gone the command still resolves, with a cancellation result.
func (c *Command) Interrupt(ctx context.Context, reason string) error {
	c.mu.Lock()
	if c.state == stateInactive {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.conn.Interrupt(ctx, c.ID, reason); err != nil {
		c.finish(c.cancelledResult(fmt.Sprintf("interrupted (%s): %v", reason, err)))
		return nil
	}
	return nil
}

// resultFromState maps the accumulated rc/elapsed into a Result. Absence
// of an exit code maps to Cancelled.
func (c *Command) resultFromState(failure string) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	res := Result{
		RC:      c.rc,
		HasRC:   c.hasRC,
		Elapsed: c.elapsed,
		Failure: failure,
	}
	if !c.hasRC {
		res.Results = models.Cancelled
		return res
	}
	if mapped, ok := c.rcMap[c.rc]; ok {
		res.Results = mapped
	} else if c.rc == 0 {
		res.Results = models.Success
	} else {
		res.Results = models.Failure
	}
	return res
}

func (c *Command) cancelledResult(failure string) Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Result{
		Results: models.Cancelled,
		RC:      c.rc,
		HasRC:   c.hasRC,
		Elapsed: c.elapsed,
		Failure: failure,
	}
}

// finish performs the single honored completion transition, flushing
// any partial output lines first.
func (c *Command) finish(res Result) {
	c.mu.Lock()
	if c.resolved {
		c.mu.Unlock()
		return
	}
	c.resolved = true
	for _, lb := range c.buffers {
		lb.Flush()
	}
	c.state = stateInactive
	c.mu.Unlock()

	c.done <- res
}
