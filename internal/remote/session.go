package remote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zulandar/trestle/internal/models"
)

// Session multiplexes one worker connection across its commands,
// routing connection events to the owning command. When the connection
// drops, every in-flight command resolves as cancelled.
type Session struct {
	conn Connection

	mu       sync.Mutex
	commands map[string]*Command
	closed   bool
}

// NewSession wraps a connection and starts routing its events.
func NewSession(conn Connection) *Session {
	s := &Session{
		conn:     conn,
		commands: make(map[string]*Command),
	}
	go s.route()
	return s
}

// route delivers connection events to commands until the event channel
// closes, then resolves everything still in flight.
func (s *Session) route() {
	for evt := range s.conn.Events() {
		if evt.Kind == EventConnLost {
			break
		}
		s.mu.Lock()
		cmd := s.commands[evt.CommandID]
		s.mu.Unlock()
		if cmd != nil {
			cmd.HandleEvent(evt)
			if evt.Kind == EventComplete {
				s.forget(cmd.ID)
			}
		}
	}
	s.connectionLost()
}

// connectionLost cancels every registered command.
func (s *Session) connectionLost() {
	s.mu.Lock()
	pending := make([]*Command, 0, len(s.commands))
	for _, cmd := range s.commands {
		pending = append(pending, cmd)
	}
	s.commands = make(map[string]*Command)
	s.closed = true
	s.mu.Unlock()

	for _, cmd := range pending {
		cmd.HandleEvent(Event{Kind: EventConnLost})
	}
}

func (s *Session) forget(commandID string) {
	s.mu.Lock()
	delete(s.commands, commandID)
	s.mu.Unlock()
}

// Execute starts one command on this session and returns its result
// channel.
func (s *Session) Execute(ctx context.Context, spec StartCommand, rcMap map[int]models.Results, sink LogSink) (*Command, <-chan Result, error) {
	cmd, err := NewCommand(s.conn, spec, rcMap, sink)
	if err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, nil, fmt.Errorf("remote: session closed")
	}
	s.commands[cmd.ID] = cmd
	s.mu.Unlock()

	done, err := cmd.Start(ctx)
	if err != nil {
		s.forget(cmd.ID)
		return cmd, done, err
	}
	return cmd, done, nil
}

// Ping verifies worker liveness within the given window.
func (s *Session) Ping(ctx context.Context, timeout time.Duration) error {
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.conn.Ping(pctx); err != nil {
		return fmt.Errorf("remote: ping: %w", err)
	}
	return nil
}

// Close shuts the underlying connection; in-flight commands resolve as
// cancelled through the event-channel close.
func (s *Session) Close() error {
	return s.conn.Close()
}
