// Package remote abstracts the worker RPC session used to run one
// remote command and stream its progress back. Transport encoding is a
// collaborator concern; this package only sees the message types below.
package remote

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// Update keys sent by workers while a command runs.
const (
	KeyStdout  = "stdout"
	KeyStderr  = "stderr"
	KeyHeader  = "header"
	KeyLog     = "log"
	KeyRC      = "rc"
	KeyElapsed = "elapsed"
)

// StartCommand asks a worker to begin executing a command.
type StartCommand struct {
	CommandID string
	Command   []string
	Dir       string
	Env       []string
	Timeout   time.Duration
}

// EventKind discriminates events arriving from a worker connection.
type EventKind int

const (
	// EventUpdate carries an incremental key/value update.
	EventUpdate EventKind = iota
	// EventComplete signals explicit command completion.
	EventComplete
	// EventConnLost signals the session transport dropped; every
	// in-flight command on it resolves as cancelled.
	EventConnLost
)

// Event is one message received from a worker.
type Event struct {
	CommandID string
	Kind      EventKind
	Key       string
	Value     string
	LogName   string // set for named-log updates
	Failure   string // set on failed completion
}

// Connection is one live session to a worker process.
type Connection interface {
	// StartCommand sends a start message for the given command.
	StartCommand(ctx context.Context, cmd StartCommand) error

	// Interrupt asks the worker, best-effort, to abort a command.
	Interrupt(ctx context.Context, commandID, reason string) error

	// Ping verifies the worker end is alive.
	Ping(ctx context.Context) error

	// Events returns the stream of updates and completions from the
	// worker. The channel closes when the connection is lost.
	Events() <-chan Event

	// Close tears down the session.
	Close() error
}

// Provisioner starts and stops worker endpoints on demand. On-demand
// cloud workers would implement this; the local worker is the only
// implementation shipped.
type Provisioner interface {
	// Start brings up the named worker and returns a live connection
	// to it.
	Start(ctx context.Context, workerName string) (Connection, error)

	// Stop tears the named worker down.
	Stop(ctx context.Context, workerName string) error
}

// GenerateCommandID creates a unique command id in cmd-xxxxxxxx format.
func GenerateCommandID() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("remote: generate command ID: %w", err)
	}
	return "cmd-" + hex.EncodeToString(b), nil
}
