package localworker

import (
	"context"
	"fmt"
	"sync"

	"github.com/zulandar/trestle/internal/remote"
)

// Provisioner hands out loopback connections by worker name. Starting a
// name that is already up replaces its connection; the old one is
// closed so in-flight commands resolve as cancelled.
type Provisioner struct {
	mu    sync.Mutex
	conns map[string]*Conn
}

// NewProvisioner creates an empty provisioner.
func NewProvisioner() *Provisioner {
	return &Provisioner{conns: make(map[string]*Conn)}
}

// Start brings up (or replaces) the named loopback worker.
func (p *Provisioner) Start(ctx context.Context, workerName string) (remote.Connection, error) {
	conn := New(workerName)
	p.mu.Lock()
	old := p.conns[workerName]
	p.conns[workerName] = conn
	p.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return conn, nil
}

// Stop tears the named worker down.
func (p *Provisioner) Stop(ctx context.Context, workerName string) error {
	p.mu.Lock()
	conn, ok := p.conns[workerName]
	delete(p.conns, workerName)
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("localworker: worker %s is not provisioned", workerName)
	}
	return conn.Close()
}
