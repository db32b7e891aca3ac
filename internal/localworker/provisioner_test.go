package localworker

import (
	"context"
	"testing"
)

func TestProvisionerStartStop(t *testing.T) {
	p := NewProvisioner()
	ctx := context.Background()

	conn, err := p.Start(ctx, "w1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := conn.Ping(ctx); err != nil {
		t.Errorf("Ping on fresh worker: %v", err)
	}

	if err := p.Stop(ctx, "w1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := conn.Ping(ctx); err == nil {
		t.Error("Ping succeeded on a stopped worker")
	}

	if err := p.Stop(ctx, "w1"); err == nil {
		t.Error("Stop accepted an unknown worker")
	}
}

func TestProvisionerReplacesConnection(t *testing.T) {
	p := NewProvisioner()
	ctx := context.Background()

	first, err := p.Start(ctx, "w1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	second, err := p.Start(ctx, "w1")
	if err != nil {
		t.Fatalf("re-Start: %v", err)
	}

	if err := first.Ping(ctx); err == nil {
		t.Error("old connection still alive after replacement")
	}
	if err := second.Ping(ctx); err != nil {
		t.Errorf("new connection dead: %v", err)
	}
}
