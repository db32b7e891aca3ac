// Package reporters delivers build and buildset outcomes to external
// consumers. Reporters receive immutable snapshots and never mutate
// shared state.
package reporters

import (
	"context"
	"log"
	"time"

	"github.com/zulandar/trestle/internal/models"
)

// Snapshot kinds.
const (
	KindBuild    = "build"
	KindBuildset = "buildset"
)

// Snapshot is an immutable record of a finished build or buildset.
type Snapshot struct {
	Kind        string
	BuilderName string
	Buildset    models.Buildset
	Builds      []models.Build
	Results     models.Results
}

// Reporter consumes completion snapshots.
type Reporter interface {
	Name() string
	Report(ctx context.Context, snap Snapshot) error
}

// reportTimeout bounds one reporter delivery so a hung reporter cannot
// stall the dispatcher.
const reportTimeout = 30 * time.Second

// Dispatcher fans snapshots out to every registered reporter. One
// reporter's failure never starves the rest.
type Dispatcher struct {
	reporters []Reporter
}

// NewDispatcher creates a dispatcher over the given reporters.
func NewDispatcher(reporters ...Reporter) *Dispatcher {
	return &Dispatcher{reporters: reporters}
}

// Add registers another reporter.
func (d *Dispatcher) Add(r Reporter) {
	d.reporters = append(d.reporters, r)
}

// Len returns the number of registered reporters.
func (d *Dispatcher) Len() int { return len(d.reporters) }

// Dispatch delivers one snapshot to all reporters, logging failures.
func (d *Dispatcher) Dispatch(ctx context.Context, snap Snapshot) {
	for _, r := range d.reporters {
		rctx, cancel := context.WithTimeout(ctx, reportTimeout)
		if err := r.Report(rctx, snap); err != nil {
			log.Printf("reporters: %s: %v", r.Name(), err)
		}
		cancel()
	}
}

// severityColor maps a result to a sidebar color hint shared by the
// chat reporters.
func severityColor(results models.Results) string {
	switch results {
	case models.Success, models.Skipped:
		return "#36a64f"
	case models.Warnings:
		return "#daa038"
	default:
		return "#d00000"
	}
}
