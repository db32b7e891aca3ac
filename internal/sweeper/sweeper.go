// Package sweeper recovers build-request claims abandoned by crashed
// masters. It is deliberately conservative: the expiry threshold must
// comfortably exceed the reclaim interval of live runtimes, so a claim
// is only released when its owner has missed several reclaim cycles.
package sweeper

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/trestle/internal/claims"
)

// cronParser accepts standard 5-field cron expressions.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Sweeper periodically releases expired claims.
type Sweeper struct {
	store    *claims.Store
	schedule cron.Schedule
	maxAge   time.Duration
	out      io.Writer
}

// New creates a sweeper firing on the given 5-field cron schedule,
// releasing claims older than maxAge.
func New(store *claims.Store, schedule string, maxAge time.Duration, out io.Writer) (*Sweeper, error) {
	if store == nil {
		return nil, fmt.Errorf("sweeper: store is required")
	}
	if maxAge <= 0 {
		return nil, fmt.Errorf("sweeper: maxAge must be positive")
	}
	sched, err := cronParser.Parse(schedule)
	if err != nil {
		return nil, fmt.Errorf("sweeper: parse schedule %q: %w", schedule, err)
	}
	if out == nil {
		out = io.Discard
	}
	return &Sweeper{store: store, schedule: sched, maxAge: maxAge, out: out}, nil
}

// Run fires sweeps on the schedule until ctx is cancelled. Sweep
// failures are logged and the loop continues; this is the sole recovery
// path for crashed masters and must outlive transient database errors.
func (s *Sweeper) Run(ctx context.Context) {
	for {
		next := s.schedule.Next(time.Now())
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
		}

		if _, err := s.SweepOnce(time.Now()); err != nil {
			log.Printf("sweeper: %v", err)
		}
	}
}

// SweepOnce releases claims older than the expiry threshold, returning
// how many were released.
func (s *Sweeper) SweepOnce(now time.Time) (int64, error) {
	count, err := s.store.UnclaimExpired(s.maxAge, now)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		fmt.Fprintf(s.out, "Released %d expired claim(s)\n", count)
	}
	return count, nil
}
