// Package runtime holds the per-builder, per-master state machine
// tracking connected workers, in-flight builds, and scheduling passes
// over the pending request queue.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/zulandar/trestle/internal/claims"
	"github.com/zulandar/trestle/internal/config"
	"github.com/zulandar/trestle/internal/merge"
	"github.com/zulandar/trestle/internal/models"
	"github.com/zulandar/trestle/internal/remote"
)

// Worker slot states.
const (
	SlotAttaching = "attaching"
	SlotIdle      = "idle"
	SlotPinging   = "pinging"
	SlotBuilding  = "building"
	SlotDetached  = "detached"
)

// DefaultPingTimeout bounds the liveness check before a build starts.
const DefaultPingTimeout = 30 * time.Second

// Finished describes one finished (or reused) build, delivered to the
// master for buildset aggregation and reporting.
type Finished struct {
	Build   models.Build
	Brids   []uint
	Results models.Results
}

// Runtime is the state machine for one builder on one master.
type Runtime struct {
	builderName string
	cfg         config.BuilderConfig
	ownerID     string
	store       *claims.Store
	merger      *merge.Engine
	out         io.Writer

	// OnFinished, when set, receives every completion this runtime
	// produces, including artifact reuses and merged siblings' brids.
	OnFinished func(Finished)

	// PingTimeout bounds the pre-build liveness check.
	PingTimeout time.Duration

	mu       sync.Mutex
	slots    map[string]*slot
	inflight map[uint]*activeBuild // keyed by representative brid
	orphans  map[uint]models.Build
	passing  bool
	passMore bool
}

type slot struct {
	workerName string
	state      string
	session    *remote.Session
	build      *activeBuild
}

type activeBuild struct {
	buildID    uint
	repBrid    uint
	brids      []uint
	workerName string
	cmd        *remote.Command
	startedAt  time.Time
}

// New creates a runtime for one builder.
func New(store *claims.Store, merger *merge.Engine, cfg config.BuilderConfig, ownerID string, out io.Writer) *Runtime {
	if out == nil {
		out = io.Discard
	}
	return &Runtime{
		builderName: cfg.Name,
		cfg:         cfg,
		ownerID:     ownerID,
		store:       store,
		merger:      merger,
		out:         out,
		PingTimeout: DefaultPingTimeout,
		slots:       make(map[string]*slot),
		inflight:    make(map[uint]*activeBuild),
		orphans:     make(map[uint]models.Build),
	}
}

// BuilderName returns the builder this runtime schedules for.
func (r *Runtime) BuilderName() string { return r.builderName }

// Attach registers a worker session with this builder and triggers a
// scheduling pass. Re-attaching an already-attached worker is a no-op:
// connection-list churn produces duplicate attach calls by design.
func (r *Runtime) Attach(ctx context.Context, workerName string, session *remote.Session) error {
	r.mu.Lock()
	if existing, ok := r.slots[workerName]; ok && existing.state != SlotDetached {
		r.mu.Unlock()
		return nil
	}
	r.slots[workerName] = &slot{workerName: workerName, state: SlotAttaching, session: session}
	r.mu.Unlock()

	r.registerWorkerRow(workerName, SlotIdle)

	r.mu.Lock()
	if sl, ok := r.slots[workerName]; ok && sl.state == SlotAttaching {
		sl.state = SlotIdle
	}
	r.mu.Unlock()

	fmt.Fprintf(r.out, "Worker %s attached to builder %s\n", workerName, r.builderName)
	r.MaybeStartBuild(ctx)
	return nil
}

// Detach removes a worker slot. An in-flight build on the slot is left
// to fail through its own connection-loss handling; the runtime does
// not cancel it here.
func (r *Runtime) Detach(workerName string) {
	r.mu.Lock()
	sl, ok := r.slots[workerName]
	if ok {
		sl.state = SlotDetached
		delete(r.slots, workerName)
	}
	r.mu.Unlock()
	if ok {
		r.registerWorkerRow(workerName, SlotDetached)
		fmt.Fprintf(r.out, "Worker %s detached from builder %s\n", workerName, r.builderName)
	}
}

// SlotState returns a worker slot's state, or SlotDetached if unknown.
func (r *Runtime) SlotState(workerName string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sl, ok := r.slots[workerName]; ok {
		return sl.state
	}
	return SlotDetached
}

// MaybeStartBuild runs one scheduling pass: for each idle worker slot,
// pop the best unclaimed request group, claim it, and start a build.
// Passes for the same builder never run concurrently with themselves;
// a pass requested while one is running queues exactly one more.
func (r *Runtime) MaybeStartBuild(ctx context.Context) {
	r.mu.Lock()
	if r.passing {
		r.passMore = true
		r.mu.Unlock()
		return
	}
	r.passing = true
	r.mu.Unlock()

	for {
		r.schedulingPass(ctx)

		r.mu.Lock()
		if !r.passMore {
			r.passing = false
			r.mu.Unlock()
			return
		}
		r.passMore = false
		r.mu.Unlock()
	}
}

// schedulingPass pairs idle slots with claimable request groups. Every
// idle slot gets a turn each sweep: a slot that finds nothing eligible
// for itself must not end the pass for the others. Sweeps repeat until
// one starts nothing. No lock is held across store or network calls.
func (r *Runtime) schedulingPass(ctx context.Context) {
	for {
		startedAny := false
		tried := make(map[string]bool)
		for {
			sl := r.takeIdleSlot(tried)
			if sl == nil {
				break
			}
			tried[sl.workerName] = true

			started, err := r.scheduleOnSlot(ctx, sl)
			if err != nil {
				log.Printf("runtime %s: scheduling on %s: %v", r.builderName, sl.workerName, err)
			}
			if started {
				startedAny = true
			}
		}
		if !startedAny {
			return
		}
	}
}

// takeIdleSlot moves one idle slot not in skip to pinging and returns
// it, claiming it for this pass so callbacks cannot hand it out twice.
func (r *Runtime) takeIdleSlot(skip map[string]bool) *slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, sl := range r.slots {
		if skip[name] {
			continue
		}
		if sl.state == SlotIdle {
			sl.state = SlotPinging
			return sl
		}
	}
	return nil
}

// scheduleOnSlot finds work for one slot. Returns true when a build
// was started (or a request satisfied by artifact reuse) and the pass
// should keep going.
func (r *Runtime) scheduleOnSlot(ctx context.Context, sl *slot) (bool, error) {
	group, err := r.merger.NextGroupFor(r.builderName, r.cfg.CollapseEnabled(), sl.workerName)
	if err != nil {
		r.releaseSlot(sl, SlotIdle)
		return false, err
	}
	if len(group) == 0 {
		r.releaseSlot(sl, SlotIdle)
		return false, nil
	}

	rep := &group[0]
	now := time.Now()
	brids := merge.Brids(group)
	if err := r.store.Claim(brids, r.ownerID, now); err != nil {
		r.releaseSlot(sl, SlotIdle)
		if errors.Is(err, claims.ErrAlreadyClaimed) {
			// Lost the race to another master; expected, try again.
			r.requestAnotherPass()
			return false, nil
		}
		return false, err
	}

	if err := r.merger.MarkMerged(group); err != nil {
		r.unclaimQuietly(brids)
		r.releaseSlot(sl, SlotIdle)
		return false, err
	}

	// Artifact reuse satisfies the whole group without dispatch.
	if r.cfg.ReuseArtifacts {
		reused, err := r.merger.TryArtifactReuse(rep, now)
		if err != nil {
			r.unclaimQuietly(brids)
			r.releaseSlot(sl, SlotIdle)
			return false, err
		}
		if reused {
			if err := r.merger.PropagateSiblings(rep.ID, models.Success, now); err != nil {
				log.Printf("runtime %s: propagate reuse of %d: %v", r.builderName, rep.ID, err)
			}
			r.releaseSlot(sl, SlotIdle)
			r.notifyReuse(rep.ID, brids)
			fmt.Fprintf(r.out, "Request %d satisfied by artifact reuse on %s\n", rep.ID, r.builderName)
			return true, nil
		}
	}

	// Verify the worker is alive before committing a build to it.
	if err := sl.session.Ping(ctx, r.PingTimeout); err != nil {
		r.unclaimQuietly(brids)
		r.releaseSlot(sl, SlotDetached)
		r.Detach(sl.workerName)
		return false, fmt.Errorf("runtime: worker %s failed ping: %w", sl.workerName, err)
	}

	if err := r.startBuild(ctx, sl, group); err != nil {
		r.unclaimQuietly(brids)
		r.releaseSlot(sl, SlotIdle)
		return false, err
	}
	return true, nil
}

func (r *Runtime) releaseSlot(sl *slot, state string) {
	r.mu.Lock()
	if sl.state != SlotDetached || state == SlotDetached {
		sl.state = state
	}
	r.mu.Unlock()
}

func (r *Runtime) requestAnotherPass() {
	r.mu.Lock()
	r.passMore = true
	r.mu.Unlock()
}

// unclaimQuietly returns requests to the pool after a failed attempt;
// errors are logged, not propagated, since retry covers them.
func (r *Runtime) unclaimQuietly(brids []uint) {
	if err := r.store.Unclaim(brids, r.ownerID); err != nil {
		log.Printf("runtime %s: unclaim %v: %v", r.builderName, brids, err)
	}
}

// registerWorkerRow upserts this worker's informational registry row.
func (r *Runtime) registerWorkerRow(workerName, state string) {
	gdb := r.store.DB()
	now := time.Now()
	var existing models.Worker
	err := gdb.Where("name = ?", workerName).First(&existing).Error
	if err != nil {
		row := models.Worker{
			Name:     workerName,
			MasterID: r.ownerID,
			State:    state,
			LastSeen: now,
		}
		if err := gdb.Create(&row).Error; err != nil {
			log.Printf("runtime %s: register worker %s: %v", r.builderName, workerName, err)
		}
		return
	}
	if err := gdb.Model(&models.Worker{}).Where("name = ?", workerName).
		Updates(map[string]interface{}{
			"master_id": r.ownerID,
			"state":     state,
			"last_seen": now,
		}).Error; err != nil {
		log.Printf("runtime %s: update worker %s: %v", r.builderName, workerName, err)
	}
}
