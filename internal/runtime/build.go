package runtime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/zulandar/trestle/internal/claims"
	"github.com/zulandar/trestle/internal/merge"
	"github.com/zulandar/trestle/internal/models"
	"github.com/zulandar/trestle/internal/remote"
	"gorm.io/gorm"
)

// startBuild creates the build row, moves the slot to building, and
// launches the remote command. The slot was pinged by the caller.
func (r *Runtime) startBuild(ctx context.Context, sl *slot, group []models.BuildRequest) error {
	rep := &group[0]
	now := time.Now()

	var build models.Build
	err := r.store.DB().Transaction(func(tx *gorm.DB) error {
		number, err := merge.NextBuildNumber(tx, r.builderName)
		if err != nil {
			return err
		}
		build = models.Build{
			Number:      number,
			BuilderName: r.builderName,
			Brid:        rep.ID,
			WorkerName:  sl.workerName,
			Results:     models.ResultsUnset,
			StartedAt:   now,
		}
		if err := tx.Create(&build).Error; err != nil {
			return fmt.Errorf("runtime: create build: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	spec := remote.StartCommand{
		Command: r.cfg.Command,
		Env:     buildEnv(&build, rep),
		Timeout: r.cfg.Timeout(),
	}

	cmd, done, err := sl.session.Execute(ctx, spec, r.rcMap(), DiscardLogs{})
	if err != nil {
		r.markBuildAbandoned(&build, now)
		return fmt.Errorf("runtime: dispatch build %d: %w", build.ID, err)
	}

	active := &activeBuild{
		buildID:    build.ID,
		repBrid:    rep.ID,
		brids:      merge.Brids(group),
		workerName: sl.workerName,
		cmd:        cmd,
		startedAt:  now,
	}

	r.mu.Lock()
	sl.state = SlotBuilding
	sl.build = active
	r.inflight[rep.ID] = active
	r.mu.Unlock()

	fmt.Fprintf(r.out, "Build %s/%d started on %s (requests %v)\n",
		r.builderName, build.Number, sl.workerName, active.brids)

	go func() {
		res := <-done
		r.buildFinished(ctx, sl, active, build, res)
	}()
	return nil
}

// rcMap translates the builder's configured retry exit codes into a
// result table for the remote command.
func (r *Runtime) rcMap() map[int]models.Results {
	if len(r.cfg.RetryExitCodes) == 0 {
		return nil
	}
	m := make(map[int]models.Results, len(r.cfg.RetryExitCodes))
	for _, rc := range r.cfg.RetryExitCodes {
		m[rc] = models.Retry
	}
	return m
}

// DiscardLogs drops build output. Log persistence is a status-layer
// concern; the runtime only needs the final result.
type DiscardLogs struct{}

func (DiscardLogs) LogLine(string, string) {}

// buildFinished records the result, propagates completion (or unclaims
// on RETRY), frees the slot and re-triggers scheduling.
func (r *Runtime) buildFinished(ctx context.Context, sl *slot, active *activeBuild, build models.Build, res remote.Result) {
	now := time.Now()

	r.mu.Lock()
	delete(r.inflight, active.repBrid)
	if sl.build == active {
		sl.build = nil
		if sl.state == SlotBuilding {
			sl.state = SlotIdle
		}
	}
	r.mu.Unlock()

	if err := r.store.DB().Model(&models.Build{}).
		Where("id = ?", build.ID).
		Updates(map[string]interface{}{
			"results":     res.Results,
			"complete_at": now,
		}).Error; err != nil {
		log.Printf("runtime %s: record build %d result: %v", r.builderName, build.ID, err)
	}
	build.Results = res.Results
	build.CompleteAt = &now

	if res.Results == models.Retry {
		// The build environment failed, not the code under test:
		// return the requests to the pool for another attempt.
		fmt.Fprintf(r.out, "Build %s/%d hit an infrastructure failure — requeueing requests %v\n",
			r.builderName, build.Number, active.brids)
		r.unclaimQuietly(active.brids)
	} else {
		err := r.merger.PropagateResults(active.repBrid, res.Results, now)
		if errors.Is(err, claims.ErrNotClaimed) {
			// Someone else completed the representative; our view was
			// stale. The request rows already carry a result.
			log.Printf("runtime %s: request %d completed elsewhere", r.builderName, active.repBrid)
		} else if err != nil {
			log.Printf("runtime %s: propagate results of %d: %v", r.builderName, active.repBrid, err)
		}
		if r.OnFinished != nil {
			r.OnFinished(Finished{Build: build, Brids: active.brids, Results: res.Results})
		}
	}

	fmt.Fprintf(r.out, "Build %s/%d finished: %s\n", r.builderName, build.Number, res.Results)
	r.MaybeStartBuild(ctx)
}

// notifyReuse emits a Finished event for a request group satisfied by
// artifact reuse, using the synthetic build row created for it.
func (r *Runtime) notifyReuse(repBrid uint, brids []uint) {
	if r.OnFinished == nil {
		return
	}
	var build models.Build
	if err := r.store.DB().Where("brid = ?", repBrid).Order("id DESC").First(&build).Error; err != nil {
		build = models.Build{BuilderName: r.builderName, Brid: repBrid, Results: models.Success}
	}
	r.OnFinished(Finished{Build: build, Brids: brids, Results: models.Success})
}

// markBuildAbandoned closes out a build row whose dispatch never
// happened.
func (r *Runtime) markBuildAbandoned(build *models.Build, now time.Time) {
	if err := r.store.DB().Model(&models.Build{}).
		Where("id = ?", build.ID).
		Updates(map[string]interface{}{
			"results":     models.Cancelled,
			"complete_at": now,
		}).Error; err != nil {
		log.Printf("runtime %s: abandon build %d: %v", r.builderName, build.ID, err)
	}
}

// StopBuild interrupts the in-flight build with the given id.
// Best-effort: the command resolves as cancelled once the worker
// acknowledges or the connection drops.
func (r *Runtime) StopBuild(ctx context.Context, buildID uint, reason string) error {
	r.mu.Lock()
	var target *activeBuild
	for _, active := range r.inflight {
		if active.buildID == buildID {
			target = active
			break
		}
	}
	r.mu.Unlock()

	if target == nil {
		return fmt.Errorf("runtime: build %d not in flight on %s", buildID, r.builderName)
	}
	return target.cmd.Interrupt(ctx, reason)
}

// InFlightBrids returns the representative request ids of in-flight
// builds, for reclaiming.
func (r *Runtime) InFlightBrids() []uint {
	r.mu.Lock()
	defer r.mu.Unlock()
	brids := make([]uint, 0, len(r.inflight))
	for _, active := range r.inflight {
		brids = append(brids, active.brids...)
	}
	return brids
}

// ReclaimLoop periodically re-asserts this runtime's claims on
// in-flight builds so the expiry sweeper never releases work that is
// legitimately still running. Blocks until ctx is cancelled.
func (r *Runtime) ReclaimLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ReclaimAll(time.Now())
		}
	}
}

// ReclaimAll refreshes every claim this runtime holds for in-flight
// builds. A stolen claim is logged loudly; the build itself keeps
// running and resolves through the normal completion path.
func (r *Runtime) ReclaimAll(now time.Time) {
	brids := r.InFlightBrids()
	if len(brids) == 0 {
		return
	}
	err := r.store.Reclaim(brids, r.ownerID, now)
	if errors.Is(err, claims.ErrAlreadyClaimed) {
		log.Printf("runtime %s: reclaim: some of %v were stolen or expired", r.builderName, brids)
		return
	}
	if err != nil {
		log.Printf("runtime %s: reclaim %v: %v", r.builderName, brids, err)
	}
}

// TrackOrphan records a build started by a previous runtime instance.
// Orphans are kept for status queries only and never participate in
// scheduling decisions.
func (r *Runtime) TrackOrphan(build models.Build) {
	r.mu.Lock()
	r.orphans[build.ID] = build
	r.mu.Unlock()
}

// Orphans returns the tracked orphaned builds.
func (r *Runtime) Orphans() []models.Build {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Build, 0, len(r.orphans))
	for _, b := range r.orphans {
		out = append(out, b)
	}
	return out
}
