// Package master runs one Trestle master process: builder runtimes with
// their workers, the claim sweeper, the dashboard, and outcome
// reporting, all over one shared database.
package master

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/zulandar/trestle/internal/claims"
	"github.com/zulandar/trestle/internal/config"
	"github.com/zulandar/trestle/internal/dashboard"
	"github.com/zulandar/trestle/internal/localworker"
	"github.com/zulandar/trestle/internal/merge"
	"github.com/zulandar/trestle/internal/models"
	"github.com/zulandar/trestle/internal/remote"
	"github.com/zulandar/trestle/internal/reporters"
	"github.com/zulandar/trestle/internal/runtime"
	"github.com/zulandar/trestle/internal/scheduler"
	"github.com/zulandar/trestle/internal/sweeper"
	"gorm.io/gorm"
)

const (
	defaultPollInterval = 30 * time.Second
	heartbeatInterval   = 10 * time.Second
	staleWorkerAfter    = 60 * time.Second
)

// Daemon is one running master.
type Daemon struct {
	cfg        *config.Config
	gdb        *gorm.DB
	store      *claims.Store
	merger     *merge.Engine
	runtimes   map[string]*runtime.Runtime
	dispatcher *reporters.Dispatcher
	out        io.Writer
}

// Run starts the master daemon and blocks until ctx is cancelled. It
// registers this master in the masters table, attaches the configured
// local workers, and loops through scheduling, stale-worker detection,
// and buildset-completion sweeps.
func Run(ctx context.Context, gdb *gorm.DB, cfg *config.Config, out io.Writer) error {
	if gdb == nil {
		return fmt.Errorf("master: db is required")
	}
	if cfg == nil {
		return fmt.Errorf("master: config is required")
	}
	if out == nil {
		out = io.Discard
	}

	d := &Daemon{
		cfg:      cfg,
		gdb:      gdb,
		store:    claims.NewStore(gdb),
		runtimes: make(map[string]*runtime.Runtime),
		out:      out,
	}
	d.merger = merge.NewEngine(d.store)

	dispatcher, err := buildDispatcher(cfg.Reporters)
	if err != nil {
		return err
	}
	d.dispatcher = dispatcher

	if err := d.register(); err != nil {
		return err
	}
	fmt.Fprintf(out, "Master %s registered (host %s)\n", cfg.Master.Name, cfg.Master.Hostname)
	defer func() {
		if err := d.deregister(); err != nil {
			log.Printf("master deregister: %v", err)
		}
		fmt.Fprintf(out, "Master %s stopped.\n", cfg.Master.Name)
	}()

	hbErrCh := d.startHeartbeat(ctx)

	var provisioner remote.Provisioner = localworker.NewProvisioner()

	for _, bc := range cfg.Builders {
		rt := runtime.New(d.store, d.merger, bc, cfg.Master.Name, out)
		rt.OnFinished = func(f runtime.Finished) { d.onFinished(ctx, f) }
		d.runtimes[bc.Name] = rt

		d.adoptOrphans(rt, bc.Name)
		go rt.ReclaimLoop(ctx, cfg.Claims.ReclaimInterval())

		for _, workerName := range bc.Workers {
			conn, err := provisioner.Start(ctx, workerName)
			if err != nil {
				log.Printf("master: provision %s: %v", workerName, err)
				continue
			}
			if err := rt.Attach(ctx, workerName, remote.NewSession(conn)); err != nil {
				log.Printf("master: attach %s to %s: %v", workerName, bc.Name, err)
			}
		}
	}

	sw, err := sweeper.New(d.store, cfg.Claims.SweepSchedule, cfg.Claims.MaxAge(), out)
	if err != nil {
		return err
	}
	go sw.Run(ctx)

	if cfg.Dashboard.Enabled {
		go func() {
			err := dashboard.Start(ctx, dashboard.StartOpts{
				DB:      gdb,
				Port:    cfg.Dashboard.Port,
				Control: d,
				Out:     out,
			})
			if err != nil {
				log.Printf("master: dashboard: %v", err)
			}
		}()
	}

	fmt.Fprintf(out, "Master daemon starting (poll every %s)...\n", defaultPollInterval)

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-hbErrCh:
			return fmt.Errorf("master: heartbeat: %w", err)
		default:
		}

		// Phase 1: scheduling pass per builder. Event-driven passes
		// cover the common cases; this is the safety net for requests
		// released by the sweeper or created by other masters.
		for _, rt := range d.runtimes {
			rt.MaybeStartBuild(ctx)
		}

		// Phase 2: surface stale workers.
		if err := d.reportStaleWorkers(); err != nil {
			log.Printf("master stale workers: %v", err)
		}

		// Phase 3: buildset completion sweep, catching sets whose last
		// request was completed by another master.
		if err := d.sweepBuildsets(ctx); err != nil {
			log.Printf("master buildset sweep: %v", err)
		}

		sleepWithContext(ctx, defaultPollInterval)
	}
}

// register creates or refreshes this master's registry row.
func (d *Daemon) register() error {
	now := time.Now()
	row := models.Master{
		Name:       d.cfg.Master.Name,
		Hostname:   d.cfg.Master.Hostname,
		Active:     true,
		StartedAt:  now,
		LastActive: now,
	}

	var existing models.Master
	if err := d.gdb.Where("name = ?", row.Name).First(&existing).Error; err != nil {
		if err := d.gdb.Create(&row).Error; err != nil {
			return fmt.Errorf("master: register: %w", err)
		}
		return nil
	}
	if err := d.gdb.Model(&models.Master{}).Where("name = ?", row.Name).
		Updates(map[string]interface{}{
			"hostname":    row.Hostname,
			"active":      true,
			"started_at":  now,
			"last_active": now,
		}).Error; err != nil {
		return fmt.Errorf("master: re-register: %w", err)
	}
	return nil
}

func (d *Daemon) deregister() error {
	return d.gdb.Model(&models.Master{}).
		Where("name = ?", d.cfg.Master.Name).
		Update("active", false).Error
}

// startHeartbeat periodically refreshes the master row's last_active
// timestamp. The returned channel receives an error if the row
// disappears or the update fails.
func (d *Daemon) startHeartbeat(ctx context.Context) <-chan error {
	errCh := make(chan error, 1)

	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				result := d.gdb.Model(&models.Master{}).
					Where("name = ?", d.cfg.Master.Name).
					Update("last_active", time.Now())
				if result.Error != nil {
					errCh <- fmt.Errorf("update master row: %w", result.Error)
					return
				}
				if result.RowsAffected == 0 {
					errCh <- fmt.Errorf("master row %s disappeared", d.cfg.Master.Name)
					return
				}
			}
		}
	}()

	return errCh
}

// adoptOrphans records builds left in flight by a previous instance of
// this master, for status queries only.
func (d *Daemon) adoptOrphans(rt *runtime.Runtime, builderName string) {
	ownedSub := d.gdb.Model(&models.BuildRequestClaim{}).
		Select("brid").Where("owner_id = ?", d.cfg.Master.Name)

	var orphaned []models.Build
	err := d.gdb.
		Where("builder_name = ? AND complete_at IS NULL AND brid IN (?)", builderName, ownedSub).
		Find(&orphaned).Error
	if err != nil {
		log.Printf("master: adopt orphans of %s: %v", builderName, err)
		return
	}
	for _, b := range orphaned {
		rt.TrackOrphan(b)
		fmt.Fprintf(d.out, "Orphaned build %s/%d tracked (from a previous run)\n", b.BuilderName, b.Number)
	}
}

// onFinished handles one finished build group: report the build, then
// check every affected buildset for completion.
func (d *Daemon) onFinished(ctx context.Context, f runtime.Finished) {
	bsids, err := d.buildsetsOf(f.Brids)
	if err != nil {
		log.Printf("master: buildsets of %v: %v", f.Brids, err)
		return
	}

	var bs models.Buildset
	if len(bsids) > 0 {
		if loaded, err := scheduler.GetBuildset(d.gdb, bsids[0]); err == nil {
			bs = *loaded
		}
	}
	d.dispatcher.Dispatch(ctx, reporters.Snapshot{
		Kind:        reporters.KindBuild,
		BuilderName: f.Build.BuilderName,
		Buildset:    bs,
		Builds:      []models.Build{f.Build},
		Results:     f.Results,
	})

	for _, bsid := range bsids {
		d.maybeReportBuildset(ctx, bsid)
	}
}

// maybeReportBuildset completes a buildset if every member finished,
// dispatching the buildset snapshot on the one true transition.
func (d *Daemon) maybeReportBuildset(ctx context.Context, bsid uint) {
	completed, results, err := scheduler.MaybeCompleteBuildset(d.gdb, bsid, time.Now())
	if err != nil {
		log.Printf("master: complete buildset %d: %v", bsid, err)
		return
	}
	if !completed {
		return
	}

	bs, err := scheduler.GetBuildset(d.gdb, bsid)
	if err != nil {
		log.Printf("master: load buildset %d: %v", bsid, err)
		return
	}

	brids := make([]uint, 0, len(bs.Requests))
	for _, req := range bs.Requests {
		brids = append(brids, req.ID)
	}
	var builds []models.Build
	if len(brids) > 0 {
		d.gdb.Where("brid IN ?", brids).Find(&builds)
	}

	fmt.Fprintf(d.out, "Buildset %d complete: %s\n", bsid, results)
	d.dispatcher.Dispatch(ctx, reporters.Snapshot{
		Kind:     reporters.KindBuildset,
		Buildset: *bs,
		Builds:   builds,
		Results:  results,
	})
}

// buildsetsOf returns the distinct buildset ids of the given requests.
func (d *Daemon) buildsetsOf(brids []uint) ([]uint, error) {
	var ids []uint
	err := d.gdb.Model(&models.BuildRequest{}).
		Where("id IN ?", brids).
		Distinct("buildset_id").
		Pluck("buildset_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// reportStaleWorkers logs workers whose heartbeat went quiet. The
// runtimes own detach; this is visibility only.
func (d *Daemon) reportStaleWorkers() error {
	cutoff := time.Now().Add(-staleWorkerAfter)
	var stale []models.Worker
	err := d.gdb.
		Where("last_seen < ? AND state NOT IN ?", cutoff, []string{runtime.SlotDetached}).
		Find(&stale).Error
	if err != nil {
		return err
	}
	for _, w := range stale {
		fmt.Fprintf(d.out, "Worker %s has a stale heartbeat (last seen %s)\n",
			w.Name, w.LastSeen.Format(time.RFC3339))
	}
	return nil
}

// sweepBuildsets completes buildsets whose last member was finished by
// another master (we would otherwise never observe the transition).
func (d *Daemon) sweepBuildsets(ctx context.Context) error {
	var open []models.Buildset
	if err := d.gdb.Where("complete = ?", false).Find(&open).Error; err != nil {
		return err
	}
	for _, bs := range open {
		d.maybeReportBuildset(ctx, bs.ID)
	}
	return nil
}

// sleepWithContext sleeps for duration dur, returning early if ctx is
// cancelled.
func sleepWithContext(ctx context.Context, dur time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(dur):
	}
}

// buildDispatcher assembles reporters from configuration. Reporters
// with missing credentials are simply absent.
func buildDispatcher(cfg config.ReportersConfig) (*reporters.Dispatcher, error) {
	d := reporters.NewDispatcher()

	if cfg.Slack.BotToken != "" {
		r, err := reporters.NewSlack(reporters.SlackOpts{
			BotToken: cfg.Slack.BotToken,
			Channel:  cfg.Slack.Channel,
		})
		if err != nil {
			return nil, fmt.Errorf("master: slack reporter: %w", err)
		}
		d.Add(r)
	}
	if cfg.Discord.Token != "" {
		r, err := reporters.NewDiscord(reporters.DiscordOpts{
			Token:     cfg.Discord.Token,
			ChannelID: cfg.Discord.ChannelID,
		})
		if err != nil {
			return nil, fmt.Errorf("master: discord reporter: %w", err)
		}
		d.Add(r)
	}
	if cfg.GitHub.Token != "" {
		r, err := reporters.NewGitHubStatus(reporters.GitHubOpts{
			Token:   cfg.GitHub.Token,
			Context: cfg.GitHub.Context,
		})
		if err != nil {
			return nil, fmt.Errorf("master: github reporter: %w", err)
		}
		d.Add(r)
	}
	return d, nil
}
