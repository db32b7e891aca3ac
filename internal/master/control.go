package master

import (
	"context"
	"fmt"
	"time"

	"github.com/zulandar/trestle/internal/models"
	"github.com/zulandar/trestle/internal/scheduler"
)

// StopBuild interrupts an in-flight build on whichever of our builders
// is running it.
func (d *Daemon) StopBuild(ctx context.Context, buildID uint, reason string) error {
	var build models.Build
	if err := d.gdb.First(&build, buildID).Error; err != nil {
		return fmt.Errorf("master: load build %d: %w", buildID, err)
	}

	rt, ok := d.runtimes[build.BuilderName]
	if !ok {
		return fmt.Errorf("master: build %d runs on %s, which this master does not serve", buildID, build.BuilderName)
	}
	return rt.StopBuild(ctx, buildID, reason)
}

// Rebuild creates a fresh single-request buildset carrying the source
// stamps of an earlier request. The new request bypasses artifact reuse
// so it always produces a real build.
func (d *Daemon) Rebuild(ctx context.Context, brid uint) (uint, error) {
	req, err := d.store.GetBuildRequest(brid)
	if err != nil {
		return 0, fmt.Errorf("master: rebuild %d: %w", brid, err)
	}

	bsid, _, err := scheduler.CreateBuildset(d.gdb, scheduler.CreateOpts{
		SourceStamps: models.StampSetOf(req.Buildset.SourceStamps),
		Reason:       fmt.Sprintf("rebuild of request %d", brid),
		BuilderNames: []string{req.BuilderName},
		Priority:     req.Priority,
		Properties:   req.Properties,
		ForceRebuild: true,
	}, time.Now())
	if err != nil {
		return 0, err
	}

	d.kickBuilder(ctx, req.BuilderName)
	return bsid, nil
}

// ForceBuild creates a buildset for one builder from operator-supplied
// source stamps.
func (d *Daemon) ForceBuild(ctx context.Context, builderName, reason string, stamps models.StampSet) (uint, error) {
	if _, ok := d.runtimes[builderName]; !ok {
		var count int64
		d.gdb.Model(&models.Builder{}).Where("name = ?", builderName).Count(&count)
		if count == 0 {
			return 0, fmt.Errorf("master: unknown builder %s", builderName)
		}
	}
	if reason == "" {
		reason = "forced build"
	}

	bsid, _, err := scheduler.CreateBuildset(d.gdb, scheduler.CreateOpts{
		SourceStamps: stamps,
		Reason:       reason,
		BuilderNames: []string{builderName},
		ForceRebuild: true,
	}, time.Now())
	if err != nil {
		return 0, err
	}

	d.kickBuilder(ctx, builderName)
	return bsid, nil
}

// kickBuilder triggers a scheduling pass if we serve the builder. If
// another master serves it, its poll loop picks the request up.
func (d *Daemon) kickBuilder(ctx context.Context, name string) {
	if rt, ok := d.runtimes[name]; ok {
		go rt.MaybeStartBuild(ctx)
	}
}
