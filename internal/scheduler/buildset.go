// Package scheduler creates buildsets and tracks their aggregate
// completion. Creation is pure: it never claims the requests it makes.
package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/trestle/internal/models"
	"gorm.io/gorm"
)

// CreateOpts holds parameters for creating a buildset.
type CreateOpts struct {
	SourceStamps models.StampSet
	Reason       string
	BuilderNames []string
	Priority     int
	Properties   string
	ForceRebuild bool

	ParentBuildID   *uint
	TriggeredByBrid *uint
}

// CreateBuildset inserts one buildset with its sourcestamps and one
// build request per target builder, all in a single transaction.
// Returns the buildset id and the request id per builder.
func CreateBuildset(gdb *gorm.DB, opts CreateOpts, now time.Time) (uint, map[string]uint, error) {
	if len(opts.BuilderNames) == 0 {
		return 0, nil, fmt.Errorf("scheduler: at least one builder is required")
	}
	if len(opts.SourceStamps) == 0 {
		return 0, nil, fmt.Errorf("scheduler: at least one sourcestamp is required")
	}

	var bsid uint
	brids := make(map[string]uint, len(opts.BuilderNames))

	err := gdb.Transaction(func(tx *gorm.DB) error {
		bs := models.Buildset{
			Reason:        opts.Reason,
			Results:       models.ResultsUnset,
			ParentBuildID: opts.ParentBuildID,
			SubmittedAt:   now,
		}
		if err := tx.Create(&bs).Error; err != nil {
			return fmt.Errorf("scheduler: create buildset: %w", err)
		}
		bsid = bs.ID

		for codebase, stamp := range opts.SourceStamps {
			row := models.BuildsetSourceStamp{
				BuildsetID: bs.ID,
				Codebase:   codebase,
				Repository: stamp.Repository,
				Branch:     stamp.Branch,
				Revision:   stamp.Revision,
				Project:    stamp.Project,
			}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("scheduler: create sourcestamp %s: %w", codebase, err)
			}
		}

		startBrid, err := resolveStartBrid(tx, opts.TriggeredByBrid)
		if err != nil {
			return err
		}

		for _, builderName := range opts.BuilderNames {
			req := models.BuildRequest{
				BuildsetID:      bs.ID,
				BuilderName:     builderName,
				Priority:        opts.Priority,
				Results:         models.ResultsUnset,
				SubmittedAt:     now,
				StartBrid:       startBrid,
				TriggeredByBrid: opts.TriggeredByBrid,
				Properties:      opts.Properties,
				ForceRebuild:    opts.ForceRebuild,
			}
			if err := tx.Create(&req).Error; err != nil {
				return fmt.Errorf("scheduler: create request for %s: %w", builderName, err)
			}
			brids[builderName] = req.ID
		}
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	return bsid, brids, nil
}

// resolveStartBrid finds the chain root for a triggered request: the
// triggering request's own root, or the triggering request itself.
// Untriggered requests are their own roots (nil).
func resolveStartBrid(tx *gorm.DB, triggeredBy *uint) (*uint, error) {
	if triggeredBy == nil {
		return nil, nil
	}
	var parent models.BuildRequest
	if err := tx.First(&parent, *triggeredBy).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("scheduler: triggering request not found: %d", *triggeredBy)
		}
		return nil, fmt.Errorf("scheduler: load triggering request %d: %w", *triggeredBy, err)
	}
	if parent.StartBrid != nil {
		return parent.StartBrid, nil
	}
	return &parent.ID, nil
}

// MaybeCompleteBuildset marks a buildset complete once every member
// request has finished, with the worst member result. The transition
// happens exactly once: the guarded update only matches a buildset
// that is not complete yet, so a second caller observes false.
func MaybeCompleteBuildset(gdb *gorm.DB, bsid uint, now time.Time) (bool, models.Results, error) {
	completed := false
	results := models.ResultsUnset

	err := gdb.Transaction(func(tx *gorm.DB) error {
		var reqs []models.BuildRequest
		if err := tx.Where("buildset_id = ?", bsid).Find(&reqs).Error; err != nil {
			return fmt.Errorf("scheduler: load requests of buildset %d: %w", bsid, err)
		}
		if len(reqs) == 0 {
			return fmt.Errorf("scheduler: buildset %d has no requests", bsid)
		}

		for _, req := range reqs {
			if !req.Complete {
				return nil
			}
			results = models.Worst(results, req.Results)
		}

		result := tx.Model(&models.Buildset{}).
			Where("id = ? AND complete = ?", bsid, false).
			Updates(map[string]interface{}{
				"complete":    true,
				"results":     results,
				"complete_at": now,
			})
		if result.Error != nil {
			return fmt.Errorf("scheduler: complete buildset %d: %w", bsid, result.Error)
		}
		completed = result.RowsAffected == 1
		return nil
	})
	if err != nil {
		return false, models.ResultsUnset, err
	}
	return completed, results, nil
}

// GetBuildset loads a buildset with sourcestamps and member requests.
func GetBuildset(gdb *gorm.DB, bsid uint) (*models.Buildset, error) {
	var bs models.Buildset
	err := gdb.
		Preload("SourceStamps").
		Preload("Requests").
		First(&bs, bsid).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("scheduler: buildset not found: %d", bsid)
		}
		return nil, fmt.Errorf("scheduler: get buildset %d: %w", bsid, err)
	}
	return &bs, nil
}
