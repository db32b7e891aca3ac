// Package merge decides which pending build requests are equivalent and
// collapses them into a single build, propagating the representative's
// result to the merged siblings afterwards.
package merge

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/trestle/internal/claims"
	"github.com/zulandar/trestle/internal/models"
	"gorm.io/gorm"
)

// ErrInconsistent marks an internal-consistency failure, such as a cycle
// in merge or artifact pointer chains. Fatal for the current operation;
// no partial state is written.
var ErrInconsistent = errors.New("merge: internal consistency error")

// Engine makes collapse decisions and propagates merged results.
type Engine struct {
	store *claims.Store
}

// NewEngine creates a merge engine over the given claim store.
func NewEngine(store *claims.Store) *Engine {
	return &Engine{store: store}
}

// requestProperties is the subset of build-identity properties that
// affect collapse decisions.
type requestProperties struct {
	WorkerName string `json:"workername,omitempty"`
}

// PinnedWorker returns the workername property pinned on a request, or
// "" when the request may run anywhere.
func PinnedWorker(req *models.BuildRequest) string {
	if req.Properties == "" {
		return ""
	}
	var props requestProperties
	if err := json.Unmarshal([]byte(req.Properties), &props); err != nil {
		return ""
	}
	return props.WorkerName
}

// Collapsible reports whether two requests on the same builder may be
// serviced by one build: identical sourcestamp sets, compatible pinned
// workers, and neither complete.
func Collapsible(a, b *models.BuildRequest) bool {
	if a.BuilderName != b.BuilderName {
		return false
	}
	if a.Complete || b.Complete {
		return false
	}
	if PinnedWorker(a) != PinnedWorker(b) {
		return false
	}
	stampsA := models.StampSetOf(a.Buildset.SourceStamps)
	stampsB := models.StampSetOf(b.Buildset.SourceStamps)
	return stampsA.Equal(stampsB)
}

// NextGroup returns the best claimable group for a builder: the
// highest-priority, oldest unclaimed request plus, when collapse is
// enabled, every currently-unclaimed request collapsible with it. The
// first element is the representative (earliest submitted of the
// group). Returns nil when nothing is pending. Collapse decisions only
// ever look at the currently-unclaimed set; requests already claimed
// elsewhere are never retroactively merged.
func (e *Engine) NextGroup(builderName string, collapse bool) ([]models.BuildRequest, error) {
	pending, err := e.store.GetUnclaimed(builderName)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}
	return groupAround(pending, 0, collapse), nil
}

// NextGroupFor returns the best claimable group the named worker may
// service. Requests pinned to a different worker are skipped rather
// than blocking the queue: a head pinned to an absent worker must not
// starve the unpinned work behind it.
func (e *Engine) NextGroupFor(builderName string, collapse bool, workerName string) ([]models.BuildRequest, error) {
	pending, err := e.store.GetUnclaimed(builderName)
	if err != nil {
		return nil, err
	}
	for h := range pending {
		if pinned := PinnedWorker(&pending[h]); pinned != "" && pinned != workerName {
			continue
		}
		return groupAround(pending, h, collapse), nil
	}
	return nil, nil
}

// groupAround collects the collapse group of pending[h] and puts the
// representative first.
func groupAround(pending []models.BuildRequest, h int, collapse bool) []models.BuildRequest {
	head := pending[h]
	group := []models.BuildRequest{head}
	if collapse {
		for i := range pending {
			if i == h {
				continue
			}
			if Collapsible(&head, &pending[i]) {
				group = append(group, pending[i])
			}
		}
	}

	// The representative is the earliest-submitted member, which may
	// not be the scheduling head when priorities differ.
	rep := 0
	for i := 1; i < len(group); i++ {
		if group[i].SubmittedAt.Before(group[rep].SubmittedAt) {
			rep = i
		}
	}
	group[0], group[rep] = group[rep], group[0]
	return group
}

// Brids extracts the ids of a request group.
func Brids(group []models.BuildRequest) []uint {
	ids := make([]uint, len(group))
	for i := range group {
		ids[i] = group[i].ID
	}
	return ids
}

// MarkMerged points every non-representative member of a claimed group
// at the representative. Called after the group claim succeeded.
func (e *Engine) MarkMerged(group []models.BuildRequest) error {
	if len(group) < 2 {
		return nil
	}
	rep := group[0].ID
	siblings := Brids(group[1:])
	err := e.store.DB().Model(&models.BuildRequest{}).
		Where("id IN ?", siblings).
		Update("merge_brid", rep).Error
	if err != nil {
		return fmt.Errorf("merge: mark merged into %d: %w", rep, err)
	}
	return nil
}

// Resolve follows merge and artifact pointers from brid to the request
// whose build actually produced the result. Cycles are a configuration
// bug and return ErrInconsistent rather than looping.
func (e *Engine) Resolve(brid uint) (*models.BuildRequest, error) {
	seen := make(map[uint]bool)
	cur := brid
	for {
		if seen[cur] {
			return nil, fmt.Errorf("%w: pointer cycle at request %d", ErrInconsistent, cur)
		}
		seen[cur] = true

		req, err := e.store.GetBuildRequest(cur)
		if err != nil {
			return nil, err
		}
		switch {
		case req.MergeBrid != nil:
			cur = *req.MergeBrid
		case req.ArtifactBrid != nil:
			cur = *req.ArtifactBrid
		default:
			return req, nil
		}
	}
}

// PropagateResults completes the representative request and mirrors its
// result onto every merged sibling that is not yet complete. Siblings
// without a build row of their own get a synthetic build copying the
// representative build's worker and times, so status consumers see a
// build number for them.
func (e *Engine) PropagateResults(repBrid uint, results models.Results, completeAt time.Time) error {
	if err := e.store.Complete([]uint{repBrid}, results, completeAt); err != nil {
		return err
	}
	return e.PropagateSiblings(repBrid, results, completeAt)
}

// PropagateSiblings mirrors an already-recorded representative result
// onto the incomplete merged siblings. Split out from PropagateResults
// for paths (artifact reuse) that complete the representative
// themselves.
func (e *Engine) PropagateSiblings(repBrid uint, results models.Results, completeAt time.Time) error {
	gdb := e.store.DB()
	var repBuild models.Build
	hasRepBuild := true
	if err := gdb.Where("brid = ?", repBrid).Order("id DESC").First(&repBuild).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("merge: load build of %d: %w", repBrid, err)
		}
		hasRepBuild = false
	}

	var siblings []models.BuildRequest
	if err := gdb.Where("merge_brid = ? AND complete = ?", repBrid, false).
		Find(&siblings).Error; err != nil {
		return fmt.Errorf("merge: load siblings of %d: %w", repBrid, err)
	}

	for _, sib := range siblings {
		err := e.store.Complete([]uint{sib.ID}, results, completeAt)
		if errors.Is(err, claims.ErrNotClaimed) {
			// Someone else completed it between our query and now.
			continue
		}
		if err != nil {
			return err
		}
		if hasRepBuild {
			if err := e.syntheticBuild(sib.ID, &repBuild); err != nil {
				return err
			}
		}
	}
	return nil
}

// TryArtifactReuse checks whether a request can be satisfied by a prior
// successful build with the same sourcestamps. On a hit it records the
// artifact pointer, completes the request immediately, and mirrors the
// source build as a synthetic build. Returns true when the request was
// satisfied without dispatch. ForceRebuild always bypasses reuse.
func (e *Engine) TryArtifactReuse(req *models.BuildRequest, now time.Time) (bool, error) {
	if req.ForceRebuild {
		return false, nil
	}

	stamps := models.StampSetOf(req.Buildset.SourceStamps)
	source, err := e.store.FindReusableBuild(req.BuilderName, stamps)
	if err != nil {
		return false, err
	}
	if source == nil || source.ID == req.ID {
		return false, nil
	}

	gdb := e.store.DB()
	if err := gdb.Model(&models.BuildRequest{}).
		Where("id = ?", req.ID).
		Update("artifact_brid", source.ID).Error; err != nil {
		return false, fmt.Errorf("merge: record artifact pointer %d -> %d: %w", req.ID, source.ID, err)
	}

	if err := e.store.Complete([]uint{req.ID}, models.Success, now); err != nil {
		return false, err
	}

	var srcBuild models.Build
	if err := gdb.Where("brid = ?", source.ID).Order("id DESC").First(&srcBuild).Error; err == nil {
		if err := e.syntheticBuild(req.ID, &srcBuild); err != nil {
			return false, err
		}
	}
	return true, nil
}

// syntheticBuild inserts a build row for brid mirroring source, unless
// brid already has one. Number allocation shares the per-builder
// sequence with real builds.
func (e *Engine) syntheticBuild(brid uint, source *models.Build) error {
	gdb := e.store.DB()

	var existing int64
	if err := gdb.Model(&models.Build{}).Where("brid = ?", brid).Count(&existing).Error; err != nil {
		return fmt.Errorf("merge: count builds of %d: %w", brid, err)
	}
	if existing > 0 {
		return nil
	}

	return gdb.Transaction(func(tx *gorm.DB) error {
		number, err := NextBuildNumber(tx, source.BuilderName)
		if err != nil {
			return err
		}
		build := models.Build{
			Number:      number,
			BuilderName: source.BuilderName,
			Brid:        brid,
			WorkerName:  source.WorkerName,
			Results:     source.Results,
			Synthetic:   true,
			StartedAt:   source.StartedAt,
			CompleteAt:  source.CompleteAt,
		}
		if err := tx.Create(&build).Error; err != nil {
			return fmt.Errorf("merge: create synthetic build for %d: %w", brid, err)
		}
		return nil
	})
}

// NextBuildNumber allocates the next per-builder build number. Callers
// must run it inside the same transaction as the build insert.
func NextBuildNumber(tx *gorm.DB, builderName string) (int, error) {
	var max int
	err := tx.Model(&models.Build{}).
		Where("builder_name = ?", builderName).
		Select("COALESCE(MAX(number), 0)").
		Scan(&max).Error
	if err != nil {
		return 0, fmt.Errorf("merge: next build number for %s: %w", builderName, err)
	}
	return max + 1, nil
}
