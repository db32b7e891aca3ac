// Package claims implements the build-request claim store, the single
// source of truth for request ownership across master processes. The
// primary key on buildrequest_claims.brid provides at-most-one-claimant
// semantics; every multi-row mutation here is transactional.
package claims

import (
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/trestle/internal/models"
	"gorm.io/gorm"
)

// chunkSize bounds the id-list length per SQL statement, to respect
// backend parameter limits.
const chunkSize = 100

// Store provides atomic claim operations over a shared database.
type Store struct {
	db *gorm.DB
}

// NewStore creates a claim store backed by gdb.
func NewStore(gdb *gorm.DB) *Store {
	return &Store{db: gdb}
}

// DB exposes the underlying connection for read-only queries.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// GetUnclaimed returns claimable requests for a builder: not complete,
// not merged into another request, and not claimed by any master.
// Ordered by priority (highest first), then submission time (oldest
// first). Sourcestamps are preloaded for merge comparisons.
func (s *Store) GetUnclaimed(builderName string) ([]models.BuildRequest, error) {
	claimedSub := s.db.Model(&models.BuildRequestClaim{}).Select("brid")

	var reqs []models.BuildRequest
	err := s.db.
		Preload("Buildset").
		Preload("Buildset.SourceStamps").
		Where("builder_name = ? AND complete = ? AND merge_brid IS NULL", builderName, false).
		Where("id NOT IN (?)", claimedSub).
		Order("priority DESC, submitted_at ASC, id ASC").
		Find(&reqs).Error
	if err != nil {
		return nil, fmt.Errorf("claims: get unclaimed for %s: %w", builderName, err)
	}
	return reqs, nil
}

// Claim atomically claims every request in brids for ownerID. One claim
// row is inserted per id inside a single transaction; if any insert hits
// the uniqueness constraint the whole transaction rolls back and
// ErrAlreadyClaimed is returned. Partial claims are never observable.
func (s *Store) Claim(brids []uint, ownerID string, now time.Time) error {
	if len(brids) == 0 {
		return nil
	}
	if ownerID == "" {
		return fmt.Errorf("claims: ownerID is required")
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		for _, chunk := range chunkIDs(brids) {
			rows := make([]models.BuildRequestClaim, 0, len(chunk))
			for _, brid := range chunk {
				rows = append(rows, models.BuildRequestClaim{
					Brid:      brid,
					OwnerID:   ownerID,
					ClaimedAt: now,
				})
			}
			if err := tx.Create(&rows).Error; err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					return ErrAlreadyClaimed
				}
				return fmt.Errorf("claims: insert claims: %w", err)
			}
		}
		return nil
	})
	return err
}

// Reclaim refreshes claimed_at for claims held by ownerID, proving the
// owner is still alive. If fewer rows update than requested, some
// requests were stolen or deleted: the transaction rolls back and
// ErrAlreadyClaimed is returned so the owner knows its view is stale.
func (s *Store) Reclaim(brids []uint, ownerID string, now time.Time) error {
	if len(brids) == 0 {
		return nil
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		var updated int64
		for _, chunk := range chunkIDs(brids) {
			result := tx.Model(&models.BuildRequestClaim{}).
				Where("brid IN ? AND owner_id = ?", chunk, ownerID).
				Update("claimed_at", now)
			if result.Error != nil {
				return fmt.Errorf("claims: reclaim: %w", result.Error)
			}
			updated += result.RowsAffected
		}
		if updated != int64(len(brids)) {
			return ErrAlreadyClaimed
		}
		return nil
	})
	return err
}

// Unclaim releases claims held by ownerID and makes the requests
// claimable again, clearing merge pointers on them and on any siblings
// merged into them. Commits happen per chunk: unclaim is idempotent
// and partial progress is tolerable, so a failed call can simply be
// retried.
func (s *Store) Unclaim(brids []uint, ownerID string) error {
	if len(brids) == 0 {
		return nil
	}

	for _, chunk := range chunkIDs(brids) {
		err := s.db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Where("brid IN ? AND owner_id = ?", chunk, ownerID).
				Delete(&models.BuildRequestClaim{}).Error; err != nil {
				return fmt.Errorf("claims: delete claims: %w", err)
			}
			if err := tx.Model(&models.BuildRequest{}).
				Where("id IN ? OR merge_brid IN ?", chunk, chunk).
				Update("merge_brid", nil).Error; err != nil {
				return fmt.Errorf("claims: clear merge pointers: %w", err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Complete marks requests finished with the given results. Only rows
// not already complete are touched; if fewer rows match than requested,
// another owner completed some of them first — the transaction rolls
// back and ErrNotClaimed is returned, and the caller must not assume
// completion occurred.
func (s *Store) Complete(brids []uint, results models.Results, completeAt time.Time) error {
	if len(brids) == 0 {
		return nil
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		var updated int64
		for _, chunk := range chunkIDs(brids) {
			result := tx.Model(&models.BuildRequest{}).
				Where("id IN ? AND complete = ?", chunk, false).
				Updates(map[string]interface{}{
					"complete":    true,
					"results":     results,
					"complete_at": completeAt,
				})
			if result.Error != nil {
				return fmt.Errorf("claims: complete: %w", result.Error)
			}
			updated += result.RowsAffected
		}
		if updated != int64(len(brids)) {
			return ErrNotClaimed
		}
		return nil
	})
	return err
}

// UnclaimExpired deletes claims older than maxAge whose request is not
// yet complete, recovering work abandoned by a crashed master. Claims
// on completed requests are left alone. Returns the number released.
func (s *Store) UnclaimExpired(maxAge time.Duration, now time.Time) (int64, error) {
	cutoff := now.Add(-maxAge)
	incompleteSub := s.db.Model(&models.BuildRequest{}).
		Select("id").Where("complete = ?", false)

	result := s.db.
		Where("claimed_at < ? AND brid IN (?)", cutoff, incompleteSub).
		Delete(&models.BuildRequestClaim{})
	if result.Error != nil {
		return 0, fmt.Errorf("claims: unclaim expired: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// reuseCandidateWindow bounds the stamp-match scan in FindReusableBuild
// to the newest successful requests on the builder. A match older than
// the window is not reused; the request is built again instead.
const reuseCandidateWindow = 50

// FindReusableBuild returns the most recent completed successful request
// on the builder whose sourcestamp set matches stamps exactly and whose
// own result was not itself borrowed from another artifact. Only the
// reuseCandidateWindow newest successes are scanned. Returns nil when no
// reusable build exists.
func (s *Store) FindReusableBuild(builderName string, stamps models.StampSet) (*models.BuildRequest, error) {
	var candidates []models.BuildRequest
	err := s.db.
		Preload("Buildset").
		Preload("Buildset.SourceStamps").
		Where("builder_name = ? AND complete = ? AND results = ? AND artifact_brid IS NULL",
			builderName, true, models.Success).
		Order("complete_at DESC, id DESC").
		Limit(reuseCandidateWindow).
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("claims: find reusable build for %s: %w", builderName, err)
	}

	for i := range candidates {
		if models.StampSetOf(candidates[i].Buildset.SourceStamps).Equal(stamps) {
			return &candidates[i], nil
		}
	}
	return nil, nil
}

// GetBuildRequest fetches one request with its buildset preloaded.
func (s *Store) GetBuildRequest(brid uint) (*models.BuildRequest, error) {
	var req models.BuildRequest
	err := s.db.
		Preload("Buildset").
		Preload("Buildset.SourceStamps").
		First(&req, brid).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("claims: build request not found: %d", brid)
		}
		return nil, fmt.Errorf("claims: get build request %d: %w", brid, err)
	}
	return &req, nil
}

// ClaimOwner returns the owner of a request's claim, or "" if unclaimed.
func (s *Store) ClaimOwner(brid uint) (string, error) {
	var claim models.BuildRequestClaim
	err := s.db.Where("brid = ?", brid).First(&claim).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("claims: claim owner of %d: %w", brid, err)
	}
	return claim.OwnerID, nil
}

// chunkIDs splits ids into slices of at most chunkSize.
func chunkIDs(ids []uint) [][]uint {
	var chunks [][]uint
	for len(ids) > chunkSize {
		chunks = append(chunks, ids[:chunkSize])
		ids = ids[chunkSize:]
	}
	if len(ids) > 0 {
		chunks = append(chunks, ids)
	}
	return chunks
}
