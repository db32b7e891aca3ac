package models

import "time"

// Buildset groups the build requests created from one triggering event.
// Complete flips true exactly once, when the last member request finishes;
// Results is the worst result across members.
type Buildset struct {
	ID            uint    `gorm:"primaryKey;autoIncrement"`
	Reason        string  `gorm:"type:text"`
	Results       Results `gorm:"default:-1"`
	Complete      bool    `gorm:"default:false;index"`
	ParentBuildID *uint
	SubmittedAt   time.Time
	CompleteAt    *time.Time

	SourceStamps []BuildsetSourceStamp `gorm:"foreignKey:BuildsetID"`
	Requests     []BuildRequest        `gorm:"foreignKey:BuildsetID"`
}

// BuildsetSourceStamp pins one codebase of a buildset to a revision.
type BuildsetSourceStamp struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	BuildsetID uint   `gorm:"index;not null"`
	Codebase   string `gorm:"size:64"`
	Repository string `gorm:"size:255"`
	Branch     string `gorm:"size:128"`
	Revision   string `gorm:"size:64"`
	Project    string `gorm:"size:128"`
}

// SourceStamp is the codebase-keyed view of a buildset's sourcestamps,
// used for merge and artifact-reuse comparisons.
type SourceStamp struct {
	Repository string
	Branch     string
	Revision   string
	Project    string
}

// StampSet maps codebase names to their pinned revisions.
type StampSet map[string]SourceStamp

// StampSetOf converts stored sourcestamp rows into a StampSet.
func StampSetOf(rows []BuildsetSourceStamp) StampSet {
	set := make(StampSet, len(rows))
	for _, row := range rows {
		set[row.Codebase] = SourceStamp{
			Repository: row.Repository,
			Branch:     row.Branch,
			Revision:   row.Revision,
			Project:    row.Project,
		}
	}
	return set
}

// Equal reports whether two stamp sets pin the same codebases to the
// same revisions.
func (s StampSet) Equal(other StampSet) bool {
	if len(s) != len(other) {
		return false
	}
	for codebase, stamp := range s {
		if other[codebase] != stamp {
			return false
		}
	}
	return true
}
