package models

import "time"

// BuildRequest is one unit of schedulable work targeting one builder.
// A request is either unclaimed, claimed by exactly one master, or
// complete. A request with MergeBrid set is never independently
// claimable; its outcome is resolved through the merge chain.
type BuildRequest struct {
	ID          uint    `gorm:"primaryKey;autoIncrement"`
	BuildsetID  uint    `gorm:"index;not null"`
	BuilderName string  `gorm:"size:128;index;not null"`
	Priority    int     `gorm:"default:0"`
	Results     Results `gorm:"default:-1"`
	Complete    bool    `gorm:"default:false;index"`
	SubmittedAt time.Time
	CompleteAt  *time.Time

	// StartBrid is the root request of a triggered-build chain.
	StartBrid       *uint
	MergeBrid       *uint `gorm:"index"`
	ArtifactBrid    *uint
	TriggeredByBrid *uint

	// Properties carries build-identity properties as JSON, at
	// minimum the pinned workername when one is set.
	Properties   string `gorm:"type:text"`
	ForceRebuild bool   `gorm:"default:false"`

	Buildset Buildset `gorm:"foreignKey:BuildsetID"`
}

// BuildRequestClaim marks exclusive ownership of a build request by one
// master. Brid being the primary key is the load-bearing uniqueness
// constraint: inserting a second claim for the same request must fail.
type BuildRequestClaim struct {
	Brid      uint   `gorm:"primaryKey;autoIncrement:false"`
	OwnerID   string `gorm:"size:128;index;not null"`
	ClaimedAt time.Time
}

// TableName keeps the claims table at its historical name.
func (BuildRequestClaim) TableName() string { return "buildrequest_claims" }
