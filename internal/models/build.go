package models

import "time"

// Build is one execution attempt of a build request (or a merged group
// of requests) on a specific worker. Number is a per-builder sequence.
type Build struct {
	ID          uint    `gorm:"primaryKey;autoIncrement"`
	Number      int     `gorm:"uniqueIndex:idx_builds_builder_number,priority:2;not null"`
	BuilderName string  `gorm:"size:128;uniqueIndex:idx_builds_builder_number,priority:1;index;not null"`
	Brid        uint    `gorm:"index;not null"`
	WorkerName  string  `gorm:"size:128"`
	Results     Results `gorm:"default:-1"`
	// Synthetic builds mirror a representative build for merged
	// siblings that were never independently dispatched.
	Synthetic  bool `gorm:"default:false"`
	StartedAt  time.Time
	CompleteAt *time.Time
}
