package models

import "time"

// Builder is a named build configuration, seeded from the config file.
type Builder struct {
	Name        string `gorm:"primaryKey;size:128"`
	Description string `gorm:"type:text"`
	Active      bool   `gorm:"default:true"`
}

// Worker records a worker attached to some master, with a heartbeat
// timestamp so the dashboard can surface stale workers. Slot state is
// per-master in-memory; this row is informational only.
type Worker struct {
	Name     string `gorm:"primaryKey;size:128"`
	MasterID string `gorm:"size:128;index"`
	State    string `gorm:"size:16"`
	Info     string `gorm:"type:text"`
	LastSeen time.Time
}

// Master registers one running master process. Its Name is the owner id
// written into buildrequest_claims.
type Master struct {
	Name       string `gorm:"primaryKey;size:128"`
	Hostname   string `gorm:"size:255"`
	Active     bool   `gorm:"default:true"`
	StartedAt  time.Time
	LastActive time.Time
}
