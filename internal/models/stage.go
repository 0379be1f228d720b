package models

import "time"

// Stage instance statuses (operator-driven lifecycle).
const (
	StagePending   = "pending"
	StageActive    = "active"
	StageCompleted = "completed"
)

// Schedule states for a stage instance. The engine moves a stage from
// unscheduled to proposed or scheduled; confirmation is an operator action.
const (
	ScheduleUnset     = "unscheduled"
	ScheduleProposed  = "proposed"
	ScheduleConfirmed = "scheduled"
)

// StageInstance is one step of one job's production path, bound to a
// specific resource. Split parts created by multi-day allocation are
// additional instances pointing back at the original via ParentSplitID.
type StageInstance struct {
	ID               string  `gorm:"primaryKey;size:32"`
	JobID            string  `gorm:"size:32;index;not null"`
	ResourceID       string  `gorm:"size:32;index;not null"`
	Name             string  `gorm:"size:64"`
	SequenceOrder    int     `gorm:"index"`
	EstimatedMinutes int
	Status           string  `gorm:"size:16;default:pending;index"`
	ScheduleState    string  `gorm:"size:16;default:unscheduled"`
	ScheduledStart   *time.Time
	ScheduledEnd     *time.Time
	ScheduledMinutes int
	DependencyGroup  string  `gorm:"size:32;index"`
	IsSplit          bool    `gorm:"default:false"`
	PartIndex        int     `gorm:"default:0"`
	TotalParts       int     `gorm:"default:1"`
	ParentSplitID    *string `gorm:"size:32;index"`
	CreatedAt        time.Time
	UpdatedAt        time.Time

	Job      Job      `gorm:"foreignKey:JobID"`
	Resource Resource `gorm:"foreignKey:ResourceID"`
}
