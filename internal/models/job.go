package models

import "time"

// Job statuses.
const (
	JobDraft        = "draft"
	JobApproved     = "approved"
	JobInProduction = "in_production"
	JobCompleted    = "completed"
	JobCancelled    = "cancelled"
)

// Job is a production job moving through an ordered sequence of stages.
type Job struct {
	ID          string     `gorm:"primaryKey;size:32"`
	Title       string     `gorm:"not null"`
	Customer    string     `gorm:"size:128"`
	Description string     `gorm:"type:text"`
	Status      string     `gorm:"size:16;default:draft;index"`
	ApprovedAt  *time.Time `gorm:"index"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time

	Stages []StageInstance `gorm:"foreignKey:JobID"`
}
