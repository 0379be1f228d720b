package models

import "time"

// ScheduleRun is an audit record of one engine invocation.
type ScheduleRun struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	Mode           string `gorm:"size:16"`
	JobIDs         string `gorm:"type:json"`
	Committed      bool
	AsProposed     bool
	OnlyIfUnset    bool
	ScheduledCount int
	WroteSlots     int
	Error          string `gorm:"type:text"`
	CreatedAt      time.Time
}
