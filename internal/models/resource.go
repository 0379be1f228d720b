package models

import "time"

// Stage categories. Set on the resource at configuration time; the
// scheduler never derives a category from a stage's display name.
const (
	CategoryPrepress  = "prepress"
	CategoryPrinting  = "printing"
	CategoryFinishing = "finishing"
	CategoryBinding   = "binding"
	CategoryPacking   = "packing"
)

// Resource is a production stage/machine with finite daily capacity,
// e.g. a press or a finishing line.
type Resource struct {
	ID                   string `gorm:"primaryKey;size:32"`
	Name                 string `gorm:"not null"`
	Category             string `gorm:"size:16;index"`
	DailyCapacityMinutes int    `gorm:"default:510"`
	Active               bool   `gorm:"default:true"`
	CreatedAt            time.Time
	UpdatedAt            time.Time
}
