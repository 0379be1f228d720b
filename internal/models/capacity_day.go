package models

import "time"

// CapacityDay is the capacity ledger for one resource on one calendar
// date. Date is a UTC day key ("2006-01-02"). Rows are created lazily on
// first committed allocation and only ever grow, except for explicit
// maintenance resets.
type CapacityDay struct {
	ResourceID       string `gorm:"primaryKey;size:32"`
	Date             string `gorm:"primaryKey;size:10"`
	CapacityMinutes  int
	CommittedMinutes int `gorm:"default:0"`
	UpdatedAt        time.Time

	Resource Resource `gorm:"foreignKey:ResourceID"`
}
