package db

import (
	"fmt"

	"github.com/zulandar/pressline/internal/config"
	"github.com/zulandar/pressline/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AllModels returns the list of all GORM models for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.Job{},
		&models.StageInstance{},
		&models.Resource{},
		&models.CapacityDay{},
		&models.ScheduleRun{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// SeedResources upserts Resource rows from configuration. Daily capacity
// changes take effect for ledger rows created after the seed; existing
// CapacityDay rows keep the capacity they were opened with.
func SeedResources(db *gorm.DB, resources []config.ResourceConfig) error {
	for _, rc := range resources {
		r := models.Resource{
			ID:                   rc.ID,
			Name:                 rc.Name,
			Category:             rc.Category,
			DailyCapacityMinutes: rc.CapacityMinutes,
			Active:               true,
		}

		result := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "category", "daily_capacity_minutes", "active"}),
		}).Create(&r)
		if result.Error != nil {
			return fmt.Errorf("db: seed resource %q: %w", rc.ID, result.Error)
		}
	}
	return nil
}
