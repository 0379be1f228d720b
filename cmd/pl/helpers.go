package main

import (
	"fmt"
	"time"

	"github.com/zulandar/pressline/internal/calendar"
	"github.com/zulandar/pressline/internal/config"
	"github.com/zulandar/pressline/internal/db"
	"github.com/zulandar/pressline/internal/localtime"
	"gorm.io/gorm"
)

const defaultConfigPath = "pressline.yaml"

func connectFromConfig(configPath string) (*config.Config, *gorm.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}

	return cfg, gormDB, nil
}

func calendarFromConfig(cfg *config.Config) (*calendar.Calendar, error) {
	cal, err := calendar.New(cfg.Calendar, cfg.Scheduler.HorizonDays)
	if err != nil {
		return nil, err
	}
	return cal, nil
}

// formatLocal renders a stored UTC instant in the configured display
// timezone, or "-" when unset.
func formatLocal(conv *localtime.Converter, t *time.Time) string {
	if t == nil {
		return "-"
	}
	return conv.ToLocal(*t).Format("2006-01-02 15:04")
}
