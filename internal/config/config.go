// Package config provides YAML-based configuration loading for Pressline.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/zulandar/pressline/internal/models"
	"gopkg.in/yaml.v3"
)

// Config is the top-level Pressline configuration, loaded from pressline.yaml.
type Config struct {
	Database  DatabaseConfig   `yaml:"database"`
	Calendar  CalendarConfig   `yaml:"calendar"`
	Scheduler SchedulerConfig  `yaml:"scheduler"`
	Resources []ResourceConfig `yaml:"resources"`
	Workflows []WorkflowConfig `yaml:"workflows"`
	Notify    NotifyConfig     `yaml:"notify"`
	API       APIConfig        `yaml:"api"`
}

// DatabaseConfig holds connection settings for the schedule database.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // mysql or sqlite
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Name   string `yaml:"name"`
	Path   string `yaml:"path"` // sqlite file path
}

// CalendarConfig defines the working calendar shared by all resources.
// Clock times are "HH:MM" in UTC; Timezone is used for display only.
type CalendarConfig struct {
	Timezone    string             `yaml:"timezone"`
	WorkdayOpen string             `yaml:"workday_open"`
	WorkdayEnd  string             `yaml:"workday_end"`
	BreakStart  string             `yaml:"break_start"`
	BreakEnd    string             `yaml:"break_end"`
	Weekend     []string           `yaml:"weekend"`
	Holidays    []string           `yaml:"holidays"`
	BusyPeriods []BusyPeriodConfig `yaml:"busy_periods"`
}

// BusyPeriodConfig overrides the working window for a date range, e.g.
// extended hours during peak season.
type BusyPeriodConfig struct {
	From        string `yaml:"from"`
	To          string `yaml:"to"`
	WorkdayOpen string `yaml:"workday_open"`
	WorkdayEnd  string `yaml:"workday_end"`
}

// SchedulerConfig tunes the scheduling engine.
type SchedulerConfig struct {
	HorizonDays    int    `yaml:"horizon_days"`
	RescheduleCron string `yaml:"reschedule_cron"` // 5-field cron, empty disables
}

// ResourceConfig declares a production resource (press, finishing line).
type ResourceConfig struct {
	ID              string `yaml:"id"`
	Name            string `yaml:"name"`
	Category        string `yaml:"category"`
	CapacityMinutes int    `yaml:"capacity_minutes"`
}

// WorkflowConfig is a named stage template applied when a job enters
// production. Stages sharing a group form a dependency group that must
// complete together before the next sequence position starts.
type WorkflowConfig struct {
	Name   string                `yaml:"name"`
	Stages []WorkflowStageConfig `yaml:"stages"`
}

// WorkflowStageConfig is one stage of a workflow template.
type WorkflowStageConfig struct {
	Name     string `yaml:"name"`
	Resource string `yaml:"resource"`
	Minutes  int    `yaml:"minutes"`
	Sequence int    `yaml:"sequence"` // 0 = position in list + 1
	Group    string `yaml:"group"`
}

// NotifyConfig holds Slack settings for operator notifications.
type NotifyConfig struct {
	SlackToken   string `yaml:"slack_token"`
	SlackChannel string `yaml:"slack_channel"`
}

// APIConfig holds HTTP API server settings.
type APIConfig struct {
	Port int `yaml:"port"`
}

// validCategories is the closed set of stage categories.
var validCategories = map[string]bool{
	models.CategoryPrepress:  true,
	models.CategoryPrinting:  true,
	models.CategoryFinishing: true,
	models.CategoryBinding:   true,
	models.CategoryPacking:   true,
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
	}
	if c.Database.Host == "" {
		c.Database.Host = "127.0.0.1"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 3306
	}
	if c.Database.Name == "" {
		c.Database.Name = "pressline"
	}
	if c.Database.Path == "" {
		c.Database.Path = "pressline.db"
	}
	if c.Calendar.Timezone == "" {
		c.Calendar.Timezone = "UTC"
	}
	if c.Calendar.WorkdayOpen == "" {
		c.Calendar.WorkdayOpen = "08:00"
	}
	if c.Calendar.WorkdayEnd == "" {
		c.Calendar.WorkdayEnd = "16:30"
	}
	if len(c.Calendar.Weekend) == 0 {
		c.Calendar.Weekend = []string{"Saturday", "Sunday"}
	}
	if c.Scheduler.HorizonDays == 0 {
		c.Scheduler.HorizonDays = 365
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	for i := range c.Resources {
		if c.Resources[i].CapacityMinutes == 0 {
			c.Resources[i].CapacityMinutes = 510
		}
	}
	for i := range c.Workflows {
		for j := range c.Workflows[i].Stages {
			if c.Workflows[i].Stages[j].Sequence == 0 {
				c.Workflows[i].Stages[j].Sequence = j + 1
			}
		}
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string

	switch c.Database.Driver {
	case "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported (mysql, sqlite)", c.Database.Driver))
	}

	if _, err := time.LoadLocation(c.Calendar.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("calendar.timezone %q is invalid", c.Calendar.Timezone))
	}
	if err := checkClock(c.Calendar.WorkdayOpen); err != nil {
		errs = append(errs, fmt.Sprintf("calendar.workday_open: %v", err))
	}
	if err := checkClock(c.Calendar.WorkdayEnd); err != nil {
		errs = append(errs, fmt.Sprintf("calendar.workday_end: %v", err))
	}
	if (c.Calendar.BreakStart == "") != (c.Calendar.BreakEnd == "") {
		errs = append(errs, "calendar.break_start and calendar.break_end must be set together")
	}
	if c.Calendar.BreakStart != "" {
		if err := checkClock(c.Calendar.BreakStart); err != nil {
			errs = append(errs, fmt.Sprintf("calendar.break_start: %v", err))
		}
		if err := checkClock(c.Calendar.BreakEnd); err != nil {
			errs = append(errs, fmt.Sprintf("calendar.break_end: %v", err))
		}
	}
	for i, d := range c.Calendar.Weekend {
		if !validWeekday(d) {
			errs = append(errs, fmt.Sprintf("calendar.weekend[%d]: %q is not a weekday name", i, d))
		}
	}
	for i, h := range c.Calendar.Holidays {
		if _, err := time.Parse("2006-01-02", h); err != nil {
			errs = append(errs, fmt.Sprintf("calendar.holidays[%d]: %q is not a date (YYYY-MM-DD)", i, h))
		}
	}
	for i, bp := range c.Calendar.BusyPeriods {
		if _, err := time.Parse("2006-01-02", bp.From); err != nil {
			errs = append(errs, fmt.Sprintf("calendar.busy_periods[%d].from: %q is not a date", i, bp.From))
		}
		if _, err := time.Parse("2006-01-02", bp.To); err != nil {
			errs = append(errs, fmt.Sprintf("calendar.busy_periods[%d].to: %q is not a date", i, bp.To))
		}
		if err := checkClock(bp.WorkdayOpen); err != nil {
			errs = append(errs, fmt.Sprintf("calendar.busy_periods[%d].workday_open: %v", i, err))
		}
		if err := checkClock(bp.WorkdayEnd); err != nil {
			errs = append(errs, fmt.Sprintf("calendar.busy_periods[%d].workday_end: %v", i, err))
		}
	}

	if len(c.Resources) == 0 {
		errs = append(errs, "at least one resource is required")
	}
	resourceIDs := map[string]bool{}
	for i, r := range c.Resources {
		if r.ID == "" {
			errs = append(errs, fmt.Sprintf("resources[%d].id is required", i))
		}
		if r.Name == "" {
			errs = append(errs, fmt.Sprintf("resources[%d].name is required", i))
		}
		if !validCategories[r.Category] {
			errs = append(errs, fmt.Sprintf("resources[%d].category %q is not a known stage category", i, r.Category))
		}
		if resourceIDs[r.ID] {
			errs = append(errs, fmt.Sprintf("resources[%d].id %q is duplicated", i, r.ID))
		}
		resourceIDs[r.ID] = true
	}

	for i, w := range c.Workflows {
		if w.Name == "" {
			errs = append(errs, fmt.Sprintf("workflows[%d].name is required", i))
		}
		if len(w.Stages) == 0 {
			errs = append(errs, fmt.Sprintf("workflows[%d] has no stages", i))
		}
		for j, s := range w.Stages {
			if s.Name == "" {
				errs = append(errs, fmt.Sprintf("workflows[%d].stages[%d].name is required", i, j))
			}
			if !resourceIDs[s.Resource] {
				errs = append(errs, fmt.Sprintf("workflows[%d].stages[%d].resource %q is not a declared resource", i, j, s.Resource))
			}
			if s.Minutes <= 0 {
				errs = append(errs, fmt.Sprintf("workflows[%d].stages[%d].minutes must be positive", i, j))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Workflow returns the named workflow template, or nil if not declared.
func (c *Config) Workflow(name string) *WorkflowConfig {
	for i := range c.Workflows {
		if c.Workflows[i].Name == name {
			return &c.Workflows[i]
		}
	}
	return nil
}

// checkClock validates an "HH:MM" clock time.
func checkClock(s string) error {
	if _, err := time.Parse("15:04", s); err != nil {
		return fmt.Errorf("%q is not a clock time (HH:MM)", s)
	}
	return nil
}

// validWeekday reports whether s names a day of the week.
func validWeekday(s string) bool {
	switch s {
	case "Sunday", "Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday":
		return true
	}
	return false
}
