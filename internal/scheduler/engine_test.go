package scheduler

import (
	"errors"
	"testing"
	"time"

	"github.com/zulandar/pressline/internal/calendar"
	"github.com/zulandar/pressline/internal/config"
	"github.com/zulandar/pressline/internal/db"
	"github.com/zulandar/pressline/internal/models"
	"gorm.io/gorm"
)

// 2026-08-31 is a Monday.
var (
	monday    = time.Date(2026, 8, 31, 6, 0, 0, 0, time.UTC) // before the workday opens
	friday    = time.Date(2026, 9, 4, 6, 0, 0, 0, time.UTC)
	approved0 = time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC)
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.Connect(config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatal(err)
	}
	resources := []models.Resource{
		{ID: "press-a", Name: "Sheet press A", Category: models.CategoryPrinting, DailyCapacityMinutes: 510, Active: true},
		{ID: "press-b", Name: "Sheet press B", Category: models.CategoryPrinting, DailyCapacityMinutes: 510, Active: true},
		{ID: "bind-1", Name: "Perfect binder", Category: models.CategoryBinding, DailyCapacityMinutes: 510, Active: true},
	}
	for i := range resources {
		if err := gdb.Create(&resources[i]).Error; err != nil {
			t.Fatal(err)
		}
	}
	return gdb
}

func weekdayCalendar(t *testing.T) *calendar.Calendar {
	t.Helper()
	cal, err := calendar.New(config.CalendarConfig{
		WorkdayOpen: "08:00",
		WorkdayEnd:  "16:30",
		Weekend:     []string{"Saturday", "Sunday"},
	}, 365)
	if err != nil {
		t.Fatal(err)
	}
	return cal
}

func breakCalendar(t *testing.T) *calendar.Calendar {
	t.Helper()
	cal, err := calendar.New(config.CalendarConfig{
		WorkdayOpen: "08:00",
		WorkdayEnd:  "16:30",
		BreakStart:  "12:00",
		BreakEnd:    "12:30",
		Weekend:     []string{"Saturday", "Sunday"},
	}, 365)
	if err != nil {
		t.Fatal(err)
	}
	return cal
}

func seedJob(t *testing.T, gdb *gorm.DB, id string, approvedAt time.Time) {
	t.Helper()
	job := models.Job{ID: id, Title: "Job " + id, Status: models.JobApproved, ApprovedAt: &approvedAt}
	if err := gdb.Create(&job).Error; err != nil {
		t.Fatal(err)
	}
}

func addStage(t *testing.T, gdb *gorm.DB, st models.StageInstance) {
	t.Helper()
	if st.Status == "" {
		st.Status = models.StagePending
	}
	if st.ScheduleState == "" {
		st.ScheduleState = models.ScheduleUnset
	}
	if st.TotalParts == 0 {
		st.TotalParts = 1
	}
	if err := gdb.Create(&st).Error; err != nil {
		t.Fatal(err)
	}
}

func loadStage(t *testing.T, gdb *gorm.DB, id string) models.StageInstance {
	t.Helper()
	var st models.StageInstance
	if err := gdb.First(&st, "id = ?", id).Error; err != nil {
		t.Fatalf("load stage %s: %v", id, err)
	}
	return st
}

func committedMinutes(t *testing.T, gdb *gorm.DB, resourceID, date string) int {
	t.Helper()
	var row models.CapacityDay
	err := gdb.First(&row, "resource_id = ? AND date = ?", resourceID, date).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0
	}
	if err != nil {
		t.Fatal(err)
	}
	return row.CommittedMinutes
}

func utc(year int, month time.Month, day, hour, min int) time.Time {
	return time.Date(year, month, day, hour, min, 0, 0, time.UTC)
}

func TestRun_SingleStage(t *testing.T) {
	gdb := openTestDB(t)
	seedJob(t, gdb, "jb-0001", approved0)
	addStage(t, gdb, models.StageInstance{
		ID: "jb-0001-s1", JobID: "jb-0001", ResourceID: "press-a",
		Name: "Print", SequenceOrder: 1, EstimatedMinutes: 120,
	})

	e := New(gdb, weekdayCalendar(t))
	req := NewRequest(ModeSingle)
	req.JobIDs = []string{"jb-0001"}
	req.Now = monday

	res, err := e.Run(req)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !res.OK {
		t.Fatalf("Run() not OK: %s %s", res.ErrorCode, res.Err)
	}
	if res.ScheduledCount != 1 || res.WroteSlots != 1 {
		t.Errorf("ScheduledCount = %d, WroteSlots = %d, want 1, 1", res.ScheduledCount, res.WroteSlots)
	}

	st := loadStage(t, gdb, "jb-0001-s1")
	if st.ScheduledStart == nil || !st.ScheduledStart.Equal(utc(2026, 8, 31, 8, 0)) {
		t.Errorf("ScheduledStart = %v, want Mon 08:00", st.ScheduledStart)
	}
	if st.ScheduledEnd == nil || !st.ScheduledEnd.Equal(utc(2026, 8, 31, 10, 0)) {
		t.Errorf("ScheduledEnd = %v, want Mon 10:00", st.ScheduledEnd)
	}
	if st.ScheduledMinutes != 120 || st.TotalParts != 1 || st.IsSplit {
		t.Errorf("stage = minutes %d split %v parts %d, want 120 false 1", st.ScheduledMinutes, st.IsSplit, st.TotalParts)
	}
	if st.ScheduleState != models.ScheduleProposed {
		t.Errorf("ScheduleState = %s, want proposed", st.ScheduleState)
	}
	if got := committedMinutes(t, gdb, "press-a", "2026-08-31"); got != 120 {
		t.Errorf("ledger committed = %d, want 120", got)
	}
}

func TestRun_MultiDaySplit(t *testing.T) {
	gdb := openTestDB(t)
	seedJob(t, gdb, "jb-0001", approved0)
	addStage(t, gdb, models.StageInstance{
		ID: "jb-0001-s1", JobID: "jb-0001", ResourceID: "press-a",
		Name: "Print", SequenceOrder: 1, EstimatedMinutes: 600,
	})

	e := New(gdb, weekdayCalendar(t))
	req := NewRequest(ModeSingle)
	req.JobIDs = []string{"jb-0001"}
	req.Now = monday

	res, err := e.Run(req)
	if err != nil {
		t.Fatal(err)
	}
	if res.WroteSlots != 2 {
		t.Errorf("WroteSlots = %d, want 2", res.WroteSlots)
	}

	// Part 0 fills Monday's full window.
	st := loadStage(t, gdb, "jb-0001-s1")
	if !st.IsSplit || st.PartIndex != 0 || st.TotalParts != 2 {
		t.Errorf("original = split %v part %d of %d, want split part 0 of 2", st.IsSplit, st.PartIndex, st.TotalParts)
	}
	if st.ScheduledMinutes != 510 || !st.ScheduledEnd.Equal(utc(2026, 8, 31, 16, 30)) {
		t.Errorf("part 0 = %d min ending %v, want 510 ending Mon 16:30", st.ScheduledMinutes, st.ScheduledEnd)
	}

	// The remainder lands on Tuesday morning as a child instance.
	var children []models.StageInstance
	if err := gdb.Where("parent_split_id = ?", "jb-0001-s1").Find(&children).Error; err != nil {
		t.Fatal(err)
	}
	if len(children) != 1 {
		t.Fatalf("len(children) = %d, want 1", len(children))
	}
	c := children[0]
	if c.ScheduledMinutes != 90 || c.PartIndex != 1 {
		t.Errorf("child = %d min part %d, want 90 min part 1", c.ScheduledMinutes, c.PartIndex)
	}
	if !c.ScheduledStart.Equal(utc(2026, 9, 1, 8, 0)) || !c.ScheduledEnd.Equal(utc(2026, 9, 1, 9, 30)) {
		t.Errorf("child window = %v-%v, want Tue 08:00-09:30", c.ScheduledStart, c.ScheduledEnd)
	}

	if got := committedMinutes(t, gdb, "press-a", "2026-08-31"); got != 510 {
		t.Errorf("Mon committed = %d, want 510", got)
	}
	if got := committedMinutes(t, gdb, "press-a", "2026-09-01"); got != 90 {
		t.Errorf("Tue committed = %d, want 90", got)
	}
}

func TestRun_WeekendSkip(t *testing.T) {
	gdb := openTestDB(t)
	seedJob(t, gdb, "jb-0001", approved0)
	addStage(t, gdb, models.StageInstance{
		ID: "jb-0001-s1", JobID: "jb-0001", ResourceID: "press-a",
		SequenceOrder: 1, EstimatedMinutes: 600,
	})

	e := New(gdb, weekdayCalendar(t))
	req := NewRequest(ModeSingle)
	req.JobIDs = []string{"jb-0001"}
	req.Now = friday

	if _, err := e.Run(req); err != nil {
		t.Fatal(err)
	}

	var children []models.StageInstance
	gdb.Where("parent_split_id = ?", "jb-0001-s1").Find(&children)
	if len(children) != 1 {
		t.Fatalf("len(children) = %d, want 1", len(children))
	}
	// Friday fills, the remainder must jump the weekend to Monday.
	if !children[0].ScheduledStart.Equal(utc(2026, 9, 7, 8, 0)) {
		t.Errorf("remainder start = %v, want Mon 2026-09-07 08:00", children[0].ScheduledStart)
	}
}

func TestRun_BreakSplitsDay(t *testing.T) {
	gdb := openTestDB(t)
	seedJob(t, gdb, "jb-0001", approved0)
	addStage(t, gdb, models.StageInstance{
		ID: "jb-0001-s1", JobID: "jb-0001", ResourceID: "press-a",
		SequenceOrder: 1, EstimatedMinutes: 300,
	})

	e := New(gdb, breakCalendar(t))
	req := NewRequest(ModeSingle)
	req.JobIDs = []string{"jb-0001"}
	req.Now = monday

	res, err := e.Run(req)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Plans) != 1 {
		t.Fatalf("len(Plans) = %d, want 1", len(res.Plans))
	}
	pl := res.Plans[0].Placements
	if len(pl) != 2 {
		t.Fatalf("len(placements) = %d, want 2 (split around the break)", len(pl))
	}
	if !pl[0].Start.Equal(utc(2026, 8, 31, 8, 0)) || !pl[0].End.Equal(utc(2026, 8, 31, 12, 0)) {
		t.Errorf("placement 0 = %v-%v, want 08:00-12:00", pl[0].Start, pl[0].End)
	}
	if !pl[1].Start.Equal(utc(2026, 8, 31, 12, 30)) || !pl[1].End.Equal(utc(2026, 8, 31, 13, 30)) {
		t.Errorf("placement 1 = %v-%v, want 12:30-13:30", pl[1].Start, pl[1].End)
	}
}

func TestRun_SequentialStages(t *testing.T) {
	gdb := openTestDB(t)
	seedJob(t, gdb, "jb-0001", approved0)
	addStage(t, gdb, models.StageInstance{
		ID: "jb-0001-s1", JobID: "jb-0001", ResourceID: "press-a",
		SequenceOrder: 1, EstimatedMinutes: 120,
	})
	addStage(t, gdb, models.StageInstance{
		ID: "jb-0001-s2", JobID: "jb-0001", ResourceID: "bind-1",
		SequenceOrder: 2, EstimatedMinutes: 60,
	})

	e := New(gdb, weekdayCalendar(t))
	req := NewRequest(ModeSingle)
	req.JobIDs = []string{"jb-0001"}
	req.Now = monday

	if _, err := e.Run(req); err != nil {
		t.Fatal(err)
	}

	s2 := loadStage(t, gdb, "jb-0001-s2")
	if !s2.ScheduledStart.Equal(utc(2026, 8, 31, 10, 0)) {
		t.Errorf("stage 2 start = %v, want 10:00 (anchored to stage 1 end)", s2.ScheduledStart)
	}
}

func TestRun_FIFOContention(t *testing.T) {
	gdb := openTestDB(t)
	// Inserted newest-first; approval order must still win.
	seedJob(t, gdb, "jb-new", approved0.Add(time.Hour))
	addStage(t, gdb, models.StageInstance{
		ID: "jb-new-s1", JobID: "jb-new", ResourceID: "press-a",
		SequenceOrder: 1, EstimatedMinutes: 300,
	})
	seedJob(t, gdb, "jb-old", approved0)
	addStage(t, gdb, models.StageInstance{
		ID: "jb-old-s1", JobID: "jb-old", ResourceID: "press-a",
		SequenceOrder: 1, EstimatedMinutes: 300,
	})

	e := New(gdb, weekdayCalendar(t))
	req := NewRequest(ModeFull)
	req.Now = monday

	res, err := e.Run(req)
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK || res.ScheduledCount != 2 {
		t.Fatalf("OK = %v ScheduledCount = %d, want true 2", res.OK, res.ScheduledCount)
	}

	oldSt := loadStage(t, gdb, "jb-old-s1")
	newSt := loadStage(t, gdb, "jb-new-s1")
	if !oldSt.ScheduledStart.Equal(utc(2026, 8, 31, 8, 0)) {
		t.Errorf("older job start = %v, want Mon 08:00", oldSt.ScheduledStart)
	}
	// The newer job gets what's left of Monday and spills to Tuesday.
	if !newSt.ScheduledStart.Equal(utc(2026, 8, 31, 13, 0)) {
		t.Errorf("newer job start = %v, want Mon 13:00", newSt.ScheduledStart)
	}
	if newSt.TotalParts != 2 || newSt.ScheduledMinutes != 210 {
		t.Errorf("newer job = %d min in %d parts, want 210 in 2", newSt.ScheduledMinutes, newSt.TotalParts)
	}
	if got := committedMinutes(t, gdb, "press-a", "2026-08-31"); got != 510 {
		t.Errorf("Mon committed = %d, want 510", got)
	}
}

func TestRun_DependencyGroupMerge(t *testing.T) {
	gdb := openTestDB(t)
	seedJob(t, gdb, "jb-0001", approved0)
	// Cover and text print in parallel on different presses; binding
	// waits for whichever finishes last.
	addStage(t, gdb, models.StageInstance{
		ID: "jb-0001-s1", JobID: "jb-0001", ResourceID: "press-a",
		Name: "Print cover", SequenceOrder: 1, EstimatedMinutes: 120, DependencyGroup: "book",
	})
	addStage(t, gdb, models.StageInstance{
		ID: "jb-0001-s2", JobID: "jb-0001", ResourceID: "press-b",
		Name: "Print text", SequenceOrder: 1, EstimatedMinutes: 300, DependencyGroup: "book",
	})
	addStage(t, gdb, models.StageInstance{
		ID: "jb-0001-s3", JobID: "jb-0001", ResourceID: "bind-1",
		Name: "Bind", SequenceOrder: 2, EstimatedMinutes: 60, DependencyGroup: "book",
	})

	e := New(gdb, weekdayCalendar(t))
	req := NewRequest(ModeSingle)
	req.JobIDs = []string{"jb-0001"}
	req.Now = monday

	res, err := e.Run(req)
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK || res.ScheduledCount != 3 {
		t.Fatalf("OK = %v ScheduledCount = %d, want true 3: %+v", res.OK, res.ScheduledCount, res.Failures)
	}

	cover := loadStage(t, gdb, "jb-0001-s1")
	text := loadStage(t, gdb, "jb-0001-s2")
	bind := loadStage(t, gdb, "jb-0001-s3")
	if !cover.ScheduledStart.Equal(utc(2026, 8, 31, 8, 0)) || !text.ScheduledStart.Equal(utc(2026, 8, 31, 8, 0)) {
		t.Errorf("parallel parts = %v and %v, want both Mon 08:00", cover.ScheduledStart, text.ScheduledStart)
	}
	if !bind.ScheduledStart.Equal(utc(2026, 8, 31, 13, 0)) {
		t.Errorf("bind start = %v, want 13:00 (after the slower text run)", bind.ScheduledStart)
	}
}

func TestRun_FailedStageSkipsDownstream(t *testing.T) {
	gdb := openTestDB(t)
	seedJob(t, gdb, "jb-0001", approved0)
	addStage(t, gdb, models.StageInstance{
		ID: "jb-0001-s1", JobID: "jb-0001", ResourceID: "press-a",
		SequenceOrder: 1, EstimatedMinutes: 0, // misconfigured
	})
	addStage(t, gdb, models.StageInstance{
		ID: "jb-0001-s2", JobID: "jb-0001", ResourceID: "bind-1",
		SequenceOrder: 2, EstimatedMinutes: 60,
	})

	e := New(gdb, weekdayCalendar(t))
	req := NewRequest(ModeFull)
	req.Now = monday

	res, err := e.Run(req)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Failures) != 1 || res.Failures[0].Code != CodeConfig {
		t.Fatalf("Failures = %+v, want one CONFIG_ERROR", res.Failures)
	}
	if res.ScheduledCount != 0 {
		t.Errorf("ScheduledCount = %d, want 0 (downstream stage must wait)", res.ScheduledCount)
	}
	s2 := loadStage(t, gdb, "jb-0001-s2")
	if s2.ScheduledStart != nil {
		t.Error("downstream stage was scheduled past a failed predecessor")
	}
}

func TestRun_FailureIsolation(t *testing.T) {
	gdb := openTestDB(t)
	seedJob(t, gdb, "jb-bad", approved0)
	addStage(t, gdb, models.StageInstance{
		ID: "jb-bad-s1", JobID: "jb-bad", ResourceID: "press-a",
		SequenceOrder: 1, EstimatedMinutes: -5,
	})
	seedJob(t, gdb, "jb-good", approved0.Add(time.Minute))
	addStage(t, gdb, models.StageInstance{
		ID: "jb-good-s1", JobID: "jb-good", ResourceID: "press-a",
		SequenceOrder: 1, EstimatedMinutes: 60,
	})

	e := New(gdb, weekdayCalendar(t))
	req := NewRequest(ModeFull)
	req.Now = monday

	res, err := e.Run(req)
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK {
		t.Error("full reschedule must stay OK on per-job failures")
	}
	if len(res.Failures) != 1 || res.Failures[0].JobID != "jb-bad" {
		t.Fatalf("Failures = %+v, want one for jb-bad", res.Failures)
	}
	good := loadStage(t, gdb, "jb-good-s1")
	if good.ScheduledStart == nil {
		t.Error("healthy job was not scheduled after another job failed")
	}
}

func TestRun_SingleModeFailureSurfaces(t *testing.T) {
	gdb := openTestDB(t)
	seedJob(t, gdb, "jb-0001", approved0)
	addStage(t, gdb, models.StageInstance{
		ID: "jb-0001-s1", JobID: "jb-0001", ResourceID: "press-a",
		SequenceOrder: 1, EstimatedMinutes: 0,
	})

	e := New(gdb, weekdayCalendar(t))
	req := NewRequest(ModeSingle)
	req.JobIDs = []string{"jb-0001"}
	req.Now = monday

	res, err := e.Run(req)
	if err != nil {
		t.Fatal(err)
	}
	if res.OK {
		t.Error("single-mode run with a failed target must not be OK")
	}
	if res.ErrorCode != CodeConfig {
		t.Errorf("ErrorCode = %s, want %s", res.ErrorCode, CodeConfig)
	}
}

func TestRun_HorizonExceeded(t *testing.T) {
	gdb := openTestDB(t)
	seedJob(t, gdb, "jb-0001", approved0)
	addStage(t, gdb, models.StageInstance{
		ID: "jb-0001-s1", JobID: "jb-0001", ResourceID: "press-a",
		SequenceOrder: 1, EstimatedMinutes: 60,
	})

	// Every day is a weekend day: no working instant exists.
	cal, err := calendar.New(config.CalendarConfig{
		WorkdayOpen: "08:00",
		WorkdayEnd:  "16:30",
		Weekend:     []string{"Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday", "Sunday"},
	}, 14)
	if err != nil {
		t.Fatal(err)
	}

	e := New(gdb, cal)
	req := NewRequest(ModeSingle)
	req.JobIDs = []string{"jb-0001"}
	req.Now = monday

	res, err := e.Run(req)
	if err != nil {
		t.Fatal(err)
	}
	if res.OK || res.ErrorCode != CodeHorizon {
		t.Errorf("OK = %v ErrorCode = %s, want false %s", res.OK, res.ErrorCode, CodeHorizon)
	}
}

func TestRun_DryRun(t *testing.T) {
	gdb := openTestDB(t)
	seedJob(t, gdb, "jb-0001", approved0)
	addStage(t, gdb, models.StageInstance{
		ID: "jb-0001-s1", JobID: "jb-0001", ResourceID: "press-a",
		SequenceOrder: 1, EstimatedMinutes: 300,
	})
	seedJob(t, gdb, "jb-0002", approved0.Add(time.Minute))
	addStage(t, gdb, models.StageInstance{
		ID: "jb-0002-s1", JobID: "jb-0002", ResourceID: "press-a",
		SequenceOrder: 1, EstimatedMinutes: 300,
	})

	e := New(gdb, weekdayCalendar(t))
	req := NewRequest(ModeFull)
	req.Commit = false
	req.Now = monday

	res, err := e.Run(req)
	if err != nil {
		t.Fatal(err)
	}
	if res.ScheduledCount != 2 || res.WroteSlots != 0 {
		t.Errorf("ScheduledCount = %d WroteSlots = %d, want 2 and 0", res.ScheduledCount, res.WroteSlots)
	}

	// The second job's plan must see the first job's planned contention.
	if len(res.Plans) != 2 {
		t.Fatalf("len(Plans) = %d, want 2", len(res.Plans))
	}
	if !res.Plans[1].Placements[0].Start.Equal(utc(2026, 8, 31, 13, 0)) {
		t.Errorf("second plan start = %v, want Mon 13:00 (overlay contention)", res.Plans[1].Placements[0].Start)
	}

	// Nothing persisted.
	st := loadStage(t, gdb, "jb-0001-s1")
	if st.ScheduledStart != nil {
		t.Error("dry run wrote a stage schedule")
	}
	var count int64
	gdb.Model(&models.CapacityDay{}).Count(&count)
	if count != 0 {
		t.Errorf("dry run wrote %d ledger rows", count)
	}
}

func TestRun_OnlyIfUnsetIdempotent(t *testing.T) {
	gdb := openTestDB(t)
	seedJob(t, gdb, "jb-0001", approved0)
	addStage(t, gdb, models.StageInstance{
		ID: "jb-0001-s1", JobID: "jb-0001", ResourceID: "press-a",
		SequenceOrder: 1, EstimatedMinutes: 120,
	})

	e := New(gdb, weekdayCalendar(t))
	req := NewRequest(ModeSingle)
	req.JobIDs = []string{"jb-0001"}
	req.Now = monday

	if _, err := e.Run(req); err != nil {
		t.Fatal(err)
	}
	res, err := e.Run(req)
	if err != nil {
		t.Fatal(err)
	}
	if res.ScheduledCount != 0 || res.WroteSlots != 0 {
		t.Errorf("second run ScheduledCount = %d WroteSlots = %d, want 0 and 0", res.ScheduledCount, res.WroteSlots)
	}
	if got := committedMinutes(t, gdb, "press-a", "2026-08-31"); got != 120 {
		t.Errorf("ledger committed after rerun = %d, want 120 (not doubled)", got)
	}
}

func TestRun_RescheduleReleasesOldSlots(t *testing.T) {
	gdb := openTestDB(t)
	seedJob(t, gdb, "jb-0001", approved0)
	addStage(t, gdb, models.StageInstance{
		ID: "jb-0001-s1", JobID: "jb-0001", ResourceID: "press-a",
		SequenceOrder: 1, EstimatedMinutes: 120,
	})

	e := New(gdb, weekdayCalendar(t))
	req := NewRequest(ModeSingle)
	req.JobIDs = []string{"jb-0001"}
	req.Now = monday
	if _, err := e.Run(req); err != nil {
		t.Fatal(err)
	}

	// Force a re-place from Tuesday.
	req.OnlyIfUnset = false
	req.StartFrom = utc(2026, 9, 1, 6, 0)
	res, err := e.Run(req)
	if err != nil {
		t.Fatal(err)
	}
	if res.ScheduledCount != 1 {
		t.Fatalf("ScheduledCount = %d, want 1", res.ScheduledCount)
	}

	st := loadStage(t, gdb, "jb-0001-s1")
	if !st.ScheduledStart.Equal(utc(2026, 9, 1, 8, 0)) {
		t.Errorf("rescheduled start = %v, want Tue 08:00", st.ScheduledStart)
	}
	if got := committedMinutes(t, gdb, "press-a", "2026-08-31"); got != 0 {
		t.Errorf("Mon committed after reschedule = %d, want 0 (released)", got)
	}
	if got := committedMinutes(t, gdb, "press-a", "2026-09-01"); got != 120 {
		t.Errorf("Tue committed = %d, want 120", got)
	}
}

func TestRun_ConfirmedState(t *testing.T) {
	gdb := openTestDB(t)
	seedJob(t, gdb, "jb-0001", approved0)
	addStage(t, gdb, models.StageInstance{
		ID: "jb-0001-s1", JobID: "jb-0001", ResourceID: "press-a",
		SequenceOrder: 1, EstimatedMinutes: 60,
	})

	e := New(gdb, weekdayCalendar(t))
	req := NewRequest(ModeSingle)
	req.JobIDs = []string{"jb-0001"}
	req.AsProposed = false
	req.Now = monday

	if _, err := e.Run(req); err != nil {
		t.Fatal(err)
	}
	st := loadStage(t, gdb, "jb-0001-s1")
	if st.ScheduleState != models.ScheduleConfirmed {
		t.Errorf("ScheduleState = %s, want scheduled", st.ScheduleState)
	}
}

func TestRun_AuditRow(t *testing.T) {
	gdb := openTestDB(t)
	seedJob(t, gdb, "jb-0001", approved0)
	addStage(t, gdb, models.StageInstance{
		ID: "jb-0001-s1", JobID: "jb-0001", ResourceID: "press-a",
		SequenceOrder: 1, EstimatedMinutes: 60,
	})

	e := New(gdb, weekdayCalendar(t))
	req := NewRequest(ModeSingle)
	req.JobIDs = []string{"jb-0001"}
	req.Now = monday
	if _, err := e.Run(req); err != nil {
		t.Fatal(err)
	}

	var runs []models.ScheduleRun
	if err := gdb.Find(&runs).Error; err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 {
		t.Fatalf("len(runs) = %d, want 1", len(runs))
	}
	if runs[0].Mode != ModeSingle || !runs[0].Committed || runs[0].ScheduledCount != 1 {
		t.Errorf("audit row = %+v, want single committed run with 1 scheduled", runs[0])
	}
}

func TestRun_InvalidRequest(t *testing.T) {
	gdb := openTestDB(t)
	e := New(gdb, weekdayCalendar(t))

	if _, err := e.Run(NewRequest(ModeSingle)); err == nil {
		t.Error("single mode without job ids must error")
	}
	if _, err := e.Run(NewRequest("sideways")); err == nil {
		t.Error("unknown mode must error")
	}
}

// contendLedger simulates a concurrent run: before each guarded ledger
// update on press-a it moves the row's committed minutes out from under
// the session, up to `times` times (negative = every time).
func contendLedger(t *testing.T, gdb *gorm.DB, times int) {
	t.Helper()
	err := gdb.Callback().Update().Before("gorm:update").Register("ledger_contention", func(tx *gorm.DB) {
		if tx.Statement.Table != "capacity_days" || times == 0 {
			return
		}
		times--
		_, execErr := tx.Statement.ConnPool.ExecContext(tx.Statement.Context,
			"UPDATE capacity_days SET committed_minutes = committed_minutes + 60 WHERE resource_id = 'press-a' AND date = '2026-08-31'")
		if execErr != nil {
			t.Fatal(execErr)
		}
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestRun_CapacityConflictRetriesOnce(t *testing.T) {
	gdb := openTestDB(t)
	seedJob(t, gdb, "jb-0001", approved0)
	addStage(t, gdb, models.StageInstance{
		ID: "jb-0001-s1", JobID: "jb-0001", ResourceID: "press-a",
		Name: "Print", SequenceOrder: 1, EstimatedMinutes: 120,
	})
	day := models.CapacityDay{ResourceID: "press-a", Date: "2026-08-31", CapacityMinutes: 510}
	if err := gdb.Create(&day).Error; err != nil {
		t.Fatal(err)
	}
	contendLedger(t, gdb, 1)

	e := New(gdb, weekdayCalendar(t))
	req := NewRequest(ModeSingle)
	req.JobIDs = []string{"jb-0001"}
	req.Now = monday

	res, err := e.Run(req)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !res.OK {
		t.Fatalf("Run() not OK after single conflict: %s %s", res.ErrorCode, res.Err)
	}
	if res.ScheduledCount != 1 || res.WroteSlots != 1 {
		t.Errorf("ScheduledCount = %d, WroteSlots = %d, want 1, 1", res.ScheduledCount, res.WroteSlots)
	}

	st := loadStage(t, gdb, "jb-0001-s1")
	if st.ScheduledStart == nil || !st.ScheduledStart.Equal(utc(2026, 8, 31, 8, 0)) {
		t.Errorf("ScheduledStart = %v, want Mon 08:00", st.ScheduledStart)
	}
	// 60 concurrent minutes plus this run's 120.
	if got := committedMinutes(t, gdb, "press-a", "2026-08-31"); got != 180 {
		t.Errorf("committed = %d, want 180", got)
	}
}

func TestRun_CapacityConflictAbandonsAfterRetry(t *testing.T) {
	gdb := openTestDB(t)
	seedJob(t, gdb, "jb-0001", approved0)
	addStage(t, gdb, models.StageInstance{
		ID: "jb-0001-s1", JobID: "jb-0001", ResourceID: "press-a",
		Name: "Print", SequenceOrder: 1, EstimatedMinutes: 120,
	})
	addStage(t, gdb, models.StageInstance{
		ID: "jb-0001-s2", JobID: "jb-0001", ResourceID: "bind-1",
		Name: "Bind", SequenceOrder: 2, EstimatedMinutes: 60,
	})
	day := models.CapacityDay{ResourceID: "press-a", Date: "2026-08-31", CapacityMinutes: 510}
	if err := gdb.Create(&day).Error; err != nil {
		t.Fatal(err)
	}
	contendLedger(t, gdb, -1)

	e := New(gdb, weekdayCalendar(t))
	req := NewRequest(ModeSingle)
	req.JobIDs = []string{"jb-0001"}
	req.Now = monday

	res, err := e.Run(req)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.OK || res.ErrorCode != CodeConflict {
		t.Fatalf("OK = %v, ErrorCode = %s, want capacity conflict failure", res.OK, res.ErrorCode)
	}
	if len(res.Failures) != 1 {
		t.Fatalf("Failures = %+v, want 1 (downstream stage skipped silently)", res.Failures)
	}
	f := res.Failures[0]
	if f.StageID != "jb-0001-s1" || f.Code != CodeConflict {
		t.Errorf("failure = %+v, want conflict on jb-0001-s1", f)
	}

	if st := loadStage(t, gdb, "jb-0001-s2"); st.ScheduledStart != nil {
		t.Errorf("downstream stage scheduled at %v, want unscheduled", st.ScheduledStart)
	}
}
