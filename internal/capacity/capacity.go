// Package capacity is the per-resource-per-day capacity ledger. The
// scheduling engine is its only writer; commits use an optimistic
// compare-and-commit guard so overlapping runs never silently overcommit
// a day.
package capacity

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zulandar/pressline/internal/models"
	"gorm.io/gorm"
)

// OverAllocationError reports an attempt to plan more minutes than the
// last availability quote for a (resource, date) pair.
type OverAllocationError struct {
	ResourceID string
	Date       string
	Requested  int
	Available  int
}

func (e *OverAllocationError) Error() string {
	return fmt.Sprintf("capacity: %s on %s: requested %d minutes, %d available",
		e.ResourceID, e.Date, e.Requested, e.Available)
}

// ConflictError reports that committed minutes changed between the
// engine's read and its commit, i.e. a concurrent run touched the day.
type ConflictError struct {
	ResourceID string
	Date       string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("capacity: %s on %s changed concurrently", e.ResourceID, e.Date)
}

// dayState caches one ledger day within a session.
type dayState struct {
	capacity  int
	committed int  // as read from the database (0 if the row is absent)
	planned   int  // minutes placed by this run, not yet committed
	existed   bool // row existed at read time
}

type dayKey struct {
	resourceID string
	date       string
}

// Session is one engine run's view of the ledger: database state plus an
// in-run overlay, so a dry run sees realistic contention without writing
// anything. Sessions are not safe for concurrent use; each run owns one.
type Session struct {
	db       *gorm.DB
	days     map[dayKey]*dayState
	capacity map[string]int // resource id -> daily capacity
}

// NewSession opens a ledger session against db.
func NewSession(db *gorm.DB) *Session {
	return &Session{
		db:       db,
		days:     make(map[dayKey]*dayState),
		capacity: make(map[string]int),
	}
}

// Available returns the uncommitted minutes for resourceID on date
// (a "2006-01-02" UTC day key), lazily initializing the day at the
// resource's full daily capacity when no ledger row exists yet.
func (s *Session) Available(resourceID, date string) (int, error) {
	st, err := s.load(resourceID, date)
	if err != nil {
		return 0, err
	}
	avail := st.capacity - st.committed - st.planned
	if avail < 0 {
		return 0, nil
	}
	return avail, nil
}

// Plan records an allocation in the session overlay. It fails with
// OverAllocationError when minutes exceed the current quote; the caller
// must re-check Available before planning.
func (s *Session) Plan(resourceID, date string, minutes int) error {
	if minutes <= 0 {
		return fmt.Errorf("capacity: plan %d minutes for %s on %s: minutes must be positive", minutes, resourceID, date)
	}
	st, err := s.load(resourceID, date)
	if err != nil {
		return err
	}
	avail := st.capacity - st.committed - st.planned
	if minutes > avail {
		return &OverAllocationError{ResourceID: resourceID, Date: date, Requested: minutes, Available: avail}
	}
	st.planned += minutes
	return nil
}

// Release returns previously planned minutes to the session overlay,
// used when a stage's allocation is abandoned mid-split.
func (s *Session) Release(resourceID, date string, minutes int) {
	if st, ok := s.days[dayKey{resourceID, date}]; ok {
		st.planned -= minutes
		if st.planned < 0 {
			st.planned = 0
		}
	}
}

// Commit persists planned minutes for one day through tx with an
// optimistic guard: the update only applies if committed_minutes still
// matches the value this session read. A concurrent change surfaces as
// ConflictError and leaves the overlay planned, so the caller can Reload
// and retry the allocation.
func (s *Session) Commit(tx *gorm.DB, resourceID, date string, minutes int) error {
	st, ok := s.days[dayKey{resourceID, date}]
	if !ok || st.planned < minutes {
		return fmt.Errorf("capacity: commit %d minutes for %s on %s exceeds planned overlay", minutes, resourceID, date)
	}

	if st.existed {
		result := tx.Model(&models.CapacityDay{}).
			Where("resource_id = ? AND date = ? AND committed_minutes = ?", resourceID, date, st.committed).
			Updates(map[string]interface{}{
				"committed_minutes": st.committed + minutes,
				"updated_at":        time.Now().UTC(),
			})
		if result.Error != nil {
			return fmt.Errorf("capacity: commit %s on %s: %w", resourceID, date, result.Error)
		}
		if result.RowsAffected == 0 {
			return &ConflictError{ResourceID: resourceID, Date: date}
		}
	} else {
		row := models.CapacityDay{
			ResourceID:       resourceID,
			Date:             date,
			CapacityMinutes:  st.capacity,
			CommittedMinutes: minutes,
		}
		if err := tx.Create(&row).Error; err != nil {
			if isDuplicateKey(err) {
				return &ConflictError{ResourceID: resourceID, Date: date}
			}
			return fmt.Errorf("capacity: create ledger row %s on %s: %w", resourceID, date, err)
		}
		st.existed = true
	}

	st.committed += minutes
	st.planned -= minutes
	return nil
}

// Uncommit reverses a commit made earlier in this same session, used
// when a stage is abandoned after some of its parts were already
// persisted.
func (s *Session) Uncommit(tx *gorm.DB, resourceID, date string, minutes int) error {
	st, ok := s.days[dayKey{resourceID, date}]
	if !ok || st.committed < minutes {
		return fmt.Errorf("capacity: uncommit %d minutes for %s on %s exceeds committed", minutes, resourceID, date)
	}
	result := tx.Model(&models.CapacityDay{}).
		Where("resource_id = ? AND date = ? AND committed_minutes = ?", resourceID, date, st.committed).
		Updates(map[string]interface{}{
			"committed_minutes": st.committed - minutes,
			"updated_at":        time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("capacity: uncommit %s on %s: %w", resourceID, date, result.Error)
	}
	if result.RowsAffected == 0 {
		return &ConflictError{ResourceID: resourceID, Date: date}
	}
	st.committed -= minutes
	return nil
}

// Credit raises the session's availability for one day without touching
// the database, used by dry runs that re-place an already-scheduled
// stage and must pretend its old minutes were returned.
func (s *Session) Credit(resourceID, date string, minutes int) error {
	st, err := s.load(resourceID, date)
	if err != nil {
		return err
	}
	st.committed -= minutes
	if st.committed < 0 {
		st.committed = 0
	}
	return nil
}

// ReleaseCommitted subtracts minutes from the persisted ledger, used
// when a committed schedule is being replaced. The cached day is dropped
// so the next read sees the decremented value. Days with no ledger row
// are a no-op.
func (s *Session) ReleaseCommitted(tx *gorm.DB, resourceID, date string, minutes int) error {
	var row models.CapacityDay
	err := tx.First(&row, "resource_id = ? AND date = ?", resourceID, date).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("capacity: read ledger %s on %s: %w", resourceID, date, err)
	}

	next := row.CommittedMinutes - minutes
	if next < 0 {
		next = 0
	}
	result := tx.Model(&models.CapacityDay{}).
		Where("resource_id = ? AND date = ? AND committed_minutes = ?", resourceID, date, row.CommittedMinutes).
		Updates(map[string]interface{}{
			"committed_minutes": next,
			"updated_at":        time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("capacity: release %s on %s: %w", resourceID, date, result.Error)
	}
	if result.RowsAffected == 0 {
		return &ConflictError{ResourceID: resourceID, Date: date}
	}
	delete(s.days, dayKey{resourceID, date})
	return nil
}

// Reload drops the cached state for one day so the next Available call
// reads fresh database state. Used on the conflict-retry path.
func (s *Session) Reload(resourceID, date string) {
	delete(s.days, dayKey{resourceID, date})
}

// load fetches (or initializes) the cached state for one day.
func (s *Session) load(resourceID, date string) (*dayState, error) {
	key := dayKey{resourceID, date}
	if st, ok := s.days[key]; ok {
		return st, nil
	}

	var row models.CapacityDay
	err := s.db.First(&row, "resource_id = ? AND date = ?", resourceID, date).Error
	switch {
	case err == nil:
		st := &dayState{capacity: row.CapacityMinutes, committed: row.CommittedMinutes, existed: true}
		s.days[key] = st
		return st, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		cap, err := s.dailyCapacity(resourceID)
		if err != nil {
			return nil, err
		}
		st := &dayState{capacity: cap}
		s.days[key] = st
		return st, nil
	default:
		return nil, fmt.Errorf("capacity: read ledger %s on %s: %w", resourceID, date, err)
	}
}

// dailyCapacity returns the resource's configured daily capacity.
func (s *Session) dailyCapacity(resourceID string) (int, error) {
	if cap, ok := s.capacity[resourceID]; ok {
		return cap, nil
	}
	var r models.Resource
	if err := s.db.First(&r, "id = ?", resourceID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, fmt.Errorf("capacity: unknown resource %q", resourceID)
		}
		return 0, fmt.Errorf("capacity: read resource %q: %w", resourceID, err)
	}
	s.capacity[resourceID] = r.DailyCapacityMinutes
	return r.DailyCapacityMinutes, nil
}

// ResetFrom zeroes committed minutes for resourceID ("" = all resources)
// from the given day key forward. This is a maintenance operation for
// recovering from bad scheduling runs, never called by the engine.
func ResetFrom(db *gorm.DB, resourceID, fromDate string) (int64, error) {
	q := db.Model(&models.CapacityDay{}).Where("date >= ?", fromDate)
	if resourceID != "" {
		q = q.Where("resource_id = ?", resourceID)
	}
	result := q.Update("committed_minutes", 0)
	if result.Error != nil {
		return 0, fmt.Errorf("capacity: reset from %s: %w", fromDate, result.Error)
	}
	return result.RowsAffected, nil
}

// isDuplicateKey reports whether err is a primary-key collision. GORM
// normalizes most drivers to ErrDuplicatedKey; SQLite surfaces a
// constraint message instead.
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "Duplicate entry")
}
