package scheduler

import (
	"fmt"
	"time"

	"github.com/zulandar/pressline/internal/calendar"
	"github.com/zulandar/pressline/internal/models"
	"gorm.io/gorm"
)

// applyStage persists one stage's plan inside the run transaction: the
// original instance becomes part 0 and each further placement becomes a
// split child row. Returns the number of slot rows written; dry runs
// write nothing.
func (r *run) applyStage(tx *gorm.DB, plan *StagePlan) (int, error) {
	if !r.req.Commit {
		return 0, nil
	}

	st := plan.Stage
	n := len(plan.Placements)
	state := models.ScheduleConfirmed
	if r.req.AsProposed {
		state = models.ScheduleProposed
	}

	first := plan.Placements[0]
	err := tx.Model(&models.StageInstance{}).
		Where("id = ?", st.ID).
		Updates(map[string]interface{}{
			"scheduled_start":   first.Start,
			"scheduled_end":     first.End,
			"scheduled_minutes": first.Minutes,
			"schedule_state":    state,
			"is_split":          n > 1,
			"part_index":        0,
			"total_parts":       n,
			"updated_at":        time.Now().UTC(),
		}).Error
	if err != nil {
		return 0, fmt.Errorf("scheduler: write schedule for stage %s: %w", st.ID, err)
	}

	wrote := 1
	for _, p := range plan.Placements[1:] {
		id, err := models.NewID("st")
		if err != nil {
			return wrote, err
		}
		start, end := p.Start, p.End
		child := models.StageInstance{
			ID:               id,
			JobID:            st.JobID,
			ResourceID:       st.ResourceID,
			Name:             st.Name,
			SequenceOrder:    st.SequenceOrder,
			EstimatedMinutes: st.EstimatedMinutes,
			Status:           st.Status,
			ScheduleState:    state,
			ScheduledStart:   &start,
			ScheduledEnd:     &end,
			ScheduledMinutes: p.Minutes,
			DependencyGroup:  st.DependencyGroup,
			IsSplit:          true,
			PartIndex:        p.PartIndex,
			TotalParts:       n,
			ParentSplitID:    &plan.Stage.ID,
		}
		if err := tx.Create(&child).Error; err != nil {
			return wrote, fmt.Errorf("scheduler: create split part %d of stage %s: %w", p.PartIndex, st.ID, err)
		}
		wrote++
	}
	return wrote, nil
}

// releaseExisting returns a previously scheduled stage's minutes to the
// capacity ledger before it is re-placed. Committing runs decrement the
// persisted ledger, drop old split children and clear the stage's
// schedule; dry runs only credit the session overlay, so the plan is
// computed against the capacity the reschedule would free up.
func (r *run) releaseExisting(tx *gorm.DB, st models.StageInstance) error {
	old := []models.StageInstance{st}
	if st.TotalParts > 1 {
		var children []models.StageInstance
		if err := r.dbh(tx).Where("parent_split_id = ?", st.ID).Find(&children).Error; err != nil {
			return fmt.Errorf("scheduler: load split parts of %s: %w", st.ID, err)
		}
		old = append(old, children...)
	}

	for _, part := range old {
		if part.ScheduledStart == nil || part.ScheduledMinutes <= 0 {
			continue
		}
		date := calendar.DateKey(*part.ScheduledStart)
		if r.req.Commit {
			if err := r.session.ReleaseCommitted(tx, part.ResourceID, date, part.ScheduledMinutes); err != nil {
				return err
			}
		} else if err := r.session.Credit(part.ResourceID, date, part.ScheduledMinutes); err != nil {
			return err
		}
	}

	if !r.req.Commit {
		return nil
	}

	if st.TotalParts > 1 {
		if err := tx.Where("parent_split_id = ?", st.ID).Delete(&models.StageInstance{}).Error; err != nil {
			return fmt.Errorf("scheduler: drop split parts of %s: %w", st.ID, err)
		}
	}
	err := tx.Model(&models.StageInstance{}).
		Where("id = ?", st.ID).
		Updates(map[string]interface{}{
			"scheduled_start":   nil,
			"scheduled_end":     nil,
			"scheduled_minutes": 0,
			"schedule_state":    models.ScheduleUnset,
			"is_split":          false,
			"part_index":        0,
			"total_parts":       1,
			"updated_at":        time.Now().UTC(),
		}).Error
	if err != nil {
		return fmt.Errorf("scheduler: clear schedule of stage %s: %w", st.ID, err)
	}
	return nil
}
