// Package job manages the production-job lifecycle: creation from a
// workflow template, approval, and the operator-driven status
// transitions on jobs and their stages.
package job

import (
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/pressline/internal/config"
	"github.com/zulandar/pressline/internal/models"
	"gorm.io/gorm"
)

// ValidTransitions maps each job status to the statuses it may move to.
var ValidTransitions = map[string][]string{
	models.JobDraft:        {models.JobApproved, models.JobCancelled},
	models.JobApproved:     {models.JobInProduction, models.JobCancelled},
	models.JobInProduction: {models.JobCompleted, models.JobCancelled},
}

// CreateOpts are the inputs for a new job.
type CreateOpts struct {
	Title       string
	Customer    string
	Description string
	Workflow    string // workflow template name from the configuration
}

// Create creates a draft job with its stage instances stamped out from
// the named workflow template.
func Create(db *gorm.DB, cfg *config.Config, opts CreateOpts) (*models.Job, error) {
	if opts.Title == "" {
		return nil, fmt.Errorf("job: title is required")
	}
	wf := cfg.Workflow(opts.Workflow)
	if wf == nil {
		return nil, fmt.Errorf("job: unknown workflow %q", opts.Workflow)
	}

	id, err := generateUniqueID(db)
	if err != nil {
		return nil, err
	}

	j := models.Job{
		ID:          id,
		Title:       opts.Title,
		Customer:    opts.Customer,
		Description: opts.Description,
		Status:      models.JobDraft,
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&j).Error; err != nil {
			return fmt.Errorf("job: create: %w", err)
		}
		for i, ws := range wf.Stages {
			seq := ws.Sequence
			if seq == 0 {
				seq = i + 1
			}
			stageID, err := models.NewID("st")
			if err != nil {
				return err
			}
			st := models.StageInstance{
				ID:               stageID,
				JobID:            j.ID,
				ResourceID:       ws.Resource,
				Name:             ws.Name,
				SequenceOrder:    seq,
				EstimatedMinutes: ws.Minutes,
				Status:           models.StagePending,
				ScheduleState:    models.ScheduleUnset,
				DependencyGroup:  ws.Group,
				TotalParts:       1,
			}
			if err := tx.Create(&st).Error; err != nil {
				return fmt.Errorf("job: create stage %q: %w", ws.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return Get(db, j.ID)
}

// Approve moves a draft job to approved and stamps the approval time,
// which fixes the job's position in the scheduling queue.
func Approve(db *gorm.DB, id string) (*models.Job, error) {
	j, err := Get(db, id)
	if err != nil {
		return nil, err
	}
	if j.Status != models.JobDraft {
		return nil, fmt.Errorf("job: %s is %q, only draft jobs can be approved", id, j.Status)
	}

	now := time.Now().UTC()
	err = db.Model(&models.Job{}).Where("id = ?", id).
		Updates(map[string]interface{}{"status": models.JobApproved, "approved_at": now}).Error
	if err != nil {
		return nil, fmt.Errorf("job: approve %s: %w", id, err)
	}
	return Get(db, id)
}

// Get retrieves a job by ID with its stage instances.
func Get(db *gorm.DB, id string) (*models.Job, error) {
	var j models.Job
	err := db.Preload("Stages", func(db *gorm.DB) *gorm.DB {
		return db.Order("sequence_order ASC, part_index ASC, id ASC")
	}).Where("id = ?", id).First(&j).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("job: not found: %s", id)
		}
		return nil, fmt.Errorf("job: get %s: %w", id, err)
	}
	return &j, nil
}

// ListFilters narrow a job listing.
type ListFilters struct {
	Status   string
	Customer string
}

// List returns jobs matching the filters, oldest first.
func List(db *gorm.DB, filters ListFilters) ([]models.Job, error) {
	q := db.Model(&models.Job{})
	if filters.Status != "" {
		q = q.Where("status = ?", filters.Status)
	}
	if filters.Customer != "" {
		q = q.Where("customer = ?", filters.Customer)
	}

	var jobs []models.Job
	if err := q.Order("created_at ASC, id ASC").Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("job: list: %w", err)
	}
	return jobs, nil
}

// UpdateStatus moves a job along its lifecycle, validating the
// transition. Completing a job stamps CompletedAt.
func UpdateStatus(db *gorm.DB, id, status string) error {
	j, err := Get(db, id)
	if err != nil {
		return err
	}
	if !isValidTransition(j.Status, status) {
		return fmt.Errorf("job: invalid status transition from %q to %q; valid transitions: %v",
			j.Status, status, ValidTransitions[j.Status])
	}

	updates := map[string]interface{}{"status": status}
	if status == models.JobCompleted {
		updates["completed_at"] = time.Now().UTC()
	}
	if err := db.Model(&models.Job{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return fmt.Errorf("job: update %s: %w", id, err)
	}
	return nil
}

// CompleteStage marks one stage instance completed. The first completed
// stage moves an approved job into production; completing the last
// pending work completes the job.
func CompleteStage(db *gorm.DB, stageID string) error {
	var st models.StageInstance
	if err := db.Where("id = ?", stageID).First(&st).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("job: stage not found: %s", stageID)
		}
		return fmt.Errorf("job: get stage %s: %w", stageID, err)
	}
	if st.Status == models.StageCompleted {
		return fmt.Errorf("job: stage %s is already completed", stageID)
	}

	return db.Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&models.StageInstance{}).
			Where("id = ? OR parent_split_id = ?", stageID, stageID).
			Update("status", models.StageCompleted).Error
		if err != nil {
			return fmt.Errorf("job: complete stage %s: %w", stageID, err)
		}

		var j models.Job
		if err := tx.Where("id = ?", st.JobID).First(&j).Error; err != nil {
			return fmt.Errorf("job: get %s: %w", st.JobID, err)
		}

		var open int64
		err = tx.Model(&models.StageInstance{}).
			Where("job_id = ? AND status <> ?", st.JobID, models.StageCompleted).
			Count(&open).Error
		if err != nil {
			return fmt.Errorf("job: count open stages of %s: %w", st.JobID, err)
		}

		switch {
		case open == 0 && j.Status != models.JobCompleted:
			return tx.Model(&models.Job{}).Where("id = ?", st.JobID).
				Updates(map[string]interface{}{
					"status":       models.JobCompleted,
					"completed_at": time.Now().UTC(),
				}).Error
		case j.Status == models.JobApproved:
			return tx.Model(&models.Job{}).Where("id = ?", st.JobID).
				Update("status", models.JobInProduction).Error
		}
		return nil
	})
}

// isValidTransition checks whether a status transition is allowed.
func isValidTransition(from, to string) bool {
	for _, t := range ValidTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// generateUniqueID returns a fresh job ID, retrying on the rare
// collision.
func generateUniqueID(db *gorm.DB) (string, error) {
	for i := 0; i < 10; i++ {
		id, err := models.NewID("jb")
		if err != nil {
			return "", err
		}
		var count int64
		if err := db.Model(&models.Job{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return "", fmt.Errorf("job: check ID uniqueness: %w", err)
		}
		if count == 0 {
			return id, nil
		}
	}
	return "", fmt.Errorf("job: could not generate unique ID after 10 attempts")
}
