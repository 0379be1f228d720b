// Package stages loads the per-job stage graph the scheduling engine
// consumes.
package stages

import (
	"fmt"

	"github.com/zulandar/pressline/internal/models"
	"gorm.io/gorm"
)

// JobStages is one job's orderable slice of the stage graph.
type JobStages struct {
	Job    models.Job
	Stages []models.StageInstance
}

// LoadEligible returns pending/active stages for approved jobs, grouped
// per job. Jobs are ordered oldest-approved-first (the FIFO fairness
// rule), stages by sequence order. jobIDs narrows the load for
// single-job runs; nil loads every eligible job. Split children are
// excluded: they are artifacts of earlier runs, not scheduling inputs.
func LoadEligible(db *gorm.DB, jobIDs []string) ([]JobStages, error) {
	q := db.Where("status IN ? AND approved_at IS NOT NULL", []string{models.JobApproved, models.JobInProduction}).
		Order("approved_at ASC, created_at ASC, id ASC")
	if len(jobIDs) > 0 {
		q = q.Where("id IN ?", jobIDs)
	}

	var jobs []models.Job
	if err := q.Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("stages: load jobs: %w", err)
	}
	if len(jobs) == 0 {
		return nil, nil
	}

	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}

	var instances []models.StageInstance
	err := db.Where("job_id IN ? AND status IN ? AND parent_split_id IS NULL",
		ids, []string{models.StagePending, models.StageActive}).
		Order("sequence_order ASC, id ASC").
		Find(&instances).Error
	if err != nil {
		return nil, fmt.Errorf("stages: load stage instances: %w", err)
	}

	byJob := make(map[string][]models.StageInstance, len(jobs))
	for _, st := range instances {
		byJob[st.JobID] = append(byJob[st.JobID], st)
	}

	var out []JobStages
	for _, j := range jobs {
		if sts := byJob[j.ID]; len(sts) > 0 {
			out = append(out, JobStages{Job: j, Stages: sts})
		}
	}
	return out, nil
}
