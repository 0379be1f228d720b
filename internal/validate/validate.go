// Package validate inspects persisted schedules for consistency. It is
// advisory: operators can hand-edit schedules, and the engine never
// refuses to run because of an existing violation.
package validate

import (
	"fmt"
	"sort"
	"time"

	"github.com/zulandar/pressline/internal/models"
	"gorm.io/gorm"
)

// Violation kinds.
const (
	KindPrecedence = "precedence"
	KindOverlap    = "resource_overlap"
)

// Violation is one detected schedule inconsistency.
type Violation struct {
	Kind       string `json:"kind"`
	JobID      string `json:"jobId,omitempty"`
	StageID    string `json:"stageId"`
	StageName  string `json:"stageName,omitempty"`
	OtherID    string `json:"otherId,omitempty"`
	OtherName  string `json:"otherName,omitempty"`
	ResourceID string `json:"resourceId,omitempty"`
	Detail     string `json:"detail"`
}

// Run checks every scheduled stage instance and reports violations of
// the precedence rule (a stage starting before a lower-sequence stage
// of its job has ended) and of resource exclusivity (two placements
// overlapping on one resource). An empty slice means a clean schedule.
func Run(db *gorm.DB) ([]Violation, error) {
	var instances []models.StageInstance
	err := db.Where("scheduled_start IS NOT NULL AND scheduled_end IS NOT NULL").
		Order("job_id ASC, sequence_order ASC, part_index ASC, id ASC").
		Find(&instances).Error
	if err != nil {
		return nil, fmt.Errorf("validate: load scheduled stages: %w", err)
	}

	violations := checkPrecedence(instances)
	violations = append(violations, checkOverlaps(instances)...)
	if violations == nil {
		violations = []Violation{}
	}
	return violations, nil
}

// logicalEnds folds split parts into their original instance and returns
// the latest end per original stage id.
func logicalEnds(instances []models.StageInstance) map[string]time.Time {
	ends := make(map[string]time.Time)
	for _, st := range instances {
		id := st.ID
		if st.ParentSplitID != nil {
			id = *st.ParentSplitID
		}
		if cur, ok := ends[id]; !ok || st.ScheduledEnd.After(cur) {
			ends[id] = *st.ScheduledEnd
		}
	}
	return ends
}

// checkPrecedence flags stages that start before every lower-sequence
// stage of their job has finished.
func checkPrecedence(instances []models.StageInstance) []Violation {
	ends := logicalEnds(instances)

	byJob := make(map[string][]models.StageInstance)
	for _, st := range instances {
		if st.ParentSplitID != nil {
			continue // parts inherit their original's position
		}
		byJob[st.JobID] = append(byJob[st.JobID], st)
	}

	var out []Violation
	for _, sts := range byJob {
		for _, st := range sts {
			for _, prev := range sts {
				if prev.SequenceOrder >= st.SequenceOrder {
					continue
				}
				prevEnd, ok := ends[prev.ID]
				if !ok || !st.ScheduledStart.Before(prevEnd) {
					continue
				}
				out = append(out, Violation{
					Kind:      KindPrecedence,
					JobID:     st.JobID,
					StageID:   st.ID,
					StageName: st.Name,
					OtherID:   prev.ID,
					OtherName: prev.Name,
					Detail: fmt.Sprintf("stage %s starts %s before stage %s ends %s",
						st.ID, st.ScheduledStart.Format("2006-01-02 15:04"),
						prev.ID, prevEnd.Format("2006-01-02 15:04")),
				})
			}
		}
	}
	return out
}

// checkOverlaps flags pairs of placements that intersect on the same
// resource. Intervals are half-open, so touching placements are fine.
func checkOverlaps(instances []models.StageInstance) []Violation {
	byResource := make(map[string][]models.StageInstance)
	for _, st := range instances {
		byResource[st.ResourceID] = append(byResource[st.ResourceID], st)
	}

	var out []Violation
	for resourceID, sts := range byResource {
		sort.Slice(sts, func(i, j int) bool {
			if !sts[i].ScheduledStart.Equal(*sts[j].ScheduledStart) {
				return sts[i].ScheduledStart.Before(*sts[j].ScheduledStart)
			}
			return sts[i].ID < sts[j].ID
		})
		// Sweep against the placement with the latest end seen so far, not
		// just the previous one: a long placement spanning several shorter
		// ones overlaps each of them.
		open := sts[0]
		for i := 1; i < len(sts); i++ {
			cur := sts[i]
			if cur.ScheduledStart.Before(*open.ScheduledEnd) {
				out = append(out, Violation{
					Kind:       KindOverlap,
					JobID:      cur.JobID,
					StageID:    cur.ID,
					StageName:  cur.Name,
					OtherID:    open.ID,
					OtherName:  open.Name,
					ResourceID: resourceID,
					Detail: fmt.Sprintf("stages %s and %s overlap on %s at %s",
						open.ID, cur.ID, resourceID, cur.ScheduledStart.Format("2006-01-02 15:04")),
				})
			}
			if cur.ScheduledEnd.After(*open.ScheduledEnd) {
				open = cur
			}
		}
	}
	return out
}
