// Package scheduler is the job-stage scheduling engine. It walks each
// job's stage sequence in precedence order and greedily allocates time
// on each stage's resource, splitting across working days as capacity
// and the calendar allow. Jobs are placed strictly oldest-approved-first.
package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/zulandar/pressline/internal/calendar"
	"github.com/zulandar/pressline/internal/capacity"
	"github.com/zulandar/pressline/internal/models"
	"github.com/zulandar/pressline/internal/stages"
	"gorm.io/gorm"
)

// Engine runs scheduling passes against one database and calendar.
type Engine struct {
	db  *gorm.DB
	cal *calendar.Calendar
}

// New creates a scheduling engine.
func New(db *gorm.DB, cal *calendar.Calendar) *Engine {
	if db == nil {
		panic("scheduler: db is required")
	}
	if cal == nil {
		panic("scheduler: calendar is required")
	}
	return &Engine{db: db, cal: cal}
}

// Run executes one scheduling pass. Committing runs do all their writes
// in a single transaction; a dry run leaves schedules and the capacity
// ledger untouched and only plans against an overlay. Per-job failures
// are reported in the result and never abort the batch; the returned
// error is reserved for infrastructure problems (broken database, bad
// request shape).
func (e *Engine) Run(req Request) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	var jobIDs []string
	if req.Mode == ModeSingle {
		jobIDs = req.JobIDs
	}
	jobs, err := stages.LoadEligible(e.db, jobIDs)
	if err != nil {
		return nil, err
	}

	res := &Result{OK: true}
	r := &run{e: e, req: req, res: res, now: req.clock()}

	if req.Commit {
		err = e.db.Transaction(func(tx *gorm.DB) error {
			r.session = capacity.NewSession(tx)
			return r.execute(tx, jobs)
		})
	} else {
		r.session = capacity.NewSession(e.db)
		err = r.execute(nil, jobs)
	}
	if err != nil {
		return nil, err
	}

	r.finalize()
	e.recordRun(req, res)
	return res, nil
}

// recordRun appends a ScheduleRun audit row. Best effort: a failed audit
// write never fails the run that already happened.
func (e *Engine) recordRun(req Request, res *Result) {
	ids, _ := json.Marshal(req.JobIDs)
	row := models.ScheduleRun{
		Mode:           req.Mode,
		JobIDs:         string(ids),
		Committed:      req.Commit,
		AsProposed:     req.AsProposed,
		OnlyIfUnset:    req.OnlyIfUnset,
		ScheduledCount: res.ScheduledCount,
		WroteSlots:     res.WroteSlots,
		Error:          res.Err,
	}
	_ = e.db.Create(&row).Error
}

// run carries the state of one engine invocation.
type run struct {
	e       *Engine
	req     Request
	res     *Result
	session *capacity.Session
	now     time.Time
}

// dbh returns the handle reads should go through: the run transaction
// when committing, the bare connection otherwise.
func (r *run) dbh(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.e.db
}

// execute processes every eligible job in FIFO order.
func (r *run) execute(tx *gorm.DB, jobs []stages.JobStages) error {
	for _, js := range jobs {
		if err := r.scheduleJob(tx, js); err != nil {
			return err
		}
	}
	return nil
}

// finalize maps per-job failures onto the result envelope. In single
// mode a failure of the run's primary target makes the whole response
// an error; a full reschedule stays ok with per-job detail.
func (r *run) finalize() {
	if r.req.Mode != ModeSingle || len(r.res.Failures) == 0 {
		return
	}
	targets := make(map[string]bool, len(r.req.JobIDs))
	for _, id := range r.req.JobIDs {
		targets[id] = true
	}
	for _, f := range r.res.Failures {
		if targets[f.JobID] {
			r.res.OK = false
			r.res.ErrorCode = f.Code
			r.res.Err = f.Detail
			return
		}
	}
}

// jobState tracks precedence anchors while one job is scheduled.
type jobState struct {
	resolved  map[string]bool              // stage id -> logical end known
	seqEnds   map[int]time.Time            // sequence -> max logical end
	groupEnds map[string]map[int]time.Time // group -> sequence -> max end
	members   map[string][]models.StageInstance
	failedSeq int // lowest failed sequence; stages after it are skipped
}

// scheduleJob places all schedulable stages of one job. Stages that
// cannot resolve their dependency group on the first pass are retried
// once after the rest of the job settles.
func (r *run) scheduleJob(tx *gorm.DB, js stages.JobStages) error {
	state := &jobState{
		resolved:  make(map[string]bool),
		seqEnds:   make(map[int]time.Time),
		groupEnds: make(map[string]map[int]time.Time),
		members:   make(map[string][]models.StageInstance),
		failedSeq: math.MaxInt,
	}
	for _, st := range js.Stages {
		if st.DependencyGroup != "" {
			state.members[st.DependencyGroup] = append(state.members[st.DependencyGroup], st)
		}
	}

	pending := js.Stages
	for pass := 0; pass < 2 && len(pending) > 0; pass++ {
		var deferred []models.StageInstance
		for _, st := range pending {
			wasDeferred, err := r.scheduleStage(tx, js, st, state)
			if err != nil {
				return err
			}
			if wasDeferred {
				deferred = append(deferred, st)
			}
		}
		pending = deferred
	}

	for _, st := range pending {
		r.fail(js.Job.ID, st.ID, CodeConfig,
			fmt.Sprintf("dependency group %q never resolved for stage %s", st.DependencyGroup, st.ID))
	}
	return nil
}

// scheduleStage plans (and in commit mode persists) one stage. It
// returns wasDeferred=true when the stage must wait for unresolved
// lower-sequence members of its dependency group.
func (r *run) scheduleStage(tx *gorm.DB, js stages.JobStages, st models.StageInstance, state *jobState) (bool, error) {
	if st.SequenceOrder > state.failedSeq {
		return false, nil // downstream of a failed stage; precedence must hold
	}

	// Already scheduled: under only-if-unset it anchors but is not touched.
	if st.ScheduledStart != nil && r.req.OnlyIfUnset {
		end, err := r.logicalEnd(tx, st)
		if err != nil {
			return false, err
		}
		state.note(st, end)
		return false, nil
	}

	earliest := r.now
	if !r.req.StartFrom.IsZero() && r.req.StartFrom.After(earliest) {
		earliest = r.req.StartFrom.UTC().Truncate(time.Minute)
	}
	if prev, ok := state.maxEndBelow(st.SequenceOrder); ok && prev.After(earliest) {
		earliest = prev
	}

	if st.DependencyGroup != "" {
		for _, m := range state.members[st.DependencyGroup] {
			if m.ID == st.ID || m.SequenceOrder >= st.SequenceOrder {
				continue
			}
			if !state.resolved[m.ID] {
				return true, nil
			}
		}
		if bound, ok := state.groupEndBelow(st.DependencyGroup, st.SequenceOrder); ok && bound.After(earliest) {
			earliest = bound
		}
	}

	// Rescheduling an already-placed stage returns its old minutes to
	// the ledger first.
	if st.ScheduledStart != nil && !r.req.OnlyIfUnset {
		if err := r.releaseExisting(tx, st); err != nil {
			return false, err
		}
	}

	plan, failure, err := r.allocate(tx, st, earliest)
	if err != nil {
		return false, err
	}
	if failure != nil {
		r.fail(js.Job.ID, st.ID, failure.Code, failure.Detail)
		if st.SequenceOrder < state.failedSeq {
			state.failedSeq = st.SequenceOrder
		}
		return false, nil
	}

	wrote, err := r.applyStage(tx, plan)
	if err != nil {
		return false, err
	}
	r.res.Plans = append(r.res.Plans, *plan)
	r.res.ScheduledCount++
	r.res.WroteSlots += wrote
	state.note(st, plan.End())
	return false, nil
}

// note records a stage's logical end into the precedence anchors.
func (s *jobState) note(st models.StageInstance, end time.Time) {
	s.resolved[st.ID] = true
	if cur, ok := s.seqEnds[st.SequenceOrder]; !ok || end.After(cur) {
		s.seqEnds[st.SequenceOrder] = end
	}
	if st.DependencyGroup != "" {
		bySeq := s.groupEnds[st.DependencyGroup]
		if bySeq == nil {
			bySeq = make(map[int]time.Time)
			s.groupEnds[st.DependencyGroup] = bySeq
		}
		if cur, ok := bySeq[st.SequenceOrder]; !ok || end.After(cur) {
			bySeq[st.SequenceOrder] = end
		}
	}
}

// maxEndBelow returns the latest logical end among stages with a lower
// sequence position.
func (s *jobState) maxEndBelow(seq int) (time.Time, bool) {
	var max time.Time
	found := false
	for sq, end := range s.seqEnds {
		if sq < seq && (!found || end.After(max)) {
			max = end
			found = true
		}
	}
	return max, found
}

// groupEndBelow returns the latest end among lower-sequence members of
// a dependency group: the merge rule's lower bound.
func (s *jobState) groupEndBelow(group string, seq int) (time.Time, bool) {
	var max time.Time
	found := false
	for sq, end := range s.groupEnds[group] {
		if sq < seq && (!found || end.After(max)) {
			max = end
			found = true
		}
	}
	return max, found
}

// logicalEnd resolves a previously scheduled stage's true end: the
// latest scheduled end across the instance and its split children.
func (r *run) logicalEnd(tx *gorm.DB, st models.StageInstance) (time.Time, error) {
	end := *st.ScheduledEnd
	if st.TotalParts <= 1 {
		return end, nil
	}
	var children []models.StageInstance
	if err := r.dbh(tx).Where("parent_split_id = ?", st.ID).Find(&children).Error; err != nil {
		return time.Time{}, fmt.Errorf("scheduler: load split parts of %s: %w", st.ID, err)
	}
	for _, c := range children {
		if c.ScheduledEnd != nil && c.ScheduledEnd.After(end) {
			end = *c.ScheduledEnd
		}
	}
	return end, nil
}

// fail records a per-stage failure.
func (r *run) fail(jobID, stageID, code, detail string) {
	r.res.Failures = append(r.res.Failures, Failure{
		JobID:   jobID,
		StageID: stageID,
		Code:    code,
		Detail:  detail,
	})
}

// allocate places one stage's estimated minutes on its resource,
// splitting across days when a day's capacity or window runs out. The
// returned failure is a per-stage outcome; error means infrastructure.
func (r *run) allocate(tx *gorm.DB, st models.StageInstance, earliest time.Time) (*StagePlan, *Failure, error) {
	if st.EstimatedMinutes <= 0 {
		return nil, &Failure{Code: CodeConfig,
			Detail: fmt.Sprintf("stage %s has non-positive duration %d", st.ID, st.EstimatedMinutes)}, nil
	}

	cursor, err := r.e.cal.NextWorkingInstant(earliest)
	if err != nil {
		return nil, r.boundaryFailure(st, err), nil
	}

	var placements []Placement
	remaining := st.EstimatedMinutes
	daysAdvanced := 0
	retried := false

	for remaining > 0 {
		segMin := r.e.cal.MinutesUntilSegmentEnd(cursor)
		if segMin == 0 {
			cursor, err = r.e.cal.NextWorkingInstant(cursor)
			if err != nil {
				return nil, r.abandon(tx, st, placements, err), nil
			}
			continue
		}

		date := calendar.DateKey(cursor)
		avail, err := r.session.Available(st.ResourceID, date)
		if err != nil {
			r.rollback(tx, st.ResourceID, placements)
			return nil, nil, err
		}

		chunk := remaining
		if avail < chunk {
			chunk = avail
		}
		if segMin < chunk {
			chunk = segMin
		}
		if chunk <= 0 {
			// The day's ledger is exhausted; try the next working day.
			daysAdvanced++
			if daysAdvanced > r.e.cal.HorizonDays() {
				return nil, r.abandon(tx, st, placements,
					&calendar.HorizonExceededError{HorizonDays: r.e.cal.HorizonDays()}), nil
			}
			cursor, err = r.e.cal.NextWorkingInstant(startOfNextDay(cursor))
			if err != nil {
				return nil, r.abandon(tx, st, placements, err), nil
			}
			continue
		}

		end := cursor.Add(time.Duration(chunk) * time.Minute)
		if err := r.e.cal.EnsureOutsideBreak(cursor, end); err != nil {
			return nil, r.abandon(tx, st, placements, err), nil
		}
		if err := r.session.Plan(st.ResourceID, date, chunk); err != nil {
			return nil, r.abandon(tx, st, placements, err), nil
		}

		if r.req.Commit {
			if err := r.session.Commit(tx, st.ResourceID, date, chunk); err != nil {
				var conflict *capacity.ConflictError
				if !errors.As(err, &conflict) {
					r.rollback(tx, st.ResourceID, placements)
					return nil, nil, err
				}
				// A concurrent run moved the ledger: retry this stage's
				// allocation once against fresh capacity.
				r.session.Release(st.ResourceID, date, chunk)
				r.session.Reload(st.ResourceID, date)
				if retried {
					return nil, r.abandon(tx, st, placements, err), nil
				}
				retried = true
				continue
			}
		}

		placements = append(placements, Placement{
			Start:     cursor,
			End:       end,
			Date:      date,
			Minutes:   chunk,
			PartIndex: len(placements),
		})
		remaining -= chunk
		cursor = end
	}

	return &StagePlan{Stage: st, Placements: placements}, nil, nil
}

// abandon rolls back a partially allocated stage and converts err into
// its per-stage failure.
func (r *run) abandon(tx *gorm.DB, st models.StageInstance, placements []Placement, err error) *Failure {
	r.rollback(tx, st.ResourceID, placements)
	return r.boundaryFailure(st, err)
}

// rollback returns a failed stage's placements to the ledger.
func (r *run) rollback(tx *gorm.DB, resourceID string, placements []Placement) {
	for _, p := range placements {
		if r.req.Commit {
			_ = r.session.Uncommit(tx, resourceID, p.Date, p.Minutes)
		} else {
			r.session.Release(resourceID, p.Date, p.Minutes)
		}
	}
}

// boundaryFailure maps a calendar or capacity error to its error code.
func (r *run) boundaryFailure(st models.StageInstance, err error) *Failure {
	f := &Failure{StageID: st.ID, Detail: err.Error()}
	var (
		breakErr    *calendar.BreakOverlapError
		horizonErr  *calendar.HorizonExceededError
		overErr     *capacity.OverAllocationError
		conflictErr *capacity.ConflictError
	)
	switch {
	case errors.As(err, &breakErr):
		f.Code = CodeBreakOverlap
	case errors.As(err, &horizonErr):
		f.Code = CodeHorizon
	case errors.As(err, &overErr):
		f.Code = CodeOverAllocation
	case errors.As(err, &conflictErr):
		f.Code = CodeConflict
	default:
		f.Code = CodeConfig
	}
	return f
}

// startOfNextDay returns 00:00 UTC on the day after t.
func startOfNextDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}
