package scheduler

import (
	"fmt"
	"time"

	"github.com/zulandar/pressline/internal/models"
)

// Run modes.
const (
	ModeSingle = "single"
	ModeFull   = "full"
)

// Error codes surfaced to callers.
const (
	CodeBreakOverlap   = "LUNCH_BREAK_OVERLAP"
	CodeOverAllocation = "OVER_ALLOCATION"
	CodeHorizon        = "HORIZON_EXCEEDED"
	CodeConfig         = "CONFIG_ERROR"
	CodeConflict       = "CAPACITY_CONFLICT"
)

// Request is the ephemeral input to one engine run. Zero values for the
// three flags mean "use the default" (commit, as-proposed, only-if-unset
// all default to true); construct via NewRequest to get them.
type Request struct {
	Mode        string
	JobIDs      []string // required for ModeSingle
	Commit      bool
	AsProposed  bool
	OnlyIfUnset bool
	StartFrom   time.Time // zero = schedule from now
	Now         time.Time // clock override for tests; zero = time.Now
}

// NewRequest returns a Request with the default flags set.
func NewRequest(mode string) Request {
	return Request{
		Mode:        mode,
		Commit:      true,
		AsProposed:  true,
		OnlyIfUnset: true,
	}
}

// validate checks the request shape before any loading happens.
func (r *Request) validate() error {
	switch r.Mode {
	case ModeSingle:
		if len(r.JobIDs) == 0 {
			return fmt.Errorf("scheduler: single mode requires job ids")
		}
	case ModeFull:
	default:
		return fmt.Errorf("scheduler: unknown mode %q", r.Mode)
	}
	return nil
}

// clock returns the run's notion of now, truncated to the minute.
func (r *Request) clock() time.Time {
	now := r.Now
	if now.IsZero() {
		now = time.Now()
	}
	return now.UTC().Truncate(time.Minute)
}

// Placement is one contiguous allocation of a stage on its resource.
type Placement struct {
	Start     time.Time
	End       time.Time
	Date      string // UTC day key of Start
	Minutes   int
	PartIndex int // 0 = the original instance, 1.. = split parts
}

// StagePlan is the computed schedule for one stage instance: one or more
// placements whose minutes sum to the stage's estimated duration.
type StagePlan struct {
	Stage      models.StageInstance
	Placements []Placement
}

// End returns the stage's logical end: the final placement's end.
func (p *StagePlan) End() time.Time {
	return p.Placements[len(p.Placements)-1].End
}

// Failure is a per-job, per-stage scheduling failure. Failures never
// abort the batch; other jobs keep processing.
type Failure struct {
	JobID   string `json:"jobId"`
	StageID string `json:"stageId"`
	Code    string `json:"code"`
	Detail  string `json:"detail"`
}

// Result is the outcome of one engine run.
type Result struct {
	OK             bool
	ScheduledCount int
	WroteSlots     int
	Plans          []StagePlan
	Failures       []Failure
	ErrorCode      string
	Err            string
}
