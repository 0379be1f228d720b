package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/pressline/internal/job"
	"github.com/zulandar/pressline/internal/models"
	"github.com/zulandar/pressline/internal/scheduler"
	"github.com/zulandar/pressline/internal/validate"
)

// registerRoutes sets up all API routes on the Gin router.
func (s *server) registerRoutes(router *gin.Engine) {
	router.GET("/healthz", s.handleHealth)

	api := router.Group("/api")
	api.POST("/schedule", s.handleSchedule)
	api.GET("/violations", s.handleViolations)
	api.GET("/capacity", s.handleCapacity)
	api.POST("/jobs", s.handleJobCreate)
	api.GET("/jobs", s.handleJobList)
	api.GET("/jobs/:id", s.handleJobGet)
	api.POST("/jobs/:id/approve", s.handleJobApprove)
}

func (s *server) handleHealth(c *gin.Context) {
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.Ping()
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// scheduleRequest is the wire form of one engine invocation. The three
// flags are pointers so an omitted field keeps its default of true.
type scheduleRequest struct {
	Mode        string   `json:"mode" binding:"required"`
	JobIDs      []string `json:"jobIds"`
	Commit      *bool    `json:"commit"`
	AsProposed  *bool    `json:"asProposed"`
	OnlyIfUnset *bool    `json:"onlyIfUnset"`
	StartFrom   string   `json:"startFrom"` // ISO 8601, optional
}

type violationView struct {
	JobID         string `json:"jobId"`
	ViolationType string `json:"violationType"`
	Stage1Name    string `json:"stage1Name"`
	Stage2Name    string `json:"stage2Name"`
	Details       string `json:"details"`
}

type scheduleResponse struct {
	OK             bool                `json:"ok"`
	ScheduledCount int                 `json:"scheduledCount"`
	WroteSlots     int                 `json:"wroteSlots"`
	Violations     []violationView     `json:"violations"`
	Failures       []scheduler.Failure `json:"failures,omitempty"`
	Error          string              `json:"error,omitempty"`
	ErrorCode      string              `json:"errorCode,omitempty"`
}

func (s *server) handleSchedule(c *gin.Context) {
	var body scheduleRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	req := scheduler.NewRequest(body.Mode)
	req.JobIDs = body.JobIDs
	if body.Commit != nil {
		req.Commit = *body.Commit
	}
	if body.AsProposed != nil {
		req.AsProposed = *body.AsProposed
	}
	if body.OnlyIfUnset != nil {
		req.OnlyIfUnset = *body.OnlyIfUnset
	}
	if body.StartFrom != "" {
		from, err := time.Parse(time.RFC3339, body.StartFrom)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "startFrom: " + err.Error()})
			return
		}
		req.StartFrom = from
	}

	res, err := s.engine.Run(req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	vs, err := validate.Run(s.db)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, scheduleResponse{
		OK:             res.OK,
		ScheduledCount: res.ScheduledCount,
		WroteSlots:     res.WroteSlots,
		Violations:     violationViews(vs),
		Failures:       res.Failures,
		Error:          res.Err,
		ErrorCode:      res.ErrorCode,
	})
}

func (s *server) handleViolations(c *gin.Context) {
	vs, err := validate.Run(s.db)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"violations": vs})
}

func (s *server) handleCapacity(c *gin.Context) {
	q := s.db.Model(&models.CapacityDay{}).Order("resource_id ASC, date ASC")
	if r := c.Query("resource"); r != "" {
		q = q.Where("resource_id = ?", r)
	}
	if from := c.Query("from"); from != "" {
		q = q.Where("date >= ?", from)
	}
	if to := c.Query("to"); to != "" {
		q = q.Where("date <= ?", to)
	}

	var rows []models.CapacityDay
	if err := q.Find(&rows).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"days": rows})
}

type jobCreateRequest struct {
	Title       string `json:"title" binding:"required"`
	Customer    string `json:"customer"`
	Description string `json:"description"`
	Workflow    string `json:"workflow" binding:"required"`
}

func (s *server) handleJobCreate(c *gin.Context) {
	var body jobCreateRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	j, err := job.Create(s.db, s.cfg, job.CreateOpts{
		Title:       body.Title,
		Customer:    body.Customer,
		Description: body.Description,
		Workflow:    body.Workflow,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, s.jobView(j))
}

func (s *server) handleJobList(c *gin.Context) {
	jobs, err := job.List(s.db, job.ListFilters{
		Status:   c.Query("status"),
		Customer: c.Query("customer"),
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	views := make([]gin.H, 0, len(jobs))
	for i := range jobs {
		views = append(views, s.jobSummaryView(&jobs[i]))
	}
	c.JSON(http.StatusOK, gin.H{"jobs": views})
}

func (s *server) handleJobGet(c *gin.Context) {
	j, err := job.Get(s.db, c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.jobView(j))
}

// handleJobApprove approves a job and immediately runs an incremental
// scheduling pass for it.
func (s *server) handleJobApprove(c *gin.Context) {
	j, err := job.Approve(s.db, c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	req := scheduler.NewRequest(scheduler.ModeSingle)
	req.JobIDs = []string{j.ID}
	res, err := s.engine.Run(req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if s.notifier != nil {
		_ = s.notifier.JobApproved(j)
		_ = s.notifier.RunSummary(res)
	}

	j, err = job.Get(s.db, j.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"job": s.jobView(j),
		"schedule": scheduleResponse{
			OK:             res.OK,
			ScheduledCount: res.ScheduledCount,
			WroteSlots:     res.WroteSlots,
			Violations:     []violationView{},
			Failures:       res.Failures,
			Error:          res.Err,
			ErrorCode:      res.ErrorCode,
		},
	})
}

// jobView renders a job with its stages, times in the display timezone.
func (s *server) jobView(j *models.Job) gin.H {
	stages := make([]gin.H, 0, len(j.Stages))
	for i := range j.Stages {
		st := &j.Stages[i]
		v := gin.H{
			"id":               st.ID,
			"name":             st.Name,
			"resourceId":       st.ResourceID,
			"sequenceOrder":    st.SequenceOrder,
			"estimatedMinutes": st.EstimatedMinutes,
			"status":           st.Status,
			"scheduleState":    st.ScheduleState,
			"scheduledStart":   s.localString(st.ScheduledStart),
			"scheduledEnd":     s.localString(st.ScheduledEnd),
			"scheduledMinutes": st.ScheduledMinutes,
			"partIndex":        st.PartIndex,
			"totalParts":       st.TotalParts,
		}
		if st.DependencyGroup != "" {
			v["dependencyGroup"] = st.DependencyGroup
		}
		stages = append(stages, v)
	}

	view := s.jobSummaryView(j)
	view["stages"] = stages
	return view
}

func (s *server) jobSummaryView(j *models.Job) gin.H {
	return gin.H{
		"id":          j.ID,
		"title":       j.Title,
		"customer":    j.Customer,
		"description": j.Description,
		"status":      j.Status,
		"approvedAt":  s.localString(j.ApprovedAt),
		"completedAt": s.localString(j.CompletedAt),
	}
}

// localString renders a stored UTC instant in the display timezone.
func (s *server) localString(t *time.Time) string {
	if t == nil {
		return ""
	}
	return s.conv.ToLocal(*t).Format("2006-01-02 15:04")
}

func violationViews(vs []validate.Violation) []violationView {
	out := make([]violationView, 0, len(vs))
	for _, v := range vs {
		out = append(out, violationView{
			JobID:         v.JobID,
			ViolationType: v.Kind,
			Stage1Name:    v.StageName,
			Stage2Name:    v.OtherName,
			Details:       v.Detail,
		})
	}
	return out
}
