package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"marketmigration/pkg/engine"
	"marketmigration/pkg/models"
	"marketmigration/pkg/scheduler"
	"marketmigration/pkg/source"
	"marketmigration/pkg/store"
)

// Server exposes the migration engine over HTTP. It is constructed
// explicitly with its collaborators; there is no process-global instance.
type Server struct {
	engine    *engine.Engine
	scheduler *scheduler.Scheduler
	log       *logrus.Entry
}

// NewServer creates an API server over the given engine
func NewServer(eng *engine.Engine) *Server {
	s := &Server{
		engine: eng,
		log:    logrus.WithField("component", "api"),
	}
	s.scheduler = scheduler.NewScheduler(s)
	return s
}

// Scheduler exposes the server's schedule manager
func (s *Server) Scheduler() *scheduler.Scheduler {
	return s.scheduler
}

// MigrateRequest starts a migration from inline record groups or an S3
// export source
type MigrateRequest struct {
	Groups []models.RecordGroup   `json:"groups,omitempty"`
	S3     *source.S3SourceConfig `json:"s3,omitempty"`
	Config models.MigrationConfig `json:"config"`
}

func (s *Server) buildSource(ctx context.Context, req *MigrateRequest) (store.RecordSource, error) {
	if req.S3 != nil {
		return source.NewS3Source(ctx, *req.S3)
	}
	if len(req.Groups) == 0 {
		return nil, errors.New("either groups or s3 must be provided")
	}
	return source.NewMemorySource(req.Groups[0].Table, req.Groups...), nil
}

// StartMigration handles POST /api/migrate
func (s *Server) StartMigration(c *gin.Context) {
	var req MigrateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	src, err := s.buildSource(c.Request.Context(), &req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	runID, err := s.engine.Start(src, req.Config, nil)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.log.WithField("run_id", runID).Info("migration started")
	c.JSON(http.StatusAccepted, gin.H{"run_id": runID})
}

// GetStatus handles GET /api/status/:runID
func (s *Server) GetStatus(c *gin.Context) {
	runID := c.Param("runID")

	snapshot, err := s.engine.GetProgress(runID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

// GetResult handles GET /api/result/:runID
func (s *Server) GetResult(c *gin.Context) {
	runID := c.Param("runID")

	result, err := s.engine.GetResult(runID)
	switch {
	case errors.Is(err, engine.ErrStillRunning):
		c.JSON(http.StatusAccepted, gin.H{"run_id": runID, "status": "running"})
	case errors.Is(err, engine.ErrRunNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
	default:
		c.JSON(http.StatusOK, result)
	}
}

// ListRuns handles GET /api/runs
func (s *Server) ListRuns(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"runs": s.engine.ListRuns()})
}

// CancelRun handles DELETE /api/runs/:runID
func (s *Server) CancelRun(c *gin.Context) {
	runID := c.Param("runID")

	if err := s.engine.Cancel(runID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run_id": runID, "status": "cancelling"})
}

// HealthCheck handles GET /health
func (s *Server) HealthCheck(c *gin.Context) {
	sample := s.engine.Governor().Sample()
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"memory_mb": sample.UsedMB,
		"peak_mb":   sample.PeakMB,
	})
}
