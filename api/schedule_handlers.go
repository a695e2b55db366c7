package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"marketmigration/pkg/scheduler"
	"marketmigration/pkg/source"
	"marketmigration/pkg/store"
)

// Execute implements scheduler.Executor: a fired schedule becomes a
// synchronous engine run so the scheduler can count failures.
func (s *Server) Execute(ctx context.Context, schedule *scheduler.Schedule) error {
	var src store.RecordSource
	var err error

	if schedule.Job.S3 != nil {
		src, err = source.NewS3Source(ctx, *schedule.Job.S3)
		if err != nil {
			return err
		}
	} else if len(schedule.Job.Groups) > 0 {
		src = source.NewMemorySource(schedule.Name, schedule.Job.Groups...)
	} else {
		return fmt.Errorf("schedule %s has no source", schedule.ID)
	}

	result, err := s.engine.Run(ctx, src, schedule.Job.Config, nil)
	if err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("scheduled run %s failed with %d errors", result.RunID, len(result.Errors))
	}

	s.log.WithFields(logrus.Fields{
		"schedule": schedule.ID,
		"run_id":   result.RunID,
	}).Info("scheduled migration finished")
	return nil
}

// CreateSchedule handles POST /api/schedules
func (s *Server) CreateSchedule(c *gin.Context) {
	var schedule scheduler.Schedule
	if err := c.ShouldBindJSON(&schedule); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	if schedule.ID == "" {
		schedule.ID = uuid.NewString()
	}
	if err := s.scheduler.AddSchedule(&schedule); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, schedule)
}

// ListSchedules handles GET /api/schedules
func (s *Server) ListSchedules(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"schedules": s.scheduler.ListSchedules()})
}

// GetSchedulerStats handles GET /api/schedules/stats
func (s *Server) GetSchedulerStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.scheduler.GetStats())
}

// GetSchedule handles GET /api/schedules/:id
func (s *Server) GetSchedule(c *gin.Context) {
	schedule, err := s.scheduler.GetSchedule(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, schedule)
}

// UpdateSchedule handles PUT /api/schedules/:id
func (s *Server) UpdateSchedule(c *gin.Context) {
	var schedule scheduler.Schedule
	if err := c.ShouldBindJSON(&schedule); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	schedule.ID = c.Param("id")
	if err := s.scheduler.UpdateSchedule(&schedule); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, schedule)
}

// DeleteSchedule handles DELETE /api/schedules/:id
func (s *Server) DeleteSchedule(c *gin.Context) {
	if err := s.scheduler.RemoveSchedule(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// EnableSchedule handles POST /api/schedules/:id/enable
func (s *Server) EnableSchedule(c *gin.Context) {
	if err := s.scheduler.EnableSchedule(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "enabled"})
}

// DisableSchedule handles POST /api/schedules/:id/disable
func (s *Server) DisableSchedule(c *gin.Context) {
	if err := s.scheduler.DisableSchedule(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "disabled"})
}

// RunScheduleNow handles POST /api/schedules/:id/run
func (s *Server) RunScheduleNow(c *gin.Context) {
	if err := s.scheduler.RunNow(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "triggered"})
}
