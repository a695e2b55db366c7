package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"marketmigration/pkg/models"
	"marketmigration/pkg/source"
)

// JobSpec describes what a scheduled run migrates: either inline record
// groups or an S3 export source, with a per-run migration config.
type JobSpec struct {
	Groups []models.RecordGroup   `json:"groups,omitempty"`
	S3     *source.S3SourceConfig `json:"s3,omitempty"`
	Config models.MigrationConfig `json:"config"`
}

// Schedule represents a recurring migration
type Schedule struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CronExpr  string    `json:"cron_expr"`
	Enabled   bool      `json:"enabled"`
	Job       JobSpec   `json:"job"`
	LastRun   time.Time `json:"last_run"`
	NextRun   time.Time `json:"next_run"`
	RunCount  int       `json:"run_count"`
	FailCount int       `json:"fail_count"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Executor runs a scheduled migration
type Executor interface {
	Execute(ctx context.Context, schedule *Schedule) error
}

// Scheduler manages recurring migrations
type Scheduler struct {
	mu        sync.RWMutex
	cron      *cron.Cron
	schedules map[string]*Schedule
	entries   map[string]cron.EntryID
	executor  Executor
	running   bool
}

// NewScheduler creates a scheduler over the given executor
func NewScheduler(executor Executor) *Scheduler {
	return &Scheduler{
		cron:      cron.New(),
		schedules: make(map[string]*Schedule),
		entries:   make(map[string]cron.EntryID),
		executor:  executor,
	}
}

// Start starts the scheduler
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler already running")
	}
	s.cron.Start()
	s.running = true
	return nil
}

// Stop stops the scheduler, waiting for in-flight jobs
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return fmt.Errorf("scheduler not running")
	}
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.running = false
	return nil
}

// AddSchedule adds a new recurring migration
func (s *Scheduler) AddSchedule(schedule *Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.schedules[schedule.ID]; exists {
		return fmt.Errorf("schedule %s already exists", schedule.ID)
	}

	cronSchedule, err := cron.ParseStandard(schedule.CronExpr)
	if err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}

	now := time.Now()
	schedule.CreatedAt = now
	schedule.UpdatedAt = now
	schedule.NextRun = cronSchedule.Next(now)

	if schedule.Enabled {
		entryID, err := s.cron.AddFunc(schedule.CronExpr, func() {
			s.executeSchedule(schedule.ID)
		})
		if err != nil {
			return fmt.Errorf("failed to add cron job: %w", err)
		}
		s.entries[schedule.ID] = entryID
	}

	s.schedules[schedule.ID] = schedule
	return nil
}

// RemoveSchedule removes a schedule
func (s *Scheduler) RemoveSchedule(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.schedules[id]; !exists {
		return fmt.Errorf("schedule %s not found", id)
	}

	if entryID, exists := s.entries[id]; exists {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}
	delete(s.schedules, id)
	return nil
}

// UpdateSchedule replaces an existing schedule, preserving its counters
func (s *Scheduler) UpdateSchedule(schedule *Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, exists := s.schedules[schedule.ID]
	if !exists {
		return fmt.Errorf("schedule %s not found", schedule.ID)
	}

	schedule.CreatedAt = old.CreatedAt
	schedule.RunCount = old.RunCount
	schedule.FailCount = old.FailCount
	schedule.UpdatedAt = time.Now()

	if entryID, exists := s.entries[schedule.ID]; exists {
		s.cron.Remove(entryID)
		delete(s.entries, schedule.ID)
	}

	if schedule.Enabled {
		entryID, err := s.cron.AddFunc(schedule.CronExpr, func() {
			s.executeSchedule(schedule.ID)
		})
		if err != nil {
			return fmt.Errorf("failed to update cron job: %w", err)
		}
		s.entries[schedule.ID] = entryID
	}

	s.schedules[schedule.ID] = schedule
	return nil
}

// GetSchedule retrieves a copy of a schedule by id. Copies keep callers
// from racing with the run counters mutated by executing jobs.
func (s *Scheduler) GetSchedule(id string) (*Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	schedule, exists := s.schedules[id]
	if !exists {
		return nil, fmt.Errorf("schedule %s not found", id)
	}
	copied := *schedule
	return &copied, nil
}

// ListSchedules returns a copy of every schedule
func (s *Scheduler) ListSchedules() []*Schedule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	schedules := make([]*Schedule, 0, len(s.schedules))
	for _, schedule := range s.schedules {
		copied := *schedule
		schedules = append(schedules, &copied)
	}
	return schedules
}

// EnableSchedule enables a schedule
func (s *Scheduler) EnableSchedule(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	schedule, exists := s.schedules[id]
	if !exists {
		return fmt.Errorf("schedule %s not found", id)
	}
	if schedule.Enabled {
		return nil
	}

	entryID, err := s.cron.AddFunc(schedule.CronExpr, func() {
		s.executeSchedule(id)
	})
	if err != nil {
		return fmt.Errorf("failed to enable schedule: %w", err)
	}

	s.entries[id] = entryID
	schedule.Enabled = true
	schedule.UpdatedAt = time.Now()
	return nil
}

// DisableSchedule disables a schedule
func (s *Scheduler) DisableSchedule(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	schedule, exists := s.schedules[id]
	if !exists {
		return fmt.Errorf("schedule %s not found", id)
	}
	if !schedule.Enabled {
		return nil
	}

	if entryID, exists := s.entries[id]; exists {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}
	schedule.Enabled = false
	schedule.UpdatedAt = time.Now()
	return nil
}

// RunNow executes a schedule immediately
func (s *Scheduler) RunNow(id string) error {
	s.mu.RLock()
	_, exists := s.schedules[id]
	s.mu.RUnlock()
	if !exists {
		return fmt.Errorf("schedule %s not found", id)
	}
	go s.executeSchedule(id)
	return nil
}

func (s *Scheduler) executeSchedule(id string) {
	s.mu.Lock()
	schedule, exists := s.schedules[id]
	if !exists {
		s.mu.Unlock()
		return
	}
	schedule.LastRun = time.Now()
	schedule.RunCount++
	// The executor gets a snapshot so the live entry can keep mutating
	snapshot := *schedule
	s.mu.Unlock()

	err := s.executor.Execute(context.Background(), &snapshot)

	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.schedules[id]
	if !exists {
		return
	}
	if err != nil {
		current.FailCount++
	}
	if cronSchedule, parseErr := cron.ParseStandard(current.CronExpr); parseErr == nil {
		current.NextRun = cronSchedule.Next(time.Now())
	}
}

// Stats contains scheduler statistics
type Stats struct {
	TotalSchedules    int       `json:"total_schedules"`
	ActiveSchedules   int       `json:"active_schedules"`
	DisabledSchedules int       `json:"disabled_schedules"`
	NextRun           time.Time `json:"next_run"`
}

// GetStats returns scheduler statistics
func (s *Scheduler) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{TotalSchedules: len(s.schedules)}

	var nextRun time.Time
	for _, schedule := range s.schedules {
		if schedule.Enabled {
			stats.ActiveSchedules++
			if nextRun.IsZero() || schedule.NextRun.Before(nextRun) {
				nextRun = schedule.NextRun
			}
		} else {
			stats.DisabledSchedules++
		}
	}
	stats.NextRun = nextRun
	return stats
}
