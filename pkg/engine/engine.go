package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"marketmigration/pkg/audit"
	"marketmigration/pkg/batch"
	"marketmigration/pkg/dedup"
	"marketmigration/pkg/governor"
	"marketmigration/pkg/integrity"
	"marketmigration/pkg/models"
	"marketmigration/pkg/progress"
	"marketmigration/pkg/rollback"
	"marketmigration/pkg/store"
)

var (
	// ErrRunNotFound is returned for unknown run ids
	ErrRunNotFound = errors.New("run not found")
	// ErrStillRunning is returned by GetResult while a run is not terminal
	ErrStillRunning = errors.New("run still in progress")
)

// Config holds the engine's injected collaborators. One engine serves many
// runs; there is no process-global instance.
type Config struct {
	Dest      store.DestinationStore
	AuditSink store.AuditSink
	// Sampler overrides the process-memory reading primitive; nil uses the
	// resident-memory sampler.
	Sampler governor.Sampler
	// KeyFn projects a record onto its natural key
	KeyFn models.KeyFunc
	// Transform converts records to destination shape; nil passes through
	Transform models.TransformFunc
	// IntegrityPolicy decides whether a count mismatch fails the run; nil
	// tolerates all mismatches
	IntegrityPolicy integrity.TolerancePolicy
}

// Engine is the migration orchestrator: it owns the run lifecycle, advances
// each run through its phases, and produces the terminal result.
type Engine struct {
	config Config
	gov    *governor.Governor
	log    *logrus.Entry

	mu      sync.RWMutex
	runs    map[string]*run
	results map[string]*models.MigrationResult
}

// run is the live state of one engine invocation. The phase field is the
// single source of truth read by progress queries.
type run struct {
	mu        sync.RWMutex
	id        string
	phase     models.Phase
	config    models.MigrationConfig
	tracker   *progress.Tracker
	startTime time.Time
	updatedAt time.Time
	cancel    context.CancelFunc
	cancelled bool
	errors    []models.MigrationError

	integrityIssues []string
}

func (r *run) setPhase(p models.Phase) {
	r.mu.Lock()
	r.phase = p
	r.updatedAt = time.Now()
	r.mu.Unlock()
	if r.tracker != nil {
		r.tracker.SetPhase(p)
	}
}

func (r *run) currentPhase() models.Phase {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.phase
}

func (r *run) addError(e models.MigrationError) {
	r.mu.Lock()
	r.errors = append(r.errors, e)
	r.mu.Unlock()
}

// New creates an engine with the given collaborators
func New(cfg Config) (*Engine, error) {
	if cfg.Dest == nil {
		return nil, fmt.Errorf("destination store is required")
	}
	if cfg.KeyFn == nil {
		return nil, fmt.Errorf("natural key projection is required")
	}

	gov := governor.New(cfg.Sampler, models.DefaultConfig().MemoryLimitMB)
	gov.Start()

	return &Engine{
		config:  cfg,
		gov:     gov,
		log:     logrus.WithField("component", "engine"),
		runs:    make(map[string]*run),
		results: make(map[string]*models.MigrationResult),
	}, nil
}

// Close stops the engine's background sampling
func (e *Engine) Close() {
	e.gov.Stop()
}

// Governor exposes the shared resource governor
func (e *Engine) Governor() *governor.Governor {
	return e.gov
}

func normalizeConfig(cfg models.MigrationConfig) (models.MigrationConfig, error) {
	def := models.DefaultConfig()
	if cfg.BatchSize == 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxConcurrency == 0 {
		cfg.MaxConcurrency = def.MaxConcurrency
	}
	if cfg.MemoryLimitMB == 0 {
		cfg.MemoryLimitMB = def.MemoryLimitMB
	}
	if cfg.TimeoutMs == 0 {
		cfg.TimeoutMs = def.TimeoutMs
	}

	if cfg.BatchSize < 0 {
		return cfg, fmt.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.MaxConcurrency < 0 {
		return cfg, fmt.Errorf("max concurrency must be positive, got %d", cfg.MaxConcurrency)
	}
	if cfg.MemoryLimitMB < 0 {
		return cfg, fmt.Errorf("memory limit must be positive, got %d", cfg.MemoryLimitMB)
	}
	return cfg, nil
}

func newRunID(sourceName string) string {
	return fmt.Sprintf("%s_%d_%s", sourceName, time.Now().Unix(), uuid.NewString()[:8])
}

// Start launches a run asynchronously and returns its id. Configuration
// errors are reported here, before any phase starts.
func (e *Engine) Start(source store.RecordSource, cfg models.MigrationConfig, sink models.ProgressSink) (string, error) {
	cfg, err := normalizeConfig(cfg)
	if err != nil {
		return "", err
	}

	r := e.register(source, cfg)
	go e.execute(context.Background(), r, source, sink)
	return r.id, nil
}

// Run executes a migration synchronously. It fails only by returning a
// result with Success=false; the error return covers configuration
// problems caught before any phase starts.
func (e *Engine) Run(ctx context.Context, source store.RecordSource, cfg models.MigrationConfig, sink models.ProgressSink) (*models.MigrationResult, error) {
	cfg, err := normalizeConfig(cfg)
	if err != nil {
		return nil, err
	}

	r := e.register(source, cfg)
	return e.execute(ctx, r, source, sink), nil
}

func (e *Engine) register(source store.RecordSource, cfg models.MigrationConfig) *run {
	r := &run{
		id:        newRunID(source.Name()),
		phase:     models.PhaseInitializing,
		config:    cfg,
		startTime: time.Now(),
		updatedAt: time.Now(),
	}

	e.mu.Lock()
	e.runs[r.id] = r
	e.mu.Unlock()
	return r
}

// GetProgress returns the latest progress snapshot for a run
func (e *Engine) GetProgress(runID string) (models.ProgressSnapshot, error) {
	e.mu.RLock()
	r, live := e.runs[runID]
	result, terminal := e.results[runID]
	e.mu.RUnlock()

	if live {
		if r.tracker != nil {
			return r.tracker.Snapshot(), nil
		}
		return models.ProgressSnapshot{RunID: runID, Phase: r.currentPhase()}, nil
	}
	if terminal {
		phase := models.PhaseCompleted
		if !result.Success {
			phase = models.PhaseFailed
		}
		return models.ProgressSnapshot{
			RunID:               runID,
			Phase:               phase,
			TotalRecords:        result.TotalRecords,
			ProcessedRecords:    result.TotalProcessed,
			SucceededRecords:    result.TotalSuccess,
			FailedRecords:       result.TotalFailed,
			DuplicateRecords:    result.TotalDuplicates,
			ProgressPct:         100,
			ThroughputPerSecond: result.ThroughputPerSecond,
			ElapsedMs:           result.Elapsed.Milliseconds(),
			UpdatedAt:           time.Now(),
		}, nil
	}
	return models.ProgressSnapshot{}, ErrRunNotFound
}

// GetResult returns the terminal result of a run, ErrStillRunning while the
// run is live, or ErrRunNotFound for unknown ids.
func (e *Engine) GetResult(runID string) (*models.MigrationResult, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if result, ok := e.results[runID]; ok {
		return result, nil
	}
	if _, ok := e.runs[runID]; ok {
		return nil, ErrStillRunning
	}
	return nil, ErrRunNotFound
}

// ListRuns returns a snapshot for every known run, live and terminal
func (e *Engine) ListRuns() []models.ProgressSnapshot {
	e.mu.RLock()
	ids := make([]string, 0, len(e.runs)+len(e.results))
	for id := range e.runs {
		ids = append(ids, id)
	}
	for id := range e.results {
		ids = append(ids, id)
	}
	e.mu.RUnlock()

	snapshots := make([]models.ProgressSnapshot, 0, len(ids))
	for _, id := range ids {
		if s, err := e.GetProgress(id); err == nil {
			snapshots = append(snapshots, s)
		}
	}
	return snapshots
}

// Cancel requests a live run to stop. The request takes effect at the next
// phase boundary, or between batch dispatches during MIGRATING_DATA.
func (e *Engine) Cancel(runID string) error {
	e.mu.RLock()
	r, ok := e.runs[runID]
	e.mu.RUnlock()
	if !ok {
		return ErrRunNotFound
	}

	r.mu.Lock()
	r.cancelled = true
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// execute drives one run through the phase state machine
func (e *Engine) execute(ctx context.Context, r *run, source store.RecordSource, sink models.ProgressSink) *models.MigrationResult {
	auditor := audit.NewLogger(e.config.AuditSink, r.config.EnableAuditLogging)
	log := e.log.WithField("run_id", r.id)

	// The run's cancel handle is installed before any phase so Cancel works
	// during source validation and target preparation, not just mid-migration.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	r.mu.Lock()
	r.cancel = cancelRun
	alreadyCancelled := r.cancelled
	r.mu.Unlock()
	if alreadyCancelled {
		cancelRun()
	}

	// Per-run view over the shared governor: this run's ceiling and peak
	// stay isolated from concurrent runs.
	view := e.gov.NewView(r.config.MemoryLimitMB)
	defer view.Close()

	transition := func(phase models.Phase, detail string) {
		r.setPhase(phase)
		auditor.PhaseTransition(ctx, r.id, phase, detail)
		log.WithField("phase", phase).Info("phase transition")
	}

	fail := func(phase models.Phase, err error) *models.MigrationResult {
		r.addError(models.MigrationError{
			Phase:     phase,
			Message:   err.Error(),
			Timestamp: time.Now(),
		})
		log.WithField("phase", phase).WithError(err).Error("run failed")
		return nil
	}

	// cancelled reports and records a cancellation observed at a phase boundary
	cancelled := func(phase models.Phase) bool {
		if err := runCtx.Err(); err != nil {
			fail(phase, fmt.Errorf("run cancelled: %w", err))
			return true
		}
		return false
	}

	transition(models.PhaseInitializing, "run registered")
	if cancelled(models.PhaseInitializing) {
		return e.finish(ctx, r, auditor, view, nil, nil)
	}

	// VALIDATING_SOURCE: probe the source before anything is written
	transition(models.PhaseValidatingSource, source.Name())
	if _, err := source.Count(runCtx); err != nil {
		fail(models.PhaseValidatingSource, fmt.Errorf("source unreachable: %w", err))
		return e.finish(ctx, r, auditor, view, nil, nil)
	}
	groups, err := source.Groups(runCtx)
	if err != nil {
		fail(models.PhaseValidatingSource, fmt.Errorf("source enumeration failed: %w", err))
		return e.finish(ctx, r, auditor, view, nil, nil)
	}
	if cancelled(models.PhaseValidatingSource) {
		return e.finish(ctx, r, auditor, view, nil, nil)
	}

	var totalRecords int64
	for _, g := range groups {
		totalRecords += int64(len(g.Records))
	}
	r.tracker = progress.NewTracker(r.id, totalRecords, sink)
	r.tracker.SetPhase(models.PhaseValidatingSource)

	// PREPARING_TARGET: destination reachable and expected tables present
	transition(models.PhasePreparingTarget, "")
	if err := e.config.Dest.Ping(runCtx); err != nil {
		fail(models.PhasePreparingTarget, fmt.Errorf("destination unreachable: %w", err))
		return e.finish(ctx, r, auditor, view, nil, nil)
	}
	baselines := make(map[string]int64, len(groups))
	for _, g := range groups {
		ok, err := e.config.Dest.TableExists(runCtx, g.Table)
		if err != nil {
			fail(models.PhasePreparingTarget, fmt.Errorf("destination check failed for %s: %w", g.Table, err))
			return e.finish(ctx, r, auditor, view, nil, nil)
		}
		if !ok {
			fail(models.PhasePreparingTarget, fmt.Errorf("destination table %s does not exist", g.Table))
			return e.finish(ctx, r, auditor, view, nil, nil)
		}
		count, err := e.config.Dest.Count(runCtx, g.Table)
		if err != nil {
			fail(models.PhasePreparingTarget, fmt.Errorf("destination count failed for %s: %w", g.Table, err))
			return e.finish(ctx, r, auditor, view, nil, nil)
		}
		baselines[g.Table] = count
	}
	if cancelled(models.PhasePreparingTarget) {
		return e.finish(ctx, r, auditor, view, nil, nil)
	}

	// MIGRATING_DATA
	transition(models.PhaseMigratingData, fmt.Sprintf("%d records in %d groups", totalRecords, len(groups)))

	migrateCtx, cancelMigrate := context.WithTimeout(runCtx, r.config.Timeout())
	defer cancelMigrate()

	detector := dedup.NewDetector(e.config.Dest)
	var undoLog *rollback.UndoLog
	if r.config.EnableRollback {
		undoLog = rollback.NewUndoLog()
	}

	processor := batch.NewProcessor(batch.Config{
		RunID:     r.id,
		Migration: r.config,
		Dest:      e.config.Dest,
		Detector:  detector,
		Governor:  view,
		Tracker:   r.tracker,
		Auditor:   auditor,
		KeyFn:     e.config.KeyFn,
		Transform: e.config.Transform,
		UndoLog:   undoLog,
	})

	var outcomes []models.BatchOutcome
	for _, group := range groups {
		groupOutcomes, dispatchErr := processor.ProcessGroup(migrateCtx, group)
		outcomes = append(outcomes, groupOutcomes...)
		if dispatchErr != nil {
			fail(models.PhaseMigratingData, classifyDispatchErr(dispatchErr))
			break
		}
	}

	// Duplicate-lookup failures are recoverable but must surface in the result
	for _, lookupErr := range detector.LookupErrors() {
		r.addError(models.MigrationError{
			Phase:       models.PhaseMigratingData,
			Message:     "duplicate lookup failed: " + lookupErr.Error(),
			Recoverable: true,
			Timestamp:   time.Now(),
		})
	}

	// VALIDATING_INTEGRITY (config-gated; meaningless for dry runs)
	if !e.hasFatalError(r) && r.config.ValidateIntegrity && !r.config.DryRun {
		transition(models.PhaseValidatingIntegrity, "")
		e.validateIntegrity(ctx, r, groups, baselines, outcomes, fail)
	}

	return e.finish(ctx, r, auditor, view, outcomes, undoLog)
}

func classifyDispatchErr(err error) error {
	switch {
	case errors.Is(err, governor.ErrMemoryLimitExceeded):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("run timed out: %w", err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("run cancelled: %w", err)
	default:
		return err
	}
}

func (e *Engine) hasFatalError(r *run) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, err := range r.errors {
		if !err.Recoverable {
			return true
		}
	}
	return false
}

func (e *Engine) validateIntegrity(ctx context.Context, r *run, groups []models.RecordGroup, baselines map[string]int64, outcomes []models.BatchOutcome, fail func(models.Phase, error) *models.MigrationResult) {
	insertedByTable := make(map[string]int64)
	for _, o := range outcomes {
		insertedByTable[o.Table] += o.Succeeded
	}

	expectations := make([]integrity.Expectation, 0, len(groups))
	seen := make(map[string]bool)
	for _, g := range groups {
		if seen[g.Table] {
			continue
		}
		seen[g.Table] = true
		expectations = append(expectations, integrity.Expectation{
			Table:    g.Table,
			Baseline: baselines[g.Table],
			Inserted: insertedByTable[g.Table],
		})
	}

	verifier := integrity.NewVerifier(e.config.Dest, e.config.IntegrityPolicy)
	issues, fatal, err := verifier.Verify(ctx, expectations)
	if err != nil {
		// A failed re-count is reported, not escalated
		r.addError(models.MigrationError{
			Phase:       models.PhaseValidatingIntegrity,
			Message:     err.Error(),
			Recoverable: true,
			Timestamp:   time.Now(),
		})
		return
	}

	r.mu.Lock()
	r.integrityIssues = append(r.integrityIssues, issues...)
	r.mu.Unlock()

	if fatal {
		fail(models.PhaseValidatingIntegrity,
			fmt.Errorf("integrity validation failed: %d mismatches exceed policy", len(issues)))
	}
}

// finish folds outcomes into the final result, performing rollback for
// failed runs when enabled, and moves the run out of the live registry.
func (e *Engine) finish(ctx context.Context, r *run, auditor *audit.Logger, view *governor.View, outcomes []models.BatchOutcome, undoLog *rollback.UndoLog) *models.MigrationResult {
	fatal := e.hasFatalError(r)

	result := &models.MigrationResult{
		RunID:   r.id,
		DryRun:  r.config.DryRun,
		Batches: outcomes,
	}

	for _, o := range outcomes {
		result.TotalProcessed += o.Processed
		result.TotalSuccess += o.Succeeded
		result.TotalFailed += o.Failed
		result.TotalDuplicates += o.Duplicates
		result.Errors = append(result.Errors, o.Errors...)
	}

	r.mu.RLock()
	result.Errors = append(result.Errors, r.errors...)
	result.IntegrityIssues = append(result.IntegrityIssues, r.integrityIssues...)
	r.mu.RUnlock()

	if r.tracker != nil {
		snapshot := r.tracker.Snapshot()
		result.TotalRecords = snapshot.TotalRecords
		result.ThroughputPerSecond = snapshot.ThroughputPerSecond
	}
	result.PeakMemoryUsageMB = view.PeakMB()
	result.Elapsed = time.Since(r.startTime)
	result.Success = !fatal && result.TotalFailed == 0

	if fatal {
		r.setPhase(models.PhaseFailed)
		auditor.PhaseTransition(ctx, r.id, models.PhaseFailed, "unrecoverable error")

		// FAILED -> ROLLING_BACK -> FAILED; rollback never resurrects a run
		if r.config.EnableRollback && undoLog != nil && undoLog.Len() > 0 {
			r.setPhase(models.PhaseRollingBack)
			auditor.PhaseTransition(ctx, r.id, models.PhaseRollingBack,
				fmt.Sprintf("%d items to undo", undoLog.Len()))

			rbRecord := rollback.NewManager(e.config.Dest).Rollback(ctx, r.id, undoLog)
			result.Rollback = &rbRecord
			if !rbRecord.Success {
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("rollback %s did not fully succeed: %d items undone", rbRecord.RollbackID, rbRecord.ItemsUndone))
				auditor.Record(ctx, models.AuditEntry{
					RunID:    r.id,
					Phase:    models.PhaseRollingBack,
					Action:   "rollback_failed",
					Detail:   rbRecord.RollbackID,
					Severity: models.AuditCritical,
				})
			}
			r.setPhase(models.PhaseFailed)
		}
	} else {
		r.setPhase(models.PhaseCompleting)
		auditor.PhaseTransition(ctx, r.id, models.PhaseCompleting, "")
		phase := models.PhaseCompleted
		r.setPhase(phase)
		auditor.Record(ctx, models.AuditEntry{
			RunID:     r.id,
			Phase:     phase,
			Action:    "phase_transition",
			Detail:    "run finished",
			Processed: result.TotalProcessed,
			Succeeded: result.TotalSuccess,
			Failed:    result.TotalFailed,
		})
	}

	e.mu.Lock()
	delete(e.runs, r.id)
	e.results[r.id] = result
	e.mu.Unlock()

	return result
}
