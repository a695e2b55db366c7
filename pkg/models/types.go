package models

import "time"

// Record is one untyped input record (a trade, a candle, a portfolio
// snapshot). The mapping rules for each domain type live with the caller.
type Record map[string]any

// KeyFunc projects a record onto its natural key (e.g. symbol+side+qty+price
// for a trade). Used for duplicate detection and the rollback undo log.
type KeyFunc func(Record) string

// TransformFunc converts a record from source shape to destination shape.
// A nil transform passes records through unchanged.
type TransformFunc func(Record) (Record, error)

// RecordGroup is one logical group of records bound for one destination
// table (one trade set, or one symbol/timeframe buffer).
type RecordGroup struct {
	Table   string   `json:"table"`
	Records []Record `json:"records"`
}

// Phase represents one state in a migration run's lifecycle
type Phase string

const (
	PhaseInitializing        Phase = "initializing"
	PhaseValidatingSource    Phase = "validating_source"
	PhasePreparingTarget     Phase = "preparing_target"
	PhaseMigratingData       Phase = "migrating_data"
	PhaseValidatingIntegrity Phase = "validating_integrity"
	PhaseCompleting          Phase = "completing"
	PhaseRollingBack         Phase = "rolling_back"
	PhaseCompleted           Phase = "completed"
	PhaseFailed              Phase = "failed"
)

// Terminal reports whether the phase ends a run
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// MigrationConfig holds per-run configuration
type MigrationConfig struct {
	BatchSize          int   `json:"batch_size"`
	MaxConcurrency     int   `json:"max_concurrency"`
	MemoryLimitMB      int64 `json:"memory_limit_mb"`
	TimeoutMs          int64 `json:"timeout_ms"`
	ValidateIntegrity  bool  `json:"validate_integrity"`
	EnableRollback     bool  `json:"enable_rollback"`
	EnableAuditLogging bool  `json:"enable_audit_logging"`
	SkipDuplicates     bool  `json:"skip_duplicates"`
	DryRun             bool  `json:"dry_run"`
}

// DefaultConfig returns the default migration configuration
func DefaultConfig() MigrationConfig {
	return MigrationConfig{
		BatchSize:          1000,
		MaxConcurrency:     4,
		MemoryLimitMB:      500,
		TimeoutMs:          300000,
		ValidateIntegrity:  true,
		EnableRollback:     true,
		EnableAuditLogging: true,
		SkipDuplicates:     true,
		DryRun:             false,
	}
}

// Timeout returns the run timeout as a duration
func (c MigrationConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// MigrationError describes one failure encountered during a run
type MigrationError struct {
	Phase       Phase     `json:"phase"`
	ItemKey     string    `json:"item_key,omitempty"`
	Message     string    `json:"message"`
	Recoverable bool      `json:"recoverable"`
	Timestamp   time.Time `json:"timestamp"`
}

// Error implements the error interface
func (e MigrationError) Error() string {
	if e.ItemKey != "" {
		return string(e.Phase) + ": " + e.ItemKey + ": " + e.Message
	}
	return string(e.Phase) + ": " + e.Message
}

// BatchOutcome is the immutable result of processing one batch
type BatchOutcome struct {
	BatchID    string           `json:"batch_id"`
	Table      string           `json:"table"`
	Processed  int64            `json:"processed"`
	Succeeded  int64            `json:"succeeded"`
	Failed     int64            `json:"failed"`
	Duplicates int64            `json:"duplicates"`
	Elapsed    time.Duration    `json:"elapsed"`
	Errors     []MigrationError `json:"errors,omitempty"`
}

// ProgressSnapshot is the cumulative progress of a run after a batch
type ProgressSnapshot struct {
	RunID               string    `json:"run_id"`
	Phase               Phase     `json:"phase"`
	TotalRecords        int64     `json:"total_records"`
	ProcessedRecords    int64     `json:"processed_records"`
	SucceededRecords    int64     `json:"succeeded_records"`
	FailedRecords       int64     `json:"failed_records"`
	DuplicateRecords    int64     `json:"duplicate_records"`
	ProgressPct         float64   `json:"progress_pct"`
	ThroughputPerSecond float64   `json:"throughput_per_second"`
	ETAMs               int64     `json:"eta_ms"`
	ElapsedMs           int64     `json:"elapsed_ms"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// ProgressSink receives a snapshot after every batch. It must return
// quickly; slow consumers should hand off to their own goroutine.
type ProgressSink func(ProgressSnapshot)

// ResourceSample is one reading of process memory against the ceiling
type ResourceSample struct {
	UsedMB    float64   `json:"used_mb"`
	PeakMB    float64   `json:"peak_mb"`
	LimitMB   int64     `json:"limit_mb"`
	NearLimit bool      `json:"near_limit"`
	OverLimit bool      `json:"over_limit"`
	SampledAt time.Time `json:"sampled_at"`
}

// AuditSeverity classifies audit entries
type AuditSeverity string

const (
	AuditInfo     AuditSeverity = "info"
	AuditWarning  AuditSeverity = "warning"
	AuditCritical AuditSeverity = "critical"
)

// AuditEntry is one immutable row in the audit stream
type AuditEntry struct {
	RunID     string        `json:"run_id"`
	Timestamp time.Time     `json:"timestamp"`
	Phase     Phase         `json:"phase"`
	Action    string        `json:"action"`
	Detail    string        `json:"detail,omitempty"`
	Severity  AuditSeverity `json:"severity"`
	Processed int64         `json:"processed"`
	Succeeded int64         `json:"succeeded"`
	Failed    int64         `json:"failed"`
}

// RollbackRecord reports the outcome of undoing a failed run
type RollbackRecord struct {
	RollbackID  string        `json:"rollback_id"`
	RunID       string        `json:"run_id"`
	ItemsUndone int64         `json:"items_undone"`
	Elapsed     time.Duration `json:"elapsed"`
	Success     bool          `json:"success"`
	Errors      []string      `json:"errors,omitempty"`
}

// MigrationResult is the terminal result of one run
type MigrationResult struct {
	RunID               string           `json:"run_id"`
	Success             bool             `json:"success"`
	DryRun              bool             `json:"dry_run"`
	TotalRecords        int64            `json:"total_records"`
	TotalProcessed      int64            `json:"total_processed"`
	TotalSuccess        int64            `json:"total_success"`
	TotalFailed         int64            `json:"total_failed"`
	TotalDuplicates     int64            `json:"total_duplicates"`
	ThroughputPerSecond float64          `json:"throughput_per_second"`
	PeakMemoryUsageMB   float64          `json:"peak_memory_usage_mb"`
	Elapsed             time.Duration    `json:"elapsed"`
	Batches             []BatchOutcome   `json:"batches,omitempty"`
	Errors              []MigrationError `json:"errors,omitempty"`
	Warnings            []string         `json:"warnings,omitempty"`
	Rollback            *RollbackRecord  `json:"rollback,omitempty"`
	IntegrityIssues     []string         `json:"integrity_issues,omitempty"`
}
