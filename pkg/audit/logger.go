package audit

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"marketmigration/pkg/models"
	"marketmigration/pkg/store"
)

// Logger appends audit entries to a durable sink, best-effort. A sink
// failure is logged to the fallback channel and never propagated: audit
// logging must not be able to fail a migration.
type Logger struct {
	sink    store.AuditSink
	enabled bool
	log     *logrus.Entry
}

// NewLogger creates an audit logger. A nil sink disables durable auditing
// but entries still reach the fallback log.
func NewLogger(sink store.AuditSink, enabled bool) *Logger {
	return &Logger{
		sink:    sink,
		enabled: enabled,
		log:     logrus.WithField("component", "audit"),
	}
}

// Record appends one entry to the audit stream
func (l *Logger) Record(ctx context.Context, entry models.AuditEntry) {
	if !l.enabled {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	if entry.Severity == "" {
		entry.Severity = models.AuditInfo
	}

	if l.sink == nil {
		l.fallback(entry, nil)
		return
	}
	if err := l.sink.Append(ctx, entry); err != nil {
		l.fallback(entry, err)
	}
}

// PhaseTransition records a run advancing to a new phase
func (l *Logger) PhaseTransition(ctx context.Context, runID string, phase models.Phase, detail string) {
	l.Record(ctx, models.AuditEntry{
		RunID:  runID,
		Phase:  phase,
		Action: "phase_transition",
		Detail: detail,
	})
}

// BatchOutcome records the result of one processed batch
func (l *Logger) BatchOutcome(ctx context.Context, runID string, phase models.Phase, outcome models.BatchOutcome) {
	severity := models.AuditInfo
	if outcome.Failed > 0 {
		severity = models.AuditWarning
	}
	l.Record(ctx, models.AuditEntry{
		RunID:     runID,
		Phase:     phase,
		Action:    "batch_outcome",
		Detail:    outcome.BatchID,
		Severity:  severity,
		Processed: outcome.Processed,
		Succeeded: outcome.Succeeded,
		Failed:    outcome.Failed,
	})
}

func (l *Logger) fallback(entry models.AuditEntry, sinkErr error) {
	fields := logrus.Fields{
		"run_id": entry.RunID,
		"phase":  entry.Phase,
		"action": entry.Action,
	}
	if sinkErr != nil {
		l.log.WithFields(fields).WithError(sinkErr).Warn("audit sink unreachable, entry logged to fallback")
		return
	}
	l.log.WithFields(fields).Info(entry.Detail)
}
