package audit

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketmigration/pkg/models"
)

type memorySink struct {
	mu      sync.Mutex
	entries []models.AuditEntry
	err     error
}

func (s *memorySink) Append(ctx context.Context, entry models.AuditEntry) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	s.entries = append(s.entries, entry)
	s.mu.Unlock()
	return nil
}

func (s *memorySink) all() []models.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.AuditEntry(nil), s.entries...)
}

func TestRecordFillsDefaults(t *testing.T) {
	sink := &memorySink{}
	logger := NewLogger(sink, true)

	logger.Record(context.Background(), models.AuditEntry{
		RunID:  "run-1",
		Action: "phase_transition",
	})

	entries := sink.all()
	require.Len(t, entries, 1)
	assert.Equal(t, models.AuditInfo, entries[0].Severity)
	assert.False(t, entries[0].Timestamp.IsZero())
}

func TestDisabledLoggerWritesNothing(t *testing.T) {
	sink := &memorySink{}
	logger := NewLogger(sink, false)

	logger.Record(context.Background(), models.AuditEntry{RunID: "run-1", Action: "x"})
	logger.PhaseTransition(context.Background(), "run-1", models.PhaseCompleted, "")

	assert.Empty(t, sink.all())
}

func TestSinkFailureDoesNotPropagate(t *testing.T) {
	sink := &memorySink{err: fmt.Errorf("connection refused")}
	logger := NewLogger(sink, true)

	// Must not panic and must not block the caller
	logger.Record(context.Background(), models.AuditEntry{RunID: "run-1", Action: "x"})
	logger.BatchOutcome(context.Background(), "run-1", models.PhaseMigratingData, models.BatchOutcome{BatchID: "b1"})
}

func TestBatchOutcomeSeverity(t *testing.T) {
	sink := &memorySink{}
	logger := NewLogger(sink, true)

	logger.BatchOutcome(context.Background(), "run-1", models.PhaseMigratingData, models.BatchOutcome{
		BatchID: "trades-b0001", Processed: 10, Succeeded: 10,
	})
	logger.BatchOutcome(context.Background(), "run-1", models.PhaseMigratingData, models.BatchOutcome{
		BatchID: "trades-b0002", Processed: 10, Succeeded: 8, Failed: 2,
	})

	entries := sink.all()
	require.Len(t, entries, 2)
	assert.Equal(t, models.AuditInfo, entries[0].Severity)
	assert.Equal(t, models.AuditWarning, entries[1].Severity)
	assert.Equal(t, "trades-b0002", entries[1].Detail)
	assert.Equal(t, int64(2), entries[1].Failed)
}

func TestPhaseTransitionEntryShape(t *testing.T) {
	sink := &memorySink{}
	logger := NewLogger(sink, true)

	logger.PhaseTransition(context.Background(), "run-1", models.PhaseValidatingSource, "probing source")

	entries := sink.all()
	require.Len(t, entries, 1)
	assert.Equal(t, "phase_transition", entries[0].Action)
	assert.Equal(t, models.PhaseValidatingSource, entries[0].Phase)
	assert.Equal(t, "probing source", entries[0].Detail)
}
