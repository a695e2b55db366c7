package rollback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"marketmigration/pkg/models"
	"marketmigration/pkg/store"
)

// UndoEntry identifies one record inserted during a run
type UndoEntry struct {
	Table      string
	NaturalKey string
}

// UndoLog collects the identifiers of records a run has inserted, so a
// failed run can be reversed precisely instead of reporting a no-op as
// success.
type UndoLog struct {
	mu      sync.Mutex
	entries []UndoEntry
}

// NewUndoLog creates an empty undo log
func NewUndoLog() *UndoLog {
	return &UndoLog{}
}

// Add records one inserted record
func (l *UndoLog) Add(table, naturalKey string) {
	l.mu.Lock()
	l.entries = append(l.entries, UndoEntry{Table: table, NaturalKey: naturalKey})
	l.mu.Unlock()
}

// Len returns the number of recorded inserts
func (l *UndoLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Entries returns a copy of the recorded inserts
func (l *UndoLog) Entries() []UndoEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]UndoEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Manager undoes the effects of a partially completed run by deleting the
// records its undo log names from the destination store.
type Manager struct {
	dest store.DestinationStore
	log  *logrus.Entry
}

// NewManager creates a rollback manager over the destination store
func NewManager(dest store.DestinationStore) *Manager {
	return &Manager{
		dest: dest,
		log:  logrus.WithField("component", "rollback"),
	}
}

// Rollback deletes every record in the undo log. The returned record
// reports accurately whether the undo itself succeeded; individual delete
// failures are collected and flip the success flag.
func (m *Manager) Rollback(ctx context.Context, runID string, undoLog *UndoLog) models.RollbackRecord {
	start := time.Now()
	record := models.RollbackRecord{
		RollbackID: "rb_" + uuid.NewString()[:8],
		RunID:      runID,
		Success:    true,
	}

	for _, entry := range undoLog.Entries() {
		if err := m.dest.Delete(ctx, entry.Table, entry.NaturalKey); err != nil {
			record.Success = false
			record.Errors = append(record.Errors,
				fmt.Sprintf("%s/%s: %v", entry.Table, entry.NaturalKey, err))
			continue
		}
		record.ItemsUndone++
	}

	record.Elapsed = time.Since(start)

	m.log.WithFields(logrus.Fields{
		"run_id":       runID,
		"rollback_id":  record.RollbackID,
		"items_undone": record.ItemsUndone,
		"success":      record.Success,
	}).Info("rollback finished")

	return record
}
