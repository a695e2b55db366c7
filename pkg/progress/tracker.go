package progress

import (
	"sync"
	"sync/atomic"
	"time"

	"marketmigration/pkg/models"
)

// Tracker accumulates batch outcomes into a running total for one run and
// computes throughput and ETA. Counters are commutative sums, so batches
// may report out of order without affecting final totals.
type Tracker struct {
	runID      string
	total      int64
	processed  atomic.Int64
	succeeded  atomic.Int64
	failed     atomic.Int64
	duplicates atomic.Int64
	startTime  time.Time

	mu    sync.RWMutex
	phase models.Phase
	sink  models.ProgressSink
}

// NewTracker creates a tracker for a run over the given record total
func NewTracker(runID string, totalRecords int64, sink models.ProgressSink) *Tracker {
	return &Tracker{
		runID:     runID,
		total:     totalRecords,
		startTime: time.Now(),
		phase:     models.PhaseInitializing,
		sink:      sink,
	}
}

// SetPhase records the phase reported in subsequent snapshots
func (t *Tracker) SetPhase(phase models.Phase) {
	t.mu.Lock()
	t.phase = phase
	t.mu.Unlock()
}

// Update folds one batch outcome into the totals and publishes a snapshot
func (t *Tracker) Update(outcome models.BatchOutcome) models.ProgressSnapshot {
	t.processed.Add(outcome.Processed)
	t.succeeded.Add(outcome.Succeeded)
	t.failed.Add(outcome.Failed)
	t.duplicates.Add(outcome.Duplicates)

	snapshot := t.Snapshot()

	t.mu.RLock()
	sink := t.sink
	t.mu.RUnlock()
	if sink != nil {
		sink(snapshot)
	}

	return snapshot
}

// Snapshot returns the current cumulative progress
func (t *Tracker) Snapshot() models.ProgressSnapshot {
	processed := t.processed.Load()
	elapsed := time.Since(t.startTime)

	throughput := 0.0
	if elapsed.Seconds() > 0 {
		throughput = float64(processed) / elapsed.Seconds()
	}

	// Zero throughput yields a zero ETA rather than a division error
	var etaMs int64
	if throughput > 0 && t.total > processed {
		etaMs = int64(float64(t.total-processed) / throughput * 1000)
	}

	progressPct := 0.0
	if t.total > 0 {
		progressPct = float64(processed) / float64(t.total) * 100
	}

	t.mu.RLock()
	phase := t.phase
	t.mu.RUnlock()

	return models.ProgressSnapshot{
		RunID:               t.runID,
		Phase:               phase,
		TotalRecords:        t.total,
		ProcessedRecords:    processed,
		SucceededRecords:    t.succeeded.Load(),
		FailedRecords:       t.failed.Load(),
		DuplicateRecords:    t.duplicates.Load(),
		ProgressPct:         progressPct,
		ThroughputPerSecond: throughput,
		ETAMs:               etaMs,
		ElapsedMs:           elapsed.Milliseconds(),
		UpdatedAt:           time.Now(),
	}
}
