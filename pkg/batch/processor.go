package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"marketmigration/pkg/audit"
	"marketmigration/pkg/dedup"
	"marketmigration/pkg/governor"
	"marketmigration/pkg/models"
	"marketmigration/pkg/pool"
	"marketmigration/pkg/progress"
	"marketmigration/pkg/rollback"
	"marketmigration/pkg/store"
)

// Processor splits a record group into fixed-size batches and processes up
// to MaxConcurrency batches at once. Item failures never abort sibling
// items or other batches; the governor can stop further dispatch between
// batches while in-flight work drains.
type Processor struct {
	runID     string
	config    models.MigrationConfig
	dest      store.DestinationStore
	detector  *dedup.Detector
	gov       *governor.View
	tracker   *progress.Tracker
	auditor   *audit.Logger
	keyFn     models.KeyFunc
	transform models.TransformFunc
	undoLog   *rollback.UndoLog
	log       *logrus.Entry
}

// Config bundles the processor's collaborators for one run
type Config struct {
	RunID     string
	Migration models.MigrationConfig
	Dest      store.DestinationStore
	Detector  *dedup.Detector
	Governor  *governor.View
	Tracker   *progress.Tracker
	Auditor   *audit.Logger
	KeyFn     models.KeyFunc
	Transform models.TransformFunc
	// UndoLog, when non-nil, records every inserted key for rollback
	UndoLog *rollback.UndoLog
}

// NewProcessor creates a batch processor for one run
func NewProcessor(cfg Config) *Processor {
	return &Processor{
		runID:     cfg.RunID,
		config:    cfg.Migration,
		dest:      cfg.Dest,
		detector:  cfg.Detector,
		gov:       cfg.Governor,
		tracker:   cfg.Tracker,
		auditor:   cfg.Auditor,
		keyFn:     cfg.KeyFn,
		transform: cfg.Transform,
		undoLog:   cfg.UndoLog,
		log:       logrus.WithFields(logrus.Fields{"component": "batch", "run_id": cfg.RunID}),
	}
}

// ProcessGroup migrates one record group. It returns every settled batch
// outcome together with the dispatch error, if any: a governor failure or
// context cancellation stops new batches but lets in-flight ones finish.
func (p *Processor) ProcessGroup(ctx context.Context, group models.RecordGroup) ([]models.BatchOutcome, error) {
	batches := partition(group.Records, p.config.BatchSize)
	if len(batches) == 0 {
		return nil, nil
	}

	outcomes := make([]models.BatchOutcome, len(batches))

	// The run deadline governs dispatch only: batches already in flight are
	// allowed to drain even after the deadline stops new submissions.
	tg := pool.NewTaskGroup(context.WithoutCancel(ctx), p.config.MaxConcurrency)

	var dispatchErr error
	for i, records := range batches {
		// Advisory backpressure between batch dispatches
		if err := p.gov.CheckAndThrottle(ctx); err != nil {
			dispatchErr = err
			break
		}
		if ctx.Err() != nil {
			dispatchErr = ctx.Err()
			break
		}

		idx := i
		recs := records
		if !tg.Go(func(taskCtx context.Context) error {
			outcome := p.processBatch(taskCtx, group.Table, idx, recs)
			outcomes[idx] = outcome
			p.tracker.Update(outcome)
			p.auditor.BatchOutcome(taskCtx, p.runID, models.PhaseMigratingData, outcome)
			return nil
		}) {
			dispatchErr = ctx.Err()
			break
		}
	}

	tg.Wait()

	// Keep only the batches that actually ran
	settled := make([]models.BatchOutcome, 0, len(batches))
	for _, o := range outcomes {
		if o.BatchID != "" {
			settled = append(settled, o)
		}
	}
	return settled, dispatchErr
}

// processBatch handles one batch. Items run sequentially so per-item error
// attribution stays precise, unless the store offers a bulk-insert path.
func (p *Processor) processBatch(ctx context.Context, table string, idx int, records []models.Record) models.BatchOutcome {
	start := time.Now()
	outcome := models.BatchOutcome{
		BatchID: fmt.Sprintf("%s-b%04d", table, idx),
		Table:   table,
	}

	if bulk, ok := p.dest.(store.BulkInserter); ok && p.useBulkPath() {
		p.processBulk(ctx, bulk, table, records, &outcome)
		outcome.Elapsed = time.Since(start)
		return outcome
	}

	for _, rec := range records {
		outcome.Processed++
		p.processItem(ctx, table, rec, &outcome)
	}

	outcome.Elapsed = time.Since(start)
	return outcome
}

func (p *Processor) processItem(ctx context.Context, table string, rec models.Record, outcome *models.BatchOutcome) {
	transformed := rec
	if p.transform != nil {
		var err error
		transformed, err = p.transform(rec)
		if err != nil {
			outcome.Failed++
			outcome.Errors = append(outcome.Errors, itemError(p.keyFn(rec), "transform failed: "+err.Error()))
			return
		}
	}

	key := p.keyFn(transformed)

	if p.config.SkipDuplicates && p.detector.Exists(ctx, table, key) {
		outcome.Duplicates++
		return
	}

	// Dry run keeps the control flow but never touches the destination
	if p.config.DryRun {
		outcome.Succeeded++
		return
	}

	if err := p.dest.InsertOne(ctx, table, key, transformed); err != nil {
		outcome.Failed++
		outcome.Errors = append(outcome.Errors, itemError(key, "persist failed: "+err.Error()))
		return
	}

	outcome.Succeeded++
	if p.undoLog != nil {
		p.undoLog.Add(table, key)
	}
}

// useBulkPath reports whether the bulk insert path is usable for this run.
// Rollback needs per-item insert attribution for the undo log and dry run
// must not touch the store, so both force the sequential path.
func (p *Processor) useBulkPath() bool {
	return !p.config.DryRun && !p.config.EnableRollback
}

func (p *Processor) processBulk(ctx context.Context, bulk store.BulkInserter, table string, records []models.Record, outcome *models.BatchOutcome) {
	keys := make([]string, 0, len(records))
	prepared := make([]models.Record, 0, len(records))

	for _, rec := range records {
		outcome.Processed++

		transformed := rec
		if p.transform != nil {
			var err error
			transformed, err = p.transform(rec)
			if err != nil {
				outcome.Failed++
				outcome.Errors = append(outcome.Errors, itemError(p.keyFn(rec), "transform failed: "+err.Error()))
				continue
			}
		}
		keys = append(keys, p.keyFn(transformed))
		prepared = append(prepared, transformed)
	}

	if len(prepared) == 0 {
		return
	}

	result := bulk.InsertMany(ctx, table, keys, prepared)
	for _, err := range result.Errors {
		outcome.Failed++
		outcome.Errors = append(outcome.Errors, itemError("", err.Error()))
	}

	outcome.Succeeded += result.Affected
	// Rows the store's uniqueness constraint rejected are duplicates
	skipped := int64(len(prepared)) - result.Affected - int64(len(result.Errors))
	if skipped > 0 {
		outcome.Duplicates += skipped
	}
}

func itemError(key, msg string) models.MigrationError {
	return models.MigrationError{
		Phase:       models.PhaseMigratingData,
		ItemKey:     key,
		Message:     msg,
		Recoverable: true,
		Timestamp:   time.Now(),
	}
}

func partition(records []models.Record, batchSize int) [][]models.Record {
	if batchSize <= 0 {
		batchSize = 1
	}
	var batches [][]models.Record
	for start := 0; start < len(records); start += batchSize {
		end := start + batchSize
		if end > len(records) {
			end = len(records)
		}
		batches = append(batches, records[start:end])
	}
	return batches
}
