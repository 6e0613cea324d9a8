package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	datasetdomain "github.com/smallbiznis/marketdash/internal/dataset/domain"
	"github.com/smallbiznis/marketdash/internal/normalize"
	"github.com/smallbiznis/marketdash/internal/queue"
	"github.com/smallbiznis/marketdash/pkg/rls"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const reasonMalformedRecord = "malformed_record"

// ProcessJob is the in-memory pipeline: one task ingests the whole upload,
// committing one transaction per batch. Each committed batch counts as one
// logical chunk.
func (w *Worker) ProcessJob(ctx context.Context, task queue.Task) error {
	jobID, err := uuid.Parse(task.JobID)
	if err != nil {
		return fmt.Errorf("malformed job id %q: %w", task.JobID, err)
	}
	userID := snowflake.ID(task.UserID)

	j, err := w.loadJob(ctx, userID, jobID)
	if err != nil {
		return err
	}
	if j.Terminal() {
		w.log.Info("skipping terminal job", zap.String("job_id", jobID.String()))
		return nil
	}

	cfg := w.holder.Get()
	runCtx, cancel := context.WithTimeout(ctx, cfg.HardTimeout())
	defer cancel()
	softDeadline := w.clock.Now().Add(cfg.SoftTimeout())

	// Finalization must survive an expired processing deadline.
	finalCtx := context.WithoutCancel(ctx)

	body, err := w.store.Get(runCtx, j.StorageKey)
	if err != nil {
		return w.finalize(finalCtx, j, ingestTally{}, "storage read failed: "+err.Error())
	}
	raw, err := io.ReadAll(body)
	_ = body.Close()
	if err != nil {
		return w.finalize(finalCtx, j, ingestTally{}, "storage read failed: "+err.Error())
	}

	doc, err := openCSV(raw)
	if err != nil {
		if errors.Is(err, ErrEmptyFile) {
			// An empty upload is a successful ingestion of zero rows.
			return w.finalize(finalCtx, j, ingestTally{}, "")
		}
		return w.finalize(finalCtx, j, ingestTally{}, "csv parse failed: "+err.Error())
	}

	cols := normalize.MapHeaders(doc.headers)
	norm := normalize.Normalizer{KeepRaw: cfg.KeepRaw}

	var (
		tally      ingestTally
		seen       = make(map[string]struct{})
		txBatch    []normalize.Transaction
		clickBatch []normalize.Click
		rowIdx     int
	)

	flush := func() error {
		if len(txBatch) == 0 && len(clickBatch) == 0 {
			return nil
		}
		err := rls.RunAs(runCtx, w.db, userID, func(tx *gorm.DB) error {
			var (
				res batchResult
				err error
			)
			if len(txBatch) > 0 {
				res, err = w.insertTransactions(tx, j, txBatch)
			} else {
				res, err = w.insertClicks(tx, j, clickBatch)
			}
			if err != nil {
				return err
			}
			tally.add(res)
			return bumpProgress(tx, jobID, w.clock.Now())
		})
		txBatch = txBatch[:0]
		clickBatch = clickBatch[:0]
		return err
	}

	for {
		record, ok, readErr := doc.next()
		if !ok {
			break
		}
		rowIdx++
		if readErr != nil {
			tally.reject(rowIdx, 0, reasonMalformedRecord)
			continue
		}

		if j.Type == datasetdomain.TypeClick {
			row, normErr := norm.Click(cols, doc.headers, record)
			if normErr != nil {
				tally.reject(rowIdx, 0, rejectionReason(normErr))
				continue
			}
			if _, dup := seen[row.Fingerprint]; dup {
				tally.deduped++
				continue
			}
			seen[row.Fingerprint] = struct{}{}
			clickBatch = append(clickBatch, row)
		} else {
			row, normErr := norm.Transaction(cols, doc.headers, record)
			if normErr != nil {
				tally.reject(rowIdx, 0, rejectionReason(normErr))
				continue
			}
			if _, dup := seen[row.Fingerprint]; dup {
				tally.deduped++
				continue
			}
			seen[row.Fingerprint] = struct{}{}
			txBatch = append(txBatch, row)
		}

		if len(txBatch)+len(clickBatch) >= cfg.BatchSize {
			if err := flush(); err != nil {
				return w.finalize(finalCtx, j, tally, "batch insert failed: "+err.Error())
			}
			// The soft timeout lands between batches so the batch that was
			// already committed stays committed.
			if w.clock.Now().After(softDeadline) {
				return w.finalize(finalCtx, j, tally, "soft timeout exceeded")
			}
		}
	}

	if err := flush(); err != nil {
		return w.finalize(finalCtx, j, tally, "batch insert failed: "+err.Error())
	}
	return w.finalize(finalCtx, j, tally, "")
}

func rejectionReason(err error) string {
	var rej *normalize.RejectionError
	if errors.As(err, &rej) {
		return rej.Reason
	}
	return reasonMalformedRecord
}
