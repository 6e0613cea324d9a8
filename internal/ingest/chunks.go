package ingest

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	datasetdomain "github.com/smallbiznis/marketdash/internal/dataset/domain"
	jobdomain "github.com/smallbiznis/marketdash/internal/job/domain"
	"github.com/smallbiznis/marketdash/internal/normalize"
	"github.com/smallbiznis/marketdash/internal/queue"
	"github.com/smallbiznis/marketdash/pkg/rls"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// retryBackoffBase scales the exponential chunk retry delay; tests shrink it.
var retryBackoffBase = time.Second

func chunkKey(jobID uuid.UUID, index int) string {
	return fmt.Sprintf("jobs/%s/chunks/%d.csv", jobID, index)
}

// SplitJob slices the upload on line boundaries into persisted chunk
// objects, each re-prefixed with the header line, and fans out one task per
// chunk. The upload is read as a stream, spooled to UPLOAD_TEMP_DIR when
// configured, so the whole object never sits in memory; each chunk is
// decoded on its own when processed.
func (w *Worker) SplitJob(ctx context.Context, task queue.Task) error {
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
		return nil
	}

	finalCtx := context.WithoutCancel(ctx)

	body, err := w.store.Get(ctx, j.StorageKey)
	if err != nil {
		return w.finalize(finalCtx, j, ingestTally{}, "storage read failed: "+err.Error())
	}
	src, cleanup, err := w.spool(body)
	if err != nil {
		_ = body.Close()
		return w.finalize(finalCtx, j, ingestTally{}, "storage read failed: "+err.Error())
	}
	defer cleanup()
	defer body.Close()

	br := bufio.NewReaderSize(src, 64<<10)
	header, err := br.ReadBytes('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return w.finalize(finalCtx, j, ingestTally{}, "storage read failed: "+err.Error())
	}
	if len(bytes.TrimSpace(header)) == 0 {
		return w.finalize(finalCtx, j, ingestTally{}, "")
	}
	if !bytes.HasSuffix(header, []byte{'\n'}) {
		header = append(header, '\n')
	}

	now := w.clock.Now()
	var chunks []jobdomain.JobChunk
	sawData, err := chunkLines(br, w.holder.Get().ChunkBytes, func(payload []byte) error {
		key := chunkKey(jobID, len(chunks))
		content := append(append([]byte{}, header...), payload...)
		if err := w.store.Put(ctx, key, bytes.NewReader(content), "text/csv"); err != nil {
			return err
		}
		chunks = append(chunks, jobdomain.JobChunk{
			JobID:      jobID,
			ChunkIndex: len(chunks),
			UserID:     j.UserID,
			StorageKey: key,
			Status:     jobdomain.ChunkQueued,
			UpdatedAt:  now,
		})
		return nil
	})
	if err != nil {
		return w.finalize(finalCtx, j, ingestTally{}, "chunk upload failed: "+err.Error())
	}
	if !sawData {
		return w.finalize(finalCtx, j, ingestTally{}, "")
	}

	err = rls.RunAs(ctx, w.db, userID, func(tx *gorm.DB) error {
		if err := tx.Create(&chunks).Error; err != nil {
			return err
		}
		return tx.Model(&jobdomain.Job{}).
			Where("job_id = ?", jobID).
			Updates(map[string]any{"total_chunks": len(chunks), "updated_at": now}).Error
	})
	if err != nil {
		return w.finalize(finalCtx, j, ingestTally{}, "chunk bookkeeping failed: "+err.Error())
	}

	for i := range chunks {
		t := queue.Task{Kind: queue.KindProcessChunk, JobID: jobID.String(), UserID: task.UserID, ChunkIndex: i}
		if err := w.queue.Enqueue(ctx, t); err != nil {
			return w.finalize(finalCtx, j, ingestTally{}, "chunk enqueue failed: "+err.Error())
		}
	}

	w.log.Info("job split", zap.String("job_id", jobID.String()), zap.Int("chunks", len(chunks)))
	return nil
}

// chunkLines reads data lines from r and emits payloads of whole lines, each
// at least maxBytes (the line crossing the boundary stays with its payload,
// the last payload may be smaller). Whitespace-only lines are dropped.
// sawData reports whether any data line was seen at all.
func chunkLines(r *bufio.Reader, maxBytes int, emit func([]byte) error) (sawData bool, err error) {
	var buf bytes.Buffer
	for {
		line, readErr := r.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			sawData = true
			buf.Write(line)
			if buf.Len() >= maxBytes {
				if err := emit(buf.Bytes()); err != nil {
					return sawData, err
				}
				buf.Reset()
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return sawData, readErr
		}
	}
	if buf.Len() > 0 {
		if err := emit(buf.Bytes()); err != nil {
			return sawData, err
		}
	}
	return sawData, nil
}

// ProcessChunk ingests one persisted chunk in a single transaction and
// retries itself with backoff until the attempt budget runs out. The job
// completes when the last chunk lands.
func (w *Worker) ProcessChunk(ctx context.Context, task queue.Task) error {
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
		return nil
	}

	var chunk jobdomain.JobChunk
	err = rls.RunAs(ctx, w.db, userID, func(tx *gorm.DB) error {
		return tx.Where("job_id = ? AND chunk_index = ?", jobID, task.ChunkIndex).First(&chunk).Error
	})
	if err != nil {
		return err
	}
	if chunk.Status == jobdomain.ChunkOK {
		return nil
	}

	tally, procErr := w.ingestChunk(ctx, j, chunk)
	if procErr != nil {
		return w.retryOrFailChunk(ctx, j, chunk, task, procErr)
	}

	allDone := false
	now := w.clock.Now()
	err = rls.RunAs(ctx, w.db, userID, func(tx *gorm.DB) error {
		var current jobdomain.Job
		if err := lockForUpdate(tx).Where("job_id = ?", jobID).First(&current).Error; err != nil {
			return err
		}

		if err := tx.Model(&jobdomain.JobChunk{}).
			Where("job_id = ? AND chunk_index = ?", jobID, chunk.ChunkIndex).
			Updates(map[string]any{
				"status":     jobdomain.ChunkOK,
				"attempts":   chunk.Attempts + 1,
				"error":      nil,
				"updated_at": now,
			}).Error; err != nil {
			return err
		}

		merged := mergeTally(current.Meta, tally)
		meta := datatypes.JSONMap{
			jobdomain.MetaRowsInserted:     merged.inserted,
			jobdomain.MetaRowsDeduplicated: merged.deduped,
			jobdomain.MetaRowsRejected:     int64(len(merged.rowErrors)),
		}
		if len(merged.rowErrors) > 0 {
			meta[jobdomain.MetaErrors] = merged.rowErrors
		}
		if err := tx.Model(&jobdomain.Job{}).
			Where("job_id = ?", jobID).
			Updates(map[string]any{
				"chunks_done": gorm.Expr("chunks_done + 1"),
				"meta":        meta,
				"updated_at":  now,
			}).Error; err != nil {
			return err
		}

		var pending int64
		if err := tx.Model(&jobdomain.JobChunk{}).
			Where("job_id = ? AND status <> ?", jobID, jobdomain.ChunkOK).
			Count(&pending).Error; err != nil {
			return err
		}
		allDone = pending == 0
		return nil
	})
	if err != nil {
		return err
	}

	if allDone {
		return w.finalize(context.WithoutCancel(ctx), j, ingestTally{}, "")
	}
	return nil
}

func (w *Worker) ingestChunk(ctx context.Context, j jobdomain.Job, chunk jobdomain.JobChunk) (ingestTally, error) {
	var tally ingestTally

	body, err := w.store.Get(ctx, chunk.StorageKey)
	if err != nil {
		return tally, err
	}
	raw, err := io.ReadAll(body)
	_ = body.Close()
	if err != nil {
		return tally, err
	}

	doc, err := openCSV(raw)
	if err != nil {
		if errors.Is(err, ErrEmptyFile) {
			return tally, nil
		}
		return tally, err
	}

	cfg := w.holder.Get()
	cols := normalize.MapHeaders(doc.headers)
	norm := normalize.Normalizer{KeepRaw: cfg.KeepRaw}

	var (
		txBatch    []normalize.Transaction
		clickBatch []normalize.Click
		rowIdx     int
	)
	seen := make(map[string]struct{})
	for {
		record, ok, readErr := doc.next()
		if !ok {
			break
		}
		rowIdx++
		if readErr != nil {
			tally.reject(rowIdx, chunk.ChunkIndex, reasonMalformedRecord)
			continue
		}
		if j.Type == datasetdomain.TypeClick {
			row, normErr := norm.Click(cols, doc.headers, record)
			if normErr != nil {
				tally.reject(rowIdx, chunk.ChunkIndex, rejectionReason(normErr))
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
				tally.reject(rowIdx, chunk.ChunkIndex, rejectionReason(normErr))
				continue
			}
			if _, dup := seen[row.Fingerprint]; dup {
				tally.deduped++
				continue
			}
			seen[row.Fingerprint] = struct{}{}
			txBatch = append(txBatch, row)
		}
	}

	err = rls.RunAs(ctx, w.db, j.UserID, func(tx *gorm.DB) error {
		if len(txBatch) > 0 {
			res, err := w.insertTransactions(tx, j, txBatch)
			if err != nil {
				return err
			}
			tally.add(res)
		}
		if len(clickBatch) > 0 {
			res, err := w.insertClicks(tx, j, clickBatch)
			if err != nil {
				return err
			}
			tally.add(res)
		}
		return nil
	})
	if err != nil {
		return ingestTally{}, err
	}
	return tally, nil
}

// retryOrFailChunk re-enqueues the chunk with exponential backoff and jitter
// until the attempt budget is spent, then fails the chunk and the job.
func (w *Worker) retryOrFailChunk(ctx context.Context, j jobdomain.Job, chunk jobdomain.JobChunk, task queue.Task, cause error) error {
	attempts := chunk.Attempts + 1
	maxAttempts := w.holder.Get().MaxAttempts
	now := w.clock.Now()
	msg := cause.Error()

	if attempts < maxAttempts {
		err := rls.RunAs(ctx, w.db, j.UserID, func(tx *gorm.DB) error {
			return tx.Model(&jobdomain.JobChunk{}).
				Where("job_id = ? AND chunk_index = ?", j.JobID, chunk.ChunkIndex).
				Updates(map[string]any{"attempts": attempts, "error": msg, "updated_at": now}).Error
		})
		if err != nil {
			return err
		}

		w.metrics.ChunkRetries.Inc()
		backoff := time.Duration(1<<attempts)*retryBackoffBase + time.Duration(rand.Int63n(int64(retryBackoffBase)))
		w.log.Warn("chunk failed, retrying",
			zap.String("job_id", j.JobID.String()),
			zap.Int("chunk_index", chunk.ChunkIndex),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", backoff),
			zap.Error(cause),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		task.Attempt = attempts
		return w.queue.Enqueue(ctx, task)
	}

	err := rls.RunAs(ctx, w.db, j.UserID, func(tx *gorm.DB) error {
		return tx.Model(&jobdomain.JobChunk{}).
			Where("job_id = ? AND chunk_index = ?", j.JobID, chunk.ChunkIndex).
			Updates(map[string]any{
				"status":     jobdomain.ChunkFailed,
				"attempts":   attempts,
				"error":      msg,
				"updated_at": now,
			}).Error
	})
	if err != nil {
		return err
	}

	failure := fmt.Sprintf("chunk %d failed after %d attempts: %s", chunk.ChunkIndex, attempts, msg)
	tally := ingestTally{}
	tally.reject(0, chunk.ChunkIndex, "chunk_failed")
	return w.finalize(context.WithoutCancel(ctx), j, tally, failure)
}
