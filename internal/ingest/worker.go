// Package ingest runs the CSV pipelines: the in-memory single pass and the
// persisted-chunks fan-out.
package ingest

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/smallbiznis/marketdash/internal/clock"
	"github.com/smallbiznis/marketdash/internal/config"
	"github.com/smallbiznis/marketdash/internal/dashboard/cache"
	datasetdomain "github.com/smallbiznis/marketdash/internal/dataset/domain"
	jobdomain "github.com/smallbiznis/marketdash/internal/job/domain"
	"github.com/smallbiznis/marketdash/internal/normalize"
	"github.com/smallbiznis/marketdash/internal/objectstore"
	"github.com/smallbiznis/marketdash/internal/observability/metrics"
	"github.com/smallbiznis/marketdash/internal/queue"
	"github.com/smallbiznis/marketdash/pkg/rls"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Store   objectstore.Store
	Queue   *queue.Queue
	Holder  *config.PipelineHolder
	Config  config.Config
	GenID   *snowflake.Node
	Clock   clock.Clock
	Metrics *metrics.Metrics
	Cache   *cache.Cache `optional:"true"`
}

// Worker executes ingestion tasks on behalf of the job's owner.
type Worker struct {
	db      *gorm.DB
	log     *zap.Logger
	store   objectstore.Store
	queue   *queue.Queue
	holder  *config.PipelineHolder
	tempDir string
	genID   *snowflake.Node
	clock   clock.Clock
	metrics *metrics.Metrics
	cache   *cache.Cache
}

func NewWorker(p Params) *Worker {
	return &Worker{
		db:      p.DB,
		log:     p.Log.Named("ingest.worker"),
		store:   p.Store,
		queue:   p.Queue,
		holder:  p.Holder,
		tempDir: p.Config.UploadTempDir,
		genID:   p.GenID,
		clock:   p.Clock,
		metrics: p.Metrics,
		cache:   p.Cache,
	}
}

// spool drains src through a file under UPLOAD_TEMP_DIR so a large upload is
// split from disk instead of being held in memory. Without the setting the
// source reader is passed through untouched.
func (w *Worker) spool(src io.Reader) (io.Reader, func(), error) {
	if w.tempDir == "" {
		return src, func() {}, nil
	}
	f, err := os.CreateTemp(w.tempDir, "upload-*.csv")
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(f.Name())
	}
	if _, err := io.Copy(f, src); err != nil {
		cleanup()
		return nil, nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		cleanup()
		return nil, nil, err
	}
	return f, cleanup, nil
}

// batchResult tallies one insert batch.
type batchResult struct {
	inserted int64
	deduped  int64
}

// insertTransactions bulk-inserts a batch; fingerprint conflicts are
// silently dropped, which is what makes re-processing idempotent.
func (w *Worker) insertTransactions(tx *gorm.DB, j jobdomain.Job, batch []normalize.Transaction) (batchResult, error) {
	rows := make([]datasetdomain.TransactionRow, 0, len(batch))
	for _, t := range batch {
		rows = append(rows, datasetdomain.TransactionRow{
			ID:          w.genID.Generate(),
			DatasetID:   j.DatasetID,
			UserID:      j.UserID,
			Date:        t.Date,
			Time:        datasetdomain.NullableString(t.Time),
			Platform:    datasetdomain.NullableString(t.Platform),
			Category:    datasetdomain.NullableString(t.Category),
			Product:     t.Product,
			Status:      datasetdomain.NullableString(t.Status),
			SubID:       datasetdomain.NullableString(t.SubID),
			OrderID:     datasetdomain.NullableString(t.OrderID),
			ProductID:   datasetdomain.NullableString(t.ProductID),
			Revenue:     t.Revenue,
			Commission:  t.Commission,
			Cost:        t.Cost,
			Profit:      t.Profit,
			Quantity:    t.Quantity,
			Fingerprint: t.Fingerprint,
			RawData:     toJSONMap(t.Raw),
			CreatedAt:   w.clock.Now(),
		})
	}
	res := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "fingerprint"}},
		DoNothing: true,
	}).Create(&rows)
	if res.Error != nil {
		return batchResult{}, res.Error
	}
	return batchResult{inserted: res.RowsAffected, deduped: int64(len(rows)) - res.RowsAffected}, nil
}

func (w *Worker) insertClicks(tx *gorm.DB, j jobdomain.Job, batch []normalize.Click) (batchResult, error) {
	rows := make([]datasetdomain.ClickRow, 0, len(batch))
	for _, c := range batch {
		rows = append(rows, datasetdomain.ClickRow{
			ID:          w.genID.Generate(),
			DatasetID:   j.DatasetID,
			UserID:      j.UserID,
			Date:        c.Date,
			Time:        datasetdomain.NullableString(c.Time),
			Channel:     c.Channel,
			SubID:       datasetdomain.NullableString(c.SubID),
			Clicks:      c.Clicks,
			Fingerprint: c.Fingerprint,
			RawData:     toJSONMap(c.Raw),
			CreatedAt:   w.clock.Now(),
		})
	}
	res := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "fingerprint"}},
		DoNothing: true,
	}).Create(&rows)
	if res.Error != nil {
		return batchResult{}, res.Error
	}
	return batchResult{inserted: res.RowsAffected, deduped: int64(len(rows)) - res.RowsAffected}, nil
}

func toJSONMap(raw map[string]string) datatypes.JSONMap {
	if raw == nil {
		return nil
	}
	out := make(datatypes.JSONMap, len(raw))
	for k, v := range raw {
		out[k] = v
	}
	return out
}

// loadJob fetches the job under the owner's tenant.
func (w *Worker) loadJob(ctx context.Context, userID snowflake.ID, jobID uuid.UUID) (jobdomain.Job, error) {
	var j jobdomain.Job
	err := rls.RunAs(ctx, w.db, userID, func(tx *gorm.DB) error {
		return tx.Where("job_id = ?", jobID).First(&j).Error
	})
	return j, err
}

// finalize moves the job and dataset to their terminal state and recomputes
// the dataset row count: transactions count rows, clicks sum the click
// column. Terminal states are monotonic; an already-terminal job is left
// untouched.
func (w *Worker) finalize(ctx context.Context, j jobdomain.Job, tally ingestTally, failure string) error {
	now := w.clock.Now()

	jobStatus := jobdomain.StatusCompleted
	dsStatus := datasetdomain.StatusCompleted
	var errMsg *string
	if failure != "" {
		jobStatus = jobdomain.StatusFailed
		dsStatus = datasetdomain.StatusFailed
		errMsg = &failure
	}

	err := rls.RunAs(ctx, w.db, j.UserID, func(tx *gorm.DB) error {
		// Merge this tally with whatever chunk tasks already recorded on
		// the job meta.
		var current jobdomain.Job
		if err := lockForUpdate(tx).Where("job_id = ?", j.JobID).First(&current).Error; err != nil {
			return err
		}
		merged := mergeTally(current.Meta, tally)
		tally = merged

		meta := datatypes.JSONMap{
			jobdomain.MetaRowsInserted:     merged.inserted,
			jobdomain.MetaRowsDeduplicated: merged.deduped,
			jobdomain.MetaRowsRejected:     int64(len(merged.rowErrors)),
		}
		if len(merged.rowErrors) > 0 {
			meta[jobdomain.MetaErrors] = merged.rowErrors
		}

		res := tx.Model(&jobdomain.Job{}).
			Where("job_id = ? AND status NOT IN ?", j.JobID,
				[]string{jobdomain.StatusCompleted, jobdomain.StatusFailed}).
			Updates(map[string]any{
				"status":        jobStatus,
				"meta":          meta,
				"error_message": errMsg,
				"updated_at":    now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		var rowCount int64
		if j.Type == datasetdomain.TypeClick {
			if err := tx.Model(&datasetdomain.ClickRow{}).
				Where("dataset_id = ?", j.DatasetID).
				Select("COALESCE(SUM(clicks), 0)").
				Scan(&rowCount).Error; err != nil {
				return err
			}
		} else {
			if err := tx.Model(&datasetdomain.TransactionRow{}).
				Where("dataset_id = ?", j.DatasetID).
				Count(&rowCount).Error; err != nil {
				return err
			}
		}

		return tx.Model(&datasetdomain.Dataset{}).
			Where("id = ?", j.DatasetID).
			Updates(map[string]any{
				"status":        dsStatus,
				"row_count":     rowCount,
				"error_message": errMsg,
			}).Error
	})
	if err != nil {
		return err
	}

	w.metrics.JobsCompleted.WithLabelValues(jobStatus).Inc()
	w.metrics.RowsInserted.WithLabelValues(j.Type).Add(float64(tally.inserted))
	w.metrics.RowsDeduplicated.WithLabelValues(j.Type).Add(float64(tally.deduped))
	for _, re := range tally.rowErrors {
		w.metrics.RowsRejected.WithLabelValues(re.Reason).Inc()
	}
	if w.cache != nil {
		w.cache.Invalidate(ctx, j.UserID)
	}

	w.log.Info("job finalized",
		zap.String("job_id", j.JobID.String()),
		zap.String("status", jobStatus),
		zap.Int64("rows_inserted", tally.inserted),
		zap.Int64("rows_deduplicated", tally.deduped),
		zap.Int("rows_rejected", len(tally.rowErrors)),
	)
	return nil
}

// ingestTally accumulates counters across batches of one job.
type ingestTally struct {
	inserted  int64
	deduped   int64
	rowErrors []jobdomain.RowError
}

func (t *ingestTally) add(r batchResult) {
	t.inserted += r.inserted
	t.deduped += r.deduped
}

func (t *ingestTally) reject(rowIdx, chunkIdx int, reason string) {
	t.rowErrors = append(t.rowErrors, jobdomain.RowError{Row: rowIdx, Chunk: chunkIdx, Reason: reason})
}

// bumpProgress advances both chunk counters inside the batch transaction, so
// chunks_done never exceeds total_chunks and progress survives a crash.
func bumpProgress(tx *gorm.DB, jobID uuid.UUID, now time.Time) error {
	return tx.Model(&jobdomain.Job{}).
		Where("job_id = ?", jobID).
		Updates(map[string]any{
			"total_chunks": gorm.Expr("total_chunks + 1"),
			"chunks_done":  gorm.Expr("chunks_done + 1"),
			"updated_at":   now,
		}).Error
}

// lockForUpdate serializes concurrent chunk workers on the job row where the
// dialect supports it.
func lockForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

// mergeTally folds the counters already stored on the job meta into the
// in-flight tally.
func mergeTally(meta datatypes.JSONMap, tally ingestTally) ingestTally {
	merged := ingestTally{
		inserted: jobdomain.MetaCounter(meta, jobdomain.MetaRowsInserted) + tally.inserted,
		deduped:  jobdomain.MetaCounter(meta, jobdomain.MetaRowsDeduplicated) + tally.deduped,
	}
	merged.rowErrors = append(jobdomain.ErrorsFromMeta(meta), tally.rowErrors...)
	return merged
}
