package job

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"github.com/smallbiznis/marketdash/internal/clock"
	"github.com/smallbiznis/marketdash/internal/config"
	datasetdomain "github.com/smallbiznis/marketdash/internal/dataset/domain"
	"github.com/smallbiznis/marketdash/internal/job/domain"
	"github.com/smallbiznis/marketdash/internal/objectstore"
	"github.com/smallbiznis/marketdash/internal/queue"
	"github.com/smallbiznis/marketdash/pkg/rls"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrQueueSaturated rejects commits while the broker is over the high-water
// mark; callers should retry later.
var ErrQueueSaturated = errors.New("ingestion queue saturated")

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	Store  objectstore.Store
	Queue  *queue.Queue
	Holder *config.PipelineHolder
	Config config.Config
	GenID  *snowflake.Node
	Clock  clock.Clock
}

// Service orchestrates ingestion jobs: presigned upload handoff, commit,
// status reads, and deletion.
type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	store      objectstore.Store
	queue      *queue.Queue
	holder     *config.PipelineHolder
	genID      *snowflake.Node
	clock      clock.Clock
	presignTTL time.Duration
}

func NewService(p Params) *Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("job.service"),
		store:      p.Store,
		queue:      p.Queue,
		holder:     p.Holder,
		genID:      p.GenID,
		clock:      p.Clock,
		presignTTL: time.Duration(p.Config.Storage.PresignTTLSeconds) * time.Second,
	}
}

type CreateRequest struct {
	Filename string `json:"filename" binding:"required"`
	Type     string `json:"type" binding:"required"`
}

type CreateResponse struct {
	JobID            uuid.UUID    `json:"job_id"`
	DatasetID        snowflake.ID `json:"dataset_id,string"`
	StorageKey       string       `json:"storage_key"`
	UploadURL        string       `json:"upload_url"`
	ExpiresInSeconds int          `json:"expires_in_seconds"`
}

// Create registers a pending dataset plus a queued job and hands the caller
// a presigned PUT URL. Nothing is ingested until the job is committed.
func (s *Service) Create(ctx context.Context, userID snowflake.ID, req CreateRequest) (CreateResponse, error) {
	if !datasetdomain.ValidType(req.Type) {
		return CreateResponse{}, datasetdomain.ErrInvalidType
	}
	base := path.Base(strings.TrimSpace(req.Filename))
	if base == "" || base == "." || !strings.HasSuffix(strings.ToLower(base), ".csv") {
		return CreateResponse{}, domain.ErrInvalidFilename
	}

	jobID := uuid.New()
	key := fmt.Sprintf("uploads/%s/%s.csv", jobID, slug.Make(strings.TrimSuffix(base, path.Ext(base))))
	now := s.clock.Now()

	ds := datasetdomain.Dataset{
		ID:         s.genID.Generate(),
		UserID:     userID,
		Filename:   base,
		Type:       req.Type,
		Status:     datasetdomain.StatusPending,
		UploadedAt: now,
	}
	j := domain.Job{
		JobID:      jobID,
		DatasetID:  ds.ID,
		UserID:     userID,
		Type:       req.Type,
		StorageKey: key,
		Status:     domain.StatusQueued,
		Meta:       datatypes.JSONMap{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	err := rls.RunAs(ctx, s.db, userID, func(tx *gorm.DB) error {
		if err := tx.Create(&ds).Error; err != nil {
			return err
		}
		return tx.Create(&j).Error
	})
	if err != nil {
		return CreateResponse{}, err
	}

	uploadURL, err := s.store.PresignPut(ctx, key, "text/csv", s.presignTTL)
	if err != nil {
		return CreateResponse{}, err
	}

	s.log.Info("job created",
		zap.String("job_id", jobID.String()),
		zap.String("type", req.Type),
		zap.String("storage_key", key),
	)
	return CreateResponse{
		JobID:            jobID,
		DatasetID:        ds.ID,
		StorageKey:       key,
		UploadURL:        uploadURL,
		ExpiresInSeconds: int(s.presignTTL.Seconds()),
	}, nil
}

// Commit verifies the upload landed, applies backpressure, moves the job to
// running, and enqueues the worker task. A second commit of the same job is
// a conflict.
func (s *Service) Commit(ctx context.Context, jobID uuid.UUID) (domain.Job, error) {
	j, err := s.Get(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if j.Terminal() {
		return domain.Job{}, domain.ErrTerminal
	}
	if j.Status != domain.StatusQueued {
		return domain.Job{}, domain.ErrAlreadyCommitted
	}

	exists, err := s.store.Exists(ctx, j.StorageKey)
	if err != nil {
		return domain.Job{}, err
	}
	if !exists {
		return domain.Job{}, domain.ErrUploadMissing
	}

	cfg := s.holder.Get()
	depth, err := s.queue.Depth(ctx)
	if err != nil {
		return domain.Job{}, err
	}
	if depth >= cfg.HighWaterMark {
		return domain.Job{}, ErrQueueSaturated
	}

	now := s.clock.Now()
	err = rls.RunAs(ctx, s.db, j.UserID, func(tx *gorm.DB) error {
		// The status guard makes the transition safe against a concurrent
		// commit of the same job.
		res := tx.Model(&domain.Job{}).
			Where("job_id = ? AND status = ?", jobID, domain.StatusQueued).
			Updates(map[string]any{"status": domain.StatusRunning, "updated_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrAlreadyCommitted
		}
		return tx.Model(&datasetdomain.Dataset{}).
			Where("id = ?", j.DatasetID).
			Update("status", datasetdomain.StatusProcessing).Error
	})
	if err != nil {
		return domain.Job{}, err
	}

	kind := queue.KindProcessJob
	if cfg.Mode == config.ModePersistedChunks {
		kind = queue.KindSplitJob
	}
	if err := s.queue.Enqueue(ctx, queue.Task{Kind: kind, JobID: jobID.String(), UserID: int64(j.UserID)}); err != nil {
		s.failAfterEnqueueError(ctx, j, err)
		return domain.Job{}, err
	}

	j.Status = domain.StatusRunning
	j.UpdatedAt = now
	s.log.Info("job committed", zap.String("job_id", jobID.String()), zap.String("task_kind", kind))
	return j, nil
}

func (s *Service) failAfterEnqueueError(ctx context.Context, j domain.Job, cause error) {
	msg := "enqueue failed: " + cause.Error()
	err := rls.RunAs(ctx, s.db, j.UserID, func(tx *gorm.DB) error {
		if err := tx.Model(&domain.Job{}).
			Where("job_id = ?", j.JobID).
			Updates(map[string]any{
				"status":        domain.StatusFailed,
				"error_message": msg,
				"updated_at":    s.clock.Now(),
			}).Error; err != nil {
			return err
		}
		return tx.Model(&datasetdomain.Dataset{}).
			Where("id = ?", j.DatasetID).
			Updates(map[string]any{
				"status":        datasetdomain.StatusFailed,
				"error_message": msg,
			}).Error
	})
	if err != nil {
		s.log.Error("failed to mark job after enqueue error",
			zap.String("job_id", j.JobID.String()), zap.Error(err))
	}
}

func (s *Service) Get(ctx context.Context, jobID uuid.UUID) (domain.Job, error) {
	var j domain.Job
	err := rls.RunFromContext(ctx, s.db, func(tx *gorm.DB) error {
		return tx.Where("job_id = ?", jobID).First(&j).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Job{}, domain.ErrNotFound
		}
		return domain.Job{}, err
	}
	return j, nil
}

func (s *Service) List(ctx context.Context) ([]domain.Job, error) {
	var jobs []domain.Job
	err := rls.RunFromContext(ctx, s.db, func(tx *gorm.DB) error {
		return tx.Order("created_at DESC, job_id DESC").Find(&jobs).Error
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// Delete removes the job record and its chunks, then best-effort removes the
// staged objects from storage.
func (s *Service) Delete(ctx context.Context, jobID uuid.UUID) error {
	var (
		keys []string
		j    domain.Job
	)
	err := rls.RunFromContext(ctx, s.db, func(tx *gorm.DB) error {
		if err := tx.Where("job_id = ?", jobID).First(&j).Error; err != nil {
			return err
		}
		var chunks []domain.JobChunk
		if err := tx.Where("job_id = ?", jobID).Find(&chunks).Error; err != nil {
			return err
		}
		keys = append(keys, j.StorageKey)
		for _, c := range chunks {
			keys = append(keys, c.StorageKey)
		}
		if err := tx.Where("job_id = ?", jobID).Delete(&domain.JobChunk{}).Error; err != nil {
			return err
		}
		return tx.Delete(&j).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrNotFound
		}
		return err
	}

	for _, key := range keys {
		if err := s.store.Delete(ctx, key); err != nil {
			s.log.Warn("stale object left in storage", zap.String("key", key), zap.Error(err))
		}
	}
	return nil
}

var Module = fx.Module("job",
	fx.Provide(NewService),
)
