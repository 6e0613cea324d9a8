package job

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/marketdash/internal/clock"
	"github.com/smallbiznis/marketdash/internal/config"
	datasetdomain "github.com/smallbiznis/marketdash/internal/dataset/domain"
	"github.com/smallbiznis/marketdash/internal/job/domain"
	"github.com/smallbiznis/marketdash/internal/objectstore"
	"github.com/smallbiznis/marketdash/internal/queue"
	"github.com/smallbiznis/marketdash/pkg/tenantctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testUserID snowflake.ID = 12

type fixture struct {
	svc   *Service
	db    *gorm.DB
	store *objectstore.MemStore
	queue *queue.Queue
}

func newFixture(t *testing.T, cfg config.PipelineConfig) *fixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&datasetdomain.Dataset{},
		&domain.Job{},
		&domain.JobChunk{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	q := queue.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), zap.NewNop())
	store := objectstore.NewMemStore()

	svc := NewService(Params{
		DB:     db,
		Log:    zap.NewNop(),
		Store:  store,
		Queue:  q,
		Holder: config.NewStaticPipelineHolder(cfg),
		Config: config.Config{Storage: config.StorageConfig{PresignTTLSeconds: 600}},
		GenID:  node,
		Clock:  clock.NewFakeClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)),
	})
	return &fixture{svc: svc, db: db, store: store, queue: q}
}

func tenantCtx() context.Context {
	return tenantctx.WithUserID(context.Background(), testUserID)
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t, config.DefaultPipelineConfig())
	ctx := tenantCtx()

	_, err := f.svc.Create(ctx, testUserID, CreateRequest{Filename: "sales.csv", Type: "orders"})
	assert.ErrorIs(t, err, datasetdomain.ErrInvalidType)

	_, err = f.svc.Create(ctx, testUserID, CreateRequest{Filename: "sales.xlsx", Type: "transaction"})
	assert.ErrorIs(t, err, domain.ErrInvalidFilename)

	_, err = f.svc.Create(ctx, testUserID, CreateRequest{Filename: "  ", Type: "transaction"})
	assert.ErrorIs(t, err, domain.ErrInvalidFilename)
}

func TestCreateStagesJobAndDataset(t *testing.T) {
	f := newFixture(t, config.DefaultPipelineConfig())

	resp, err := f.svc.Create(tenantCtx(), testUserID, CreateRequest{
		Filename: "April Report.csv",
		Type:     "transaction",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.UploadURL)
	assert.Equal(t, 600, resp.ExpiresInSeconds)
	assert.Contains(t, resp.StorageKey, "april-report.csv")

	j, err := f.svc.Get(tenantCtx(), resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, j.Status)

	var ds datasetdomain.Dataset
	require.NoError(t, f.db.Where("id = ?", resp.DatasetID).First(&ds).Error)
	assert.Equal(t, datasetdomain.StatusPending, ds.Status)
	assert.Equal(t, "April Report.csv", ds.Filename)
}

func TestCommitRequiresUpload(t *testing.T) {
	f := newFixture(t, config.DefaultPipelineConfig())

	resp, err := f.svc.Create(tenantCtx(), testUserID, CreateRequest{Filename: "s.csv", Type: "transaction"})
	require.NoError(t, err)

	_, err = f.svc.Commit(tenantCtx(), resp.JobID)
	assert.ErrorIs(t, err, domain.ErrUploadMissing)
}

func TestCommitEnqueuesOwnerTask(t *testing.T) {
	f := newFixture(t, config.DefaultPipelineConfig())
	ctx := tenantCtx()

	resp, err := f.svc.Create(ctx, testUserID, CreateRequest{Filename: "s.csv", Type: "transaction"})
	require.NoError(t, err)
	f.store.Seed(resp.StorageKey, []byte("date,product\n"))

	j, err := f.svc.Commit(ctx, resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, j.Status)

	task, ok, err := f.queue.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, queue.KindProcessJob, task.Kind)
	assert.Equal(t, resp.JobID.String(), task.JobID)
	assert.Equal(t, int64(testUserID), task.UserID)

	var ds datasetdomain.Dataset
	require.NoError(t, f.db.Where("id = ?", resp.DatasetID).First(&ds).Error)
	assert.Equal(t, datasetdomain.StatusProcessing, ds.Status)
}

func TestCommitUsesSplitTaskInPersistedChunksMode(t *testing.T) {
	cfg := config.DefaultPipelineConfig()
	cfg.Mode = config.ModePersistedChunks
	f := newFixture(t, cfg)
	ctx := tenantCtx()

	resp, err := f.svc.Create(ctx, testUserID, CreateRequest{Filename: "s.csv", Type: "transaction"})
	require.NoError(t, err)
	f.store.Seed(resp.StorageKey, []byte("date,product\n"))

	_, err = f.svc.Commit(ctx, resp.JobID)
	require.NoError(t, err)

	task, ok, err := f.queue.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, queue.KindSplitJob, task.Kind)
}

func TestCommitTwiceConflicts(t *testing.T) {
	f := newFixture(t, config.DefaultPipelineConfig())
	ctx := tenantCtx()

	resp, err := f.svc.Create(ctx, testUserID, CreateRequest{Filename: "s.csv", Type: "transaction"})
	require.NoError(t, err)
	f.store.Seed(resp.StorageKey, []byte("date,product\n"))

	_, err = f.svc.Commit(ctx, resp.JobID)
	require.NoError(t, err)

	_, err = f.svc.Commit(ctx, resp.JobID)
	assert.ErrorIs(t, err, domain.ErrAlreadyCommitted)
}

func TestCommitTerminalJob(t *testing.T) {
	f := newFixture(t, config.DefaultPipelineConfig())
	ctx := tenantCtx()

	resp, err := f.svc.Create(ctx, testUserID, CreateRequest{Filename: "s.csv", Type: "transaction"})
	require.NoError(t, err)
	require.NoError(t, f.db.Model(&domain.Job{}).
		Where("job_id = ?", resp.JobID).
		Update("status", domain.StatusFailed).Error)

	_, err = f.svc.Commit(ctx, resp.JobID)
	assert.ErrorIs(t, err, domain.ErrTerminal)
}

func TestCommitAppliesBackpressure(t *testing.T) {
	cfg := config.DefaultPipelineConfig()
	cfg.HighWaterMark = 1
	f := newFixture(t, cfg)
	ctx := tenantCtx()

	// The broker already holds a pending task.
	require.NoError(t, f.queue.Enqueue(ctx, queue.Task{Kind: queue.KindProcessJob, JobID: "other"}))

	resp, err := f.svc.Create(ctx, testUserID, CreateRequest{Filename: "s.csv", Type: "transaction"})
	require.NoError(t, err)
	f.store.Seed(resp.StorageKey, []byte("date,product\n"))

	_, err = f.svc.Commit(ctx, resp.JobID)
	assert.ErrorIs(t, err, ErrQueueSaturated)

	// The job is still committable once the queue drains.
	j, err := f.svc.Get(ctx, resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, j.Status)
}

func TestDeleteRemovesJobAndStagedObjects(t *testing.T) {
	f := newFixture(t, config.DefaultPipelineConfig())
	ctx := tenantCtx()

	resp, err := f.svc.Create(ctx, testUserID, CreateRequest{Filename: "s.csv", Type: "transaction"})
	require.NoError(t, err)
	f.store.Seed(resp.StorageKey, []byte("date,product\n"))

	chunkKey := "jobs/" + resp.JobID.String() + "/chunks/0.csv"
	f.store.Seed(chunkKey, []byte("date,product\n"))
	require.NoError(t, f.db.Create(&domain.JobChunk{
		JobID:      resp.JobID,
		ChunkIndex: 0,
		UserID:     testUserID,
		StorageKey: chunkKey,
		Status:     domain.ChunkQueued,
		UpdatedAt:  time.Now(),
	}).Error)

	require.NoError(t, f.svc.Delete(ctx, resp.JobID))

	_, err = f.svc.Get(ctx, resp.JobID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	exists, err := f.store.Exists(ctx, resp.StorageKey)
	require.NoError(t, err)
	assert.False(t, exists)
	exists, err = f.store.Exists(ctx, chunkKey)
	require.NoError(t, err)
	assert.False(t, exists)

	var chunks int64
	require.NoError(t, f.db.Model(&domain.JobChunk{}).Count(&chunks).Error)
	assert.EqualValues(t, 0, chunks)
}
