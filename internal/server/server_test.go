package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	redis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/marketdash/internal/adspend"
	adspenddomain "github.com/smallbiznis/marketdash/internal/adspend/domain"
	"github.com/smallbiznis/marketdash/internal/clock"
	"github.com/smallbiznis/marketdash/internal/config"
	"github.com/smallbiznis/marketdash/internal/dashboard"
	"github.com/smallbiznis/marketdash/internal/dashboard/cache"
	"github.com/smallbiznis/marketdash/internal/dataset"
	datasetdomain "github.com/smallbiznis/marketdash/internal/dataset/domain"
	"github.com/smallbiznis/marketdash/internal/job"
	jobdomain "github.com/smallbiznis/marketdash/internal/job/domain"
	"github.com/smallbiznis/marketdash/internal/objectstore"
	"github.com/smallbiznis/marketdash/internal/observability/metrics"
	"github.com/smallbiznis/marketdash/internal/queue"
	"github.com/smallbiznis/marketdash/internal/user"
	userdomain "github.com/smallbiznis/marketdash/internal/user/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testToken = "test-token"

type testServer struct {
	srv   *Server
	db    *gorm.DB
	store *objectstore.MemStore
	queue *queue.Queue
	redis *miniredis.Miniredis
	clock *clock.FakeClock
	node  *snowflake.Node
	owner userdomain.User
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&userdomain.User{},
		&userdomain.APIToken{},
		&datasetdomain.Dataset{},
		&datasetdomain.TransactionRow{},
		&datasetdomain.ClickRow{},
		&jobdomain.Job{},
		&jobdomain.JobChunk{},
		&adspenddomain.AdSpend{},
		&adspenddomain.Allocation{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fc := clock.NewFakeClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := queue.NewWithClient(client, log)

	cfg := config.Config{
		AppName:     "marketdash",
		Environment: "test",
		HTTPAddr:    ":0",
		Storage:     config.StorageConfig{PresignTTLSeconds: 900},
	}
	holder := config.NewStaticPipelineHolder(config.DefaultPipelineConfig())
	store := objectstore.NewMemStore()
	dashCache := cache.NewWithClient(client, holder, log)

	owner := userdomain.User{
		ID:        node.Generate(),
		Email:     "owner@example.com",
		IsActive:  true,
		CreatedAt: fc.Now(),
	}
	require.NoError(t, db.Create(&owner).Error)
	token := userdomain.APIToken{
		ID:        node.Generate(),
		UserID:    owner.ID,
		TokenHash: userdomain.HashToken(testToken, cfg.AuthTokenPepper),
		Name:      "test",
		IsActive:  true,
		CreatedAt: fc.Now(),
	}
	require.NoError(t, db.Create(&token).Error)

	userSvc := user.NewService(user.Params{DB: db, Config: cfg, Clock: fc, Log: log, GenID: node})
	jobSvc := job.NewService(job.Params{
		DB: db, Log: log, Store: store, Queue: q,
		Holder: holder, Config: cfg, GenID: node, Clock: fc,
	})
	datasetSvc := dataset.NewService(dataset.Params{DB: db, Log: log})
	dashboardSvc := dashboard.NewService(dashboard.Params{DB: db, Log: log, Holder: holder, Cache: dashCache})
	adSpendSvc := adspend.NewService(adspend.Params{DB: db, Log: log, GenID: node, Clock: fc, Cache: dashCache})

	engine := NewEngine(cfg, metrics.New())
	srv := NewServer(ServerParams{
		Gin: engine, Cfg: cfg, DB: db, Queue: q,
		UserSvc: userSvc, JobSvc: jobSvc, DatasetSvc: datasetSvc,
		DashboardSvc: dashboardSvc, AdSpendSvc: adSpendSvc,
	})

	return &testServer{srv: srv, db: db, store: store, queue: q, redis: mr, clock: fc, node: node, owner: owner}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+testToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	rec := httptest.NewRecorder()
	ts.srv.Engine().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (ts *testServer) seedTransactionRows(t *testing.T) datasetdomain.Dataset {
	t.Helper()

	ds := datasetdomain.Dataset{
		ID:         ts.node.Generate(),
		UserID:     ts.owner.ID,
		Filename:   "sales.csv",
		Type:       datasetdomain.TypeTransaction,
		Status:     datasetdomain.StatusCompleted,
		RowCount:   2,
		UploadedAt: ts.clock.Now(),
	}
	require.NoError(t, ts.db.Create(&ds).Error)

	day := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	rows := []datasetdomain.TransactionRow{
		{
			ID: ts.node.Generate(), DatasetID: ds.ID, UserID: ts.owner.ID,
			Date: day, Product: "Keyboard",
			Revenue:    decimal.RequireFromString("100.00"),
			Commission: decimal.RequireFromString("10.00"),
			Profit:     decimal.RequireFromString("90.00"),
			Quantity:   1, Fingerprint: "fp-keyboard", CreatedAt: ts.clock.Now(),
		},
		{
			ID: ts.node.Generate(), DatasetID: ds.ID, UserID: ts.owner.ID,
			Date: day, Product: "Mouse",
			Revenue:    decimal.RequireFromString("50.00"),
			Commission: decimal.RequireFromString("5.00"),
			Profit:     decimal.RequireFromString("45.00"),
			Quantity:   2, Fingerprint: "fp-mouse", CreatedAt: ts.clock.Now(),
		},
	}
	require.NoError(t, ts.db.Create(&rows).Error)
	return ds
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/datasets", nil)
	rec := httptest.NewRecorder()
	ts.srv.Engine().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/datasets", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	rec = httptest.NewRecorder()
	ts.srv.Engine().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	ts.srv.Engine().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody[map[string]any](t, rec)
	comps := body["components"].(map[string]any)
	assert.Equal(t, "ok", comps["database"])
	assert.Equal(t, "ok", comps["queue"])

	// A dead broker degrades the queue component to down and the whole
	// check to 503.
	ts.redis.Close()
	rec = httptest.NewRecorder()
	ts.srv.Engine().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body = decodeBody[map[string]any](t, rec)
	comps = body["components"].(map[string]any)
	assert.Equal(t, "down", comps["queue"])
	assert.Equal(t, "ok", comps["database"])
}

func TestErrorEnvelope(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/v1/jobs/00000000-0000-0000-0000-000000000000", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	body := decodeBody[map[string]any](t, rec)
	payload, ok := body["error"].(map[string]any)
	require.True(t, ok, "error body must carry the envelope object")
	assert.Equal(t, "not_found", payload["kind"])
	assert.NotEmpty(t, payload["message"])
}

func TestCreateJobReturnsPresignedUpload(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/jobs", gin.H{
		"filename": "April Sales.csv",
		"type":     "transaction",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	resp := decodeBody[map[string]any](t, rec)
	assert.NotEmpty(t, resp["job_id"])
	assert.NotEmpty(t, resp["upload_url"])
	assert.Contains(t, resp["storage_key"], "april-sales.csv")
	assert.EqualValues(t, 900, resp["expires_in_seconds"])
}

func TestCreateJobRejectsBadType(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/jobs", gin.H{
		"filename": "x.csv",
		"type":     "orders",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCommitJobFlow(t *testing.T) {
	ts := newTestServer(t)

	created := decodeBody[map[string]any](t, ts.do(t, http.MethodPost, "/api/v1/jobs", gin.H{
		"filename": "sales.csv",
		"type":     "transaction",
	}))
	jobID := created["job_id"].(string)
	key := created["storage_key"].(string)

	// Commit before the upload landed.
	rec := ts.do(t, http.MethodPost, "/api/v1/jobs/"+jobID+"/commit", nil)
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)

	ts.store.Seed(key, []byte("date,product,revenue\n2024-04-01,Keyboard,100\n"))

	rec = ts.do(t, http.MethodPost, "/api/v1/jobs/"+jobID+"/commit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	committed := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "running", committed["status"])

	depth, err := ts.queue.Depth(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth)

	// A second commit is a conflict.
	rec = ts.do(t, http.MethodPost, "/api/v1/jobs/"+jobID+"/commit", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetJobExposesMetaCounters(t *testing.T) {
	ts := newTestServer(t)

	created := decodeBody[map[string]any](t, ts.do(t, http.MethodPost, "/api/v1/jobs", gin.H{
		"filename": "sales.csv",
		"type":     "transaction",
	}))
	jobID := created["job_id"].(string)

	require.NoError(t, ts.db.Model(&jobdomain.Job{}).
		Where("job_id = ?", jobID).
		Updates(map[string]any{
			"status": jobdomain.StatusCompleted,
			"meta": `{"rows_inserted": 10, "rows_deduplicated": 2, "rows_rejected": 1,
				"errors": [{"row": 4, "reason": "missing_date"}]}`,
		}).Error)

	rec := ts.do(t, http.MethodGet, "/api/v1/jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody[jobResponse](t, rec)
	assert.Equal(t, "completed", resp.Status)
	assert.EqualValues(t, 10, resp.RowsInserted)
	assert.EqualValues(t, 2, resp.RowsDeduplicated)
	assert.EqualValues(t, 1, resp.RowsRejected)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, 4, resp.Errors[0].Row)
	assert.Equal(t, "missing_date", resp.Errors[0].Reason)
}

func TestDatasetRowsPagination(t *testing.T) {
	ts := newTestServer(t)
	ds := ts.seedTransactionRows(t)

	rec := ts.do(t, http.MethodGet, fmt.Sprintf("/api/v1/datasets/%s/rows?limit=1&offset=1", ds.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody[map[string]any](t, rec)
	assert.EqualValues(t, 2, resp["total"])
	assert.EqualValues(t, 1, resp["limit"])
	assert.EqualValues(t, 1, resp["offset"])
	assert.Len(t, resp["transactions"], 1)
}

func TestDeleteDatasetRemovesRows(t *testing.T) {
	ts := newTestServer(t)
	ds := ts.seedTransactionRows(t)

	rec := ts.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/datasets/%s", ds.ID), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	var count int64
	require.NoError(t, ts.db.Model(&datasetdomain.TransactionRow{}).Count(&count).Error)
	assert.EqualValues(t, 0, count)

	rec = ts.do(t, http.MethodGet, fmt.Sprintf("/api/v1/datasets/%s", ds.ID), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDashboardQuery(t *testing.T) {
	ts := newTestServer(t)
	ts.seedTransactionRows(t)

	rec := ts.do(t, http.MethodGet, "/api/v1/dashboard?start_date=2024-04-01&end_date=2024-04-30", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody[dashboard.Response](t, rec)
	assert.Equal(t, "150.00", resp.KPIs.Revenue)
	assert.Equal(t, "135.00", resp.KPIs.Profit)
	assert.EqualValues(t, 2, resp.KPIs.Rows)
	require.Len(t, resp.Periods, 1)
	assert.Equal(t, "2024-04-01", resp.Periods[0].Date)
	require.Len(t, resp.Products, 2)
	assert.Equal(t, "Keyboard", resp.Products[0].Product)
}

func TestDashboardAcceptsShortDateParams(t *testing.T) {
	ts := newTestServer(t)
	ts.seedTransactionRows(t)

	// start/end are aliases for start_date/end_date.
	rec := ts.do(t, http.MethodGet, "/api/v1/dashboard?start=2024-04-02&end=2024-04-30", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[dashboard.Response](t, rec)
	assert.Equal(t, "0.00", resp.KPIs.Revenue)
	assert.EqualValues(t, 0, resp.KPIs.Rows)
	assert.Empty(t, resp.Periods)

	rec = ts.do(t, http.MethodGet, "/api/v1/dashboard?start=2024-04-01&end=2024-04-30", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decodeBody[dashboard.Response](t, rec)
	assert.Equal(t, "150.00", resp.KPIs.Revenue)
}

func TestDashboardRejectsBadDate(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/v1/dashboard?start_date=04-01-2024", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdSpendLifecycle(t *testing.T) {
	ts := newTestServer(t)
	ds := ts.seedTransactionRows(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/ad_spends", gin.H{
		"date":   "2024-04-01",
		"sub_id": "__all__",
		"amount": "30.00",
		"clicks": 100,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	spend := decodeBody[map[string]any](t, rec)
	spendID := spend["id"].(string)

	rec = ts.do(t, http.MethodPost, "/api/v1/ad_spends/"+spendID+"/allocate", gin.H{
		"dataset_id": ds.ID.String(),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	alloc := decodeBody[map[string]any](t, rec)
	assert.EqualValues(t, 2, alloc["matched_rows"])
	assert.Equal(t, false, alloc["unallocated"])

	// Allocating the same spend to the same dataset again is a conflict.
	rec = ts.do(t, http.MethodPost, "/api/v1/ad_spends/"+spendID+"/allocate", gin.H{
		"dataset_id": ds.ID.String(),
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Shares are proportional to revenue and sum exactly to the spend.
	var rows []datasetdomain.TransactionRow
	require.NoError(t, ts.db.Order("product").Find(&rows).Error)
	require.Len(t, rows, 2)
	assert.Equal(t, "20", rows[0].Cost.String())
	assert.Equal(t, "10", rows[1].Cost.String())

	rec = ts.do(t, http.MethodDelete, "/api/v1/ad_spends/"+spendID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestAdSpendRejectsNegativeAmount(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/ad_spends", gin.H{
		"date":   "2024-04-01",
		"amount": "-5",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
