package adspend

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/marketdash/internal/adspend/domain"
	"github.com/smallbiznis/marketdash/internal/clock"
	datasetdomain "github.com/smallbiznis/marketdash/internal/dataset/domain"
	"github.com/smallbiznis/marketdash/pkg/tenantctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testUserID snowflake.ID = 77

func newTestService(t *testing.T) (*Service, *gorm.DB, *snowflake.Node) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&datasetdomain.Dataset{},
		&datasetdomain.TransactionRow{},
		&domain.AdSpend{},
		&domain.Allocation{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	svc := NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clock.NewFakeClock(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)),
	})
	return svc, db, node
}

func tenantCtx() context.Context {
	return tenantctx.WithUserID(context.Background(), testUserID)
}

func seedDataset(t *testing.T, db *gorm.DB, node *snowflake.Node, revenues []string, subID *string) (snowflake.ID, []datasetdomain.TransactionRow) {
	t.Helper()

	ds := datasetdomain.Dataset{
		ID:         node.Generate(),
		UserID:     testUserID,
		Filename:   "sales.csv",
		Type:       datasetdomain.TypeTransaction,
		Status:     datasetdomain.StatusCompleted,
		UploadedAt: time.Now(),
	}
	require.NoError(t, db.Create(&ds).Error)

	day := time.Date(2024, 4, 10, 0, 0, 0, 0, time.UTC)
	rows := make([]datasetdomain.TransactionRow, 0, len(revenues))
	for i, rev := range revenues {
		rows = append(rows, datasetdomain.TransactionRow{
			ID:          node.Generate(),
			DatasetID:   ds.ID,
			UserID:      testUserID,
			Date:        day,
			Product:     "Product",
			SubID:       subID,
			Revenue:     decimal.RequireFromString(rev),
			Fingerprint: string(rune('a'+i)) + rev,
			CreatedAt:   time.Now(),
		})
	}
	require.NoError(t, db.Create(&rows).Error)
	return ds.ID, rows
}

func createSpend(t *testing.T, svc *Service, amount, subID string) domain.AdSpend {
	t.Helper()
	spend, err := svc.Create(tenantCtx(), CreateRequest{
		Date:   time.Date(2024, 4, 10, 0, 0, 0, 0, time.UTC),
		SubID:  subID,
		Amount: decimal.RequireFromString(amount),
	})
	require.NoError(t, err)
	return spend
}

func rowCosts(t *testing.T, db *gorm.DB, datasetID snowflake.ID) []decimal.Decimal {
	t.Helper()
	var rows []datasetdomain.TransactionRow
	require.NoError(t, db.Where("dataset_id = ?", datasetID).Order("id ASC").Find(&rows).Error)
	costs := make([]decimal.Decimal, len(rows))
	for i, r := range rows {
		costs[i] = r.Cost
	}
	return costs
}

func TestAllocateProportionalToRevenue(t *testing.T) {
	svc, db, node := newTestService(t)
	datasetID, _ := seedDataset(t, db, node, []string{"100.00", "50.00", "50.00"}, nil)
	spend := createSpend(t, svc, "10.00", "")

	alloc, err := svc.Allocate(tenantCtx(), spend.ID, datasetID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, alloc.MatchedRows)
	assert.False(t, alloc.Unallocated)

	costs := rowCosts(t, db, datasetID)
	assert.Equal(t, "5", costs[0].String())
	assert.Equal(t, "2.5", costs[1].String())
	assert.Equal(t, "2.5", costs[2].String())

	sum := decimal.Zero
	for _, c := range costs {
		sum = sum.Add(c)
	}
	assert.True(t, sum.Equal(spend.Amount), "shares must sum exactly to the spend")
}

func TestAllocateRoundingResidueLandsOnLastRow(t *testing.T) {
	svc, db, node := newTestService(t)
	datasetID, _ := seedDataset(t, db, node, []string{"1.00", "1.00", "1.00"}, nil)
	spend := createSpend(t, svc, "0.10", "")

	_, err := svc.Allocate(tenantCtx(), spend.ID, datasetID)
	require.NoError(t, err)

	costs := rowCosts(t, db, datasetID)
	assert.Equal(t, "0.03", costs[0].StringFixed(2))
	assert.Equal(t, "0.03", costs[1].StringFixed(2))
	assert.Equal(t, "0.04", costs[2].StringFixed(2))
}

func TestAllocateZeroRevenueSplitsEqually(t *testing.T) {
	svc, db, node := newTestService(t)
	datasetID, _ := seedDataset(t, db, node, []string{"0", "0", "0"}, nil)
	spend := createSpend(t, svc, "10.00", "")

	_, err := svc.Allocate(tenantCtx(), spend.ID, datasetID)
	require.NoError(t, err)

	costs := rowCosts(t, db, datasetID)
	assert.Equal(t, "3.33", costs[0].StringFixed(2))
	assert.Equal(t, "3.33", costs[1].StringFixed(2))
	assert.Equal(t, "3.34", costs[2].StringFixed(2))
}

func TestAllocateEmptyMatchIsUnallocated(t *testing.T) {
	svc, db, node := newTestService(t)
	datasetID, _ := seedDataset(t, db, node, []string{"100.00"}, nil)
	// The spend targets a campaign none of the rows carry.
	spend := createSpend(t, svc, "10.00", "campaign-x")

	alloc, err := svc.Allocate(tenantCtx(), spend.ID, datasetID)
	require.NoError(t, err)
	assert.True(t, alloc.Unallocated)
	assert.EqualValues(t, 0, alloc.MatchedRows)

	costs := rowCosts(t, db, datasetID)
	assert.True(t, costs[0].IsZero())
}

func TestAllocateFiltersBySubID(t *testing.T) {
	svc, db, node := newTestService(t)
	sub := "campaign-a"
	datasetID, _ := seedDataset(t, db, node, []string{"100.00", "100.00"}, &sub)
	spend := createSpend(t, svc, "10.00", "campaign-a")

	alloc, err := svc.Allocate(tenantCtx(), spend.ID, datasetID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, alloc.MatchedRows)
}

func TestAllocateIsIdempotent(t *testing.T) {
	svc, db, node := newTestService(t)
	datasetID, _ := seedDataset(t, db, node, []string{"100.00"}, nil)
	spend := createSpend(t, svc, "10.00", "")

	_, err := svc.Allocate(tenantCtx(), spend.ID, datasetID)
	require.NoError(t, err)

	_, err = svc.Allocate(tenantCtx(), spend.ID, datasetID)
	assert.ErrorIs(t, err, domain.ErrAlreadyAllocated)

	// Costs were applied exactly once.
	costs := rowCosts(t, db, datasetID)
	assert.Equal(t, "10", costs[0].String())
}

func TestAllocateUpdatesProfit(t *testing.T) {
	svc, db, node := newTestService(t)
	datasetID, rows := seedDataset(t, db, node, []string{"100.00"}, nil)
	require.NoError(t, db.Model(&rows[0]).Updates(map[string]any{
		"commission": decimal.RequireFromString("10.00"),
		"profit":     decimal.RequireFromString("90.00"),
	}).Error)
	spend := createSpend(t, svc, "25.00", "")

	_, err := svc.Allocate(tenantCtx(), spend.ID, datasetID)
	require.NoError(t, err)

	var got datasetdomain.TransactionRow
	require.NoError(t, db.Where("dataset_id = ?", datasetID).First(&got).Error)
	// profit = revenue - cost - commission
	assert.Equal(t, "65", got.Profit.String())
}

func TestCreateRejectsNegativeAmount(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Create(tenantCtx(), CreateRequest{
		Date:   time.Date(2024, 4, 10, 0, 0, 0, 0, time.UTC),
		Amount: decimal.RequireFromString("-1"),
	})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestSubIDSentinelsStoredAsNull(t *testing.T) {
	svc, _, _ := newTestService(t)

	spend := createSpend(t, svc, "5.00", domain.AllSubIDs)
	assert.Nil(t, spend.SubID)

	spend = createSpend(t, svc, "5.00", "  ")
	assert.Nil(t, spend.SubID)

	spend = createSpend(t, svc, "5.00", "campaign-b")
	require.NotNil(t, spend.SubID)
	assert.Equal(t, "campaign-b", *spend.SubID)
}

func TestUpdateAndDeleteSpend(t *testing.T) {
	svc, db, _ := newTestService(t)
	spend := createSpend(t, svc, "5.00", "")

	newAmount := decimal.RequireFromString("7.50")
	updated, err := svc.Update(tenantCtx(), spend.ID, UpdateRequest{Amount: &newAmount})
	require.NoError(t, err)
	assert.True(t, updated.Amount.Equal(newAmount))

	require.NoError(t, svc.Delete(tenantCtx(), spend.ID))

	var count int64
	require.NoError(t, db.Model(&domain.AdSpend{}).Count(&count).Error)
	assert.EqualValues(t, 0, count)

	err = svc.Delete(tenantCtx(), spend.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
