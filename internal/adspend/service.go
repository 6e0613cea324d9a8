package adspend

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/marketdash/internal/adspend/domain"
	"github.com/smallbiznis/marketdash/internal/clock"
	"github.com/smallbiznis/marketdash/internal/dashboard/cache"
	datasetdomain "github.com/smallbiznis/marketdash/internal/dataset/domain"
	pkgdb "github.com/smallbiznis/marketdash/pkg/db"
	"github.com/smallbiznis/marketdash/pkg/rls"
	"github.com/smallbiznis/marketdash/pkg/tenantctx"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Cache *cache.Cache `optional:"true"`
}

// Service owns ad-spend CRUD and the cost allocator.
type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	cache *cache.Cache
}

func NewService(p Params) *Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("adspend.service"),
		genID: p.GenID,
		clock: p.Clock,
		cache: p.Cache,
	}
}

type CreateRequest struct {
	Date   time.Time       `json:"date" binding:"required" time_format:"2006-01-02"`
	SubID  string          `json:"sub_id"`
	Amount decimal.Decimal `json:"amount"`
	Clicks int             `json:"clicks"`
}

type UpdateRequest struct {
	Date   *time.Time       `json:"date" time_format:"2006-01-02"`
	SubID  *string          `json:"sub_id"`
	Amount *decimal.Decimal `json:"amount"`
	Clicks *int             `json:"clicks"`
}

func (s *Service) List(ctx context.Context) ([]domain.AdSpend, error) {
	var spends []domain.AdSpend
	err := rls.RunFromContext(ctx, s.db, func(tx *gorm.DB) error {
		return tx.Order("date DESC, id DESC").Find(&spends).Error
	})
	if err != nil {
		return nil, err
	}
	return spends, nil
}

func (s *Service) Create(ctx context.Context, req CreateRequest) (domain.AdSpend, error) {
	spends, err := s.CreateBulk(ctx, []CreateRequest{req})
	if err != nil {
		return domain.AdSpend{}, err
	}
	return spends[0], nil
}

// CreateBulk inserts a batch of spends in one transaction.
func (s *Service) CreateBulk(ctx context.Context, reqs []CreateRequest) ([]domain.AdSpend, error) {
	userID, ok := tenantctx.UserID(ctx)
	if !ok {
		return nil, rls.ErrNoTenant
	}

	now := s.clock.Now()
	spends := make([]domain.AdSpend, 0, len(reqs))
	for _, req := range reqs {
		if req.Amount.IsNegative() {
			return nil, domain.ErrInvalidAmount
		}
		spends = append(spends, domain.AdSpend{
			ID:        s.genID.Generate(),
			UserID:    userID,
			Date:      req.Date,
			SubID:     domain.NormalizeSubID(req.SubID),
			Amount:    req.Amount,
			Clicks:    req.Clicks,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}

	err := rls.RunAs(ctx, s.db, userID, func(tx *gorm.DB) error {
		return tx.Create(&spends).Error
	})
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, userID)
	return spends, nil
}

func (s *Service) Update(ctx context.Context, id snowflake.ID, req UpdateRequest) (domain.AdSpend, error) {
	if req.Amount != nil && req.Amount.IsNegative() {
		return domain.AdSpend{}, domain.ErrInvalidAmount
	}

	var spend domain.AdSpend
	err := rls.RunFromContext(ctx, s.db, func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", id).First(&spend).Error; err != nil {
			return err
		}

		updates := map[string]any{"updated_at": s.clock.Now()}
		if req.Date != nil {
			updates["date"] = *req.Date
		}
		if req.SubID != nil {
			updates["sub_id"] = domain.NormalizeSubID(*req.SubID)
		}
		if req.Amount != nil {
			updates["amount"] = *req.Amount
		}
		if req.Clicks != nil {
			updates["clicks"] = *req.Clicks
		}
		if err := tx.Model(&spend).Updates(updates).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).First(&spend).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.AdSpend{}, domain.ErrNotFound
		}
		return domain.AdSpend{}, err
	}

	if userID, ok := tenantctx.UserID(ctx); ok {
		s.invalidate(ctx, userID)
	}
	return spend, nil
}

// Delete removes the spend and its allocation log. Costs already applied to
// rows are not rolled back.
func (s *Service) Delete(ctx context.Context, id snowflake.ID) error {
	err := rls.RunFromContext(ctx, s.db, func(tx *gorm.DB) error {
		var spend domain.AdSpend
		if err := tx.Where("id = ?", id).First(&spend).Error; err != nil {
			return err
		}
		if err := tx.Where("ad_spend_id = ?", id).Delete(&domain.Allocation{}).Error; err != nil {
			return err
		}
		return tx.Delete(&spend).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrNotFound
		}
		return err
	}
	return nil
}

// Allocate distributes one spend over the matching rows of one transaction
// dataset, proportional to revenue. Zero-revenue matches are split equally;
// rounding residue lands on the last row so the shares sum exactly to the
// spend. Idempotent through the allocation log's unique pair.
func (s *Service) Allocate(ctx context.Context, adSpendID, datasetID snowflake.ID) (domain.Allocation, error) {
	userID, ok := tenantctx.UserID(ctx)
	if !ok {
		return domain.Allocation{}, rls.ErrNoTenant
	}

	var alloc domain.Allocation
	err := rls.RunAs(ctx, s.db, userID, func(tx *gorm.DB) error {
		var spend domain.AdSpend
		if err := tx.Where("id = ?", adSpendID).First(&spend).Error; err != nil {
			return err
		}
		var ds datasetdomain.Dataset
		if err := tx.Where("id = ?", datasetID).First(&ds).Error; err != nil {
			return err
		}

		rowsQuery := tx.Where("dataset_id = ? AND date = ?", datasetID, spend.Date)
		if spend.SubID != nil {
			rowsQuery = rowsQuery.Where("sub_id = ?", *spend.SubID)
		}
		var rows []datasetdomain.TransactionRow
		if err := rowsQuery.Order("id ASC").Find(&rows).Error; err != nil {
			return err
		}

		alloc = domain.Allocation{
			ID:          s.genID.Generate(),
			UserID:      userID,
			AdSpendID:   adSpendID,
			DatasetID:   datasetID,
			Amount:      spend.Amount,
			MatchedRows: int64(len(rows)),
			Unallocated: len(rows) == 0,
			CreatedAt:   s.clock.Now(),
		}
		// Inserting the log first claims the (spend, dataset) pair; a
		// concurrent duplicate loses on the unique constraint.
		if err := tx.Create(&alloc).Error; err != nil {
			if pkgdb.IsDuplicateKeyErr(err) {
				return domain.ErrAlreadyAllocated
			}
			return err
		}
		if len(rows) == 0 {
			return nil
		}

		shares := distribute(spend.Amount, rows)
		for i := range rows {
			cost := rows[i].Cost.Add(shares[i])
			profit := rows[i].Revenue.Sub(cost).Sub(rows[i].Commission)
			if err := tx.Model(&rows[i]).Updates(map[string]any{
				"cost":   cost,
				"profit": profit,
			}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Allocation{}, domain.ErrNotFound
		}
		return domain.Allocation{}, err
	}

	s.invalidate(ctx, userID)
	s.log.Info("ad spend allocated",
		zap.Int64("ad_spend_id", int64(adSpendID)),
		zap.Int64("dataset_id", int64(datasetID)),
		zap.Int64("matched_rows", alloc.MatchedRows),
		zap.Bool("unallocated", alloc.Unallocated),
	)
	return alloc, nil
}

// distribute computes per-row cost shares at cent precision. Proportional to
// revenue when the matched set has any, equal split otherwise; the last row
// absorbs the remainder in both cases.
func distribute(amount decimal.Decimal, rows []datasetdomain.TransactionRow) []decimal.Decimal {
	n := len(rows)
	shares := make([]decimal.Decimal, n)

	total := decimal.Zero
	for _, r := range rows {
		total = total.Add(r.Revenue)
	}

	assigned := decimal.Zero
	if total.IsPositive() {
		for i := 0; i < n-1; i++ {
			share := amount.Mul(rows[i].Revenue).Div(total).RoundDown(2)
			shares[i] = share
			assigned = assigned.Add(share)
		}
	} else {
		equal := amount.Div(decimal.NewFromInt(int64(n))).RoundDown(2)
		for i := 0; i < n-1; i++ {
			shares[i] = equal
			assigned = assigned.Add(equal)
		}
	}
	shares[n-1] = amount.Sub(assigned)
	return shares
}

func (s *Service) invalidate(ctx context.Context, userID snowflake.ID) {
	if s.cache != nil {
		s.cache.Invalidate(ctx, userID)
	}
}

var Module = fx.Module("adspend",
	fx.Provide(NewService),
)
