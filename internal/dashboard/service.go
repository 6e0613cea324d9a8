// Package dashboard aggregates the tenant's transaction rows into KPIs,
// per-day series, and top-product rankings.
package dashboard

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/marketdash/internal/config"
	"github.com/smallbiznis/marketdash/internal/dashboard/cache"
	datasetdomain "github.com/smallbiznis/marketdash/internal/dataset/domain"
	"github.com/smallbiznis/marketdash/pkg/rls"
	"github.com/smallbiznis/marketdash/pkg/tenantctx"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OtherBucket collects the revenue of every product outside the top ranking.
const OtherBucket = "other"

// Filters narrow the aggregation; all present filters are conjoined, absent
// filters match every owner row.
type Filters struct {
	StartDate  *time.Time
	EndDate    *time.Time
	Product    string
	Platform   string
	Category   string
	SubID      string
	MinRevenue *decimal.Decimal
	MaxRevenue *decimal.Decimal
}

// Hash keys the cache entry for this exact filter combination.
func (f Filters) Hash() string {
	var b strings.Builder
	if f.StartDate != nil {
		b.WriteString(f.StartDate.Format("2006-01-02"))
	}
	b.WriteByte('|')
	if f.EndDate != nil {
		b.WriteString(f.EndDate.Format("2006-01-02"))
	}
	fmt.Fprintf(&b, "|%s|%s|%s|%s|", f.Product, f.Platform, f.Category, f.SubID)
	if f.MinRevenue != nil {
		b.WriteString(f.MinRevenue.String())
	}
	b.WriteByte('|')
	if f.MaxRevenue != nil {
		b.WriteString(f.MaxRevenue.String())
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:16])
}

func (f Filters) apply(tx *gorm.DB) *gorm.DB {
	if f.StartDate != nil {
		tx = tx.Where("date >= ?", f.StartDate.Format("2006-01-02"))
	}
	if f.EndDate != nil {
		tx = tx.Where("date <= ?", f.EndDate.Format("2006-01-02"))
	}
	if f.Product != "" {
		tx = tx.Where("LOWER(product) LIKE LOWER(?)", "%"+f.Product+"%")
	}
	if f.Platform != "" {
		tx = tx.Where("platform = ?", f.Platform)
	}
	if f.Category != "" {
		tx = tx.Where("category = ?", f.Category)
	}
	if f.SubID != "" {
		tx = tx.Where("sub_id = ?", f.SubID)
	}
	if f.MinRevenue != nil {
		tx = tx.Where("revenue >= ?", f.MinRevenue)
	}
	if f.MaxRevenue != nil {
		tx = tx.Where("revenue <= ?", f.MaxRevenue)
	}
	return tx
}

// KPIs are whole-selection totals. Money is rounded to two decimals only
// here, at the response edge.
type KPIs struct {
	Revenue    string `json:"revenue"`
	Cost       string `json:"cost"`
	Commission string `json:"commission"`
	Profit     string `json:"profit"`
	Rows       int64  `json:"rows"`
	Orders     int64  `json:"orders"`
}

type PeriodPoint struct {
	Date       string `json:"date"`
	Revenue    string `json:"revenue"`
	Cost       string `json:"cost"`
	Commission string `json:"commission"`
	Profit     string `json:"profit"`
	Rows       int64  `json:"rows"`
}

type ProductAgg struct {
	Product  string `json:"product"`
	Revenue  string `json:"revenue"`
	Profit   string `json:"profit"`
	Rows     int64  `json:"rows"`
	Quantity int64  `json:"quantity"`
}

type Response struct {
	KPIs     KPIs          `json:"kpis"`
	Periods  []PeriodPoint `json:"periods"`
	Products []ProductAgg  `json:"products"`
}

type moneyAgg struct {
	Revenue    decimal.Decimal
	Cost       decimal.Decimal
	Commission decimal.Decimal
	Profit     decimal.Decimal
	RowCount   int64
	OrderCount int64
}

type dayAgg struct {
	Date       time.Time
	Revenue    decimal.Decimal
	Cost       decimal.Decimal
	Commission decimal.Decimal
	Profit     decimal.Decimal
	RowCount   int64
}

type productAgg struct {
	Product  string
	Revenue  decimal.Decimal
	Profit   decimal.Decimal
	RowCount int64
	Quantity int64
}

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	Holder *config.PipelineHolder
	Cache  *cache.Cache
}

type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	holder *config.PipelineHolder
	cache  *cache.Cache
}

func NewService(p Params) *Service {
	return &Service{db: p.DB, log: p.Log.Named("dashboard.service"), holder: p.Holder, cache: p.Cache}
}

// Query runs the three aggregations in a single read transaction so the
// KPIs, series, and ranking observe the same snapshot.
func (s *Service) Query(ctx context.Context, f Filters) (Response, error) {
	userID, ok := tenantctx.UserID(ctx)
	if !ok {
		return Response{}, rls.ErrNoTenant
	}

	queryHash := f.Hash()
	if s.cache != nil {
		if payload, hit := s.cache.Get(ctx, userID, queryHash); hit {
			var cached Response
			if err := json.Unmarshal(payload, &cached); err == nil {
				return cached, nil
			}
		}
	}

	var (
		totals   moneyAgg
		days     []dayAgg
		products []productAgg
	)
	err := rls.RunFromContext(ctx, s.db, func(tx *gorm.DB) error {
		base := func() *gorm.DB {
			return f.apply(tx.Model(&datasetdomain.TransactionRow{}))
		}

		if err := base().
			Select(`COALESCE(SUM(revenue), 0) AS revenue,
				COALESCE(SUM(cost), 0) AS cost,
				COALESCE(SUM(commission), 0) AS commission,
				COALESCE(SUM(profit), 0) AS profit,
				COUNT(*) AS row_count,
				COUNT(DISTINCT order_id) AS order_count`).
			Scan(&totals).Error; err != nil {
			return err
		}

		if err := base().
			Select(`date,
				COALESCE(SUM(revenue), 0) AS revenue,
				COALESCE(SUM(cost), 0) AS cost,
				COALESCE(SUM(commission), 0) AS commission,
				COALESCE(SUM(profit), 0) AS profit,
				COUNT(*) AS row_count`).
			Group("date").
			Order("date ASC").
			Scan(&days).Error; err != nil {
			return err
		}

		return base().
			Select(`product,
				COALESCE(SUM(revenue), 0) AS revenue,
				COALESCE(SUM(profit), 0) AS profit,
				COUNT(*) AS row_count,
				COALESCE(SUM(quantity), 0) AS quantity`).
			Group("product").
			Order("revenue DESC, product ASC").
			Scan(&products).Error
	})
	if err != nil {
		return Response{}, err
	}

	resp := Response{
		KPIs: KPIs{
			Revenue:    totals.Revenue.StringFixed(2),
			Cost:       totals.Cost.StringFixed(2),
			Commission: totals.Commission.StringFixed(2),
			Profit:     totals.Profit.StringFixed(2),
			Rows:       totals.RowCount,
			Orders:     totals.OrderCount,
		},
		Periods:  make([]PeriodPoint, 0, len(days)),
		Products: rankProducts(products, s.holder.Get().TopProducts),
	}
	for _, d := range days {
		resp.Periods = append(resp.Periods, PeriodPoint{
			Date:       d.Date.Format("2006-01-02"),
			Revenue:    d.Revenue.StringFixed(2),
			Cost:       d.Cost.StringFixed(2),
			Commission: d.Commission.StringFixed(2),
			Profit:     d.Profit.StringFixed(2),
			Rows:       d.RowCount,
		})
	}

	if s.cache != nil {
		if payload, err := json.Marshal(resp); err == nil {
			s.cache.Set(ctx, userID, queryHash, payload)
		}
	}
	return resp, nil
}

// rankProducts keeps the top K by revenue and folds the remainder into a
// single residual bucket.
func rankProducts(all []productAgg, topK int) []ProductAgg {
	out := make([]ProductAgg, 0, topK+1)
	var (
		otherRevenue = decimal.Zero
		otherProfit  = decimal.Zero
		otherRows    int64
		otherQty     int64
	)
	for i, p := range all {
		if i < topK {
			out = append(out, ProductAgg{
				Product:  p.Product,
				Revenue:  p.Revenue.StringFixed(2),
				Profit:   p.Profit.StringFixed(2),
				Rows:     p.RowCount,
				Quantity: p.Quantity,
			})
			continue
		}
		otherRevenue = otherRevenue.Add(p.Revenue)
		otherProfit = otherProfit.Add(p.Profit)
		otherRows += p.RowCount
		otherQty += p.Quantity
	}
	if otherRows > 0 {
		out = append(out, ProductAgg{
			Product:  OtherBucket,
			Revenue:  otherRevenue.StringFixed(2),
			Profit:   otherProfit.StringFixed(2),
			Rows:     otherRows,
			Quantity: otherQty,
		})
	}
	return out
}

var Module = fx.Module("dashboard",
	fx.Provide(NewService),
)
