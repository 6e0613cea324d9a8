package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/marketdash/internal/dashboard"
)

func (s *Server) GetDashboard(c *gin.Context) {
	filters, err := parseDashboardFilters(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.dashboardSvc.Query(c.Request.Context(), filters)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func parseDashboardFilters(c *gin.Context) (dashboard.Filters, error) {
	var f dashboard.Filters

	parseDay := func(names ...string) (*time.Time, error) {
		raw := firstQuery(c, names...)
		if raw == "" {
			return nil, nil
		}
		day, err := time.ParseInLocation("2006-01-02", raw, time.UTC)
		if err != nil {
			return nil, ErrInvalidRequest
		}
		return &day, nil
	}
	parseMoney := func(name string) (*decimal.Decimal, error) {
		raw := strings.TrimSpace(c.Query(name))
		if raw == "" {
			return nil, nil
		}
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, ErrInvalidRequest
		}
		return &d, nil
	}

	var err error
	if f.StartDate, err = parseDay("start_date", "start"); err != nil {
		return dashboard.Filters{}, err
	}
	if f.EndDate, err = parseDay("end_date", "end"); err != nil {
		return dashboard.Filters{}, err
	}
	if f.MinRevenue, err = parseMoney("min_revenue"); err != nil {
		return dashboard.Filters{}, err
	}
	if f.MaxRevenue, err = parseMoney("max_revenue"); err != nil {
		return dashboard.Filters{}, err
	}

	f.Product = strings.TrimSpace(c.Query("product"))
	f.Platform = strings.TrimSpace(c.Query("platform"))
	f.Category = strings.TrimSpace(c.Query("category"))
	f.SubID = strings.TrimSpace(c.Query("sub_id"))
	return f, nil
}

// firstQuery returns the first non-empty value among aliased query params.
func firstQuery(c *gin.Context, names ...string) string {
	for _, name := range names {
		if v := strings.TrimSpace(c.Query(name)); v != "" {
			return v
		}
	}
	return ""
}
