package server

import (
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/marketdash/internal/adspend"
)

// adSpendPayload is the wire shape for spend writes; dates arrive as
// YYYY-MM-DD strings.
type adSpendPayload struct {
	Date   string          `json:"date" binding:"required"`
	SubID  string          `json:"sub_id"`
	Amount decimal.Decimal `json:"amount"`
	Clicks int             `json:"clicks"`
}

func (p adSpendPayload) toCreateRequest() (adspend.CreateRequest, error) {
	day, err := time.ParseInLocation("2006-01-02", p.Date, time.UTC)
	if err != nil {
		return adspend.CreateRequest{}, ErrInvalidRequest
	}
	return adspend.CreateRequest{
		Date:   day,
		SubID:  p.SubID,
		Amount: p.Amount,
		Clicks: p.Clicks,
	}, nil
}

type adSpendUpdatePayload struct {
	Date   *string          `json:"date"`
	SubID  *string          `json:"sub_id"`
	Amount *decimal.Decimal `json:"amount"`
	Clicks *int             `json:"clicks"`
}

func (p adSpendUpdatePayload) toUpdateRequest() (adspend.UpdateRequest, error) {
	req := adspend.UpdateRequest{
		SubID:  p.SubID,
		Amount: p.Amount,
		Clicks: p.Clicks,
	}
	if p.Date != nil {
		day, err := time.ParseInLocation("2006-01-02", *p.Date, time.UTC)
		if err != nil {
			return adspend.UpdateRequest{}, ErrInvalidRequest
		}
		req.Date = &day
	}
	return req, nil
}

func (s *Server) ListAdSpends(c *gin.Context) {
	spends, err := s.adSpendSvc.List(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ad_spends": spends})
}

func (s *Server) CreateAdSpend(c *gin.Context) {
	var payload adSpendPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	req, err := payload.toCreateRequest()
	if err != nil {
		AbortWithError(c, err)
		return
	}

	spend, err := s.adSpendSvc.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, spend)
}

func (s *Server) CreateAdSpendsBulk(c *gin.Context) {
	var body struct {
		Items []adSpendPayload `json:"items" binding:"required,min=1"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	reqs := make([]adspend.CreateRequest, 0, len(body.Items))
	for _, payload := range body.Items {
		req, err := payload.toCreateRequest()
		if err != nil {
			AbortWithError(c, err)
			return
		}
		reqs = append(reqs, req)
	}

	spends, err := s.adSpendSvc.CreateBulk(c.Request.Context(), reqs)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"ad_spends": spends})
}

func (s *Server) UpdateAdSpend(c *gin.Context) {
	id, ok := snowflakeParam(c, "id")
	if !ok {
		return
	}

	var payload adSpendUpdatePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	req, err := payload.toUpdateRequest()
	if err != nil {
		AbortWithError(c, err)
		return
	}

	spend, err := s.adSpendSvc.Update(c.Request.Context(), id, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, spend)
}

func (s *Server) DeleteAdSpend(c *gin.Context) {
	id, ok := snowflakeParam(c, "id")
	if !ok {
		return
	}

	if err := s.adSpendSvc.Delete(c.Request.Context(), id); err != nil {
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) AllocateAdSpend(c *gin.Context) {
	id, ok := snowflakeParam(c, "id")
	if !ok {
		return
	}

	var body struct {
		DatasetID string `json:"dataset_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	datasetID, err := snowflake.ParseString(body.DatasetID)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	alloc, err := s.adSpendSvc.Allocate(c.Request.Context(), id, datasetID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, alloc)
}
