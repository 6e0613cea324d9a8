package server

import (
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/marketdash/pkg/db/pagination"
)

func snowflakeParam(c *gin.Context, name string) (snowflake.ID, bool) {
	id, err := snowflake.ParseString(c.Param(name))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return 0, false
	}
	return id, true
}

func (s *Server) ListDatasets(c *gin.Context) {
	datasets, err := s.datasetSvc.List(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"datasets": datasets})
}

func (s *Server) GetDataset(c *gin.Context) {
	id, ok := snowflakeParam(c, "id")
	if !ok {
		return
	}

	ds, err := s.datasetSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, ds)
}

func (s *Server) GetDatasetRows(c *gin.Context) {
	id, ok := snowflakeParam(c, "id")
	if !ok {
		return
	}

	var page pagination.Params
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	rows, err := s.datasetSvc.Rows(c.Request.Context(), id, page)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (s *Server) DeleteDataset(c *gin.Context) {
	id, ok := snowflakeParam(c, "id")
	if !ok {
		return
	}

	if err := s.datasetSvc.Delete(c.Request.Context(), id); err != nil {
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
