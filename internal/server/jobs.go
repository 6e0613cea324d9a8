package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/smallbiznis/marketdash/internal/job"
	jobdomain "github.com/smallbiznis/marketdash/internal/job/domain"
	"github.com/smallbiznis/marketdash/pkg/tenantctx"
)

// jobResponse is the job as the API reports it: counters and row errors are
// lifted out of the meta document.
type jobResponse struct {
	JobID            string               `json:"job_id"`
	DatasetID        string               `json:"dataset_id"`
	Type             string               `json:"type"`
	Status           string               `json:"status"`
	TotalChunks      int                  `json:"total_chunks"`
	ChunksDone       int                  `json:"chunks_done"`
	RowsInserted     int64                `json:"rows_inserted"`
	RowsDeduplicated int64                `json:"rows_deduplicated"`
	RowsRejected     int64                `json:"rows_rejected"`
	Errors           []jobdomain.RowError `json:"errors"`
	ErrorMessage     *string              `json:"error_message,omitempty"`
	CreatedAt        string               `json:"created_at"`
	UpdatedAt        string               `json:"updated_at"`
}

func toJobResponse(j jobdomain.Job) jobResponse {
	rowErrs := jobdomain.ErrorsFromMeta(j.Meta)
	if rowErrs == nil {
		rowErrs = []jobdomain.RowError{}
	}
	return jobResponse{
		JobID:            j.JobID.String(),
		DatasetID:        j.DatasetID.String(),
		Type:             j.Type,
		Status:           j.Status,
		TotalChunks:      j.TotalChunks,
		ChunksDone:       j.ChunksDone,
		RowsInserted:     jobdomain.MetaCounter(j.Meta, jobdomain.MetaRowsInserted),
		RowsDeduplicated: jobdomain.MetaCounter(j.Meta, jobdomain.MetaRowsDeduplicated),
		RowsRejected:     jobdomain.MetaCounter(j.Meta, jobdomain.MetaRowsRejected),
		Errors:           rowErrs,
		ErrorMessage:     j.ErrorMessage,
		CreatedAt:        j.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		UpdatedAt:        j.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
}

func (s *Server) CreateJob(c *gin.Context) {
	var req job.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	userID, ok := tenantctx.UserID(c.Request.Context())
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	resp, err := s.jobSvc.Create(c.Request.Context(), userID, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (s *Server) CommitJob(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	j, err := s.jobSvc.Commit(c.Request.Context(), jobID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, toJobResponse(j))
}

func (s *Server) GetJob(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	j, err := s.jobSvc.Get(c.Request.Context(), jobID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, toJobResponse(j))
}

func (s *Server) ListJobs(c *gin.Context) {
	jobs, err := s.jobSvc.List(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	out := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, toJobResponse(j))
	}
	c.JSON(http.StatusOK, gin.H{"jobs": out})
}

func (s *Server) DeleteJob(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	if err := s.jobSvc.Delete(c.Request.Context(), jobID); err != nil {
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
