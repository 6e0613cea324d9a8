package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	adspenddomain "github.com/smallbiznis/marketdash/internal/adspend/domain"
	datasetdomain "github.com/smallbiznis/marketdash/internal/dataset/domain"
	"github.com/smallbiznis/marketdash/internal/job"
	jobdomain "github.com/smallbiznis/marketdash/internal/job/domain"
	"github.com/smallbiznis/marketdash/internal/objectstore"
	"github.com/smallbiznis/marketdash/internal/queue"
	userdomain "github.com/smallbiznis/marketdash/internal/user/domain"
	"gorm.io/gorm"
)

type errorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrInvalidRequest = errors.New("invalid_request")
)

// ErrorHandlingMiddleware renders the last handler error as a uniform JSON
// envelope. Handlers report errors through AbortWithError and never write
// error bodies themselves.
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, datasetdomain.ErrInvalidType),
		errors.Is(err, jobdomain.ErrInvalidFilename),
		errors.Is(err, adspenddomain.ErrInvalidAmount):
		return http.StatusBadRequest, errorPayload{
			Kind:    "invalid_request",
			Message: "invalid request",
			Detail:  messageOr(err, ""),
		}

	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, userdomain.ErrTokenInvalid):
		return http.StatusUnauthorized, errorPayload{
			Kind:    "unauthorized",
			Message: "unauthorized",
		}

	case errors.Is(err, jobdomain.ErrNotFound),
		errors.Is(err, datasetdomain.ErrNotFound),
		errors.Is(err, adspenddomain.ErrNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound, errorPayload{
			Kind:    "not_found",
			Message: "not found",
		}

	case errors.Is(err, jobdomain.ErrAlreadyCommitted),
		errors.Is(err, jobdomain.ErrTerminal),
		errors.Is(err, adspenddomain.ErrAlreadyAllocated):
		return http.StatusConflict, errorPayload{
			Kind:    "conflict",
			Message: messageOr(err, "conflict"),
		}

	case errors.Is(err, jobdomain.ErrUploadMissing):
		return http.StatusPreconditionFailed, errorPayload{
			Kind:    "upload_missing",
			Message: "upload not found in storage",
		}

	case errors.Is(err, objectstore.ErrStorage):
		return http.StatusBadGateway, errorPayload{
			Kind:    "storage_error",
			Message: "object storage request failed",
		}

	case errors.Is(err, job.ErrQueueSaturated),
		errors.Is(err, queue.ErrUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Kind:    "service_unavailable",
			Message: messageOr(err, "service unavailable"),
		}

	default:
		return http.StatusInternalServerError, errorPayload{
			Kind:    "internal_error",
			Message: "internal server error",
		}
	}
}

func messageOr(err error, fallback string) string {
	if err != nil {
		return err.Error()
	}
	return fallback
}
