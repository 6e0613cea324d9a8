package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Health reports readiness of the database and the task queue.
func (s *Server) Health(c *gin.Context) {
	components := gin.H{"database": "ok", "queue": "ok"}
	healthy := true

	sqlDB, err := s.db.DB()
	if err != nil || sqlDB.PingContext(c.Request.Context()) != nil {
		components["database"] = "down"
		healthy = false
	}
	if err := s.queue.Ping(c.Request.Context()); err != nil {
		components["queue"] = "down"
		healthy = false
	}

	status := http.StatusOK
	overall := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}
	c.JSON(status, gin.H{"status": overall, "components": components})
}
