package httpapi

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// handleStream pushes the poll payload of one job until it reaches a
// terminal state or the client goes away.
func (s *Server) handleStream(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()
	if _, ok := s.jobs.Get(ctx, id); !ok {
		writeError(c, http.StatusNotFound, "job not found")
		return
	}

	c.Header("Connection", "keep-alive")

	ticker := time.NewTicker(s.streamInterval)
	defer ticker.Stop()

	first := true
	c.Stream(func(io.Writer) bool {
		if !first {
			select {
			case <-ctx.Done():
				return false
			case <-ticker.C:
			}
		}
		first = false

		job, ok := s.jobs.Get(ctx, id)
		if !ok {
			return false
		}
		c.SSEvent("progress", newJobResponse(job))
		return !job.Status.Terminal()
	})
}
