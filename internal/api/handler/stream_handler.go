package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"genbatch/internal/progress"
)

// StreamProgress handles GET /api/v1/jobs/:job_id/stream
// Streams progress events for one job over Server-Sent Events. A snapshot
// of the current state is sent first; the stream ends when the job reaches
// a terminal status or the client disconnects.
func (h *JobHandler) StreamProgress(c *gin.Context) {
	jobID := c.Param("job_id")

	ctx := c.Request.Context()
	job, err := h.store.GetJob(ctx, jobID)
	if err != nil {
		h.respondError(c, err, "get job")
		return
	}
	prog, err := h.store.GetProgress(ctx, jobID)
	if err != nil {
		h.respondError(c, err, "get job progress")
		return
	}

	sub, err := h.hub.Subscribe(jobID)
	if err != nil {
		if errors.Is(err, progress.ErrTooManySubscribers) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "too many subscribers for this job",
			})
			return
		}
		h.respondError(c, err, "subscribe to job")
		return
	}
	defer sub.Cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	snapshot := progress.Event{
		JobID:     job.ID,
		Status:    string(job.Status),
		Total:     prog.Total,
		Completed: prog.Processed,
		Failed:    prog.Failed,
		Pending:   prog.Pending,
	}

	h.logger.Debug("Progress stream opened",
		slog.String("job_id", jobID),
	)

	first := true
	c.Stream(func(w io.Writer) bool {
		if first {
			first = false
			c.SSEvent("progress", snapshot)
			if snapshot.Terminal() {
				return false
			}
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case event, ok := <-sub.C:
			if !ok {
				return false
			}
			c.SSEvent("progress", event)
			return !event.Terminal()
		}
	})

	h.logger.Debug("Progress stream closed",
		slog.String("job_id", jobID),
	)
}
