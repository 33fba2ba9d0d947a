package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"genbatch/internal/engine"
	"genbatch/internal/ingest"
	"genbatch/internal/progress"
	"genbatch/internal/store"
	"genbatch/shared/postgresql"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger     *slog.Logger
	DBClient   *postgresql.Client
	Store      *store.Storage
	Controller *engine.Controller
	Hub        *progress.Hub
	Ingest     ingest.Options
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger     *slog.Logger
	store      *store.Storage
	controller *engine.Controller
	hub        *progress.Hub
	ingest     ingest.Options
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:     deps.Logger,
		store:      deps.Store,
		controller: deps.Controller,
		hub:        deps.Hub,
		ingest:     deps.Ingest,
	}
}

// respondError maps engine errors to HTTP status codes.
func (h *JobHandler) respondError(c *gin.Context, err error, action string) {
	var stateErr *engine.StateError

	switch {
	case errors.Is(err, engine.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error": "job not found",
		})
	case errors.As(err, &stateErr):
		c.JSON(http.StatusConflict, gin.H{
			"error": stateErr.Error(),
		})
	default:
		h.logger.Error("Request failed",
			slog.String("action", action),
			slog.Any("error", err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to " + action,
		})
	}
}
