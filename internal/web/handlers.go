package web

import (
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vzahanych/plant-curator/internal/pipeline"
	"github.com/vzahanych/plant-curator/internal/state"
)

// handleHealth handles the health check endpoint
func (s *Server) handleHealth(c *gin.Context) {
	uptime := time.Since(s.startTime)
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"service":        "results-api",
		"version":        s.version,
		"uptime_seconds": int64(uptime.Seconds()),
		"timestamp":      time.Now().Format(time.RFC3339),
	})
}

// handleListRuns lists the most recent runs
func (s *Server) handleListRuns(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	runs, err := s.runs.ListRuns(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to list runs", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list runs"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"runs":  runs,
		"count": len(runs),
	})
}

// handleGetRun returns one run by id
func (s *Server) handleGetRun(c *gin.Context) {
	run, ok := s.lookupRun(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, run)
}

// handleGetStages returns the recorded stages of a run
func (s *Server) handleGetStages(c *gin.Context) {
	run, ok := s.lookupRun(c)
	if !ok {
		return
	}

	stages, err := s.runs.GetStages(c.Request.Context(), run.ID)
	if err != nil {
		s.logger.Error("Failed to get stages", "run_id", run.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get stages"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"run_id": run.ID,
		"stages": stages,
		"count":  len(stages),
	})
}

// handleGetSummary serves the run's plant detection summary document
func (s *Server) handleGetSummary(c *gin.Context) {
	run, ok := s.lookupRun(c)
	if !ok {
		return
	}

	path := pipeline.Layout{Root: run.OutputDir}.SummaryFile(pipeline.DetectionSummaryFile)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":  "Summary not available",
			"status": run.Status,
		})
		return
	}
	if err != nil {
		s.logger.Error("Failed to read summary", "run_id", run.ID, "path", path, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read summary"})
		return
	}

	c.Data(http.StatusOK, "application/json; charset=utf-8", data)
}

// lookupRun resolves the :id parameter and writes the error response itself
// when the run cannot be returned.
func (s *Server) lookupRun(c *gin.Context) (*state.Run, bool) {
	id := c.Param("id")
	run, err := s.runs.GetRun(c.Request.Context(), id)
	if errors.Is(err, state.ErrRunNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Run not found", "id": id})
		return nil, false
	}
	if err != nil {
		s.logger.Error("Failed to get run", "run_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get run"})
		return nil, false
	}
	return run, true
}
