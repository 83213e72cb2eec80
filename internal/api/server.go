// Package api exposes the scan pipeline over HTTP: job submission,
// progress polling, and an NDJSON progress stream.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/pentestexpress/scanpipe/internal/config"
	"github.com/pentestexpress/scanpipe/internal/core"
	"github.com/pentestexpress/scanpipe/internal/logger"
	"github.com/pentestexpress/scanpipe/internal/validation"
	"github.com/pentestexpress/scanpipe/pkg/types"
)

// Server holds the route dependencies. It does not own the listener;
// cmd/serve wires the returned router into an http.Server it controls.
type Server struct {
	cfg      config.APIConfig
	queue    core.JobQueue
	progress core.ProgressStore
	store    core.ResultStore
	pool     core.WorkerPool
	log      *logger.Logger
}

func NewServer(
	cfg config.APIConfig,
	queue core.JobQueue,
	progress core.ProgressStore,
	store core.ResultStore,
	pool core.WorkerPool,
	log *logger.Logger,
) *Server {
	return &Server{
		cfg:      cfg,
		queue:    queue,
		progress: progress,
		store:    store,
		pool:     pool,
		log:      log.WithComponent("api"),
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), LoggingMiddleware(s.log))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.POST("/scans", RateLimitMiddleware(10, 20), s.createScan)
	api.GET("/scans/:id", s.getScan)
	api.GET("/scans/:id/progress", s.getProgress)
	api.GET("/scans/:id/progress/stream", s.streamProgress)
	api.GET("/workers", s.listWorkers)

	return router
}

type createScanRequest struct {
	Domain    string `json:"domain"`
	Requester string `json:"requester"`
}

func (s *Server) createScan(c *gin.Context) {
	var req createScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	domain := validation.Normalize(req.Domain)
	if err := validation.Validate(domain); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	now := time.Now().UTC()
	job := &types.ScanJob{
		ID:        uuid.New().String(),
		Domain:    domain,
		Requester: req.Requester,
		State:     types.StateQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.store.SaveScan(c.Request.Context(), job); err != nil {
		s.log.LogError(c.Request.Context(), err, "Scan record creation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create scan"})
		return
	}
	if err := s.queue.Push(c.Request.Context(), job); err != nil {
		s.log.LogError(c.Request.Context(), err, "Scan enqueue failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to enqueue scan"})
		return
	}

	s.log.Infow("Scan accepted", "job_id", job.ID, "domain", domain)
	c.JSON(http.StatusAccepted, gin.H{"job_id": job.ID})
}

func (s *Server) getScan(c *gin.Context) {
	jobID := c.Param("id")

	job, err := s.store.GetScan(c.Request.Context(), jobID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Scan not found"})
		return
	}

	resp := gin.H{"scan": job}
	if results, err := s.store.GetStageResults(c.Request.Context(), jobID); err == nil && len(results) > 0 {
		resp["stage_results"] = results
	}
	if summary, err := s.store.GetSummary(c.Request.Context(), jobID); err == nil && summary != nil {
		resp["summary"] = summary
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getProgress(c *gin.Context) {
	snapshot, err := s.progress.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read progress"})
		return
	}
	// Unknown jobs are reported, not 404ed. A job may be queued but not
	// yet picked up, and the client cannot tell those cases apart.
	c.JSON(http.StatusOK, snapshot)
}

// streamProgress writes one JSON snapshot per line until the job reaches
// a terminal state or the client goes away. A job the result store has
// never seen gets its single unknown snapshot and an immediate end of
// stream, so clients cannot tail an id that will never progress.
func (s *Server) streamProgress(c *gin.Context) {
	jobID := c.Param("id")

	c.Header("Content-Type", "application/x-ndjson")
	c.Header("Cache-Control", "no-cache")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	enc := json.NewEncoder(c.Writer)
	if _, err := s.store.GetScan(c.Request.Context(), jobID); err != nil {
		snapshot, gerr := s.progress.Get(c.Request.Context(), jobID)
		if gerr == nil {
			if err := enc.Encode(snapshot); err != nil {
				return
			}
			c.Writer.Flush()
		}
		return
	}

	updates := s.progress.Subscribe(c.Request.Context(), jobID, s.cfg.StreamPollInterval)
	for snapshot := range updates {
		if err := enc.Encode(snapshot); err != nil {
			return
		}
		c.Writer.Flush()
	}
}

func (s *Server) listWorkers(c *gin.Context) {
	statuses := []*core.WorkerStatus{}
	if s.pool != nil {
		statuses = s.pool.Status()
	}
	c.JSON(http.StatusOK, gin.H{
		"count":   len(statuses),
		"workers": statuses,
	})
}
