package api

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/Promptonauts/gatekeeper/pkg/definition"
	"github.com/Promptonauts/gatekeeper/pkg/engine"
	"github.com/Promptonauts/gatekeeper/pkg/models"
	"github.com/Promptonauts/gatekeeper/pkg/observability"
	"github.com/Promptonauts/gatekeeper/pkg/store"

	"github.com/gin-gonic/gin"
)

// Server exposes the trigger surface over HTTP: create, inspect, cancel, and
// resume runs, plus the observability snapshot.
type Server struct {
	engine *engine.Engine
	store  store.Store
	router *gin.Engine
}

func NewServer(eng *engine.Engine, st store.Store) *Server {
	s := &Server{engine: eng, store: st}

	router := gin.New()
	router.Use(gin.Recovery())

	v1 := router.Group("/v1")
	{
		v1.POST("/runs", s.createRun)
		v1.GET("/runs/:id", s.getRun)
		v1.POST("/runs/:id/cancel", s.cancelRun)
		v1.POST("/runs/:id/signal", s.resumeSignal)
		v1.GET("/runs/:id/events", s.runEvents)
		v1.GET("/metrics", s.metrics)
	}
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	s.router = router
	return s
}

func (s *Server) Run(addr string) error {
	return s.router.Run(addr)
}

// Handler exposes the underlying router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

type createRunRequest struct {
	Pipeline string                 `json:"pipeline" binding:"required"`
	Context  map[string]interface{} `json:"context"`
}

func (s *Server) createRun(c *gin.Context) {
	var req createRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	runID, err := s.engine.CreateRun(req.Pipeline, models.RunContext{Fields: req.Context})
	if err != nil {
		var verr *definition.ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": verr.Error(), "issues": verr.Issues})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	go s.execute(runID)
	c.JSON(http.StatusAccepted, gin.H{"runId": runID})
}

func (s *Server) execute(runID string) {
	if _, err := s.engine.Execute(context.Background(), runID); err != nil {
		if errors.Is(err, store.ErrLeaseDenied) {
			return
		}
		log.Printf("api: run %s execution error: %v", runID, err)
	}
}

func (s *Server) getRun(c *gin.Context) {
	state, err := s.store.Get(c.Param("id"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, state)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) cancelRun(c *gin.Context) {
	var req cancelRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "cancelled via API"
	}

	if err := s.engine.CancelRun(c.Param("id"), req.Reason); err != nil {
		status := http.StatusConflict
		if errors.Is(err, store.ErrNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancel requested"})
}

type signalRequest struct {
	TaskID   string                 `json:"taskId" binding:"required"`
	Status   models.TaskStatus      `json:"status"`
	Severity models.Severity        `json:"severity"`
	Payload  map[string]interface{} `json:"payload"`
	Reason   string                 `json:"reason"`
}

func (s *Server) resumeSignal(c *gin.Context) {
	var req signalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	runID := c.Param("id")
	result := models.TaskResult{
		TaskID:   req.TaskID,
		Status:   req.Status,
		Severity: req.Severity,
		Payload:  req.Payload,
		Reason:   req.Reason,
	}
	if err := s.engine.ResumeSignal(runID, result); err != nil {
		status := http.StatusConflict
		if errors.Is(err, store.ErrNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	go s.execute(runID)
	c.JSON(http.StatusAccepted, gin.H{"status": "signal recorded"})
}

func (s *Server) runEvents(c *gin.Context) {
	events := s.engine.Bus().RunEvents(
		c.Param("id"),
		observability.EventType(c.Query("type")),
		c.Query("taskId"),
	)
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (s *Server) metrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Metrics().SnapshotAll())
}
