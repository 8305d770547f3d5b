package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pixl/internal/broker"
	"pixl/internal/constants"
	"pixl/internal/ledger"
	"pixl/internal/logger"
	"pixl/internal/ratelimit"
	"pixl/pkg/health"
)

// Controller pauses and resumes queue consumption, backing the CLI's
// start/stop subcommands.
type Controller interface {
	Pause()
	Resume()
}

// Handler serves the operator API: health, metrics, queue depths,
// per-project export counts, consumption control, and runtime rate-limit
// updates.
type Handler struct {
	ledger     ledger.Repository
	inspector  broker.Inspector
	limiter    *ratelimit.SourceLimiter
	checks     *health.CheckerRegistry
	controller Controller
	logger     logger.Logger
}

func NewHandler(ledgerRepo ledger.Repository, inspector broker.Inspector, limiter *ratelimit.SourceLimiter, checks *health.CheckerRegistry, controller Controller, log logger.Logger) *Handler {
	return &Handler{
		ledger:     ledgerRepo,
		inspector:  inspector,
		limiter:    limiter,
		checks:     checks,
		controller: controller,
		logger:     log,
	}
}

func (h *Handler) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/heart-beat", h.heartBeat)
	router.GET("/health", h.health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/queues", h.queues)
	router.GET("/projects/:slug/counts", h.projectCounts)
	router.GET("/token-bucket-refresh-rate", h.getRefreshRate)
	router.POST("/token-bucket-refresh-rate", h.setRefreshRate)
	router.POST("/consume/start", h.startConsuming)
	router.POST("/consume/stop", h.stopConsuming)

	return router
}

func (h *Handler) startConsuming(c *gin.Context) {
	h.controller.Resume()
	c.JSON(http.StatusOK, gin.H{"consuming": true})
}

func (h *Handler) stopConsuming(c *gin.Context) {
	h.controller.Pause()
	c.JSON(http.StatusOK, gin.H{"consuming": false})
}

func (h *Handler) heartBeat(c *gin.Context) {
	c.String(http.StatusOK, "OK")
}

func (h *Handler) health(c *gin.Context) {
	result := h.checks.Check(c.Request.Context())
	status := http.StatusOK
	if result.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, result)
}

func (h *Handler) queues(c *gin.Context) {
	depths := make(map[string]int)
	for _, queue := range []string{constants.QueuePrimary, constants.QueueSecondary, constants.QueueDeadLetter} {
		depth, err := h.inspector.MessageCount(queue)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		depths[queue] = depth
	}
	c.JSON(http.StatusOK, depths)
}

func (h *Handler) projectCounts(c *gin.Context) {
	counts, err := h.ledger.Counts(context.WithoutCancel(c.Request.Context()), c.Param("slug"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, counts)
}

func (h *Handler) getRefreshRate(c *gin.Context) {
	rates := make(map[string]float64)
	for _, source := range []string{constants.SourcePrimary, constants.SourceSecondary} {
		rate, err := h.limiter.Rate(source)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		rates[source] = rate
	}
	c.JSON(http.StatusOK, rates)
}

type refreshRateRequest struct {
	Source string  `json:"source" binding:"required"`
	Rate   float64 `json:"rate" binding:"required,gt=0"`
}

func (h *Handler) setRefreshRate(c *gin.Context) {
	var req refreshRateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.limiter.SetRate(req.Source, req.Rate); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	h.logger.Infow("Updated source rate limit",
		"source", req.Source,
		"rate", req.Rate,
	)
	c.JSON(http.StatusOK, gin.H{"source": req.Source, "rate": req.Rate})
}
