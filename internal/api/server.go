// Package api exposes the ranking and admin HTTP surface.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"marketpulse/config"
	"marketpulse/internal/analysis"
	"marketpulse/internal/model"
	"marketpulse/internal/queue"
	"marketpulse/logger"
)

const defaultTopLimit = 20

// Ranker is the slice of the analysis engine the server needs.
type Ranker interface {
	GetRanking(ctx context.Context, windowMinutes int) (*model.Ranking, error)
}

// Enqueuer is the slice of the job orchestrator the admin endpoints need.
type Enqueuer interface {
	Enqueue(ctx context.Context, name queue.Name, id string, payload queue.Payload) (string, error)
}

// PhaseReporter surfaces how far startup has progressed.
type PhaseReporter interface {
	Phase() queue.Phase
}

// Server hosts the public market endpoints and the admin enqueue endpoints.
type Server struct {
	cfg            config.ServerConfig
	appName        string
	version        string
	importInterval string
	ranker         Ranker
	manager        Enqueuer
	phases         PhaseReporter
	log            *logger.Log
	httpServer     *http.Server
}

func NewServer(cfg config.ServerConfig, app config.MarketpulseConfig, importInterval string, ranker Ranker, manager Enqueuer, phases PhaseReporter) *Server {
	cfg.Address = normalizeAddress(cfg.Address)
	if importInterval == "" {
		importInterval = "5m"
	}
	return &Server{
		cfg:            cfg,
		appName:        app.Name,
		version:        app.Version,
		importInterval: importInterval,
		ranker:         ranker,
		manager:        manager,
		phases:         phases,
		log:            logger.GetLogger(),
	}
}

// Run starts the HTTP server and blocks until the context is cancelled or
// the server exits with an error.
func (s *Server) Run(ctx context.Context) error {
	router, err := s.buildRouter()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:    s.cfg.Address,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithComponent("api").WithFields(logger.Fields{
			"address": s.cfg.Address,
		}).Info("http server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if err == nil {
			return nil
		}
		return err
	}
}

// Address reports the network address the server listens on.
func (s *Server) Address() string {
	return s.cfg.Address
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/api/v1", s.handleIndex)
	router.GET("/api/v1/health", s.handleHealth)

	market := router.Group("/api/market")
	{
		market.GET("/analysis", s.handleAnalysis)
		market.GET("/gainers", s.handleTop(func(r *model.Ranking) []model.PriceChange { return r.Gainers }))
		market.GET("/losers", s.handleTop(func(r *model.Ranking) []model.PriceChange { return r.Losers }))
	}

	admin := router.Group("/api/v1/admin")
	{
		admin.POST("/sync-instruments", s.handleEnqueue(queue.QueueSync, queue.SyncPayload{}))
		admin.POST("/import-candles", s.handleEnqueue(queue.QueueImport, queue.ImportPayload{Interval: s.importInterval}))
		admin.POST("/warm-cache", s.handleEnqueue(queue.QueueAnalysis, queue.AnalysisPayload{Mode: queue.ModeWarmCache}))
	}

	return router, nil
}

func (s *Server) handleIndex(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":    s.appName,
		"version": s.version,
		"endpoints": []string{
			"GET /api/v1/health",
			"GET /api/market/analysis?period=1h",
			"GET /api/market/gainers?period=1h&limit=20",
			"GET /api/market/losers?period=1h&limit=20",
			"POST /api/v1/admin/sync-instruments",
			"POST /api/v1/admin/import-candles",
			"POST /api/v1/admin/warm-cache",
		},
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	resp := gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if s.phases != nil {
		resp["startup"] = s.phases.Phase()
	}
	c.JSON(http.StatusOK, resp)
}

// resolveWindow turns the period query parameter into a window in minutes,
// rejecting windows outside [1, MaxWindowMinutes].
func (s *Server) resolveWindow(c *gin.Context) (int, bool) {
	period := c.DefaultQuery("period", "1h")
	window := analysis.PeriodToMinutes(period)
	if window < 1 || window > analysis.MaxWindowMinutes {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "period must be between 1 minute and 7 days",
		})
		return 0, false
	}
	return window, true
}

func (s *Server) handleAnalysis(c *gin.Context) {
	window, ok := s.resolveWindow(c)
	if !ok {
		return
	}

	ranking, err := s.ranker.GetRanking(c.Request.Context(), window)
	if err != nil {
		s.log.WithComponent("api").WithError(err).Error("ranking lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "analysis failed"})
		return
	}
	if ranking == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "no market data available for the requested period",
		})
		return
	}
	c.JSON(http.StatusOK, ranking)
}

func (s *Server) handleTop(side func(*model.Ranking) []model.PriceChange) gin.HandlerFunc {
	return func(c *gin.Context) {
		window, ok := s.resolveWindow(c)
		if !ok {
			return
		}

		limit := defaultTopLimit
		if raw := c.Query("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 1 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
				return
			}
			limit = parsed
		}

		ranking, err := s.ranker.GetRanking(c.Request.Context(), window)
		if err != nil {
			s.log.WithComponent("api").WithError(err).Error("ranking lookup failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "analysis failed"})
			return
		}
		if ranking == nil {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "no market data available for the requested period",
			})
			return
		}

		rows := side(ranking)
		if limit < len(rows) {
			rows = rows[:limit]
		}
		c.JSON(http.StatusOK, gin.H{
			"period":       ranking.Period,
			"periodLabel":  ranking.PeriodLabel,
			"calculatedAt": ranking.CalculatedAt,
			"results":      rows,
		})
	}
}

func (s *Server) handleEnqueue(name queue.Name, payload queue.Payload) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := s.manager.Enqueue(c.Request.Context(), name, "", payload)
		if err != nil {
			s.log.WithComponent("api").WithError(err).Error("failed to enqueue admin job")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue job"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{
			"queue": name,
			"jobId": id,
		})
	}
}

func normalizeAddress(address string) string {
	if address == "" {
		return ":8080"
	}
	if _, _, err := net.SplitHostPort(address); err == nil {
		return address
	}
	if _, err := strconv.Atoi(address); err == nil {
		return ":" + address
	}
	return address
}
