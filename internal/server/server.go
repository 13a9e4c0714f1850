package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ifuryst/crosspost/internal/config"
	"github.com/ifuryst/crosspost/internal/models"
	"github.com/ifuryst/crosspost/internal/service"
	"github.com/ifuryst/crosspost/internal/service/dispatch"
	"github.com/ifuryst/crosspost/internal/service/media"
	"github.com/ifuryst/crosspost/internal/service/store"
)

// ImmediateDispatcher runs the publish-now entrypoint.
type ImmediateDispatcher interface {
	DispatchNow(ctx context.Context, publicationID uint) error
	ActiveDispatches() int
}

type Server struct {
	Config *config.Config
	DB     *gorm.DB
	Router *gin.Engine
	Logger *zap.Logger
	Server *http.Server

	// Services
	Store             dispatch.Store
	Dispatcher        ImmediateDispatcher
	Scheduler         *service.Scheduler
	MonitoringService *service.MonitoringService
	StatsUpdater      *service.StatsUpdater

	background       sync.WaitGroup
	backgroundCtx    context.Context
	cancelBackground context.CancelFunc
}

// Core is the dispatch stack shared by the HTTP server and the one-shot CLI command.
type Core struct {
	DB          *gorm.DB
	Store       *store.GormStore
	Coordinator *dispatch.Coordinator
	Monitoring  *service.MonitoringService
}

// NewCore opens the database and wires store, media, publishers and coordinator.
func NewCore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Core, error) {
	db, err := service.NewDatabase(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	mediaStore, err := media.NewStore(ctx, cfg.Media)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize media store: %w", err)
	}

	monitoring := service.NewMonitoringService(db, logger.Named("monitoring"))
	publishers := service.NewPublisherService(cfg, mediaStore, logger.Named("publisher"))

	gormStore := store.NewGormStore(db)
	opts := dispatch.OptionsFromConfig(cfg)
	opts.Observer = monitoring
	coordinator := dispatch.NewCoordinator(gormStore, publishers.Registry(), opts, logger.Named("dispatch"))

	return &Core{
		DB:          db,
		Store:       gormStore,
		Coordinator: coordinator,
		Monitoring:  monitoring,
	}, nil
}

func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	core, err := NewCore(context.Background(), cfg, logger)
	if err != nil {
		return nil, err
	}

	scheduler := service.NewScheduler(&cfg.Scheduler, logger.Named("scheduler"), core.Store, core.Coordinator, core.Monitoring)
	statsUpdater := service.NewStatsUpdater(core.Monitoring, logger.Named("stats"), cfg.Scheduler.StatsEvery())

	srv := newServer(cfg, logger, core.Store, core.Coordinator, core.Monitoring)
	srv.DB = core.DB
	srv.Scheduler = scheduler
	srv.StatsUpdater = statsUpdater
	return srv, nil
}

func newServer(cfg *config.Config, logger *zap.Logger, st dispatch.Store, dispatcher ImmediateDispatcher, monitoring *service.MonitoringService) *Server {
	// Set gin mode
	gin.SetMode(cfg.Server.Mode)

	backgroundCtx, cancel := context.WithCancel(context.Background())
	srv := &Server{
		Config:            cfg,
		Router:            gin.New(),
		Logger:            logger,
		Store:             st,
		Dispatcher:        dispatcher,
		MonitoringService: monitoring,
		backgroundCtx:     backgroundCtx,
		cancelBackground:  cancel,
	}

	srv.setupMiddleware()
	srv.setupRoutes()
	return srv
}

func (s *Server) setupMiddleware() {
	// Recovery middleware
	s.Router.Use(gin.Recovery())

	// Logger middleware
	s.Router.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		Formatter: func(param gin.LogFormatterParams) string {
			return fmt.Sprintf("%s - [%s] \"%s %s %s %d %s \"%s\" %s\"\n",
				param.ClientIP,
				param.TimeStamp.Format(time.RFC3339),
				param.Method,
				param.Path,
				param.Request.Proto,
				param.StatusCode,
				param.Latency,
				param.Request.UserAgent(),
				param.ErrorMessage,
			)
		},
	}))

	// CORS middleware
	s.Router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})
}

func (s *Server) setupRoutes() {
	s.Router.GET("/health", s.handleHealth)

	api := s.Router.Group("/api/v1")
	{
		publications := api.Group("/publications")
		{
			publications.GET("/:id", s.handleGetPublication)
			publications.POST("/:id/dispatch", s.handleDispatchPublication)
		}

		monitoring := api.Group("/monitoring")
		{
			monitoring.GET("/errors", s.handleGetRecentErrors)
			monitoring.GET("/stats", s.handleGetDispatchStats)
		}
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	body := gin.H{
		"status":            "ok",
		"time":              time.Now().Unix(),
		"active_dispatches": s.Dispatcher.ActiveDispatches(),
	}
	if err := s.Store.Ping(ctx); err != nil {
		s.Logger.Warn("Health check failed", zap.Error(err))
		body["status"] = "degraded"
		body["error"] = err.Error()
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	c.JSON(http.StatusOK, body)
}

func parseID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid publication id"})
		return 0, false
	}
	return uint(id), true
}

func (s *Server) loadPublication(c *gin.Context, id uint) (*models.Publication, bool) {
	pub, err := s.Store.GetPublication(c.Request.Context(), id)
	if errors.Is(err, dispatch.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "publication not found"})
		return nil, false
	}
	if err != nil {
		s.Logger.Error("Failed to get publication", zap.Uint("publication_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get publication"})
		return nil, false
	}
	return pub, true
}

func (s *Server) handleGetPublication(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	pub, ok := s.loadPublication(c, id)
	if !ok {
		return
	}

	targets, err := s.Store.ListTargets(c.Request.Context(), id)
	if err != nil {
		s.Logger.Error("Failed to list targets", zap.Uint("publication_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list targets"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"publication": pub, "targets": targets})
}

// handleDispatchPublication starts the publish-now entrypoint in the background.
// The outcome is observable through the publication's status.
func (s *Server) handleDispatchPublication(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	pub, ok := s.loadPublication(c, id)
	if !ok {
		return
	}
	if pub.Status == models.PublicationStatusPublished {
		c.JSON(http.StatusConflict, gin.H{"error": "publication already published", "status": pub.Status})
		return
	}

	s.background.Add(1)
	go func() {
		defer s.background.Done()
		if err := s.Dispatcher.DispatchNow(s.backgroundCtx, id); err != nil {
			level := s.Logger.Error
			if errors.Is(err, dispatch.ErrAlreadyDispatching) {
				level = s.Logger.Info
			}
			level("Immediate dispatch did not run", zap.Uint("publication_id", id), zap.Error(err))
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{"message": "Dispatch started", "publication_id": id})
}

func queryInt(c *gin.Context, name string, def, max int) int {
	v, err := strconv.Atoi(c.Query(name))
	if err != nil || v <= 0 {
		return def
	}
	if v > max {
		return max
	}
	return v
}

func (s *Server) handleGetRecentErrors(c *gin.Context) {
	limit := queryInt(c, "limit", 50, 500)
	errorLogs, err := s.MonitoringService.GetRecentErrors(c.Request.Context(), limit)
	if err != nil {
		s.Logger.Error("Failed to get recent errors", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get errors"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"errors": errorLogs})
}

func (s *Server) handleGetDispatchStats(c *gin.Context) {
	days := queryInt(c, "days", 7, 365)
	stats, err := s.MonitoringService.GetDispatchStats(c.Request.Context(), days)
	if err != nil {
		s.Logger.Error("Failed to get dispatch stats", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get stats"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

func (s *Server) Start(ctx context.Context) error {
	if s.Scheduler != nil {
		if err := s.Scheduler.Start(ctx); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}
	if s.StatsUpdater != nil {
		s.StatsUpdater.Start(ctx)
	}

	addr := fmt.Sprintf("%s:%d", s.Config.Server.Host, s.Config.Server.Port)

	s.Server = &http.Server{
		Addr:    addr,
		Handler: s.Router,
	}

	s.Logger.Info("Starting HTTP server", zap.String("addr", addr))

	var err error
	if s.Config.Server.CertFile != "" && s.Config.Server.KeyFile != "" {
		err = s.Server.ListenAndServeTLS(s.Config.Server.CertFile, s.Config.Server.KeyFile)
	} else {
		err = s.Server.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests, then cancels and waits for background dispatches.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.Scheduler != nil {
		s.Scheduler.Stop()
	}
	if s.StatsUpdater != nil {
		s.StatsUpdater.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var err error
	if s.Server != nil {
		err = s.Server.Shutdown(shutdownCtx)
	}

	s.cancelBackground()
	s.background.Wait()
	return err
}
