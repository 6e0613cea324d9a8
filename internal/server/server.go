// Package server exposes the tenant-facing HTTP API: ingestion jobs,
// datasets, the dashboard query, and ad-spend management.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/marketdash/internal/adspend"
	"github.com/smallbiznis/marketdash/internal/config"
	"github.com/smallbiznis/marketdash/internal/dashboard"
	"github.com/smallbiznis/marketdash/internal/dataset"
	"github.com/smallbiznis/marketdash/internal/job"
	"github.com/smallbiznis/marketdash/internal/logger"
	"github.com/smallbiznis/marketdash/internal/observability/metrics"
	"github.com/smallbiznis/marketdash/internal/observability/tracing"
	"github.com/smallbiznis/marketdash/internal/queue"
	"github.com/smallbiznis/marketdash/internal/user"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func NewEngine(cfg config.Config, m *metrics.Metrics) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.GinMiddleware())
	r.Use(tracing.GinMiddleware())
	r.Use(m.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/metrics", m.Handler())
	return r
}

type Server struct {
	engine       *gin.Engine
	cfg          config.Config
	db           *gorm.DB
	queue        *queue.Queue
	userSvc      *user.Service
	jobSvc       *job.Service
	datasetSvc   *dataset.Service
	dashboardSvc *dashboard.Service
	adSpendSvc   *adspend.Service
}

type ServerParams struct {
	fx.In

	Gin          *gin.Engine
	Cfg          config.Config
	DB           *gorm.DB
	Queue        *queue.Queue
	UserSvc      *user.Service
	JobSvc       *job.Service
	DatasetSvc   *dataset.Service
	DashboardSvc *dashboard.Service
	AdSpendSvc   *adspend.Service
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:       p.Gin,
		cfg:          p.Cfg,
		db:           p.DB,
		queue:        p.Queue,
		userSvc:      p.UserSvc,
		jobSvc:       p.JobSvc,
		datasetSvc:   p.DatasetSvc,
		dashboardSvc: p.DashboardSvc,
		adSpendSvc:   p.AdSpendSvc,
	}
	s.registerRoutes()
	return s
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerRoutes() {
	s.engine.GET("/health", s.Health)

	api := s.engine.Group("/api/v1", s.AuthRequired())

	// -------- Ingestion jobs --------
	api.POST("/jobs", s.CreateJob)
	api.GET("/jobs", s.ListJobs)
	api.GET("/jobs/:id", s.GetJob)
	api.POST("/jobs/:id/commit", s.CommitJob)
	api.DELETE("/jobs/:id", s.DeleteJob)

	// -------- Datasets --------
	api.GET("/datasets", s.ListDatasets)
	api.GET("/datasets/:id", s.GetDataset)
	api.GET("/datasets/:id/rows", s.GetDatasetRows)
	api.DELETE("/datasets/:id", s.DeleteDataset)

	// -------- Dashboard --------
	api.GET("/dashboard", s.GetDashboard)

	// -------- Ad spends --------
	api.GET("/ad_spends", s.ListAdSpends)
	api.POST("/ad_spends", s.CreateAdSpend)
	api.POST("/ad_spends/bulk", s.CreateAdSpendsBulk)
	api.PATCH("/ad_spends/:id", s.UpdateAdSpend)
	api.DELETE("/ad_spends/:id", s.DeleteAdSpend)
	api.POST("/ad_spends/:id/allocate", s.AllocateAdSpend)
}

func run(lc fx.Lifecycle, s *Server, cfg config.Config, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: s.Engine(),
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

var Module = fx.Module("http.server",
	fx.Provide(NewEngine, NewServer),
	fx.Invoke(run),
)
