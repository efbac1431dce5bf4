package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	catalogdomain "github.com/smallbiznis/creditmeter/internal/catalog/domain"
	"github.com/smallbiznis/creditmeter/internal/config"
	meteringdomain "github.com/smallbiznis/creditmeter/internal/metering/domain"
	"github.com/smallbiznis/creditmeter/internal/observability"
	obsmiddleware "github.com/smallbiznis/creditmeter/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/creditmeter/internal/observability/metrics"
	obstracing "github.com/smallbiznis/creditmeter/internal/observability/tracing"
	"github.com/smallbiznis/creditmeter/internal/ratelimit"
	storedomain "github.com/smallbiznis/creditmeter/internal/store/domain"
	usagelogdomain "github.com/smallbiznis/creditmeter/internal/usagelog/domain"
	"github.com/smallbiznis/creditmeter/pkg/telemetry/correlation"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const readyTimeout = 2 * time.Second

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(func(s *Server) {
		s.RegisterAPIRoutes()
	}),
	fx.Invoke(RunHTTP),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(correlation.GinMiddleware())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func RunHTTP(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("http server listening", zap.String("addr", srv.Addr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
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

type ServerParams struct {
	fx.In

	Gin      *gin.Engine
	Log      *zap.Logger
	Metering meteringdomain.Service
	Catalog  catalogdomain.Service
	UsageLog usagelogdomain.Service
	Store    storedomain.Store
	Limiter  *ratelimit.DebitLimiter `optional:"true"`
}

type Server struct {
	engine   *gin.Engine
	log      *zap.Logger
	metering meteringdomain.Service
	catalog  catalogdomain.Service
	usage    usagelogdomain.Service
	store    storedomain.Store
	limiter  *ratelimit.DebitLimiter
}

func NewServer(p ServerParams) *Server {
	return &Server{
		engine:   p.Gin,
		log:      p.Log.Named("http"),
		metering: p.Metering,
		catalog:  p.Catalog,
		usage:    p.UsageLog,
		store:    p.Store,
		limiter:  p.Limiter,
	}
}

func (s *Server) RegisterAPIRoutes() {
	s.engine.GET("/ready", s.Ready)

	v1 := s.engine.Group("/v1")
	v1.GET("/catalog", s.ListCatalog)

	credits := v1.Group("/credits")
	credits.POST("/debit", s.DebitRateLimit(), s.Debit)
	credits.POST("/outcome", s.MarkOutcome)
	credits.POST("/refund", s.Refund)
	credits.GET("/balance/:user_id", s.GetBalance)
	credits.GET("/usage/:user_id", s.ListUsage)
}

// Ready reports whether the configured store answers a ping.
func (s *Server) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readyTimeout)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		s.log.Warn("readiness check failed", zap.Error(err))
		AbortWithError(c, fmt.Errorf("%w: %w", ErrServiceUnavailable, err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
