package server

import (
	"context"
	"net/http"
	"net/netip"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/mawared/internal/config"
	"github.com/smallbiznis/mawared/internal/observability"
	obsmiddleware "github.com/smallbiznis/mawared/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/mawared/internal/observability/metrics"
	obstracing "github.com/smallbiznis/mawared/internal/observability/tracing"
	"github.com/smallbiznis/mawared/internal/payment"
	"github.com/smallbiznis/mawared/internal/payment/webhook"
	"github.com/smallbiznis/mawared/internal/ratelimit"
	"github.com/smallbiznis/mawared/internal/settings"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxWebhookBodyBytes = 1 << 20

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	settings.Module,
	payment.Module,
	ratelimit.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())
	r.HandleMethodNotAllowed = true
	r.NoRoute(notFound)
	r.NoMethod(methodNotAllowed)

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config, log *zap.Logger) {
	addr := cfg.HTTPAddr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("http server listening", zap.String("addr", addr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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

// WebhookIngester is the webhook pipeline as seen by the HTTP layer.
type WebhookIngester interface {
	Ingest(ctx context.Context, payload []byte, headers http.Header) webhook.Result
	Status(ctx context.Context) webhook.Introspection
}

type Server struct {
	engine   *gin.Engine
	cfg      config.Config
	db       *gorm.DB
	log      *zap.Logger
	webhooks WebhookIngester
	limiter  ingressLimiter
	exempt   []netip.Prefix
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	DB         *gorm.DB
	Log        *zap.Logger
	WebhookSvc *webhook.Service
	Limiter    *ratelimit.IngressLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:   p.Gin,
		cfg:      p.Cfg,
		db:       p.DB,
		log:      p.Log.Named("http"),
		webhooks: p.WebhookSvc,
	}
	if p.Limiter != nil {
		svc.limiter = p.Limiter
		svc.exempt = parseExemptSources(p.Cfg.WebhookRateLimitExempt, svc.log)
	}

	svc.registerHealthRoutes()
	svc.registerPaymentRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerHealthRoutes() {
	s.engine.GET("/health", s.Health)
}

func (s *Server) registerPaymentRoutes() {
	payments := s.engine.Group("/api/payments")

	payments.POST("/webhook", s.WebhookRateLimit(), s.HandlePaymentWebhook)
	payments.GET("/webhook", s.GetPaymentWebhookStatus)
}

// Health reports process liveness and, when a database is wired, reachability.
func (s *Server) Health(c *gin.Context) {
	if s.db != nil {
		sqlDB, err := s.db.DB()
		if err == nil {
			err = sqlDB.PingContext(c.Request.Context())
		}
		if err != nil {
			s.log.Warn("health check database ping failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
