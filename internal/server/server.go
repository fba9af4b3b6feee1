package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/creditledger/internal/apikey"
	apikeydomain "github.com/smallbiznis/creditledger/internal/apikey/domain"
	"github.com/smallbiznis/creditledger/internal/billinguser"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	"github.com/smallbiznis/creditledger/internal/credit"
	creditdomain "github.com/smallbiznis/creditledger/internal/credit/domain"
	"github.com/smallbiznis/creditledger/internal/migration"
	"github.com/smallbiznis/creditledger/internal/observability"
	obsmiddleware "github.com/smallbiznis/creditledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/creditledger/internal/observability/metrics"
	obstracing "github.com/smallbiznis/creditledger/internal/observability/tracing"
	"github.com/smallbiznis/creditledger/internal/ratelimit"
	"github.com/smallbiznis/creditledger/internal/scheduler"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	config.Module,
	clock.Module,
	fx.Provide(registerGin),
	billinguser.Module,
	credit.Module,
	apikey.Module,
	ratelimit.Module,
	migration.Module,
	scheduler.Module,
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

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
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

type Server struct {
	engine      *gin.Engine
	cfg         config.Config
	db          *gorm.DB
	genID       *snowflake.Node
	creditSvc   creditdomain.Service
	apiKeySvc   apikeydomain.Service
	drawLimiter *ratelimit.DrawLimiter
	obsMetrics  *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin         *gin.Engine
	Cfg         config.Config
	DB          *gorm.DB
	GenID       *snowflake.Node
	CreditSvc   creditdomain.Service
	APIKeySvc   apikeydomain.Service
	DrawLimiter *ratelimit.DrawLimiter `optional:"true"`
	ObsMetrics  *obsmetrics.Metrics    `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:      p.Gin,
		cfg:         p.Cfg,
		db:          p.DB,
		genID:       p.GenID,
		creditSvc:   p.CreditSvc,
		apiKeySvc:   p.APIKeySvc,
		drawLimiter: p.DrawLimiter,
		obsMetrics:  p.ObsMetrics,
	}

	svc.registerLedgerRoutes()
	svc.registerAdminRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerLedgerRoutes() {
	v1 := s.engine.Group("/v1/credits")

	// Minting credits and reversing deductions are admin operations; pipeline
	// keys hold ledger:write and must not reach either.
	v1.POST("/grants", s.APIKeyRequired(apikeydomain.ScopeLedgerAdmin), s.CreateGrant)
	v1.GET("/grants", s.APIKeyRequired(apikeydomain.ScopeLedgerRead), s.ListGrants)

	v1.POST("/reservations", s.APIKeyRequired(apikeydomain.ScopeLedgerWrite), s.CreateReservation)
	v1.POST("/reservations/:id/confirm", s.APIKeyRequired(apikeydomain.ScopeLedgerWrite), s.ConfirmReservation)
	v1.POST("/reservations/:id/release", s.APIKeyRequired(apikeydomain.ScopeLedgerWrite), s.ReleaseReservation)

	v1.POST("/deductions", s.APIKeyRequired(apikeydomain.ScopeLedgerWrite), s.CreateDeduction)

	v1.GET("/transactions", s.APIKeyRequired(apikeydomain.ScopeLedgerRead), s.ListTransactions)
	v1.POST("/transactions/:id/refund", s.APIKeyRequired(apikeydomain.ScopeLedgerAdmin), s.RefundTransaction)

	v1.GET("/balance", s.APIKeyRequired(apikeydomain.ScopeLedgerRead), s.GetBalance)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/v1/api_keys", s.APIKeyRequired(apikeydomain.ScopeLedgerAdmin))

	admin.GET("", s.ListAPIKeys)
	admin.POST("", s.CreateAPIKey)
	admin.POST("/:keyId/rotate", s.RotateAPIKey)
	admin.DELETE("/:keyId", s.RevokeAPIKey)
}
