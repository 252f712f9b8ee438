package server

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	echoMiddleware "github.com/labstack/echo/v4/middleware"

	"github.com/Wandeon/FiskAI-App-sub000/internal/config"
	"github.com/Wandeon/FiskAI-App-sub000/internal/handler"
	"github.com/Wandeon/FiskAI-App-sub000/internal/middleware"
	"github.com/Wandeon/FiskAI-App-sub000/pkg/logger"
)

type Server struct {
	echo               *echo.Echo
	cfg                *config.Config
	logger             *logger.Logger
	fiscalHandler      *handler.FiscalHandler
	reconcileHandler   *handler.ReconcileHandler
	statementHandler   *handler.StatementHandler
	certificateHandler *handler.CertificateHandler
	healthHandler      *handler.HealthHandler
}

type requestValidator struct {
	validate *validator.Validate
}

func (v *requestValidator) Validate(i interface{}) error {
	return v.validate.Struct(i)
}

func New(
	cfg *config.Config,
	log *logger.Logger,
	fiscalHandler *handler.FiscalHandler,
	reconcileHandler *handler.ReconcileHandler,
	statementHandler *handler.StatementHandler,
	certificateHandler *handler.CertificateHandler,
	healthHandler *handler.HealthHandler,
) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = &requestValidator{validate: validator.New()}

	return &Server{
		echo:               e,
		cfg:                cfg,
		logger:             log,
		fiscalHandler:      fiscalHandler,
		reconcileHandler:   reconcileHandler,
		statementHandler:   statementHandler,
		certificateHandler: certificateHandler,
		healthHandler:      healthHandler,
	}
}

func (s *Server) Start() error {
	s.setupMiddleware()
	s.setupRoutes()

	addr := fmt.Sprintf("%s:%s", s.cfg.Server.Host, s.cfg.Server.Port)
	s.logger.Info(context.Background(), "Starting HTTP server",
		"address", addr,
	)

	return s.echo.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "Shutting down HTTP server")
	return s.echo.Shutdown(ctx)
}

func (s *Server) setupMiddleware() {
	s.echo.Use(echoMiddleware.Recover())
	s.echo.Use(echoMiddleware.CORS())
	s.echo.Use(middleware.RequestID())
	s.echo.Use(middleware.Logging(s.logger))
}

func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.healthHandler.Check)

	// Scheduler trigger, shared-secret guarded.
	s.echo.POST("/fiscalization/run", s.fiscalHandler.Run,
		middleware.SchedulerToken(s.cfg.Fiscal.SchedulerToken))

	s.echo.POST("/invoices/:id/fiscalize", s.fiscalHandler.Fiscalize)
	s.echo.POST("/fiscal-jobs/:id/retry", s.fiscalHandler.Retry)
	s.echo.GET("/fiscal-jobs/:id", s.fiscalHandler.GetJob)

	s.echo.GET("/transactions/:id/candidates", s.reconcileHandler.Candidates)
	s.echo.POST("/transactions/:id/match", s.reconcileHandler.ManualMatch)
	s.echo.POST("/transactions/:id/unlink", s.reconcileHandler.Unlink)
	s.echo.POST("/reconciliation/run", s.reconcileHandler.RunPass)

	s.echo.POST("/statements", s.statementHandler.Import)
	s.echo.GET("/statements/:id", s.statementHandler.Status)

	s.echo.POST("/certificates", s.certificateHandler.Upload)
	s.echo.DELETE("/certificates/:id", s.certificateHandler.Delete)
}

func (s *Server) Handler() *echo.Echo {
	s.setupMiddleware()
	s.setupRoutes()
	return s.echo
}
