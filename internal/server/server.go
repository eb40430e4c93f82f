package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"machines/internal/api"
	"machines/internal/config"
	"machines/internal/controlplane"
	"machines/internal/eventbus"
	"machines/internal/monitor"
	"machines/internal/session"
	"machines/internal/session/repo"
	"machines/internal/session/worker"

	"github.com/hibiken/asynq"
	"golang.org/x/time/rate"
)

type Server struct {
	cfg         *config.Config
	deps        *Dependency
	httpServer  *http.Server
	asynqServer *asynq.Server
	asynqMux    *asynq.ServeMux
	cleaner     *session.Cleaner
	logger      *slog.Logger
}

func NewServer(cfg *config.Config, deps *Dependency) (*Server, error) {
	logger := deps.Logger

	bus := eventbus.NewRedisBus(deps.Redis, logger)

	plane, err := newControlPlane(cfg, deps, logger)
	if err != nil {
		return nil, err
	}

	sessionRepo := repo.NewRepository(deps.PG, deps.Redis)
	manager := session.NewManager(plane, sessionRepo, bus, deps.AsynqClient, deps.AsynqInspector,
		session.ManagerConfig{
			DefaultLease: cfg.Lease.Default,
			ConfirmGrace: cfg.Lease.ConfirmGrace,
		}, logger)
	query := session.NewQueryService(plane, sessionRepo, logger)

	cleaner := session.NewCleaner(sessionRepo, plane, session.CleanupConfig{
		Interval: cfg.Lease.CleanupInterval,
	}, logger)

	confirmWorker := worker.NewConfirmTaskWorker(plane, sessionRepo, bus, logger)

	asynqServer := asynq.NewServer(deps.AsynqRedis, asynq.Config{
		Concurrency: cfg.Worker.Concurrency,
		Logger:      newAsynqLogger(logger),
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(session.TaskMachineConfirm, confirmWorker.HandleMachineConfirm)

	router := api.NewRouter(manager, query, bus)
	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return &Server{
		cfg:         cfg,
		deps:        deps,
		httpServer:  httpServer,
		asynqServer: asynqServer,
		asynqMux:    mux,
		cleaner:     cleaner,
		logger:      logger,
	}, nil
}

// newControlPlane builds the provisioning driver selected by config.
func newControlPlane(cfg *config.Config, deps *Dependency, logger *slog.Logger) (controlplane.ControlPlane, error) {
	switch cfg.ControlPlane.Driver {
	case "http":
		limiter := rate.NewLimiter(rate.Limit(cfg.ControlPlane.RatePerSecond), cfg.ControlPlane.RateBurst)
		return controlplane.NewHTTPPlane(controlplane.HTTPConfig{
			BaseURL:        cfg.ControlPlane.BaseURL,
			Timeout:        cfg.ControlPlane.Timeout,
			CommandTimeout: cfg.ControlPlane.CommandTimeout,
		}, limiter, logger), nil
	case "docker":
		return controlplane.NewDockerPlane(deps.Docker, controlplane.DockerConfig{
			Address:      cfg.ControlPlane.DockerAddress,
			Images:       cfg.ControlPlane.DockerImages,
			Capacity:     cfg.ControlPlane.DockerCapacity,
			LeaseSeconds: int(cfg.Lease.Default.Seconds()),
		}, logger), nil
	case "fake":
		return controlplane.NewFake(), nil
	default:
		return nil, fmt.Errorf("unknown control plane driver %q", cfg.ControlPlane.Driver)
	}
}

func (s *Server) Start(ctx context.Context) error {
	go func() {
		s.logger.Info("Starting Asynq worker", "concurrency", s.cfg.Worker.Concurrency)
		if err := s.asynqServer.Start(s.asynqMux); err != nil {
			s.logger.Error("Asynq worker failed", "error", err)
		}
	}()

	go func() {
		if err := monitor.StartMetricsServer(ctx, s.cfg.Metrics.Addr, s.logger); err != nil {
			s.logger.Error("Metrics server failed", "error", err)
		}
	}()

	go s.cleaner.Start()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting API server", "addr", s.cfg.Server.Addr)
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Shutdown signal received, draining...")
	case err := <-errCh:
		return err
	}

	return s.Shutdown()
}

func (s *Server) Shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	s.asynqServer.Shutdown()
	s.cleaner.Stop()

	s.logger.Info("Server stopped gracefully")
	return nil
}

type asynqLogger struct {
	l *slog.Logger
}

func newAsynqLogger(l *slog.Logger) *asynqLogger {
	return &asynqLogger{l: l.With("component", "asynq")}
}

func (a *asynqLogger) Debug(args ...any) { a.l.Debug("", "msg", args) }
func (a *asynqLogger) Info(args ...any)  { a.l.Info("", "msg", args) }
func (a *asynqLogger) Warn(args ...any)  { a.l.Warn("", "msg", args) }
func (a *asynqLogger) Error(args ...any) { a.l.Error("", "msg", args) }
func (a *asynqLogger) Fatal(args ...any) { a.l.Error("FATAL", "msg", args) }
