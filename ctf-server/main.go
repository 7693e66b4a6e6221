package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/kavos113/quickctf/ctf-server/app"
	"github.com/kavos113/quickctf/ctf-server/config"
	"github.com/kavos113/quickctf/ctf-server/infrastructure/eventbus"
	"github.com/kavos113/quickctf/ctf-server/infrastructure/orchestrator"
	"github.com/kavos113/quickctf/ctf-server/infrastructure/repository"
	"github.com/kavos113/quickctf/ctf-server/interface/handler"
	"github.com/kavos113/quickctf/ctf-server/interface/health"
	"github.com/kavos113/quickctf/ctf-server/interface/middleware"
	"github.com/kavos113/quickctf/lib/logger"
	"github.com/kavos113/quickctf/lib/metrics"
)

const shutdownTimeout = 30 * time.Second

func main() {
	log := logger.New("ctf-server")
	if err := run(log); err != nil {
		log.Error("ctf-server stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer a.Close()
	log = a.Logger

	applied, err := repository.InitSchema(ctx, a.DB, a.DBConfig.SchemaPath)
	if err != nil {
		return err
	}
	log.Info("schema initialized",
		slog.String("path", a.DBConfig.SchemaPath),
		slog.Int("statements", applied),
	)

	metrics.Register()
	metrics.RegisterActiveInstances(a.Instances.ActiveCount)

	go eventbus.NewRedisListener(a.Redis, a.Bus, log).Run(ctx)

	healthServer := health.NewServer(map[string]health.Checker{
		"mysql": a.DB.PingContext,
		"redis": func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() },
	}, health.DefaultInterval, log)
	go healthServer.Run(ctx)

	lis, err := net.Listen("tcp", fmt.Sprintf(":%s", cfg.HealthGRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	go func() {
		if err := healthServer.Serve(lis); err != nil {
			log.Error("health server stopped", slog.String("error", err.Error()))
		}
	}()

	if a.Reaper != nil {
		go a.Reaper.RunReaper(ctx, orchestrator.DefaultReapInterval)
	}

	e, events := newEcho(a, cfg, healthServer, log)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.ServerPort),
		Handler: h2c.NewHandler(e, &http2.Server{}),
	}
	server.RegisterOnShutdown(events.Shutdown)

	// a.Close must wait until in-flight requests have drained
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		<-ctx.Done()
		log.Info("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown incomplete", slog.String("error", err.Error()))
		}
		healthServer.Stop()
	}()

	log.Info("ctf server listening",
		slog.String("port", cfg.ServerPort),
		slog.String("health_grpc_port", cfg.HealthGRPCPort),
	)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		stop()
		<-drained
		return fmt.Errorf("failed to serve: %w", err)
	}
	<-drained
	return nil
}

func newEcho(a *app.App, cfg *config.Config, healthServer *health.Server, log *slog.Logger) (*echo.Echo, *handler.EventsHandler) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.CORSWithConfig(echomiddleware.CORSConfig{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:  []string{echo.HeaderAccept, echo.HeaderContentType, echo.HeaderContentLength, echo.HeaderAcceptEncoding, echo.HeaderAuthorization},
		ExposeHeaders: []string{echo.HeaderContentType},
	}))
	e.Use(logger.EchoRequestLogger(log))
	e.Use(middleware.Session(a.Auth, log))
	e.Use(middleware.CTFGate(a.Clock, middleware.GateConfig{
		AllowlistExact:    cfg.AllowlistExact,
		AllowlistPrefixes: cfg.AllowlistPrefixes,
	}, log))

	e.GET("/healthz", func(c echo.Context) error {
		if !healthServer.Serving() {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	events := handler.NewEventsHandler(a.Bus, a.Connections, handler.DefaultKeepAlive, log)
	router := &handler.Router{
		Instance: handler.NewInstanceHandler(a.Instances, log),
		CTF:      handler.NewCTFHandler(a.Clock, log),
		Events:   events,
		Proxy:    handler.NewProxy(a.Instances, log),
	}
	router.Register(e)

	return e, events
}
