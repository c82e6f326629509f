package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"

	"deploywatch/internal/config"
	"deploywatch/internal/deployment"
	"deploywatch/internal/handlers"
	"deploywatch/internal/integrations/discord"
	"deploywatch/internal/middleware"
	"deploywatch/internal/stream"
	"deploywatch/internal/utils"
)

type App struct {
	cfg         config.Config
	logger      *utils.Logger
	streams     *stream.Manager
	registry    *deployment.Registry
	wsHub       *middleware.Hub
	rateLimiter *middleware.RateLimiter
	notifier    *discord.Notifier
}

// newApp wires the stream manager, the registry and the signal hub. dialer
// overrides the configured transports when not nil.
func newApp(cfg config.Config, logger *utils.Logger, dialer stream.Dialer) *App {
	if dialer == nil {
		dialer = cfg.Dialer()
	}
	hub := middleware.NewHub(logger, cfg.AllowedOrigins)
	notifier := discord.NewNotifier(cfg.NotifySettings(), logger)
	streams := stream.NewManager(dialer, cfg.StreamOptions(), logger)
	defaults := notifier.Signals(hub.Signals(deploymentOptions(cfg, logger)))
	return &App{
		cfg:         cfg,
		logger:      logger,
		streams:     streams,
		registry:    deployment.NewRegistry(streams, defaults),
		wsHub:       hub,
		rateLimiter: middleware.PerMinute(cfg.RateLimitPerMinute),
		notifier:    notifier,
	}
}

func deploymentOptions(cfg config.Config, logger *utils.Logger) deployment.Options {
	return deployment.Options{
		SeriesCapacity: cfg.SeriesCapacity,
		LogCapacity:    cfg.LogCapacity,
		Attribution:    cfg.Attribution(),
		Logger:         logger,
	}
}

// watchConfigured starts the deployments listed in the config file.
func (app *App) watchConfigured() error {
	for _, w := range app.cfg.Deployments {
		topics, err := w.WatchTopics()
		if err != nil {
			return fmt.Errorf("deployment %s: %w", w.ID, err)
		}
		if _, err := app.registry.Watch(w.ID, w.Status, topics...); err != nil {
			return fmt.Errorf("deployment %s: %w", w.ID, err)
		}
		app.logger.Write(fmt.Sprintf("watching %s on %v", w.ID, topics))
	}
	return nil
}

func (app *App) shutdown() {
	app.registry.Close()
	app.streams.CloseAll()
	app.rateLimiter.Stop()
	app.notifier.Wait()
}

func setupRouter(app *App, accessLog io.Writer) *gin.Engine {
	r := gin.New()
	r.UseRawPath = true

	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		Output:    accessLog,
		SkipPaths: []string{"/healthz"},
		Formatter: func(param gin.LogFormatterParams) string {
			return fmt.Sprintf("%s \"%s %s %s\" %d %s %q\n",
				param.ClientIP,
				param.Method,
				param.Path,
				param.Request.Proto,
				param.StatusCode,
				param.Latency,
				param.ErrorMessage,
			)
		},
	}))

	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.CORS(app.cfg.AllowedOrigins))

	r.GET("/healthz", handlers.Health)
	r.GET("/version", handlers.Version)

	api := r.Group("/api")
	api.Use(app.rateLimiter.Middleware())
	handlers.NewDeploymentHandlers(app.registry, nil, app.logger).Register(api)

	r.GET("/ws", app.wsHub.HandleWebSocket())

	return r
}

func runServe(args []string, stderr io.Writer) error {
	var common commonFlags
	fs := pflag.NewFlagSet("deploywatch serve", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	common.add(fs)
	listen := fs.String("listen", "", "listen address (default :8085)")
	rateLimit := fs.Int("rate-limit", 0, "API requests per minute per client (0 disables)")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}

	cfg, err := common.load(fs)
	if err != nil {
		return err
	}
	if fs.Changed("listen") {
		cfg.Listen = *listen
	}
	if fs.Changed("rate-limit") {
		cfg.RateLimitPerMinute = *rateLimit
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := utils.NewLogger(cfg.LogFile)
	defer logger.Close()
	gin.SetMode(gin.ReleaseMode)

	app := newApp(cfg, logger, nil)
	if err := app.watchConfigured(); err != nil {
		app.shutdown()
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go app.wsHub.Run(ctx)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           setupRouter(app, logger.Writer("http")),
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
		ErrorLog:          log.New(logger.Writer("http"), "", 0),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Write(fmt.Sprintf("Starting server on %s", cfg.Listen))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Write("Shutting down server...")
	case err := <-errCh:
		app.shutdown()
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	}

	// Stop the streams first so no signal reaches a closing hub.
	app.shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Write("Server exited")
	return nil
}
