// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	_ "psu-service/docs"
	"psu-service/internal/config"
	"psu-service/internal/database"
	"psu-service/internal/discovery/serial"
	"psu-service/internal/discovery/usb"
	"psu-service/internal/handler"
	"psu-service/internal/link"
	"psu-service/internal/metrics"
	"psu-service/internal/model"
	"psu-service/internal/protocol"
	"psu-service/internal/repository"
	"psu-service/internal/routes"
	"psu-service/internal/service"
	"psu-service/internal/utils"
)

// Application represents the main application
type Application struct {
	config   *config.Config
	logger   *zap.Logger
	server   *http.Server
	database *database.DB
	traffic  *utils.TrafficRecorder
	registry *prometheus.Registry
	metrics  *metrics.Collectors
	match    []model.VidPid

	link    *link.Link
	engine  *protocol.Engine
	serial  *serial.Scanner
	readRep repository.ReadingRepository

	monitor          *service.MonitorService
	discoveryService *service.DiscoveryService
	eventBus         *handler.EventBus
	wsHandler        *handler.WebSocketHandler
}

// @title PSU Service API
// @version 1.0.0
// @description Monitoring and control of a KORAD KA3005P bench power supply over USB serial.

// @host localhost:8084
// @BasePath /

// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name X-API-Key
func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	app, err := NewApplication(*configPath)
	if err != nil {
		fmt.Printf("Failed to initialize application: %v\n", err)
		os.Exit(1)
	}

	if err := app.Start(); err != nil {
		app.logger.Fatal("Failed to start application", zap.Error(err))
	}
}

// NewApplication creates a new application instance
func NewApplication(configPath string) (*Application, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := utils.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	serviceLogger := utils.NewServiceLogger(logger, "psu-service")
	serviceLogger.LogServiceStart(cfg.App.Version,
		zap.String("environment", cfg.App.Environment),
		zap.String("port_name", cfg.Link.PortName),
		zap.Strings("match", cfg.Link.Match),
	)

	app := &Application{
		config: cfg,
		logger: logger,
	}

	steps := []struct {
		name string
		fn   func() error
	}{
		{"observability", app.initializeObservability},
		{"link", app.initializeLink},
		{"database", app.initializeDatabase},
		{"services", app.initializeServices},
		{"server", app.initializeServer},
	}
	for _, step := range steps {
		if err := step.fn(); err != nil {
			return nil, fmt.Errorf("failed to initialize %s: %w", step.name, err)
		}
	}

	return app, nil
}

// initializeObservability sets up the traffic log and the metrics registry
func (app *Application) initializeObservability() error {
	traffic, err := utils.NewTrafficRecorder(&app.config.Traffic, app.logger)
	if err != nil {
		return err
	}
	app.traffic = traffic

	app.registry = prometheus.NewRegistry()
	app.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	app.metrics = metrics.New(app.registry)

	app.logger.Info("Observability initialized",
		zap.Bool("traffic_log", app.config.Traffic.Enabled),
		zap.Bool("metrics", app.config.Metrics.Enabled),
	)
	return nil
}

// initializeLink builds the serial link and the protocol engine on top of it
func (app *Application) initializeLink() error {
	match, err := app.config.Link.VidPids()
	if err != nil {
		return err
	}
	app.match = match
	app.serial = serial.NewScanner(app.logger, match)

	lc := link.DefaultConfig()
	lc.PortName = app.config.Link.PortName
	lc.Match = match
	lc.BaudRate = app.config.Link.BaudRate
	lc.DataBits = app.config.Link.DataBits
	lc.Parity = app.config.Link.Parity
	lc.StopBits = app.config.Link.StopBits
	lc.FastInterval = app.config.Link.FastInterval
	lc.SlowInterval = app.config.Link.SlowInterval
	lc.FastAttempts = app.config.Link.FastAttempts
	lc.QueueSize = app.config.Link.QueueSize

	app.link, err = link.New(lc, app.logger,
		link.WithEnumerator(app.serial),
		link.WithRecorder(app.traffic),
		link.WithObserver(app.metrics),
	)
	if err != nil {
		return err
	}

	pc := protocol.Config{
		IdentityTimeout: app.config.Protocol.IdentityTimeout,
		AnswerTimeout:   app.config.Protocol.AnswerTimeout,
		FlushTimeout:    app.config.Protocol.FlushTimeout,
		SettleDelay:     app.config.Protocol.SettleDelay,
		EventBuffer:     app.config.Protocol.EventBuffer,
	}
	app.engine = protocol.NewEngine(app.link, pc, app.logger, protocol.WithObserver(app.metrics))

	app.logger.Info("Link initialized", zap.String("parameters", lc.Parameters()))
	return nil
}

// initializeDatabase connects and migrates when reading history is enabled
func (app *Application) initializeDatabase() error {
	if !app.config.Database.Enabled {
		app.logger.Info("Database disabled, reading history unavailable")
		return nil
	}

	db, err := database.NewConnection(app.config, app.logger)
	if err != nil {
		return fmt.Errorf("failed to create database connection: %w", err)
	}
	app.database = db

	migrator := database.NewMigrator(db, app.logger, &app.config.Database)
	if err := migrator.Up(); err != nil {
		return fmt.Errorf("failed to run database migrations: %w", err)
	}
	version, dirty, err := migrator.Version()
	if err != nil {
		return err
	}
	if dirty {
		return fmt.Errorf("database schema version %d is dirty", version)
	}

	app.readRep = repository.NewReadingRepository(db, app.logger)

	app.logger.Info("Database initialized successfully", zap.Uint("schema_version", version))
	return nil
}

// initializeServices creates service instances
func (app *Application) initializeServices() error {
	app.eventBus = handler.NewEventBus(app.logger)

	monitor, err := service.NewMonitorService(
		app.engine,
		app.link,
		app.readRep,
		app.eventBus,
		&app.config.Monitor,
		app.logger,
		service.WithReadingObserver(app.metrics),
	)
	if err != nil {
		return err
	}
	app.monitor = monitor

	app.discoveryService = service.NewDiscoveryService(app.match, app.logger,
		app.serial,
		usb.NewScanner(app.logger, app.match, nil),
	)

	app.wsHandler = handler.NewWebSocketHandler(app.eventBus, app.monitor, app.config.Security.AllowedOrigins, app.logger)

	app.logger.Info("Services initialized successfully")
	return nil
}

// initializeServer sets up HTTP server and routes
func (app *Application) initializeServer() error {
	var db handler.DatabaseChecker
	if app.database != nil {
		db = app.database
	}

	routerManager := routes.NewRouter(
		app.config,
		app.logger,
		db,
		app.monitor,
		app.discoveryService,
		app.wsHandler,
		app.registry,
	)

	app.server = &http.Server{
		Addr:         app.config.GetServerAddr(),
		Handler:      routerManager.SetupRouter(),
		ReadTimeout:  app.config.Server.ReadTimeout,
		WriteTimeout: app.config.Server.WriteTimeout,
		IdleTimeout:  app.config.Server.IdleTimeout,
	}

	app.logger.Info("HTTP server initialized",
		zap.String("address", app.config.GetServerAddr()),
	)
	return nil
}

// startBackgroundServices starts the link loop and everything fed by it
func (app *Application) startBackgroundServices(ctx context.Context) error {
	go app.eventBus.Start(ctx)
	go app.wsHandler.Start(ctx)
	go app.monitor.Run(ctx)

	if err := app.link.Start(ctx); err != nil {
		return fmt.Errorf("failed to start link: %w", err)
	}

	if app.readRep != nil && app.config.Database.Retention > 0 {
		go app.startCleanupService(ctx)
	}

	app.logger.Info("Background services started")
	return nil
}

// startCleanupService prunes readings older than the retention window
func (app *Application) startCleanupService(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	app.logger.Info("Cleanup service started",
		zap.Duration("retention", app.config.Database.Retention),
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cleanupCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
		deleted, err := app.readRep.DeleteOlderThan(cleanupCtx, time.Now().Add(-app.config.Database.Retention))
		cancel()
		if err != nil {
			app.logger.Error("Failed to cleanup old readings", zap.Error(err))
		} else if deleted > 0 {
			app.logger.Info("Cleaned up old readings", zap.Int64("deleted", deleted))
		}
	}
}

// waitForShutdown waits for shutdown signal and performs graceful shutdown
func (app *Application) waitForShutdown(cancel context.CancelFunc) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	app.logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	app.shutdown(cancel)
}

// component is a background loop shutdown waits for
type component struct {
	name string
	done <-chan struct{}
}

// waitForComponents waits for every component under one shared deadline and
// returns the names of those still running when it passed
func waitForComponents(ctx context.Context, components ...component) []string {
	var pending []string
	for _, c := range components {
		select {
		case <-c.done:
		case <-ctx.Done():
			pending = append(pending, c.name)
		}
	}
	return pending
}

// shutdown stops the engine before the link so no exchange is left half done
func (app *Application) shutdown(cancel context.CancelFunc) {
	serviceLogger := utils.NewServiceLogger(app.logger, "psu-service")
	serviceLogger.LogServiceStop("shutdown signal received")

	if err := app.engine.Stop(); err != nil {
		app.logger.Warn("Protocol engine stop error", zap.Error(err))
	}
	cancel()

	waitCtx, cancelWait := context.WithTimeout(context.Background(), 10*time.Second)
	for _, name := range waitForComponents(waitCtx,
		component{"link", app.link.Done()},
		component{"monitor", app.monitor.Done()},
	) {
		app.logger.Warn("Timed out waiting for component", zap.String("component", name))
	}
	cancelWait()

	ctx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("HTTP server shutdown error", zap.Error(err))
	} else {
		app.logger.Info("HTTP server stopped")
	}

	if app.database != nil {
		if err := app.database.Close(); err != nil {
			app.logger.Error("Database close error", zap.Error(err))
		} else {
			app.logger.Info("Database connection closed")
		}
	}

	app.logger.Info("Application shutdown completed")

	if err := app.traffic.Close(); err != nil {
		fmt.Printf("Traffic log close error: %v\n", err)
	}
	if err := utils.CloseLogger(app.logger); err != nil {
		fmt.Printf("Logger close error: %v\n", err)
	}
}

// Start runs the service until SIGINT or SIGTERM
func (app *Application) Start() error {
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		app.logger.Info("Starting HTTP server",
			zap.String("address", app.server.Addr),
		)

		if err := app.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	if err := app.startBackgroundServices(ctx); err != nil {
		cancel()
		return err
	}

	app.waitForShutdown(cancel)
	return nil
}
