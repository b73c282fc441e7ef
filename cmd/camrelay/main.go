// Command camrelay runs the SFU control plane: websocket signaling, the
// media engine, and the camera ingest supervisors.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/mikeyg42/camrelay/internal/api"
	"github.com/mikeyg42/camrelay/internal/applog"
	"github.com/mikeyg42/camrelay/internal/config"
	"github.com/mikeyg42/camrelay/internal/ingest"
	"github.com/mikeyg42/camrelay/internal/mediaengine"
	"github.com/mikeyg42/camrelay/internal/notification"
	"github.com/mikeyg42/camrelay/internal/session"
	"github.com/mikeyg42/camrelay/internal/signaling"
	"github.com/mikeyg42/camrelay/internal/validate"
)

const shutdownTimeout = 15 * time.Second

// publisher is a status publisher that can be flushed on shutdown.
type publisher interface {
	ingest.StatusPublisher
	Close(ctx context.Context) error
}

// Application holds all components
type Application struct {
	config    *config.Config
	logger    *zap.Logger
	engine    *mediaengine.Facade
	sessions  *session.Registry
	ingest    *ingest.Manager
	publisher publisher
	gateway   *signaling.Gateway
	server    *api.Server
}

type nopPublisher struct{ notification.Nop }

func (nopPublisher) Close(context.Context) error { return nil }

func main() {
	os.Exit(run())
}

func run() int {
	var (
		envFile  string
		httpAddr string
		logLevel string
	)
	pflag.StringVar(&envFile, "env-file", ".env", "environment file to load (ignored if missing)")
	pflag.StringVar(&httpAddr, "http-addr", "", "HTTP listen address, overrides HTTP_ADDR")
	pflag.StringVar(&logLevel, "log-level", "", "log level, overrides LOG_LEVEL")
	pflag.Parse()

	cfg, err := config.Load(envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "camrelay: %v\n", err)
		return 2
	}
	if httpAddr != "" {
		cfg.HTTP.Addr = httpAddr
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := validate.ValidateConfig(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "camrelay: %v\n", err)
		return 2
	}

	logger, err := applog.New(applog.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		fmt.Fprintf(os.Stderr, "camrelay: %v\n", err)
		return 2
	}
	defer func() { _ = logger.Sync() }()
	defer applog.Install(logger)()

	app, err := NewApplication(cfg, logger)
	if err != nil {
		logger.Error("failed to create application", zap.Error(err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return app.Run(ctx)
}

// NewApplication wires every component without starting any of them.
func NewApplication(cfg *config.Config, logger *zap.Logger) (*Application, error) {
	worker, err := mediaengine.NewPionWorker(mediaengine.PionConfig{
		RTCMinPort:    uint16(cfg.WebRTC.MinPort),
		RTCMaxPort:    uint16(cfg.WebRTC.MaxPort),
		ListenIP:      cfg.WebRTC.ListenIP,
		AnnouncedIP:   cfg.WebRTC.AnnouncedIP,
		IngestMinPort: cfg.Ingest.MinPort,
		IngestMaxPort: cfg.Ingest.MaxPort,
		LoggerFactory: applog.NewPionLoggerFactory(logger),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create media worker: %w", err)
	}
	engine := mediaengine.New(worker, logger)
	sessions := session.NewRegistry(engine, logger, session.Options{IngestListenIP: cfg.Ingest.ListenIP})

	var pub publisher = nopPublisher{}
	if cfg.MQTT.Broker != "" {
		mp, err := notification.NewMQTTPublisher(notification.MQTTConfig{
			Broker:      cfg.MQTT.Broker,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			ClientID:    cfg.MQTT.ClientID,
			QoS:         byte(cfg.MQTT.QoS),
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
		}, logger)
		if err != nil {
			_ = engine.Close()
			return nil, fmt.Errorf("failed to create status publisher: %w", err)
		}
		pub = mp
	}

	launcher, err := ingest.NewFFmpegLauncher(cfg.Ingest.TranscoderPath, cfg.Ingest.ReadyPattern, logger)
	if err != nil {
		_ = engine.Close()
		return nil, fmt.Errorf("failed to create transcoder launcher: %w", err)
	}
	manager := ingest.NewManager(ingest.Cameras(cfg.Ingest.CameraURLs), ingest.Deps{
		Sessions:  sessions,
		Prober:    ingest.RTSPProber{Timeout: cfg.Ingest.ProbeTimeout},
		Launcher:  launcher,
		Publisher: pub,
		Logger:    logger,
	}, ingest.Config{
		Room:             cfg.Ingest.Room,
		ProbeTimeout:     cfg.Ingest.ProbeTimeout,
		ReadyTimeout:     cfg.Ingest.ReadyTimeout,
		StopGrace:        cfg.Ingest.StopGrace,
		RetryInterval:    cfg.Ingest.RetryInterval,
		RetryMaxInterval: cfg.Ingest.RetryMaxInterval,
	}, cfg.Ingest.MaxConcurrent)

	gateway := signaling.NewGateway(sessions, logger, signaling.Options{
		CheckOrigin: api.OriginChecker(cfg.HTTP.AllowedOrigins),
	})
	server := api.NewServer(cfg.HTTP, api.Deps{
		Sessions:  sessions,
		Cameras:   manager,
		Signaling: gateway,
		Logger:    logger,
	})

	return &Application{
		config:    cfg,
		logger:    logger,
		engine:    engine,
		sessions:  sessions,
		ingest:    manager,
		publisher: pub,
		gateway:   gateway,
		server:    server,
	}, nil
}

// Run serves until ctx is cancelled, the HTTP server fails or the media
// engine dies, then shuts everything down. It returns the exit status.
func (app *Application) Run(ctx context.Context) int {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := app.ingest.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			app.logger.Error("ingest failed", zap.Error(err))
		}
	}()

	serverErr := make(chan error, 1)
	go func() { serverErr <- app.server.Start() }()

	app.logger.Info("camrelay started",
		zap.String("addr", app.config.HTTP.Addr),
		zap.Int("cameras", len(app.config.Ingest.CameraURLs)))

	status := 0
	select {
	case <-ctx.Done():
		app.logger.Info("shutdown requested")
	case err := <-serverErr:
		if err != nil {
			app.logger.Error("http server failed", zap.Error(err))
			status = 1
		}
	case <-app.engine.Died():
		app.logger.Error("media engine died, exiting", zap.Error(app.engine.Err()))
		status = 1
	}

	cancel()
	app.shutdown(&wg)
	return status
}

// shutdown stops intake first, then ingest, then releases engine state.
func (app *Application) shutdown(ingestDone *sync.WaitGroup) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Warn("http shutdown", zap.Error(err))
	}
	app.gateway.Close()
	ingestDone.Wait()
	app.sessions.Close()
	if err := app.publisher.Close(ctx); err != nil {
		app.logger.Warn("status publisher close", zap.Error(err))
	}
	if err := app.engine.Close(); err != nil {
		app.logger.Warn("media engine close", zap.Error(err))
	}
	app.logger.Info("shutdown complete")
}
