package server

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	drepo "MarketPulse/internal/domain/repository"
	applogger "MarketPulse/pkg/logger"
)

// Channel is the realtime connection managed by the app.
type Channel interface {
	Connect(ctx context.Context) error
	Disconnect() error
}

// Monitor is the background assessment loop.
type Monitor interface {
	Start(ctx context.Context)
	Stop()
}

// HTTPServer is the API listener.
type HTTPServer interface {
	Start() error
	Stop(ctx context.Context) error
}

// Options are the lifecycle knobs taken from config.
type Options struct {
	RealtimeEnabled bool
	ShutdownTimeout time.Duration
}

// App encapsulates the entire application lifecycle.
type App struct {
	opts    Options
	logger  *applogger.Logger
	channel Channel
	monitor Monitor
	server  HTTPServer
	sinks   []drepo.AssessmentSink
	closers []func()
}

// New creates a new App instance with all dependencies. channel may be nil
// when realtime prices are disabled.
func New(
	opts Options,
	logger *applogger.Logger,
	channel Channel,
	monitor Monitor,
	server HTTPServer,
	sinks []drepo.AssessmentSink,
) *App {
	if logger == nil {
		logger = applogger.Nop()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 15 * time.Second
	}
	return &App{
		opts:    opts,
		logger:  logger,
		channel: channel,
		monitor: monitor,
		server:  server,
		sinks:   sinks,
	}
}

// OnShutdown registers fn to run after the server and monitor stop.
func (a *App) OnShutdown(fn func()) { a.closers = append(a.closers, fn) }

// Run starts the application and blocks until SIGINT or SIGTERM.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.Serve(ctx)
}

// Serve starts every component and blocks until ctx is done, then shuts
// down in reverse order.
func (a *App) Serve(ctx context.Context) error {
	if a.channel != nil && a.opts.RealtimeEnabled {
		// a failed dial schedules its own reconnects
		if err := a.channel.Connect(ctx); err != nil {
			a.logger.Warn("app.channel_connect_failed", applogger.Error(err))
		}
	}

	a.monitor.Start(ctx)
	a.logger.Info("app.monitor_started", applogger.Int("sinks", len(a.sinks)))

	if err := a.server.Start(); err != nil {
		a.logger.Error("app.http_start_failed", applogger.Error(err))
		a.monitor.Stop()
		return err
	}

	<-ctx.Done()
	a.logger.Info("app.shutdown_signal")
	return a.shutdown()
}

func (a *App) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.opts.ShutdownTimeout)
	defer cancel()

	var firstErr error
	if err := a.server.Stop(ctx); err != nil {
		a.logger.Error("app.http_shutdown_failed", applogger.Error(err))
		firstErr = err
	}

	a.monitor.Stop()

	if a.channel != nil {
		if err := a.channel.Disconnect(); err != nil {
			a.logger.Warn("app.channel_disconnect_failed", applogger.Error(err))
		}
	}

	for _, fn := range a.closers {
		fn()
	}

	for _, s := range a.sinks {
		if err := s.Close(); err != nil {
			a.logger.Warn("app.sink_close_failed", applogger.String("sink", s.Name()), applogger.Error(err))
		}
	}

	a.logger.Info("app.shutdown_complete")
	return firstErr
}
