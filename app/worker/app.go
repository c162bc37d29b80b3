// Package worker assembles a runnable queue worker: configuration, logging,
// the storage backend, the queue manager, metrics and health probes.
//
//	app, err := worker.NewApp(ctx,
//		worker.WithProcessor("POST", manager.ProcessorFunc(send)),
//	)
//	if err != nil {
//		return err
//	}
//	return app.Run(ctx)
package worker

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/zonequeue/core/config"
	"github.com/dmitrymomot/zonequeue/core/logger"
	"github.com/dmitrymomot/zonequeue/core/manager"
	"github.com/dmitrymomot/zonequeue/core/queue"
	"github.com/dmitrymomot/zonequeue/core/telemetry"
	"github.com/dmitrymomot/zonequeue/integration/queuestore"
)

type App struct {
	config      Config
	configSet   bool
	logger      *slog.Logger
	backend     queue.Backend
	ownsBackend bool
	manager     *manager.Manager
	recorder    *telemetry.Recorder
	meter       metric.MeterProvider
	processors  map[string]manager.Processor
	fallback    manager.Processor
	health      *http.Server
	upgrader    websocket.Upgrader
}

type AppOption func(*App) error

// NewApp builds the worker. Configuration is loaded from the environment
// unless WithConfig is given; the backend is opened from it unless
// WithBackend is given.
func NewApp(ctx context.Context, opts ...AppOption) (*App, error) {
	app := &App{
		processors: make(map[string]manager.Processor),
		upgrader: websocket.Upgrader{
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			HandshakeTimeout: 5 * time.Second,
		},
	}

	for _, opt := range opts {
		if err := opt(app); err != nil {
			return nil, err
		}
	}

	if !app.configSet {
		if err := config.Load(&app.config); err != nil {
			return nil, err
		}
	}

	if app.logger == nil {
		app.logger = newLogger(app.config)
	}

	if app.backend == nil {
		b, err := queuestore.Open(ctx, app.config.Store, app.logger)
		if err != nil {
			return nil, err
		}
		app.backend = b
		app.ownsBackend = true
	}

	m, err := manager.NewFromConfig(app.config.Manager, app.backend, manager.WithLogger(app.logger))
	if err != nil {
		return nil, app.closeWith(ctx, err)
	}
	app.manager = m

	for key, p := range app.processors {
		if err := m.RegisterProcessor(key, p); err != nil {
			return nil, app.closeWith(ctx, err)
		}
	}
	if app.fallback != nil {
		if err := m.RegisterDefaultProcessor(app.fallback); err != nil {
			return nil, app.closeWith(ctx, err)
		}
	}

	rec, err := telemetry.New(m.Events(),
		telemetry.WithMeterProvider(app.meter),
		telemetry.WithSource(m),
		telemetry.WithLogger(app.logger),
	)
	if err != nil {
		return nil, app.closeWith(ctx, err)
	}
	app.recorder = rec

	if app.config.HealthAddr != "" {
		app.health = &http.Server{
			Addr:              app.config.HealthAddr,
			Handler:           app.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	return app, nil
}

func WithConfig(cfg Config) AppOption {
	return func(app *App) error {
		app.config = cfg
		app.configSet = true
		return nil
	}
}

func WithLogger(logger *slog.Logger) AppOption {
	return func(app *App) error {
		if logger == nil {
			return errors.New("logger cannot be nil")
		}
		app.logger = logger
		return nil
	}
}

// WithBackend uses b instead of opening one from configuration. The manager
// closes it on shutdown.
func WithBackend(b queue.Backend) AppOption {
	return func(app *App) error {
		if b == nil {
			return errors.New("backend cannot be nil")
		}
		app.backend = b
		return nil
	}
}

func WithMeterProvider(mp metric.MeterProvider) AppOption {
	return func(app *App) error {
		if mp == nil {
			return errors.New("meter provider cannot be nil")
		}
		app.meter = mp
		return nil
	}
}

// WithProcessor registers p for an endpoint or verb.
func WithProcessor(key string, p manager.Processor) AppOption {
	return func(app *App) error {
		if key == "" || p == nil {
			return errors.New("processor key and processor are required")
		}
		app.processors[key] = p
		return nil
	}
}

func WithDefaultProcessor(p manager.Processor) AppOption {
	return func(app *App) error {
		if p == nil {
			return errors.New("processor cannot be nil")
		}
		app.fallback = p
		return nil
	}
}

func (app *App) Manager() *manager.Manager {
	return app.manager
}

func (app *App) Logger() *slog.Logger {
	return app.logger
}

// Run processes requests until ctx is cancelled, then shuts everything down.
// Manager shutdown closes the backend.
func (app *App) Run(ctx context.Context) error {
	app.logger.InfoContext(ctx, "worker starting",
		slog.String("app", app.config.AppName),
		slog.String("env", app.config.Env),
		slog.String("backend", app.config.Store.Backend),
	)

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(app.recorder.Run(ctx))
	eg.Go(app.manager.Run(ctx))

	if app.health != nil {
		eg.Go(func() error {
			if err := app.health.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		eg.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			return app.health.Shutdown(shutdownCtx)
		})
	}

	err := eg.Wait()
	app.logger.InfoContext(ctx, "worker stopped", logger.Errors(err))
	return err
}

func (app *App) closeWith(ctx context.Context, err error) error {
	if app.ownsBackend {
		return errors.Join(err, app.backend.Close(context.WithoutCancel(ctx)))
	}
	return err
}

func newLogger(cfg Config) *slog.Logger {
	var opts []logger.Option
	switch strings.ToLower(cfg.Env) {
	case "production":
		opts = append(opts, logger.WithProduction(cfg.AppName))
	case "staging":
		opts = append(opts, logger.WithStaging(cfg.AppName))
	default:
		opts = append(opts, logger.WithDevelopment(cfg.AppName))
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err == nil {
		opts = append(opts, logger.WithLevel(level))
	}
	return logger.New(opts...)
}
