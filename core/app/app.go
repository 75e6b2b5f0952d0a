package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/codewandler/svcrt/core/actor"
	"github.com/codewandler/svcrt/core/engine"
	"github.com/codewandler/svcrt/core/mq"
	"github.com/codewandler/svcrt/internal/service/logger"
)

var ErrNotStarted = errors.New("app: not started")

type LoggerConfig struct {
	// Path of the log file. Empty logs to stdout.
	Path string
}

type Config struct {
	Context context.Context
	Log     *slog.Logger
	Engine  engine.Options
	Logger  LoggerConfig
	// ActorMetrics is passed to the registry.
	ActorMetrics actor.Metrics
	// Bootstrap registers the application's services before the engine
	// starts. The runtime stops once no service is left, so it should
	// register at least one besides the logger when the logger is expected
	// to retire.
	Bootstrap func(a *App) error
}

type App struct {
	ctx       context.Context
	log       *slog.Logger
	cancelCtx context.CancelFunc
	config    Config
	registry  *actor.Registry
	engine    *engine.Engine

	startOnce sync.Once
	stopOnce  sync.Once
	started   chan struct{}
	done      chan struct{}
	err       error
}

// New wires a registry to an engine and starts the logger service. Nothing
// runs until Run.
func New(config Config) (app *App, err error) {
	app = &App{
		config:  config,
		started: make(chan struct{}),
		done:    make(chan struct{}),
	}

	// === logger ===
	if config.Log == nil {
		config.Log = slog.Default()
	}

	// === context ===
	if config.Context == nil {
		config.Context = context.Background()
	}
	app.ctx, app.cancelCtx = context.WithCancel(config.Context)

	// === registry ===
	global := config.Engine.Global
	if global == nil {
		global = mq.NewGlobal()
	}
	app.registry = actor.NewRegistry(actor.Options{
		Global:  global,
		Logger:  config.Log,
		Metrics: config.ActorMetrics,
	})

	// === engine ===
	engineOpts := config.Engine
	engineOpts.Global = global
	engineOpts.Services = app.registry
	engineOpts.Logger = config.Log
	if engineOpts.LoggerName == "" {
		engineOpts.LoggerName = logger.Name
	}
	app.engine, err = engine.New(engineOpts)
	if err != nil {
		app.cancelCtx()
		return nil, err
	}
	app.registry.Bind(app.engine)
	app.log = config.Log.With(slog.String("engine", app.engine.ID()))

	// === logger service ===
	_, err = app.registry.Register(engineOpts.LoggerName, logger.New(logger.Options{Path: config.Logger.Path}))
	if err != nil {
		app.engine.Socket().Release()
		app.cancelCtx()
		return nil, fmt.Errorf("app: launch logger: %w", err)
	}

	app.log.Debug("app created", slog.Int("workers", app.engine.Workers()))
	return app, nil
}

func (a *App) Registry() *actor.Registry { return a.registry }
func (a *App) Engine() *engine.Engine    { return a.engine }

// Register launches a service.
func (a *App) Register(name string, h actor.Handler) (mq.Handle, error) {
	return a.registry.Register(name, h)
}

// Run bootstraps the services and starts the engine in the background.
func (a *App) Run() (err error) {
	a.startOnce.Do(func() {
		if bootstrap := a.config.Bootstrap; bootstrap != nil {
			if err = bootstrap(a); err != nil {
				a.engine.Socket().Release()
				a.cancelCtx()
				err = fmt.Errorf("app: bootstrap: %w", err)
				return
			}
		}
		close(a.started)
		go func() {
			defer close(a.done)
			a.err = a.engine.Run(a.ctx)
			a.log.Info("app stopped")
		}()
		a.log.Info("app started")
	})
	return err
}

// Stop cancels the engine. It is safe to call more than once.
func (a *App) Stop() {
	a.stopOnce.Do(a.cancelCtx)
}

// Shutdown stops the engine and waits until it has exited or ctx is done.
func (a *App) Shutdown(ctx context.Context) error {
	select {
	case <-a.started:
	default:
		return ErrNotStarted
	}
	a.Stop()
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed after the engine has exited.
func (a *App) Done() <-chan struct{} { return a.done }

// Err returns the engine's exit error once Done is closed.
func (a *App) Err() error {
	select {
	case <-a.done:
		return a.err
	default:
		return nil
	}
}

// Run creates and starts an App.
func Run(config Config) (app *App, err error) {
	app, err = New(config)
	if err != nil {
		return nil, err
	}

	err = app.Run()
	if err != nil {
		return nil, err
	}

	return app, nil
}
