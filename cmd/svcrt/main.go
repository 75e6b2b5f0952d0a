// Command svcrt runs the service runtime with the logger service and,
// optionally, a TCP echo service.
//
//	svcrt -config svcrt.yaml
//
// SIGHUP makes the logger reopen its file. SIGINT and SIGTERM stop the
// runtime.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	promadapter "github.com/codewandler/svcrt/adapters/prometheus"
	"github.com/codewandler/svcrt/core/app"
	"github.com/codewandler/svcrt/internal/config"
	"github.com/codewandler/svcrt/internal/logwatch"
	"github.com/codewandler/svcrt/internal/service/echo"
)

func main() {
	configPath := flag.String("config", os.Getenv("SVCRT_CONFIG"), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	level, _ := cfg.Level()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, log, cfg); err != nil {
		log.Error("svcrt failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, log *slog.Logger, cfg config.Config) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := promadapter.NewMetrics(reg)

	engineOpts := cfg.EngineOptions()
	engineOpts.Metrics = metrics.Engine

	a, err := app.New(app.Config{
		Context:      ctx,
		Log:          log,
		Engine:       engineOpts,
		Logger:       app.LoggerConfig{Path: cfg.Logger.Path},
		ActorMetrics: metrics.Actor,
		Bootstrap: func(a *app.App) error {
			if !cfg.Echo.Enabled {
				return nil
			}
			_, err := a.Register("echo", echo.New(echo.Options{Host: cfg.Echo.Host, Port: cfg.Echo.Port}))
			return err
		},
	})
	if err != nil {
		return err
	}

	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.Info("metrics server starting", slog.String("addr", cfg.Metrics.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server error", slog.Any("error", err))
			}
		}()
		defer srv.Shutdown(context.Background())
	}

	if err := a.Run(); err != nil {
		return err
	}

	if cfg.Logger.Watch {
		go func() {
			if err := logwatch.Watch(ctx, cfg.Logger.Path, log, a.Engine().Hup); err != nil {
				log.Error("log watcher stopped", slog.Any("error", err))
			}
		}()
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-hup:
			log.Info("reopening log file")
			a.Engine().Hup()
		case <-a.Done():
			return a.Err()
		}
	}
}
