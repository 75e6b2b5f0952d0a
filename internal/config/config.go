// Package config loads the runtime configuration from a YAML file and
// environment overrides.
//
// Every setting has an SVCRT_ variable that wins over the file:
//
//	SVCRT_WORKERS           workers
//	SVCRT_TICK              tick
//	SVCRT_MONITOR_INTERVAL  monitor_interval
//	SVCRT_TIMER_INTERVAL    timer_interval
//	SVCRT_SOCKET_CAPACITY   socket_capacity
//	SVCRT_LOG_LEVEL         log_level
//	SVCRT_LOGFILE           logger.path
//	SVCRT_LOG_WATCH         logger.watch
//	SVCRT_METRICS_ADDR      metrics.addr
//	SVCRT_ECHO              echo.enabled
//	SVCRT_ECHO_HOST         echo.host
//	SVCRT_ECHO_PORT         echo.port
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/codewandler/svcrt/core/engine"
)

var ErrInvalid = errors.New("config: invalid")

type Logger struct {
	// Path of the log file written by the logger service. Empty logs to
	// stdout.
	Path string `yaml:"path"`
	// Watch reopens the log file when it is moved or removed.
	Watch bool `yaml:"watch"`
}

type Metrics struct {
	// Addr serves /metrics when set, e.g. ":9090".
	Addr string `yaml:"addr"`
}

type Echo struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

type Config struct {
	Workers         int           `yaml:"workers"`
	Tick            time.Duration `yaml:"tick"`
	MonitorInterval time.Duration `yaml:"monitor_interval"`
	TimerInterval   time.Duration `yaml:"timer_interval"`
	SocketCapacity  int           `yaml:"socket_capacity"`
	LogLevel        string        `yaml:"log_level"`

	Logger  Logger  `yaml:"logger"`
	Metrics Metrics `yaml:"metrics"`
	Echo    Echo    `yaml:"echo"`
}

// Default returns the configuration used when no file is given. Zero
// engine settings fall back to the engine's own defaults.
func Default() Config {
	return Config{
		LogLevel: "info",
		Echo:     Echo{Host: "127.0.0.1", Port: 7000},
	}
}

// Load reads path over Default and applies the environment. An empty path
// skips the file.
func Load(path string) (Config, error) {
	c := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return c, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return c, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	c.applyEnv()
	return c, c.Validate()
}

func (c *Config) applyEnv() {
	c.Workers = getEnvInt("SVCRT_WORKERS", c.Workers)
	c.Tick = getEnvDuration("SVCRT_TICK", c.Tick)
	c.MonitorInterval = getEnvDuration("SVCRT_MONITOR_INTERVAL", c.MonitorInterval)
	c.TimerInterval = getEnvDuration("SVCRT_TIMER_INTERVAL", c.TimerInterval)
	c.SocketCapacity = getEnvInt("SVCRT_SOCKET_CAPACITY", c.SocketCapacity)
	c.LogLevel = getEnv("SVCRT_LOG_LEVEL", c.LogLevel)
	c.Logger.Path = getEnv("SVCRT_LOGFILE", c.Logger.Path)
	c.Logger.Watch = getEnvBool("SVCRT_LOG_WATCH", c.Logger.Watch)
	c.Metrics.Addr = getEnv("SVCRT_METRICS_ADDR", c.Metrics.Addr)
	c.Echo.Enabled = getEnvBool("SVCRT_ECHO", c.Echo.Enabled)
	c.Echo.Host = getEnv("SVCRT_ECHO_HOST", c.Echo.Host)
	c.Echo.Port = getEnvInt("SVCRT_ECHO_PORT", c.Echo.Port)
}

func (c Config) Validate() error {
	switch {
	case c.Workers < 0:
		return fmt.Errorf("%w: workers %d", ErrInvalid, c.Workers)
	case c.Tick < 0, c.MonitorInterval < 0, c.TimerInterval < 0:
		return fmt.Errorf("%w: negative interval", ErrInvalid)
	case c.SocketCapacity < 0:
		return fmt.Errorf("%w: socket_capacity %d", ErrInvalid, c.SocketCapacity)
	case c.Echo.Port < 0 || c.Echo.Port > 65535:
		return fmt.Errorf("%w: echo port %d", ErrInvalid, c.Echo.Port)
	case c.Logger.Watch && c.Logger.Path == "":
		return fmt.Errorf("%w: logger.watch needs logger.path", ErrInvalid)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return l, fmt.Errorf("%w: log_level %q", ErrInvalid, c.LogLevel)
	}
	return l, nil
}

// EngineOptions maps the engine settings. Global, Services, Logger and
// Metrics are left for the caller.
func (c Config) EngineOptions() engine.Options {
	return engine.Options{
		Workers:         c.Workers,
		Tick:            c.Tick,
		MonitorInterval: c.MonitorInterval,
		TimerInterval:   c.TimerInterval,
		SocketCapacity:  c.SocketCapacity,
	}
}
