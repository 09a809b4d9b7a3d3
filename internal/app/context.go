// Package app assembles an engine for a workspace: database, config,
// environment, logger, notifier and tracing.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"bookline/internal/config"
	"bookline/internal/db"
	"bookline/internal/engine"
	"bookline/internal/migrate"
	"bookline/internal/notify"
	"bookline/internal/obs"
)

// Workspace is an opened bookline workspace.
type Workspace struct {
	Path   string
	Engine engine.Engine
	Env    config.Env
	Logger *slog.Logger

	closers []func(context.Context) error
}

// Options tweak Open. Zero values use the environment.
type Options struct {
	LogOutput io.Writer
	LogFormat string
	// Tracing installs the OTLP exporter when an endpoint is configured.
	Tracing bool
}

// Open migrates the workspace database and wires an engine to it.
func Open(ctx context.Context, workspace string, opts Options) (*Workspace, error) {
	env, err := config.LoadEnv(workspace)
	if err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	format := env.LogFormat
	if opts.LogFormat != "" {
		format = opts.LogFormat
	}
	logger := NewLogger(opts.LogOutput, env.LogLevel, format)

	w := &Workspace{Path: workspace, Env: env, Logger: logger}
	conn, err := db.Open(db.Config{Workspace: workspace, BusyTimeout: env.DBBusyTimeout})
	if err != nil {
		return nil, err
	}
	w.closers = append(w.closers, func(context.Context) error { return conn.Close() })
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		_ = w.Close(ctx)
		return nil, fmt.Errorf("migrate: %w", err)
	}
	notifier, closeNotifier, err := BuildNotifier(cfg, env, logger)
	if err != nil {
		_ = w.Close(ctx)
		return nil, err
	}
	if closeNotifier != nil {
		w.closers = append(w.closers, func(context.Context) error { return closeNotifier() })
	}
	if opts.Tracing {
		shutdown, err := obs.InitTracer(ctx, "bookline", env.OTLPEndpoint, env.Environment)
		if err != nil {
			_ = w.Close(ctx)
			return nil, err
		}
		w.closers = append(w.closers, shutdown)
	}

	eng := engine.New(conn, cfg)
	eng.Notifier = notifier
	eng.Logger = logger
	w.Engine = eng
	return w, nil
}

// Close releases resources in reverse order of acquisition.
func (w *Workspace) Close(ctx context.Context) error {
	var errs []error
	for i := len(w.closers) - 1; i >= 0; i-- {
		if err := w.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	w.closers = nil
	return errors.Join(errs...)
}

// NewLogger builds a text or JSON slog logger at the named level.
func NewLogger(out io.Writer, level, format string) *slog.Logger {
	if out == nil {
		out = io.Discard
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(strings.TrimSpace(level)))); err != nil {
		lvl = slog.LevelInfo
	}
	hopts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(out, hopts))
	}
	return slog.New(slog.NewTextHandler(out, hopts))
}

// BuildNotifier creates the dispatchers named in notify.drivers. The
// returned close func is nil when nothing needs closing.
func BuildNotifier(cfg *config.Config, env config.Env, logger *slog.Logger) (notify.Dispatcher, func() error, error) {
	drivers := cfg.Notify.Drivers
	if len(drivers) == 0 {
		drivers = []string{"log"}
	}
	var multi notify.Multi
	var closeFn func() error
	for _, d := range drivers {
		switch d {
		case "log":
			multi = append(multi, notify.Log{Logger: logger})
		case "webhook":
			multi = append(multi, notify.Webhook{Hooks: cfg.Notify.Webhooks})
		case "amqp":
			if env.AMQPURL == "" {
				return nil, nil, fmt.Errorf("notify driver amqp needs %s_AMQP_URL", config.EnvPrefix)
			}
			exchange := cfg.Notify.AMQP.Exchange
			if exchange == "" {
				exchange = "booking.exchange"
			}
			pub, err := notify.DialAMQP(env.AMQPURL, exchange)
			if err != nil {
				return nil, nil, err
			}
			multi = append(multi, pub)
			closeFn = pub.Close
		default:
			return nil, nil, fmt.Errorf("unknown notify driver %s", d)
		}
	}
	if len(multi) == 1 {
		return multi[0], closeFn, nil
	}
	return multi, closeFn, nil
}
