package app

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"bookline/internal/config"
	"bookline/internal/notify"
)

func TestOpenWorkspaceWithDefaults(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	w, err := Open(ctx, dir, Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer w.Close(ctx)
	if w.Engine.Config == nil || w.Engine.Config.Site.ID != "bookline" {
		t.Fatalf("expected default config")
	}
	if _, ok := w.Engine.Notifier.(notify.Log); !ok {
		t.Fatalf("expected log notifier, got %T", w.Engine.Notifier)
	}
	if _, err := w.Engine.ListAvailable(ctx, "missing"); err == nil {
		t.Fatalf("expected missing infrastructure error")
	}
}

func TestBuildNotifier(t *testing.T) {
	cfg := config.Default("site")
	cfg.Notify.Drivers = []string{"log", "webhook"}
	d, closeFn, err := BuildNotifier(cfg, config.Env{}, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if closeFn != nil {
		t.Fatalf("no close func expected")
	}
	if m, ok := d.(notify.Multi); !ok || len(m) != 2 {
		t.Fatalf("expected two dispatchers, got %T", d)
	}
	cfg.Notify.Drivers = []string{"amqp"}
	if _, _, err := BuildNotifier(cfg, config.Env{}, nil); err == nil || !strings.Contains(err.Error(), "AMQP_URL") {
		t.Fatalf("expected missing url error, got %v", err)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "warn", "json")
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"k":"v"`) {
		t.Fatalf("unexpected log output %q", out)
	}
}
