package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault("lab")))
	if err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Site.ID != "lab" {
		t.Fatalf("unexpected site id %q", cfg.Site.ID)
	}
	if cfg.TokenTTL() != 72*time.Hour {
		t.Fatalf("unexpected token ttl %v", cfg.TokenTTL())
	}
	if cfg.GuestDailyLimit() != 1 || !cfg.GuestsAllowed() {
		t.Fatalf("unexpected guest settings: limit=%d allowed=%v", cfg.GuestDailyLimit(), cfg.GuestsAllowed())
	}
	if len(cfg.Weekdays()) != 5 || len(cfg.Schedule.Windows) != 6 {
		t.Fatalf("unexpected schedule: %v %v", cfg.Weekdays(), cfg.Schedule.Windows)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"missing site":  "site: {}\n",
		"bad timezone":  "site: {id: x, timezone: Mars/Olympus}\n",
		"bad ttl":       "site: {id: x}\nbooking: {token_ttl: soon}\n",
		"negative ttl":  "site: {id: x}\nbooking: {token_ttl: -1h}\n",
		"bad base url":  "site: {id: x}\nlinks: {base_url: not-a-url}\n",
		"bad driver":    "site: {id: x}\nnotify: {drivers: [carrier-pigeon]}\n",
		"hook no url":   "site: {id: x}\nnotify: {webhooks: [{secret: s}]}\n",
		"bad weekday":   "site: {id: x}\nschedule: {weekdays: [funday]}\n",
		"window order":  "site: {id: x}\nschedule: {windows: [{start: \"10:00\", end: \"09:00\"}]}\n",
		"window format": "site: {id: x}\nschedule: {windows: [{start: \"9am\", end: \"10:00\"}]}\n",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := FromYAML([]byte(raw)); err == nil {
				t.Fatalf("expected error for %q", raw)
			}
		})
	}
}

func TestNilConfigFallbacks(t *testing.T) {
	var cfg *Config
	if cfg.TokenTTL() != 72*time.Hour || cfg.TokenRetention() != 30*24*time.Hour {
		t.Fatalf("unexpected nil durations")
	}
	if cfg.Location() != time.UTC || len(cfg.Weekdays()) != 7 {
		t.Fatalf("unexpected nil schedule fallbacks")
	}
	if !cfg.GuestsAllowed() {
		t.Fatalf("guests allowed by default")
	}
}

func TestLoadOptionalAndEnv(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil {
		t.Fatalf("load optional: %v", err)
	}
	if cfg.Site.ID != "bookline" {
		t.Fatalf("expected default site, got %q", cfg.Site.ID)
	}
	if _, err := Load(dir); err == nil {
		t.Fatalf("Load should fail without bookline.yml")
	}

	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("BOOKLINE_JWT_SECRET=from-file\nBOOKLINE_LOG_LEVEL=debug\nBOOKLINE_DB_BUSY_TIMEOUT=750ms\n"), 0o644); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Setenv("BOOKLINE_LOG_LEVEL", "warn")
	t.Setenv("BOOKLINE_JWT_SECRET", "")
	os.Unsetenv("BOOKLINE_JWT_SECRET")
	t.Setenv("BOOKLINE_DB_BUSY_TIMEOUT", "")
	os.Unsetenv("BOOKLINE_DB_BUSY_TIMEOUT")
	env, err := LoadEnv(dir)
	if err != nil {
		t.Fatalf("load env: %v", err)
	}
	if env.JWTSecret != "from-file" {
		t.Fatalf("expected secret from .env, got %q", env.JWTSecret)
	}
	if env.LogLevel != "warn" {
		t.Fatalf("process environment should win, got %q", env.LogLevel)
	}
	if env.LogFormat != "text" {
		t.Fatalf("expected default log format, got %q", env.LogFormat)
	}
	if env.DBBusyTimeout != 750*time.Millisecond {
		t.Fatalf("expected busy timeout from .env, got %v", env.DBBusyTimeout)
	}
}

func TestParseWeekday(t *testing.T) {
	if d, ok := ParseWeekday(" Wed "); !ok || d != time.Wednesday {
		t.Fatalf("unexpected parse: %v %v", d, ok)
	}
	if _, ok := ParseWeekday("someday"); ok {
		t.Fatalf("expected unknown weekday")
	}
}
