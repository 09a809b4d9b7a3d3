package db

import (
	"strings"
	"testing"
	"time"
)

func TestDSNBusyTimeout(t *testing.T) {
	if dsn := DSN("x.db", 0); !strings.Contains(dsn, "busy_timeout(2000)") {
		t.Fatalf("expected default busy timeout, got %s", dsn)
	}
	if dsn := DSN("x.db", 250*time.Millisecond); !strings.Contains(dsn, "busy_timeout(250)") {
		t.Fatalf("expected configured busy timeout, got %s", dsn)
	}
}
