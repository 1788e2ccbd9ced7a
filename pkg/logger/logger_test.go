package logger

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestBuildAuditLoggerWritesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "escrow.log")
	audit, err := buildAuditLogger(AuditConfig{Enabled: true, Path: path})
	if err != nil {
		t.Fatalf("build audit logger: %v", err)
	}
	audit.Info("escrow settled", slog.String("escrow_id", "e-1"))
	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if !strings.Contains(string(content), `"escrow_id":"e-1"`) {
		t.Fatalf("audit entry missing: %s", content)
	}
}

func TestBuildAuditLoggerRequiresPath(t *testing.T) {
	if _, err := buildAuditLogger(AuditConfig{Enabled: true}); err == nil {
		t.Fatalf("expected error for empty audit path")
	}
}
