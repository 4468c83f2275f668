package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mohammad-safakhou/vooli/config"
	"go.uber.org/zap"
)

func TestNewWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "vooli.log")
	logger, err := New(config.LoggingConfig{Level: "debug", File: path, MaxSizeMB: 1}, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Named("orchestrator").Info("stage started", zap.String("run_id", "r1"))
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	line := string(data)
	for _, want := range []string{`"logger":"orchestrator"`, `"run_id":"r1"`, `"timestamp":`} {
		if !strings.Contains(line, want) {
			t.Fatalf("log line %q missing %s", line, want)
		}
	}
}

func TestNewDefaultsUnknownLevel(t *testing.T) {
	logger, err := New(config.LoggingConfig{Level: "chatty"}, true)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if logger.Core().Enabled(zap.DebugLevel) {
		t.Fatalf("expected info level fallback")
	}
}
