package cli

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"feeledger/internal/config"
)

func TestSetupLogger(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	tests := []struct {
		level     string
		wantDebug bool
		wantInfo  bool
	}{
		{level: "debug", wantDebug: true, wantInfo: true},
		{level: "info", wantDebug: false, wantInfo: true},
		{level: "error", wantDebug: false, wantInfo: false},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger := SetupLogger(&config.Config{LogLevel: tt.level, LogFormat: "json"}, "test")
			ctx := context.Background()
			if got := logger.Enabled(ctx, slog.LevelDebug); got != tt.wantDebug {
				t.Errorf("debug enabled = %v, want %v", got, tt.wantDebug)
			}
			if got := slog.Default().Enabled(ctx, slog.LevelInfo); got != tt.wantInfo {
				t.Errorf("default info enabled = %v, want %v", got, tt.wantInfo)
			}
			if logger.Component() != "test" {
				t.Errorf("Component() = %q, want test", logger.Component())
			}
		})
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("FEELEDGER_TEST_KEY=from-dotenv\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)
	t.Setenv("FEELEDGER_TEST_KEY", "")
	os.Unsetenv("FEELEDGER_TEST_KEY")

	LoadEnvFile()

	if got := os.Getenv("FEELEDGER_TEST_KEY"); got != "from-dotenv" {
		t.Errorf("FEELEDGER_TEST_KEY = %q, want from-dotenv", got)
	}
}
