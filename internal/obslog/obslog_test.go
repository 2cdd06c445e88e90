package obslog

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestSetRestoresPrevious(t *testing.T) {
	l := zap.NewExample()
	prev := Set(l)
	if L() != l {
		t.Fatalf("Set did not install logger")
	}
	Set(prev)
	if L() != prev {
		t.Fatalf("previous logger not restored")
	}
	Set(nil)
	if L() == nil {
		t.Fatalf("nil must be replaced by a no-op logger")
	}
	Set(prev)
}

func TestInitFromEnvWritesFile(t *testing.T) {
	prev := L()
	t.Cleanup(func() { Set(prev) })

	path := filepath.Join(t.TempDir(), "nested", "hubble.log")
	t.Setenv("LOG_TO_CONSOLE", "false")
	t.Setenv("LOG_TO_FILE", "true")
	t.Setenv("LOG_FILE", path)
	t.Setenv("LOG_FORMAT", "json")

	if err := InitFromEnv(); err != nil {
		t.Fatalf("InitFromEnv: %v", err)
	}
	L().Info("game_analysed", zap.String("id", "abc"))
	Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("log file is empty")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"WARNING": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"bogus":   zapcore.InfoLevel,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
