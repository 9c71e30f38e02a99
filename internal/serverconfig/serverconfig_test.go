package serverconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "tangram.toml")
	contents := `
data_dir = "` + filepath.Join(dir, "data") + `"
permits = 16
heartbeat_interval = "10s"
`
	if err := os.WriteFile(configPath, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg := Default()
	if err := Load(configPath, &cfg); err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Permits != 16 {
		t.Fatalf("expected permits=16, got %d", cfg.Permits)
	}
	if time.Duration(cfg.HeartbeatInterval) != 10*time.Second {
		t.Fatalf("expected heartbeat 10s, got %v", time.Duration(cfg.HeartbeatInterval))
	}
}

func TestFlagsOverrideFileValue(t *testing.T) {
	cfg := Default()
	cfg.Permits = 4

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg.Flags(fs)
	if err := fs.Parse([]string{"--permits=32", "--heartbeat-interval=20s"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := cfg.Finalize(); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	if cfg.Permits != 32 {
		t.Fatalf("expected flag override permits=32, got %d", cfg.Permits)
	}
	if time.Duration(cfg.HeartbeatInterval) != 20*time.Second {
		t.Fatalf("expected heartbeat 20s, got %v", time.Duration(cfg.HeartbeatInterval))
	}
}

func TestFinalizeCreatesLayout(t *testing.T) {
	cfg := Default()
	cfg.DataDir = filepath.Join(t.TempDir(), "state")
	if err := cfg.Finalize(); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if _, err := os.Stat(cfg.Layout.Blobs()); err != nil {
		t.Fatalf("expected blobs dir to exist: %v", err)
	}
	if _, err := os.Stat(cfg.Layout.Checkouts()); err != nil {
		t.Fatalf("expected checkouts dir to exist: %v", err)
	}
}
