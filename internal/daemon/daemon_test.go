package daemon

import (
	"path/filepath"
	"testing"

	"github.com/tmacedo/courier/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// TestFxModuleWiring verifies the fx dependency graph resolves without
// errors. Validation only builds the graph; no provider runs, so nothing
// touches the profile directory.
func TestFxModuleWiring(t *testing.T) {
	p := Params{ProfileName: "fxtest", RemoteURL: "ws://localhost:9"}
	if err := fx.ValidateApp(Module(p)); err != nil {
		t.Fatalf("fx graph does not resolve: %v", err)
	}
}

func TestProvideConfigDefaultsWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg, err := provideConfig(Params{ConfigPath: path}, zap.NewNop())
	if err != nil {
		t.Fatalf("provideConfig() error = %v", err)
	}
	if cfg.Engine.MaxAttempts != 5 {
		t.Errorf("max_attempts = %d, want default 5", cfg.Engine.MaxAttempts)
	}
	// A missing identity is minted and persisted for the next run.
	if cfg.Identity.UserID == "" {
		t.Fatal("no identity generated on first run")
	}
	saved, err := config.Load(path)
	if err != nil {
		t.Fatalf("generated config not persisted: %v", err)
	}
	if saved.Identity.UserID != cfg.Identity.UserID {
		t.Errorf("persisted identity = %q, want %q", saved.Identity.UserID, cfg.Identity.UserID)
	}
}

func TestProvideConfigAppliesOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg := config.Default()
	cfg.Identity.UserID = "u1"
	cfg.Remote.URL = "ws://configured:8080/ws"
	if err := config.Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	got, err := provideConfig(Params{ConfigPath: path, RemoteURL: "ws://flag:9090/ws"}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if got.Remote.URL != "ws://flag:9090/ws" {
		t.Errorf("remote url = %q, flag override not applied", got.Remote.URL)
	}
	if got.Identity.UserID != "u1" {
		t.Errorf("identity = %q, want the configured one", got.Identity.UserID)
	}
}
