package registry

import (
	"testing"

	"github.com/pgmux/pgmux/internal/config"
)

func newTestConfig() *config.Config {
	return &config.Config{
		Pools: map[string]config.PoolConfig{
			"mydb": {
				ServerHost:     "pg-host",
				ServerPort:     5432,
				ServerDatabase: "mydb",
				PoolMode:       "transaction",
			},
		},
		Users: map[string]config.UserConfig{
			"appuser": {
				Password:       "md5abcdef",
				ServerUsername: "appuser",
			},
		},
		HBA: []config.HBARule{
			{Type: "host", Database: "all", User: "all", Address: "127.0.0.1/32", Method: "trust"},
		},
	}
}

func TestResolvePoolAndUser(t *testing.T) {
	r, err := New(newTestConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	pc, err := r.ResolvePool("mydb")
	if err != nil {
		t.Fatalf("ResolvePool: %v", err)
	}
	if pc.ServerHost != "pg-host" {
		t.Errorf("expected pg-host, got %s", pc.ServerHost)
	}

	uc, err := r.ResolveUser("appuser")
	if err != nil {
		t.Fatalf("ResolveUser: %v", err)
	}
	if uc.Password != "md5abcdef" {
		t.Errorf("unexpected password: %s", uc.Password)
	}

	if _, err := r.ResolvePool("nonexistent"); err == nil {
		t.Error("expected error for unknown pool")
	}
}

func TestPauseResumePool(t *testing.T) {
	r, err := New(newTestConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if r.IsPaused("mydb") {
		t.Fatal("expected pool not paused initially")
	}
	if !r.PausePool("mydb") {
		t.Fatal("PausePool returned false for existing pool")
	}
	if !r.IsPaused("mydb") {
		t.Fatal("expected pool paused after PausePool")
	}
	if !r.ResumePool("mydb") {
		t.Fatal("ResumePool returned false for existing pool")
	}
	if r.IsPaused("mydb") {
		t.Fatal("expected pool not paused after ResumePool")
	}
	if r.PausePool("nonexistent") {
		t.Fatal("expected PausePool to fail for unknown pool")
	}
}

func TestRemovePool(t *testing.T) {
	r, err := New(newTestConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !r.RemovePool("mydb") {
		t.Fatal("RemovePool returned false for existing pool")
	}
	if _, err := r.ResolvePool("mydb"); err == nil {
		t.Fatal("expected pool to be gone after RemovePool")
	}
}

func TestReloadPreservesPausedState(t *testing.T) {
	r, err := New(newTestConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.PausePool("mydb")

	cfg := newTestConfig()
	cfg.Pools["otherdb"] = config.PoolConfig{ServerHost: "h", ServerPort: 1, ServerDatabase: "d", PoolMode: "transaction"}
	if err := r.Reload(cfg); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	if !r.IsPaused("mydb") {
		t.Error("expected mydb to remain paused across reload")
	}
	if _, err := r.ResolvePool("otherdb"); err != nil {
		t.Errorf("expected otherdb to be present after reload: %v", err)
	}
}

func TestHBATableCompiled(t *testing.T) {
	r, err := New(newTestConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if r.HBA() == nil {
		t.Fatal("expected a compiled HBA table")
	}
}
