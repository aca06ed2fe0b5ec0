package config

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/pgmux/pgmux/internal/hba"
)

func TestLoad(t *testing.T) {
	yaml := `
listen:
  host: 0.0.0.0
  port: 6432
  admin_port: 9930

pools:
  mydb:
    server_host: 127.0.0.1
    server_port: 5432
    server_database: mydb
    idle_timeout: 5m

users:
  appuser:
    password: "md5abcdef"
    pool_size: 20
`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Listen.Port != 6432 {
		t.Errorf("expected port 6432, got %d", cfg.Listen.Port)
	}
	if cfg.Listen.AdminPort != 9930 {
		t.Errorf("expected admin port 9930, got %d", cfg.Listen.AdminPort)
	}

	pool, ok := cfg.Pools["mydb"]
	if !ok {
		t.Fatal("pool mydb not found")
	}
	if pool.ServerHost != "127.0.0.1" || pool.ServerPort != 5432 {
		t.Errorf("unexpected pool server address: %+v", pool)
	}
	if pool.PoolMode != "transaction" {
		t.Errorf("expected default pool_mode transaction, got %q", pool.PoolMode)
	}

	user, ok := cfg.Users["appuser"]
	if !ok {
		t.Fatal("user appuser not found")
	}
	if user.ServerUsername != "appuser" {
		t.Errorf("expected server_username to default to the user name, got %q", user.ServerUsername)
	}
}

func TestLoadEnvSubstitution(t *testing.T) {
	os.Setenv("PGMUX_TEST_PASSWORD", "secret123")
	defer os.Unsetenv("PGMUX_TEST_PASSWORD")

	yaml := `
pools:
  mydb:
    server_host: localhost
    server_port: 5432
    server_database: mydb
users:
  appuser:
    server_password: ${PGMUX_TEST_PASSWORD}
`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Users["appuser"].ServerPassword != "secret123" {
		t.Errorf("expected substituted server_password, got %q", cfg.Users["appuser"].ServerPassword)
	}
}

func TestLoadValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "missing server_host",
			yaml: `
pools:
  p1:
    server_port: 5432
    server_database: db
`,
		},
		{
			name: "missing server_port",
			yaml: `
pools:
  p1:
    server_host: localhost
    server_database: db
`,
		},
		{
			name: "unsupported pool_mode",
			yaml: `
pools:
  p1:
    server_host: localhost
    server_port: 5432
    server_database: db
    pool_mode: session
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTemp(t, tt.yaml)
			_, err := Load(path)
			if err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	path := writeTemp(t, "pools: {}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Listen.Port != 6432 {
		t.Errorf("expected default port 6432, got %d", cfg.Listen.Port)
	}
	if cfg.Listen.AdminPort != 9930 {
		t.Errorf("expected default admin port 9930, got %d", cfg.Listen.AdminPort)
	}
	if cfg.Listen.MaxMessageSize != 256<<20 {
		t.Errorf("expected default max_message_size, got %d", cfg.Listen.MaxMessageSize)
	}
}

func TestBuildHBATable(t *testing.T) {
	yaml := `
hba:
  - { type: hostssl, database: all, user: all, address: "0.0.0.0/0", method: scram-sha-256 }
  - { type: host, database: all, user: all, address: "127.0.0.1/32", method: trust }
`
	path := writeTemp(t, yaml)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	table, err := cfg.BuildHBATable()
	if err != nil {
		t.Fatalf("BuildHBATable: %v", err)
	}

	method, err := table.Evaluate(hba.Request{
		RemoteAddr: net.ParseIP("127.0.0.1"),
		User:       "appuser",
		Database:   "mydb",
	})
	if err != nil {
		t.Fatalf("Evaluate loopback: %v", err)
	}
	if method.String() != "trust" {
		t.Errorf("expected trust for loopback, got %v", method)
	}
}

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing temp file: %v", err)
	}
	return path
}
