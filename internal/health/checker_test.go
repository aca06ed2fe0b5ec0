package health

import (
	"net"
	"testing"

	"github.com/pgmux/pgmux/internal/config"
	"github.com/pgmux/pgmux/internal/registry"
)

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	cfg := &config.Config{
		Pools: map[string]config.PoolConfig{
			"healthy_pool": {
				ServerHost:     "localhost",
				ServerPort:     5432,
				ServerDatabase: "db",
				PoolMode:       "transaction",
			},
		},
		Users: map[string]config.UserConfig{
			"user": {ServerUsername: "user", PoolSize: 1},
		},
	}
	r, err := registry.New(cfg)
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	return r
}

func TestCheckerInitialState(t *testing.T) {
	c := NewChecker(newTestRegistry(t), nil)

	if !c.IsHealthy("unknown") {
		t.Error("unknown pool should be treated as healthy")
	}
	status := c.GetStatus("unknown")
	if status.Status != StatusUnknown {
		t.Errorf("expected StatusUnknown, got %v", status.Status)
	}
}

func TestCheckerUpdateStatus(t *testing.T) {
	c := NewChecker(newTestRegistry(t), nil)

	c.updateStatus("test", true)
	if !c.IsHealthy("test") {
		t.Error("should be healthy after healthy update")
	}
	if status := c.GetStatus("test"); status.Status != StatusHealthy {
		t.Errorf("expected StatusHealthy, got %v", status.Status)
	}

	c.updateStatus("test", false)
	if !c.IsHealthy("test") {
		t.Error("should still be healthy after one failure")
	}
	if status := c.GetStatus("test"); status.ConsecutiveFailures != 1 {
		t.Errorf("expected 1 consecutive failure, got %d", status.ConsecutiveFailures)
	}
}

func TestCheckerThreshold(t *testing.T) {
	c := NewChecker(newTestRegistry(t), nil)

	c.updateStatus("test", false)
	c.updateStatus("test", false)
	c.updateStatus("test", false)

	if c.IsHealthy("test") {
		t.Error("should be unhealthy after 3 consecutive failures")
	}
	if status := c.GetStatus("test"); status.Status != StatusUnhealthy {
		t.Errorf("expected StatusUnhealthy, got %v", status.Status)
	}
}

func TestCheckerRecovery(t *testing.T) {
	c := NewChecker(newTestRegistry(t), nil)

	c.updateStatus("test", false)
	c.updateStatus("test", false)
	c.updateStatus("test", false)
	if c.IsHealthy("test") {
		t.Error("should be unhealthy")
	}

	c.updateStatus("test", true)
	if !c.IsHealthy("test") {
		t.Error("should be healthy after recovery")
	}
	if status := c.GetStatus("test"); status.ConsecutiveFailures != 0 {
		t.Errorf("expected 0 consecutive failures after recovery, got %d", status.ConsecutiveFailures)
	}
}

func TestOverallHealthy(t *testing.T) {
	c := NewChecker(newTestRegistry(t), nil)

	if !c.OverallHealthy() {
		t.Error("should be overall healthy with no checks")
	}

	c.updateStatus("good", true)
	if !c.OverallHealthy() {
		t.Error("should be overall healthy with one healthy pool")
	}

	c.updateStatus("bad", false)
	c.updateStatus("bad", false)
	c.updateStatus("bad", false)
	if c.OverallHealthy() {
		t.Error("should not be overall healthy with one unhealthy pool")
	}
}

func TestGetAllStatuses(t *testing.T) {
	c := NewChecker(newTestRegistry(t), nil)

	c.updateStatus("p1", true)
	c.updateStatus("p2", true)

	if statuses := c.GetAllStatuses(); len(statuses) != 2 {
		t.Errorf("expected 2 statuses, got %d", len(statuses))
	}
}

func TestStatusString(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusUnknown, "unknown"},
		{StatusHealthy, "healthy"},
		{StatusUnhealthy, "unhealthy"},
	}
	for _, tt := range tests {
		if got := tt.status.String(); got != tt.want {
			t.Errorf("Status(%d).String() = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestDoubleStop(t *testing.T) {
	c := NewChecker(newTestRegistry(t), nil)
	c.Start()
	c.Stop()
	c.Stop()
}

func TestCheckAllIsParallel(t *testing.T) {
	cfg := &config.Config{
		Pools: map[string]config.PoolConfig{
			"p1": {ServerHost: "localhost", ServerPort: 59991, ServerDatabase: "db", PoolMode: "transaction"},
			"p2": {ServerHost: "localhost", ServerPort: 59992, ServerDatabase: "db", PoolMode: "transaction"},
			"p3": {ServerHost: "localhost", ServerPort: 59993, ServerDatabase: "db", PoolMode: "transaction"},
		},
		Users: map[string]config.UserConfig{
			"user": {ServerUsername: "user", PoolSize: 1},
		},
	}
	r, err := registry.New(cfg)
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	c := NewChecker(r, nil)

	// checkAll should not panic and should update every pool's status (they
	// will all fail since the ports don't exist, which is fine).
	c.checkAll()

	if statuses := c.GetAllStatuses(); len(statuses) != 3 {
		t.Errorf("expected 3 statuses after checkAll, got %d", len(statuses))
	}
}

func TestPingPoolFailsOnClosedPort(t *testing.T) {
	c := NewChecker(newTestRegistry(t), nil)
	if c.pingPool("pg", "localhost:59999") {
		t.Error("expected ping to fail against a closed port")
	}
}

func TestPingPoolSucceedsAgainstAnyResponder(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 1024)
		conn.Read(buf)
		conn.Write([]byte{'N'})
	}()

	c := NewChecker(newTestRegistry(t), nil)
	if !c.pingPool("pg", ln.Addr().String()) {
		t.Error("expected ping to succeed against a responding server")
	}
}

func TestRemovePool(t *testing.T) {
	c := NewChecker(newTestRegistry(t), nil)

	c.updateStatus("pool_a", true)
	c.updateStatus("pool_b", true)
	if len(c.GetAllStatuses()) != 2 {
		t.Fatalf("expected 2 statuses before removal")
	}

	c.RemovePool("pool_a")

	statuses := c.GetAllStatuses()
	if len(statuses) != 1 {
		t.Fatalf("expected 1 status after removal, got %d", len(statuses))
	}
	if _, ok := statuses["pool_a"]; ok {
		t.Error("pool_a should have been removed")
	}
}
