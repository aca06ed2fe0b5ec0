package pool

import (
	"context"
	"testing"
)

func TestManagerGetOrCreateIsLazyAndCached(t *testing.T) {
	m := NewManager()
	defer m.Close()

	if _, ok := m.Get("mainpool", "appuser"); ok {
		t.Fatal("expected no pool before GetOrCreate")
	}

	p1 := m.GetOrCreate("mainpool", "appuser", testSettings(t, 2))
	p2 := m.GetOrCreate("mainpool", "appuser", testSettings(t, 2))
	if p1 != p2 {
		t.Fatal("expected GetOrCreate to return the same pool on repeat calls")
	}

	if _, ok := m.Get("mainpool", "appuser"); !ok {
		t.Fatal("expected pool to be retrievable after creation")
	}
}

func TestManagerDistinctServerUsersGetDistinctPools(t *testing.T) {
	m := NewManager()
	defer m.Close()

	s1 := testSettings(t, 2)
	s1.ServerUser = "alice"
	s2 := testSettings(t, 2)
	s2.ServerUser = "bob"

	p1 := m.GetOrCreate("mainpool", "alice", s1)
	p2 := m.GetOrCreate("mainpool", "bob", s2)
	if p1 == p2 {
		t.Fatal("expected distinct pools for distinct server users")
	}
}

func TestManagerRemoveClosesAllServerUserPools(t *testing.T) {
	m := NewManager()

	s1 := testSettings(t, 2)
	s1.ServerUser = "alice"
	s2 := testSettings(t, 2)
	s2.ServerUser = "bob"
	m.GetOrCreate("mainpool", "alice", s1)
	m.GetOrCreate("mainpool", "bob", s2)

	if !m.Remove("mainpool") {
		t.Fatal("expected Remove to report a removal")
	}
	if _, ok := m.Get("mainpool", "alice"); ok {
		t.Fatal("expected alice's pool to be gone after Remove")
	}
	if _, ok := m.Get("mainpool", "bob"); ok {
		t.Fatal("expected bob's pool to be gone after Remove")
	}
	if m.Remove("mainpool") {
		t.Fatal("expected second Remove of the same pool to report nothing removed")
	}
}

func TestManagerAllStatsReflectsAcquiredConnections(t *testing.T) {
	m := NewManager()
	defer m.Close()

	p := m.GetOrCreate("mainpool", "appuser", testSettings(t, 2))
	conn, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer p.Return(conn)

	stats := m.AllStats()
	if len(stats) != 1 {
		t.Fatalf("expected 1 pool in AllStats, got %d", len(stats))
	}
	if stats[0].ActiveServers != 1 {
		t.Fatalf("expected 1 active server, got %d", stats[0].ActiveServers)
	}

	poolStats := m.PoolStats("mainpool")
	if len(poolStats) != 1 {
		t.Fatalf("expected 1 entry from PoolStats, got %d", len(poolStats))
	}
}
