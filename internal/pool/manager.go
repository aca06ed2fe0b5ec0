package pool

import (
	"log/slog"
	"sync"
	"time"
)

// StatsCallback is invoked periodically with one pool's stats.
type StatsCallback func(stats Stats)

// Manager owns every (pool name, server username) pool a running pgmux
// needs, creating each lazily the first time a session asks for it.
type Manager struct {
	mu              sync.RWMutex
	pools           map[string]*Pool
	onPoolExhausted OnExhausted
	statsStopCh     chan struct{}
	closeOnce       sync.Once
}

// NewManager creates an empty pool manager.
func NewManager() *Manager {
	return &Manager{
		pools:       make(map[string]*Pool),
		statsStopCh: make(chan struct{}),
	}
}

// SetOnPoolExhausted installs the exhaustion callback applied to every pool
// created from this point on. Call before any GetOrCreate.
func (m *Manager) SetOnPoolExhausted(cb OnExhausted) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPoolExhausted = cb
}

// StartStatsLoop runs cb against every pool's current Stats on a fixed
// interval, for the metrics collector to sample.
func (m *Manager) StartStatsLoop(interval time.Duration, cb StatsCallback) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				for _, s := range m.AllStats() {
					cb(s)
				}
			case <-m.statsStopCh:
				return
			}
		}
	}()
}

func key(poolName, serverUser string) string {
	return poolName + "\x00" + serverUser
}

// GetOrCreate returns the pool keyed by (poolName, serverUser), dialing it
// into existence from settings if this is the first request for it.
func (m *Manager) GetOrCreate(poolName, serverUser string, settings Settings) *Pool {
	k := key(poolName, serverUser)

	m.mu.RLock()
	if p, ok := m.pools[k]; ok {
		m.mu.RUnlock()
		return p
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pools[k]; ok {
		return p
	}

	p := New(settings)
	p.SetOnExhausted(m.onPoolExhausted)
	m.pools[k] = p
	slog.Info("created pool", "pool", poolName, "server_user", serverUser, "address", settings.Address)
	return p
}

// Get returns an already-created pool without creating one.
func (m *Manager) Get(poolName, serverUser string) (*Pool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[key(poolName, serverUser)]
	return p, ok
}

// Remove closes and drops every pool belonging to poolName, regardless of
// server username, e.g. after an admin RemovePool call.
func (m *Manager) Remove(poolName string) bool {
	m.mu.Lock()
	var removed []*Pool
	for k, p := range m.pools {
		if p.Settings().PoolName == poolName {
			delete(m.pools, k)
			removed = append(removed, p)
		}
	}
	m.mu.Unlock()

	for _, p := range removed {
		p.Close()
	}
	if len(removed) > 0 {
		slog.Info("removed pool", "pool", poolName)
	}
	return len(removed) > 0
}

// Drain drains every pool belonging to poolName without removing it from
// the manager, so new Acquire calls still find it (and can resume serving
// once it refills).
func (m *Manager) Drain(poolName string) bool {
	m.mu.RLock()
	var matched []*Pool
	for _, p := range m.pools {
		if p.Settings().PoolName == poolName {
			matched = append(matched, p)
		}
	}
	m.mu.RUnlock()

	for _, p := range matched {
		p.Drain()
	}
	return len(matched) > 0
}

// AllStats returns stats for every pool currently managed.
func (m *Manager) AllStats() []Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := make([]Stats, 0, len(m.pools))
	for _, p := range m.pools {
		stats = append(stats, p.Stats())
	}
	return stats
}

// PoolStats returns stats for every (server username) pool backing
// poolName.
func (m *Manager) PoolStats(poolName string) []Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var stats []Stats
	for _, p := range m.pools {
		if p.Settings().PoolName == poolName {
			stats = append(stats, p.Stats())
		}
	}
	return stats
}

// Close shuts down every pool and stops the stats loop. Safe to call
// multiple times.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.statsStopCh)
		m.mu.Lock()
		defer m.mu.Unlock()
		for _, p := range m.pools {
			p.Close()
		}
	})
}
