// Package registry holds pgmux's live view of its own configuration: which
// pools and users exist, the compiled HBA table, and which pools are
// currently paused. Reads (the listener's hot path, once per new
// connection) are lock-free against an atomic.Value snapshot; mutations
// (admin API calls, config reload) serialize on a write mutex and publish a
// fresh snapshot, the same pattern the teacher's router.Router uses for
// tenant routing.
package registry

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pgmux/pgmux/internal/config"
	"github.com/pgmux/pgmux/internal/hba"
)

type registrySnapshot struct {
	pools  map[string]config.PoolConfig
	users  map[string]config.UserConfig
	hba    *hba.Table
	admin  config.AdminConfig
	paused map[string]bool
}

// Registry is the process-wide source of truth for pool/user/HBA config.
type Registry struct {
	snap atomic.Value // holds *registrySnapshot
	wmu  sync.Mutex
}

// New builds a Registry from a loaded config. Returns an error only if the
// HBA rules fail to compile.
func New(cfg *config.Config) (*Registry, error) {
	table, err := cfg.BuildHBATable()
	if err != nil {
		return nil, fmt.Errorf("registry: compiling hba table: %w", err)
	}

	snap := &registrySnapshot{
		pools:  cloneMap(cfg.Pools),
		users:  cloneUserMap(cfg.Users),
		hba:    table,
		admin:  cfg.Admin,
		paused: make(map[string]bool),
	}
	r := &Registry{}
	r.snap.Store(snap)
	return r, nil
}

func (r *Registry) load() *registrySnapshot {
	return r.snap.Load().(*registrySnapshot)
}

func (r *Registry) cloneSnap() *registrySnapshot {
	cur := r.load()
	return &registrySnapshot{
		pools:  cloneMap(cur.pools),
		users:  cloneUserMap(cur.users),
		hba:    cur.hba,
		admin:  cur.admin,
		paused: clonePausedMap(cur.paused),
	}
}

// ResolvePool looks up a pool's server config by name. Lock-free.
func (r *Registry) ResolvePool(name string) (config.PoolConfig, error) {
	snap := r.load()
	pc, ok := snap.pools[name]
	if !ok {
		return config.PoolConfig{}, fmt.Errorf("registry: unknown pool %q", name)
	}
	return pc, nil
}

// ResolveUser looks up a client-facing user's credential and pool sizing
// config by name. Lock-free.
func (r *Registry) ResolveUser(name string) (config.UserConfig, error) {
	snap := r.load()
	uc, ok := snap.users[name]
	if !ok {
		return config.UserConfig{}, fmt.Errorf("registry: unknown user %q", name)
	}
	return uc, nil
}

// HBA returns the currently active HBA table. Lock-free.
func (r *Registry) HBA() *hba.Table {
	return r.load().hba
}

// Admin returns the admin surface's configured credentials. Lock-free.
func (r *Registry) Admin() config.AdminConfig {
	return r.load().admin
}

// IsPaused reports whether a pool is currently refusing new checkouts.
// Lock-free.
func (r *Registry) IsPaused(name string) bool {
	return r.load().paused[name]
}

// PausePool marks a pool as paused: existing backends stay checked out, but
// no new Acquire should be issued against it until resumed. Returns false if
// the pool does not exist.
func (r *Registry) PausePool(name string) bool {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	cur := r.load()
	if _, ok := cur.pools[name]; !ok {
		return false
	}
	s := r.cloneSnap()
	s.paused[name] = true
	r.snap.Store(s)
	return true
}

// ResumePool clears a pool's paused flag. Returns false if the pool does
// not exist.
func (r *Registry) ResumePool(name string) bool {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	cur := r.load()
	if _, ok := cur.pools[name]; !ok {
		return false
	}
	s := r.cloneSnap()
	delete(s.paused, name)
	r.snap.Store(s)
	return true
}

// RemovePool drops a pool from the registry entirely, so new connections to
// it are rejected as unknown. The caller is responsible for draining and
// closing the pool's backend connections first.
func (r *Registry) RemovePool(name string) bool {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	cur := r.load()
	if _, ok := cur.pools[name]; !ok {
		return false
	}
	s := r.cloneSnap()
	delete(s.pools, name)
	delete(s.paused, name)
	r.snap.Store(s)
	return true
}

// ListPools returns every configured pool by name. Lock-free.
func (r *Registry) ListPools() map[string]config.PoolConfig {
	return cloneMap(r.load().pools)
}

// ListUsers returns every configured user by name. Lock-free.
func (r *Registry) ListUsers() map[string]config.UserConfig {
	return cloneUserMap(r.load().users)
}

// Reload replaces the entire registry from a freshly loaded config,
// preserving the paused flag for pools that still exist.
func (r *Registry) Reload(cfg *config.Config) error {
	table, err := cfg.BuildHBATable()
	if err != nil {
		return fmt.Errorf("registry: compiling hba table on reload: %w", err)
	}

	r.wmu.Lock()
	defer r.wmu.Unlock()

	cur := r.load()
	newPools := cloneMap(cfg.Pools)
	newPaused := make(map[string]bool)
	for name, v := range cur.paused {
		if _, exists := newPools[name]; exists {
			newPaused[name] = v
		}
	}

	r.snap.Store(&registrySnapshot{
		pools:  newPools,
		users:  cloneUserMap(cfg.Users),
		hba:    table,
		admin:  cfg.Admin,
		paused: newPaused,
	})
	return nil
}

func cloneMap(m map[string]config.PoolConfig) map[string]config.PoolConfig {
	out := make(map[string]config.PoolConfig, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneUserMap(m map[string]config.UserConfig) map[string]config.UserConfig {
	out := make(map[string]config.UserConfig, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func clonePausedMap(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
