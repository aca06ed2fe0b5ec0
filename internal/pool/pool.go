// Package pool manages per-(pool, server role) sets of backend connections,
// handing them out to sessions for the duration of one transaction and
// sanitizing them before they go back on the idle list.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pgmux/pgmux/internal/backend"
)

// Settings configures one pool's sizing and timeouts. Built by the caller
// from the registry's pool/user configuration.
type Settings struct {
	PoolName       string
	ServerUser     string
	Password       string
	Database       string
	Address        string
	MinConns       int
	MaxConns       int
	IdleTimeout    time.Duration
	MaxLifetime    time.Duration
	AcquireTimeout time.Duration
	DialTimeout    time.Duration

	// DialFunc overrides how TCP connections are established. Nil means a
	// plain net.Dialer; tests inject a net.Pipe-backed dialer instead.
	DialFunc func(ctx context.Context, network, address string) (net.Conn, error)
}

// OnExhausted is invoked (off the pool's lock) whenever Acquire must queue a
// waiter because the pool is already at MaxConns.
type OnExhausted func(poolName string)

// Stats is a point-in-time view of a pool's connection accounting, named
// after pgbouncer's own SHOW POOLS columns.
type Stats struct {
	PoolName  string `json:"pool_name"`
	ServerUser string `json:"server_user"`
	Database  string `json:"database"`
	ActiveServers int `json:"sv_active"`
	IdleServers   int `json:"sv_idle"`
	TotalServers  int `json:"sv_total"`
	WaitingClients int `json:"cl_waiting"`
	MaxConns  int   `json:"max_connections"`
	MinConns  int   `json:"min_connections"`
	Exhausted int64 `json:"pool_exhausted_total"`
}

// waiter is a single pending Acquire call, queued FIFO. Delivered a *backend.Conn
// on success or a non-nil err otherwise.
type waiter struct {
	ch chan waiterResult
}

type waiterResult struct {
	conn *backend.Conn
	err  error
}

// Pool manages backend connections for one (pool name, server user) pair.
type Pool struct {
	mu sync.Mutex

	settings Settings

	idle    []*backend.Conn // LIFO: most recently returned connection reused first
	active  map[*backend.Conn]struct{}
	total   int
	waiters []*waiter // FIFO: oldest caller served first

	exhausted int64
	closed    bool
	stopCh    chan struct{}

	onExhausted OnExhausted
}

// New creates a pool and starts its background reaper and warm-up.
func New(settings Settings) *Pool {
	p := &Pool{
		settings: settings,
		idle:     make([]*backend.Conn, 0),
		active:   make(map[*backend.Conn]struct{}),
		stopCh:   make(chan struct{}),
	}
	go p.reapLoop()
	if settings.MinConns > 0 {
		go p.warmUp()
	}
	return p
}

// SetOnExhausted installs the pool-exhaustion callback.
func (p *Pool) SetOnExhausted(cb OnExhausted) {
	p.mu.Lock()
	p.onExhausted = cb
	p.mu.Unlock()
}

func (p *Pool) warmUp() {
	for i := 0; i < p.settings.MinConns; i++ {
		p.mu.Lock()
		if p.closed || p.total >= p.settings.MinConns {
			p.mu.Unlock()
			return
		}
		p.total++
		p.mu.Unlock()

		conn, err := p.dial(context.Background())
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			slog.Warn("pool warm-up connection failed", "pool", p.settings.PoolName, "index", i+1, "want", p.settings.MinConns, "err", err)
			return
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			conn.Close()
			return
		}
		conn.MarkIdle()
		p.idle = append(p.idle, conn)
		p.wakeNextWaiterLocked()
		p.mu.Unlock()
	}
	slog.Info("pool warmed up", "pool", p.settings.PoolName, "count", p.settings.MinConns)
}

func (p *Pool) dial(ctx context.Context) (*backend.Conn, error) {
	dialCtx := ctx
	if p.settings.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, p.settings.DialTimeout)
		defer cancel()
	}
	return backend.Dial(dialCtx, backend.DialOptions{
		Address:    p.settings.Address,
		PoolName:   p.settings.PoolName,
		ServerUser: p.settings.ServerUser,
		Password:   p.settings.Password,
		Database:   p.settings.Database,
		DialFunc:   p.settings.DialFunc,
	})
}

// Acquire hands out a backend connection, creating one if under MaxConns or
// queuing FIFO behind other waiters otherwise. Blocks until ctx is done, the
// pool's acquire timeout elapses, or a connection becomes available.
func (p *Pool) Acquire(ctx context.Context) (*backend.Conn, error) {
	deadline := time.Now().Add(p.settings.AcquireTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("pool: %q is closed", p.settings.PoolName)
	}

	if conn, ok := p.takeIdleLocked(); ok {
		p.mu.Unlock()
		return conn, nil
	}

	if p.total < p.settings.MaxConns {
		p.total++
		p.mu.Unlock()

		conn, err := p.dial(ctx)
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			return nil, fmt.Errorf("pool: dialing %s for %q: %w", p.settings.Address, p.settings.PoolName, err)
		}
		conn.MarkActive()
		p.mu.Lock()
		p.active[conn] = struct{}{}
		p.mu.Unlock()
		return conn, nil
	}

	w := &waiter{ch: make(chan waiterResult, 1)}
	p.waiters = append(p.waiters, w)
	cb := p.onExhausted
	p.exhausted++
	p.mu.Unlock()

	if cb != nil {
		cb(p.settings.PoolName)
	}

	remaining := time.Until(deadline)
	if remaining <= 0 {
		p.abandonWaiter(w)
		return nil, fmt.Errorf("pool: acquire timeout for %q: pool exhausted", p.settings.PoolName)
	}

	timer := time.NewTimer(remaining)
	defer timer.Stop()

	select {
	case res := <-w.ch:
		return res.conn, res.err
	case <-timer.C:
		p.abandonWaiter(w)
		return nil, fmt.Errorf("pool: acquire timeout (%s) for %q: pool exhausted", p.settings.AcquireTimeout, p.settings.PoolName)
	case <-ctx.Done():
		p.abandonWaiter(w)
		return nil, ctx.Err()
	case <-p.stopCh:
		p.abandonWaiter(w)
		return nil, fmt.Errorf("pool: %q is closing", p.settings.PoolName)
	}
}

// takeIdleLocked pops the most recently idled connection, closing and
// skipping any that have expired. Caller must hold p.mu.
func (p *Pool) takeIdleLocked() (*backend.Conn, bool) {
	for len(p.idle) > 0 {
		conn := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]

		if conn.IsExpired(p.settings.MaxLifetime) {
			conn.Close()
			p.total--
			continue
		}
		conn.MarkActive()
		p.active[conn] = struct{}{}
		return conn, true
	}
	return nil, false
}

// abandonWaiter removes a timed-out or canceled waiter from the queue. If it
// had already been delivered a connection in the race, that connection is
// returned to the pool instead of being dropped.
func (p *Pool) abandonWaiter(w *waiter) {
	p.mu.Lock()
	for i, cur := range p.waiters {
		if cur == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.mu.Unlock()
			return
		}
	}
	p.mu.Unlock()

	select {
	case res := <-w.ch:
		if res.conn != nil {
			p.Return(res.conn)
		}
	default:
	}
}

// wakeNextWaiterLocked hands an idle connection straight to the
// longest-waiting caller instead of putting it on the idle list, preserving
// FIFO order among waiters. Caller must hold p.mu. Returns true if a waiter
// was served.
func (p *Pool) wakeNextWaiterLocked() bool {
	for len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]

		conn, ok := p.takeIdleLocked()
		if !ok {
			return false
		}
		select {
		case w.ch <- waiterResult{conn: conn}:
			return true
		default:
			// Waiter already gave up; put the connection back and try the next one.
			delete(p.active, conn)
			conn.MarkIdle()
			p.idle = append(p.idle, conn)
		}
	}
	return false
}

// Return sanitizes a connection and releases it back to the pool, or closes
// it if sanitization fails, it has expired, or the pool is shutting down.
func (p *Pool) Return(conn *backend.Conn) {
	p.mu.Lock()
	delete(p.active, conn)

	if p.closed || conn.IsExpired(p.settings.MaxLifetime) {
		p.total--
		p.mu.Unlock()
		conn.Close()
		return
	}
	p.mu.Unlock()

	if err := conn.Sanitize(); err != nil {
		slog.Debug("pool: sanitize failed, closing backend connection", "pool", p.settings.PoolName, "err", err)
		p.mu.Lock()
		p.total--
		p.mu.Unlock()
		conn.Close()
		return
	}

	p.mu.Lock()
	if p.closed {
		p.total--
		p.mu.Unlock()
		conn.Close()
		return
	}
	conn.MarkIdle()
	if p.wakeNextWaiterHandoffLocked(conn) {
		p.mu.Unlock()
		return
	}
	p.idle = append(p.idle, conn)
	p.mu.Unlock()
}

// wakeNextWaiterHandoffLocked hands conn directly to the oldest waiter, if
// any, instead of appending it to idle. Caller must hold p.mu.
func (p *Pool) wakeNextWaiterHandoffLocked(conn *backend.Conn) bool {
	for len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		conn.MarkActive()
		p.active[conn] = struct{}{}
		select {
		case w.ch <- waiterResult{conn: conn}:
			return true
		default:
			delete(p.active, conn)
			conn.MarkIdle()
		}
	}
	return false
}

// Stats returns a snapshot of the pool's connection accounting.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		PoolName:       p.settings.PoolName,
		ServerUser:     p.settings.ServerUser,
		Database:       p.settings.Database,
		ActiveServers:  len(p.active),
		IdleServers:    len(p.idle),
		TotalServers:   p.total,
		WaitingClients: len(p.waiters),
		MaxConns:       p.settings.MaxConns,
		MinConns:       p.settings.MinConns,
		Exhausted:      p.exhausted,
	}
}

// reapLoop periodically closes idle connections that have sat unused past
// IdleTimeout.
func (p *Pool) reapLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.reapIdle()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) reapIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.idle[:0]
	for _, conn := range p.idle {
		if conn.IsIdleTimedOut(p.settings.IdleTimeout) {
			conn.Close()
			p.total--
			continue
		}
		kept = append(kept, conn)
	}
	p.idle = kept
}

// Drain closes idle connections and waits (bounded) for active ones to be
// returned before force-closing whatever remains.
func (p *Pool) Drain() {
	p.mu.Lock()
	for _, conn := range p.idle {
		conn.Close()
		p.total--
	}
	p.idle = p.idle[:0]
	activeCount := len(p.active)
	p.mu.Unlock()

	if activeCount == 0 {
		return
	}

	slog.Info("pool: draining active connections", "pool", p.settings.PoolName, "count", activeCount)
	deadline := time.After(30 * time.Second)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.mu.Lock()
			if len(p.active) == 0 {
				p.mu.Unlock()
				return
			}
			p.mu.Unlock()
		case <-deadline:
			p.mu.Lock()
			for conn := range p.active {
				conn.Close()
				p.total--
			}
			p.active = make(map[*backend.Conn]struct{})
			p.mu.Unlock()
			slog.Warn("pool: force-closed active connections after drain timeout", "pool", p.settings.PoolName)
			return
		}
	}
}

// Close shuts the pool down: wakes any waiters with an error and drains.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stopCh)
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, w := range waiters {
		select {
		case w.ch <- waiterResult{err: fmt.Errorf("pool: %q closed", p.settings.PoolName)}:
		default:
		}
	}

	p.Drain()
}

// InjectTestConn adds a pre-built connection directly to the idle list,
// bypassing Dial. Only for tests.
func (p *Pool) InjectTestConn(conn *backend.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	conn.MarkIdle()
	p.idle = append(p.idle, conn)
	p.total++
}

// Settings returns the pool's configuration.
func (p *Pool) Settings() Settings { return p.settings }
