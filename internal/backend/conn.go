// Package backend manages connections to real PostgreSQL servers: dialing
// and authenticating them, tracking their negotiated identity and session
// state, and sanitizing them before they go back into a pool.
package backend

import (
	"net"
	"sync"
	"time"

	"github.com/pgmux/pgmux/internal/cancel"
	"github.com/pgmux/pgmux/internal/wire"
)

// State is the lifecycle state of a backend connection.
type State int

const (
	StateIdle State = iota
	StateActive
	StateClosed
)

// Conn wraps a real PostgreSQL server connection: the raw socket, its
// negotiated BackendKeyData and ParameterStatus set, transaction status, and
// a per-backend prepared-statement cache. Conn is safe for concurrent state
// inspection (metrics, admin) but is only ever driven by one session at a
// time.
type Conn struct {
	mu sync.Mutex

	conn   net.Conn
	reader *wire.Reader

	poolName   string
	serverUser string
	database   string
	address    string

	params     map[string]string
	backendPID uint32
	secretKey  uint32

	txStatus wire.ReadyForQueryStatus
	dirty    bool
	state    State

	createdAt time.Time
	lastUsed  time.Time

	stmts *StatementCache
}

// newConn wraps an authenticated net.Conn. Callers go through Dial.
func newConn(conn net.Conn, poolName, serverUser, database, address string, dr *dialResult) *Conn {
	now := time.Now()
	return &Conn{
		conn:       conn,
		reader:     wire.NewReader(conn),
		poolName:   poolName,
		serverUser: serverUser,
		database:   database,
		address:    address,
		params:     dr.Params,
		backendPID: dr.BackendPID,
		secretKey:  dr.SecretKey,
		txStatus:   wire.StatusIdle,
		state:      StateIdle,
		createdAt:  now,
		lastUsed:   now,
		stmts:      NewStatementCache(defaultStatementCacheSize),
	}
}

// RawConn returns the underlying socket, for writing frontend messages
// straight through and for setting deadlines.
func (c *Conn) RawConn() net.Conn { return c.conn }

// Reader returns the message reader bound to this connection.
func (c *Conn) Reader() *wire.Reader { return c.reader }

// Params returns a snapshot of the backend's ParameterStatus set.
func (c *Conn) Params() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.params))
	for k, v := range c.params {
		out[k] = v
	}
	return out
}

// SetParam records a ParameterStatus update observed on this connection.
func (c *Conn) SetParam(name, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.params[name] = value
}

// PID and SecretKey identify this backend's own BackendKeyData, used to
// relay a real CancelRequest.
func (c *Conn) PID() uint32       { return c.backendPID }
func (c *Conn) SecretKey() uint32 { return c.secretKey }

// CancelTarget describes where a CancelRequest for this connection's
// current holder should be relayed.
func (c *Conn) CancelTarget() cancel.Target {
	return cancel.Target{RealPID: c.backendPID, RealSecret: c.secretKey, Address: c.address}
}

// TxStatus returns the transaction status from the last ReadyForQuery seen
// on this connection.
func (c *Conn) TxStatus() wire.ReadyForQueryStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txStatus
}

// SetTxStatus records the transaction status from a ReadyForQuery message.
func (c *Conn) SetTxStatus(s wire.ReadyForQueryStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.txStatus = s
}

// MarkDirty flags this connection as left in a state that requires
// sanitization before reuse (e.g. the client disconnected mid-transaction).
func (c *Conn) MarkDirty() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dirty = true
}

// IsDirty reports whether this connection needs sanitization.
func (c *Conn) IsDirty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dirty
}

// ClearDirty clears the dirty flag after successful sanitization.
func (c *Conn) ClearDirty() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dirty = false
}

// MarkActive marks the connection as handed out to a session.
func (c *Conn) MarkActive() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateActive
	c.lastUsed = time.Now()
}

// MarkIdle marks the connection as returned to its pool.
func (c *Conn) MarkIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateIdle
	c.lastUsed = time.Now()
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CreatedAt returns when this connection was dialed.
func (c *Conn) CreatedAt() time.Time { return c.createdAt }

// LastUsed returns when this connection was last handed to a session.
func (c *Conn) LastUsed() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsed
}

// IsExpired reports whether the connection has exceeded its max lifetime.
func (c *Conn) IsExpired(maxLifetime time.Duration) bool {
	if maxLifetime <= 0 {
		return false
	}
	return time.Since(c.createdAt) > maxLifetime
}

// IsIdleTimedOut reports whether an idle connection has sat unused longer
// than idleTimeout.
func (c *Conn) IsIdleTimedOut(idleTimeout time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if idleTimeout <= 0 || c.state != StateIdle {
		return false
	}
	return time.Since(c.lastUsed) > idleTimeout
}

// Statements returns this connection's prepared-statement cache.
func (c *Conn) Statements() *StatementCache { return c.stmts }

// PoolName, ServerUser and Database identify which pool/role/database this
// connection was dialed for.
func (c *Conn) PoolName() string   { return c.poolName }
func (c *Conn) ServerUser() string { return c.serverUser }
func (c *Conn) Database() string   { return c.database }

// Close closes the underlying socket.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	return c.conn.Close()
}

// Ping performs a lightweight liveness check: a short-deadline 1-byte read.
// A timeout means the connection is alive with nothing pending.
func (c *Conn) Ping() error {
	c.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	defer c.conn.SetReadDeadline(time.Time{})
	buf := make([]byte, 1)
	_, err := c.conn.Read(buf)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return nil
		}
		return err
	}
	return nil
}
