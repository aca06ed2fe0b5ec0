// Package session drives one client connection's lifetime: acquiring a
// backend per transaction, rewriting prepared-statement traffic so it can
// move between backends, handling COPY streaming, and returning or
// discarding the backend at each transaction boundary.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/pgmux/pgmux/internal/backend"
	"github.com/pgmux/pgmux/internal/cancel"
	"github.com/pgmux/pgmux/internal/metrics"
	"github.com/pgmux/pgmux/internal/pool"
	"github.com/pgmux/pgmux/internal/stmt"
	"github.com/pgmux/pgmux/internal/wire"
)

// SyncMode controls how server_version-style runtime parameters set mid
// session (via SET or client startup options not known to the backend at
// dial time) are handled when the client's current backend gets swapped out.
type SyncMode int

const (
	// SyncReplay re-applies tracked SET statements to whichever backend the
	// session acquires next (this pooler's default).
	SyncReplay SyncMode = iota
	// SyncPassthrough forwards SET statements but never replays them onto a
	// different backend; only safe when every query is parameter-agnostic.
	SyncPassthrough
)

// Session drives one client connection.
type Session struct {
	client       net.Conn
	clientReader *wire.Reader

	pool     *pool.Pool
	poolName string
	database string

	cancelDir  *cancel.Directory
	fakePID    uint32
	fakeSecret uint32

	stmts *stmt.Registry

	metrics *metrics.Collector

	syncMode   SyncMode
	trackedSet []string // SET statements observed this session, replayed per SyncReplay

	current *backend.Conn
	pinned  bool
	txStart time.Time

	// deferredTx is true once a standalone BEGIN has been answered locally,
	// with no backend acquired yet. The transaction becomes real on the
	// backend only once some other statement actually needs one.
	deferredTx bool
}

// New creates a Session ready to Run. fakePID/fakeSecret are the synthetic
// BackendKeyData already issued to the client by the listener.
func New(client net.Conn, p *pool.Pool, poolName, database string, cancelDir *cancel.Directory, fakePID, fakeSecret uint32, m *metrics.Collector, syncMode SyncMode) *Session {
	return &Session{
		client:       client,
		clientReader: wire.NewReader(client),
		pool:         p,
		poolName:     poolName,
		database:     database,
		cancelDir:    cancelDir,
		fakePID:      fakePID,
		fakeSecret:   fakeSecret,
		stmts:        stmt.NewRegistry(),
		metrics:      m,
		syncMode:     syncMode,
	}
}

// Run drives the session until the client disconnects, issues Terminate, or
// ctx is canceled. It always releases or closes whatever backend it is
// holding before returning.
func (s *Session) Run(ctx context.Context) error {
	defer func() {
		if s.current != nil {
			s.cleanupDirty()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg, err := s.clientReader.ReadTyped()
		if err != nil {
			return nil // client disconnect is not a session error
		}
		if msg.Streamed {
			if err := s.clientReader.DiscardRemaining(); err != nil {
				return err
			}
			continue
		}

		if msg.Tag == wire.Terminate {
			if s.current != nil {
				s.returnCurrent()
			}
			return nil
		}

		if s.current == nil {
			if msg.Tag == wire.Query {
				handled, err := s.handleDeferredTransactionControl(parseSimpleQueryText(msg.Body))
				if err != nil {
					return err
				}
				if handled {
					continue
				}
			}
			if err := s.acquireForTransaction(ctx); err != nil {
				fatalErr("cannot acquire backend connection", err).WriteTo(s.client)
				return err
			}
		}

		if err := s.forwardClientMessage(msg); err != nil {
			return err
		}
	}
}

func (s *Session) acquireForTransaction(ctx context.Context) error {
	start := time.Now()
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("session: acquiring backend for pool %q: %w", s.poolName, err)
	}
	if s.metrics != nil {
		s.metrics.AcquireDuration(s.poolName, "postgres", time.Since(start))
	}
	s.current = conn
	if s.txStart.IsZero() {
		s.txStart = time.Now()
	}

	if s.cancelDir != nil {
		s.cancelDir.Insert(s.fakePID, s.fakeSecret, conn.CancelTarget())
	}

	if s.syncMode == SyncReplay {
		if err := s.replayTrackedSet(conn); err != nil {
			return err
		}
	}

	if s.deferredTx {
		s.deferredTx = false
		if err := conn.BeginSilently(); err != nil {
			return fmt.Errorf("session: issuing deferred BEGIN on pool %q: %w", s.poolName, err)
		}
	}
	return nil
}

// handleDeferredTransactionControl answers a standalone BEGIN, COMMIT, or
// ROLLBACK SimpleQuery locally when no backend is held, without leasing one.
// BEGIN just records intent; the backend only sees a real BEGIN once some
// other statement actually needs a lease, and a COMMIT/ROLLBACK that never
// had a statement in between never touches a backend at all. It reports
// whether query was fully answered this way.
func (s *Session) handleDeferredTransactionControl(query string) (bool, error) {
	cmd, ok := transactionControlCommand(query)
	if !ok {
		return false, nil
	}

	if cmd == "BEGIN" && !s.deferredTx {
		s.deferredTx = true
		s.txStart = time.Now()
		return true, s.replyTransactionControl(cmd, wire.StatusInTx)
	}

	if cmd != "BEGIN" && s.deferredTx {
		s.deferredTx = false
		err := s.replyTransactionControl(cmd, wire.StatusIdle)
		s.txStart = time.Time{}
		return true, err
	}

	return false, nil
}

// replyTransactionControl synthesizes the CommandComplete+ReadyForQuery pair
// a real backend would have sent for tag, without a backend round trip.
func (s *Session) replyTransactionControl(tag string, status wire.ReadyForQueryStatus) error {
	if err := wire.WriteMessage(s.client, wire.CommandComplete, wire.NullString(nil, tag)); err != nil {
		return err
	}
	return wire.WriteMessage(s.client, wire.ReadyForQuery, []byte{byte(status)})
}

// transactionControlCommand recognizes a SimpleQuery consisting of exactly
// one bare transaction-control statement, with nothing else in the query
// string. A batch like "BEGIN; SELECT 1" does not match and is forwarded to
// a real backend like any other query.
func transactionControlCommand(query string) (string, bool) {
	text := strings.TrimSuffix(strings.TrimSpace(query), ";")
	switch strings.ToUpper(strings.TrimSpace(text)) {
	case "BEGIN", "BEGIN TRANSACTION", "BEGIN WORK", "START TRANSACTION":
		return "BEGIN", true
	case "COMMIT", "COMMIT TRANSACTION", "COMMIT WORK", "END", "END TRANSACTION", "END WORK":
		return "COMMIT", true
	case "ROLLBACK", "ROLLBACK TRANSACTION", "ROLLBACK WORK":
		return "ROLLBACK", true
	}
	return "", false
}

func (s *Session) replayTrackedSet(conn *backend.Conn) error {
	for _, sql := range s.trackedSet {
		if err := conn.RunDiscard(sql); err != nil {
			return fmt.Errorf("session: replaying %q on new backend: %w", sql, err)
		}
	}
	return nil
}

// returnCurrent releases the held backend to the pool at a clean
// transaction boundary.
func (s *Session) returnCurrent() {
	if s.metrics != nil && !s.txStart.IsZero() {
		s.metrics.TransactionCompleted(s.poolName, "postgres", time.Since(s.txStart))
	}
	if s.cancelDir != nil {
		s.cancelDir.Remove(s.fakePID, s.fakeSecret)
	}
	s.pool.Return(s.current)
	s.current = nil
	s.pinned = false
	s.txStart = time.Time{}
}

// cleanupDirty is used when the session ends (client gone, error, context
// canceled) while still holding a backend: best-effort ROLLBACK, then the
// normal sanitize-and-return-or-close path.
func (s *Session) cleanupDirty() {
	if s.metrics != nil {
		s.metrics.DirtyDisconnect(s.poolName)
	}
	if s.cancelDir != nil {
		s.cancelDir.Remove(s.fakePID, s.fakeSecret)
	}
	conn := s.current
	s.current = nil

	if conn.TxStatus() != wire.StatusIdle {
		if err := conn.IssueRollback(); err != nil {
			conn.Close()
			if s.metrics != nil {
				s.metrics.BackendReset(s.poolName, false)
			}
			return
		}
	}
	s.pool.Return(conn)
	if s.metrics != nil {
		s.metrics.BackendReset(s.poolName, true)
	}
}

func isListenOrNotify(query string) (string, bool) {
	trimmed := strings.ToUpper(strings.TrimSpace(query))
	if strings.HasPrefix(trimmed, "LISTEN") {
		return "LISTEN", true
	}
	if strings.HasPrefix(trimmed, "NOTIFY") {
		return "NOTIFY", true
	}
	return "", false
}

// isDeallocateOrDiscardAll reports whether query invalidates the client's
// prepared-statement name map: DEALLOCATE (named or ALL) and DISCARD ALL
// both drop every statement the backend knows the client by. DISCARD PLANS/
// SEQUENCES/TEMP leave prepared statements alone and are not matched here.
func isDeallocateOrDiscardAll(query string) bool {
	trimmed := strings.ToUpper(strings.TrimSpace(query))
	if strings.HasPrefix(trimmed, "DEALLOCATE") {
		return true
	}
	return strings.HasPrefix(trimmed, "DISCARD ALL")
}

func (s *Session) pinIfNeeded(reason string) {
	if s.pinned {
		return
	}
	s.pinned = true
	slog.Debug("session pinned to its current backend", "pool", s.poolName, "reason", reason)
	if s.metrics != nil {
		s.metrics.SessionPinned(s.poolName, reason)
	}
}

func fatalErr(message string, cause error) *wire.PGError {
	return &wire.PGError{
		Severity: wire.SeverityFatal,
		Code:     wire.CodeConnectionFailure,
		Message:  message,
		Detail:   cause.Error(),
	}
}
