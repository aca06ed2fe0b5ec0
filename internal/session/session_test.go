package session

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pgmux/pgmux/internal/pool"
	"github.com/pgmux/pgmux/internal/wire"
)

// fakeBackendServer simulates just enough of a PostgreSQL backend to drive
// the session state machine end to end: trust auth at dial time, then a
// handful of canned responses to whatever the session forwards.
func fakeBackendServer(t *testing.T, conn net.Conn) {
	t.Helper()
	r := wire.NewReader(conn)
	if _, err := r.ReadStartup(); err != nil {
		return
	}
	wire.WriteMessage(conn, wire.AuthenticationRequest, make([]byte, 4))
	wire.WriteMessage(conn, wire.BackendKeyData, wire.BuildBackendKeyData(42, 4242))
	wire.WriteMessage(conn, wire.ReadyForQuery, []byte{byte(wire.StatusIdle)})

	for {
		msg, err := r.ReadTyped()
		if err != nil {
			return
		}
		switch msg.Tag {
		case wire.Query:
			text, _, _ := wire.ReadCString(msg.Body, 0)
			switch text {
			case "BEGIN":
				wire.WriteMessage(conn, wire.CommandComplete, wire.NullString(nil, "BEGIN"))
				wire.WriteMessage(conn, wire.ReadyForQuery, []byte{byte(wire.StatusInTx)})
			default:
				wire.WriteMessage(conn, wire.CommandComplete, wire.NullString(nil, "OK "+text))
				wire.WriteMessage(conn, wire.ReadyForQuery, []byte{byte(wire.StatusIdle)})
			}
		case wire.Parse:
			wire.WriteMessage(conn, wire.ParseComplete, nil)
		case wire.Bind:
			wire.WriteMessage(conn, wire.BindComplete, nil)
		case wire.Describe:
			wire.WriteMessage(conn, wire.NoData, nil)
		case wire.Execute:
			wire.WriteMessage(conn, wire.CommandComplete, wire.NullString(nil, "SELECT 1"))
		case wire.Close:
			wire.WriteMessage(conn, wire.CloseComplete, nil)
		case wire.Sync:
			wire.WriteMessage(conn, wire.ReadyForQuery, []byte{byte(wire.StatusIdle)})
		case wire.Terminate:
			return
		}
	}
}

func testPool(t *testing.T) *pool.Pool {
	t.Helper()
	settings := pool.Settings{
		PoolName:       "mainpool",
		ServerUser:     "appuser",
		Database:       "appdb",
		Address:        "fake:5432",
		MaxConns:       4,
		IdleTimeout:    time.Minute,
		MaxLifetime:    time.Hour,
		AcquireTimeout: time.Second,
		DialTimeout:    time.Second,
		DialFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
			client, server := net.Pipe()
			go fakeBackendServer(t, server)
			return client, nil
		},
	}
	p := pool.New(settings)
	t.Cleanup(p.Close)
	return p
}

// runSession wires a session up to an in-process client pipe and runs it in
// the background, returning the client side for the test to drive and a
// channel that receives Run's error when the session ends.
func runSession(t *testing.T, p *pool.Pool) (net.Conn, chan error) {
	t.Helper()
	clientConn, sessionSide := net.Pipe()
	sess := New(sessionSide, p, "mainpool", "appdb", nil, 1, 1, nil, SyncReplay)
	done := make(chan error, 1)
	go func() { done <- sess.Run(context.Background()) }()
	return clientConn, done
}

func TestSimpleQueryAcquiresAndReturnsBackend(t *testing.T) {
	p := testPool(t)
	client, done := runSession(t, p)

	if err := wire.WriteMessage(client, wire.Query, wire.NullString(nil, "SELECT 1")); err != nil {
		t.Fatalf("write query: %v", err)
	}

	r := wire.NewReader(client)
	msg, err := r.ReadTyped()
	if err != nil || msg.Tag != wire.CommandComplete {
		t.Fatalf("CommandComplete: msg=%+v err=%v", msg, err)
	}
	msg, err = r.ReadTyped()
	if err != nil || msg.Tag != wire.ReadyForQuery {
		t.Fatalf("ReadyForQuery: msg=%+v err=%v", msg, err)
	}

	if err := wire.WriteMessage(client, wire.Terminate, nil); err != nil {
		t.Fatalf("write terminate: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	stats := p.Stats()
	if stats.IdleServers != 1 {
		t.Fatalf("expected backend returned to idle pool, stats=%+v", stats)
	}
}

func TestNamedPreparedStatementRoundTrip(t *testing.T) {
	p := testPool(t)
	client, done := runSession(t, p)
	r := wire.NewReader(client)

	parseBody := append([]byte("stmt1\x00SELECT $1\x00"), 0, 0)
	if err := wire.WriteMessage(client, wire.Parse, parseBody); err != nil {
		t.Fatalf("write parse: %v", err)
	}
	msg, err := r.ReadTyped()
	if err != nil || msg.Tag != wire.ParseComplete {
		t.Fatalf("ParseComplete: msg=%+v err=%v", msg, err)
	}

	bindBody := append([]byte("\x00stmt1\x00"), 0, 0, 0, 0, 0, 0)
	if err := wire.WriteMessage(client, wire.Bind, bindBody); err != nil {
		t.Fatalf("write bind: %v", err)
	}
	msg, err = r.ReadTyped()
	if err != nil || msg.Tag != wire.BindComplete {
		t.Fatalf("BindComplete: msg=%+v err=%v", msg, err)
	}

	if err := wire.WriteMessage(client, wire.Execute, append([]byte("\x00"), 0, 0, 0, 0)); err != nil {
		t.Fatalf("write execute: %v", err)
	}
	msg, err = r.ReadTyped()
	if err != nil || msg.Tag != wire.CommandComplete {
		t.Fatalf("CommandComplete: msg=%+v err=%v", msg, err)
	}

	if err := wire.WriteMessage(client, wire.Sync, nil); err != nil {
		t.Fatalf("write sync: %v", err)
	}
	msg, err = r.ReadTyped()
	if err != nil || msg.Tag != wire.ReadyForQuery {
		t.Fatalf("ReadyForQuery: msg=%+v err=%v", msg, err)
	}

	if err := wire.WriteMessage(client, wire.Terminate, nil); err != nil {
		t.Fatalf("write terminate: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
}

func TestDeferredBeginCommitNoBackendRoundTrip(t *testing.T) {
	p := testPool(t)
	client, done := runSession(t, p)
	r := wire.NewReader(client)

	if err := wire.WriteMessage(client, wire.Query, wire.NullString(nil, "BEGIN")); err != nil {
		t.Fatalf("write begin: %v", err)
	}
	msg, err := r.ReadTyped()
	if err != nil || msg.Tag != wire.CommandComplete {
		t.Fatalf("expected CommandComplete(BEGIN), got %+v err=%v", msg, err)
	}
	if tag, _, _ := wire.ReadCString(msg.Body, 0); tag != "BEGIN" {
		t.Fatalf("expected command tag BEGIN, got %q", tag)
	}
	msg, err = r.ReadTyped()
	if err != nil || msg.Tag != wire.ReadyForQuery || wire.ReadyForQueryStatus(msg.Body[0]) != wire.StatusInTx {
		t.Fatalf("expected ReadyForQuery(InTx), got %+v err=%v", msg, err)
	}
	if stats := p.Stats(); stats.TotalServers != 0 {
		t.Fatalf("expected no backend dialed after a bare BEGIN, got %+v", stats)
	}

	if err := wire.WriteMessage(client, wire.Query, wire.NullString(nil, "COMMIT")); err != nil {
		t.Fatalf("write commit: %v", err)
	}
	msg, err = r.ReadTyped()
	if err != nil || msg.Tag != wire.CommandComplete {
		t.Fatalf("expected CommandComplete(COMMIT), got %+v err=%v", msg, err)
	}
	if tag, _, _ := wire.ReadCString(msg.Body, 0); tag != "COMMIT" {
		t.Fatalf("expected command tag COMMIT, got %q", tag)
	}
	msg, err = r.ReadTyped()
	if err != nil || msg.Tag != wire.ReadyForQuery || wire.ReadyForQueryStatus(msg.Body[0]) != wire.StatusIdle {
		t.Fatalf("expected ReadyForQuery(Idle), got %+v err=%v", msg, err)
	}

	// BEGIN; COMMIT; with nothing in between must never have touched a
	// backend.
	if stats := p.Stats(); stats.TotalServers != 0 {
		t.Fatalf("expected zero backend round trips for BEGIN;COMMIT, got %+v", stats)
	}

	if err := wire.WriteMessage(client, wire.Terminate, nil); err != nil {
		t.Fatalf("write terminate: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
}

func TestDeferredBeginAcquiresOnceOnFirstStatement(t *testing.T) {
	p := testPool(t)
	client, done := runSession(t, p)
	r := wire.NewReader(client)

	if err := wire.WriteMessage(client, wire.Query, wire.NullString(nil, "BEGIN")); err != nil {
		t.Fatalf("write begin: %v", err)
	}
	if _, err := r.ReadTyped(); err != nil { // CommandComplete(BEGIN)
		t.Fatalf("read CommandComplete: %v", err)
	}
	if _, err := r.ReadTyped(); err != nil { // ReadyForQuery(InTx)
		t.Fatalf("read ReadyForQuery: %v", err)
	}

	if err := wire.WriteMessage(client, wire.Query, wire.NullString(nil, "SELECT 1")); err != nil {
		t.Fatalf("write select: %v", err)
	}
	msg, err := r.ReadTyped()
	if err != nil || msg.Tag != wire.CommandComplete {
		t.Fatalf("expected CommandComplete, got %+v err=%v", msg, err)
	}
	if _, err := r.ReadTyped(); err != nil { // ReadyForQuery
		t.Fatalf("read ReadyForQuery: %v", err)
	}

	// The deferred BEGIN only becomes real once a statement actually needs a
	// backend, and exactly one gets dialed for it.
	if stats := p.Stats(); stats.TotalServers != 1 {
		t.Fatalf("expected exactly one backend dialed, got %+v", stats)
	}

	if err := wire.WriteMessage(client, wire.Terminate, nil); err != nil {
		t.Fatalf("write terminate: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
}

func TestDiscardAllForgetsPreparedStatements(t *testing.T) {
	p := testPool(t)
	clientConn, sessionSide := net.Pipe()
	sess := New(sessionSide, p, "mainpool", "appdb", nil, 1, 1, nil, SyncReplay)
	done := make(chan error, 1)
	go func() { done <- sess.Run(context.Background()) }()
	r := wire.NewReader(clientConn)

	parseBody := append([]byte("stmt1\x00SELECT $1\x00"), 0, 0)
	if err := wire.WriteMessage(clientConn, wire.Parse, parseBody); err != nil {
		t.Fatalf("write parse: %v", err)
	}
	if msg, err := r.ReadTyped(); err != nil || msg.Tag != wire.ParseComplete {
		t.Fatalf("ParseComplete: msg=%+v err=%v", msg, err)
	}
	if _, ok := sess.stmts.Lookup("stmt1"); !ok {
		t.Fatalf("expected stmt1 to be declared after Parse")
	}

	if err := wire.WriteMessage(clientConn, wire.Query, wire.NullString(nil, "DISCARD ALL")); err != nil {
		t.Fatalf("write discard all: %v", err)
	}
	if msg, err := r.ReadTyped(); err != nil || msg.Tag != wire.CommandComplete {
		t.Fatalf("CommandComplete: msg=%+v err=%v", msg, err)
	}
	if msg, err := r.ReadTyped(); err != nil || msg.Tag != wire.ReadyForQuery {
		t.Fatalf("ReadyForQuery: msg=%+v err=%v", msg, err)
	}

	if _, ok := sess.stmts.Lookup("stmt1"); ok {
		t.Fatalf("expected DISCARD ALL to forget stmt1 from the client's map")
	}

	if err := wire.WriteMessage(clientConn, wire.Terminate, nil); err != nil {
		t.Fatalf("write terminate: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
}

func TestListenPinsSessionAcrossTransactions(t *testing.T) {
	p := testPool(t)
	client, done := runSession(t, p)
	r := wire.NewReader(client)

	if err := wire.WriteMessage(client, wire.Query, wire.NullString(nil, "LISTEN chan1")); err != nil {
		t.Fatalf("write listen: %v", err)
	}
	if _, err := r.ReadTyped(); err != nil {
		t.Fatalf("CommandComplete: %v", err)
	}
	if _, err := r.ReadTyped(); err != nil {
		t.Fatalf("ReadyForQuery: %v", err)
	}

	// A pinned session must not have returned its backend to the pool even
	// though the last ReadyForQuery reported idle.
	if stats := p.Stats(); stats.ActiveServers != 1 {
		t.Fatalf("expected backend to remain held by the pinned session, stats=%+v", stats)
	}

	if err := wire.WriteMessage(client, wire.Terminate, nil); err != nil {
		t.Fatalf("write terminate: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
}
