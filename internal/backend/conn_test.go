package backend

import (
	"context"
	"net"
	"testing"

	"github.com/pgmux/pgmux/internal/wire"
)

// fakeBackend simulates a PostgreSQL server: trust-auth startup followed by
// a handful of ParameterStatus messages, BackendKeyData, and ReadyForQuery.
func fakeBackend(t *testing.T, conn net.Conn) {
	t.Helper()
	r := wire.NewReader(conn)
	if _, err := r.ReadStartup(); err != nil {
		t.Errorf("fakeBackend: reading startup: %v", err)
		return
	}

	authOK := make([]byte, 4)
	wire.WriteMessage(conn, wire.AuthenticationRequest, authOK)
	wire.WriteMessage(conn, wire.ParameterStatus, wire.BuildParameterStatus("server_version", "16.0"))
	wire.WriteMessage(conn, wire.BackendKeyData, wire.BuildBackendKeyData(4242, 9999))
	wire.WriteMessage(conn, wire.ReadyForQuery, []byte{byte(wire.StatusIdle)})
}

func dialFake(t *testing.T, serve func(conn net.Conn)) DialOptions {
	t.Helper()
	client, server := net.Pipe()
	go serve(server)
	return DialOptions{
		Address:    "fake",
		PoolName:   "mainpool",
		ServerUser: "appuser",
		Database:   "appdb",
		DialFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
			return client, nil
		},
	}
}

func TestDialAuthenticatesAndCollectsState(t *testing.T) {
	opts := dialFake(t, func(conn net.Conn) { fakeBackend(t, conn) })

	conn, err := Dial(context.Background(), opts)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if conn.PID() != 4242 || conn.SecretKey() != 9999 {
		t.Fatalf("PID/SecretKey = %d/%d, want 4242/9999", conn.PID(), conn.SecretKey())
	}
	if got := conn.Params()["server_version"]; got != "16.0" {
		t.Fatalf("server_version = %q, want 16.0", got)
	}
	if conn.PoolName() != "mainpool" || conn.ServerUser() != "appuser" || conn.Database() != "appdb" {
		t.Fatalf("unexpected identity: %+v", conn)
	}
}

func TestSanitizeIssuesDiscardAll(t *testing.T) {
	opts := dialFake(t, func(conn net.Conn) {
		fakeBackend(t, conn)
		r := wire.NewReader(conn)
		msg, err := r.ReadTyped()
		if err != nil {
			t.Errorf("fakeBackend: reading query: %v", err)
			return
		}
		if msg.Tag != wire.Query {
			t.Errorf("expected Query, got %q", msg.Tag)
			return
		}
		if got := string(msg.Body); got != "DISCARD ALL\x00" {
			t.Errorf("query = %q, want DISCARD ALL", got)
		}
		wire.WriteMessage(conn, wire.CommandComplete, wire.NullString(nil, "DISCARD ALL"))
		wire.WriteMessage(conn, wire.ReadyForQuery, []byte{byte(wire.StatusIdle)})
	})

	conn, err := Dial(context.Background(), opts)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if err := conn.Sanitize(); err != nil {
		t.Fatalf("Sanitize: %v", err)
	}
	if conn.IsDirty() {
		t.Fatal("expected dirty flag cleared after Sanitize")
	}
}

func TestStatementCacheEviction(t *testing.T) {
	sc := NewStatementCache(2)

	sc.Insert(1, "pgmux_1")
	sc.Insert(2, "pgmux_2")
	sc.Insert(3, "pgmux_3")

	evicted := sc.DrainPendingCloses()
	if len(evicted) != 1 || evicted[0].Fingerprint != 1 {
		t.Fatalf("evicted = %+v, want [{Fingerprint: 1}]", evicted)
	}
	if _, ok := sc.Lookup(1); ok {
		t.Fatal("expected fingerprint 1 to be evicted")
	}
	if _, ok := sc.Lookup(3); !ok {
		t.Fatal("expected fingerprint 3 to still be cached")
	}

	// DrainPendingCloses clears the queue, so a second drain with no
	// intervening insert returns nothing.
	if more := sc.DrainPendingCloses(); len(more) != 0 {
		t.Fatalf("expected no pending closes after draining, got %+v", more)
	}
}

// TestStatementCacheEvictionAvailableBeforeNextInsert guards the ordering
// bug where a victim evicted by inserting fingerprint N sat undrained until
// some later insert: DrainPendingCloses must surface it immediately after
// the very insert that evicted it.
func TestStatementCacheEvictionAvailableBeforeNextInsert(t *testing.T) {
	sc := NewStatementCache(1)

	sc.Insert(1, "pgmux_1")
	sc.Insert(2, "pgmux_2") // evicts fingerprint 1

	evicted := sc.DrainPendingCloses()
	if len(evicted) != 1 || evicted[0].Fingerprint != 1 {
		t.Fatalf("expected fingerprint 1 evicted immediately, got %+v", evicted)
	}
}
