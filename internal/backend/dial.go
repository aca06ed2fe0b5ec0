package backend

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/pgmux/pgmux/internal/auth"
	"github.com/pgmux/pgmux/internal/wire"
)

type dialResult = auth.DialResult

// DialOptions configures how a backend connection is established.
type DialOptions struct {
	Address    string
	PoolName   string
	ServerUser string
	Password   string
	Database   string
	TLSConfig  *tls.Config // non-nil to request SSL from the server first
	DialFunc   func(ctx context.Context, network, address string) (net.Conn, error)
}

// Dial opens a TCP connection to a real PostgreSQL server, negotiates TLS if
// requested, and runs the startup/authentication handshake.
func Dial(ctx context.Context, opts DialOptions) (*Conn, error) {
	dialer := opts.DialFunc
	if dialer == nil {
		var d net.Dialer
		dialer = d.DialContext
	}

	conn, err := dialer(ctx, "tcp", opts.Address)
	if err != nil {
		return nil, fmt.Errorf("backend: dialing %s: %w", opts.Address, err)
	}

	if opts.TLSConfig != nil {
		conn, err = negotiateTLS(conn, opts.TLSConfig)
		if err != nil {
			return nil, fmt.Errorf("backend: TLS negotiation with %s: %w", opts.Address, err)
		}
	}

	result, err := auth.AuthenticateToBackend(conn, opts.ServerUser, opts.Password, opts.Database)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("backend: authenticating to %s: %w", opts.Address, err)
	}

	return newConn(conn, opts.PoolName, opts.ServerUser, opts.Database, opts.Address, result), nil
}

// negotiateTLS sends an SSLRequest and, if the server agrees ('S'), upgrades
// the connection.
func negotiateTLS(conn net.Conn, cfg *tls.Config) (net.Conn, error) {
	if _, err := conn.Write(wire.BuildSSLRequest()); err != nil {
		return nil, err
	}
	reply := make([]byte, 1)
	if _, err := conn.Read(reply); err != nil {
		return nil, err
	}
	if reply[0] != 'S' {
		return nil, fmt.Errorf("backend: server declined SSL negotiation")
	}
	return tls.Client(conn, cfg), nil
}
