// Package listener accepts client connections, negotiates TLS and the
// startup handshake, resolves the requesting pool and user against the
// registry, authenticates the client per its HBA-selected method, and hands
// the connection off to a session for its lifetime.
package listener

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pgmux/pgmux/internal/auth"
	"github.com/pgmux/pgmux/internal/cancel"
	"github.com/pgmux/pgmux/internal/config"
	"github.com/pgmux/pgmux/internal/hba"
	"github.com/pgmux/pgmux/internal/metrics"
	"github.com/pgmux/pgmux/internal/pool"
	"github.com/pgmux/pgmux/internal/registry"
	"github.com/pgmux/pgmux/internal/session"
	"github.com/pgmux/pgmux/internal/wire"
)

// defaultAcquireTimeout bounds how long a session's first Acquire call
// blocks behind other waiters before the client sees an error; pgmux has no
// separate config knob for this (pgbouncer calls it query_wait_timeout).
const defaultAcquireTimeout = 30 * time.Second

const maxSSLNegotiationAttempts = 3

// Server accepts PostgreSQL client connections on one TCP listener.
type Server struct {
	registry  *registry.Registry
	poolMgr   *pool.Manager
	cancelDir *cancel.Directory
	metrics   *metrics.Collector
	tlsConfig *tls.Config

	listenCfg config.ListenConfig
	ln        net.Listener

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer builds a listener. TLS is disabled (with a logged warning) if a
// cert/key pair is configured but fails to load, rather than refusing to
// start.
func NewServer(reg *registry.Registry, poolMgr *pool.Manager, cancelDir *cancel.Directory, m *metrics.Collector, lc config.ListenConfig) *Server {
	ctx, stop := context.WithCancel(context.Background())
	s := &Server{
		registry:  reg,
		poolMgr:   poolMgr,
		cancelDir: cancelDir,
		metrics:   m,
		listenCfg: lc,
		ctx:       ctx,
		cancel:    stop,
	}

	if lc.TLSEnabled() {
		cert, err := tls.LoadX509KeyPair(lc.TLSCert, lc.TLSKey)
		if err != nil {
			slog.Warn("failed to load TLS cert/key, TLS disabled", "cert", lc.TLSCert, "err", err)
		} else {
			s.tlsConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
			slog.Info("TLS enabled", "cert", lc.TLSCert)
		}
	}

	return s
}

// Listen starts accepting connections on the configured host:port.
func (s *Server) Listen() error {
	addr := fmt.Sprintf("%s:%d", s.listenCfg.Host, s.listenCfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listener: listening on %s: %w", addr, err)
	}
	s.ln = ln
	slog.Info("accepting postgres connections", "addr", addr)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ln)
	}()
	return nil
}

// Stop closes the listener and waits for in-flight connection setup
// goroutines (not sessions themselves, which callers drain via the pool
// manager) to finish.
func (s *Server) Stop() {
	s.cancel()
	if s.ln != nil {
		s.ln.Close()
	}
	s.wg.Wait()
	slog.Info("listener stopped")
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				slog.Error("accept error", "err", err)
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	startupBody, negotiatedConn, err := s.negotiateStartup(conn)
	if err != nil {
		slog.Debug("startup negotiation failed", "remote", conn.RemoteAddr(), "err", err)
		return
	}
	if startupBody == nil {
		// A CancelRequest was handled inline; nothing further to do.
		return
	}
	conn = negotiatedConn

	startup, err := wire.ParseStartupBody(startupBody)
	if err != nil {
		slog.Debug("malformed startup message", "remote", conn.RemoteAddr(), "err", err)
		return
	}

	user := startup.Params["user"]
	database := startup.Params["database"]
	if database == "" {
		database = user
	}

	_, isTLS := conn.(*tls.Conn)
	remoteHost, _, _ := net.SplitHostPort(conn.RemoteAddr().String())

	if s.registry.IsPaused(database) {
		writeFatal(conn, wire.CodeConnectionRejected, fmt.Sprintf("pool %q is paused", database))
		return
	}

	poolCfg, err := s.registry.ResolvePool(database)
	if err != nil {
		writeFatal(conn, wire.CodeConnectionRejected, fmt.Sprintf("unknown database %q", database))
		return
	}
	userCfg, err := s.registry.ResolveUser(user)
	if err != nil {
		writeFatal(conn, wire.CodeInvalidAuthSpec, fmt.Sprintf("unknown user %q", user))
		return
	}

	method, err := s.registry.HBA().Evaluate(hba.Request{
		RemoteAddr: net.ParseIP(remoteHost),
		TLS:        isTLS,
		User:       user,
		Database:   database,
	})
	if err != nil {
		writeFatal(conn, wire.CodeConnectionRejected, "no pg_hba entry for this connection")
		return
	}

	stored, err := auth.ParseStoredPassword(userCfg.Password)
	if err != nil {
		writeFatal(conn, wire.CodeInvalidAuthSpec, "server-side credential configuration error")
		return
	}

	reader := wire.NewReader(conn)
	if err := auth.VerifyClient(reader, conn, user, stored, method); err != nil {
		if pgErr, ok := err.(*wire.PGError); ok {
			pgErr.WriteTo(conn)
		} else {
			writeFatal(conn, wire.CodeInvalidPassword, err.Error())
		}
		return
	}

	fakePID, fakeSecret, err := cancel.IssueKey()
	if err != nil {
		writeFatal(conn, wire.CodeConnectionFailure, "failed to allocate a cancellation key")
		return
	}

	writer := wire.NewWriter(conn)
	if err := sendAuthOkAndReady(writer, fakePID, fakeSecret); err != nil {
		return
	}

	settings := buildPoolSettings(database, poolCfg, userCfg)
	p := s.poolMgr.GetOrCreate(database, userCfg.ServerUsername, settings)

	sess := session.New(conn, p, database, poolCfg.ServerDatabase, s.cancelDir, fakePID, fakeSecret, s.metrics, session.SyncReplay)
	if err := sess.Run(s.ctx); err != nil {
		slog.Debug("session ended with error", "pool", database, "err", err)
	}
}

// negotiateStartup reads the first, untyped packet of a connection,
// handling any number of SSLRequest retries (bounded) before returning the
// eventual StartupMessage body and the (possibly TLS-upgraded) connection.
// A handled CancelRequest returns a nil body and no error.
func (s *Server) negotiateStartup(conn net.Conn) ([]byte, net.Conn, error) {
	reader := wire.NewReader(conn)

	for attempt := 0; attempt <= maxSSLNegotiationAttempts; attempt++ {
		body, err := reader.ReadStartup()
		if err != nil {
			return nil, conn, err
		}

		code, err := wire.PeekCode(body)
		if err != nil {
			return nil, conn, err
		}

		switch code {
		case wire.SSLRequestCode:
			if s.tlsConfig != nil {
				if _, err := conn.Write([]byte{'S'}); err != nil {
					return nil, conn, err
				}
				tlsConn := tls.Server(conn, s.tlsConfig)
				if err := tlsConn.Handshake(); err != nil {
					return nil, conn, fmt.Errorf("listener: TLS handshake: %w", err)
				}
				conn = tlsConn
				reader = wire.NewReader(conn)
			} else {
				if _, err := conn.Write([]byte{'N'}); err != nil {
					return nil, conn, err
				}
			}
			continue

		case wire.GSSRequestCode:
			if _, err := conn.Write([]byte{'N'}); err != nil {
				return nil, conn, err
			}
			continue

		case wire.CancelRequestCode:
			s.handleCancelRequest(body)
			return nil, conn, nil
		}

		return body, conn, nil
	}

	return nil, conn, fmt.Errorf("listener: too many SSL negotiation attempts")
}

// handleCancelRequest relays a real CancelRequest to whichever backend the
// fake (pid, secret) pair currently maps to. PostgreSQL clients never read
// a response to a CancelRequest, so this fires and forgets.
func (s *Server) handleCancelRequest(body []byte) {
	req, err := wire.ParseCancelRequest(body)
	if err != nil {
		return
	}
	target, ok := s.cancelDir.Lookup(req.BackendPID, req.SecretKey)
	if !ok {
		return
	}

	backendConn, err := net.DialTimeout("tcp", target.Address, 5*time.Second)
	if err != nil {
		slog.Debug("cancel relay: dialing backend failed", "addr", target.Address, "err", err)
		return
	}
	defer backendConn.Close()
	backendConn.Write(wire.BuildCancelRequest(target.RealPID, target.RealSecret))
}

// sendAuthOkAndReady completes the startup sequence after VerifyClient has
// already written the client's own AuthenticationOk.
func sendAuthOkAndReady(w *wire.Writer, fakePID, fakeSecret uint32) error {
	if err := w.WriteMessage(wire.ParameterStatus, wire.BuildParameterStatus("server_version", "14.0 (pgmux)")); err != nil {
		return err
	}
	if err := w.WriteMessage(wire.BackendKeyData, wire.BuildBackendKeyData(fakePID, fakeSecret)); err != nil {
		return err
	}
	return w.WriteMessage(wire.ReadyForQuery, []byte{byte(wire.StatusIdle)})
}

func writeFatal(w net.Conn, code, message string) {
	(&wire.PGError{
		Severity: wire.SeverityFatal,
		Code:     code,
		Message:  message,
	}).WriteTo(w)
}

func buildPoolSettings(poolName string, pc config.PoolConfig, uc config.UserConfig) pool.Settings {
	return pool.Settings{
		PoolName:       poolName,
		ServerUser:     uc.ServerUsername,
		Password:       uc.ServerPassword,
		Database:       pc.ServerDatabase,
		Address:        pc.Address(),
		MinConns:       uc.MinPoolSize,
		MaxConns:       uc.PoolSize,
		IdleTimeout:    pc.IdleTimeout,
		MaxLifetime:    pc.ServerLifetime,
		AcquireTimeout: defaultAcquireTimeout,
		DialTimeout:    pc.ConnectTimeout,
	}
}
