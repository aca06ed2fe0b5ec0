package session

import (
	"fmt"

	"github.com/pgmux/pgmux/internal/stmt"
	"github.com/pgmux/pgmux/internal/wire"
)

// terminalTags name the backend message(s) that end the response to a given
// frontend request. The teacher's original relay only understood the simple
// query protocol, where ReadyForQuery is always the end; the extended
// protocol answers each Parse/Bind/Describe/Execute individually and only
// emits ReadyForQuery once, at the matching Sync.
var (
	parseTerminal = map[byte]bool{wire.ParseComplete: true, wire.ErrorResponse: true}
	bindTerminal  = map[byte]bool{wire.BindComplete: true, wire.ErrorResponse: true}
	// Describe('S', ...) answers with ParameterDescription followed by
	// RowDescription/NoData; only the second message ends the wait.
	describeTerminal = map[byte]bool{
		wire.RowDescription: true,
		wire.NoData:         true,
		wire.ErrorResponse:  true,
	}
	closeTerminal = map[byte]bool{wire.CloseComplete: true, wire.ErrorResponse: true}
	executeTerminal = map[byte]bool{
		wire.CommandComplete:    true,
		wire.EmptyQueryResponse: true,
		wire.PortalSuspended:    true,
		wire.ErrorResponse:      true,
	}
	functionCallTerminal = map[byte]bool{wire.FunctionCallResponse: true, wire.ErrorResponse: true}
	syncTerminal         = map[byte]bool{wire.ReadyForQuery: true}
)

// forwardClientMessage dispatches one already-read frontend message: named
// Parse/Bind/Describe/Close are rewritten or answered synthetically so a
// client's prepared statements survive moving between backends; everything
// else is forwarded as-is and its response relayed to the matching terminal
// message.
func (s *Session) forwardClientMessage(msg wire.Message) error {
	switch msg.Tag {
	case wire.Query:
		text := parseSimpleQueryText(msg.Body)
		if reason, ok := isListenOrNotify(text); ok {
			s.pinIfNeeded(reason)
		}
		forgetsStatements := isDeallocateOrDiscardAll(text)
		if err := s.writeToBackend(msg.Tag, msg.Body); err != nil {
			return s.backendFailed(err)
		}
		if err := s.relayUntilTerminal(syncTerminal); err != nil {
			return err
		}
		if forgetsStatements {
			s.stmts.ForgetAll()
		}
		return nil

	case wire.Parse:
		return s.handleParse(msg)
	case wire.Bind:
		return s.handleBind(msg)
	case wire.Describe:
		return s.handleDescribe(msg)
	case wire.Close:
		return s.handleClose(msg)
	case wire.Execute:
		if err := s.writeToBackend(msg.Tag, msg.Body); err != nil {
			return s.backendFailed(err)
		}
		return s.relayUntilTerminal(executeTerminal)
	case wire.Sync:
		if err := s.writeToBackend(msg.Tag, msg.Body); err != nil {
			return s.backendFailed(err)
		}
		return s.relayUntilTerminal(syncTerminal)
	case wire.FunctionCall:
		if err := s.writeToBackend(msg.Tag, msg.Body); err != nil {
			return s.backendFailed(err)
		}
		return s.relayUntilTerminal(functionCallTerminal)
	case wire.Flush:
		// Forwarded without waiting: Flush only asks the backend to send
		// whatever responses are already pending, and the next backend read
		// happens naturally on the following request. Clients that pipeline
		// far enough ahead of Sync to fill the backend's send buffer are not
		// supported.
		return s.writeToBackend(msg.Tag, msg.Body)
	default:
		if err := s.writeToBackend(msg.Tag, msg.Body); err != nil {
			return s.backendFailed(err)
		}
		return s.relayUntilTerminal(syncTerminal)
	}
}

func (s *Session) writeToBackend(tag byte, body []byte) error {
	return wire.WriteMessage(s.current.RawConn(), tag, body)
}

func parseSimpleQueryText(body []byte) string {
	text, _, err := wire.ReadCString(body, 0)
	if err != nil {
		return ""
	}
	return text
}

// handleParse declares the statement in the session's registry (if named)
// and ensures the current backend has been taught it, then answers the
// client directly: the real Parse round trip, if one was needed at all, has
// already happened transparently inside ensureTaught.
func (s *Session) handleParse(msg wire.Message) error {
	name, query, paramTypes, err := stmt.ParseParseMessage(msg.Body)
	if err != nil {
		return s.protocolError(err)
	}
	if name == "" {
		// The unnamed statement is never multiplexed: it is always
		// Parse/Bind/Execute'd within a single round trip by well-behaved
		// clients, so there is nothing to rewrite.
		if err := s.writeToBackend(wire.Parse, msg.Body); err != nil {
			return s.backendFailed(err)
		}
		return s.relayUntilTerminal(parseTerminal)
	}

	cs := s.stmts.Declare(name, query, paramTypes)
	if _, err := s.ensureTaught(cs); err != nil {
		return s.backendFailed(err)
	}
	return wire.WriteMessage(s.client, wire.ParseComplete, nil)
}

// handleBind rewrites a Bind targeting a named statement to the backend's
// canonical name for its fingerprint, teaching the backend first if this is
// the first time this particular backend has seen it.
func (s *Session) handleBind(msg wire.Message) error {
	stmtName, err := stmt.BindStatementName(msg.Body)
	if err != nil {
		return s.protocolError(err)
	}
	if stmtName == "" {
		if err := s.writeToBackend(wire.Bind, msg.Body); err != nil {
			return s.backendFailed(err)
		}
		return s.relayUntilTerminal(bindTerminal)
	}

	cs, ok := s.stmts.Lookup(stmtName)
	if !ok {
		// Client is binding a statement it never (successfully) parsed;
		// forward unchanged and let the real backend produce the authentic
		// "prepared statement does not exist" error.
		if err := s.writeToBackend(wire.Bind, msg.Body); err != nil {
			return s.backendFailed(err)
		}
		return s.relayUntilTerminal(bindTerminal)
	}

	canonical, err := s.ensureTaught(cs)
	if err != nil {
		return s.backendFailed(err)
	}
	rewritten, _, err := stmt.RewriteBindStatementName(msg.Body, canonical)
	if err != nil {
		return s.protocolError(err)
	}
	if err := s.writeToBackend(wire.Bind, rewritten); err != nil {
		return s.backendFailed(err)
	}
	return s.relayUntilTerminal(bindTerminal)
}

// handleDescribe rewrites a Describe('S', name) the same way as Bind; a
// Describe('P', portal) targets a backend-local portal name and is always
// forwarded unchanged.
func (s *Session) handleDescribe(msg wire.Message) error {
	kind, name, err := stmt.DescribeOrCloseTarget(msg.Body)
	if err != nil {
		return s.protocolError(err)
	}
	if kind != 'S' || name == "" {
		if err := s.writeToBackend(wire.Describe, msg.Body); err != nil {
			return s.backendFailed(err)
		}
		return s.relayUntilTerminal(describeTerminal)
	}

	cs, ok := s.stmts.Lookup(name)
	if !ok {
		if err := s.writeToBackend(wire.Describe, msg.Body); err != nil {
			return s.backendFailed(err)
		}
		return s.relayUntilTerminal(describeTerminal)
	}
	canonical, err := s.ensureTaught(cs)
	if err != nil {
		return s.backendFailed(err)
	}
	if err := s.writeToBackend(wire.Describe, stmt.RewriteDescribeOrCloseTarget('S', canonical)); err != nil {
		return s.backendFailed(err)
	}
	return s.relayUntilTerminal(describeTerminal)
}

// handleClose never forwards a Close against a named statement to the
// backend: the canonical statement stays taught there for the next session
// whose fingerprint matches, and is only ever retired by LRU eviction. A
// Close('P', portal) still needs to reach the backend to free that portal.
func (s *Session) handleClose(msg wire.Message) error {
	kind, name, err := stmt.DescribeOrCloseTarget(msg.Body)
	if err != nil {
		return s.protocolError(err)
	}
	if kind != 'S' || name == "" {
		if err := s.writeToBackend(wire.Close, msg.Body); err != nil {
			return s.backendFailed(err)
		}
		return s.relayUntilTerminal(closeTerminal)
	}
	s.stmts.Forget(name)
	return wire.WriteMessage(s.client, wire.CloseComplete, nil)
}

// ensureTaught returns the canonical name the current backend knows cs's
// fingerprint under, teaching it with a real, synthetic Parse round trip
// first if this backend has never seen it before. Any statement that round
// trip evicts from the backend's cache is retired with a real Close first.
func (s *Session) ensureTaught(cs *stmt.ClientStatement) (string, error) {
	cache := s.current.Statements()
	if name, ok := cache.Lookup(uint64(cs.Fingerprint)); ok {
		return name, nil
	}

	canonical := stmt.CanonicalName(cs.Fingerprint)
	cache.Insert(uint64(cs.Fingerprint), canonical)

	// Retire whatever this very insert evicted now, before the cache can sit
	// above its bound even momentarily at the tail of a Parse sequence.
	for _, ev := range cache.DrainPendingCloses() {
		if err := s.writeToBackend(wire.Close, stmt.RewriteDescribeOrCloseTarget('S', ev.Name)); err != nil {
			return "", err
		}
		if err := s.current.ExpectMessage(wire.CloseComplete); err != nil {
			return "", fmt.Errorf("session: retiring evicted statement %q: %w", ev.Name, err)
		}
	}

	body := stmt.BuildParseMessage(canonical, cs.Query, cs.ParamTypes)
	if err := s.writeToBackend(wire.Parse, body); err != nil {
		return "", err
	}
	if err := s.current.ExpectMessage(wire.ParseComplete); err != nil {
		return "", fmt.Errorf("session: teaching statement %q: %w", canonical, err)
	}
	return canonical, nil
}

func (s *Session) protocolError(cause error) error {
	pgErr := &wire.PGError{
		Severity: wire.SeverityError,
		Code:     CodeProtocolViolation,
		Message:  "malformed extended query protocol message",
		Detail:   cause.Error(),
	}
	pgErr.WriteTo(s.client)
	return cause
}

// CodeProtocolViolation is the SQLSTATE for a malformed message the pooler
// itself caught while rewriting, rather than one reported by the backend.
const CodeProtocolViolation = "08P01"
