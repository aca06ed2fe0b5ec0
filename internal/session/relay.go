package session

import (
	"github.com/pgmux/pgmux/internal/wire"
)

// relayUntilTerminal forwards backend messages to the client until one whose
// tag is in terminal is seen, handling ParameterStatus bookkeeping and COPY
// sub-protocols along the way. ReadyForQuery always ends the wait, even for
// terminal sets that do not list it, since a backend can only ever send it
// in response to Sync (or the end of a simple Query) — seeing one outside
// that expectation means the pooler's own bookkeeping, not the backend, is
// wrong, and returning control to the client is safer than hanging forever.
func (s *Session) relayUntilTerminal(terminal map[byte]bool) error {
	for {
		msg, err := s.current.Reader().ReadTyped()
		if err != nil {
			return s.backendFailed(err)
		}

		if msg.Streamed {
			if err := s.forwardStreamedToClient(msg); err != nil {
				return s.backendFailed(err)
			}
			continue
		}

		switch msg.Tag {
		case wire.ParameterStatus:
			name, value, ok := parseParameterStatus(msg.Body)
			if ok {
				s.current.SetParam(name, value)
			}
			if err := s.forwardToClient(msg); err != nil {
				return err
			}
			continue

		case wire.ReadyForQuery:
			if err := s.forwardToClient(msg); err != nil {
				return err
			}
			status := wire.ReadyForQueryStatus(msg.Body[0])
			s.current.SetTxStatus(status)
			if status == wire.StatusIdle && !s.pinned {
				s.returnCurrent()
			}
			return nil

		case wire.CopyInResponse:
			if err := s.forwardToClient(msg); err != nil {
				return err
			}
			if err := s.relayCopyIn(); err != nil {
				return s.backendFailed(err)
			}
			continue

		case wire.CopyOutResponse, wire.CopyBothResponse:
			// Full-duplex COPY BOTH (logical replication streaming) is not
			// supported: replication connections bypass the pool entirely,
			// so only the copy-out direction is ever exercised here.
			if err := s.forwardToClient(msg); err != nil {
				return err
			}
			if err := s.relayCopyOut(); err != nil {
				return s.backendFailed(err)
			}
			continue
		}

		if err := s.forwardToClient(msg); err != nil {
			return err
		}
		if terminal[msg.Tag] {
			return nil
		}
	}
}

func (s *Session) forwardToClient(msg wire.Message) error {
	return wire.WriteMessage(s.client, msg.Tag, msg.Body)
}

// forwardStreamedToClient splices a large backend message straight through
// without buffering the whole payload, for oversized DataRow/CopyData
// traffic.
func (s *Session) forwardStreamedToClient(msg wire.Message) error {
	w := wire.NewWriter(s.client)
	if err := w.WriteHeader(msg.Tag, msg.PayloadLen()); err != nil {
		return err
	}
	_, err := s.current.Reader().CopyRemaining(s.client)
	return err
}

func parseParameterStatus(body []byte) (name, value string, ok bool) {
	name, off, err := wire.ReadCString(body, 0)
	if err != nil {
		return "", "", false
	}
	value, _, err = wire.ReadCString(body, off)
	if err != nil {
		return "", "", false
	}
	return name, value, true
}

// backendFailed marks the current backend unusable and tells the client the
// connection is gone. The backend socket itself is already broken (that is
// why we are here), so there is nothing left to sanitize; just close it.
func (s *Session) backendFailed(cause error) error {
	conn := s.current
	s.current = nil
	if s.cancelDir != nil {
		s.cancelDir.Remove(s.fakePID, s.fakeSecret)
	}
	if conn != nil {
		conn.Close()
	}
	fatalErr("backend connection lost", cause).WriteTo(s.client)
	return cause
}
