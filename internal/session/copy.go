package session

import (
	"github.com/pgmux/pgmux/internal/wire"
)

// relayCopyIn shuttles CopyData from the client to the backend until the
// client ends the stream with CopyDone or CopyFail. The backend's reply to
// that (CommandComplete, or an ErrorResponse on CopyFail) is read back by
// the relayUntilTerminal loop that called us, not here.
func (s *Session) relayCopyIn() error {
	for {
		msg, err := s.clientReader.ReadTyped()
		if err != nil {
			return err
		}

		if msg.Streamed {
			w := wire.NewWriter(s.current.RawConn())
			if err := w.WriteHeader(msg.Tag, msg.PayloadLen()); err != nil {
				return err
			}
			if _, err := s.clientReader.CopyRemaining(s.current.RawConn()); err != nil {
				return err
			}
		} else {
			if err := s.writeToBackend(msg.Tag, msg.Body); err != nil {
				return err
			}
		}

		if msg.Tag == wire.CopyDone || msg.Tag == wire.CopyFail {
			return nil
		}
	}
}

// relayCopyOut forwards backend CopyData rows to the client until the
// backend ends the stream with CopyDone or an ErrorResponse. The follow-up
// CommandComplete/ReadyForQuery is left for the caller's loop to forward.
func (s *Session) relayCopyOut() error {
	for {
		msg, err := s.current.Reader().ReadTyped()
		if err != nil {
			return err
		}

		if msg.Streamed {
			if err := s.forwardStreamedToClient(msg); err != nil {
				return err
			}
			continue
		}

		if err := s.forwardToClient(msg); err != nil {
			return err
		}
		if msg.Tag == wire.CopyDoneBE || msg.Tag == wire.ErrorResponse {
			return nil
		}
	}
}
