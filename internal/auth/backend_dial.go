package auth

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pgmux/pgmux/internal/wire"
)

// DialResult carries what a successful backend startup/auth handshake
// discovered: its ParameterStatus set and BackendKeyData, needed to answer
// CancelRequests and to replay server parameters to clients.
type DialResult struct {
	Params     map[string]string
	BackendPID uint32
	SecretKey  uint32
}

// AuthenticateToBackend sends the startup message and drives the auth
// handshake against a real PostgreSQL server, selecting cleartext, MD5 or
// SCRAM-SHA-256 as the server demands. It returns once ReadyForQuery has
// been seen, collecting ParameterStatus and BackendKeyData along the way.
func AuthenticateToBackend(rw io.ReadWriter, user, password, database string) (*DialResult, error) {
	startup := wire.BuildStartupMessage(map[string]string{
		"user":     user,
		"database": database,
	})
	if _, err := rw.Write(startup); err != nil {
		return nil, fmt.Errorf("auth: sending startup message: %w", err)
	}

	r := wire.NewReader(rw)
	result := &DialResult{Params: make(map[string]string)}

	for {
		msg, err := r.ReadTyped()
		if err != nil {
			return nil, fmt.Errorf("auth: reading backend message: %w", err)
		}

		switch msg.Tag {
		case wire.AuthenticationRequest:
			if len(msg.Body) < 4 {
				return nil, fmt.Errorf("auth: authentication message too short")
			}
			authType := binary.BigEndian.Uint32(msg.Body[:4])
			switch authType {
			case 0: // AuthenticationOk
				continue
			case 3: // AuthenticationCleartextPassword
				if err := sendPasswordMessage(rw, password); err != nil {
					return nil, err
				}
			case 5: // AuthenticationMD5Password
				if len(msg.Body) < 8 {
					return nil, fmt.Errorf("auth: MD5 auth message too short")
				}
				var salt [4]byte
				copy(salt[:], msg.Body[4:8])
				if err := sendPasswordMessage(rw, ComputeMD5Password(user, password, salt)); err != nil {
					return nil, err
				}
			case 10: // AuthenticationSASL
				if err := ScramClientExchange(r, rw, user, password, msg.Body[4:]); err != nil {
					return nil, fmt.Errorf("auth: SCRAM-SHA-256: %w", err)
				}
			default:
				return nil, fmt.Errorf("auth: unsupported backend auth type: %d", authType)
			}

		case wire.ParameterStatus:
			name, value, err := wire.ParseParameterStatus(msg.Body)
			if err == nil && name != "" {
				result.Params[name] = value
			}

		case wire.BackendKeyData:
			pid, secret, err := wire.ParseBackendKeyData(msg.Body)
			if err == nil {
				result.BackendPID = pid
				result.SecretKey = secret
			}

		case wire.ReadyForQuery:
			if len(msg.Body) >= 1 && msg.Body[0] == byte(wire.StatusIdle) {
				return result, nil
			}
			return nil, fmt.Errorf("auth: unexpected transaction status after startup: %c", msg.Body[0])

		case wire.ErrorResponse:
			fields := wire.ParseErrorFields(msg.Body)
			return nil, fmt.Errorf("auth: backend rejected startup: %s", fields['M'])

		default:
			continue
		}
	}
}

func sendPasswordMessage(w io.Writer, password string) error {
	return wire.WriteMessage(w, wire.PasswordMessage, wire.NullString(nil, password))
}
