package auth

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/pgmux/pgmux/internal/wire"
)

// VerifyClient authenticates an incoming client connection against stored
// credentials, using whichever method the role is configured for. It reads
// and writes directly on rw and, on success, leaves the connection
// positioned right after AuthenticationOk — callers still owe the client
// its ParameterStatus replay, BackendKeyData and ReadyForQuery.
func VerifyClient(r *wire.Reader, w io.Writer, user string, stored *StoredPassword, method Method) error {
	switch method {
	case MethodTrust:
		return writeAuthRequest(w, 0, nil)

	case MethodCleartext:
		if err := writeAuthRequest(w, 3, nil); err != nil {
			return err
		}
		msg, err := readPasswordMessage(r)
		if err != nil {
			return fmt.Errorf("auth: reading cleartext password: %w", err)
		}
		password, _, err := wire.ReadCString(msg, 0)
		if err != nil {
			return fmt.Errorf("auth: malformed password message: %w", err)
		}
		if stored.Plain == "" || !VerifyCleartext(password, stored.Plain) {
			return errAuthFailed(user)
		}
		return writeAuthRequest(w, 0, nil)

	case MethodMD5:
		var salt [4]byte
		if _, err := rand.Read(salt[:]); err != nil {
			return fmt.Errorf("auth: generating md5 salt: %w", err)
		}
		if err := writeAuthRequest(w, 5, salt[:]); err != nil {
			return err
		}
		msg, err := readPasswordMessage(r)
		if err != nil {
			return fmt.Errorf("auth: reading md5 password: %w", err)
		}
		received, _, err := wire.ReadCString(msg, 0)
		if err != nil {
			return fmt.Errorf("auth: malformed password message: %w", err)
		}
		storedMD5, ok := stored.MD5For(user)
		if !ok || !VerifyMD5(received, user, storedMD5, salt) {
			return errAuthFailed(user)
		}
		return writeAuthRequest(w, 0, nil)

	case MethodScram:
		creds, err := stored.ScramCredentialsFor()
		if err != nil {
			return fmt.Errorf("auth: no SCRAM material for user %q: %w", user, err)
		}
		return ScramServerExchange(r, w, user, creds)

	default:
		return fmt.Errorf("auth: unsupported verification method %v", method)
	}
}

func errAuthFailed(user string) error {
	return &wire.PGError{
		Severity: wire.SeverityFatal,
		Code:     wire.CodeInvalidPassword,
		Message:  fmt.Sprintf("password authentication failed for user %q", user),
	}
}
