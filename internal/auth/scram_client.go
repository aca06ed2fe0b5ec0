package auth

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/pbkdf2"
	"crypto/sha256"

	"github.com/pgmux/pgmux/internal/wire"
)

// ScramClientExchange performs the SASL SCRAM-SHA-256 exchange with a real
// backend, acting as the client. mechanismsPayload is the body of the
// AuthenticationSASL message that triggered this call (auth type already
// stripped by the caller's 4 bytes).
func ScramClientExchange(r *wire.Reader, w io.Writer, user, password string, mechanismsPayload []byte) error {
	mechanisms := parseSASLMechanisms(mechanismsPayload)
	if !containsMechanism(mechanisms, scramMechanism) {
		return fmt.Errorf("auth: backend does not offer %s, offered: %v", scramMechanism, mechanisms)
	}

	clientNonce, err := randomNonce()
	if err != nil {
		return fmt.Errorf("auth: generating client nonce: %w", err)
	}

	const gs2Header = "n,,"
	clientFirstBare := fmt.Sprintf("n=%s,r=%s", saslEscapeUsername(user), clientNonce)
	clientFirstMsg := gs2Header + clientFirstBare

	if err := writeSASLInitialResponse(w, scramMechanism, []byte(clientFirstMsg)); err != nil {
		return fmt.Errorf("auth: sending SASL initial response: %w", err)
	}

	serverFirstMsg, err := readAuthChallenge(r, 11)
	if err != nil {
		return fmt.Errorf("auth: reading server-first-message: %w", err)
	}

	serverNonce, salt, iterations, err := parseServerFirst(string(serverFirstMsg))
	if err != nil {
		return fmt.Errorf("auth: parsing server-first-message: %w", err)
	}
	if !strings.HasPrefix(serverNonce, clientNonce) {
		return fmt.Errorf("auth: server nonce does not extend client nonce")
	}

	saltedPassword := pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New)
	clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
	storedKey := sha256Sum(clientKey)

	channelBinding := "c=" + base64.StdEncoding.EncodeToString([]byte(gs2Header))
	clientFinalWithoutProof := fmt.Sprintf("%s,r=%s", channelBinding, serverNonce)
	authMessage := clientFirstBare + "," + string(serverFirstMsg) + "," + clientFinalWithoutProof

	clientSignature := hmacSHA256(storedKey, []byte(authMessage))
	clientProof := xorBytes(clientKey, clientSignature)
	clientFinalMsg := clientFinalWithoutProof + ",p=" + base64.StdEncoding.EncodeToString(clientProof)

	if err := writeSASLResponse(w, []byte(clientFinalMsg)); err != nil {
		return fmt.Errorf("auth: sending SASL response: %w", err)
	}

	serverFinalMsg, err := readAuthChallenge(r, 12)
	if err != nil {
		return fmt.Errorf("auth: reading server-final-message: %w", err)
	}

	serverKey := hmacSHA256(saltedPassword, []byte("Server Key"))
	expectedSig := hmacSHA256(serverKey, []byte(authMessage))
	expectedFinal := "v=" + base64.StdEncoding.EncodeToString(expectedSig)
	if string(serverFinalMsg) != expectedFinal {
		return fmt.Errorf("auth: server signature mismatch")
	}
	return nil
}

func parseSASLMechanisms(data []byte) []string {
	var mechs []string
	for len(data) > 0 {
		idx := 0
		for idx < len(data) && data[idx] != 0 {
			idx++
		}
		if idx > 0 {
			mechs = append(mechs, string(data[:idx]))
		}
		if idx >= len(data) {
			break
		}
		data = data[idx+1:]
	}
	return mechs
}

func containsMechanism(mechs []string, target string) bool {
	for _, m := range mechs {
		if m == target {
			return true
		}
	}
	return false
}

func parseServerFirst(msg string) (nonce string, salt []byte, iterations int, err error) {
	for _, part := range strings.Split(msg, ",") {
		switch {
		case strings.HasPrefix(part, "r="):
			nonce = part[2:]
		case strings.HasPrefix(part, "s="):
			salt, err = base64.StdEncoding.DecodeString(part[2:])
			if err != nil {
				return "", nil, 0, fmt.Errorf("decoding salt: %w", err)
			}
		case strings.HasPrefix(part, "i="):
			fmt.Sscanf(part[2:], "%d", &iterations)
		}
	}
	if nonce == "" || salt == nil || iterations == 0 {
		return "", nil, 0, fmt.Errorf("incomplete server-first-message: %q", msg)
	}
	return nonce, salt, iterations, nil
}

func writeSASLInitialResponse(w io.Writer, mechanism string, clientFirstMsg []byte) error {
	var payload []byte
	payload = wire.NullString(payload, mechanism)
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(clientFirstMsg)))
	payload = append(payload, lenBuf...)
	payload = append(payload, clientFirstMsg...)
	return wire.WriteMessage(w, wire.PasswordMessage, payload)
}

func writeSASLResponse(w io.Writer, data []byte) error {
	return wire.WriteMessage(w, wire.PasswordMessage, data)
}

// readAuthChallenge reads one AuthenticationRequest message and verifies its
// auth subtype matches expectedAuthType, returning the payload after the
// 4-byte subtype field.
func readAuthChallenge(r *wire.Reader, expectedAuthType uint32) ([]byte, error) {
	msg, err := r.ReadTyped()
	if err != nil {
		return nil, err
	}
	if msg.Tag == wire.ErrorResponse {
		fields := wire.ParseErrorFields(msg.Body)
		return nil, fmt.Errorf("backend error: %s", fields['M'])
	}
	if msg.Tag != wire.AuthenticationRequest {
		return nil, fmt.Errorf("expected Authentication message, got %q", msg.Tag)
	}
	if len(msg.Body) < 4 {
		return nil, fmt.Errorf("authentication message too short")
	}
	authType := binary.BigEndian.Uint32(msg.Body[:4])
	if authType != expectedAuthType {
		return nil, fmt.Errorf("expected auth type %d, got %d", expectedAuthType, authType)
	}
	return msg.Body[4:], nil
}
