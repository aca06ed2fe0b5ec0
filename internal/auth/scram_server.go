package auth

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/pgmux/pgmux/internal/wire"
)

// ScramServerExchange authenticates an incoming client using SCRAM-SHA-256,
// acting as the server side of RFC 5802 against previously derived
// credentials. It writes AuthenticationSASL/-Continue/-Final and, on
// success, AuthenticationOk itself.
func ScramServerExchange(r *wire.Reader, w io.Writer, user string, creds *ScramCredentials) error {
	mechList := append([]byte(nil), scramMechanism...)
	mechList = append(mechList, 0, 0)
	if err := writeAuthRequest(w, 10, mechList); err != nil {
		return fmt.Errorf("auth: sending AuthenticationSASL: %w", err)
	}

	initial, err := readPasswordMessage(r)
	if err != nil {
		return fmt.Errorf("auth: reading SASLInitialResponse: %w", err)
	}
	mechanism, clientFirstMsg, err := parseSASLInitialResponse(initial)
	if err != nil {
		return fmt.Errorf("auth: parsing SASLInitialResponse: %w", err)
	}
	if mechanism != scramMechanism {
		return fmt.Errorf("auth: client requested unsupported mechanism %q", mechanism)
	}

	clientFirstBare, clientNonce, err := parseClientFirst(clientFirstMsg)
	if err != nil {
		return fmt.Errorf("auth: parsing client-first-message: %w", err)
	}

	serverNonceSuffix, err := randomNonce()
	if err != nil {
		return fmt.Errorf("auth: generating server nonce: %w", err)
	}
	serverNonce := clientNonce + serverNonceSuffix

	serverFirstMsg := fmt.Sprintf("r=%s,s=%s,i=%d",
		serverNonce,
		base64.StdEncoding.EncodeToString(creds.Salt),
		creds.Iterations,
	)
	if err := writeAuthRequest(w, 11, []byte(serverFirstMsg)); err != nil {
		return fmt.Errorf("auth: sending server-first-message: %w", err)
	}

	finalMsg, err := readPasswordMessage(r)
	if err != nil {
		return fmt.Errorf("auth: reading SASLResponse: %w", err)
	}
	channelBinding, nonce, proof, err := parseClientFinal(string(finalMsg))
	if err != nil {
		return fmt.Errorf("auth: parsing client-final-message: %w", err)
	}
	if nonce != serverNonce {
		return fmt.Errorf("auth: client-final nonce mismatch")
	}
	expectedBinding := "c=" + base64.StdEncoding.EncodeToString([]byte("n,,"))
	if channelBinding != expectedBinding {
		return fmt.Errorf("auth: unexpected channel binding")
	}

	clientFinalWithoutProof := fmt.Sprintf("%s,r=%s", channelBinding, serverNonce)
	authMessage := clientFirstBare + "," + serverFirstMsg + "," + clientFinalWithoutProof

	clientSignature := hmacSHA256(creds.StoredKey, []byte(authMessage))
	recoveredClientKey := xorBytes(proof, clientSignature)
	if !hmacEqual(sha256Sum(recoveredClientKey), creds.StoredKey) {
		return fmt.Errorf("auth: SCRAM verification failed for user %q", user)
	}

	serverSignature := hmacSHA256(creds.ServerKey, []byte(authMessage))
	serverFinalMsg := "v=" + base64.StdEncoding.EncodeToString(serverSignature)
	if err := writeAuthRequest(w, 12, []byte(serverFinalMsg)); err != nil {
		return fmt.Errorf("auth: sending server-final-message: %w", err)
	}

	return writeAuthRequest(w, 0, nil)
}

func hmacEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}

func writeAuthRequest(w io.Writer, authType uint32, data []byte) error {
	payload := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(payload[:4], authType)
	copy(payload[4:], data)
	return wire.WriteMessage(w, wire.AuthenticationRequest, payload)
}

func readPasswordMessage(r *wire.Reader) ([]byte, error) {
	msg, err := r.ReadTyped()
	if err != nil {
		return nil, err
	}
	if msg.Tag != wire.PasswordMessage {
		return nil, fmt.Errorf("expected PasswordMessage, got %q", msg.Tag)
	}
	return msg.Body, nil
}

func parseSASLInitialResponse(body []byte) (mechanism string, clientFirstMsg []byte, err error) {
	mechanism, next, err := wire.ReadCString(body, 0)
	if err != nil {
		return "", nil, err
	}
	if next+4 > len(body) {
		return "", nil, fmt.Errorf("truncated SASLInitialResponse")
	}
	n := int(binary.BigEndian.Uint32(body[next : next+4]))
	start := next + 4
	if start+n > len(body) {
		return "", nil, fmt.Errorf("SASLInitialResponse length mismatch")
	}
	return mechanism, body[start : start+n], nil
}

// parseClientFirst parses "n,,n=<user>,r=<nonce>" and returns the bare part
// (without the gs2 header) and the client nonce.
func parseClientFirst(msg []byte) (bare string, nonce string, err error) {
	s := string(msg)
	parts := strings.SplitN(s, ",,", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("malformed client-first-message")
	}
	bare = parts[1]
	for _, kv := range strings.Split(bare, ",") {
		if strings.HasPrefix(kv, "r=") {
			nonce = kv[2:]
		}
	}
	if nonce == "" {
		return "", "", fmt.Errorf("client-first-message missing nonce")
	}
	return bare, nonce, nil
}

// parseClientFinal parses "c=<binding>,r=<nonce>,p=<proof>".
func parseClientFinal(msg string) (channelBinding, nonce string, proof []byte, err error) {
	for _, kv := range strings.Split(msg, ",") {
		switch {
		case strings.HasPrefix(kv, "c="):
			channelBinding = kv
		case strings.HasPrefix(kv, "r="):
			nonce = kv[2:]
		case strings.HasPrefix(kv, "p="):
			proof, err = base64.StdEncoding.DecodeString(kv[2:])
			if err != nil {
				return "", "", nil, fmt.Errorf("decoding proof: %w", err)
			}
		}
	}
	if channelBinding == "" || nonce == "" || proof == nil {
		return "", "", nil, fmt.Errorf("incomplete client-final-message")
	}
	return channelBinding, nonce, proof, nil
}
