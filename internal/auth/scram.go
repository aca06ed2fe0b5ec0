// Package auth implements the PostgreSQL authentication methods the pooler
// needs in both directions: verifying an incoming client (acting as a
// server) and authenticating itself to a real backend (acting as a client).
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const scramMechanism = "SCRAM-SHA-256"

// DefaultScramIterations matches the iteration count PostgreSQL itself uses
// for freshly created SCRAM verifiers.
const DefaultScramIterations = 4096

// ScramCredentials is everything needed to act as either side of a
// SCRAM-SHA-256 exchange for one role, without ever storing the plaintext
// password.
type ScramCredentials struct {
	Iterations int
	Salt       []byte
	StoredKey  []byte
	ServerKey  []byte
}

// DeriveScramCredentials computes the salted-password derived keys for a
// role from its plaintext password, generating a fresh random salt.
func DeriveScramCredentials(password string, iterations int) (*ScramCredentials, error) {
	if iterations <= 0 {
		iterations = DefaultScramIterations
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("auth: generating scram salt: %w", err)
	}
	saltedPassword := pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New)
	clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
	return &ScramCredentials{
		Iterations: iterations,
		Salt:       salt,
		StoredKey:  sha256Sum(clientKey),
		ServerKey:  hmacSHA256(saltedPassword, []byte("Server Key")),
	}, nil
}

// Encode renders the credentials in the "SCRAM-SHA-256$<iter>:<salt>$<stored>:<server>"
// form used for stored_passwords in configuration and user registries.
func (c *ScramCredentials) Encode() string {
	return fmt.Sprintf("%s$%d:%s$%s:%s",
		scramMechanism,
		c.Iterations,
		base64.StdEncoding.EncodeToString(c.Salt),
		base64.StdEncoding.EncodeToString(c.StoredKey),
		base64.StdEncoding.EncodeToString(c.ServerKey),
	)
}

// ParseScramCredentials parses the encoded form produced by Encode.
func ParseScramCredentials(s string) (*ScramCredentials, error) {
	if !strings.HasPrefix(s, scramMechanism+"$") {
		return nil, fmt.Errorf("auth: not a SCRAM credential: %q", s)
	}
	rest := s[len(scramMechanism)+1:]
	parts := strings.SplitN(rest, "$", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("auth: malformed SCRAM credential")
	}
	iterSalt := strings.SplitN(parts[0], ":", 2)
	if len(iterSalt) != 2 {
		return nil, fmt.Errorf("auth: malformed SCRAM credential iteration/salt")
	}
	iterations, err := strconv.Atoi(iterSalt[0])
	if err != nil {
		return nil, fmt.Errorf("auth: malformed SCRAM iteration count: %w", err)
	}
	salt, err := base64.StdEncoding.DecodeString(iterSalt[1])
	if err != nil {
		return nil, fmt.Errorf("auth: malformed SCRAM salt: %w", err)
	}
	keys := strings.SplitN(parts[1], ":", 2)
	if len(keys) != 2 {
		return nil, fmt.Errorf("auth: malformed SCRAM credential keys")
	}
	storedKey, err := base64.StdEncoding.DecodeString(keys[0])
	if err != nil {
		return nil, fmt.Errorf("auth: malformed SCRAM stored key: %w", err)
	}
	serverKey, err := base64.StdEncoding.DecodeString(keys[1])
	if err != nil {
		return nil, fmt.Errorf("auth: malformed SCRAM server key: %w", err)
	}
	return &ScramCredentials{
		Iterations: iterations,
		Salt:       salt,
		StoredKey:  storedKey,
		ServerKey:  serverKey,
	}, nil
}

// saslEscapeUsername replaces "=" with "=3D" and "," with "=2C" per RFC 5802.
func saslEscapeUsername(user string) string {
	user = strings.ReplaceAll(user, "=", "=3D")
	user = strings.ReplaceAll(user, ",", "=2C")
	return user
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func sha256Sum(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

func randomNonce() (string, error) {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
