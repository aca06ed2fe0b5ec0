package cancel

import (
	"crypto/rand"
	"encoding/binary"
)

// IssueKey generates a fresh, random fake (pid, secret) pair to hand to a
// client in a synthetic BackendKeyData. Collisions across live sessions are
// astronomically unlikely at 64 bits of randomness and are not checked for.
func IssueKey() (pid, secret uint32, err error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return 0, 0, err
	}
	return binary.BigEndian.Uint32(buf[:4]), binary.BigEndian.Uint32(buf[4:]), nil
}
