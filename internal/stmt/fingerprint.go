// Package stmt rewrites client prepared-statement traffic so a client's
// named statements can be multiplexed across whichever backend connection
// its transaction happens to land on: each distinct (query text, parameter
// types) pair gets a stable fingerprint, and each backend is taught that
// fingerprint under its own canonical, pooler-assigned statement name the
// first time a session needs it there.
package stmt

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint identifies a prepared statement by its query text and
// parameter type OIDs, independent of whatever name the client gave it.
type Fingerprint uint64

// ComputeFingerprint hashes a Parse message's query and parameter type OIDs.
func ComputeFingerprint(query string, paramTypes []uint32) Fingerprint {
	h := xxhash.New()
	h.WriteString(query)
	buf := make([]byte, 4)
	for _, t := range paramTypes {
		binary.BigEndian.PutUint32(buf, t)
		h.Write(buf)
	}
	return Fingerprint(h.Sum64())
}

// CanonicalName derives the backend-visible statement name for a
// fingerprint. Stable across backends so cache hits can be recognized from
// the fingerprint alone.
func CanonicalName(fp Fingerprint) string {
	return fmt.Sprintf("pgmux_%016x", uint64(fp))
}
