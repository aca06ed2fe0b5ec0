package stmt

import (
	"encoding/binary"
	"fmt"

	"github.com/pgmux/pgmux/internal/wire"
)

// ParseParseMessage decodes a frontend Parse message body: stmt name, query
// text, and parameter type OIDs.
func ParseParseMessage(body []byte) (name, query string, paramTypes []uint32, err error) {
	name, off, err := wire.ReadCString(body, 0)
	if err != nil {
		return "", "", nil, fmt.Errorf("stmt: malformed Parse statement name: %w", err)
	}
	query, off, err = wire.ReadCString(body, off)
	if err != nil {
		return "", "", nil, fmt.Errorf("stmt: malformed Parse query text: %w", err)
	}
	if off+2 > len(body) {
		return "", "", nil, fmt.Errorf("stmt: truncated Parse parameter count")
	}
	n := int(binary.BigEndian.Uint16(body[off : off+2]))
	off += 2
	types := make([]uint32, n)
	for i := 0; i < n; i++ {
		if off+4 > len(body) {
			return "", "", nil, fmt.Errorf("stmt: truncated Parse parameter types")
		}
		types[i] = binary.BigEndian.Uint32(body[off : off+4])
		off += 4
	}
	return name, query, types, nil
}

// BuildParseMessage re-encodes a Parse message body under a new statement
// name, preserving query and parameter types.
func BuildParseMessage(name, query string, paramTypes []uint32) []byte {
	var buf []byte
	buf = wire.NullString(buf, name)
	buf = wire.NullString(buf, query)
	n := make([]byte, 2)
	binary.BigEndian.PutUint16(n, uint16(len(paramTypes)))
	buf = append(buf, n...)
	oid := make([]byte, 4)
	for _, t := range paramTypes {
		binary.BigEndian.PutUint32(oid, t)
		buf = append(buf, oid...)
	}
	return buf
}

// RewriteBindStatementName decodes a Bind message's portal and statement
// name, then re-encodes the same message with the statement name replaced.
func RewriteBindStatementName(body []byte, newStmtName string) ([]byte, string, error) {
	portal, off, err := wire.ReadCString(body, 0)
	if err != nil {
		return nil, "", fmt.Errorf("stmt: malformed Bind portal name: %w", err)
	}
	_, next, err := wire.ReadCString(body, off)
	if err != nil {
		return nil, "", fmt.Errorf("stmt: malformed Bind statement name: %w", err)
	}

	var out []byte
	out = wire.NullString(out, portal)
	out = wire.NullString(out, newStmtName)
	out = append(out, body[next:]...)
	return out, portal, nil
}

// BindStatementName extracts just the statement name a Bind message targets,
// without rewriting anything.
func BindStatementName(body []byte) (string, error) {
	_, off, err := wire.ReadCString(body, 0)
	if err != nil {
		return "", err
	}
	name, _, err := wire.ReadCString(body, off)
	return name, err
}

// DescribeOrCloseTarget extracts the 'S'/'P' kind byte and the target name
// from a Describe or Close message body.
func DescribeOrCloseTarget(body []byte) (kind byte, name string, err error) {
	if len(body) < 1 {
		return 0, "", fmt.Errorf("stmt: empty Describe/Close body")
	}
	kind = body[0]
	name, _, err = wire.ReadCString(body, 1)
	return kind, name, err
}

// RewriteDescribeOrCloseTarget re-encodes a Describe/Close message body with
// its target name replaced, preserving the kind byte.
func RewriteDescribeOrCloseTarget(kind byte, newName string) []byte {
	buf := []byte{kind}
	return wire.NullString(buf, newName)
}
