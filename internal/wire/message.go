// Package wire frames the PostgreSQL v3 frontend/backend protocol: a tag
// byte (absent on the very first message of a connection), a 32-bit
// big-endian length that includes itself, and a payload.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Frontend message tags (client -> server).
const (
	Bind            byte = 'B'
	Close           byte = 'C'
	CopyDataFE      byte = 'd'
	CopyDone        byte = 'c'
	CopyFail        byte = 'f'
	Describe        byte = 'D'
	Execute         byte = 'E'
	Flush           byte = 'H'
	FunctionCall    byte = 'F'
	Parse           byte = 'P'
	PasswordMessage byte = 'p'
	Query           byte = 'Q'
	Sync            byte = 'S'
	Terminate       byte = 'X'
)

// Backend message tags (server -> client). Several letters are reused
// between the two directions (e.g. 'D'/'S'); callers always know which
// direction they are reading so this is never ambiguous in practice.
const (
	AuthenticationRequest byte = 'R'
	BackendKeyData        byte = 'K'
	BindComplete          byte = '2'
	CloseComplete         byte = '3'
	CommandComplete       byte = 'C'
	CopyBothResponse      byte = 'W'
	CopyDataBE            byte = 'd'
	CopyDoneBE            byte = 'c'
	CopyInResponse        byte = 'G'
	CopyOutResponse       byte = 'H'
	DataRow               byte = 'D'
	EmptyQueryResponse    byte = 'I'
	ErrorResponse         byte = 'E'
	FunctionCallResponse  byte = 'V'
	NoData                byte = 'n'
	NoticeResponse        byte = 'N'
	NotificationResponse  byte = 'A'
	ParameterDescription  byte = 't'
	ParameterStatus       byte = 'S'
	ParseComplete         byte = '1'
	PortalSuspended       byte = 's'
	ReadyForQuery         byte = 'Z'
	RowDescription        byte = 'T'
)

// Special untyped request codes carried in the first 4 bytes of the
// startup packet in place of a protocol version.
const (
	ProtocolVersion3 uint32 = 3 << 16
	SSLRequestCode   uint32 = 80877103
	GSSRequestCode   uint32 = 80877104
	CancelRequestCode uint32 = 80877102
)

// MaxStartupMessageSize bounds the first, untyped packet a client may send.
const MaxStartupMessageSize = 10000

// Message is one frame of the protocol after the tag+length header has been
// consumed. Body holds the full payload for ordinary messages. For messages
// larger than a reader's StreamThreshold, Body is nil and the payload must be
// drained via the reader's streaming chunk API before the next read.
type Message struct {
	Tag      byte
	Length   int // length field as read off the wire, includes itself (4 bytes)
	Body     []byte
	Streamed bool // true if the payload was not buffered and must be drained by the caller
}

// PayloadLen returns the number of bytes following the tag+length header.
func (m Message) PayloadLen() int {
	return m.Length - 4
}

// ProtocolViolation marks a malformed frame. Fatal for the connection that
// produced it.
type ProtocolViolation struct {
	Reason string
}

func (e *ProtocolViolation) Error() string {
	return fmt.Sprintf("protocol violation: %s", e.Reason)
}

// WriteMessage writes a single typed message: tag, length, payload.
func WriteMessage(w io.Writer, tag byte, payload []byte) error {
	hdr := make([]byte, 5)
	hdr[0] = tag
	binary.BigEndian.PutUint32(hdr[1:5], uint32(len(payload)+4))
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

// WriteUntyped writes an untyped message (only used for the startup packet
// and CancelRequest): a 4-byte length followed by the body.
func WriteUntyped(w io.Writer, body []byte) error {
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(body)+4))
	if _, err := w.Write(lenBuf); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// NullString appends s followed by a NUL terminator.
func NullString(buf []byte, s string) []byte {
	buf = append(buf, s...)
	return append(buf, 0)
}

// ReadCString reads a NUL-terminated string starting at offset off, returning
// the string and the offset of the byte after the terminator.
func ReadCString(data []byte, off int) (string, int, error) {
	end := off
	for end < len(data) && data[end] != 0 {
		end++
	}
	if end >= len(data) {
		return "", 0, fmt.Errorf("unterminated string in message")
	}
	return string(data[off:end]), end + 1, nil
}
