package wire

import (
	"encoding/binary"
	"fmt"
)

// StartupMessage is the parsed body of a client's initial packet (protocol
// negotiation already resolved — never an SSLRequest/GSSRequest/CancelRequest,
// those are handled by their own parsers below).
type StartupMessage struct {
	ProtocolVersion uint32
	Params          map[string]string
}

// ParseStartupBody parses the body of a StartupMessage (protocol version
// already consumed by the caller via PeekCode) into protocol version and
// key/value parameters.
func ParseStartupBody(body []byte) (*StartupMessage, error) {
	if len(body) < 4 {
		return nil, &ProtocolViolation{Reason: "startup message too short"}
	}
	ver := binary.BigEndian.Uint32(body[:4])
	params := make(map[string]string)
	data := body[4:]
	off := 0
	for off < len(data) {
		if data[off] == 0 {
			break
		}
		key, next, err := ReadCString(data, off)
		if err != nil {
			return nil, &ProtocolViolation{Reason: "malformed startup parameter key"}
		}
		val, next2, err := ReadCString(data, next)
		if err != nil {
			return nil, &ProtocolViolation{Reason: "malformed startup parameter value"}
		}
		params[key] = val
		off = next2
	}
	return &StartupMessage{ProtocolVersion: ver, Params: params}, nil
}

// PeekCode reads the first 4 bytes of a startup-family body to distinguish
// an ordinary StartupMessage from SSLRequest/GSSRequest/CancelRequest.
func PeekCode(body []byte) (uint32, error) {
	if len(body) < 4 {
		return 0, &ProtocolViolation{Reason: "startup body too short to contain a code"}
	}
	return binary.BigEndian.Uint32(body[:4]), nil
}

// BuildStartupMessage serializes a StartupMessage body (including the
// length header) for sending to a real backend server.
func BuildStartupMessage(params map[string]string) []byte {
	var body []byte
	ver := make([]byte, 4)
	binary.BigEndian.PutUint32(ver, ProtocolVersion3)
	body = append(body, ver...)
	for k, v := range params {
		body = NullString(body, k)
		body = NullString(body, v)
	}
	body = append(body, 0)

	msg := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(msg[:4], uint32(len(msg)))
	copy(msg[4:], body)
	return msg
}

// CancelRequest is the parsed body of an unauthenticated CancelRequest
// packet: code already verified to be CancelRequestCode by the caller.
type CancelRequest struct {
	BackendPID uint32
	SecretKey  uint32
}

// ParseCancelRequest parses a CancelRequest body (the 4-byte code already
// consumed by the caller).
func ParseCancelRequest(body []byte) (*CancelRequest, error) {
	if len(body) < 12 {
		return nil, &ProtocolViolation{Reason: "cancel request too short"}
	}
	return &CancelRequest{
		BackendPID: binary.BigEndian.Uint32(body[4:8]),
		SecretKey:  binary.BigEndian.Uint32(body[8:12]),
	}, nil
}

// BuildCancelRequest serializes a CancelRequest packet (length + code + pid + secret).
func BuildCancelRequest(pid, secret uint32) []byte {
	body := make([]byte, 12)
	binary.BigEndian.PutUint32(body[0:4], CancelRequestCode)
	binary.BigEndian.PutUint32(body[4:8], pid)
	binary.BigEndian.PutUint32(body[8:12], secret)
	msg := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(msg[:4], uint32(len(msg)))
	copy(msg[4:], body)
	return msg
}

// BuildSSLRequest serializes an SSLRequest packet.
func BuildSSLRequest() []byte {
	body := make([]byte, 4)
	binary.BigEndian.PutUint32(body, SSLRequestCode)
	msg := make([]byte, 8)
	binary.BigEndian.PutUint32(msg[:4], 8)
	copy(msg[4:], body)
	return msg
}

// BuildBackendKeyData serializes a BackendKeyData payload.
func BuildBackendKeyData(pid, secret uint32) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[:4], pid)
	binary.BigEndian.PutUint32(buf[4:], secret)
	return buf
}

// ParseBackendKeyData parses a BackendKeyData payload.
func ParseBackendKeyData(payload []byte) (pid, secret uint32, err error) {
	if len(payload) < 8 {
		return 0, 0, fmt.Errorf("backend key data too short")
	}
	return binary.BigEndian.Uint32(payload[:4]), binary.BigEndian.Uint32(payload[4:8]), nil
}

// BuildParameterStatus serializes a ParameterStatus payload.
func BuildParameterStatus(name, value string) []byte {
	var buf []byte
	buf = NullString(buf, name)
	buf = NullString(buf, value)
	return buf
}

// ParseParameterStatus parses a ParameterStatus payload.
func ParseParameterStatus(payload []byte) (name, value string, err error) {
	name, next, err := ReadCString(payload, 0)
	if err != nil {
		return "", "", err
	}
	value, _, err = ReadCString(payload, next)
	if err != nil {
		return "", "", err
	}
	return name, value, nil
}
