// Package websocket implements the server side of RFC 6455 as needed by the
// bridge: the opening handshake, framing, fragmentation and the control
// frames. Extensions and subprotocols are not negotiated.
package websocket

import (
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/textproto"
	"strings"
	"time"
)

const acceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// Accept computes the Sec-WebSocket-Accept value for a client key.
func Accept(key string) string {
	sum := sha1.Sum([]byte(key + acceptGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// HandshakeError is a rejected opening handshake. Status and Header should be
// sent back to the client.
type HandshakeError struct {
	Status int
	Reason string
	Header http.Header
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("websocket handshake: %s", e.Reason)
}

func badHandshake(format string, args ...any) *HandshakeError {
	return &HandshakeError{Status: http.StatusBadRequest, Reason: fmt.Sprintf(format, args...)}
}

func headerContainsToken(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, s := range strings.Split(v, ",") {
			if strings.EqualFold(textproto.TrimString(s), token) {
				return true
			}
		}
	}
	return false
}

// IsUpgradeRequest reports whether r asks for a websocket upgrade at all.
func IsUpgradeRequest(r *http.Request) bool {
	return headerContainsToken(r.Header, "Upgrade", "websocket")
}

// CheckRequest validates the opening handshake of r and returns the client
// key.
func CheckRequest(r *http.Request) (string, error) {
	// The version is checked first; a future version may change the rest.
	if v := r.Header.Get("Sec-WebSocket-Version"); v != "13" {
		e := badHandshake("Sec-WebSocket-Version %q not supported", v)
		e.Header = http.Header{"Sec-Websocket-Version": {"13"}}
		return "", e
	}
	if r.Method != http.MethodGet {
		return "", badHandshake("method %s not allowed", r.Method)
	}
	if !IsUpgradeRequest(r) {
		return "", badHandshake(`Upgrade header is %q, must be "websocket"`, r.Header.Get("Upgrade"))
	}
	if !headerContainsToken(r.Header, "Connection", "upgrade") {
		return "", badHandshake(`Connection header is %q, must contain "upgrade"`, r.Header.Get("Connection"))
	}
	key := r.Header.Get("Sec-WebSocket-Key")
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil || len(raw) != 16 {
		return "", badHandshake("bad Sec-WebSocket-Key %q, must be 16 byte base64-encoded value", key)
	}
	return key, nil
}

// Upgrade completes the opening handshake and takes over the connection.
// On a *HandshakeError nothing has been written to w.
func Upgrade(w http.ResponseWriter, r *http.Request, maxMessageSize int64) (*Conn, error) {
	key, err := CheckRequest(r)
	if err != nil {
		return nil, err
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		return nil, &HandshakeError{Status: http.StatusNotImplemented, Reason: fmt.Sprintf("connection not a http.Hijacker (%T)", w)}
	}
	conn, brw, err := hj.Hijack()
	if err != nil {
		return nil, fmt.Errorf("cannot turn http connection into websocket: %w", err)
	}
	// Below this point the ResponseWriter can no longer be used.

	conn.SetDeadline(time.Time{})
	resp := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + Accept(key) + "\r\n\r\n"
	if _, err := brw.WriteString(resp); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to write handshake response: %w", err)
	}
	if err := brw.Flush(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to write handshake response: %w", err)
	}
	return newConn(conn, brw.Reader, maxMessageSize), nil
}
