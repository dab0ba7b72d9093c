package websocket

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccept(t *testing.T) {
	assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", Accept("dGhlIHNhbXBsZSBub25jZQ=="))
}

func validRequest() *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/websocket/abc", nil)
	r.Header.Set("Upgrade", "WebSocket")
	r.Header.Set("Connection", "keep-alive, Upgrade")
	r.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	r.Header.Set("Sec-WebSocket-Version", "13")
	return r
}

func TestCheckRequest(t *testing.T) {
	key, err := CheckRequest(validRequest())
	require.NoError(t, err)
	assert.Equal(t, "dGhlIHNhbXBsZSBub25jZQ==", key)

	tests := []struct {
		name   string
		modify func(r *http.Request)
	}{
		{"wrong version", func(r *http.Request) { r.Header.Set("Sec-WebSocket-Version", "8") }},
		{"missing version", func(r *http.Request) { r.Header.Del("Sec-WebSocket-Version") }},
		{"POST", func(r *http.Request) { r.Method = http.MethodPost }},
		{"no upgrade header", func(r *http.Request) { r.Header.Del("Upgrade") }},
		{"upgrade to something else", func(r *http.Request) { r.Header.Set("Upgrade", "h2c") }},
		{"connection without upgrade", func(r *http.Request) { r.Header.Set("Connection", "keep-alive") }},
		{"missing key", func(r *http.Request) { r.Header.Del("Sec-WebSocket-Key") }},
		{"short key", func(r *http.Request) { r.Header.Set("Sec-WebSocket-Key", "c2hvcnQ=") }},
		{"key not base64", func(r *http.Request) { r.Header.Set("Sec-WebSocket-Key", "!!!") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validRequest()
			tt.modify(r)
			_, err := CheckRequest(r)

			var hsErr *HandshakeError
			require.True(t, errors.As(err, &hsErr), "got %v", err)
			assert.Equal(t, http.StatusBadRequest, hsErr.Status)
		})
	}
}

func TestCheckRequestAdvertisesVersion(t *testing.T) {
	r := validRequest()
	r.Header.Set("Sec-WebSocket-Version", "14")
	_, err := CheckRequest(r)

	var hsErr *HandshakeError
	require.ErrorAs(t, err, &hsErr)
	assert.Equal(t, "13", hsErr.Header.Get("Sec-WebSocket-Version"))
}

func TestUpgradeNotHijackable(t *testing.T) {
	_, err := Upgrade(httptest.NewRecorder(), validRequest(), 0)

	var hsErr *HandshakeError
	require.ErrorAs(t, err, &hsErr)
	assert.Equal(t, http.StatusNotImplemented, hsErr.Status)
}

func TestUpgradeEcho(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrade(w, r, 1024)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer conn.Close()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteText(msg); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c, err := net.Dial("tcp", srv.Listener.Addr().String())
	require.NoError(t, err)
	defer c.Close()
	c.SetDeadline(time.Now().Add(5 * time.Second))

	fmt.Fprintf(c, "GET /websocket/abc HTTP/1.1\r\n"+
		"Host: %s\r\n"+
		"Upgrade: websocket\r\n"+
		"Connection: Upgrade\r\n"+
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n"+
		"Sec-WebSocket-Version: 13\r\n\r\n", srv.Listener.Addr())

	br := bufio.NewReader(c)
	resp, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	assert.Equal(t, "websocket", resp.Header.Get("Upgrade"))
	assert.Equal(t, "Upgrade", resp.Header.Get("Connection"))
	assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", resp.Header.Get("Sec-WebSocket-Accept"))

	sendFrame(t, c, true, OpText, "Hello")
	f := readFrame(t, br)
	assert.Equal(t, OpText, f.Opcode)
	assert.Equal(t, "Hello", string(f.Payload))

	sendFrame(t, c, true, OpClose, "\x03\xe8")
	f = readFrame(t, br)
	assert.Equal(t, OpClose, f.Opcode)
	assert.Equal(t, []byte{0x03, 0xe8}, f.Payload)
}
