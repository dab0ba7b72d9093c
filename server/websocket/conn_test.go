package websocket

import (
	"bufio"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tcpPair returns a server Conn and the raw client end of a loopback socket.
func tcpPair(t *testing.T, maxSize int64) (*Conn, net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server := <-accepted
	require.NotNil(t, server)

	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	client.SetDeadline(time.Now().Add(5 * time.Second))
	server.SetDeadline(time.Now().Add(5 * time.Second))
	return NewServerConn(server, nil, maxSize), client
}

var testMask = [4]byte{0xa1, 0xb2, 0xc3, 0xd4}

func sendFrame(t *testing.T, w io.Writer, fin bool, op Opcode, payload string) {
	t.Helper()
	_, err := w.Write(EncodeFrame(Frame{Fin: fin, Opcode: op, Masked: true, MaskKey: testMask, Payload: []byte(payload)}))
	require.NoError(t, err)
}

func readFrame(t *testing.T, r io.Reader) Frame {
	t.Helper()
	f, err := DecodeFrame(r, 0)
	require.NoError(t, err)
	return f
}

func TestConnReadMessage(t *testing.T) {
	server, client := tcpPair(t, 0)

	sendFrame(t, client, true, OpText, "CAPABILITY\r\n")
	op, msg, err := server.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, OpText, op)
	assert.Equal(t, "CAPABILITY\r\n", string(msg))
}

func TestConnReassemblesContinuation(t *testing.T) {
	server, client := tcpPair(t, 0)
	cr := bufio.NewReader(client)

	sendFrame(t, client, false, OpText, "PUTSCRIPT ")
	sendFrame(t, client, true, OpPing, "hb")
	sendFrame(t, client, false, OpContinuation, `"x" `)
	sendFrame(t, client, true, OpPong, "")
	sendFrame(t, client, true, OpContinuation, "{0+}\r\n")

	op, msg, err := server.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, OpText, op)
	assert.Equal(t, "PUTSCRIPT \"x\" {0+}\r\n", string(msg))

	pong := readFrame(t, cr)
	assert.Equal(t, OpPong, pong.Opcode)
	assert.False(t, pong.Masked)
	assert.Equal(t, "hb", string(pong.Payload))
}

func TestConnRejectsUnmaskedFrame(t *testing.T) {
	server, client := tcpPair(t, 0)
	cr := bufio.NewReader(client)

	_, err := client.Write([]byte{0x81, 0x05, 'H', 'e', 'l', 'l', 'o'})
	require.NoError(t, err)

	_, _, err = server.ReadMessage()
	assert.ErrorIs(t, err, ErrNotMasked)

	f := readFrame(t, cr)
	assert.Equal(t, OpClose, f.Opcode)
	ce, err := parseClosePayload(f.Payload)
	require.NoError(t, err)
	assert.Equal(t, CloseProtocolError, ce.Code)
	assert.True(t, server.CloseSent())
}

func TestConnMessageTooBig(t *testing.T) {
	t.Run("single frame", func(t *testing.T) {
		server, client := tcpPair(t, 8)
		cr := bufio.NewReader(client)

		sendFrame(t, client, true, OpText, "123456789")
		_, _, err := server.ReadMessage()
		assert.ErrorIs(t, err, ErrFrameTooLarge)

		ce, err := parseClosePayload(readFrame(t, cr).Payload)
		require.NoError(t, err)
		assert.Equal(t, CloseMessageTooBig, ce.Code)
	})

	t.Run("accumulated fragments", func(t *testing.T) {
		server, client := tcpPair(t, 8)
		cr := bufio.NewReader(client)

		sendFrame(t, client, false, OpText, "12345")
		sendFrame(t, client, true, OpContinuation, "6789")
		_, _, err := server.ReadMessage()
		assert.ErrorIs(t, err, ErrFrameTooLarge)

		ce, err := parseClosePayload(readFrame(t, cr).Payload)
		require.NoError(t, err)
		assert.Equal(t, CloseMessageTooBig, ce.Code)
	})
}

func TestConnFragmentationErrors(t *testing.T) {
	t.Run("continuation without start", func(t *testing.T) {
		server, client := tcpPair(t, 0)
		sendFrame(t, client, true, OpContinuation, "x")
		_, _, err := server.ReadMessage()
		assert.ErrorIs(t, err, ErrProtocol)
	})

	t.Run("new message inside fragmented one", func(t *testing.T) {
		server, client := tcpPair(t, 0)
		sendFrame(t, client, false, OpText, "a")
		sendFrame(t, client, true, OpText, "b")
		_, _, err := server.ReadMessage()
		assert.ErrorIs(t, err, ErrProtocol)
	})
}

func TestConnPeerClose(t *testing.T) {
	server, client := tcpPair(t, 0)
	cr := bufio.NewReader(client)

	sendFrame(t, client, true, OpClose, "\x03\xe9going")
	_, _, err := server.ReadMessage()
	require.Error(t, err)
	assert.True(t, errors.Is(err, io.EOF))

	var ce *CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, CloseGoingAway, ce.Code)
	assert.Equal(t, "going", ce.Reason)

	echo := readFrame(t, cr)
	assert.Equal(t, OpClose, echo.Opcode)
	assert.Equal(t, []byte{0x03, 0xe9}, echo.Payload)

	assert.ErrorIs(t, server.WriteText([]byte("late")), ErrCloseSent)
}

func TestConnWriteText(t *testing.T) {
	server, client := tcpPair(t, 0)
	cr := bufio.NewReader(client)

	require.NoError(t, server.WriteText([]byte(`"IMPLEMENTATION" "X"`+"\r\nOK\r\n")))
	require.NoError(t, server.WriteClose(CloseNormal, "bye"))
	assert.ErrorIs(t, server.WriteClose(CloseNormal, "again"), ErrCloseSent)

	f := readFrame(t, cr)
	assert.True(t, f.Fin)
	assert.Equal(t, OpText, f.Opcode)
	assert.False(t, f.Masked)
	assert.Equal(t, "\"IMPLEMENTATION\" \"X\"\r\nOK\r\n", string(f.Payload))

	f = readFrame(t, cr)
	assert.Equal(t, OpClose, f.Opcode)
	assert.Equal(t, "\x03\xe8bye", string(f.Payload))
}

func TestConnClientDisconnect(t *testing.T) {
	server, client := tcpPair(t, 0)
	client.Close()

	_, _, err := server.ReadMessage()
	assert.ErrorIs(t, err, io.EOF)
	assert.NoError(t, server.Close())
	assert.NoError(t, server.Close())
}

func TestConnControlHandler(t *testing.T) {
	server, client := tcpPair(t, 0)

	var seen []Opcode
	server.SetControlHandler(func(op Opcode) { seen = append(seen, op) })

	sendFrame(t, client, true, OpPing, "keepalive")
	sendFrame(t, client, true, OpPong, "")
	sendFrame(t, client, true, OpText, "NOOP\r\n")

	_, msg, err := server.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "NOOP\r\n", string(msg))
	assert.Equal(t, []Opcode{OpPing, OpPong}, seen)

	pong := readFrame(t, client)
	assert.Equal(t, OpPong, pong.Opcode)
	assert.Equal(t, "keepalive", string(pong.Payload))
}
