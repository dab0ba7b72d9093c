package websocket

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"time"
)

// Conn is the server end of an established websocket. ReadMessage must be
// called from a single goroutine; writes may come from any goroutine.
type Conn struct {
	conn    net.Conn
	r       *bufio.Reader
	maxSize int64

	onControl func(Opcode)

	wmu       sync.Mutex
	closeSent bool

	closeOnce sync.Once
	closeErr  error
}

func newConn(conn net.Conn, r *bufio.Reader, maxSize int64) *Conn {
	if r == nil {
		r = bufio.NewReader(conn)
	}
	return &Conn{conn: conn, r: r, maxSize: maxSize}
}

// NewServerConn wraps a connection whose handshake is already done. r may
// hold bytes read past the handshake; nil means none.
func NewServerConn(conn net.Conn, r *bufio.Reader, maxMessageSize int64) *Conn {
	return newConn(conn, r, maxMessageSize)
}

// ReadMessage returns the next complete data message. Ping frames are
// answered and pong frames dropped along the way. When the peer closes, the
// close is echoed and a *CloseError matching io.EOF is returned. Protocol
// violations send the matching close status before the error is returned.
func (c *Conn) ReadMessage() (Opcode, []byte, error) {
	var (
		op      Opcode
		message []byte
		started bool
	)
	for {
		f, err := DecodeFrame(c.r, c.maxSize)
		if err != nil {
			switch {
			case errors.Is(err, ErrFrameTooLarge):
				c.WriteClose(CloseMessageTooBig, "message too big")
			case errors.Is(err, ErrProtocol):
				c.WriteClose(CloseProtocolError, "protocol error")
			}
			return 0, nil, err
		}
		if !f.Masked {
			c.WriteClose(CloseProtocolError, "frames must be masked")
			return 0, nil, ErrNotMasked
		}

		if f.Opcode.IsControl() && f.Opcode != OpClose && c.onControl != nil {
			c.onControl(f.Opcode)
		}

		switch f.Opcode {
		case OpPing:
			if err := c.writeFrame(OpPong, f.Payload); err != nil {
				return 0, nil, err
			}
			continue
		case OpPong:
			continue
		case OpClose:
			ce, err := parseClosePayload(f.Payload)
			if err != nil {
				c.WriteClose(CloseProtocolError, "protocol error")
				return 0, nil, err
			}
			c.WriteClose(ce.Code, "")
			return 0, nil, ce
		case OpContinuation:
			if !started {
				c.WriteClose(CloseProtocolError, "protocol error")
				return 0, nil, ErrProtocol
			}
		default:
			if started {
				c.WriteClose(CloseProtocolError, "protocol error")
				return 0, nil, ErrProtocol
			}
			op, started = f.Opcode, true
		}

		if c.maxSize > 0 && int64(len(message)+len(f.Payload)) > c.maxSize {
			c.WriteClose(CloseMessageTooBig, "message too big")
			return 0, nil, ErrFrameTooLarge
		}
		message = append(message, f.Payload...)
		if f.Fin {
			if message == nil {
				message = []byte{}
			}
			return op, message, nil
		}
	}
}

// SetControlHandler registers fn to be called from ReadMessage for every
// ping and pong frame. It must be set before reading starts.
func (c *Conn) SetControlHandler(fn func(Opcode)) {
	c.onControl = fn
}

func (c *Conn) writeFrame(op Opcode, payload []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closeSent {
		return ErrCloseSent
	}
	if op == OpClose {
		c.closeSent = true
	}
	_, err := c.conn.Write(EncodeFrame(Frame{Fin: true, Opcode: op, Payload: payload}))
	return err
}

// WriteText sends p as a single unmasked text frame.
func (c *Conn) WriteText(p []byte) error {
	return c.writeFrame(OpText, p)
}

// WriteClose sends a close frame. Only the first call has any effect.
func (c *Conn) WriteClose(code uint16, reason string) error {
	return c.writeFrame(OpClose, closePayload(code, reason))
}

// CloseSent reports whether a close frame has been written.
func (c *Conn) CloseSent() bool {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.closeSent
}

// SetDeadline sets the read and write deadlines of the underlying connection.
func (c *Conn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// RemoteAddr returns the client address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close closes the underlying connection without a close handshake. It is
// safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
