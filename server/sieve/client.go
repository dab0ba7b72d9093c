package sieve

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/migadu/sievebridge/logger"
)

// maxResponseSize bounds a single capability block or response line.
const maxResponseSize = 1 << 20

// State tracks how far the client has progressed with the backend.
type State int

const (
	StateConnected State = iota
	StateTLS
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateTLS:
		return "tls"
	case StateAuthenticated:
		return "authenticated"
	}
	return "unknown"
}

// Client speaks the setup phase of ManageSieve with a backend server and
// then acts as an opaque byte stream.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
	caps   *Capabilities
	state  State

	closeOnce sync.Once
	closeErr  error

	// authAdvertised is cleared once the bridge has authenticated on the
	// browser's behalf, so the browser is not offered SASL again.
	authAdvertised bool
}

// Dial connects to a ManageSieve server and reads its greeting. The context
// bounds both the connect and the greeting.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	c, err := newClient(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// NewClient reads the greeting from an established connection. The caller
// keeps ownership of conn if an error is returned.
func NewClient(conn net.Conn) (*Client, error) {
	return newClient(context.Background(), conn)
}

func newClient(ctx context.Context, conn net.Conn) (*Client, error) {
	c := &Client{
		conn:           conn,
		reader:         bufio.NewReader(conn),
		state:          StateConnected,
		authAdvertised: true,
	}
	defer c.watch(ctx)()

	if err := c.readCapabilities(); err != nil {
		return nil, fmt.Errorf("failed to read greeting: %w", err)
	}

	// RFC 5804 lets a server withhold its mechanisms until TLS is active;
	// in that case PLAIN is checked again after STARTTLS.
	raw, ok := c.caps.Get("SASL")
	if !ok {
		return nil, ErrPlainUnsupported
	}
	deferred := c.caps.Has("STARTTLS") && len(c.caps.SASLMechanisms()) == 0
	if !deferred && !c.caps.HasSASL("PLAIN") {
		return nil, fmt.Errorf("%w: offered %s", ErrPlainUnsupported, raw)
	}
	return c, nil
}

// watch applies the context deadline and cancellation to the connection for
// the duration of one exchange.
func (c *Client) watch(ctx context.Context) func() {
	conn := c.conn
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})
	return func() {
		stop()
		conn.SetDeadline(time.Time{})
	}
}

// readLine reads one logical response line, following any literals.
func (c *Client) readLine(buf []byte) ([]byte, error) {
	start := len(buf)
	for {
		line, err := c.reader.ReadBytes('\n')
		if err != nil {
			return nil, err
		}
		buf = append(buf, line...)
		if len(buf) > maxResponseSize {
			return nil, fmt.Errorf("%w: response exceeds %d bytes", ErrProtocol, maxResponseSize)
		}

		n, ok := literalLength(buf[start:])
		if !ok {
			return buf, nil
		}
		if n > maxResponseSize-len(buf) {
			return nil, fmt.Errorf("%w: literal of %d bytes too large", ErrProtocol, n)
		}
		lit := make([]byte, n)
		if _, err := io.ReadFull(c.reader, lit); err != nil {
			return nil, err
		}
		buf = append(buf, lit...)
	}
}

// literalLength returns n if line ends with a {n} or {n+} literal header.
func literalLength(line []byte) (int, bool) {
	if !bytes.HasSuffix(line, []byte("}\r\n")) {
		return 0, false
	}
	open := bytes.LastIndexByte(line, '{')
	if open < 0 {
		return 0, false
	}
	count := bytes.TrimSuffix(line[open+1:len(line)-3], []byte("+"))
	n, err := strconv.Atoi(string(count))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// readCapabilities reads lines up to and including the status line and
// replaces the current capability set.
func (c *Client) readCapabilities() error {
	var block []byte
	for {
		lineStart := len(block)
		var err error
		block, err = c.readLine(block)
		if err != nil {
			return err
		}
		if first := block[lineStart]; first != '"' && first != '{' {
			break
		}
	}
	caps, err := ParseCapabilities(block)
	if err != nil {
		return err
	}
	c.caps = caps
	return nil
}

func (c *Client) readResponse(command string) (*Response, error) {
	line, err := c.readLine(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", command, err)
	}
	resp, err := ParseResponse(line)
	if err != nil {
		return nil, err
	}
	return resp, resp.Err(command)
}

// StartTLS upgrades the connection in place and reads the capabilities the
// server announces over TLS.
func (c *Client) StartTLS(ctx context.Context, cfg *tls.Config) error {
	if c.state != StateConnected {
		return fmt.Errorf("sieve: STARTTLS in state %s", c.state)
	}
	if !c.caps.Has("STARTTLS") {
		return ErrStartTLSUnsupported
	}
	defer c.watch(ctx)()

	if _, err := io.WriteString(c.conn, "STARTTLS\r\n"); err != nil {
		return fmt.Errorf("failed to send STARTTLS command: %w", err)
	}
	if _, err := c.readResponse("STARTTLS"); err != nil {
		return err
	}
	if c.reader.Buffered() > 0 {
		return fmt.Errorf("%w: data received before TLS handshake", ErrProtocol)
	}

	tlsConn := tls.Client(c.conn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return fmt.Errorf("TLS handshake with backend failed: %w", err)
	}
	c.conn = tlsConn
	c.reader.Reset(tlsConn)
	c.state = StateTLS

	if err := c.readCapabilities(); err != nil {
		return fmt.Errorf("failed to read capabilities after STARTTLS: %w", err)
	}
	if !c.caps.HasSASL("PLAIN") {
		return ErrPlainUnsupported
	}
	state := tlsConn.ConnectionState()
	logger.Debug("Sieve: STARTTLS negotiated", "server", cfg.ServerName, "version", tls.VersionName(state.Version))
	return nil
}

// Authenticate performs SASL PLAIN with an initial response. authz may be
// empty to authenticate as authn.
func (c *Client) Authenticate(ctx context.Context, authn, password, authz string) error {
	if c.state == StateAuthenticated {
		return fmt.Errorf("sieve: AUTHENTICATE in state %s", c.state)
	}
	if !c.caps.HasSASL("PLAIN") {
		return ErrPlainUnsupported
	}
	defer c.watch(ctx)()

	mech, ir, err := sasl.NewPlainClient(authz, authn, password).Start()
	if err != nil {
		return fmt.Errorf("failed to start SASL: %w", err)
	}
	cmd := fmt.Sprintf("AUTHENTICATE %s %s\r\n", Quote(mech), Quote(base64.StdEncoding.EncodeToString(ir)))
	if _, err := io.WriteString(c.conn, cmd); err != nil {
		return fmt.Errorf("failed to send AUTHENTICATE command: %w", err)
	}
	if _, err := c.readResponse("AUTHENTICATE"); err != nil {
		return err
	}

	c.state = StateAuthenticated
	c.authAdvertised = false
	logger.Debug("Sieve: backend authentication successful", "authn", authn, "authz", authz)
	return nil
}

// Capabilities returns the capability block to forward to the browser.
func (c *Client) Capabilities() []byte {
	return c.caps.Encode(c.authAdvertised)
}

// RawCapabilities returns the capabilities as last announced by the server.
func (c *Client) RawCapabilities() *Capabilities {
	return c.caps
}

// State returns the current client state.
func (c *Client) State() State {
	return c.state
}

// Read returns server bytes, starting with anything buffered during setup.
func (c *Client) Read(p []byte) (int, error) {
	return c.reader.Read(p)
}

// Write sends bytes to the server unchanged.
func (c *Client) Write(p []byte) (int, error) {
	return c.conn.Write(p)
}

// SetDeadline sets the read and write deadline of the current transport.
func (c *Client) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// RemoteAddr returns the backend address.
func (c *Client) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close closes the transport. It is safe to call from several goroutines.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
