package testutils

import (
	"bufio"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	// DefaultGreeting is sent on connect. It offers STARTTLS.
	DefaultGreeting = `"IMPLEMENTATION" "Fake Sieve"` + "\r\n" +
		`"SASL" "PLAIN LOGIN"` + "\r\n" +
		`"SIEVE" "fileinto vacation"` + "\r\n" +
		`"STARTTLS"` + "\r\n" +
		`"VERSION" "1.0"` + "\r\n" +
		"OK\r\n"

	// DefaultTLSCapabilities is sent after a successful STARTTLS.
	DefaultTLSCapabilities = `"IMPLEMENTATION" "Fake Sieve"` + "\r\n" +
		`"SASL" "PLAIN LOGIN"` + "\r\n" +
		`"SIEVE" "fileinto vacation"` + "\r\n" +
		`"VERSION" "1.0"` + "\r\n" +
		"OK\r\n"
)

// PlainCredentials is a decoded SASL PLAIN initial response.
type PlainCredentials struct {
	Authz    string
	Authn    string
	Password string
}

// SieveBackend is a scripted ManageSieve server listening on localhost.
//
// It answers STARTTLS, AUTHENTICATE "PLAIN", CAPABILITY, NOOP and LOGOUT.
// Every other command gets a NO response.
type SieveBackend struct {
	listener net.Listener

	greeting        string
	tlsCapabilities string
	tlsConfig       *tls.Config
	users           map[string]string

	mu       sync.Mutex
	commands []string
	logins   []PlainCredentials
	conns    []net.Conn
}

// SieveBackendOption customizes a SieveBackend before it starts serving.
type SieveBackendOption func(*SieveBackend)

// WithGreeting replaces the capability block sent on connect.
func WithGreeting(caps string) SieveBackendOption {
	return func(b *SieveBackend) { b.greeting = caps }
}

// WithTLSCapabilities replaces the capability block sent after STARTTLS.
func WithTLSCapabilities(caps string) SieveBackendOption {
	return func(b *SieveBackend) { b.tlsCapabilities = caps }
}

// WithUsers restricts AUTHENTICATE to the given identity/password pairs.
// Without it any credentials are accepted.
func WithUsers(users map[string]string) SieveBackendOption {
	return func(b *SieveBackend) { b.users = users }
}

// NewSieveBackend starts a backend with a self-signed certificate for
// STARTTLS. It is stopped by t.Cleanup.
func NewSieveBackend(t *testing.T, opts ...SieveBackendOption) *SieveBackend {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "listen")

	serverTLS, _ := GenerateTLSConfigs(t)
	b := &SieveBackend{
		listener:        ln,
		greeting:        DefaultGreeting,
		tlsCapabilities: DefaultTLSCapabilities,
		tlsConfig:       serverTLS,
	}
	for _, opt := range opts {
		opt(b)
	}
	go b.serve()
	t.Cleanup(b.Close)
	return b
}

// Addr returns the host:port the backend listens on.
func (b *SieveBackend) Addr() string {
	return b.listener.Addr().String()
}

// Commands returns every command line received, without CRLF.
func (b *SieveBackend) Commands() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.commands...)
}

// Logins returns the decoded credentials of every AUTHENTICATE attempt.
func (b *SieveBackend) Logins() []PlainCredentials {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]PlainCredentials(nil), b.logins...)
}

// Close stops the listener and drops all open connections.
func (b *SieveBackend) Close() {
	b.listener.Close()
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.conns {
		c.Close()
	}
	b.conns = nil
}

func (b *SieveBackend) serve() {
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			return
		}
		b.mu.Lock()
		b.conns = append(b.conns, conn)
		b.mu.Unlock()
		go b.handle(conn)
	}
}

func (b *SieveBackend) handle(conn net.Conn) {
	defer conn.Close()

	caps := b.greeting
	if _, err := io.WriteString(conn, caps); err != nil {
		return
	}

	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		b.mu.Lock()
		b.commands = append(b.commands, line)
		b.mu.Unlock()

		verb, rest, _ := strings.Cut(line, " ")
		var reply string
		switch strings.ToUpper(verb) {
		case "STARTTLS":
			if _, err := io.WriteString(conn, "OK \"Begin TLS negotiation now\"\r\n"); err != nil {
				return
			}
			tlsConn := tls.Server(conn, b.tlsConfig)
			if err := tlsConn.Handshake(); err != nil {
				return
			}
			conn = tlsConn
			r = bufio.NewReader(conn)
			caps = b.tlsCapabilities
			reply = caps
		case "AUTHENTICATE":
			if b.authenticate(rest) {
				reply = "OK \"Logged in\"\r\n"
			} else {
				reply = "NO \"Authentication failed\"\r\n"
			}
		case "CAPABILITY":
			reply = caps
		case "NOOP":
			reply = "OK \"NOOP\"\r\n"
		case "LOGOUT":
			io.WriteString(conn, "OK \"Logout completed\"\r\n")
			return
		default:
			reply = "NO \"Unknown command\"\r\n"
		}
		if _, err := io.WriteString(conn, reply); err != nil {
			return
		}
	}
}

func (b *SieveBackend) authenticate(args string) bool {
	mech, ir, ok := strings.Cut(args, " ")
	if !ok || !strings.EqualFold(strings.Trim(mech, `"`), "PLAIN") {
		return false
	}
	creds, err := decodePlain(strings.Trim(ir, `"`))
	if err != nil {
		return false
	}

	b.mu.Lock()
	b.logins = append(b.logins, creds)
	b.mu.Unlock()

	if b.users == nil {
		return true
	}
	pw, ok := b.users[creds.Authn]
	return ok && pw == creds.Password
}

func decodePlain(b64 string) (PlainCredentials, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return PlainCredentials{}, err
	}
	parts := strings.Split(string(raw), "\x00")
	if len(parts) != 3 {
		return PlainCredentials{}, errors.New("malformed PLAIN response")
	}
	return PlainCredentials{Authz: parts[0], Authn: parts[1], Password: parts[2]}, nil
}
