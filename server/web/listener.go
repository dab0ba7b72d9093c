package web

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/migadu/sievebridge/logger"
	"github.com/migadu/sievebridge/pkg/metrics"
)

// handshakeListener accepts TCP connections and completes their TLS
// handshake in a goroutine per connection, so a slow client cannot stall
// the accept loop. Accept only returns established TLS connections.
type handshakeListener struct {
	inner   net.Listener
	config  *tls.Config
	timeout time.Duration

	conns     chan net.Conn
	errc      chan error
	done      chan struct{}
	closeOnce sync.Once
}

func newHandshakeListener(inner net.Listener, config *tls.Config, timeout time.Duration) *handshakeListener {
	l := &handshakeListener{
		inner:   inner,
		config:  config,
		timeout: timeout,
		conns:   make(chan net.Conn),
		errc:    make(chan error, 1),
		done:    make(chan struct{}),
	}
	go l.acceptLoop()
	return l
}

func (l *handshakeListener) acceptLoop() {
	for {
		conn, err := l.inner.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				select {
				case l.errc <- err:
				default:
				}
				return
			}
			logger.Warn("HTTP: Accept failed", "error", err)
			select {
			case <-l.done:
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		go l.handshake(conn)
	}
}

func (l *handshakeListener) handshake(conn net.Conn) {
	tlsConn := tls.Server(conn, l.config)

	ctx := context.Background()
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
		tlsConn.SetDeadline(time.Now().Add(l.timeout))
	}

	if err := tlsConn.HandshakeContext(ctx); err != nil {
		recordHandshakeFailure(conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	tlsConn.SetDeadline(time.Time{})

	select {
	case l.conns <- tlsConn:
	case <-l.done:
		tlsConn.Close()
	}
}

func recordHandshakeFailure(remote net.Addr, err error) {
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		metrics.TLSHandshakeFailures.WithLabelValues("timeout").Inc()
		metrics.TimeoutsTotal.WithLabelValues("tls_handshake").Inc()
		logger.Info("TLS: Handshake timed out", "remote", remote.String())
	case strings.Contains(err.Error(), "sslv3 alert"):
		// Clients probing or rejecting our certificate; routine noise.
		metrics.TLSHandshakeFailures.WithLabelValues("alert").Inc()
		logger.Debug("TLS: Handshake aborted by client", "remote", remote.String(), "error", err)
	default:
		metrics.TLSHandshakeFailures.WithLabelValues("other").Inc()
		logger.Info("TLS: Handshake failed", "remote", remote.String(), "error", err)
	}
}

func (l *handshakeListener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case err := <-l.errc:
		return nil, err
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *handshakeListener) Close() error {
	err := net.ErrClosed
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.inner.Close()
	})
	return err
}

func (l *handshakeListener) Addr() net.Addr {
	return l.inner.Addr()
}
