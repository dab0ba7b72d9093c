// Package bridge connects an upgraded websocket to a ManageSieve backend:
// it dials the backend, upgrades it with STARTTLS, authenticates when the
// account asks for it, forwards the rewritten capabilities and then relays
// bytes in both directions.
package bridge

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/migadu/sievebridge/config"
	"github.com/migadu/sievebridge/logger"
	"github.com/migadu/sievebridge/pkg/metrics"
	"github.com/migadu/sievebridge/server/accounts"
	"github.com/migadu/sievebridge/server/sieve"
	"github.com/migadu/sievebridge/server/websocket"
)

// Options configures every session run by a Bridge.
type Options struct {
	ConnectTimeout time.Duration
	IdleTimeout    time.Duration
}

// Bridge runs sessions between browsers and ManageSieve backends.
type Bridge struct {
	opts Options
}

// New returns a Bridge with the given options.
func New(opts Options) *Bridge {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	return &Bridge{opts: opts}
}

// Session is the state of one websocket to backend pairing.
type Session struct {
	ID      string
	Account *config.AccountConfig
	Creds   accounts.Credentials
	Inject  bool
	log     *slog.Logger
}

// NewSession prepares a session for acct. inject selects whether creds are
// presented to the backend.
func NewSession(acct *config.AccountConfig, creds accounts.Credentials, inject bool) *Session {
	id := uuid.NewString()
	return &Session{
		ID:      id,
		Account: acct,
		Creds:   creds,
		Inject:  inject,
		log:     logger.With("bridge", id, "account", acct.Name, "backend", acct.Address()),
	}
}

// Connect dials the backend and prepares it for the browser. The returned
// client has completed STARTTLS and, if requested, authentication.
func (b *Bridge) Connect(ctx context.Context, s *Session) (*sieve.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, b.opts.ConnectTimeout)
	defer cancel()

	acct := s.Account
	client, err := sieve.Dial(ctx, acct.Address())
	if err != nil {
		metrics.BackendConnections.WithLabelValues("failure").Inc()
		recordSieveError(err)
		return nil, err
	}
	metrics.BackendConnections.WithLabelValues("success").Inc()

	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         acct.GetTLSServerName(),
		InsecureSkipVerify: !acct.GetTLSVerify(),
	}

	if err := client.StartTLS(ctx, tlsConfig); err != nil {
		client.Close()
		recordSieveError(err)
		return nil, fmt.Errorf("STARTTLS with %s: %w", acct.Address(), err)
	}

	if s.Inject {
		if err := client.Authenticate(ctx, s.Creds.Authn, s.Creds.Password, s.Creds.Authz); err != nil {
			client.Close()
			recordSieveError(err)
			return nil, fmt.Errorf("authentication with %s as %q: %w", acct.Address(), s.Creds.Authn, err)
		}
		s.log.Debug("Authenticated to backend", "authn", s.Creds.Authn, "authz", s.Creds.Authz)
	}
	return client, nil
}

// Serve runs the session on an upgraded websocket until it ends. The
// websocket is always closed on return.
func (b *Bridge) Serve(ctx context.Context, ws *websocket.Conn, s *Session) error {
	authType := string(s.Account.GetAuthType())
	log := s.log.With("client", ws.RemoteAddr().String())
	start := time.Now()

	metrics.BridgesCurrent.Inc()
	defer metrics.BridgesCurrent.Dec()

	client, err := b.Connect(ctx, s)
	if err != nil {
		metrics.BridgesTotal.WithLabelValues(authType, "setup_failed").Inc()
		log.Warn("Bridge setup failed", "error", err)
		ws.WriteClose(websocket.CloseInternalError, "backend unavailable")
		ws.Close()
		return err
	}

	if err := ws.WriteText(client.Capabilities()); err != nil {
		metrics.BridgesTotal.WithLabelValues(authType, "setup_failed").Inc()
		client.Close()
		ws.Close()
		return fmt.Errorf("failed to send capabilities: %w", err)
	}
	log.Info("Bridge established", "auth_type", authType, "injected", s.Inject)

	res := Pump(ctx, ws, client, b.opts.IdleTimeout, log)

	metrics.BridgesTotal.WithLabelValues(authType, res.Reason).Inc()
	metrics.BridgeDuration.Observe(time.Since(start).Seconds())
	log.Info("Bridge closed",
		"reason", res.Reason,
		"to_backend", res.ToBackend,
		"to_client", res.ToClient,
		"duration", time.Since(start).Round(time.Millisecond))
	return nil
}

func recordSieveError(err error) {
	var kind string
	switch {
	case errors.Is(err, sieve.ErrPlainUnsupported):
		kind = "plain_unsupported"
	case errors.Is(err, sieve.ErrStartTLSUnsupported):
		kind = "starttls_unsupported"
	case errors.Is(err, sieve.ErrCommandFailed):
		kind = "command_failed"
	case errors.Is(err, sieve.ErrProtocol):
		kind = "protocol"
	default:
		return
	}
	metrics.ProtocolErrors.WithLabelValues("sieve", kind).Inc()
}
