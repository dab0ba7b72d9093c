package tlsmanager

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/migadu/sievebridge/config"
	"github.com/migadu/sievebridge/logger"
	"golang.org/x/crypto/acme"
	"golang.org/x/crypto/acme/autocert"
)

// ErrMissingServerName is returned when a TLS handshake is attempted without SNI
var ErrMissingServerName = errors.New("missing server name")

// ErrHostNotAllowed is returned when a TLS handshake is attempted for a domain not in the allowlist
var ErrHostNotAllowed = errors.New("host not allowed")

// ErrCertificateUnavailable is returned when a certificate cannot be retrieved (cache miss + ACME failure).
// It is usually transient and must not bring the listener down.
var ErrCertificateUnavailable = errors.New("certificate unavailable")

// DefaultCacheDir holds ACME account keys and certificates when
// LetsEncryptCacheDir is not set.
const DefaultCacheDir = "./acme-cache"

const letsEncryptDirectory = "https://acme-v02.api.letsencrypt.org/directory"

// Manager provides the server certificate of the HTTPS listener, either
// from files or from Let's Encrypt.
type Manager struct {
	config       config.TLSConfig
	autocertMgr  *autocert.Manager
	tlsConfig    *tls.Config
	rateLimitMap map[string]time.Time // Rate-limited domains and their retry-after times
	rateLimitMu  sync.RWMutex
}

// New creates a TLS manager based on the provided configuration.
func New(cfg config.TLSConfig) (*Manager, error) {
	m := &Manager{
		config:       cfg,
		rateLimitMap: make(map[string]time.Time),
	}

	switch cfg.Provider {
	case "", "file":
		if err := m.initFileProvider(); err != nil {
			return nil, fmt.Errorf("failed to initialize file provider: %w", err)
		}
	case "letsencrypt":
		if err := m.initLetsEncryptProvider(); err != nil {
			return nil, fmt.Errorf("failed to initialize Let's Encrypt provider: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown TLS provider: %s (must be 'file' or 'letsencrypt')", cfg.Provider)
	}

	logger.Info("TLS manager initialized", "provider", m.provider())
	return m, nil
}

func (m *Manager) provider() string {
	if m.config.Provider == "" {
		return "file"
	}
	return m.config.Provider
}

// initFileProvider initializes TLS with certificate files
func (m *Manager) initFileProvider() error {
	if m.config.CertFile == "" || m.config.KeyFile == "" {
		return fmt.Errorf("ServerCertFile and ServerKeyFile are required for provider='file'")
	}

	cert, err := tls.LoadX509KeyPair(m.config.CertFile, m.config.KeyFile)
	if err != nil {
		return fmt.Errorf("failed to load certificate: %w", err)
	}

	m.tlsConfig = &tls.Config{
		Certificates:  []tls.Certificate{cert},
		MinVersion:    tls.VersionTLS12,
		NextProtos:    []string{"http/1.1"},
		Renegotiation: tls.RenegotiateNever,
	}

	logger.Info("Loaded TLS certificate from files", "cert", m.config.CertFile, "key", m.config.KeyFile)
	return nil
}

// initLetsEncryptProvider initializes autocert with a directory cache. The
// TLS-ALPN-01 challenge is answered on the HTTPS listener itself.
func (m *Manager) initLetsEncryptProvider() error {
	if m.config.LetsEncrypt == nil {
		return fmt.Errorf("letsencrypt configuration is required for provider='letsencrypt'")
	}

	leCfg := m.config.LetsEncrypt
	if len(leCfg.Domains) == 0 {
		return fmt.Errorf("LetsEncryptDomains is required and must not be empty")
	}

	cacheDir := leCfg.CacheDir
	if cacheDir == "" {
		cacheDir = DefaultCacheDir
	}

	m.autocertMgr = &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		Email:      leCfg.Email,
		HostPolicy: autocert.HostWhitelist(leCfg.Domains...),
		Cache:      autocert.DirCache(cacheDir),
		Client: &acme.Client{
			DirectoryURL: letsEncryptDirectory,
		},
	}

	// Browsers usually send SNI; fall back to the first domain when they don't.
	defaultDomain := leCfg.Domains[0]

	m.tlsConfig = &tls.Config{
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			return m.getCertificate(hello, defaultDomain)
		},
		MinVersion:    tls.VersionTLS12,
		NextProtos:    []string{"http/1.1", acme.ALPNProto},
		Renegotiation: tls.RenegotiateNever,
	}

	logger.Info("Let's Encrypt autocert initialized", "domains", leCfg.Domains, "cache_dir", cacheDir, "default_domain", defaultDomain)
	return nil
}

func (m *Manager) getCertificate(hello *tls.ClientHelloInfo, defaultDomain string) (*tls.Certificate, error) {
	serverName := hello.ServerName
	if serverName == "" {
		if defaultDomain == "" {
			logger.Debug("TLS: Rejected certificate request - missing SNI and no default domain")
			return nil, ErrMissingServerName
		}
		logger.Debug("TLS: Missing SNI - using default domain", "domain", defaultDomain)
		serverName = defaultDomain
	}

	// RFC 4343: DNS names are case-insensitive
	serverName = strings.ToLower(serverName)

	if err := m.autocertMgr.HostPolicy(context.Background(), serverName); err != nil {
		logger.Info("TLS: Rejected certificate request for unconfigured domain", "domain", serverName, "error", err)
		return nil, fmt.Errorf("%w: %s", ErrHostNotAllowed, serverName)
	}

	// Cached certificates are served even while rate limited; the limit
	// only applies to new orders.
	_, cacheErr := m.autocertMgr.Cache.Get(context.Background(), serverName)
	switch {
	case cacheErr == nil:
		logger.Debug("TLS: Serving certificate from cache", "domain", serverName)
	case errors.Is(cacheErr, autocert.ErrCacheMiss):
		if limited, retryAfter := m.isRateLimited(serverName); limited {
			logger.Warn("TLS: Domain is rate-limited, cannot request new certificate",
				"domain", serverName, "retry_after", retryAfter)
			return nil, fmt.Errorf("%w for %s: rate limited until %v", ErrCertificateUnavailable, serverName, retryAfter)
		}
		logger.Info("TLS: Certificate not in cache - requesting new certificate from Let's Encrypt", "domain", serverName)
	default:
		logger.Info("TLS: Cache check failed - attempting certificate retrieval", "domain", serverName, "error", cacheErr)
	}

	modifiedHello := *hello
	modifiedHello.ServerName = serverName

	cert, err := m.autocertMgr.GetCertificate(&modifiedHello)
	if err != nil {
		if retryAfter, ok := parseRateLimit(err); ok {
			m.markRateLimited(serverName, retryAfter)
		}
		logger.Warn("TLS: Failed to get certificate", "server_name", serverName, "error", err)
		return nil, fmt.Errorf("%w for %s: %v", ErrCertificateUnavailable, serverName, err)
	}

	m.clearRateLimit(serverName)
	return cert, nil
}

// parseRateLimit recognizes a Let's Encrypt 429 and extracts its retry-after
// time, e.g. "retry after 2026-01-25 12:42:05 UTC: see https://...".
func parseRateLimit(err error) (time.Time, bool) {
	errStr := err.Error()
	if !strings.Contains(errStr, "429") || !strings.Contains(errStr, "rateLimited") {
		return time.Time{}, false
	}

	retryAfter := time.Now().Add(24 * time.Hour)
	if _, rest, found := strings.Cut(errStr, "retry after "); found {
		timeStr, _, _ := strings.Cut(rest, ": ")
		if parsed, perr := time.Parse("2006-01-02 15:04:05 MST", strings.TrimSpace(timeStr)); perr == nil {
			retryAfter = parsed
		}
	}
	return retryAfter, true
}

// GetTLSConfig returns the TLS configuration for the HTTPS listener
func (m *Manager) GetTLSConfig() *tls.Config {
	return m.tlsConfig
}

// isRateLimited checks if a domain is currently rate-limited by Let's Encrypt
func (m *Manager) isRateLimited(domain string) (bool, time.Time) {
	m.rateLimitMu.RLock()
	defer m.rateLimitMu.RUnlock()

	retryAfter, exists := m.rateLimitMap[domain]
	if !exists || time.Now().After(retryAfter) {
		return false, time.Time{}
	}
	return true, retryAfter
}

// markRateLimited records that a domain is rate-limited until the specified time
func (m *Manager) markRateLimited(domain string, retryAfter time.Time) {
	m.rateLimitMu.Lock()
	defer m.rateLimitMu.Unlock()

	m.rateLimitMap[domain] = retryAfter
	logger.Warn("TLS: Domain marked as rate-limited", "domain", domain, "retry_after", retryAfter)
}

// clearRateLimit removes a domain from the rate limit map
func (m *Manager) clearRateLimit(domain string) {
	m.rateLimitMu.Lock()
	defer m.rateLimitMu.Unlock()

	delete(m.rateLimitMap, domain)
}
