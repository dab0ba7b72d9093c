package tlsmanager

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/migadu/sievebridge/config"
	"github.com/migadu/sievebridge/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/acme/autocert"
)

func TestNewTLSManagerFileProvider(t *testing.T) {
	certFile, keyFile := testutils.WriteCertificateFiles(t, t.TempDir())

	m, err := New(config.TLSConfig{Provider: "file", CertFile: certFile, KeyFile: keyFile})
	require.NoError(t, err)

	tlsCfg := m.GetTLSConfig()
	require.Len(t, tlsCfg.Certificates, 1)
	assert.Equal(t, []string{"http/1.1"}, tlsCfg.NextProtos)
	assert.Equal(t, uint16(tls.VersionTLS12), tlsCfg.MinVersion)
}

func TestNewTLSManagerFileProviderErrors(t *testing.T) {
	_, err := New(config.TLSConfig{Provider: "file"})
	require.Error(t, err)
	assert.Equal(t, "failed to initialize file provider: ServerCertFile and ServerKeyFile are required for provider='file'", err.Error())

	_, err = New(config.TLSConfig{CertFile: "/nonexistent/cert.pem", KeyFile: "/nonexistent/key.pem"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load certificate")
}

func TestNewTLSManagerUnknownProvider(t *testing.T) {
	_, err := New(config.TLSConfig{Provider: "unknown"})
	require.Error(t, err)
	assert.Equal(t, "unknown TLS provider: unknown (must be 'file' or 'letsencrypt')", err.Error())
}

func TestNewTLSManagerLetsEncryptMissingConfig(t *testing.T) {
	_, err := New(config.TLSConfig{Provider: "letsencrypt"})
	require.Error(t, err)
	assert.Equal(t, "failed to initialize Let's Encrypt provider: letsencrypt configuration is required for provider='letsencrypt'", err.Error())

	_, err = New(config.TLSConfig{Provider: "letsencrypt", LetsEncrypt: &config.LetsEncryptConfig{}})
	require.Error(t, err)
}

func newLetsEncryptManager(t *testing.T) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	m, err := New(config.TLSConfig{
		Provider: "letsencrypt",
		LetsEncrypt: &config.LetsEncryptConfig{
			Email:    "admin@example.com",
			Domains:  []string{"bridge.example.com"},
			CacheDir: dir,
		},
	})
	require.NoError(t, err)
	return m, dir
}

// ecdsaHello is a ClientHello that autocert answers with an ECDSA certificate.
func ecdsaHello(serverName string) *tls.ClientHelloInfo {
	return &tls.ClientHelloInfo{
		ServerName:   serverName,
		CipherSuites: []uint16{tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256},
	}
}

func TestLetsEncryptRejectsUnconfiguredDomain(t *testing.T) {
	m, _ := newLetsEncryptManager(t)

	_, err := m.GetTLSConfig().GetCertificate(ecdsaHello("other.example.com"))
	assert.ErrorIs(t, err, ErrHostNotAllowed)
}

func TestLetsEncryptRateLimitedWithoutCachedCertificate(t *testing.T) {
	m, _ := newLetsEncryptManager(t)
	m.markRateLimited("bridge.example.com", time.Now().Add(time.Hour))

	// Missing SNI resolves to the first configured domain.
	_, err := m.GetTLSConfig().GetCertificate(ecdsaHello(""))
	assert.ErrorIs(t, err, ErrCertificateUnavailable)
	assert.Contains(t, err.Error(), "rate limited")
}

func TestLetsEncryptServesCachedCertificate(t *testing.T) {
	m, dir := newLetsEncryptManager(t)

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(42),
		Subject:      pkix.Name{CommonName: "bridge.example.com"},
		DNSNames:     []string{"bridge.example.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(90 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(priv)
	require.NoError(t, err)

	data := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	data = append(data, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})...)
	require.NoError(t, autocert.DirCache(dir).Put(context.Background(), "bridge.example.com", data))

	// A stale rate limit does not block certificates already in the cache.
	m.markRateLimited("bridge.example.com", time.Now().Add(time.Hour))

	cert, err := m.GetTLSConfig().GetCertificate(ecdsaHello("Bridge.Example.com"))
	require.NoError(t, err)
	require.NotEmpty(t, cert.Certificate)
	assert.Equal(t, certDER, cert.Certificate[0])

	limited, _ := m.isRateLimited("bridge.example.com")
	assert.False(t, limited)
}

func TestParseRateLimit(t *testing.T) {
	_, ok := parseRateLimit(errors.New("connection refused"))
	assert.False(t, ok)

	retryAfter, ok := parseRateLimit(errors.New(`429 urn:ietf:params:acme:error:rateLimited: too many certificates, retry after 2026-01-25 12:42:05 UTC: see https://letsencrypt.org/docs/rate-limits/`))
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 1, 25, 12, 42, 5, 0, time.UTC), retryAfter.UTC())

	retryAfter, ok = parseRateLimit(errors.New("429 rateLimited"))
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), retryAfter, time.Minute)
}
