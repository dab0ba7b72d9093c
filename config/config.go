package config

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-ini/ini"
)

// ErrInvalid is wrapped by every validation failure so callers can map it to
// the configuration exit code.
var ErrInvalid = errors.New("invalid configuration")

// AuthType selects who performs SASL against the ManageSieve backend.
type AuthType string

const (
	// AuthTypeClient leaves authentication to the browser.
	AuthTypeClient AuthType = "client"
	// AuthTypeToken authenticates with credentials taken from request headers.
	AuthTypeToken AuthType = "token"
	// AuthTypeAuthorization authenticates with fixed credentials and
	// impersonates an authorization identity.
	AuthTypeAuthorization AuthType = "authorization"
)

// DefaultRemoteUserHeader is the header a fronting web server uses to pass
// the authenticated user name.
const DefaultRemoteUserHeader = "REMOTE_USER"

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output string `toml:"output"` // Log output: "stderr", "stdout", "syslog", or file path
	Format string `toml:"format"` // Log format: "json" or "console"
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", "error"
}

// MetricsConfig holds the Prometheus listener configuration.
type MetricsConfig struct {
	Addr string `toml:"addr"` // Empty disables the metrics listener
	Path string `toml:"path"`
}

// LetsEncryptConfig holds ACME settings for the letsencrypt TLS provider.
type LetsEncryptConfig struct {
	Email    string   `toml:"email"`
	Domains  []string `toml:"domains"`
	CacheDir string   `toml:"cache_dir"`
}

// TLSConfig holds the certificate source of the HTTPS listener.
type TLSConfig struct {
	Provider    string             `toml:"provider"` // "file" or "letsencrypt"
	CertFile    string             `toml:"cert_file"`
	KeyFile     string             `toml:"key_file"`
	LetsEncrypt *LetsEncryptConfig `toml:"letsencrypt"`
}

// ServerConfig holds the HTTPS front end configuration.
type ServerConfig struct {
	Address               string `toml:"address"`
	Port                  int    `toml:"port"`
	HTTPRoot              string `toml:"http_root"`
	Workers               int    `toml:"workers"`                 // Maximum concurrently served connections
	TLSHandshakeTimeout   string `toml:"tls_handshake_timeout"`   // e.g. "10s"
	HeaderReadTimeout     string `toml:"header_read_timeout"`     // e.g. "10s"
	BridgeIdleTimeout     string `toml:"bridge_idle_timeout"`     // e.g. "15m"
	BackendConnectTimeout string `toml:"backend_connect_timeout"` // e.g. "10s"
	MaxFrameSize          int64  `toml:"max_frame_size"`          // Largest accepted WebSocket message in bytes
	Debug                 bool   `toml:"debug"`                   // Include stack traces in 500 responses
}

// AccountConfig describes one ManageSieve backend reachable through the bridge.
type AccountConfig struct {
	Name                    string   `toml:"-"`
	DisplayName             string   `toml:"display_name"`
	SieveHost               string   `toml:"sieve_host"`
	SievePort               int      `toml:"sieve_port"`
	SieveTLSVerify          *bool    `toml:"sieve_tls_verify"`      // Verify the backend certificate (default: true)
	SieveTLSServerName      string   `toml:"sieve_tls_server_name"` // Defaults to SieveHost
	ClientHost              string   `toml:"client_host"`           // Host shown to the browser (default: SieveHost)
	ClientPort              int      `toml:"client_port"`           // Port shown to the browser (default: SievePort)
	AuthType                AuthType `toml:"auth_type"`
	AuthUser                string   `toml:"auth_user"`
	AuthPassword            string   `toml:"auth_password"`
	AuthUserHeader          string   `toml:"auth_user_header"`
	AuthPasswordHeader      string   `toml:"auth_password_header"`
	AuthAuthorization       string   `toml:"auth_authorization"`        // Static authorization identity
	AuthAuthorizationHeader string   `toml:"auth_authorization_header"` // Header carrying the authorization identity; unset means none is read
	AuthClientAuthorization bool     `toml:"auth_client_authorization"`
}

// Config holds all configuration for the application.
type Config struct {
	Server   ServerConfig    `toml:"server"`
	Logging  LoggingConfig   `toml:"logging"`
	Metrics  MetricsConfig   `toml:"metrics"`
	TLS      TLSConfig       `toml:"tls"`
	Accounts []AccountConfig `toml:"-"`
}

// NewDefaultConfig creates a Config struct with default values.
func NewDefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:               "127.0.0.1",
			Port:                  8443,
			HTTPRoot:              "./static",
			Workers:               16,
			TLSHandshakeTimeout:   "10s",
			HeaderReadTimeout:     "10s",
			BridgeIdleTimeout:     "15m",
			BackendConnectTimeout: "10s",
			MaxFrameSize:          16 * 1024 * 1024,
		},
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Metrics: MetricsConfig{
			Path: "/metrics",
		},
		TLS: TLSConfig{
			Provider: "file",
		},
	}
}

// AccountID derives the stable public id of an account from its name.
func AccountID(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:])
}

// ID returns the hex encoded SHA-256 digest of the account name.
func (a *AccountConfig) ID() string {
	return AccountID(a.Name)
}

// GetDisplayName returns the configured display name or the account name.
func (a *AccountConfig) GetDisplayName() string {
	if a.DisplayName != "" {
		return a.DisplayName
	}
	return a.Name
}

// GetSievePort returns the backend port, defaulting to the ManageSieve port.
func (a *AccountConfig) GetSievePort() int {
	if a.SievePort == 0 {
		return 4190
	}
	return a.SievePort
}

// GetClientHost returns the host advertised to the browser.
func (a *AccountConfig) GetClientHost() string {
	if a.ClientHost != "" {
		return a.ClientHost
	}
	return a.SieveHost
}

// GetClientPort returns the port advertised to the browser.
func (a *AccountConfig) GetClientPort() int {
	if a.ClientPort != 0 {
		return a.ClientPort
	}
	return a.GetSievePort()
}

// GetAuthType returns the authorization mode, defaulting to client.
func (a *AccountConfig) GetAuthType() AuthType {
	if a.AuthType == "" {
		return AuthTypeClient
	}
	return AuthType(strings.ToLower(string(a.AuthType)))
}

// GetTLSVerify reports whether the backend certificate must be verified.
func (a *AccountConfig) GetTLSVerify() bool {
	if a.SieveTLSVerify == nil {
		return true
	}
	return *a.SieveTLSVerify
}

// GetTLSServerName returns the name the backend certificate is checked against.
func (a *AccountConfig) GetTLSServerName() string {
	if a.SieveTLSServerName != "" {
		return a.SieveTLSServerName
	}
	return a.SieveHost
}

// GetUserHeader returns the header consulted for the user name in client mode.
func (a *AccountConfig) GetUserHeader() string {
	if a.AuthUserHeader != "" {
		return a.AuthUserHeader
	}
	return DefaultRemoteUserHeader
}

// Address returns the backend host:port.
func (a *AccountConfig) Address() string {
	return net.JoinHostPort(a.SieveHost, strconv.Itoa(a.GetSievePort()))
}

// Validate checks a single account section.
func (a *AccountConfig) Validate() error {
	if a.Name == "" {
		return fmt.Errorf("%w: account without name", ErrInvalid)
	}
	if a.SieveHost == "" {
		return fmt.Errorf("%w: account %q: SieveHost is required", ErrInvalid, a.Name)
	}
	if p := a.GetSievePort(); p < 1 || p > 65535 {
		return fmt.Errorf("%w: account %q: SievePort %d out of range", ErrInvalid, a.Name, p)
	}

	switch a.GetAuthType() {
	case AuthTypeClient:
	case AuthTypeToken:
		if a.AuthUserHeader == "" || a.AuthPasswordHeader == "" {
			return fmt.Errorf("%w: account %q: token mode requires AuthUserHeader and AuthPasswordHeader", ErrInvalid, a.Name)
		}
	case AuthTypeAuthorization:
		if a.AuthUser == "" || a.AuthPassword == "" {
			return fmt.Errorf("%w: account %q: authorization mode requires AuthUser and AuthPassword", ErrInvalid, a.Name)
		}
	default:
		return fmt.Errorf("%w: account %q: unknown AuthType %q (must be client, token or authorization)", ErrInvalid, a.Name, a.AuthType)
	}
	return nil
}

// GetListenAddr returns the host:port of the HTTPS listener.
func (s *ServerConfig) GetListenAddr() string {
	return net.JoinHostPort(s.Address, strconv.Itoa(s.Port))
}

// GetWorkers returns the connection worker bound.
func (s *ServerConfig) GetWorkers() int {
	if s.Workers <= 0 {
		return 16
	}
	return s.Workers
}

// GetTLSHandshakeTimeout parses the TLS handshake timeout.
func (s *ServerConfig) GetTLSHandshakeTimeout() (time.Duration, error) {
	if s.TLSHandshakeTimeout == "" {
		return 10 * time.Second, nil
	}
	return time.ParseDuration(s.TLSHandshakeTimeout)
}

// GetHeaderReadTimeout parses the HTTP header read timeout.
func (s *ServerConfig) GetHeaderReadTimeout() (time.Duration, error) {
	if s.HeaderReadTimeout == "" {
		return 10 * time.Second, nil
	}
	return time.ParseDuration(s.HeaderReadTimeout)
}

// GetBridgeIdleTimeout parses the bridge idle timeout.
func (s *ServerConfig) GetBridgeIdleTimeout() (time.Duration, error) {
	if s.BridgeIdleTimeout == "" {
		return 15 * time.Minute, nil
	}
	return time.ParseDuration(s.BridgeIdleTimeout)
}

// GetBackendConnectTimeout parses the backend dial timeout.
func (s *ServerConfig) GetBackendConnectTimeout() (time.Duration, error) {
	if s.BackendConnectTimeout == "" {
		return 10 * time.Second, nil
	}
	return time.ParseDuration(s.BackendConnectTimeout)
}

// GetMaxFrameSize returns the largest accepted WebSocket message.
func (s *ServerConfig) GetMaxFrameSize() int64 {
	if s.MaxFrameSize <= 0 {
		return 16 * 1024 * 1024
	}
	return s.MaxFrameSize
}

// GetPath returns the metrics endpoint path.
func (m *MetricsConfig) GetPath() string {
	if m.Path == "" {
		return "/metrics"
	}
	return m.Path
}

// Validate checks the whole configuration and every account.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: ServerPort %d out of range", ErrInvalid, c.Server.Port)
	}
	if c.Server.HTTPRoot == "" {
		return fmt.Errorf("%w: HttpRoot is required", ErrInvalid)
	}

	durations := map[string]func() (time.Duration, error){
		"TLSHandshakeTimeout":   c.Server.GetTLSHandshakeTimeout,
		"HeaderReadTimeout":     c.Server.GetHeaderReadTimeout,
		"BridgeIdleTimeout":     c.Server.GetBridgeIdleTimeout,
		"BackendConnectTimeout": c.Server.GetBackendConnectTimeout,
	}
	for name, get := range durations {
		if _, err := get(); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, name, err)
		}
	}

	switch c.TLS.Provider {
	case "", "file":
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("%w: ServerCertFile and ServerKeyFile are required", ErrInvalid)
		}
	case "letsencrypt":
		if c.TLS.LetsEncrypt == nil || len(c.TLS.LetsEncrypt.Domains) == 0 {
			return fmt.Errorf("%w: LetsEncryptDomains is required for the letsencrypt provider", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown TLSProvider %q (must be 'file' or 'letsencrypt')", ErrInvalid, c.TLS.Provider)
	}

	ids := make(map[string]string, len(c.Accounts))
	for i := range c.Accounts {
		acct := &c.Accounts[i]
		if err := acct.Validate(); err != nil {
			return err
		}
		id := acct.ID()
		if other, exists := ids[id]; exists {
			return fmt.Errorf("%w: accounts %q and %q share id %s", ErrInvalid, other, acct.Name, id)
		}
		ids[id] = acct.Name
	}
	return nil
}

// LoadConfigFromFile loads cfg from an INI file, or from TOML when the file
// name ends in ".toml". Values not present in the file keep their defaults.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	if _, err := os.Stat(configPath); err != nil {
		return err
	}

	var err error
	if strings.EqualFold(filepath.Ext(configPath), ".toml") {
		err = loadTOML(configPath, cfg)
	} else {
		err = loadINI(configPath, cfg)
	}
	if err != nil {
		return err
	}
	return cfg.Validate()
}

func loadINI(configPath string, cfg *Config) error {
	file, err := ini.LoadSources(ini.LoadOptions{InsensitiveKeys: true}, configPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	def := file.Section(ini.DefaultSection)
	srv := &cfg.Server
	srv.Address = def.Key("ServerAddress").MustString(srv.Address)
	srv.Port = def.Key("ServerPort").MustInt(srv.Port)
	srv.HTTPRoot = def.Key("HttpRoot").MustString(srv.HTTPRoot)
	srv.Workers = def.Key("Workers").MustInt(srv.Workers)
	srv.TLSHandshakeTimeout = def.Key("TLSHandshakeTimeout").MustString(srv.TLSHandshakeTimeout)
	srv.HeaderReadTimeout = def.Key("HeaderReadTimeout").MustString(srv.HeaderReadTimeout)
	srv.BridgeIdleTimeout = def.Key("BridgeIdleTimeout").MustString(srv.BridgeIdleTimeout)
	srv.BackendConnectTimeout = def.Key("BackendConnectTimeout").MustString(srv.BackendConnectTimeout)
	srv.MaxFrameSize = def.Key("MaxFrameSize").MustInt64(srv.MaxFrameSize)
	srv.Debug = def.Key("Debug").MustBool(srv.Debug)

	cfg.TLS.Provider = def.Key("TLSProvider").MustString(cfg.TLS.Provider)
	cfg.TLS.CertFile = def.Key("ServerCertFile").MustString(cfg.TLS.CertFile)
	cfg.TLS.KeyFile = def.Key("ServerKeyFile").MustString(cfg.TLS.KeyFile)
	if def.HasKey("LetsEncryptDomains") {
		cfg.TLS.LetsEncrypt = &LetsEncryptConfig{
			Email:    def.Key("LetsEncryptEmail").String(),
			Domains:  def.Key("LetsEncryptDomains").Strings(","),
			CacheDir: def.Key("LetsEncryptCacheDir").String(),
		}
	}

	cfg.Logging.Output = def.Key("LogOutput").MustString(cfg.Logging.Output)
	cfg.Logging.Format = def.Key("LogFormat").MustString(cfg.Logging.Format)
	cfg.Logging.Level = def.Key("LogLevel").MustString(cfg.Logging.Level)

	cfg.Metrics.Addr = def.Key("MetricsAddress").MustString(cfg.Metrics.Addr)
	cfg.Metrics.Path = def.Key("MetricsPath").MustString(cfg.Metrics.Path)

	cfg.Accounts = cfg.Accounts[:0]
	for _, sec := range file.Sections() {
		if sec.Name() == ini.DefaultSection {
			continue
		}
		acct := AccountConfig{
			Name:                    sec.Name(),
			DisplayName:             sec.Key("DisplayName").String(),
			SieveHost:               sec.Key("SieveHost").String(),
			SievePort:               sec.Key("SievePort").MustInt(0),
			SieveTLSServerName:      sec.Key("SieveTLSServerName").String(),
			ClientHost:              sec.Key("ClientHost").String(),
			ClientPort:              sec.Key("ClientPort").MustInt(0),
			AuthType:                AuthType(strings.ToLower(sec.Key("AuthType").MustString(string(AuthTypeClient)))),
			AuthUser:                sec.Key("AuthUser").String(),
			AuthPassword:            sec.Key("AuthPassword").String(),
			AuthUserHeader:          sec.Key("AuthUserHeader").String(),
			AuthPasswordHeader:      sec.Key("AuthPasswordHeader").String(),
			AuthAuthorization:       sec.Key("AuthAuthorization").String(),
			AuthAuthorizationHeader: sec.Key("AuthAuthorizationHeader").String(),
			AuthClientAuthorization: sec.Key("AuthClientAuthorization").MustBool(false),
		}
		if sec.HasKey("SieveTLSVerify") {
			verify := sec.Key("SieveTLSVerify").MustBool(true)
			acct.SieveTLSVerify = &verify
		}
		cfg.Accounts = append(cfg.Accounts, acct)
	}
	return nil
}

// tomlFile mirrors Config with the accounts table that TOML allows.
type tomlFile struct {
	Server   ServerConfig             `toml:"server"`
	Logging  LoggingConfig            `toml:"logging"`
	Metrics  MetricsConfig            `toml:"metrics"`
	TLS      TLSConfig                `toml:"tls"`
	Accounts map[string]AccountConfig `toml:"accounts"`
}

func loadTOML(configPath string, cfg *Config) error {
	raw := tomlFile{
		Server:  cfg.Server,
		Logging: cfg.Logging,
		Metrics: cfg.Metrics,
		TLS:     cfg.TLS,
	}
	metadata, err := toml.DecodeFile(configPath, &raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	if undecoded := metadata.Undecoded(); len(undecoded) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range undecoded {
			log.Printf("WARNING:   - %s", key)
		}
	}

	cfg.Server = raw.Server
	cfg.Logging = raw.Logging
	cfg.Metrics = raw.Metrics
	cfg.TLS = raw.TLS

	// Keep the account order of the file; map iteration would shuffle it.
	cfg.Accounts = cfg.Accounts[:0]
	seen := make(map[string]bool, len(raw.Accounts))
	for _, key := range metadata.Keys() {
		if len(key) != 2 || key[0] != "accounts" || seen[key[1]] {
			continue
		}
		name := key[1]
		seen[name] = true
		acct := raw.Accounts[name]
		acct.Name = name
		acct.AuthType = AuthType(strings.ToLower(string(acct.AuthType)))
		cfg.Accounts = append(cfg.Accounts, acct)
	}
	return nil
}

// AccountByID returns the account whose id equals id.
func (c *Config) AccountByID(id string) (*AccountConfig, bool) {
	for i := range c.Accounts {
		if c.Accounts[i].ID() == id {
			return &c.Accounts[i], true
		}
	}
	return nil, false
}
