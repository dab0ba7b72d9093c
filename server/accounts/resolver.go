// Package accounts maps requests to configured ManageSieve accounts and
// decides which credentials, if any, the bridge presents on the browser's
// behalf.
package accounts

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/migadu/sievebridge/config"
)

var (
	// ErrUnknownAccount is returned for an id that matches no account.
	ErrUnknownAccount = errors.New("unknown account")
	// ErrNoIdentity is returned when a request lacks the identity an
	// account needs.
	ErrNoIdentity = errors.New("no authentication identity in request")
)

// Credentials are the SASL PLAIN parameters the bridge sends to the backend.
type Credentials struct {
	Authn    string
	Password string
	Authz    string
}

// Entry describes one account in the /config.json catalogue.
type Entry struct {
	DisplayName  string `json:"displayname"`
	Username     string `json:"username"`
	Authenticate bool   `json:"authenticate"`
	Authorize    bool   `json:"authorize"`
	Endpoint     string `json:"endpoint"`
	Hostname     string `json:"hostname"`
	Port         int    `json:"port"`
}

// Resolver looks accounts up by their public id. It is read-only after
// construction and safe for concurrent use.
type Resolver struct {
	cfg      *config.Config
	accounts []*config.AccountConfig
}

// NewResolver serves the accounts of cfg in configured order.
func NewResolver(cfg *config.Config) *Resolver {
	r := &Resolver{cfg: cfg}
	for i := range cfg.Accounts {
		r.accounts = append(r.accounts, &cfg.Accounts[i])
	}
	return r
}

// ByID returns the account whose id is the SHA-256 hex digest of its name.
func (r *Resolver) ByID(id string) (*config.AccountConfig, error) {
	acct, ok := r.cfg.AccountByID(id)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAccount, id)
	}
	return acct, nil
}

// Accounts returns all accounts in configured order.
func (r *Resolver) Accounts() []*config.AccountConfig {
	return r.accounts
}

// Len returns the number of accounts.
func (r *Resolver) Len() int {
	return len(r.accounts)
}

// ResolveCredentials returns the PLAIN credentials for acct. inject is
// false for client mode, where the browser authenticates itself.
func ResolveCredentials(acct *config.AccountConfig, req *http.Request) (creds Credentials, inject bool, err error) {
	switch acct.GetAuthType() {
	case config.AuthTypeToken:
		creds.Authn = req.Header.Get(acct.AuthUserHeader)
		creds.Password = req.Header.Get(acct.AuthPasswordHeader)
		if creds.Authn == "" || creds.Password == "" {
			return Credentials{}, false, fmt.Errorf("%w: headers %s and %s are required", ErrNoIdentity, acct.AuthUserHeader, acct.AuthPasswordHeader)
		}
		return creds, true, nil
	case config.AuthTypeAuthorization:
		creds.Authn = acct.AuthUser
		creds.Password = acct.AuthPassword
		creds.Authz = authorizationIdentity(acct, req)
		if creds.Authn == "" {
			return Credentials{}, false, fmt.Errorf("%w: account %q has no AuthUser", ErrNoIdentity, acct.Name)
		}
		return creds, true, nil
	default:
		return Credentials{}, false, nil
	}
}

// authorizationIdentity reads the authz id from the request only when the
// account names a header for it.
func authorizationIdentity(acct *config.AccountConfig, req *http.Request) string {
	if acct.AuthAuthorizationHeader != "" {
		if v := req.Header.Get(acct.AuthAuthorizationHeader); v != "" {
			return v
		}
	}
	return acct.AuthAuthorization
}

// Username returns the identity shown to the browser for acct.
func Username(acct *config.AccountConfig, req *http.Request) (string, error) {
	switch acct.GetAuthType() {
	case config.AuthTypeToken:
		user := req.Header.Get(acct.AuthUserHeader)
		if user == "" {
			return "", fmt.Errorf("%w: header %s is required", ErrNoIdentity, acct.AuthUserHeader)
		}
		return user, nil
	case config.AuthTypeAuthorization:
		if authz := authorizationIdentity(acct, req); authz != "" {
			return authz, nil
		}
		return acct.AuthUser, nil
	default:
		// The browser prompts for a missing name.
		if acct.AuthUser != "" {
			return acct.AuthUser, nil
		}
		return req.Header.Get(acct.GetUserHeader()), nil
	}
}

// Catalog lists the accounts usable by req. Accounts whose identity cannot
// be resolved for this request are left out.
func (r *Resolver) Catalog(req *http.Request) []Entry {
	entries := make([]Entry, 0, len(r.accounts))
	for _, acct := range r.accounts {
		user, err := Username(acct, req)
		if err != nil {
			continue
		}
		client := acct.GetAuthType() == config.AuthTypeClient
		entries = append(entries, Entry{
			DisplayName:  acct.GetDisplayName(),
			Username:     user,
			Authenticate: client,
			Authorize:    client && acct.AuthClientAuthorization,
			Endpoint:     "websocket/" + acct.ID(),
			Hostname:     acct.GetClientHost(),
			Port:         acct.GetClientPort(),
		})
	}
	return entries
}
