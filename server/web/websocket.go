package web

import (
	"errors"
	"net/http"
	"strings"

	"github.com/migadu/sievebridge/server/accounts"
	"github.com/migadu/sievebridge/server/bridge"
	"github.com/migadu/sievebridge/server/websocket"
)

// WebSocketPrefix precedes the account id in bridge URLs.
const WebSocketPrefix = "/websocket/"

// WebSocketHandler upgrades /websocket/<id> requests and bridges them to the
// account's backend. The request blocks until the bridge ends.
type WebSocketHandler struct {
	resolver     *accounts.Resolver
	bridge       *bridge.Bridge
	maxFrameSize int64
}

func NewWebSocketHandler(resolver *accounts.Resolver, b *bridge.Bridge, maxFrameSize int64) *WebSocketHandler {
	return &WebSocketHandler{resolver: resolver, bridge: b, maxFrameSize: maxFrameSize}
}

func (h *WebSocketHandler) CanHandleRequest(r *http.Request) bool {
	return strings.HasPrefix(r.URL.Path, WebSocketPrefix)
}

func (h *WebSocketHandler) HandleRequest(w http.ResponseWriter, r *http.Request) error {
	id := strings.TrimPrefix(r.URL.Path, WebSocketPrefix)
	acct, err := h.resolver.ByID(id)
	if err != nil {
		return NewHTTPError(http.StatusNotFound, "unknown account")
	}

	// Reject a bad handshake before looking at credentials.
	if _, err := websocket.CheckRequest(r); err != nil {
		return err
	}

	creds, inject, err := accounts.ResolveCredentials(acct, r)
	if err != nil {
		if errors.Is(err, accounts.ErrNoIdentity) {
			return NewHTTPError(http.StatusForbidden, "no identity for account")
		}
		return err
	}

	ws, err := websocket.Upgrade(w, r, h.maxFrameSize)
	if err != nil {
		return err
	}

	// Serve logs its own failures and always closes ws.
	_ = h.bridge.Serve(r.Context(), ws, bridge.NewSession(acct, creds, inject))
	return nil
}
