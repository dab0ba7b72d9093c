package web

import (
	"net/http"

	"github.com/migadu/sievebridge/server/accounts"
)

// CatalogPath is where the account catalogue is published.
const CatalogPath = "/config.json"

// CatalogHandler publishes the accounts available to the requesting user.
type CatalogHandler struct {
	resolver *accounts.Resolver
}

func NewCatalogHandler(resolver *accounts.Resolver) *CatalogHandler {
	return &CatalogHandler{resolver: resolver}
}

func (h *CatalogHandler) CanHandleRequest(r *http.Request) bool {
	return r.URL.Path == CatalogPath
}

func (h *CatalogHandler) HandleRequest(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodGet {
		return &HTTPError{
			Status: http.StatusMethodNotAllowed,
			Reason: "method " + r.Method + " not allowed",
			Header: http.Header{"Allow": {http.MethodGet}},
		}
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, h.resolver.Catalog(r))
	return nil
}
