package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/migadu/sievebridge/logger"
	"github.com/migadu/sievebridge/server/websocket"
)

// HTTPError is a handler failure with the status it should be answered
// with. Reason goes into the response body.
type HTTPError struct {
	Status int
	Reason string
	Header http.Header
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, http.StatusText(e.Status), e.Reason)
}

// NewHTTPError returns an HTTPError with a formatted reason.
func NewHTTPError(status int, format string, args ...any) *HTTPError {
	return &HTTPError{Status: status, Reason: fmt.Sprintf(format, args...)}
}

// asHTTPError maps err to the response it should produce. Unknown errors
// become 500; detail is included only when debug is set.
func asHTTPError(err error, debug bool, stack []byte) *HTTPError {
	var he *HTTPError
	if errors.As(err, &he) {
		return he
	}
	var hse *websocket.HandshakeError
	if errors.As(err, &hse) {
		return &HTTPError{Status: hse.Status, Reason: hse.Reason, Header: hse.Header}
	}

	reason := http.StatusText(http.StatusInternalServerError)
	if debug {
		reason = err.Error()
		if len(stack) > 0 {
			reason += "\n\n" + string(stack)
		}
	}
	return &HTTPError{Status: http.StatusInternalServerError, Reason: reason}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Debug("HTTP: Error encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, he *HTTPError) {
	for k, vs := range he.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	writeJSON(w, he.Status, map[string]string{"error": he.Reason})
}
