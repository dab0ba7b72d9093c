// Package web is the HTTPS front end of the bridge. Requests are dispatched
// to an ordered chain of handlers; the first handler that accepts a request
// serves it.
package web

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/migadu/sievebridge/logger"
	"github.com/migadu/sievebridge/pkg/metrics"
	"golang.org/x/net/netutil"
)

// Handler serves one kind of request.
type Handler interface {
	CanHandleRequest(r *http.Request) bool
	HandleRequest(w http.ResponseWriter, r *http.Request) error
}

// ServerOptions holds configuration options for the HTTPS server
type ServerOptions struct {
	Addr                string
	TLSConfig           *tls.Config
	Workers             int // Maximum concurrently open connections
	TLSHandshakeTimeout time.Duration
	ReadHeaderTimeout   time.Duration
	Debug               bool // Include error details and stack traces in 500 responses
}

// Server represents the HTTPS server
type Server struct {
	opts     ServerOptions
	router   *mux.Router
	server   *http.Server
	listener net.Listener
}

// New creates a new HTTPS server. Handlers are registered with Handle.
func New(opts ServerOptions) (*Server, error) {
	if opts.TLSConfig == nil {
		return nil, fmt.Errorf("TLS configuration is required")
	}
	if opts.Workers <= 0 {
		opts.Workers = 16
	}

	s := &Server{opts: opts}
	s.router = mux.NewRouter()
	s.router.SkipClean(true)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.recoverMiddleware)
	s.router.NotFoundHandler = s.loggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		metrics.HTTPRequestsTotal.WithLabelValues("none", "404").Inc()
		writeError(w, NewHTTPError(http.StatusNotFound, "%s not found", r.URL.Path))
	}))
	return s, nil
}

// Handle appends h to the handler chain under name. Handlers are consulted
// in the order they were added.
func (s *Server) Handle(name string, h Handler) {
	s.router.MatcherFunc(func(r *http.Request, _ *mux.RouteMatch) bool {
		return h.CanHandleRequest(r)
	}).Handler(s.serveHandler(name, h)).Name(name)
}

// Router returns the request router, for tests and embedding.
func (s *Server) Router() http.Handler {
	return s.router
}

// Listen binds the listening socket. Errors are bind failures.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	s.listener = ln
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until ctx is cancelled. Cancelling ctx also
// cancels the context of every request, which ends running bridges.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	ln := netutil.LimitListener(s.listener, s.opts.Workers)
	tlsLn := newHandshakeListener(ln, s.opts.TLSConfig, s.opts.TLSHandshakeTimeout)

	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.opts.ReadHeaderTimeout,
		// A non-nil empty map disables HTTP/2.
		TLSNextProto: map[string]func(*http.Server, *tls.Conn, http.Handler){},
		BaseContext:  func(net.Listener) context.Context { return ctx },
		ConnState:    trackConnState,
	}
	s.server.SetKeepAlivesEnabled(false)

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down HTTPS server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Info("Error shutting down HTTPS server", "error", err)
		}
	}()

	logger.Info("Starting HTTPS server", "addr", s.listener.Addr().String(), "workers", s.opts.Workers)
	if err := s.server.Serve(tlsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTPS server failed: %w", err)
	}
	return nil
}

func trackConnState(_ net.Conn, state http.ConnState) {
	switch state {
	case http.StateNew:
		metrics.ConnectionsTotal.WithLabelValues("https").Inc()
		metrics.ConnectionsCurrent.WithLabelValues("https").Inc()
	case http.StateHijacked, http.StateClosed:
		metrics.ConnectionsCurrent.WithLabelValues("https").Dec()
	}
}

// serveHandler adapts a chain Handler to net/http: returned errors are
// rendered unless the handler already responded or took the connection.
func (s *Server) serveHandler(name string, h Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := record(w)
		err := h.HandleRequest(rec, r)
		if err != nil {
			switch {
			case rec.hijacked:
				logger.Debug("HTTP: Handler failed after hijack", "handler", name, "error", err)
			case rec.wroteHeader:
				logger.Info("HTTP: Handler failed after responding", "handler", name, "error", err)
			default:
				var stack []byte
				if s.opts.Debug {
					stack = debug.Stack()
				}
				he := asHTTPError(err, s.opts.Debug, stack)
				if he.Status >= http.StatusInternalServerError {
					logger.Warn("HTTP: Handler error", "handler", name, "path", r.URL.Path, "error", err)
				}
				writeError(rec, he)
			}
		}
		metrics.HTTPRequestsTotal.WithLabelValues(name, strconv.Itoa(rec.code())).Inc()
	})
}

// Middleware functions

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := record(w)
		next.ServeHTTP(rec, r)
		logger.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"status", rec.code(),
			"duration", time.Since(start).Round(time.Millisecond))
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := record(w)
		defer func() {
			v := recover()
			if v == nil {
				return
			}
			if v == http.ErrAbortHandler {
				panic(v)
			}
			stack := debug.Stack()
			logger.Error("HTTP: Panic in handler", "path", r.URL.Path, "panic", v, "stack", string(stack))
			if rec.hijacked || rec.wroteHeader {
				return
			}
			writeError(rec, asHTTPError(fmt.Errorf("panic: %v", v), s.opts.Debug, stack))
		}()
		next.ServeHTTP(rec, r)
	})
}

// statusRecorder remembers the response status and whether the connection
// was hijacked. It must stay a http.Hijacker for websocket upgrades.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	hijacked    bool
}

func record(w http.ResponseWriter) *statusRecorder {
	if rec, ok := w.(*statusRecorder); ok {
		return rec
	}
	return &statusRecorder{ResponseWriter: w}
}

func (rec *statusRecorder) WriteHeader(code int) {
	if !rec.wroteHeader {
		rec.status = code
		rec.wroteHeader = true
	}
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *statusRecorder) Write(p []byte) (int, error) {
	if !rec.wroteHeader {
		rec.WriteHeader(http.StatusOK)
	}
	return rec.ResponseWriter.Write(p)
}

func (rec *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rec.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer %T cannot be hijacked", rec.ResponseWriter)
	}
	conn, brw, err := hj.Hijack()
	if err == nil {
		rec.hijacked = true
		rec.status = http.StatusSwitchingProtocols
	}
	return conn, brw, err
}

func (rec *statusRecorder) code() int {
	if rec.status == 0 {
		return http.StatusOK
	}
	return rec.status
}
