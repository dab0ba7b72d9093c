package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/migadu/sievebridge/config"
	"github.com/migadu/sievebridge/logger"
	"github.com/migadu/sievebridge/pkg/errors"
	"github.com/migadu/sievebridge/server/accounts"
	"github.com/migadu/sievebridge/server/bridge"
	"github.com/migadu/sievebridge/server/web"
	"github.com/migadu/sievebridge/tlsmanager"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	errorHandler := errors.NewErrorHandler()

	fs := flag.NewFlagSet("sievebridge", flag.ContinueOnError)
	opts, err := parseFlags(fs, os.Args[1:])
	if err == flag.ErrHelp {
		os.Exit(errors.ExitOK)
	}
	if err != nil {
		os.Exit(errors.ExitConfig)
	}
	if opts.showVersion {
		fmt.Printf("sievebridge version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(errors.ExitOK)
	}

	cfg := config.NewDefaultConfig()
	if err := config.LoadConfigFromFile(opts.configPath, &cfg); err != nil {
		errorHandler.ConfigError(opts.configPath, err)
		os.Exit(errorHandler.WaitForExit())
	}

	logFile, err := logger.Initialize(cfg.Logging, int(opts.verbose))
	if err != nil {
		fmt.Fprintf(os.Stderr, "sievebridge: warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	logger.Info("sievebridge starting", "version", version, "commit", commit, "built", date)
	logger.Info("Loaded configuration", "path", opts.configPath, "accounts", len(cfg.Accounts))

	// Set up context and signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Info("Received signal, shutting down...", "signal", sig.String())
		cancel()
	}()

	server, err := newServer(cfg)
	if err != nil {
		errorHandler.FatalError("initialize server", err)
		os.Exit(errorHandler.WaitForExit())
	}
	if err := server.Listen(); err != nil {
		errorHandler.BindError(cfg.Server.GetListenAddr(), err)
		os.Exit(errorHandler.WaitForExit())
	}

	errChan := make(chan error, 2)
	if cfg.Metrics.Addr != "" {
		ln, err := net.Listen("tcp", cfg.Metrics.Addr)
		if err != nil {
			errorHandler.BindError(cfg.Metrics.Addr, err)
			os.Exit(errorHandler.WaitForExit())
		}
		go startMetricsServer(ctx, ln, cfg.Metrics.GetPath(), errChan)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := server.Serve(ctx); err != nil {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		errorHandler.Shutdown(ctx)
		select {
		case <-done:
			logger.Info("HTTPS server stopped")
		case <-time.After(10 * time.Second):
			logger.Warn("Server shutdown timeout reached after 10 seconds")
		}
	case err := <-errChan:
		errorHandler.FatalError("server operation", err)
		os.Exit(errorHandler.WaitForExit())
	}
}

// newServer wires the handler chain for cfg: websocket bridges, the
// account catalogue and static files, in that order.
func newServer(cfg config.Config) (*web.Server, error) {
	srv := cfg.Server
	handshakeTimeout, _ := srv.GetTLSHandshakeTimeout()
	headerTimeout, _ := srv.GetHeaderReadTimeout()
	idleTimeout, _ := srv.GetBridgeIdleTimeout()
	connectTimeout, _ := srv.GetBackendConnectTimeout()

	tlsManager, err := tlsmanager.New(cfg.TLS)
	if err != nil {
		return nil, err
	}

	static, err := web.NewStaticHandler(srv.HTTPRoot)
	if err != nil {
		return nil, err
	}

	s, err := web.New(web.ServerOptions{
		Addr:                srv.GetListenAddr(),
		TLSConfig:           tlsManager.GetTLSConfig(),
		Workers:             srv.GetWorkers(),
		TLSHandshakeTimeout: handshakeTimeout,
		ReadHeaderTimeout:   headerTimeout,
		Debug:               srv.Debug,
	})
	if err != nil {
		return nil, err
	}

	resolver := accounts.NewResolver(&cfg)
	b := bridge.New(bridge.Options{
		ConnectTimeout: connectTimeout,
		IdleTimeout:    idleTimeout,
	})

	s.Handle("websocket", web.NewWebSocketHandler(resolver, b, srv.GetMaxFrameSize()))
	s.Handle("config", web.NewCatalogHandler(resolver))
	s.Handle("static", static)

	for _, acct := range resolver.Accounts() {
		logger.Info("Account configured",
			"name", acct.Name,
			"id", acct.ID(),
			"backend", acct.Address(),
			"auth_type", string(acct.GetAuthType()))
	}
	return s, nil
}

func startMetricsServer(ctx context.Context, ln net.Listener, path string, errChan chan error) {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Info("Error shutting down metrics server", "error", err)
		}
	}()

	logger.Info("Starting metrics server", "addr", ln.Addr().String(), "path", path)
	if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
		errChan <- fmt.Errorf("metrics server failed: %w", err)
	}
}
