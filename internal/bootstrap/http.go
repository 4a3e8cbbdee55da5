package bootstrap

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/fairlens/fairlens-worker/config"
	httpx "github.com/fairlens/fairlens-worker/internal/http"
)

// HTTPServerConfig contains configuration for the status HTTP server.
type HTTPServerConfig struct {
	Config  config.HTTPConfig
	Runtime httpx.WorkerRuntime
	Jobs    httpx.JobReader
	Logger  *slog.Logger
}

// StartHTTPServer creates and starts the HTTP status server.
// Returns the server instance for graceful shutdown.
func StartHTTPServer(cfg *HTTPServerConfig) *http.Server {
	if cfg == nil {
		return nil
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	router := httpx.NewRouter(httpx.RouterServices{
		Runtime: cfg.Runtime,
		Jobs:    cfg.Jobs,
		Logger:  logger,
	})

	// Order: Recover -> Logging -> Router
	handler := httpx.Recover(logger)(httpx.Logging(logger)(router))

	return startServer(logger, handler, cfg.Config)
}

func startServer(logger *slog.Logger, handler http.Handler, cfg config.HTTPConfig) *http.Server {
	addr := cfg.Addr
	if addr == "" {
		addr = ":8080"
	}

	server := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("starting HTTP server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "error", err)
		}
	}()

	return server
}

// ShutdownHTTPServer gracefully shuts down the HTTP server.
func ShutdownHTTPServer(ctx context.Context, server *http.Server, logger *slog.Logger) error {
	if server == nil {
		return nil
	}

	if logger != nil {
		logger.Info("shutting down HTTP server")
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}

	if logger != nil {
		logger.Info("HTTP server stopped")
	}

	return nil
}
