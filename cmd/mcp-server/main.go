// Package main is the entry point for the standalone MCP server binary.
// mcp-server exposes the dispatcher's task queue to MCP-compatible clients
// (Claude Desktop, Cursor, Codex, etc.) by proxying tool calls to the
// dispatcher's HTTP API.
//
// The server supports two transports:
//   - SSE (Server-Sent Events) at /sse for Claude Desktop, Cursor
//   - Streamable HTTP at /mcp for Codex
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/common/logger"
	"github.com/dispatchd/dispatchd/internal/mcpserver"
)

var (
	portFlag        = flag.Int("port", 9090, "MCP server port")
	dispatchURLFlag = flag.String("dispatch-url", "http://localhost:8080", "Dispatcher API URL")
	logLevelFlag    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	logFormatFlag   = flag.String("log-format", "console", "Log format (console, json)")
)

func main() {
	flag.Parse()

	cfg := mcpserver.Config{
		Port:        getEnvIntOrFlag("MCP_PORT", *portFlag),
		DispatchURL: getEnvOrFlag("DISPATCHD_API_URL", *dispatchURLFlag),
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      getEnvOrFlag("MCP_LOG_LEVEL", *logLevelFlag),
		Format:     getEnvOrFlag("MCP_LOG_FORMAT", *logFormatFlag),
		OutputPath: "stdout",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting mcp-server",
		zap.Int("port", cfg.Port),
		zap.String("dispatch_url", cfg.DispatchURL))

	run(cfg, log)
}

func run(cfg mcpserver.Config, log *logger.Logger) {
	ctx := context.Background()
	srv, cleanup, err := mcpserver.Provide(ctx, cfg, log)
	if err != nil {
		log.Error("failed to start MCP server", zap.Error(err))
		os.Exit(1)
	}

	fmt.Printf("dispatchd MCP server running on :%d\n", cfg.Port)
	fmt.Printf("Dispatcher API URL: %s\n", cfg.DispatchURL)
	fmt.Printf("SSE endpoint: %s (for Claude Desktop, Cursor)\n", srv.SSEEndpoint())
	fmt.Printf("Streamable HTTP endpoint: %s (for Codex)\n", srv.StreamableHTTPEndpoint())

	waitForShutdown(log, func(ctx context.Context) {
		if err := cleanup(); err != nil {
			log.Error("error during shutdown", zap.Error(err))
		}
	})
}

func waitForShutdown(log *logger.Logger, cleanup func(ctx context.Context)) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down mcp-server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cleanup(ctx)

	log.Info("mcp-server stopped")
}

// getEnvOrFlag returns the environment variable value if set, otherwise the
// flag value.
func getEnvOrFlag(envKey, flagValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return flagValue
}

// getEnvIntOrFlag returns the environment variable value as int if set,
// otherwise the flag value.
func getEnvIntOrFlag(envKey string, flagValue int) int {
	if v := os.Getenv(envKey); v != "" {
		var i int
		if _, err := fmt.Sscanf(v, "%d", &i); err == nil {
			return i
		}
	}
	return flagValue
}
