// Package mcpserver exposes the dispatcher over the Model Context Protocol
// so MCP clients can enqueue and inspect coding tasks. Tools proxy to the
// dispatcher's HTTP API, which lets the MCP binary run standalone.
//
// Both transports are served on one port:
//   - SSE (/sse) for Claude Desktop, Cursor, etc.
//   - Streamable HTTP (/mcp) for Codex
package mcpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/common/logger"
)

// Config holds the MCP server configuration.
type Config struct {
	Port        int    // port to listen on
	DispatchURL string // dispatcher API URL, e.g. http://localhost:8080
}

// Server wraps the SSE and Streamable HTTP transports with lifecycle
// management.
type Server struct {
	cfg                  Config
	sseServer            *server.SSEServer
	streamableHTTPServer *server.StreamableHTTPServer
	httpServer           *http.Server
	mu                   sync.Mutex
	running              bool
	logger               *logger.Logger
}

// New creates an MCP server with the given configuration.
func New(cfg Config, log *logger.Logger) *Server {
	return &Server{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "mcp-server")),
	}
}

// Start begins serving both transports and returns once the listener is up.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.mu.Unlock()

	mcpServer := server.NewMCPServer(
		"dispatchd-mcp",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	registerTools(mcpServer, s.cfg, s.logger)

	s.sseServer = server.NewSSEServer(mcpServer)
	s.streamableHTTPServer = server.NewStreamableHTTPServer(mcpServer,
		server.WithEndpointPath("/mcp"),
	)

	mux := http.NewServeMux()
	mux.Handle("/sse", s.sseServer.SSEHandler())
	mux.Handle("/message", s.sseServer.MessageHandler())
	mux.Handle("/mcp", s.streamableHTTPServer)

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	// Port 0 means the OS picked one; record it for the endpoint helpers.
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.cfg.Port = tcpAddr.Port
	}

	s.httpServer = &http.Server{Handler: mux}

	ready := make(chan struct{})
	go func() {
		s.mu.Lock()
		s.running = true
		s.mu.Unlock()
		close(ready)

		s.logger.Info("mcp server listening",
			zap.Int("port", s.cfg.Port),
			zap.String("sse_endpoint", "/sse"),
			zap.String("streamable_http_endpoint", "/mcp"))

		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("mcp server error", zap.Error(err))
		}

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop gracefully shuts down both transports.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}
	if s.sseServer != nil {
		if err := s.sseServer.Shutdown(ctx); err != nil {
			s.logger.Warn("failed to shutdown SSE server", zap.Error(err))
		}
	}
	if s.streamableHTTPServer != nil {
		if err := s.streamableHTTPServer.Shutdown(ctx); err != nil {
			s.logger.Warn("failed to shutdown streamable HTTP server", zap.Error(err))
		}
	}
	return nil
}

// SSEEndpoint returns the SSE URL for clients on that transport.
func (s *Server) SSEEndpoint() string {
	return fmt.Sprintf("http://localhost:%d/sse", s.cfg.Port)
}

// StreamableHTTPEndpoint returns the streamable HTTP URL.
func (s *Server) StreamableHTTPEndpoint() string {
	return fmt.Sprintf("http://localhost:%d/mcp", s.cfg.Port)
}
