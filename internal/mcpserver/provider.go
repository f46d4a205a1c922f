package mcpserver

import (
	"context"
	"sync"
	"time"

	"github.com/dispatchd/dispatchd/internal/common/logger"
)

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Port:        9090,
		DispatchURL: "http://localhost:8080",
	}
}

// Provide starts the MCP server and returns a cleanup function that stops it
// at most once.
func Provide(ctx context.Context, cfg Config, log *logger.Logger) (*Server, func() error, error) {
	srv := New(cfg, log)
	if err := srv.Start(ctx); err != nil {
		return nil, nil, err
	}

	var stopOnce sync.Once
	cleanup := func() error {
		var stopErr error
		stopOnce.Do(func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			stopErr = srv.Stop(stopCtx)
		})
		return stopErr
	}
	return srv, cleanup, nil
}
