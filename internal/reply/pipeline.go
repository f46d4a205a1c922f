package reply

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/adapters"
	"github.com/dispatchd/dispatchd/internal/common/logger"
)

// Pipeline delivers task output back to users: it chunks to the platform
// limit, tries the originating message's reply callback first and falls back
// to direct adapter delivery keyed by the user id's platform prefix.
type Pipeline struct {
	logger *logger.Logger

	mu       sync.RWMutex
	adapters []adapters.ChatAdapter
}

// NewPipeline creates an empty pipeline; adapters register as they start.
func NewPipeline(log *logger.Logger) *Pipeline {
	return &Pipeline{logger: log.WithFields(zap.String("component", "reply-pipeline"))}
}

// Register adds a chat adapter as a fallback delivery target.
func (p *Pipeline) Register(adapter adapters.ChatAdapter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.adapters = append(p.adapters, adapter)
}

// Deliver sends text to the conversation behind msg, chunked to the
// platform's limit. If the reply callback fails, delivery falls back to
// SendToUser on the matching adapter.
func (p *Pipeline) Deliver(ctx context.Context, msg *adapters.IncomingMessage, text string) {
	for _, chunk := range Split(text, msg.Platform) {
		if msg.Reply != nil {
			if err := msg.Reply(ctx, chunk); err == nil {
				continue
			} else {
				p.logger.Warn("reply callback failed, falling back to direct send",
					zap.String("user_id", msg.UserID), zap.Error(err))
			}
		}
		if err := p.SendToUser(ctx, msg.UserID, chunk); err != nil {
			p.logger.Error("failed to deliver reply chunk",
				zap.String("user_id", msg.UserID), zap.Error(err))
		}
	}
}

// SendToUser routes text to the adapter matching the user id's platform
// prefix ("slack:U42" goes to the slack adapter), chunked to that platform's
// limit.
func (p *Pipeline) SendToUser(ctx context.Context, userID, text string) error {
	platform := PlatformOf(userID)
	adapter := p.adapterFor(platform)
	if adapter == nil {
		return fmt.Errorf("no adapter for platform %q", platform)
	}
	for _, chunk := range Split(text, platform) {
		if err := adapter.SendToUser(ctx, userID, chunk); err != nil {
			return err
		}
	}
	return nil
}

// PlatformOf extracts the platform prefix from a user id, "" when unprefixed.
func PlatformOf(userID string) string {
	if idx := strings.Index(userID, ":"); idx > 0 {
		return userID[:idx]
	}
	return ""
}

func (p *Pipeline) adapterFor(platform string) adapters.ChatAdapter {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, adapter := range p.adapters {
		if strings.EqualFold(adapter.Platform(), platform) {
			return adapter
		}
	}
	return nil
}
