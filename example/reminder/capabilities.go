package reminder

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// ConsoleChannels is a ChannelSender that logs instead of talking to a
// real chat platform. It stands in for the host platform capabilities
// in the example server.
type ConsoleChannels struct {
	logger  zerolog.Logger
	counter atomic.Int64
}

// NewConsoleChannels creates a logging channel capability
func NewConsoleChannels(logger zerolog.Logger) *ConsoleChannels {
	return &ConsoleChannels{logger: logger}
}

func (c *ConsoleChannels) SendMessage(ctx context.Context, channelID, content, threadID string) (string, error) {
	id := fmt.Sprintf("msg-%d", c.counter.Add(1))
	c.logger.Info().
		Str("channel_id", channelID).
		Str("thread_id", threadID).
		Str("message_id", id).
		Str("content", content).
		Msg("send message")
	return id, nil
}

func (c *ConsoleChannels) ChannelAction(ctx context.Context, operation, channelID string, params map[string]any) error {
	c.logger.Info().
		Str("operation", operation).
		Str("channel_id", channelID).
		Msg("channel action")
	return nil
}

func (c *ConsoleChannels) UserAction(ctx context.Context, operation, userID string, params map[string]any) error {
	c.logger.Info().
		Str("operation", operation).
		Str("user_id", userID).
		Msg("user action")
	return nil
}

func (c *ConsoleChannels) Notify(ctx context.Context, userIDs []string, message string, data map[string]any) error {
	c.logger.Info().
		Strs("user_ids", userIDs).
		Str("message", message).
		Msg("notify users")
	return nil
}
