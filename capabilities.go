package automation

import "context"

// ChannelSender is the chat platform's channel-send capability. The
// message store and UI behind it are external collaborators.
type ChannelSender interface {
	// SendMessage posts content to a channel, optionally inside a
	// thread, and returns the new message ID
	SendMessage(ctx context.Context, channelID, content, threadID string) (string, error)

	// ChannelAction performs a channel management operation
	ChannelAction(ctx context.Context, operation, channelID string, params map[string]any) error

	// UserAction performs a user management operation
	UserAction(ctx context.Context, operation, userID string, params map[string]any) error
}

// Notifier is the platform's notification capability, used to ping
// approvers and escalation targets
type Notifier interface {
	Notify(ctx context.Context, userIDs []string, message string, data map[string]any) error
}
