package transport

import "context"

// ConversationReference addresses one logical conversation between the sending
// school's channel identity (Bot) and a recipient (User).
type ConversationReference struct {
	ChannelID      string
	ServiceURL     string
	BotID          string
	UserID         string
	ConversationID string
}

// NotificationType controls how the channel alerts the recipient.
type NotificationType string

const (
	NotificationRegular    NotificationType = "REGULAR"
	NotificationSilentPush NotificationType = "SILENT_PUSH"
	NotificationNoPush     NotificationType = "NO_PUSH"
)

// Activity is one outbound message.
type Activity struct {
	Text             string
	SuggestedActions []string
	// ChannelData carries channel-specific metadata, e.g. "notification_type".
	ChannelData map[string]any
}

// NotificationType reads the notification type from ChannelData, defaulting
// to NotificationRegular.
func (a Activity) NotificationType() NotificationType {
	if a.ChannelData == nil {
		return NotificationRegular
	}
	switch v := a.ChannelData["notification_type"].(type) {
	case NotificationType:
		return v
	case string:
		if v != "" {
			return NotificationType(v)
		}
	}
	return NotificationRegular
}

type MessageRef struct {
	ConversationID string
	MessageID      string
}

// TurnContext is a live conversation handed to a Callback.
type TurnContext interface {
	Reference() ConversationReference
	SendActivity(ctx context.Context, a Activity) (MessageRef, error)
}

// Callback runs inside a continued conversation.
type Callback func(ctx context.Context, turn TurnContext) error

// Transport continues conversations on behalf of an application.
//
// ContinueConversation either invokes cb with a live TurnContext or fails with
// a transport error; errors returned by cb are passed through.
type Transport interface {
	ContinueConversation(ctx context.Context, appID string, ref ConversationReference, cb Callback) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, appID string, ref ConversationReference, cb Callback) error

func (f TransportFunc) ContinueConversation(ctx context.Context, appID string, ref ConversationReference, cb Callback) error {
	return f(ctx, appID, ref, cb)
}
