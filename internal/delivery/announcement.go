// Package delivery builds the outbound announcement for one conversation.
package delivery

import (
	"context"
	"fmt"

	"schoolcast/internal/transport"
)

const (
	DefaultLabel      = "📢 Ανακοίνωση: "
	DefaultQuickReply = "👍 OK"
)

type Options struct {
	Label            string
	QuickReply       string
	NotificationType transport.NotificationType
}

func (o Options) withDefaults() Options {
	if o.Label == "" {
		o.Label = DefaultLabel
	}
	if o.QuickReply == "" {
		o.QuickReply = DefaultQuickReply
	}
	if o.NotificationType == "" {
		o.NotificationType = transport.NotificationRegular
	}
	return o
}

// Activity builds the announcement payload for message.
func Activity(message string, opt Options) transport.Activity {
	opt = opt.withDefaults()
	return transport.Activity{
		Text:             opt.Label + message,
		SuggestedActions: []string{opt.QuickReply},
		ChannelData:      map[string]any{"notification_type": string(opt.NotificationType)},
	}
}

// Announcement returns a callback that sends exactly one announcement carrying
// message. The text is bound at construction, so concurrent callbacks never
// share it.
func Announcement(message string, opt Options) transport.Callback {
	return func(ctx context.Context, turn transport.TurnContext) error {
		if _, err := turn.SendActivity(ctx, Activity(message, opt)); err != nil {
			return fmt.Errorf("send announcement to %s: %w", turn.Reference().UserID, err)
		}
		return nil
	}
}
