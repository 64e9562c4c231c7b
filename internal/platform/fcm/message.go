package fcm

import (
	"firebase.google.com/go/v4/messaging"
	"github.com/tinywideclouds/go-outbox-dispatcher/pkg/outbox"
)

// MessageOptions holds the fixed, per-deployment parts of every push message.
type MessageOptions struct {
	ClickAction      string
	AndroidSound     string
	AndroidChannelID string
	APNSSound        string
}

// DefaultMessageOptions returns the values the mobile app is built against.
func DefaultMessageOptions() MessageOptions {
	return MessageOptions{
		ClickAction:      "FLUTTER_NOTIFICATION_CLICK",
		AndroidSound:     "notification_sound",
		AndroidChannelID: "roasty_orders",
		APNSSound:        "notification_sound.mp3",
	}
}

// BuildMessage assembles the FCM v1 message for a single device token.
// The same struct is sent by both the HTTP client and the SDK client.
func BuildMessage(token string, n outbox.Notification, opts MessageOptions) *messaging.Message {
	data := make(map[string]string, len(n.Data)+1)
	for k, v := range n.Data {
		data[k] = v
	}
	if opts.ClickAction != "" {
		data["click_action"] = opts.ClickAction
	}

	return &messaging.Message{
		Token: token,
		Notification: &messaging.Notification{
			Title: n.Title,
			Body:  n.Body,
		},
		Data: data,
		Android: &messaging.AndroidConfig{
			Priority: "high",
			Notification: &messaging.AndroidNotification{
				Sound:     opts.AndroidSound,
				ChannelID: opts.AndroidChannelID,
			},
		},
		APNS: &messaging.APNSConfig{
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{
					Sound: opts.APNSSound,
				},
			},
		},
	}
}

func shortToken(token string) string {
	if len(token) <= 12 {
		return token
	}
	return token[:12] + "..."
}
