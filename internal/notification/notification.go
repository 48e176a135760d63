// Package notification reports revoke failures and lifecycle defects through
// configured channels (webhook, Slack).
//
// Delivery is best-effort and never blocks the triggering operation: a lease
// whose revocation failed is already abandoned server-side, and the
// notification exists so an operator learns about it.
package notification

import (
	"context"
	"log/slog"
	"time"

	"github.com/nvx/dynsecrets/internal/config"
)

const sendTimeout = 10 * time.Second

// Message is the payload sent through a notification channel.
type Message struct {
	Subject  string            // Short headline, e.g. "lease revocation failed".
	Body     string            // Plain text body.
	Metadata map[string]string // Extra data (lease_id, attempt_key, profile).
}

// Sender is a single notification channel backend.
type Sender interface {
	// Type returns the channel type identifier ("webhook", "slack").
	Type() string
	// Send delivers the message.
	Send(ctx context.Context, msg *Message) error
}

// Dispatcher fans a message out to all configured senders.
type Dispatcher struct {
	senders []Sender
	logger  *slog.Logger
}

// NewDispatcher builds a dispatcher from config. Returns nil when
// notifications are disabled; a nil dispatcher is safe to call.
func NewDispatcher(cfg *config.NotificationConfig, logger *slog.Logger) *Dispatcher {
	if cfg == nil || !cfg.Enabled {
		return nil
	}

	d := &Dispatcher{logger: logger}
	if cfg.Webhook != nil && cfg.Webhook.URL != "" {
		d.senders = append(d.senders, NewWebhookSender(cfg.Webhook.URL, logger))
	}
	if cfg.Slack != nil && cfg.Slack.WebhookURL != "" {
		d.senders = append(d.senders, NewSlackSender(cfg.Slack.WebhookURL, cfg.Slack.Channel, logger))
	}
	return d
}

// Notify sends the message through every channel asynchronously. Failures are
// logged per channel and never returned to the caller.
func (d *Dispatcher) Notify(msg *Message) {
	if d == nil {
		return
	}
	for _, sender := range d.senders {
		go func(s Sender) {
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			defer cancel()

			if err := s.Send(ctx, msg); err != nil {
				d.logger.Warn("notification send failed",
					slog.String("channel", s.Type()),
					slog.String("subject", msg.Subject),
					slog.String("error", err.Error()))
				return
			}
			d.logger.Debug("notification sent",
				slog.String("channel", s.Type()),
				slog.String("subject", msg.Subject))
		}(sender)
	}
}
