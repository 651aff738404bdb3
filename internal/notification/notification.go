package notification

import (
	"context"
	"log/slog"
)

const (
	// KindAuthorizationDeclined is sent when an authorization is rejected.
	KindAuthorizationDeclined = "authorization_declined"
	// KindPresentmentSettled is sent after a presentment debits the account.
	KindPresentmentSettled = "presentment_settled"
)

// Message describes a cardholder notification.
type Message struct {
	Kind        string
	Destination string
	Body        string
	Attributes  map[string]string
}

// Notifier delivers notifications to downstream systems.
type Notifier interface {
	Send(ctx context.Context, message Message) error
}

// LoggerNotifier writes notifications to the structured logger until a real
// delivery channel is wired.
type LoggerNotifier struct {
	logger *slog.Logger
}

// NewLoggerNotifier constructs a logging notifier.
func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

// Send writes the message to the structured logger.
func (n *LoggerNotifier) Send(_ context.Context, message Message) error {
	if n == nil || n.logger == nil {
		return nil
	}
	attrs := []any{"kind", message.Kind, "destination", message.Destination, "body", message.Body}
	for k, v := range message.Attributes {
		attrs = append(attrs, k, v)
	}
	n.logger.Info("notification", attrs...)
	return nil
}

// Nop drops every message.
type Nop struct{}

func (Nop) Send(context.Context, Message) error { return nil }
