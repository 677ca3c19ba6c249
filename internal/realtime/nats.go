package realtime

import (
	"fmt"

	"github.com/nats-io/nats.go"

	natsclient "github.com/hometrade-app/messaging-platform/internal/nats"
)

// NATSBus is a Bus backed by core NATS publish/subscribe.
type NATSBus struct {
	client *natsclient.Client
}

// NewNATSBus creates a bus over an established NATS connection.
func NewNATSBus(client *natsclient.Client) *NATSBus {
	return &NATSBus{client: client}
}

// Publish delivers data to all subscribers of subject across instances.
func (b *NATSBus) Publish(subject string, data []byte) error {
	if err := b.client.Conn().Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers h for subject.
func (b *NATSBus) Subscribe(subject string, h Handler) (func() error, error) {
	sub, err := b.client.Conn().Subscribe(subject, func(msg *nats.Msg) {
		h(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	return sub.Unsubscribe, nil
}
