// Package store persists and retrieves chat messages for job conversations.
//
// The store assigns every persisted message a monotonic sequence; that
// sequence, not the creation timestamp, is the authoritative display order.
// Persisting a message also publishes it on the realtime bus, which is how
// the subscription channel observes the store; the store never invokes
// subscriber callbacks itself.
package store

import (
	"context"

	"github.com/hometrade-app/messaging-platform/internal/model"
)

// MessageStore is the accessor contract for conversation messages.
type MessageStore interface {
	// GetMessages returns the conversation between userID and otherUserID on
	// the given job, ordered by store insertion order.
	GetMessages(ctx context.Context, jobID, userID, otherUserID string) ([]model.Message, error)

	// SendMessage persists one new message and returns it with its assigned
	// sequence.
	SendMessage(ctx context.Context, req *model.SendMessageRequest) (*model.Message, error)

	// MarkAsRead performs the unread-to-read transition. Marking an
	// already-read message is a no-op, not an error.
	MarkAsRead(ctx context.Context, messageID string) error
}
