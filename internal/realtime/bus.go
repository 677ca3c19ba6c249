// Package realtime provides the push channel that delivers store-side change
// events to subscribed clients.
package realtime

import (
	"fmt"
	"sync"
)

// Handler receives the raw payload for one delivered event.
type Handler func(data []byte)

// Bus is a minimal at-least-once publish/subscribe transport. Two
// implementations exist: an in-process bus for tests and single-node
// deployments, and a NATS-backed bus for multi-instance deployments.
type Bus interface {
	// Publish delivers data to all current subscribers of subject.
	Publish(subject string, data []byte) error
	// Subscribe registers h for subject and returns an unsubscribe func.
	Subscribe(subject string, h Handler) (func() error, error)
}

// Conversation subjects. One subject pair per job conversation, one subject
// per call session.
const subjectPrefix = "hometrade"

// MessageSubject is the subject for newly inserted messages in a conversation.
func MessageSubject(jobID string) string {
	return fmt.Sprintf("%s.jobs.%s.messages.new", subjectPrefix, jobID)
}

// MessageUpdateSubject is the subject for updated message rows (read receipts).
func MessageUpdateSubject(jobID string) string {
	return fmt.Sprintf("%s.jobs.%s.messages.update", subjectPrefix, jobID)
}

// CallSubject is the subject for call session snapshots.
func CallSubject(callID string) string {
	return fmt.Sprintf("%s.calls.%s", subjectPrefix, callID)
}

// MemoryBus is an in-process Bus. Delivery is synchronous in subscription
// order.
type MemoryBus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]Handler
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[int]Handler)}
}

// Publish delivers data to all subscribers of subject.
func (b *MemoryBus) Publish(subject string, data []byte) error {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[subject]))
	for _, h := range b.subs[subject] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(data)
	}
	return nil
}

// Subscribe registers h for subject.
func (b *MemoryBus) Subscribe(subject string, h Handler) (func() error, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[subject] == nil {
		b.subs[subject] = make(map[int]Handler)
	}
	id := b.nextID
	b.nextID++
	b.subs[subject][id] = h

	return func() error {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[subject], id)
		return nil
	}, nil
}
