package realtime

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/hometrade-app/messaging-platform/internal/model"
	"github.com/hometrade-app/messaging-platform/pkg/logger"
	"github.com/hometrade-app/messaging-platform/pkg/metrics"
)

// MessageHandler receives one delivered message. Delivery is at-least-once;
// consumers must deduplicate by message ID.
type MessageHandler func(msg *model.Message)

// Channel subscribes clients to live message traffic for a conversation.
type Channel struct {
	bus    Bus
	logger *logger.Logger
}

// NewChannel creates a channel over the given bus.
func NewChannel(bus Bus, log *logger.Logger) *Channel {
	return &Channel{bus: bus, logger: log}
}

// Subscription is a cancellable handle for one conversation subscription.
// Unsubscribe is idempotent and immediately effective: the closed flag is
// checked right before every callback, and once Unsubscribe returns the
// bus-level handlers are detached, so later events never dispatch at all.
type Subscription struct {
	mu     sync.RWMutex
	closed bool
	unsubs []func() error
}

// Unsubscribe detaches the subscription. It must never block on an in-flight
// dispatch: handlers may publish follow-up events (a read receipt for a
// delivered message) that re-enter this subscription, so a gate held across
// the callback would deadlock the handler, the publisher, and Unsubscribe.
func (s *Subscription) Unsubscribe() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()

	for _, u := range unsubs {
		_ = u()
	}
	metrics.SubscriptionsActive.Dec()
}

// dispatch invokes h unless the subscription is closed. The flag is read and
// released before the callback runs; holding the lock across h would make
// any handler that publishes back onto this subscription self-deadlocking.
func (s *Subscription) dispatch(h MessageHandler, msg *model.Message) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return
	}
	h(msg)
}

// Subscribe registers callbacks for newly inserted and updated messages in
// the job's conversation. Either handler may be nil.
func (c *Channel) Subscribe(jobID string, onMessage, onUpdate MessageHandler) (*Subscription, error) {
	sub := &Subscription{}
	metrics.SubscriptionsActive.Inc()

	handle := func(h MessageHandler) Handler {
		return func(data []byte) {
			var msg model.Message
			if err := json.Unmarshal(data, &msg); err != nil {
				c.logger.Warn("dropping undecodable message event",
					zap.String("job_id", jobID), zap.Error(err))
				return
			}
			sub.dispatch(h, &msg)
		}
	}

	attach := func(subject string, h MessageHandler) error {
		if h == nil {
			return nil
		}
		unsub, err := c.bus.Subscribe(subject, handle(h))
		if err != nil {
			return err
		}
		sub.mu.Lock()
		sub.unsubs = append(sub.unsubs, unsub)
		sub.mu.Unlock()
		return nil
	}

	if err := attach(MessageSubject(jobID), onMessage); err != nil {
		sub.Unsubscribe()
		return nil, err
	}
	if err := attach(MessageUpdateSubject(jobID), onUpdate); err != nil {
		sub.Unsubscribe()
		return nil, err
	}

	return sub, nil
}
