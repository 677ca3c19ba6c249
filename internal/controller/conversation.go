// Package controller implements the client-facing state machines layered on
// the message store and call registry: the conversation controller and the
// call interface controller.
package controller

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/hometrade-app/messaging-platform/internal/apperr"
	"github.com/hometrade-app/messaging-platform/internal/call"
	"github.com/hometrade-app/messaging-platform/internal/model"
	"github.com/hometrade-app/messaging-platform/internal/realtime"
	"github.com/hometrade-app/messaging-platform/internal/store"
	"github.com/hometrade-app/messaging-platform/pkg/logger"
)

// State is the conversation load state.
type State string

const (
	StateLoading State = "loading"
	StateReady   State = "ready"
	StateError   State = "error"
)

// OverlayState is the orthogonal call overlay sub-state.
type OverlayState string

const (
	OverlayNoCall     OverlayState = "no_call"
	OverlayCallActive OverlayState = "call_active"
)

// Conversation drives one job conversation: history load, live updates,
// the send path with its explicit draft rollback, and the call overlay.
type Conversation struct {
	store    store.MessageStore
	channel  *realtime.Channel
	registry *call.Registry
	logger   *logger.Logger

	jobID       string
	userID      string
	otherUserID string

	mu       sync.Mutex
	state    State
	loadErr  error
	messages []model.Message
	index    map[string]int

	// Composer: the draft survives as pending until the store confirms the
	// send, so a failure can restore it verbatim.
	draft       string
	pending     string
	composerErr string

	overlay        OverlayState
	activeCallID   string
	schedulingOpen bool
	// endAppended guards the synthetic call-ended message per call id.
	endAppended map[string]bool

	sub        *realtime.Subscription
	callUnsubs []func()
}

// NewConversation creates a controller for the conversation between userID
// and otherUserID scoped to jobID.
func NewConversation(st store.MessageStore, ch *realtime.Channel, reg *call.Registry, log *logger.Logger, jobID, userID, otherUserID string) *Conversation {
	return &Conversation{
		store:       st,
		channel:     ch,
		registry:    reg,
		logger:      log.WithConversation(jobID, userID),
		jobID:       jobID,
		userID:      userID,
		otherUserID: otherUserID,
		state:       StateLoading,
		index:       make(map[string]int),
		overlay:     OverlayNoCall,
		endAppended: make(map[string]bool),
	}
}

// Start loads history and then opens the live subscription. The subscription
// is not opened until the initial load resolves, so live deltas are never
// reconciled against an empty or stale list.
func (c *Conversation) Start(ctx context.Context) error {
	history, err := c.store.GetMessages(ctx, c.jobID, c.userID, c.otherUserID)
	if err != nil {
		c.mu.Lock()
		c.state = StateError
		c.loadErr = err
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.messages = c.messages[:0]
	c.index = make(map[string]int)
	for _, m := range history {
		c.mergeLocked(m)
	}
	c.state = StateReady
	c.loadErr = nil
	c.mu.Unlock()

	sub, err := c.channel.Subscribe(c.jobID, c.onLiveMessage, c.onLiveUpdate)
	if err != nil {
		c.mu.Lock()
		c.state = StateError
		c.loadErr = err
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	prev := c.sub
	c.sub = sub
	c.mu.Unlock()
	// A restarted controller replaces its subscription; drop the old one so
	// it does not keep feeding the merge.
	if prev != nil {
		prev.Unsubscribe()
	}
	return nil
}

// Retry re-runs the initial load after a failure.
func (c *Conversation) Retry(ctx context.Context) error {
	c.mu.Lock()
	c.state = StateLoading
	c.mu.Unlock()
	return c.Start(ctx)
}

// Stop tears down all subscriptions. Safe to call during or after unmount
// and idempotent; no callback fires after it returns.
func (c *Conversation) Stop() {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	unsubs := c.callUnsubs
	c.callUnsubs = nil
	c.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	for _, u := range unsubs {
		u()
	}
}

// onLiveMessage handles a newly inserted message pushed by the channel.
// Inbound messages are marked read immediately; read-state is not
// safety-critical, so a failure there is logged and dropped.
func (c *Conversation) onLiveMessage(msg *model.Message) {
	c.mu.Lock()
	c.mergeLocked(*msg)
	inbound := msg.SenderID != c.userID
	c.mu.Unlock()

	if inbound && !msg.Read {
		if err := c.store.MarkAsRead(context.Background(), msg.ID); err != nil {
			c.logger.Warn("failed to mark message read",
				zap.String("message_id", msg.ID), zap.Error(err))
		}
	}
}

// onLiveUpdate handles an updated message row (read receipts).
func (c *Conversation) onLiveUpdate(msg *model.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i, ok := c.index[msg.ID]; ok {
		if msg.Read {
			c.messages[i].Read = true
		}
	}
}

// mergeLocked inserts or updates one message, deduplicating by ID and
// keeping the list in store insertion order regardless of arrival order.
func (c *Conversation) mergeLocked(msg model.Message) {
	if i, ok := c.index[msg.ID]; ok {
		// Redelivery: keep the earliest copy but absorb the read flag.
		if msg.Read {
			c.messages[i].Read = true
		}
		return
	}

	at := sort.Search(len(c.messages), func(i int) bool {
		return c.messages[i].Sequence > msg.Sequence
	})
	c.messages = append(c.messages, model.Message{})
	copy(c.messages[at+1:], c.messages[at:])
	c.messages[at] = msg

	for i := at; i < len(c.messages); i++ {
		c.index[c.messages[i].ID] = i
	}
}

// SetDraft stores the composer text.
func (c *Conversation) SetDraft(text string) {
	c.mu.Lock()
	c.draft = text
	c.mu.Unlock()
}

// Draft returns the current composer text.
func (c *Conversation) Draft() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft
}

// ComposerError returns the inline composer error, or "".
func (c *Conversation) ComposerError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.composerErr
}

// DismissComposerError clears the inline composer error.
func (c *Conversation) DismissComposerError() {
	c.mu.Lock()
	c.composerErr = ""
	c.mu.Unlock()
}

// Send sends the current draft. The composer is cleared optimistically; on
// failure the draft is restored verbatim and a composer-scoped error is set,
// so the user can retry without retyping.
func (c *Conversation) Send(ctx context.Context) error {
	c.mu.Lock()
	text := c.draft
	if text == "" {
		c.mu.Unlock()
		return apperr.Validation("nothing to send")
	}
	c.pending = text
	c.draft = ""
	c.composerErr = ""
	c.mu.Unlock()

	msg, err := c.store.SendMessage(ctx, &model.SendMessageRequest{
		JobID:      c.jobID,
		SenderID:   c.userID,
		ReceiverID: c.otherUserID,
		Type:       model.MessageTypeText,
		Text:       text,
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = ""
	if err != nil {
		c.draft = text
		c.composerErr = "message failed to send"
		c.logger.Warn("send failed", zap.Error(err))
		return err
	}
	c.mergeLocked(*msg)
	return nil
}

// State returns the conversation load state.
func (c *Conversation) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Messages returns a copy of the rendered message list, in store order.
func (c *Conversation) Messages() []model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Overlay returns the call overlay sub-state.
func (c *Conversation) Overlay() OverlayState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.overlay
}

// ActiveCallID returns the overlay's call id, or "".
func (c *Conversation) ActiveCallID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeCallID
}

// SchedulingOpen reports whether the scheduling modal is open.
func (c *Conversation) SchedulingOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.schedulingOpen
}

// OpenScheduling and CloseScheduling toggle the scheduling modal. The toggle
// is independent of the overlay state.
func (c *Conversation) OpenScheduling() {
	c.mu.Lock()
	c.schedulingOpen = true
	c.mu.Unlock()
}

func (c *Conversation) CloseScheduling() {
	c.mu.Lock()
	c.schedulingOpen = false
	c.mu.Unlock()
}

// StartCall starts an instant call with the other participant, enters the
// overlay, and sends the call invitation message.
func (c *Conversation) StartCall(ctx context.Context, callType model.CallType) (*model.CallSession, error) {
	sess, err := c.registry.StartInstantCall(ctx, c.jobID, c.userID, []string{c.otherUserID}, callType)
	if err != nil {
		return nil, err
	}

	c.enterOverlay(sess.ID)

	callID := sess.ID
	if _, err := c.store.SendMessage(ctx, &model.SendMessageRequest{
		JobID:      c.jobID,
		SenderID:   c.userID,
		ReceiverID: c.otherUserID,
		Type:       model.MessageTypeCallInvite,
		Text:       "Video call invitation",
		CallID:     &callID,
	}); err != nil {
		// The call is already up; the invitation bubble is best-effort.
		c.logger.Warn("failed to send call invitation",
			zap.String("call_id", callID), zap.Error(err))
	}

	return sess, nil
}

// JoinCall accepts a call invitation. A conflict (already in another call,
// call ended) is returned to the caller and the overlay is not entered.
func (c *Conversation) JoinCall(ctx context.Context, callID string) (*model.CallSession, error) {
	sess, err := c.registry.JoinCall(ctx, callID, c.userID)
	if err != nil {
		return nil, err
	}
	c.enterOverlay(sess.ID)
	return sess, nil
}

// DeclineCall declines a call invitation.
func (c *Conversation) DeclineCall(ctx context.Context, callID, reason string) error {
	return c.registry.CancelCall(ctx, callID, c.userID, reason)
}

// ScheduleCall schedules a call and, on success, records it in the
// conversation as a scheduled-call message.
func (c *Conversation) ScheduleCall(ctx context.Context, req *model.ScheduleCallRequest) (*model.ScheduleResult, error) {
	result, err := c.registry.ScheduleCall(ctx, c.jobID, c.userID, req)
	if err != nil {
		return nil, err
	}
	if !result.OK() {
		return result, nil
	}

	callID := result.Session.ID
	scheduled := req.ScheduledTime
	if _, err := c.store.SendMessage(ctx, &model.SendMessageRequest{
		JobID:         c.jobID,
		SenderID:      c.userID,
		ReceiverID:    c.otherUserID,
		Type:          model.MessageTypeCallScheduled,
		Text:          "Video call scheduled",
		CallID:        &callID,
		ScheduledTime: &scheduled,
	}); err != nil {
		c.logger.Warn("failed to send scheduled-call message",
			zap.String("call_id", callID), zap.Error(err))
	}

	c.mu.Lock()
	c.schedulingOpen = false
	c.mu.Unlock()
	return result, nil
}

// EndCall hangs up the overlay's call. The participant whose end request
// performs the active-to-ended transition appends the synthetic call-ended
// message; racing hang ups from both ends therefore produce exactly one.
func (c *Conversation) EndCall(ctx context.Context) error {
	c.mu.Lock()
	callID := c.activeCallID
	c.mu.Unlock()
	if callID == "" {
		return nil
	}

	finalized, err := c.registry.EndCall(ctx, callID, c.userID)
	if err != nil {
		c.closeOverlay(callID)
		return err
	}
	if finalized {
		c.appendCallEnded(ctx, callID)
	}
	c.closeOverlay(callID)
	return nil
}

// enterOverlay switches to call_active and watches the session for a remote
// end event.
func (c *Conversation) enterOverlay(callID string) {
	unsub, err := c.registry.SubscribeToCallUpdates(callID, func(sess *model.CallSession) {
		if sess.Status.Terminal() {
			c.closeOverlay(callID)
		}
	})
	if err != nil {
		c.logger.Warn("failed to subscribe to call updates",
			zap.String("call_id", callID), zap.Error(err))
	}

	c.mu.Lock()
	c.overlay = OverlayCallActive
	c.activeCallID = callID
	if unsub != nil {
		c.callUnsubs = append(c.callUnsubs, unsub)
	}
	c.mu.Unlock()
}

func (c *Conversation) closeOverlay(callID string) {
	c.mu.Lock()
	if c.activeCallID == callID {
		c.overlay = OverlayNoCall
		c.activeCallID = ""
	}
	c.mu.Unlock()
}

// appendCallEnded records the synthetic call-ended message with the
// finalized duration. Guarded per call id against redundant end signals.
func (c *Conversation) appendCallEnded(ctx context.Context, callID string) {
	c.mu.Lock()
	if c.endAppended[callID] {
		c.mu.Unlock()
		return
	}
	c.endAppended[callID] = true
	c.mu.Unlock()

	duration := 0
	if sess, err := c.registry.Get(ctx, callID); err == nil {
		duration = sess.Duration
	}

	if _, err := c.store.SendMessage(ctx, &model.SendMessageRequest{
		JobID:        c.jobID,
		SenderID:     c.userID,
		ReceiverID:   c.otherUserID,
		Type:         model.MessageTypeCallEnded,
		Text:         "Video call ended",
		CallID:       &callID,
		CallDuration: &duration,
	}); err != nil {
		c.logger.Warn("failed to append call-ended message",
			zap.String("call_id", callID), zap.Error(err))
	}
}
