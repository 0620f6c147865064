// Package unread derives unread counters from cache activity and explicit
// read acknowledgments. Counters are derived state: nothing outside this
// package may set them directly.
package unread

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"zapdesk/internal/model"
	"zapdesk/internal/store"
)

// ReadAcker is the REST surface used to acknowledge reads upstream.
type ReadAcker interface {
	MarkRead(ctx context.Context, conversationID string) error
}

// Tracker tracks the focused conversation and maintains unread counters.
type Tracker struct {
	store  *store.Store
	acker  ReadAcker
	logger *zap.Logger

	mu      sync.Mutex
	focused string
}

// New creates a tracker over the given store.
func New(s *store.Store, acker ReadAcker, logger *zap.Logger) *Tracker {
	return &Tracker{store: s, acker: acker, logger: logger}
}

// Focus records the currently focused conversation. Empty means none.
func (t *Tracker) Focus(conversationID string) {
	t.mu.Lock()
	t.focused = conversationID
	t.mu.Unlock()
}

// Focused returns the currently focused conversation id.
func (t *Tracker) Focused() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.focused
}

// OnMessage reacts to a message the engine has already applied to the
// cache and store. An inbound message in a non-focused conversation bumps
// that conversation's unread counter; duplicates (isNew false) never
// double-increment.
func (t *Tracker) OnMessage(msg model.Message, isNew bool) {
	if !isNew || msg.Direction != model.DirectionInbound {
		return
	}
	if t.Focused() == msg.ConversationID {
		return
	}
	t.store.IncrementUnread(msg.ConversationID)
}

// MarkRead zeroes a conversation's unread counter and acknowledges the
// read upstream. The local reset applies even when the acknowledgment
// fails; the next resync converges the server's view.
func (t *Tracker) MarkRead(ctx context.Context, conversationID string) error {
	t.store.ResetUnread(conversationID)
	if err := t.acker.MarkRead(ctx, conversationID); err != nil {
		t.logger.Warn("read acknowledgment failed",
			zap.String("conversation", conversationID), zap.Error(err))
		return err
	}
	return nil
}
