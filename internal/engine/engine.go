// Package engine is the single writer of the synchronized state. It
// consumes decoded push events from the bus and applies each one fully
// (cache, then store, then the unread tracker) before the next, so
// cross-component effects stay deterministic without locking between them.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"zapdesk/internal/bus"
	"zapdesk/internal/cache"
	"zapdesk/internal/localdb"
	"zapdesk/internal/model"
	"zapdesk/internal/store"
	"zapdesk/internal/transport"
	"zapdesk/internal/unread"
)

// Engine applies push events to the store and cache.
type Engine struct {
	store   *store.Store
	cache   *cache.Cache
	db      *localdb.DB
	tracker *unread.Tracker
	bus     *bus.Bus
	logger  *zap.Logger
	cancel  context.CancelFunc
}

// New creates an engine. db may be nil to disable write-through.
func New(s *store.Store, c *cache.Cache, db *localdb.DB, tracker *unread.Tracker, b *bus.Bus, logger *zap.Logger) *Engine {
	return &Engine{
		store:   s,
		cache:   c,
		db:      db,
		tracker: tracker,
		bus:     b,
		logger:  logger,
	}
}

// Start subscribes to decoded push events on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	ch, unsub := e.bus.Subscribe("push.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.KindPushMessage:
		payload, ok := evt.Payload.(transport.NewMessage)
		if !ok {
			return
		}
		e.ApplyMessage(payload)
	case bus.KindPushStatus:
		payload, ok := evt.Payload.(transport.StatusUpdate)
		if !ok {
			return
		}
		e.ApplyStatus(payload)
	}
}

// ApplyMessage ingests one new-message event: the cache deduplicates and
// orders it, the store's summary follows, and only then does the unread
// tracker react. Safe to call with duplicates.
func (e *Engine) ApplyMessage(p transport.NewMessage) {
	res := e.cache.Append(p.Message)

	u := model.ConversationUpdate{ID: p.Message.ConversationID}
	if p.Conversation != nil {
		u = *p.Conversation
		if u.ID == "" {
			u.ID = p.Message.ConversationID
		}
	}
	if u.LastMessage == nil {
		u.LastMessage = &model.LastMessage{
			Body:      p.Message.Body,
			Timestamp: p.Message.Timestamp,
			Direction: p.Message.Direction,
		}
	}
	e.store.Upsert(u)

	e.tracker.OnMessage(res.Message, res.New)

	e.persistMessage(res.Message)
	e.persistConversation(u.ID)
}

// ApplyStatus ingests one message-status-update event through the lattice.
func (e *Engine) ApplyStatus(p transport.StatusUpdate) {
	msg, changed := e.cache.ApplyStatus(p.MessageID, p.Status)
	if !changed {
		if msg.ID == "" {
			e.logger.Debug("status update for unknown message",
				zap.String("message_id", p.MessageID))
		}
		return
	}
	e.persistMessage(msg)
}

// Send creates an optimistic outbound message and queues it durably for
// the send pipeline. Returns the client-generated idempotency key that the
// server will echo back on the corresponding new-message event.
func (e *Engine) Send(conversationID, body string) (string, error) {
	clientID := uuid.New().String()
	if e.db != nil {
		if err := e.db.QueueOutbox(clientID, conversationID, body); err != nil {
			return "", fmt.Errorf("queue outbox: %w", err)
		}
	}

	now := time.Now().UnixMilli()
	optimistic := model.Message{
		ClientID:       clientID,
		ConversationID: conversationID,
		Direction:      model.DirectionOutbound,
		Type:           model.TypeText,
		Body:           body,
		Status:         model.StatusQueued,
		Timestamp:      now,
	}
	res := e.cache.Append(optimistic)
	e.store.Upsert(model.ConversationUpdate{
		ID: conversationID,
		LastMessage: &model.LastMessage{
			Body:      body,
			Timestamp: now,
			Direction: model.DirectionOutbound,
		},
	})

	e.persistMessage(res.Message)
	e.persistConversation(conversationID)
	return clientID, nil
}

// LoadSnapshot replays the persisted state into the store and cache for a
// warm start, before the first resync lands.
func (e *Engine) LoadSnapshot() error {
	if e.db == nil {
		return nil
	}
	convs, err := e.db.ListConversations(0)
	if err != nil {
		return fmt.Errorf("load conversations: %w", err)
	}
	for i := range convs {
		e.store.Upsert(convs[i].AsUpdate())
		msgs, err := e.db.ListMessages(convs[i].ID, 0)
		if err != nil {
			return fmt.Errorf("load messages for %s: %w", convs[i].ID, err)
		}
		for _, m := range msgs {
			e.cache.Append(m)
		}
	}
	if len(convs) > 0 {
		e.logger.Info("snapshot loaded", zap.Int("conversations", len(convs)))
	}
	return nil
}

func (e *Engine) persistMessage(m model.Message) {
	if e.db == nil {
		return
	}
	if err := e.db.UpsertMessage(&m); err != nil {
		e.logger.Warn("persist message failed", zap.Error(err))
	}
}

func (e *Engine) persistConversation(id string) {
	if e.db == nil {
		return
	}
	c, ok := e.store.Get(id)
	if !ok {
		return
	}
	if err := e.db.UpsertConversation(&c); err != nil {
		e.logger.Warn("persist conversation failed", zap.Error(err))
	}
}
