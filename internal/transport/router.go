package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"zapdesk/internal/bus"
	"zapdesk/internal/model"
)

// NewMessage is the payload of push.message bus events.
type NewMessage struct {
	Message      model.Message             `json:"message"`
	Conversation *model.ConversationUpdate `json:"conversation,omitempty"`
}

// StatusUpdate is the payload of push.status bus events.
type StatusUpdate struct {
	MessageID string              `json:"messageId"`
	Status    model.MessageStatus `json:"status"`
}

// Router demultiplexes inbound envelopes into typed bus events and manages
// per-conversation subscriptions. Join/leave intents are recorded locally
// and replayed after every (re)connection, so a subscription taken while
// offline is never silently lost.
type Router struct {
	client *Client
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc

	mu     sync.Mutex
	joined map[string]struct{}
}

// NewRouter creates a router and installs it as the client's envelope
// handler.
func NewRouter(client *Client, b *bus.Bus, logger *zap.Logger) *Router {
	r := &Router{
		client: client,
		bus:    b,
		logger: logger,
		joined: make(map[string]struct{}),
	}
	client.OnEnvelope(r.dispatch)
	return r
}

// Start watches for established sessions and replays subscriptions.
func (r *Router) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	ch, unsub := r.bus.Subscribe("conn.", 16)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				if evt.Kind == bus.KindConnEstablished {
					r.Replay(ctx)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the replay watcher.
func (r *Router) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

// Subscribe registers interest in a conversation. A no-op on the wire when
// the session is down; the intent is kept and replayed on reconnect.
func (r *Router) Subscribe(ctx context.Context, conversationID string) {
	r.mu.Lock()
	r.joined[conversationID] = struct{}{}
	r.mu.Unlock()
	r.send(ctx, Command{Type: cmdJoin, Payload: joinPayload{ConversationID: conversationID}})
}

// Unsubscribe removes interest in a conversation.
func (r *Router) Unsubscribe(ctx context.Context, conversationID string) {
	r.mu.Lock()
	delete(r.joined, conversationID)
	r.mu.Unlock()
	r.send(ctx, Command{Type: cmdLeave, Payload: joinPayload{ConversationID: conversationID}})
}

// Joined returns the currently subscribed conversation ids, sorted.
func (r *Router) Joined() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.joined))
	for id := range r.joined {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Replay re-issues join commands for every recorded subscription. Joins are
// idempotent server-side, so replaying on both reconnect and post-resync is
// safe.
func (r *Router) Replay(ctx context.Context) {
	for _, id := range r.Joined() {
		r.send(ctx, Command{Type: cmdJoin, Payload: joinPayload{ConversationID: id}})
	}
}

type joinPayload struct {
	ConversationID string `json:"conversationId"`
}

func (r *Router) send(ctx context.Context, cmd Command) {
	err := r.client.Send(ctx, cmd)
	if err == nil || errors.Is(err, ErrNotConnected) {
		return
	}
	r.logger.Warn("subscription command failed",
		zap.String("command", cmd.Type), zap.Error(err))
}

// dispatch decodes an inbound envelope and publishes the typed event.
// Unknown types are logged and dropped, preserving forward compatibility
// with transport evolution.
func (r *Router) dispatch(env Envelope) {
	switch env.Type {
	case envNewMessage:
		var payload NewMessage
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			r.logger.Warn("malformed new-message payload", zap.Error(err))
			return
		}
		r.bus.Publish(bus.Event{
			Kind:      bus.KindPushMessage,
			Timestamp: time.Now(),
			Payload:   payload,
		})
	case envStatusUpdate:
		var payload StatusUpdate
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			r.logger.Warn("malformed status-update payload", zap.Error(err))
			return
		}
		r.bus.Publish(bus.Event{
			Kind:      bus.KindPushStatus,
			Timestamp: time.Now(),
			Payload:   payload,
		})
	case envConnected:
		// Duplicate handshake ack after resume; nothing to do.
	default:
		r.logger.Warn("unknown push event type", zap.String("type", env.Type))
	}
}
