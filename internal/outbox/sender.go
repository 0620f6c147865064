// Package outbox drains the durable send queue against the REST API. The
// optimistic cache entry already exists by the time an entry lands here;
// the sender's job is to get it a server identity or mark it failed.
package outbox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"zapdesk/internal/api"
	"zapdesk/internal/bus"
	"zapdesk/internal/cache"
	"zapdesk/internal/localdb"
	"zapdesk/internal/model"
)

// MessageSender is the REST surface the sender needs.
type MessageSender interface {
	SendMessage(ctx context.Context, conversationID, clientID, body string) (*model.Message, error)
}

// Sender polls the outbox for queued messages and sends them.
type Sender struct {
	db     *localdb.DB
	client MessageSender
	cache  *cache.Cache
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewSender creates a new outbox sender.
func NewSender(db *localdb.DB, client MessageSender, c *cache.Cache, b *bus.Bus, logger *zap.Logger) *Sender {
	return &Sender{
		db:     db,
		client: client,
		cache:  c,
		bus:    b,
		logger: logger,
	}
}

// Start begins polling the outbox for pending messages.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop stops the sender loop.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Sender) loop(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) processPending(ctx context.Context) {
	pending, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		if ctx.Err() != nil {
			return
		}
		s.sendOne(ctx, entry)
	}
}

func (s *Sender) sendOne(ctx context.Context, entry localdb.OutboxEntry) {
	if err := s.db.MarkOutboxSending(entry.ClientMsgID); err != nil {
		s.logger.Error("failed to mark sending", zap.Error(err),
			zap.String("client_msg_id", entry.ClientMsgID))
		return
	}

	sent, err := s.client.SendMessage(ctx, entry.ConversationID, entry.ClientMsgID, entry.Body)
	if err != nil {
		if api.IsTransient(err) || ctx.Err() != nil {
			// Server or network trouble: leave the entry queued and let a
			// later drain retry it. The optimistic entry stays as is.
			s.logger.Warn("send deferred", zap.Error(err),
				zap.String("client_msg_id", entry.ClientMsgID))
			_ = s.db.RequeueOutbox(entry.ClientMsgID)
			return
		}

		s.logger.Error("send rejected", zap.Error(err),
			zap.String("client_msg_id", entry.ClientMsgID))
		_ = s.db.MarkOutboxFailed(entry.ClientMsgID, err.Error())
		if failed, ok := s.cache.FailOptimistic(entry.ClientMsgID); ok {
			_ = s.db.UpsertMessage(&failed)
		}
		s.bus.Publish(bus.Event{
			Kind:      bus.KindMessageSendFailed,
			Timestamp: time.Now(),
			Payload: SendFailed{
				ClientID:       entry.ClientMsgID,
				ConversationID: entry.ConversationID,
				Error:          err.Error(),
			},
		})
		return
	}

	if err := s.db.MarkOutboxSent(entry.ClientMsgID, sent.ID); err != nil {
		s.logger.Error("failed to mark sent", zap.Error(err),
			zap.String("client_msg_id", entry.ClientMsgID))
	}

	// The response carries the server identity for the optimistic entry.
	// Appending it promotes the entry in place; the same message arriving
	// later over the socket is then a no-op duplicate.
	sent.ClientID = entry.ClientMsgID
	if sent.ConversationID == "" {
		sent.ConversationID = entry.ConversationID
	}
	res := s.cache.Append(*sent)
	_ = s.db.UpsertMessage(&res.Message)

	s.logger.Info("message sent",
		zap.String("client_msg_id", entry.ClientMsgID),
		zap.String("server_msg_id", sent.ID))
}

// SendFailed is the payload of a message.send_failed event.
type SendFailed struct {
	ClientID       string `json:"clientId"`
	ConversationID string `json:"conversationId"`
	Error          string `json:"error"`
}
