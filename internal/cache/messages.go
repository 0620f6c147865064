// Package cache holds the per-conversation message sequences. It is the
// single owner of Message entities: ordered by timestamp, deduplicated by
// server identifier, with delivery status applied through the monotonic
// lattice so duplicate and out-of-order events are harmless.
package cache

import (
	"sort"
	"sync"
	"time"

	"zapdesk/internal/bus"
	"zapdesk/internal/model"
)

// Cache is the message cache, partitioned by conversation identifier.
type Cache struct {
	bus *bus.Bus

	mu         sync.RWMutex
	byConv     map[string][]*model.Message
	byID       map[string]*model.Message
	byClientID map[string]*model.Message
}

// New creates an empty cache. The bus may be nil in tests.
func New(b *bus.Bus) *Cache {
	return &Cache{
		bus:        b,
		byConv:     make(map[string][]*model.Message),
		byID:       make(map[string]*model.Message),
		byClientID: make(map[string]*model.Message),
	}
}

// AppendResult describes what Append did.
type AppendResult struct {
	Message  model.Message
	New      bool // a new entry became visible
	Replaced bool // an optimistic entry was reconciled in place
}

// Append adds a message observed from the transport, a REST page, or an
// optimistic send. Duplicates (by server id) only feed the status lattice.
// A message whose clientId matches a pending optimistic entry replaces that
// entry in place, preserving its position. Otherwise the message is
// inserted at its timestamp position, so a late arrival with an older
// timestamp lands where it belongs rather than at the tail.
func (c *Cache) Append(msg model.Message) AppendResult {
	c.mu.Lock()

	// Duplicate delivery of a known server message.
	if msg.ID != "" {
		if existing, ok := c.byID[msg.ID]; ok {
			next, changed := model.NextStatus(existing.Status, msg.Status)
			existing.Status = next
			snapshot := *existing
			c.mu.Unlock()
			if changed {
				c.publish(bus.KindMessageStatusChanged, snapshot)
			}
			return AppendResult{Message: snapshot}
		}
	}

	// Server echo of an optimistic send: reconcile in place.
	if msg.ClientID != "" {
		if pending, ok := c.byClientID[msg.ClientID]; ok && pending.ID == "" {
			pending.ID = msg.ID
			pending.Body = msg.Body
			pending.Type = msg.Type
			if msg.Timestamp != 0 {
				pending.Timestamp = msg.Timestamp
			}
			if next, ok := model.NextStatus(pending.Status, msg.Status); ok {
				pending.Status = next
			}
			if msg.ID != "" {
				c.byID[msg.ID] = pending
			}
			snapshot := *pending
			c.mu.Unlock()
			c.publish(bus.KindMessageUpserted, snapshot)
			return AppendResult{Message: snapshot, Replaced: true}
		}
	}

	entry := msg
	seq := c.byConv[msg.ConversationID]
	idx := sort.Search(len(seq), func(i int) bool {
		return seq[i].Timestamp > entry.Timestamp
	})
	seq = append(seq, nil)
	copy(seq[idx+1:], seq[idx:])
	seq[idx] = &entry
	c.byConv[msg.ConversationID] = seq

	if entry.ID != "" {
		c.byID[entry.ID] = &entry
	}
	if entry.ClientID != "" {
		c.byClientID[entry.ClientID] = &entry
	}
	snapshot := entry
	c.mu.Unlock()

	c.publish(bus.KindMessageUpserted, snapshot)
	return AppendResult{Message: snapshot, New: true}
}

// ApplyStatus applies a delivery status to a message by server identifier.
// Down-rank and duplicate statuses are no-ops; failed always applies.
// Returns the resulting message and whether anything changed. Unknown
// identifiers report false; a later resync repairs the gap.
func (c *Cache) ApplyStatus(messageID string, status model.MessageStatus) (model.Message, bool) {
	c.mu.Lock()
	m, ok := c.byID[messageID]
	if !ok {
		c.mu.Unlock()
		return model.Message{}, false
	}
	next, changed := model.NextStatus(m.Status, status)
	m.Status = next
	snapshot := *m
	c.mu.Unlock()

	if changed {
		c.publish(bus.KindMessageStatusChanged, snapshot)
	}
	return snapshot, changed
}

// FailOptimistic marks a pending optimistic entry as failed by its client
// identifier. Used by the send pipeline when the platform rejects a send
// before any server identifier exists.
func (c *Cache) FailOptimistic(clientID string) (model.Message, bool) {
	c.mu.Lock()
	m, ok := c.byClientID[clientID]
	if !ok {
		c.mu.Unlock()
		return model.Message{}, false
	}
	next, changed := model.NextStatus(m.Status, model.StatusFailed)
	m.Status = next
	snapshot := *m
	c.mu.Unlock()

	if changed {
		c.publish(bus.KindMessageStatusChanged, snapshot)
	}
	return snapshot, changed
}

// Messages returns a copy of a conversation's message sequence in
// timestamp order.
func (c *Cache) Messages(conversationID string) []model.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	seq := c.byConv[conversationID]
	out := make([]model.Message, len(seq))
	for i, m := range seq {
		out[i] = *m
	}
	return out
}

// Len returns the number of cached messages for a conversation.
func (c *Cache) Len(conversationID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byConv[conversationID])
}

func (c *Cache) publish(kind string, payload any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
