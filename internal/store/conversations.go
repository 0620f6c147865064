// Package store holds the authoritative in-memory conversation table.
// It is the single owner of Conversation entities; other components affect
// it only through Upsert and the unread mutators, and observe it through
// snapshots and conversation.* bus events.
package store

import (
	"sort"
	"sync"
	"time"

	"zapdesk/internal/bus"
	"zapdesk/internal/model"
)

// Store is the conversation table, ordered by recency of last message.
type Store struct {
	bus *bus.Bus

	mu     sync.RWMutex
	byID   map[string]*model.Conversation
	filter string
	view   map[string]struct{} // nil when no search filter is active
}

// New creates an empty store. The bus may be nil in tests.
func New(b *bus.Bus) *Store {
	return &Store{
		bus:  b,
		byID: make(map[string]*model.Conversation),
	}
}

// Upsert merges a partial or full conversation payload by identifier.
// Fields present in the payload overwrite, absent fields are retained, and
// the recency preview never moves backwards in time. Returns a copy of the
// resulting conversation.
func (s *Store) Upsert(u model.ConversationUpdate) model.Conversation {
	s.mu.Lock()
	c, ok := s.byID[u.ID]
	if !ok {
		c = &model.Conversation{ID: u.ID, Status: model.ConversationOpen}
		s.byID[u.ID] = c
	}
	c.Merge(u)
	snapshot := cloneConversation(c)
	s.mu.Unlock()

	s.publish(bus.KindConversationUpserted, snapshot)
	return snapshot
}

// Get returns a copy of a conversation.
func (s *Store) Get(id string) (model.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byID[id]
	if !ok {
		return model.Conversation{}, false
	}
	return cloneConversation(c), true
}

// List returns the visible conversation list sorted by last-message
// timestamp descending. When a search filter is active only matching
// conversations are returned.
func (s *Store) List() []model.Conversation {
	s.mu.RLock()
	out := make([]model.Conversation, 0, len(s.byID))
	for id, c := range s.byID {
		if s.view != nil {
			if _, ok := s.view[id]; !ok {
				continue
			}
		}
		out = append(out, cloneConversation(c))
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		ti, tj := out[i].LastMessageAt(), out[j].LastMessageAt()
		if ti != tj {
			return ti > tj
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Filter returns the active search filter text, empty when unfiltered.
func (s *Store) Filter() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filter
}

// SetView installs the visible subset for a search filter. A nil ids slice
// with empty filter clears filtering entirely. Called only by the searcher
// after sequence arbitration.
func (s *Store) SetView(filter string, ids []string) {
	s.mu.Lock()
	s.filter = filter
	if filter == "" {
		s.view = nil
	} else {
		s.view = make(map[string]struct{}, len(ids))
		for _, id := range ids {
			s.view[id] = struct{}{}
		}
	}
	s.mu.Unlock()

	s.publish(bus.KindConversationListReset, filter)
}

// IncrementUnread bumps a conversation's unread counter. Reserved for the
// unread tracker; unread is derived state and no other caller may set it.
func (s *Store) IncrementUnread(id string) int {
	s.mu.Lock()
	c, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return 0
	}
	c.UnreadCount++
	count := c.UnreadCount
	snapshot := cloneConversation(c)
	s.mu.Unlock()

	s.publish(bus.KindConversationUpserted, snapshot)
	return count
}

// ResetUnread zeroes a conversation's unread counter.
func (s *Store) ResetUnread(id string) {
	s.mu.Lock()
	c, ok := s.byID[id]
	if !ok || c.UnreadCount == 0 {
		s.mu.Unlock()
		return
	}
	c.UnreadCount = 0
	snapshot := cloneConversation(c)
	s.mu.Unlock()

	s.publish(bus.KindConversationUpserted, snapshot)
}

func (s *Store) publish(kind string, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

func cloneConversation(c *model.Conversation) model.Conversation {
	out := *c
	if c.LastMessage != nil {
		lm := *c.LastMessage
		out.LastMessage = &lm
	}
	out.Tags = append([]string(nil), c.Tags...)
	return out
}
