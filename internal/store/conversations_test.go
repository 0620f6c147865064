package store

import (
	"testing"
	"time"

	"zapdesk/internal/bus"
	"zapdesk/internal/model"
)

func strPtr(s string) *string { return &s }

func TestUpsertCreatesOpenByDefault(t *testing.T) {
	s := New(nil)
	c := s.Upsert(model.ConversationUpdate{ID: "c1", Name: strPtr("Alice")})
	if c.Status != model.ConversationOpen {
		t.Errorf("Status = %s, want open", c.Status)
	}
	if c.Name != "Alice" {
		t.Errorf("Name = %q", c.Name)
	}
}

func TestUpsertMergePreservesAbsentFields(t *testing.T) {
	s := New(nil)
	s.Upsert(model.ConversationUpdate{ID: "c1", Name: strPtr("Alice"), Phone: strPtr("+551")})
	c := s.Upsert(model.ConversationUpdate{ID: "c1", Name: strPtr("Alice B")})
	if c.Name != "Alice B" || c.Phone != "+551" {
		t.Errorf("merge lost state: %+v", c)
	}
}

// A status event can reference a conversation never seen before, e.g. when
// the summary fetch is still in flight. The row is created as a stub and
// enriched later without losing the activity it already recorded.
func TestUpsertUnknownConversationThenSummary(t *testing.T) {
	s := New(nil)
	s.Upsert(model.ConversationUpdate{
		ID:          "c9",
		LastMessage: &model.LastMessage{Body: "ping", Timestamp: 20},
	})
	c, ok := s.Get("c9")
	if !ok || c.LastMessageAt() != 20 {
		t.Fatalf("stub not created: %+v ok=%v", c, ok)
	}

	// The summary arrives later with an older preview; recency must hold.
	c = s.Upsert(model.ConversationUpdate{
		ID:          "c9",
		Name:        strPtr("Late Riser"),
		LastMessage: &model.LastMessage{Body: "older", Timestamp: 10},
	})
	if c.Name != "Late Riser" {
		t.Errorf("Name = %q", c.Name)
	}
	if c.LastMessageAt() != 20 || c.LastMessage.Body != "ping" {
		t.Errorf("preview moved backwards: %+v", c.LastMessage)
	}
}

func TestListOrderedByRecency(t *testing.T) {
	s := New(nil)
	s.Upsert(model.ConversationUpdate{ID: "old", LastMessage: &model.LastMessage{Timestamp: 10}})
	s.Upsert(model.ConversationUpdate{ID: "new", LastMessage: &model.LastMessage{Timestamp: 30}})
	s.Upsert(model.ConversationUpdate{ID: "mid", LastMessage: &model.LastMessage{Timestamp: 20}})
	s.Upsert(model.ConversationUpdate{ID: "b-tie", LastMessage: &model.LastMessage{Timestamp: 20}})

	got := s.List()
	want := []string{"new", "b-tie", "mid", "old"}
	if len(got) != len(want) {
		t.Fatalf("got %d conversations, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("position %d = %s, want %s", i, got[i].ID, id)
		}
	}
}

func TestSetViewFiltersList(t *testing.T) {
	s := New(nil)
	s.Upsert(model.ConversationUpdate{ID: "c1"})
	s.Upsert(model.ConversationUpdate{ID: "c2"})
	s.Upsert(model.ConversationUpdate{ID: "c3"})

	s.SetView("ali", []string{"c2"})
	if s.Filter() != "ali" {
		t.Errorf("Filter = %q", s.Filter())
	}
	got := s.List()
	if len(got) != 1 || got[0].ID != "c2" {
		t.Errorf("filtered list = %v", got)
	}

	s.SetView("", nil)
	if len(s.List()) != 3 {
		t.Errorf("clearing filter should restore full list, got %d", len(s.List()))
	}
}

func TestUnreadMutators(t *testing.T) {
	s := New(nil)
	s.Upsert(model.ConversationUpdate{ID: "c1"})

	if got := s.IncrementUnread("c1"); got != 1 {
		t.Errorf("first increment = %d", got)
	}
	if got := s.IncrementUnread("c1"); got != 2 {
		t.Errorf("second increment = %d", got)
	}
	if got := s.IncrementUnread("ghost"); got != 0 {
		t.Errorf("unknown conversation increment = %d", got)
	}

	s.ResetUnread("c1")
	c, _ := s.Get("c1")
	if c.UnreadCount != 0 {
		t.Errorf("UnreadCount after reset = %d", c.UnreadCount)
	}
}

func TestUpsertPublishesEvent(t *testing.T) {
	b := bus.New()
	s := New(b)
	ch, unsub := b.Subscribe("conversation.", 10)
	defer unsub()

	s.Upsert(model.ConversationUpdate{ID: "c1"})

	select {
	case evt := <-ch:
		if evt.Kind != bus.KindConversationUpserted {
			t.Errorf("kind = %q", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}
}

func TestSnapshotsAreCopies(t *testing.T) {
	s := New(nil)
	s.Upsert(model.ConversationUpdate{
		ID:          "c1",
		Tags:        []string{"vip"},
		LastMessage: &model.LastMessage{Body: "x", Timestamp: 1},
	})
	c, _ := s.Get("c1")
	c.Tags[0] = "mutated"
	c.LastMessage.Body = "mutated"

	again, _ := s.Get("c1")
	if again.Tags[0] != "vip" || again.LastMessage.Body != "x" {
		t.Error("snapshot shares state with the store")
	}
}
