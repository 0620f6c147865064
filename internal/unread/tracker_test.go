package unread

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"zapdesk/internal/model"
	"zapdesk/internal/store"
)

type fakeAcker struct {
	calls []string
	err   error
}

func (f *fakeAcker) MarkRead(_ context.Context, conversationID string) error {
	f.calls = append(f.calls, conversationID)
	return f.err
}

func setup() (*store.Store, *fakeAcker, *Tracker) {
	s := store.New(nil)
	s.Upsert(model.ConversationUpdate{ID: "c1"})
	acker := &fakeAcker{}
	return s, acker, New(s, acker, zap.NewNop())
}

func msg(conv string, dir model.Direction) model.Message {
	return model.Message{ID: "m1", ConversationID: conv, Direction: dir}
}

func TestInboundIncrementsUnread(t *testing.T) {
	s, _, tr := setup()
	tr.OnMessage(msg("c1", model.DirectionInbound), true)
	tr.OnMessage(model.Message{ID: "m2", ConversationID: "c1", Direction: model.DirectionInbound}, true)

	c, _ := s.Get("c1")
	if c.UnreadCount != 2 {
		t.Errorf("UnreadCount = %d, want 2", c.UnreadCount)
	}
}

func TestDuplicateDoesNotDoubleIncrement(t *testing.T) {
	s, _, tr := setup()
	tr.OnMessage(msg("c1", model.DirectionInbound), true)
	tr.OnMessage(msg("c1", model.DirectionInbound), false)

	c, _ := s.Get("c1")
	if c.UnreadCount != 1 {
		t.Errorf("UnreadCount = %d, want 1", c.UnreadCount)
	}
}

func TestOutboundNeverIncrements(t *testing.T) {
	s, _, tr := setup()
	tr.OnMessage(msg("c1", model.DirectionOutbound), true)

	c, _ := s.Get("c1")
	if c.UnreadCount != 0 {
		t.Errorf("UnreadCount = %d, want 0", c.UnreadCount)
	}
}

func TestFocusedConversationStaysRead(t *testing.T) {
	s, _, tr := setup()
	tr.Focus("c1")
	tr.OnMessage(msg("c1", model.DirectionInbound), true)

	c, _ := s.Get("c1")
	if c.UnreadCount != 0 {
		t.Errorf("UnreadCount = %d, want 0 while focused", c.UnreadCount)
	}

	tr.Focus("")
	tr.OnMessage(model.Message{ID: "m2", ConversationID: "c1", Direction: model.DirectionInbound}, true)
	c, _ = s.Get("c1")
	if c.UnreadCount != 1 {
		t.Errorf("UnreadCount = %d after unfocus, want 1", c.UnreadCount)
	}
}

func TestMarkReadResetsAndAcks(t *testing.T) {
	s, acker, tr := setup()
	tr.OnMessage(msg("c1", model.DirectionInbound), true)

	if err := tr.MarkRead(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	c, _ := s.Get("c1")
	if c.UnreadCount != 0 {
		t.Errorf("UnreadCount = %d", c.UnreadCount)
	}
	if len(acker.calls) != 1 || acker.calls[0] != "c1" {
		t.Errorf("acks = %v", acker.calls)
	}
}

// The local reset holds even when the upstream acknowledgment fails; a
// later resync converges the server view.
func TestMarkReadAckFailureKeepsLocalReset(t *testing.T) {
	s, acker, tr := setup()
	acker.err = errors.New("boom")
	tr.OnMessage(msg("c1", model.DirectionInbound), true)

	if err := tr.MarkRead(context.Background(), "c1"); err == nil {
		t.Fatal("expected error")
	}
	c, _ := s.Get("c1")
	if c.UnreadCount != 0 {
		t.Errorf("UnreadCount = %d, want local reset to hold", c.UnreadCount)
	}
}
