package engine

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"zapdesk/internal/api"
	"zapdesk/internal/bus"
	"zapdesk/internal/cache"
	"zapdesk/internal/localdb"
	"zapdesk/internal/model"
	"zapdesk/internal/store"
	"zapdesk/internal/transport"
	"zapdesk/internal/unread"
)

func testDB(t *testing.T) *localdb.DB {
	t.Helper()
	db, err := localdb.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testEngine(t *testing.T, db *localdb.DB) (*Engine, *store.Store, *cache.Cache) {
	t.Helper()
	s := store.New(nil)
	c := cache.New(nil)
	tracker := unread.New(s, api.NewClient("http://127.0.0.1:1", ""), zap.NewNop())
	e := New(s, c, db, tracker, bus.New(), zap.NewNop())
	return e, s, c
}

func pushMessage(id, conv, body string, ts int64) transport.NewMessage {
	return transport.NewMessage{
		Message: model.Message{
			ID:             id,
			ConversationID: conv,
			Direction:      model.DirectionInbound,
			Type:           model.TypeText,
			Body:           body,
			Status:         model.StatusDelivered,
			Timestamp:      ts,
		},
	}
}

func TestApplyMessageCreatesConversation(t *testing.T) {
	e, s, c := testEngine(t, nil)
	e.ApplyMessage(pushMessage("m1", "c1", "hello", 100))

	conv, ok := s.Get("c1")
	if !ok {
		t.Fatal("conversation not created")
	}
	if conv.LastMessageAt() != 100 || conv.LastMessage.Body != "hello" {
		t.Errorf("preview = %+v", conv.LastMessage)
	}
	if conv.UnreadCount != 1 {
		t.Errorf("UnreadCount = %d, want 1", conv.UnreadCount)
	}
	if c.Len("c1") != 1 {
		t.Errorf("cache len = %d", c.Len("c1"))
	}
}

func TestApplyMessageDuplicateNoDoubleCount(t *testing.T) {
	e, s, _ := testEngine(t, nil)
	e.ApplyMessage(pushMessage("m1", "c1", "hello", 100))
	e.ApplyMessage(pushMessage("m1", "c1", "hello", 100))

	conv, _ := s.Get("c1")
	if conv.UnreadCount != 1 {
		t.Errorf("UnreadCount = %d, duplicate push double-counted", conv.UnreadCount)
	}
}

func TestApplyMessageWithConversationPayload(t *testing.T) {
	e, s, _ := testEngine(t, nil)
	name := "Alice"
	p := pushMessage("m1", "c1", "hello", 100)
	p.Conversation = &model.ConversationUpdate{ID: "c1", Name: &name}
	e.ApplyMessage(p)

	conv, _ := s.Get("c1")
	if conv.Name != "Alice" {
		t.Errorf("Name = %q", conv.Name)
	}
	if conv.LastMessageAt() != 100 {
		t.Errorf("derived preview missing: %+v", conv.LastMessage)
	}
}

func TestApplyStatus(t *testing.T) {
	e, _, c := testEngine(t, nil)
	e.ApplyMessage(pushMessage("m1", "c1", "hello", 100))

	e.ApplyStatus(transport.StatusUpdate{MessageID: "m1", Status: model.StatusRead})
	if got := c.Messages("c1"); got[0].Status != model.StatusRead {
		t.Errorf("status = %s", got[0].Status)
	}

	// Unknown ids are tolerated; a later resync repairs the gap.
	e.ApplyStatus(transport.StatusUpdate{MessageID: "ghost", Status: model.StatusRead})
}

func TestSendQueuesAndShowsOptimistically(t *testing.T) {
	db := testDB(t)
	e, s, c := testEngine(t, db)

	clientID, err := e.Send("c1", "outgoing")
	if err != nil {
		t.Fatal(err)
	}
	if clientID == "" {
		t.Fatal("empty client id")
	}

	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ClientMsgID != clientID {
		t.Errorf("pending = %+v", pending)
	}

	msgs := c.Messages("c1")
	if len(msgs) != 1 || msgs[0].Status != model.StatusQueued || msgs[0].ClientID != clientID {
		t.Errorf("optimistic entry = %+v", msgs)
	}
	conv, ok := s.Get("c1")
	if !ok || conv.LastMessage.Body != "outgoing" {
		t.Errorf("recency not bumped: %+v", conv)
	}
	if conv.UnreadCount != 0 {
		t.Errorf("own message counted unread: %d", conv.UnreadCount)
	}
}

func TestLoadSnapshotWarmStart(t *testing.T) {
	db := testDB(t)

	e1, _, _ := testEngine(t, db)
	e1.ApplyMessage(pushMessage("m1", "c1", "hello", 100))
	e1.ApplyMessage(pushMessage("m2", "c1", "again", 200))

	// A fresh engine over the same database sees the persisted state.
	e2, s2, c2 := testEngine(t, db)
	if err := e2.LoadSnapshot(); err != nil {
		t.Fatal(err)
	}
	conv, ok := s2.Get("c1")
	if !ok {
		t.Fatal("conversation not restored")
	}
	if conv.LastMessageAt() != 200 {
		t.Errorf("preview = %+v", conv.LastMessage)
	}
	if conv.UnreadCount != 2 {
		t.Errorf("UnreadCount = %d, want persisted 2", conv.UnreadCount)
	}
	if c2.Len("c1") != 2 {
		t.Errorf("cache len = %d, want 2", c2.Len("c1"))
	}
}
