package bus

import "time"

// Event is a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds, grouped by namespace prefix. Subscribers filter on the
// prefix up to and including the dot.
const (
	// conn.*: connection-health lifecycle, published by the transport.
	KindConnStatusChanged = "conn.status_changed"
	KindConnEstablished   = "conn.established"
	KindConnLost          = "conn.lost"
	KindConnAuthRejected  = "conn.auth_rejected"

	// push.*: decoded transport events, consumed by the engine.
	KindPushMessage = "push.message"
	KindPushStatus  = "push.status"

	// message.* / conversation.*: applied state changes, consumed by UIs.
	KindMessageUpserted       = "message.upserted"
	KindMessageStatusChanged  = "message.status_changed"
	KindMessageSendFailed     = "message.send_failed"
	KindConversationUpserted  = "conversation.upserted"
	KindConversationListReset = "conversation.list_reset"

	// sync.*: reconciliation outcomes.
	KindSyncStale = "sync.stale"
	KindSyncFresh = "sync.fresh"
)
