package model

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	ConversationOpen   ConversationStatus = "open"
	ConversationClosed ConversationStatus = "closed"
)

// Direction indicates who originated a message.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// MessageType is the content type of a message.
type MessageType string

const (
	TypeText        MessageType = "text"
	TypeMedia       MessageType = "media"
	TypeTemplate    MessageType = "template"
	TypeInteractive MessageType = "interactive"
	TypeLocation    MessageType = "location"
)

// MessageStatus is a message's delivery state.
type MessageStatus string

const (
	StatusQueued    MessageStatus = "queued"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// LastMessage is the preview snapshot carried on a conversation summary.
type LastMessage struct {
	Body      string    `json:"body"`
	Timestamp int64     `json:"timestamp"`
	Direction Direction `json:"direction"`
}

// Conversation is a conversation summary as held by the store.
type Conversation struct {
	ID          string             `json:"id"`
	Phone       string             `json:"phone"`
	Name        string             `json:"name"`
	LastMessage *LastMessage       `json:"lastMessage,omitempty"`
	Status      ConversationStatus `json:"status"`
	UnreadCount int                `json:"unreadCount"`
	AssigneeID  string             `json:"assigneeId,omitempty"`
	Tags        []string           `json:"tags,omitempty"`
}

// ConversationUpdate is a partial conversation payload. Pointer fields
// distinguish "absent from the payload" from a zero value, so merges
// preserve prior state for fields the sender did not include.
type ConversationUpdate struct {
	ID          string              `json:"id"`
	Phone       *string             `json:"phone,omitempty"`
	Name        *string             `json:"name,omitempty"`
	LastMessage *LastMessage        `json:"lastMessage,omitempty"`
	Status      *ConversationStatus `json:"status,omitempty"`
	UnreadCount *int                `json:"unreadCount,omitempty"`
	AssigneeID  *string             `json:"assigneeId,omitempty"`
	Tags        []string            `json:"tags,omitempty"`
}

// Message is a single message as held by the cache.
// ID is server-assigned; ClientID is the client-generated idempotency key
// set on optimistic sends and echoed back by the server.
type Message struct {
	ID             string        `json:"id"`
	ClientID       string        `json:"clientId,omitempty"`
	ConversationID string        `json:"conversationId"`
	Direction      Direction     `json:"direction"`
	Type           MessageType   `json:"type"`
	Body           string        `json:"body"`
	Status         MessageStatus `json:"status"`
	Timestamp      int64         `json:"timestamp"`
}

// statusRank orders delivery states. Failed is absorbing and handled
// separately by NextStatus, so it carries no rank here.
var statusRank = map[MessageStatus]int{
	StatusQueued:    0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// NextStatus resolves a status transition under the delivery lattice.
// It returns the resulting status and whether the transition applies.
// Transitions are monotonic: a status never moves down-rank, duplicates
// are no-ops, and failed absorbs everything that comes after it.
func NextStatus(current, incoming MessageStatus) (MessageStatus, bool) {
	if current == StatusFailed {
		return StatusFailed, false
	}
	if incoming == StatusFailed {
		return StatusFailed, true
	}
	curRank, okCur := statusRank[current]
	newRank, okNew := statusRank[incoming]
	if !okNew {
		return current, false
	}
	if okCur && newRank <= curRank {
		return current, false
	}
	return incoming, true
}

// Merge applies a partial update onto a conversation. Present fields
// overwrite, absent fields are preserved. LastMessage only moves forward:
// a snapshot with an older timestamp never replaces a newer preview, which
// keeps the recency ordering key monotonic under out-of-order delivery.
func (c *Conversation) Merge(u ConversationUpdate) {
	if u.Phone != nil {
		c.Phone = *u.Phone
	}
	if u.Name != nil {
		c.Name = *u.Name
	}
	if u.LastMessage != nil {
		if c.LastMessage == nil || u.LastMessage.Timestamp >= c.LastMessage.Timestamp {
			lm := *u.LastMessage
			c.LastMessage = &lm
		}
	}
	if u.Status != nil {
		c.Status = *u.Status
	}
	if u.UnreadCount != nil {
		c.UnreadCount = *u.UnreadCount
	}
	if u.AssigneeID != nil {
		c.AssigneeID = *u.AssigneeID
	}
	if u.Tags != nil {
		c.Tags = append([]string(nil), u.Tags...)
	}
}

// AsUpdate converts a full conversation snapshot into an update with every
// field present. Used when replaying persisted state through the store.
func (c *Conversation) AsUpdate() ConversationUpdate {
	phone, name := c.Phone, c.Name
	status := c.Status
	unread := c.UnreadCount
	assignee := c.AssigneeID
	u := ConversationUpdate{
		ID:          c.ID,
		Phone:       &phone,
		Name:        &name,
		Status:      &status,
		UnreadCount: &unread,
		AssigneeID:  &assignee,
		Tags:        append([]string(nil), c.Tags...),
	}
	if c.LastMessage != nil {
		lm := *c.LastMessage
		u.LastMessage = &lm
	}
	return u
}

// LastMessageAt returns the conversation's ordering key, zero when no
// message has been observed yet.
func (c *Conversation) LastMessageAt() int64 {
	if c.LastMessage == nil {
		return 0
	}
	return c.LastMessage.Timestamp
}
