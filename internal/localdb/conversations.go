package localdb

import (
	"encoding/json"
	"time"

	"zapdesk/internal/model"
)

// UpsertConversation writes a conversation snapshot through to disk.
func (db *DB) UpsertConversation(c *model.Conversation) error {
	tags, err := json.Marshal(c.Tags)
	if err != nil {
		return err
	}
	var lmBody, lmDir string
	var lmAt int64
	if c.LastMessage != nil {
		lmBody = c.LastMessage.Body
		lmAt = c.LastMessage.Timestamp
		lmDir = string(c.LastMessage.Direction)
	}
	now := time.Now().UnixMilli()
	_, err = db.Exec(`
		INSERT INTO conversations (id, phone, name, status, unread_count, assignee_id, tags,
			last_message_body, last_message_at, last_message_direction, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			phone = excluded.phone,
			name = excluded.name,
			status = excluded.status,
			unread_count = excluded.unread_count,
			assignee_id = excluded.assignee_id,
			tags = excluded.tags,
			last_message_body = CASE WHEN excluded.last_message_at >= conversations.last_message_at THEN excluded.last_message_body ELSE conversations.last_message_body END,
			last_message_direction = CASE WHEN excluded.last_message_at >= conversations.last_message_at THEN excluded.last_message_direction ELSE conversations.last_message_direction END,
			last_message_at = MAX(conversations.last_message_at, excluded.last_message_at),
			updated_at = excluded.updated_at`,
		c.ID, c.Phone, c.Name, string(c.Status), c.UnreadCount, c.AssigneeID, string(tags),
		lmBody, lmAt, lmDir, now)
	return err
}

// ListConversations returns persisted conversations sorted by last message
// timestamp descending, for warm start.
func (db *DB) ListConversations(limit int) ([]model.Conversation, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := db.Query(`
		SELECT id, phone, name, status, unread_count, assignee_id, tags,
			last_message_body, last_message_at, last_message_direction
		FROM conversations
		ORDER BY last_message_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.Conversation
	for rows.Next() {
		var c model.Conversation
		var status, tags, lmBody, lmDir string
		var lmAt int64
		if err := rows.Scan(&c.ID, &c.Phone, &c.Name, &status, &c.UnreadCount, &c.AssigneeID, &tags,
			&lmBody, &lmAt, &lmDir); err != nil {
			return nil, err
		}
		c.Status = model.ConversationStatus(status)
		if err := json.Unmarshal([]byte(tags), &c.Tags); err != nil {
			c.Tags = nil
		}
		if lmAt > 0 {
			c.LastMessage = &model.LastMessage{
				Body:      lmBody,
				Timestamp: lmAt,
				Direction: model.Direction(lmDir),
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
