package localdb

import (
	"time"

	"zapdesk/internal/model"
)

// messageKey is the dedup key: the server id once assigned, the client id
// while the message is still optimistic.
func messageKey(m *model.Message) string {
	if m.ID != "" {
		return m.ID
	}
	return m.ClientID
}

// UpsertMessage writes a message snapshot through to disk, idempotent on
// (conversation, key). When an optimistic entry gains its server id the
// old client-keyed row is rewritten under the server key.
func (db *DB) UpsertMessage(m *model.Message) error {
	now := time.Now().UnixMilli()
	if m.ID != "" && m.ClientID != "" {
		// Collapse the optimistic row, if any, onto the server key.
		_, _ = db.Exec(`DELETE FROM messages WHERE conversation_id = ? AND key = ? AND msg_id = ''`,
			m.ConversationID, m.ClientID)
	}
	_, err := db.Exec(`
		INSERT INTO messages (conversation_id, key, msg_id, client_id, direction, message_type, body, status, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, key) DO UPDATE SET
			msg_id = excluded.msg_id,
			client_id = excluded.client_id,
			body = excluded.body,
			status = excluded.status,
			timestamp = excluded.timestamp`,
		m.ConversationID, messageKey(m), m.ID, m.ClientID, string(m.Direction),
		string(m.Type), m.Body, string(m.Status), m.Timestamp, now)
	return err
}

// ListMessages returns a conversation's persisted messages in timestamp
// order, newest lastN only, for warm start.
func (db *DB) ListMessages(conversationID string, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT msg_id, client_id, conversation_id, direction, message_type, body, status, timestamp
		FROM (
			SELECT * FROM messages WHERE conversation_id = ?
			ORDER BY timestamp DESC LIMIT ?
		)
		ORDER BY timestamp ASC`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.Message
	for rows.Next() {
		var m model.Message
		var dir, typ, status string
		if err := rows.Scan(&m.ID, &m.ClientID, &m.ConversationID, &dir, &typ, &m.Body, &status, &m.Timestamp); err != nil {
			return nil, err
		}
		m.Direction = model.Direction(dir)
		m.Type = model.MessageType(typ)
		m.Status = model.MessageStatus(status)
		out = append(out, m)
	}
	return out, rows.Err()
}
