package storage

import (
	"database/sql"
	"fmt"
)

const messageColumns = `id, message_id, conversation_id, sender_id, sender_name,
       recipient_id, content, timestamp, status, is_outgoing, hop_count`

// SaveMessage stores a message and refreshes its conversation row
func (s *MessageStore) SaveMessage(msg *StoredMessage) error {
	query := `
		INSERT INTO messages (
			message_id, conversation_id, sender_id, sender_name,
			recipient_id, content, timestamp, status, is_outgoing, hop_count
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.Exec(
		query,
		msg.MessageID,
		msg.ConversationID,
		msg.SenderID,
		msg.SenderName,
		msg.RecipientID,
		msg.Content,
		msg.Timestamp,
		msg.Status,
		boolToInt(msg.IsOutgoing),
		msg.HopCount,
	)
	if err != nil {
		return fmt.Errorf("failed to save message: %v", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	msg.ID = id

	if err := s.updateConversation(msg); err != nil {
		return fmt.Errorf("failed to update conversation: %v", err)
	}
	return nil
}

// GetMessage retrieves a message by its protocol message id
func (s *MessageStore) GetMessage(messageID string) (*StoredMessage, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE message_id = ?`

	msg, err := scanMessage(s.db.QueryRow(query, messageID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return msg, err
}

// GetConversationMessages retrieves messages for a conversation, newest first
func (s *MessageStore) GetConversationMessages(conversationID string, limit, offset int) ([]*StoredMessage, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE conversation_id = ?
		ORDER BY timestamp DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.Query(query, conversationID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*StoredMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// UpdateMessageStatus updates the delivery status of a message
func (s *MessageStore) UpdateMessageStatus(messageID string, status string) error {
	query := `UPDATE messages SET status = ? WHERE message_id = ?`
	_, err := s.db.Exec(query, status, messageID)
	return err
}

// DeleteMessage deletes a message
func (s *MessageStore) DeleteMessage(messageID string) error {
	query := `DELETE FROM messages WHERE message_id = ?`
	_, err := s.db.Exec(query, messageID)
	return err
}

// SearchMessages searches message content, newest first
func (s *MessageStore) SearchMessages(searchText string, limit int) ([]*StoredMessage, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE content LIKE ?
		ORDER BY timestamp DESC
		LIMIT ?
	`

	rows, err := s.db.Query(query, "%"+searchText+"%", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*StoredMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// scanner covers both sql.Row and sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row scanner) (*StoredMessage, error) {
	var msg StoredMessage
	var isOutgoing int

	err := row.Scan(
		&msg.ID,
		&msg.MessageID,
		&msg.ConversationID,
		&msg.SenderID,
		&msg.SenderName,
		&msg.RecipientID,
		&msg.Content,
		&msg.Timestamp,
		&msg.Status,
		&isOutgoing,
		&msg.HopCount,
	)
	if err != nil {
		return nil, err
	}

	msg.IsOutgoing = intToBool(isOutgoing)
	return &msg, nil
}
