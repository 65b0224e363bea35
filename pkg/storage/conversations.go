package storage

// updateConversation refreshes conversation metadata after a new message.
// Inbound messages bump the unread counter; outbound ones do not.
func (s *MessageStore) updateConversation(msg *StoredMessage) error {
	preview := msg.Content
	if len(preview) > 100 {
		preview = preview[:100] + "..."
	}

	peer := msg.RecipientID
	if !msg.IsOutgoing {
		peer = msg.SenderID
	}

	query := `
		INSERT INTO conversations (
			id, peer_id, last_message_id, last_message,
			last_timestamp, unread_count
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_message_id = excluded.last_message_id,
			last_message = excluded.last_message,
			last_timestamp = excluded.last_timestamp,
			unread_count = conversations.unread_count + excluded.unread_count
	`

	initialUnread := 0
	if !msg.IsOutgoing {
		initialUnread = 1
	}

	_, err := s.db.Exec(
		query,
		msg.ConversationID,
		peer,
		msg.MessageID,
		preview,
		msg.Timestamp,
		initialUnread,
	)
	return err
}

// GetConversations retrieves all conversations, most recent first
func (s *MessageStore) GetConversations() ([]*Conversation, error) {
	query := `
		SELECT id, peer_id, last_message_id, last_message,
		       last_timestamp, unread_count
		FROM conversations
		ORDER BY last_timestamp DESC
	`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conversations []*Conversation
	for rows.Next() {
		var conv Conversation
		err := rows.Scan(
			&conv.ID,
			&conv.PeerID,
			&conv.LastMessageID,
			&conv.LastMessage,
			&conv.LastTimestamp,
			&conv.UnreadCount,
		)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, &conv)
	}
	return conversations, rows.Err()
}

// MarkConversationRead resets the unread counter
func (s *MessageStore) MarkConversationRead(conversationID string) error {
	query := `UPDATE conversations SET unread_count = 0 WHERE id = ?`
	_, err := s.db.Exec(query, conversationID)
	return err
}
