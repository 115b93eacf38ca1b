package database

import (
	"database/sql"
	"errors"
	"time"

	"github.com/aberthelot/campuschat/pkg/protocol"
)

// Message is the raw persisted row. Timestamps are Unix milliseconds;
// DeliveredAt/ReadAt are nil until the corresponding status is reached.
type Message struct {
	ID          int64
	SenderID    int64
	ReceiverID  int64
	Content     string
	Status      protocol.Status
	SentAt      int64
	DeliveredAt *int64
	ReadAt      *int64
}

// ConversationSummary describes one counterpart in the caller's
// conversation list.
type ConversationSummary struct {
	UserID      int64               `json:"userId"`
	Username    string              `json:"username"`
	DisplayName string              `json:"displayName"`
	Role        string              `json:"role"`
	LastMessage protocol.MessageDTO `json:"lastMessage"`
	UnreadCount int                 `json:"unreadCount"`
}

// CreateMessage persists a new message with status "sent" and returns the
// stored row.
func (db *DB) CreateMessage(senderID, receiverID int64, content string) (*Message, error) {
	if senderID == receiverID {
		return nil, ErrSelfMessage
	}

	now := nowMillis()
	result, err := db.writeConn.Exec(`
		INSERT INTO Message (sender_id, receiver_id, content, status, sent_at)
		VALUES (?, ?, ?, ?, ?)
	`, senderID, receiverID, content, protocol.StatusSent, now)
	if err != nil {
		return nil, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}

	return &Message{
		ID:         id,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
		Status:     protocol.StatusSent,
		SentAt:     now,
	}, nil
}

// GetMessage returns the message with the given id.
func (db *DB) GetMessage(messageID int64) (*Message, error) {
	msg := &Message{}
	var deliveredAt, readAt sql.NullInt64

	err := db.conn.QueryRow(`
		SELECT id, sender_id, receiver_id, content, status, sent_at, delivered_at, read_at
		FROM Message WHERE id = ?
	`, messageID).Scan(
		&msg.ID,
		&msg.SenderID,
		&msg.ReceiverID,
		&msg.Content,
		&msg.Status,
		&msg.SentAt,
		&deliveredAt,
		&readAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}

	if deliveredAt.Valid {
		msg.DeliveredAt = &deliveredAt.Int64
	}
	if readAt.Valid {
		msg.ReadAt = &readAt.Int64
	}

	return msg, nil
}

// ApplyStatus advances the message status if (and only if) the transition
// moves the state machine forward. The timestamp for the target status is
// set the first time that status is reached and never overwritten.
// Returns the row as stored after the call and whether it changed.
func (db *DB) ApplyStatus(messageID int64, status protocol.Status) (*Message, bool, error) {
	tx, err := db.writeConn.Begin()
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	var current protocol.Status
	err = tx.QueryRow(`SELECT status FROM Message WHERE id = ?`, messageID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, ErrMessageNotFound
	}
	if err != nil {
		return nil, false, err
	}

	if !current.Advances(status) {
		// Backward or repeated transition; leave the row untouched.
		msg, err := db.GetMessage(messageID)
		return msg, false, err
	}

	now := nowMillis()
	switch status {
	case protocol.StatusDelivered:
		_, err = tx.Exec(`
			UPDATE Message SET status = ?, delivered_at = COALESCE(delivered_at, ?)
			WHERE id = ?
		`, status, now, messageID)
	case protocol.StatusRead:
		_, err = tx.Exec(`
			UPDATE Message SET status = ?, read_at = COALESCE(read_at, ?)
			WHERE id = ?
		`, status, now, messageID)
	default:
		// "sent" never advances anything; Advances() already rejected it.
		err = nil
	}
	if err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}

	msg, err := db.GetMessage(messageID)
	return msg, true, err
}

const messageDTOQuery = `
	SELECT m.id, m.sender_id, s.display_name, s.role,
	       m.receiver_id, r.display_name, r.role,
	       m.content, m.sent_at, m.delivered_at, m.read_at, m.status
	FROM Message m
	JOIN User s ON s.id = m.sender_id
	JOIN User r ON r.id = m.receiver_id
`

// GetMessageDTO returns the hydrated DTO for a message, with sender and
// receiver names and roles filled in.
func (db *DB) GetMessageDTO(messageID int64) (*protocol.MessageDTO, error) {
	row := db.conn.QueryRow(messageDTOQuery+`WHERE m.id = ?`, messageID)
	dto, err := scanMessageDTO(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	return dto, nil
}

// ListConversation returns the full ordered history between two users,
// oldest first.
func (db *DB) ListConversation(userID, counterpartID int64) ([]protocol.MessageDTO, error) {
	rows, err := db.conn.Query(messageDTOQuery+`
		WHERE (m.sender_id = ? AND m.receiver_id = ?)
		   OR (m.sender_id = ? AND m.receiver_id = ?)
		ORDER BY m.id ASC
	`, userID, counterpartID, counterpartID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []protocol.MessageDTO
	for rows.Next() {
		dto, err := scanMessageDTO(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *dto)
	}
	return messages, rows.Err()
}

// ListConversations returns one summary per counterpart the user has
// exchanged messages with, most recent conversation first. UnreadCount
// counts messages addressed to the user that have not reached "read".
func (db *DB) ListConversations(userID int64) ([]ConversationSummary, error) {
	rows, err := db.conn.Query(`
		SELECT u.id, u.username, u.display_name, u.role, MAX(m.id) AS last_id,
		       SUM(CASE WHEN m.receiver_id = ? AND m.status != ? THEN 1 ELSE 0 END) AS unread
		FROM Message m
		JOIN User u ON u.id = CASE WHEN m.sender_id = ? THEN m.receiver_id ELSE m.sender_id END
		WHERE m.sender_id = ? OR m.receiver_id = ?
		GROUP BY u.id, u.username, u.display_name, u.role
		ORDER BY last_id DESC
	`, userID, protocol.StatusRead, userID, userID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type summaryRow struct {
		summary ConversationSummary
		lastID  int64
	}

	var partial []summaryRow
	for rows.Next() {
		var sr summaryRow
		if err := rows.Scan(&sr.summary.UserID, &sr.summary.Username, &sr.summary.DisplayName,
			&sr.summary.Role, &sr.lastID, &sr.summary.UnreadCount); err != nil {
			return nil, err
		}
		partial = append(partial, sr)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	summaries := make([]ConversationSummary, 0, len(partial))
	for _, sr := range partial {
		last, err := db.GetMessageDTO(sr.lastID)
		if err != nil {
			return nil, err
		}
		sr.summary.LastMessage = *last
		summaries = append(summaries, sr.summary)
	}
	return summaries, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessageDTO(row rowScanner) (*protocol.MessageDTO, error) {
	dto := &protocol.MessageDTO{}
	var sentAt int64
	var deliveredAt, readAt sql.NullInt64

	err := row.Scan(
		&dto.ID,
		&dto.SenderID, &dto.SenderName, &dto.SenderRole,
		&dto.ReceiverID, &dto.ReceiverName, &dto.ReceiverRole,
		&dto.Content, &sentAt, &deliveredAt, &readAt, &dto.Status,
	)
	if err != nil {
		return nil, err
	}

	dto.SentAt = millisToTime(sentAt)
	if deliveredAt.Valid {
		t := millisToTime(deliveredAt.Int64)
		dto.DeliveredAt = &t
	}
	if readAt.Valid {
		t := millisToTime(readAt.Int64)
		dto.ReadAt = &t
	}

	return dto, nil
}

func millisToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
