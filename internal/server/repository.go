package server

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go-chat-sync/internal/wire"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// SaveMessage persists one message and returns its server-assigned id
// ("m_<serial>") and timestamp.
func (r *Repository) SaveMessage(ctx context.Context, chatID, senderID int, content string) (string, time.Time, error) {
	var id int
	var createdAt time.Time
	query := `INSERT INTO messages (chat_id, sender_id, content)
	          VALUES ($1, $2, $3) RETURNING id, created_at`
	if err := r.db.QueryRowContext(ctx, query, chatID, senderID, content).Scan(&id, &createdAt); err != nil {
		return "", time.Time{}, err
	}
	return fmt.Sprintf("m_%d", id), createdAt, nil
}

// ChatHistory returns a chat's messages, oldest first.
func (r *Repository) ChatHistory(ctx context.Context, chatID, limit int) ([]wire.Message, error) {
	query := `
		SELECT m.id, m.chat_id, m.content, m.created_at, m.sender_id, u.username, COALESCE(u.avatar_url, '')
		FROM messages m
		JOIN users u ON m.sender_id = u.id
		WHERE m.chat_id = $1
		ORDER BY m.created_at ASC, m.id ASC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, chatID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []wire.Message
	for rows.Next() {
		var msg wire.Message
		var id int
		if err := rows.Scan(&id, &msg.ChatID, &msg.Content, &msg.CreatedAt,
			&msg.Author.ID, &msg.Author.Username, &msg.Author.AvatarURL); err != nil {
			return nil, err
		}
		msg.ID = fmt.Sprintf("m_%d", id)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// IsParticipant reports whether a user belongs to a chat.
func (r *Repository) IsParticipant(ctx context.Context, chatID, userID int) (bool, error) {
	var n int
	query := `SELECT COUNT(*) FROM participants WHERE chat_id = $1 AND user_id = $2`
	if err := r.db.QueryRowContext(ctx, query, chatID, userID).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// EnsurePrivateChat finds the private chat between two users, creating
// it (and its participant rows) if it doesn't exist yet.
func (r *Repository) EnsurePrivateChat(ctx context.Context, userA, userB int) (int, error) {
	var chatID int
	find := `
		SELECT p1.chat_id
		FROM participants p1
		JOIN participants p2 ON p1.chat_id = p2.chat_id
		JOIN chats c ON c.id = p1.chat_id
		WHERE p1.user_id = $1 AND p2.user_id = $2 AND c.type = 'private'
		LIMIT 1
	`
	err := r.db.QueryRowContext(ctx, find, userA, userB).Scan(&chatID)
	if err == nil {
		return chatID, nil
	}
	if err != sql.ErrNoRows {
		return 0, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if err := tx.QueryRowContext(ctx,
		`INSERT INTO chats (type) VALUES ('private') RETURNING id`).Scan(&chatID); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO participants (chat_id, user_id) VALUES ($1, $2), ($1, $3)`,
		chatID, userA, userB); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return chatID, nil
}
