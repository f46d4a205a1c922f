package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dispatchd/dispatchd/internal/task/models"
)

// AppendMessage adds one turn to a user's conversation history.
func (r *Repository) AppendMessage(ctx context.Context, userID string, role models.ChatRole, content string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO chat_messages (user_id, role, content, created_at)
		VALUES (?, ?, ?, ?)
	`, userID, role, content, time.Now().UTC())
	return err
}

// History returns the user's last limit messages in chronological order.
func (r *Repository) History(ctx context.Context, userID string, limit int) ([]*models.ChatMessage, error) {
	rows, err := r.ro.QueryContext(ctx, `
		SELECT id, user_id, role, content, created_at
		FROM chat_messages
		WHERE user_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var messages []*models.ChatMessage
	for rows.Next() {
		msg := &models.ChatMessage{}
		if err := rows.Scan(&msg.ID, &msg.UserID, &msg.Role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Newest rows come back first; callers want oldest-to-newest.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// ClearSession wipes the user's conversation history and resets their mode
// to strict.
func (r *Repository) ClearSession(ctx context.Context, userID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_messages WHERE user_id = ?`, userID); err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("failed to rollback session clear: %w", rollbackErr)
		}
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM user_modes WHERE user_id = ?`, userID); err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("failed to rollback session clear: %w", rollbackErr)
		}
		return err
	}
	return tx.Commit()
}

// GetMode returns the user's interaction mode, defaulting to strict for
// users who never switched.
func (r *Repository) GetMode(ctx context.Context, userID string) (models.Mode, error) {
	var mode models.Mode
	err := r.ro.QueryRowContext(ctx, `SELECT mode FROM user_modes WHERE user_id = ?`, userID).Scan(&mode)
	if err == sql.ErrNoRows {
		return models.ModeStrict, nil
	}
	if err != nil {
		return "", err
	}
	return mode, nil
}

// SetMode stores the user's interaction mode.
func (r *Repository) SetMode(ctx context.Context, userID string, mode models.Mode) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO user_modes (user_id, mode, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			mode = excluded.mode,
			updated_at = excluded.updated_at
	`, userID, mode, time.Now().UTC())
	return err
}
