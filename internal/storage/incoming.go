package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"outreach/internal/model"
)

const incomingCols = `id,account_id,from_phone,from_username,from_first_name,from_last_name,
	message_text,message_type,chat_id,message_id,received_at,created_at`

// SaveIncomingMessage stores m and fills in its ID. A message the account
// already holds (same chat and message id) is not stored twice; the stored
// copy is loaded into m and created is false.
func (s *Store) SaveIncomingMessage(ctx context.Context, m *model.IncomingMessage) (created bool, err error) {
	now := time.Now().UTC()
	m.ID = uuid.NewString()
	m.CreatedAt = now
	if m.ReceivedAt.IsZero() {
		m.ReceivedAt = now
	}
	m.ReceivedAt = m.ReceivedAt.UTC()

	res, err := s.DB.NamedExecContext(ctx, `INSERT INTO incoming_messages (`+incomingCols+`)
		VALUES (:id,:account_id,:from_phone,:from_username,:from_first_name,:from_last_name,
			:message_text,:message_type,:chat_id,:message_id,:received_at,:created_at)
		ON CONFLICT(account_id, chat_id, message_id) DO NOTHING`, m)
	if err != nil {
		if isForeignKeyViolation(err) {
			return false, fmt.Errorf("account %s: %w", m.AccountID, model.ErrNotFound)
		}
		return false, fmt.Errorf("failed to save incoming message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	if n == 1 {
		return true, nil
	}

	err = s.DB.GetContext(ctx, m, `SELECT `+incomingCols+` FROM incoming_messages
		WHERE account_id = ? AND chat_id = ? AND message_id = ?`, m.AccountID, m.ChatID, m.MessageID)
	if err != nil {
		return false, fmt.Errorf("failed to load stored message: %w", err)
	}
	return false, nil
}

func (s *Store) GetIncomingMessage(ctx context.Context, id string) (model.IncomingMessage, error) {
	var m model.IncomingMessage
	err := s.DB.GetContext(ctx, &m, `SELECT `+incomingCols+` FROM incoming_messages WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return m, fmt.Errorf("message %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return m, fmt.Errorf("failed to get incoming message: %w", err)
	}
	return m, nil
}

// ListIncomingMessages returns the newest messages first. An empty
// accountID lists every account.
func (s *Store) ListIncomingMessages(ctx context.Context, accountID string, limit int) ([]model.IncomingMessage, error) {
	list := []model.IncomingMessage{}
	err := s.DB.SelectContext(ctx, &list, `SELECT `+incomingCols+` FROM incoming_messages
		WHERE (? = '' OR account_id = ?)
		ORDER BY received_at DESC, rowid DESC LIMIT ?`, accountID, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list incoming messages: %w", err)
	}
	return list, nil
}

func (s *Store) DeleteIncomingMessage(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM incoming_messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete incoming message: %w", err)
	}
	return mustAffect(res, "message", id)
}
