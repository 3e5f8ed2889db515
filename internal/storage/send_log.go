package storage

import (
	"context"
	"fmt"
	"time"

	"outreach/internal/model"
)

// ListSendAttempts returns a campaign's send log, newest first.
func (s *Store) ListSendAttempts(ctx context.Context, campaignID string, limit, offset int) ([]model.SendAttempt, error) {
	list := []model.SendAttempt{}
	err := s.DB.SelectContext(ctx, &list, `SELECT id, campaign_id, contact_id, COALESCE(account_id, '') AS account_id,
			recipient, outcome, message_id, error, message_preview, ts
		FROM send_log WHERE campaign_id = ? ORDER BY id DESC LIMIT ? OFFSET ?`, campaignID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list send attempts: %w", err)
	}
	return list, nil
}

// CountAccountAttempts counts send_log rows an account produced since t.
func (s *Store) CountAccountAttempts(ctx context.Context, accountID string, since time.Time) (int, error) {
	var n int
	err := s.DB.GetContext(ctx, &n, `SELECT COUNT(*) FROM send_log WHERE account_id = ? AND ts >= ?`, accountID, since.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to count account attempts: %w", err)
	}
	return n, nil
}

// StatsToday summarises send_log for the UTC day containing now, plus the
// current account capacity.
func (s *Store) StatsToday(ctx context.Context, now time.Time) (model.Stats, error) {
	var st model.Stats
	start := now.UTC().Truncate(24 * time.Hour)
	end := start.Add(24 * time.Hour)

	row := s.DB.QueryRowxContext(ctx, `
		SELECT
			COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN outcome='delivered' THEN 1 ELSE 0 END), 0) AS delivered,
			COALESCE(SUM(CASE WHEN outcome='error' THEN 1 ELSE 0 END), 0) AS failed
		FROM send_log
		WHERE ts >= ? AND ts < ?`, start, end)
	if err := row.Scan(&st.AttemptsToday, &st.DeliveredToday, &st.FailedToday); err != nil {
		return st, fmt.Errorf("failed to read send stats: %w", err)
	}

	today := Day(now)
	row = s.DB.QueryRowxContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN daily_limit ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN last_reset_date = ? THEN sent_today ELSE 0 END), 0)
		FROM accounts`, model.AccountAuthorized, model.AccountAuthorized, today)
	if err := row.Scan(&st.Accounts, &st.AuthorizedAccounts, &st.DailyCapacity, &st.SentToday); err != nil {
		return st, fmt.Errorf("failed to read account stats: %w", err)
	}

	if err := s.DB.GetContext(ctx, &st.RunningCampaigns, `SELECT COUNT(*) FROM campaigns WHERE status = ?`, model.CampaignRunning); err != nil {
		return st, fmt.Errorf("failed to count running campaigns: %w", err)
	}
	return st, nil
}
