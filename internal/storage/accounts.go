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

const accountCols = `id,label,phone,api_id,api_hash,status,daily_limit,sent_today,last_reset_date,
	code_handle,pending_code,session,cooldown_until,last_auth_attempt,last_error,created_at,updated_at`

// CreateAccount inserts a new unauthenticated account and fills in its ID.
func (s *Store) CreateAccount(ctx context.Context, a *model.Account) error {
	if a.DailyLimit <= 0 {
		a.DailyLimit = model.DefaultDailyLimit
	}
	now := time.Now().UTC()
	a.ID = uuid.NewString()
	a.Status = model.AccountUnauthenticated
	a.SentToday = 0
	a.LastResetDate = Day(now)
	a.CreatedAt = now
	a.UpdatedAt = now

	_, err := s.DB.NamedExecContext(ctx, `INSERT INTO accounts
		(id,label,phone,api_id,api_hash,status,daily_limit,sent_today,last_reset_date,created_at,updated_at)
		VALUES (:id,:label,:phone,:api_id,:api_hash,:status,:daily_limit,:sent_today,:last_reset_date,:created_at,:updated_at)`, a)
	if isUniqueViolation(err) {
		return fmt.Errorf("account with phone %s: %w", a.Phone, model.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (model.Account, error) {
	var a model.Account
	err := s.DB.GetContext(ctx, &a, `SELECT `+accountCols+` FROM accounts WHERE id=?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return a, fmt.Errorf("account %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return a, fmt.Errorf("failed to get account: %w", err)
	}
	return a, nil
}

// ListAccounts returns all accounts ordered by created_at desc.
func (s *Store) ListAccounts(ctx context.Context) ([]model.Account, error) {
	list := []model.Account{}
	if err := s.DB.SelectContext(ctx, &list, `SELECT `+accountCols+` FROM accounts ORDER BY created_at DESC`); err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return list, nil
}

// ListAuthorizedAccounts returns authorized accounts in creation order with
// sent_today already rolled over for the given day.
func (s *Store) ListAuthorizedAccounts(ctx context.Context, today string) ([]model.Account, error) {
	list := []model.Account{}
	err := s.DB.SelectContext(ctx, &list, `SELECT `+accountCols+` FROM accounts
		WHERE status = ?
		ORDER BY created_at ASC, rowid ASC`, model.AccountAuthorized)
	if err != nil {
		return nil, fmt.Errorf("failed to list authorized accounts: %w", err)
	}
	for i := range list {
		list[i].SentToday = list[i].EffectiveSentToday(today)
	}
	return list, nil
}

// UpdateAccount changes operator-editable settings. Nil fields are left alone.
// A daily limit below what the account already sent today is refused in the
// same statement, so a concurrent reservation cannot slip past the new limit.
func (s *Store) UpdateAccount(ctx context.Context, id string, label *string, dailyLimit *int) error {
	today := Day(time.Now())
	res, err := s.DB.ExecContext(ctx, `UPDATE accounts
		SET label = COALESCE(?, label), daily_limit = COALESCE(?, daily_limit), updated_at = ?
		WHERE id = ?
			AND COALESCE(?, daily_limit) >= (CASE WHEN last_reset_date < ? THEN 0 ELSE sent_today END)`,
		label, dailyLimit, time.Now().UTC(), id, dailyLimit, today)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if n == 1 {
		return nil
	}
	a, err := s.GetAccount(ctx, id)
	if err != nil {
		return err
	}
	return model.Invalid("daily_limit", "must not be below the %d messages already sent today", a.EffectiveSentToday(today))
}

// DeleteAccount removes an account; its send_log rows keep a NULL account.
func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM accounts WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	return mustAffect(res, "account", id)
}

// SaveAuthState writes the whole login state of an account in one statement.
// LastAuthAttempt is only overwritten when set.
func (s *Store) SaveAuthState(ctx context.Context, id string, st model.AuthState) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE accounts SET
			status = ?, code_handle = ?, pending_code = ?, session = ?,
			cooldown_until = ?, last_auth_attempt = COALESCE(?, last_auth_attempt),
			last_error = ?, updated_at = ?
		WHERE id = ?`,
		st.Status, st.CodeHandle, st.PendingCode, st.Session,
		st.CooldownUntil, st.LastAuthAttempt, st.LastError, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to save auth state: %w", err)
	}
	return mustAffect(res, "account", id)
}

// SetAccountCooldown records a platform-imposed wait without touching status.
func (s *Store) SetAccountCooldown(ctx context.Context, id string, until time.Time, reason string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE accounts SET cooldown_until = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		until.UTC(), reason, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set account cooldown: %w", err)
	}
	return nil
}

// DemoteAccount drops an expired session and returns the account to
// unauthenticated. It only applies while the account still holds session,
// so a fresh login made in the meantime is not discarded.
func (s *Store) DemoteAccount(ctx context.Context, id, session, reason string) (bool, error) {
	return s.retireSession(ctx, id, session, model.AccountUnauthenticated, reason)
}

// FailAccount takes an authorized account out of rotation after the platform
// rejected its api credentials. Like DemoteAccount it only applies while the
// account still holds the given session.
func (s *Store) FailAccount(ctx context.Context, id, session, reason string) (bool, error) {
	return s.retireSession(ctx, id, session, model.AccountFailed, reason)
}

func (s *Store) retireSession(ctx context.Context, id, session, status, reason string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `UPDATE accounts SET
			status = ?, session = '', code_handle = '', pending_code = '', last_error = ?, updated_at = ?
		WHERE id = ? AND status = ? AND session = ?`,
		status, reason, time.Now().UTC(), id, model.AccountAuthorized, session)
	if err != nil {
		return false, fmt.Errorf("failed to move account to %s: %w", status, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return n > 0, nil
}

// BlockAccount marks an account disabled by the platform. Only an operator
// brings it back.
func (s *Store) BlockAccount(ctx context.Context, id, reason string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE accounts SET
			status = ?, session = '', code_handle = '', pending_code = '', last_error = ?, updated_at = ?
		WHERE id = ?`, model.AccountBlocked, reason, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to block account: %w", err)
	}
	return nil
}

// ReserveQuota takes one unit of the account's daily quota for today. The
// read-check-increment is a single conditional UPDATE, so concurrent batches
// cannot push sent_today past daily_limit. A counter from an earlier day is
// rolled over in the same statement. It reports false when the account has
// no quota left or is no longer authorized.
func (s *Store) ReserveQuota(ctx context.Context, id, today string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `UPDATE accounts SET
			sent_today = CASE WHEN last_reset_date < ? THEN 1 ELSE sent_today + 1 END,
			last_reset_date = ?,
			updated_at = ?
		WHERE id = ? AND status = ?
			AND (CASE WHEN last_reset_date < ? THEN 0 ELSE sent_today END) < daily_limit`,
		today, today, time.Now().UTC(), id, model.AccountAuthorized, today)
	if err != nil {
		return false, fmt.Errorf("failed to reserve quota: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return n == 1, nil
}

// ReleaseQuota gives back n reserved units that were never used. A release
// for a day that has already rolled over is dropped.
func (s *Store) ReleaseQuota(ctx context.Context, id, today string, n int) error {
	if n <= 0 {
		return nil
	}
	_, err := s.DB.ExecContext(ctx, `UPDATE accounts SET sent_today = MAX(sent_today - ?, 0), updated_at = ?
		WHERE id = ? AND last_reset_date = ?`, n, time.Now().UTC(), id, today)
	if err != nil {
		return fmt.Errorf("failed to release quota: %w", err)
	}
	return nil
}

// ResetDailyCounters zeroes sent_today for every account whose counter
// belongs to an earlier day.
func (s *Store) ResetDailyCounters(ctx context.Context, today string) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `UPDATE accounts SET sent_today = 0, last_reset_date = ?, updated_at = ?
		WHERE last_reset_date < ?`, today, time.Now().UTC(), today)
	if err != nil {
		return 0, fmt.Errorf("failed to reset daily counters: %w", err)
	}
	return res.RowsAffected()
}

func mustAffect(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", entity, id, model.ErrNotFound)
	}
	return nil
}
