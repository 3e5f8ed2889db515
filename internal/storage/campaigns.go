package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"outreach/internal/model"
)

const campaignCols = `id,name,list_id,message,status,total_targets,sent,delivered,scheduled_for,last_error,created_at,updated_at`

// pendingWhere selects reachable contacts of a list that the campaign has not
// attempted. Arguments: list id, campaign id.
const pendingWhere = `c.list_id = ? AND c.reachable = 1
	AND NOT EXISTS (SELECT 1 FROM send_log s WHERE s.campaign_id = ? AND s.contact_id = c.id)`

// CreateCampaign inserts a draft campaign and fills in its ID.
func (s *Store) CreateCampaign(ctx context.Context, c *model.Campaign) error {
	now := time.Now().UTC()
	c.ID = uuid.NewString()
	c.Status = model.CampaignDraft
	c.Sent, c.Delivered = 0, 0
	c.CreatedAt, c.UpdatedAt = now, now

	_, err := s.DB.NamedExecContext(ctx, `INSERT INTO campaigns
		(id,name,list_id,message,status,total_targets,sent,delivered,scheduled_for,created_at,updated_at)
		VALUES (:id,:name,:list_id,:message,:status,:total_targets,:sent,:delivered,:scheduled_for,:created_at,:updated_at)`, c)
	if isForeignKeyViolation(err) {
		return fmt.Errorf("contact list %s: %w", c.ListID, model.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}
	return nil
}

func (s *Store) GetCampaign(ctx context.Context, id string) (model.Campaign, error) {
	return getCampaign(ctx, s.DB, id)
}

func getCampaign(ctx context.Context, q sqlx.QueryerContext, id string) (model.Campaign, error) {
	var c model.Campaign
	err := sqlx.GetContext(ctx, q, &c, `SELECT `+campaignCols+` FROM campaigns WHERE id=?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return c, fmt.Errorf("campaign %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return c, fmt.Errorf("failed to get campaign: %w", err)
	}
	return c, nil
}

func (s *Store) ListCampaigns(ctx context.Context) ([]model.Campaign, error) {
	list := []model.Campaign{}
	if err := s.DB.SelectContext(ctx, &list, `SELECT `+campaignCols+` FROM campaigns ORDER BY created_at DESC`); err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}
	return list, nil
}

// CampaignsByStatus returns campaigns in any of the given statuses, oldest first.
func (s *Store) CampaignsByStatus(ctx context.Context, statuses ...string) ([]model.Campaign, error) {
	query, args, err := sqlx.In(`SELECT `+campaignCols+` FROM campaigns WHERE status IN (?) ORDER BY created_at ASC`, statuses)
	if err != nil {
		return nil, fmt.Errorf("failed to build campaign query: %w", err)
	}
	list := []model.Campaign{}
	if err := s.DB.SelectContext(ctx, &list, s.DB.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list campaigns by status: %w", err)
	}
	return list, nil
}

// CountCampaignsForList counts campaigns on a list in any of the given statuses.
func (s *Store) CountCampaignsForList(ctx context.Context, listID string, statuses ...string) (int, error) {
	query, args, err := sqlx.In(`SELECT COUNT(*) FROM campaigns WHERE list_id = ? AND status IN (?)`, listID, statuses)
	if err != nil {
		return 0, fmt.Errorf("failed to build campaign count query: %w", err)
	}
	var n int
	if err := s.DB.GetContext(ctx, &n, s.DB.Rebind(query), args...); err != nil {
		return 0, fmt.Errorf("failed to count campaigns: %w", err)
	}
	return n, nil
}

func (s *Store) DeleteCampaign(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM campaigns WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete campaign: %w", err)
	}
	return mustAffect(res, "campaign", id)
}

// TransitionCampaign moves a campaign to status "to" only if it currently is
// in one of "from". It reports whether the row changed.
func (s *Store) TransitionCampaign(ctx context.Context, id string, from []string, to string) (bool, error) {
	query, args, err := sqlx.In(`UPDATE campaigns SET status = ?, updated_at = ? WHERE id = ? AND status IN (?)`,
		to, time.Now().UTC(), id, from)
	if err != nil {
		return false, fmt.Errorf("failed to build transition: %w", err)
	}
	res, err := s.DB.ExecContext(ctx, s.DB.Rebind(query), args...)
	if err != nil {
		return false, fmt.Errorf("failed to transition campaign: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return n > 0, nil
}

// PendingContacts returns up to limit reachable contacts the campaign has not
// attempted, in contact order.
func (s *Store) PendingContacts(ctx context.Context, c model.Campaign, limit int) ([]model.Contact, error) {
	contacts := []model.Contact{}
	err := s.DB.SelectContext(ctx, &contacts, `SELECT c.id, c.list_id, c.phone, c.verified, c.reachable, c.checked_at
		FROM contacts c WHERE `+pendingWhere+` ORDER BY c.id LIMIT ?`, c.ListID, c.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending contacts: %w", err)
	}
	return contacts, nil
}

// CommitBatch records a dispatched batch in one transaction: it appends the
// attempts to send_log, adds them to the campaign counters, promotes a draft
// that made progress to running and completes the campaign once nothing is
// left to send.
func (s *Store) CommitBatch(ctx context.Context, campaignID string, attempts []model.SendAttempt) (model.Campaign, error) {
	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		return model.Campaign{}, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	delivered := 0
	if len(attempts) > 0 {
		// account_id resolves to NULL if the account was deleted mid-batch.
		stmt, err := tx.PrepareNamedContext(ctx, `INSERT INTO send_log
			(campaign_id, contact_id, account_id, recipient, outcome, message_id, error, message_preview, ts)
			VALUES (:campaign_id, :contact_id, (SELECT id FROM accounts WHERE id = :account_id),
				:recipient, :outcome, :message_id, :error, :message_preview, :ts)`)
		if err != nil {
			return model.Campaign{}, fmt.Errorf("failed to prepare send_log insert: %w", err)
		}
		defer stmt.Close()
		for _, a := range attempts {
			if _, err := stmt.ExecContext(ctx, a); err != nil {
				return model.Campaign{}, fmt.Errorf("failed to record attempt for contact %d: %w", a.ContactID, err)
			}
			if a.Outcome == model.OutcomeDelivered {
				delivered++
			}
		}
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `UPDATE campaigns SET
			sent = sent + ?,
			delivered = delivered + ?,
			status = CASE WHEN status = ? AND ? > 0 THEN ? ELSE status END,
			updated_at = ?
		WHERE id = ?`,
		len(attempts), delivered, model.CampaignDraft, len(attempts), model.CampaignRunning, now, campaignID)
	if err != nil {
		return model.Campaign{}, fmt.Errorf("failed to update campaign counters: %w", err)
	}

	c, err := getCampaign(ctx, tx, campaignID)
	if err != nil {
		return c, err
	}

	var pending int
	if err := tx.GetContext(ctx, &pending, `SELECT COUNT(*) FROM contacts c WHERE `+pendingWhere, c.ListID, c.ID); err != nil {
		return c, fmt.Errorf("failed to count pending contacts: %w", err)
	}
	if (pending == 0 || c.Sent >= c.TotalTargets) && (c.Status == model.CampaignRunning || c.Status == model.CampaignDraft) {
		if _, err := tx.ExecContext(ctx, `UPDATE campaigns SET status = ?, updated_at = ? WHERE id = ?`,
			model.CampaignCompleted, now, campaignID); err != nil {
			return c, fmt.Errorf("failed to complete campaign: %w", err)
		}
		c.Status = model.CampaignCompleted
		c.UpdatedAt = now
	}

	if err := tx.Commit(); err != nil {
		return c, fmt.Errorf("failed to commit batch: %w", err)
	}
	return c, nil
}
