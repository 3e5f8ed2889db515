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

const listCols = `id,name,status,total_numbers,verified_numbers,reachable_numbers,last_error,created_at,updated_at`

const contactCols = `id,list_id,phone,verified,reachable,checked_at`

// CreateContactList stores a list and its numbers in processing state.
// Duplicate numbers are ignored; total_numbers counts distinct ones.
func (s *Store) CreateContactList(ctx context.Context, name string, phones []string) (model.ContactList, error) {
	now := time.Now().UTC()
	l := model.ContactList{
		ID:        uuid.NewString(),
		Name:      name,
		Status:    model.ListProcessing,
		CreatedAt: now,
		UpdatedAt: now,
	}

	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		return l, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.NamedExecContext(ctx, `INSERT INTO contact_lists (id,name,status,created_at,updated_at)
		VALUES (:id,:name,:status,:created_at,:updated_at)`, l); err != nil {
		return l, fmt.Errorf("failed to create contact list: %w", err)
	}

	stmt, err := tx.PreparexContext(ctx, `INSERT OR IGNORE INTO contacts (list_id, phone) VALUES (?, ?)`)
	if err != nil {
		return l, fmt.Errorf("failed to prepare contact insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range phones {
		res, err := stmt.ExecContext(ctx, l.ID, p)
		if err != nil {
			return l, fmt.Errorf("failed to insert contact: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			l.TotalNumbers++
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE contact_lists SET total_numbers = ? WHERE id = ?`, l.TotalNumbers, l.ID); err != nil {
		return l, fmt.Errorf("failed to update list total: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return l, fmt.Errorf("failed to commit contact list: %w", err)
	}
	return l, nil
}

func (s *Store) GetContactList(ctx context.Context, id string) (model.ContactList, error) {
	var l model.ContactList
	err := s.DB.GetContext(ctx, &l, `SELECT `+listCols+` FROM contact_lists WHERE id=?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return l, fmt.Errorf("contact list %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return l, fmt.Errorf("failed to get contact list: %w", err)
	}
	return l, nil
}

func (s *Store) ListContactLists(ctx context.Context) ([]model.ContactList, error) {
	lists := []model.ContactList{}
	if err := s.DB.SelectContext(ctx, &lists, `SELECT `+listCols+` FROM contact_lists ORDER BY created_at DESC`); err != nil {
		return nil, fmt.Errorf("failed to list contact lists: %w", err)
	}
	return lists, nil
}

// DeleteContactList removes a list, its contacts and any campaign built on it.
func (s *Store) DeleteContactList(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM contact_lists WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete contact list: %w", err)
	}
	return mustAffect(res, "contact list", id)
}

func (s *Store) SetContactListStatus(ctx context.Context, id, status, lastError string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE contact_lists SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		status, lastError, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set contact list status: %w", err)
	}
	return mustAffect(res, "contact list", id)
}

func (s *Store) ListContacts(ctx context.Context, listID string, limit, offset int) ([]model.Contact, error) {
	contacts := []model.Contact{}
	err := s.DB.SelectContext(ctx, &contacts, `SELECT `+contactCols+` FROM contacts
		WHERE list_id = ? ORDER BY id LIMIT ? OFFSET ?`, listID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list contacts: %w", err)
	}
	return contacts, nil
}

// UncheckedContacts returns up to limit contacts the verifier has not
// attempted yet, oldest first.
func (s *Store) UncheckedContacts(ctx context.Context, listID string, limit int) ([]model.Contact, error) {
	contacts := []model.Contact{}
	err := s.DB.SelectContext(ctx, &contacts, `SELECT `+contactCols+` FROM contacts
		WHERE list_id = ? AND checked_at IS NULL ORDER BY id LIMIT ?`, listID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get unchecked contacts: %w", err)
	}
	return contacts, nil
}

// SaveContactResults stores verification flags for attempted contacts and
// refreshes the list counters. Contacts already checked keep their flags.
func (s *Store) SaveContactResults(ctx context.Context, listID string, results []model.Contact, checkedAt time.Time) error {
	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `UPDATE contacts SET verified = ?, reachable = ?, checked_at = ?
		WHERE id = ? AND list_id = ? AND checked_at IS NULL`)
	if err != nil {
		return fmt.Errorf("failed to prepare contact update: %w", err)
	}
	defer stmt.Close()

	for _, c := range results {
		if _, err := stmt.ExecContext(ctx, c.Verified, c.Reachable, checkedAt.UTC(), c.ID, listID); err != nil {
			return fmt.Errorf("failed to save contact %d: %w", c.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE contact_lists SET
			verified_numbers = (SELECT COUNT(*) FROM contacts WHERE list_id = ? AND verified = 1),
			reachable_numbers = (SELECT COUNT(*) FROM contacts WHERE list_id = ? AND reachable = 1),
			updated_at = ?
		WHERE id = ?`, listID, listID, time.Now().UTC(), listID); err != nil {
		return fmt.Errorf("failed to refresh list counters: %w", err)
	}
	return tx.Commit()
}

// CountUnchecked returns how many contacts of the list have no check time yet.
func (s *Store) CountUnchecked(ctx context.Context, listID string) (int, error) {
	var n int
	if err := s.DB.GetContext(ctx, &n, `SELECT COUNT(*) FROM contacts WHERE list_id = ? AND checked_at IS NULL`, listID); err != nil {
		return 0, fmt.Errorf("failed to count unchecked contacts: %w", err)
	}
	return n, nil
}
