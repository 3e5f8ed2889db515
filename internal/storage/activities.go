package storage

import (
	"context"
	"fmt"
	"time"

	"outreach/internal/model"
)

func (s *Store) RecordActivity(ctx context.Context, typ, entityID, description string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO activities (type, description, entity_id, created_at) VALUES (?,?,?,?)`,
		typ, description, entityID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record activity: %w", err)
	}
	return nil
}

// ListActivities returns the latest activities, newest first.
func (s *Store) ListActivities(ctx context.Context, limit int) ([]model.Activity, error) {
	list := []model.Activity{}
	err := s.DB.SelectContext(ctx, &list, `SELECT id, type, description, entity_id, created_at
		FROM activities ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list activities: %w", err)
	}
	return list, nil
}

// ActivitiesSince returns activities with an id above afterID, oldest first.
func (s *Store) ActivitiesSince(ctx context.Context, afterID int64, limit int) ([]model.Activity, error) {
	list := []model.Activity{}
	err := s.DB.SelectContext(ctx, &list, `SELECT id, type, description, entity_id, created_at
		FROM activities WHERE id > ? ORDER BY id ASC LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list activities: %w", err)
	}
	return list, nil
}
