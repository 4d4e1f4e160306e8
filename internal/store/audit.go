package store

import (
	"context"
	"strings"

	"sweetshop/internal/models"
)

// CreateAuditLog appends an audit record. Audit rows are never updated.
func (s *Store) CreateAuditLog(ctx context.Context, entry *models.AuditLog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_logs (id, actor_user_id, action, resource_type, resource_id, before, after, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID, entry.ActorUserID, entry.Action, entry.ResourceType, entry.ResourceID,
		entry.Before, entry.After, entry.CreatedAt)
	return err
}

// ListAuditLogs returns audit records newest first
func (s *Store) ListAuditLogs(ctx context.Context, filter models.AuditLogFilter) ([]models.AuditLog, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		where = append(where, column+" = ?")
	}
	add("actor_user_id", filter.ActorUserID)
	add("resource_type", filter.ResourceType)
	add("resource_id", filter.ResourceID)

	query := "SELECT * FROM audit_logs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, NormalizeLimit(filter.Limit), max(filter.Offset, 0))

	logs := []models.AuditLog{}
	err := s.db.SelectContext(ctx, &logs, s.db.Rebind(query), args...)
	return logs, err
}

// NormalizeLimit clamps a page size to 1..200, defaulting to 50
func NormalizeLimit(limit int) int {
	if limit <= 0 || limit > 200 {
		return 50
	}
	return limit
}
