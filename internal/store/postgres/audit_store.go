package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/predictarena/internal/domain"
)

// AuditStore implements domain.AuditStore. db is the pool, or the open
// transaction when the entry belongs to a unit of work.
type AuditStore struct {
	db dbtx
}

// Log appends an entry. detail is encoded by pgx into the JSONB column.
func (s *AuditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	if detail == nil {
		detail = map[string]any{}
	}
	if _, err := s.db.Exec(ctx, `INSERT INTO audit_log (event, detail) VALUES ($1, $2)`, event, detail); err != nil {
		return fmt.Errorf("postgres: log audit event %s: %w", event, err)
	}
	return nil
}

// List returns entries matching filter, newest first.
func (s *AuditStore) List(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error) {
	query := `SELECT id, event, detail, created_at FROM audit_log WHERE 1=1`
	args := pgx.NamedArgs{}

	if filter.Event != "" {
		query += ` AND event = @event`
		args["event"] = filter.Event
	}
	if filter.RoundID != "" {
		query += ` AND detail->>'round_id' = @round_id`
		args["round_id"] = filter.RoundID
	}
	if filter.Since != nil {
		query += ` AND created_at >= @since`
		args["since"] = *filter.Since
	}
	if filter.Until != nil {
		query += ` AND created_at <= @until`
		args["until"] = *filter.Until
	}
	query += ` ORDER BY id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT @limit`
		args["limit"] = filter.Limit
	}
	if filter.Offset > 0 {
		query += ` OFFSET @offset`
		args["offset"] = filter.Offset
	}

	rows, err := s.db.Query(ctx, query, args)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit entries: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.AuditEntry, error) {
		var e domain.AuditEntry
		err := row.Scan(&e.ID, &e.Event, &e.Detail, &e.CreatedAt)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit entries: %w", err)
	}
	return entries, nil
}
