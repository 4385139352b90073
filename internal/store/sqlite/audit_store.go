package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/predictarena/internal/domain"
)

// AuditStore implements domain.AuditStore. q is the database or, inside a
// unit of work, the open transaction.
type AuditStore struct {
	q   querier
	now func() time.Time
}

// Log appends a new audit entry. The detail map is stored as JSON text.
func (s *AuditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("sqlite: marshal audit detail: %w", err)
	}

	const query = `INSERT INTO audit_log (event, detail, created_at) VALUES (?, ?, ?)`
	if _, err := s.q.ExecContext(ctx, query, event, string(detailJSON), formatTime(s.now())); err != nil {
		return fmt.Errorf("sqlite: log audit event %s: %w", event, err)
	}
	return nil
}

// List returns entries matching filter, newest first. The round filter
// relies on the JSON1 functions built into modernc sqlite.
func (s *AuditStore) List(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error) {
	query := `SELECT id, event, detail, created_at FROM audit_log WHERE 1=1`
	var args []any
	if filter.Event != "" {
		query += ` AND event = ?`
		args = append(args, filter.Event)
	}
	if filter.RoundID != "" {
		query += ` AND json_extract(detail, '$.round_id') = ?`
		args = append(args, filter.RoundID)
	}
	if filter.Since != nil {
		query += ` AND created_at >= ?`
		args = append(args, formatTime(*filter.Since))
	}
	if filter.Until != nil {
		query += ` AND created_at <= ?`
		args = append(args, formatTime(*filter.Until))
	}
	query += ` ORDER BY id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var (
			e          domain.AuditEntry
			detailJSON string
			createdT   string
		)
		if err := rows.Scan(&e.ID, &e.Event, &detailJSON, &createdT); err != nil {
			return nil, fmt.Errorf("sqlite: scan audit entry: %w", err)
		}
		if err := json.Unmarshal([]byte(detailJSON), &e.Detail); err != nil {
			return nil, fmt.Errorf("sqlite: unmarshal audit detail: %w", err)
		}
		if e.CreatedAt, err = parseTime(createdT); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list audit entries rows: %w", err)
	}
	return entries, nil
}
