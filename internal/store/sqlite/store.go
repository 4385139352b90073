// Package sqlite implements the domain store interfaces on an embedded SQLite
// database. It backs single-node deployments and the engine tests.
//
// The database is opened with a single connection, so every transaction is
// serialized. Decimal columns are TEXT and all arithmetic happens in Go.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/alanyoungcy/predictarena/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS participants (
    id         TEXT PRIMARY KEY,
    address    TEXT NOT NULL UNIQUE,
    balance    TEXT NOT NULL,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS rounds (
    id            TEXT PRIMARY KEY,
    mode          TEXT NOT NULL,
    status        TEXT NOT NULL,
    start_price   TEXT NOT NULL,
    end_price     TEXT,
    start_time    TEXT NOT NULL,
    end_time      TEXT NOT NULL,
    resolved_at   TEXT,
    up_pool       TEXT NOT NULL DEFAULT '0',
    down_pool     TEXT NOT NULL DEFAULT '0',
    total_pool    TEXT NOT NULL DEFAULT '0',
    forfeited     TEXT NOT NULL DEFAULT '0',
    outcome       TEXT NOT NULL DEFAULT '',
    winning_side  TEXT NOT NULL DEFAULT '',
    winning_range INTEGER,
    created_at    TEXT NOT NULL,
    updated_at    TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_rounds_one_active ON rounds(mode) WHERE status = 'ACTIVE';
CREATE INDEX IF NOT EXISTS idx_rounds_status_end ON rounds(status, end_time);

CREATE TABLE IF NOT EXISTS round_ranges (
    round_id  TEXT    NOT NULL,
    idx       INTEGER NOT NULL,
    range_min TEXT    NOT NULL,
    range_max TEXT    NOT NULL,
    pool      TEXT    NOT NULL DEFAULT '0',
    PRIMARY KEY (round_id, idx)
);

CREATE TABLE IF NOT EXISTS stakes (
    id             TEXT PRIMARY KEY,
    round_id       TEXT NOT NULL,
    participant_id TEXT NOT NULL,
    side           TEXT NOT NULL DEFAULT '',
    range_idx      INTEGER,
    amount         TEXT NOT NULL,
    won            INTEGER,
    payout         TEXT,
    created_at     TEXT NOT NULL,
    settled_at     TEXT,
    UNIQUE (round_id, participant_id)
);

CREATE INDEX IF NOT EXISTS idx_stakes_participant ON stakes(participant_id, created_at DESC);

CREATE TABLE IF NOT EXISTS audit_log (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    event      TEXT NOT NULL,
    detail     TEXT NOT NULL DEFAULT '{}',
    created_at TEXT NOT NULL
);
`

// timeLayout is fixed width so that TEXT comparison orders like time.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("sqlite: parse time %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements domain.Store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ domain.Store = (*Store)(nil)

// Open opens (or creates) the database at path and applies the schema. Use
// ":memory:" for a throwaway database.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Rounds() domain.RoundStore             { return &RoundStore{db: s.db, now: s.now} }
func (s *Store) Stakes() domain.StakeStore             { return &StakeStore{db: s.db} }
func (s *Store) Participants() domain.ParticipantStore { return &ParticipantStore{db: s.db} }
func (s *Store) Audit() domain.AuditStore              { return &AuditStore{q: s.db, now: s.now} }
func (s *Store) Archive() domain.ArchiveStore          { return &ArchiveStore{db: s.db} }

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// WithinTx runs fn in a transaction. The single connection makes the
// transaction serializable with respect to every other caller.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin tx: %w", err)
	}

	if err := fn(ctx, &Tx{tx: sqlTx, now: s.now}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("sqlite: rollback: %w", rbErr))
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
