package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/predictarena/internal/domain"
)

// DefaultBatchSize bounds how many rounds go into one archive object.
const DefaultBatchSize = 200

// StakeLister loads the stakes stored with a round.
type StakeLister interface {
	ListByRound(ctx context.Context, roundID string) ([]domain.Stake, error)
}

// Record is one JSONL line of an archive object.
type Record struct {
	Round  domain.Round   `json:"round"`
	Stakes []domain.Stake `json:"stakes"`
}

// RoundArchiver implements domain.Archiver. It exports finished rounds with
// their stakes to JSONL objects and purges them from the database only after
// the upload succeeded.
type RoundArchiver struct {
	writer    domain.BlobWriter
	rounds    domain.ArchiveStore
	stakes    StakeLister
	audit     domain.AuditStore
	logger    *slog.Logger
	batchSize int
	now       func() time.Time
}

// NewArchiver creates a RoundArchiver. batchSize <= 0 uses DefaultBatchSize.
func NewArchiver(writer domain.BlobWriter, rounds domain.ArchiveStore, stakes StakeLister, audit domain.AuditStore, batchSize int, logger *slog.Logger) *RoundArchiver {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &RoundArchiver{
		writer:    writer,
		rounds:    rounds,
		stakes:    stakes,
		audit:     audit,
		logger:    logger.With(slog.String("component", "archiver")),
		batchSize: batchSize,
		now:       time.Now,
	}
}

// ArchiveRounds repeats export-then-purge until no finished round older than
// before is left. It returns the number of rounds purged.
func (a *RoundArchiver) ArchiveRounds(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	for batch := 0; ; batch++ {
		rounds, err := a.rounds.ListFinishedBefore(ctx, before, a.batchSize)
		if err != nil {
			return total, fmt.Errorf("s3blob: list finished rounds: %w", err)
		}
		if len(rounds) == 0 {
			return total, nil
		}

		n, err := a.archiveBatch(ctx, rounds, batch)
		total += n
		if err != nil {
			return total, err
		}
		if len(rounds) < a.batchSize {
			return total, nil
		}
	}
}

func (a *RoundArchiver) archiveBatch(ctx context.Context, rounds []domain.Round, batch int) (int64, error) {
	records := make([]Record, 0, len(rounds))
	ids := make([]string, 0, len(rounds))
	for _, r := range rounds {
		stakes, err := a.stakes.ListByRound(ctx, r.ID)
		if err != nil {
			return 0, fmt.Errorf("s3blob: load stakes %s: %w", r.ID, err)
		}
		records = append(records, Record{Round: r, Stakes: stakes})
		ids = append(ids, r.ID)
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: marshal archive: %w", err)
	}

	path := archivePath(a.now().UTC(), batch)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: upload archive: %w", err)
	}

	purged, err := a.rounds.Purge(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("s3blob: purge archived rounds: %w", err)
	}

	if err := a.audit.Log(ctx, "rounds.archived", map[string]any{
		"path":   path,
		"rounds": len(ids),
		"purged": purged,
	}); err != nil {
		a.logger.WarnContext(ctx, "archiver: audit log failed", slog.String("error", err.Error()))
	}
	a.logger.InfoContext(ctx, "archiver: batch uploaded",
		slog.String("path", path),
		slog.Int("rounds", len(ids)),
		slog.Int64("purged", purged),
	)
	return purged, nil
}

// archivePath partitions objects by run date:
//
//	archive/rounds/2026-03-01/20260301T120000Z-000.jsonl
func archivePath(at time.Time, batch int) string {
	return fmt.Sprintf("archive/rounds/%s/%s-%03d.jsonl",
		at.Format("2006-01-02"), at.Format("20060102T150405Z"), batch)
}

// marshalJSONL writes one compact JSON document per line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*RoundArchiver)(nil)
