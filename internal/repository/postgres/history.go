// Package postgres persists deployment history in PostgreSQL so metrics survive restarts.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/deployctl/internal/domain"
	"github.com/splax/deployctl/internal/repository"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// HistoryStore implements repository.HistoryRepository on PostgreSQL.
type HistoryStore struct {
	db querier
}

var _ repository.HistoryRepository = (*HistoryStore)(nil)

// NewHistoryStore constructs a HistoryStore.
func NewHistoryStore(pool *pgxpool.Pool) *HistoryStore {
	return &HistoryStore{db: pool}
}

// AppendHistory inserts an entry. Entries are never updated.
func (s *HistoryStore) AppendHistory(ctx context.Context, entry domain.HistoryEntry) error {
	const query = `INSERT INTO deployment_history (
			id, kind, pipeline_id, canary_id, environment, version, status, rolled_back,
			started_at, completed_at, duration_ms, response_time_delta_percent)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := s.db.Exec(ctx, query,
		entry.ID, string(entry.Kind), entry.PipelineID, entry.CanaryID, string(entry.Environment),
		entry.Version, entry.Status, entry.RolledBack,
		entry.StartedAt.UTC(), entry.CompletedAt.UTC(), entry.DurationMs, entry.ResponseTimeDeltaPercent,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23505":
				return fmt.Errorf("%w: duplicate history entry %s", domain.ErrValidation, entry.ID)
			case "23514", "22P02":
				return fmt.Errorf("%w: history entry %s rejected: %s", domain.ErrValidation, entry.ID, pgErr.Message)
			}
		}
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// ListHistory returns entries completed at or after since, oldest first. A zero since
// returns everything.
func (s *HistoryStore) ListHistory(ctx context.Context, since time.Time) ([]domain.HistoryEntry, error) {
	const query = `SELECT id, kind, pipeline_id, canary_id, environment, version, status, rolled_back,
			started_at, completed_at, duration_ms, response_time_delta_percent
		FROM deployment_history
		WHERE completed_at >= $1
		ORDER BY completed_at ASC, id ASC`
	rows, err := s.db.Query(ctx, query, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	entries := make([]domain.HistoryEntry, 0)
	for rows.Next() {
		var (
			entry       domain.HistoryEntry
			kind        string
			environment string
		)
		if err := rows.Scan(
			&entry.ID, &kind, &entry.PipelineID, &entry.CanaryID, &environment,
			&entry.Version, &entry.Status, &entry.RolledBack,
			&entry.StartedAt, &entry.CompletedAt, &entry.DurationMs, &entry.ResponseTimeDeltaPercent,
		); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		entry.Kind = domain.HistoryKind(kind)
		entry.Environment = domain.Environment(environment)
		entry.StartedAt = entry.StartedAt.UTC()
		entry.CompletedAt = entry.CompletedAt.UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return entries, nil
}
