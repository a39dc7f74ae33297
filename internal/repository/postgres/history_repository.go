package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/proxbalance/proxbalance/internal/automation"
	"github.com/proxbalance/proxbalance/internal/domain"
)

// Ensure HistoryRepository implements automation.HistoryRepository
var _ automation.HistoryRepository = (*HistoryRepository)(nil)

// HistoryRepository stores migration history in PostgreSQL.
type HistoryRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewHistoryRepository creates a new PostgreSQL history repository.
func NewHistoryRepository(db *DB, logger *zap.Logger) *HistoryRepository {
	return &HistoryRepository{
		db:     db,
		logger: logger.With(zap.String("repository", "history")),
	}
}

// Append stores a new history entry.
func (r *HistoryRepository) Append(ctx context.Context, e *domain.HistoryEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	query := `
		INSERT INTO migration_history (
			id, created_at, guest_id, guest_name, source_node, target_node,
			reason, confidence, target_score, status, duration_seconds,
			task_id, error, initiated_by, dry_run, window_name
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`

	_, err := r.db.pool.Exec(ctx, query,
		e.ID,
		e.Timestamp,
		e.GuestID,
		e.GuestName,
		e.SourceNode,
		e.TargetNode,
		e.Reason,
		e.Confidence,
		e.TargetScore,
		string(e.Status),
		e.DurationSeconds,
		nullString(e.TaskID),
		nullString(e.Error),
		string(e.InitiatedBy),
		e.DryRun,
		nullString(e.Window),
	)
	if err != nil {
		r.logger.Error("Failed to append history entry", zap.String("guest_id", e.GuestID), zap.Error(err))
		return fmt.Errorf("failed to insert history entry: %w", err)
	}
	return nil
}

// List returns matching entries, newest first.
func (r *HistoryRepository) List(ctx context.Context, filter domain.HistoryFilter) ([]*domain.HistoryEntry, error) {
	query, args := buildHistoryQuery(filter)

	rows, err := r.db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var result []*domain.HistoryEntry
	for rows.Next() {
		e, err := scanHistoryEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	return result, nil
}

func buildHistoryQuery(filter domain.HistoryFilter) (string, []interface{}) {
	var b strings.Builder
	b.WriteString(`
		SELECT id, created_at, guest_id, guest_name, source_node, target_node,
		       reason, confidence, target_score, status, duration_seconds,
		       task_id, error, initiated_by, dry_run, window_name
		FROM migration_history
		WHERE 1=1`)

	var args []interface{}
	if filter.GuestID != "" {
		args = append(args, filter.GuestID)
		fmt.Fprintf(&b, " AND guest_id = $%d", len(args))
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		fmt.Fprintf(&b, " AND created_at >= $%d", len(args))
	}
	b.WriteString(" ORDER BY seq DESC")
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	return b.String(), args
}

func scanHistoryEntry(row pgx.Row) (*domain.HistoryEntry, error) {
	var (
		e                           domain.HistoryEntry
		status, initiatedBy         string
		taskID, errText, windowName *string
	)
	err := row.Scan(
		&e.ID, &e.Timestamp, &e.GuestID, &e.GuestName, &e.SourceNode, &e.TargetNode,
		&e.Reason, &e.Confidence, &e.TargetScore, &status, &e.DurationSeconds,
		&taskID, &errText, &initiatedBy, &e.DryRun, &windowName,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan history entry: %w", err)
	}
	e.Status = domain.MigrationStatus(status)
	e.InitiatedBy = domain.Initiator(initiatedBy)
	e.TaskID = derefString(taskID)
	e.Error = derefString(errText)
	e.Window = derefString(windowName)
	return &e, nil
}

// nullString returns a pointer to string, or nil if empty.
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
