package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/meishi/internal/model"
)

// PostgresRecoveryEventRepo はPostgreSQLを使用した回復試行記録リポジトリ。
type PostgresRecoveryEventRepo struct {
	db *sql.DB
}

// NewPostgresRecoveryEventRepo はPostgresRecoveryEventRepoを生成する。
func NewPostgresRecoveryEventRepo(db *sql.DB) *PostgresRecoveryEventRepo {
	return &PostgresRecoveryEventRepo{db: db}
}

// Insert は回復試行の記録を1件追加する。
func (r *PostgresRecoveryEventRepo) Insert(ctx context.Context, event *model.RecoveryEvent) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO recovery_events
		   (id, trigger_kind, outcome, version_before, version_after, duration_ms, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.ID, event.Trigger, event.Outcome,
		event.VersionBefore, event.VersionAfter,
		event.Duration.Milliseconds(), event.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert recovery event: %w", err)
	}
	return nil
}

// ListRecent は最新の回復試行記録を新しい順で返す。
func (r *PostgresRecoveryEventRepo) ListRecent(ctx context.Context, limit int) ([]*model.RecoveryEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, trigger_kind, outcome, version_before, version_after, duration_ms, occurred_at
		 FROM recovery_events
		 ORDER BY occurred_at DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list recovery events: %w", err)
	}
	defer rows.Close()

	var events []*model.RecoveryEvent
	for rows.Next() {
		event := &model.RecoveryEvent{}
		var durationMs int64
		if err := rows.Scan(
			&event.ID, &event.Trigger, &event.Outcome,
			&event.VersionBefore, &event.VersionAfter,
			&durationMs, &event.OccurredAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan recovery event: %w", err)
		}
		event.Duration = time.Duration(durationMs) * time.Millisecond
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate recovery events: %w", err)
	}
	return events, nil
}

// DeleteOlderThan は指定日時より古い記録を削除し、削除件数を返す。
func (r *PostgresRecoveryEventRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM recovery_events WHERE occurred_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old recovery events: %w", err)
	}
	return result.RowsAffected()
}

// compile-time interface check
var _ RecoveryEventRepository = (*PostgresRecoveryEventRepo)(nil)
