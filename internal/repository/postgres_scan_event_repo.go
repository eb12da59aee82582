package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/meishi/internal/model"
)

// PostgresScanEventRepo はPostgreSQLを使用したアクセス記録リポジトリ。
type PostgresScanEventRepo struct {
	db *sql.DB
}

// NewPostgresScanEventRepo はPostgresScanEventRepoを生成する。
func NewPostgresScanEventRepo(db *sql.DB) *PostgresScanEventRepo {
	return &PostgresScanEventRepo{db: db}
}

// Insert はアクセス記録を1件追加する。
func (r *PostgresScanEventRepo) Insert(ctx context.Context, event *model.ScanEvent) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO scan_events (id, profile_id, source, referrer, ua_hash, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID, event.ProfileID, string(event.Source), event.Referrer, event.UAHash, event.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert scan event: %w", err)
	}
	return nil
}

// CountBySource は指定期間のアクセス数を経路別に集計する。
func (r *PostgresScanEventRepo) CountBySource(ctx context.Context, profileID string, since time.Time) (map[model.ScanSource]int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT source, count(*)
		 FROM scan_events
		 WHERE profile_id = $1 AND occurred_at >= $2
		 GROUP BY source`,
		profileID, since,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to count scan events: %w", err)
	}
	defer rows.Close()

	counts := map[model.ScanSource]int{}
	for rows.Next() {
		var source string
		var count int
		if err := rows.Scan(&source, &count); err != nil {
			return nil, fmt.Errorf("failed to scan source count: %w", err)
		}
		counts[model.ScanSource(source)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate source counts: %w", err)
	}
	return counts, nil
}

// DailyCounts は指定期間の日別アクセス数を日付昇順で返す。
func (r *PostgresScanEventRepo) DailyCounts(ctx context.Context, profileID string, since time.Time) ([]DailyScanCount, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT date_trunc('day', occurred_at) AS day, count(*)
		 FROM scan_events
		 WHERE profile_id = $1 AND occurred_at >= $2
		 GROUP BY day
		 ORDER BY day ASC`,
		profileID, since,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to count daily scan events: %w", err)
	}
	defer rows.Close()

	var counts []DailyScanCount
	for rows.Next() {
		var c DailyScanCount
		if err := rows.Scan(&c.Date, &c.Count); err != nil {
			return nil, fmt.Errorf("failed to scan daily count: %w", err)
		}
		counts = append(counts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate daily counts: %w", err)
	}
	return counts, nil
}

// DeleteOlderThan は指定日時より古い記録を削除し、削除件数を返す。
func (r *PostgresScanEventRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM scan_events WHERE occurred_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old scan events: %w", err)
	}
	return result.RowsAffected()
}

// compile-time interface check
var _ ScanEventRepository = (*PostgresScanEventRepo)(nil)
