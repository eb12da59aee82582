package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/meishi/internal/model"
)

// PostgresStudioSessionRepo はPostgreSQLを使用したスタジオセッションリポジトリ。
type PostgresStudioSessionRepo struct {
	db *sql.DB
}

// NewPostgresStudioSessionRepo はPostgresStudioSessionRepoを生成する。
func NewPostgresStudioSessionRepo(db *sql.DB) *PostgresStudioSessionRepo {
	return &PostgresStudioSessionRepo{db: db}
}

// Create はセッションを作成する。
func (r *PostgresStudioSessionRepo) Create(ctx context.Context, session *model.StudioSession) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO studio_sessions (id, expires_at, created_at)
		 VALUES ($1, $2, $3)`,
		session.ID, session.ExpiresAt, session.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create studio session: %w", err)
	}
	return nil
}

// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
func (r *PostgresStudioSessionRepo) FindByID(ctx context.Context, id string) (*model.StudioSession, error) {
	session := &model.StudioSession{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, expires_at, created_at
		 FROM studio_sessions
		 WHERE id = $1 AND expires_at > now()`,
		id,
	).Scan(&session.ID, &session.ExpiresAt, &session.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find studio session: %w", err)
	}

	return session, nil
}

// DeleteByID は指定IDのセッションを削除する。
func (r *PostgresStudioSessionRepo) DeleteByID(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM studio_sessions WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete studio session: %w", err)
	}
	return nil
}

// DeleteExpired は期限切れセッションを削除し、削除件数を返す。
func (r *PostgresStudioSessionRepo) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM studio_sessions WHERE expires_at <= now()`,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired studio sessions: %w", err)
	}
	return result.RowsAffected()
}

// compile-time interface check
var _ StudioSessionRepository = (*PostgresStudioSessionRepo)(nil)
