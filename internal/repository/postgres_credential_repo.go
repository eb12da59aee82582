package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/meishi/internal/backend"
	"github.com/hitoshi/meishi/internal/model"
)

// PostgresCredentialRepo はPostgreSQLを使用したバックエンド認証情報リポジトリ。
// 単一オーナー構成のため、backend_credentialテーブルは常に1行のみ保持する。
type PostgresCredentialRepo struct {
	db *sql.DB
}

// NewPostgresCredentialRepo はPostgresCredentialRepoを生成する。
func NewPostgresCredentialRepo(db *sql.DB) *PostgresCredentialRepo {
	return &PostgresCredentialRepo{db: db}
}

// Load は保存済み認証情報を返す。未保存の場合は(nil, nil)を返す。
func (r *PostgresCredentialRepo) Load(ctx context.Context) (*model.BackendCredential, error) {
	cred := &model.BackendCredential{}
	err := r.db.QueryRowContext(ctx,
		`SELECT refresh_token, user_id, updated_at
		 FROM backend_credential
		 WHERE singleton = TRUE`,
	).Scan(&cred.RefreshToken, &cred.UserID, &cred.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load backend credential: %w", err)
	}

	return cred, nil
}

// Save は認証情報を保存する。既存行は上書きされる。
func (r *PostgresCredentialRepo) Save(ctx context.Context, cred *model.BackendCredential) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO backend_credential (singleton, refresh_token, user_id, updated_at)
		 VALUES (TRUE, $1, $2, $3)
		 ON CONFLICT (singleton)
		 DO UPDATE SET refresh_token = $1, user_id = $2, updated_at = $3`,
		cred.RefreshToken, cred.UserID, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to save backend credential: %w", err)
	}
	return nil
}

// Delete は保存済み認証情報を削除する。オーナーの完全サインアウトでのみ使用する。
func (r *PostgresCredentialRepo) Delete(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM backend_credential WHERE singleton = TRUE`,
	)
	if err != nil {
		return fmt.Errorf("failed to delete backend credential: %w", err)
	}
	return nil
}

// compile-time interface check
var _ backend.CredentialStore = (*PostgresCredentialRepo)(nil)
