// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/meishi/internal/model"
)

// StudioSessionRepository はスタジオログインセッションの永続化インターフェース。
type StudioSessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.StudioSession) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.StudioSession, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteExpired は期限切れセッションを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context) (int64, error)
}

// ScanEventRepository はアクセス記録の永続化インターフェース。
type ScanEventRepository interface {
	// Insert はアクセス記録を1件追加する。
	Insert(ctx context.Context, event *model.ScanEvent) error
	// CountBySource は指定期間のアクセス数を経路別に集計する。
	CountBySource(ctx context.Context, profileID string, since time.Time) (map[model.ScanSource]int, error)
	// DailyCounts は指定期間の日別アクセス数を日付昇順で返す。
	DailyCounts(ctx context.Context, profileID string, since time.Time) ([]DailyScanCount, error)
	// DeleteOlderThan は指定日時より古い記録を削除し、削除件数を返す。
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// RecoveryEventRepository は回復試行記録の永続化インターフェース。
type RecoveryEventRepository interface {
	// Insert は回復試行の記録を1件追加する。
	Insert(ctx context.Context, event *model.RecoveryEvent) error
	// ListRecent は最新の回復試行記録を新しい順で返す。
	ListRecent(ctx context.Context, limit int) ([]*model.RecoveryEvent, error)
	// DeleteOlderThan は指定日時より古い記録を削除し、削除件数を返す。
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// DailyScanCount は日別のアクセス集計1行を表す。
type DailyScanCount struct {
	Date  time.Time
	Count int
}
