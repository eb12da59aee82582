// Package cleanup は保存データの自動削除ジョブを提供する。
// 保持期間（デフォルト: アクセス記録365日、回復記録90日）を超過した
// 記録と期限切れのスタジオセッションを日次バッチで削除する。
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ScanEventPruner はアクセス記録の削除インターフェース。
// repository.ScanEventRepositoryの部分集合として定義する。
type ScanEventPruner interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// RecoveryEventPruner は回復試行記録の削除インターフェース。
type RecoveryEventPruner interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// SessionPruner は期限切れセッションの削除インターフェース。
type SessionPruner interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// CleanupJob は保持期間を超過した記録の自動削除ジョブ。
// 日次実行のバッチジョブとして設計されており、冪等な削除処理を保証する。
type CleanupJob struct {
	scans      ScanEventPruner
	recoveries RecoveryEventPruner
	sessions   SessionPruner
	logger     *slog.Logger

	ScanRetentionDays     int // アクセス記録の保持日数（デフォルト: 365）
	RecoveryRetentionDays int // 回復試行記録の保持日数（デフォルト: 90）
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(scans ScanEventPruner, recoveries RecoveryEventPruner, sessions SessionPruner, logger *slog.Logger) *CleanupJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupJob{
		scans:                 scans,
		recoveries:            recoveries,
		sessions:              sessions,
		logger:                logger,
		ScanRetentionDays:     365,
		RecoveryRetentionDays: 90,
	}
}

// Run は保持期間を超過した記録と期限切れセッションを削除する。
// 一部の削除が失敗しても残りの削除は継続し、失敗をまとめて返す。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	now := time.Now()
	var errs []error

	scanCutoff := now.AddDate(0, 0, -j.ScanRetentionDays)
	scanDeleted, err := j.scans.DeleteOlderThan(ctx, scanCutoff)
	if err != nil {
		j.logger.Error("アクセス記録の削除に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.ScanRetentionDays),
		)
		errs = append(errs, fmt.Errorf("アクセス記録の削除に失敗: %w", err))
	}

	recoveryCutoff := now.AddDate(0, 0, -j.RecoveryRetentionDays)
	recoveryDeleted, err := j.recoveries.DeleteOlderThan(ctx, recoveryCutoff)
	if err != nil {
		j.logger.Error("回復試行記録の削除に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RecoveryRetentionDays),
		)
		errs = append(errs, fmt.Errorf("回復試行記録の削除に失敗: %w", err))
	}

	sessionDeleted, err := j.sessions.DeleteExpired(ctx)
	if err != nil {
		j.logger.Error("期限切れセッションの削除に失敗しました",
			slog.String("error", err.Error()),
		)
		errs = append(errs, fmt.Errorf("期限切れセッションの削除に失敗: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	duration := time.Since(start)
	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("scan_events_deleted", scanDeleted),
		slog.Int64("recovery_events_deleted", recoveryDeleted),
		slog.Int64("sessions_deleted", sessionDeleted),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// Scheduler はCleanupJobを一定間隔で実行する。
type Scheduler struct {
	job      *CleanupJob
	interval time.Duration
	logger   *slog.Logger
}

// NewScheduler は新しいSchedulerを生成する。intervalが0以下の場合は24時間になる。
func NewScheduler(job *CleanupJob, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		job:      job,
		interval: interval,
		logger:   logger,
	}
}

// Run は起動直後に1回実行し、以降はinterval間隔で実行し続ける。
// ctxのキャンセルで停止する。
func (s *Scheduler) Run(ctx context.Context) {
	if err := s.job.Run(ctx); err != nil {
		s.logger.Error("クリーンアップジョブがエラーで終了しました",
			slog.String("error", err.Error()),
		)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("クリーンアップスケジューラを停止します")
			return
		case <-ticker.C:
			if err := s.job.Run(ctx); err != nil {
				s.logger.Error("クリーンアップジョブがエラーで終了しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
