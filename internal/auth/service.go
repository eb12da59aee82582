// Package auth はスタジオ（管理画面）ログインとセッション管理を提供する。
// パスワードの検証はバックエンドサービスに委譲し、このサーバー自身は
// 資格情報を一切検証しない。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/meishi/internal/backend"
	"github.com/hitoshi/meishi/internal/model"
	"github.com/hitoshi/meishi/internal/repository"
)

// HandleRegistry は接続ハンドルレジストリのインターフェース。
// handle.Registryを抽象化してテスタビリティを向上させる。
type HandleRegistry interface {
	Get() (*backend.Client, error)
	Recreate(ctx context.Context) (*backend.Client, error)
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge int // スタジオセッション有効期間（秒）
}

// Service はスタジオ認証に関するビジネスロジックを提供する。
type Service struct {
	registry    HandleRegistry
	sessionRepo repository.StudioSessionRepository
	config      ServiceConfig
	logger      *slog.Logger
}

// NewService はServiceを生成する。
func NewService(
	registry HandleRegistry,
	sessionRepo repository.StudioSessionRepository,
	config ServiceConfig,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		registry:    registry,
		sessionRepo: sessionRepo,
		config:      config,
		logger:      logger,
	}
}

// Login はバックエンドのパスワードグラントでオーナーを認証し、
// スタジオセッションを発行する。
// サインイン成功時に認証情報が永続化されるため、ハンドルを再生成して
// クリーンな状態から復元させる。
func (s *Service) Login(ctx context.Context, email, password string) (*model.StudioSession, error) {
	client, err := s.registry.Get()
	if err != nil {
		return nil, fmt.Errorf("接続ハンドルの取得に失敗しました: %w", err)
	}

	sess, err := client.SignInWithPassword(ctx, email, password)
	if err != nil {
		s.logger.Warn("ログイン失敗",
			slog.String("email", email),
			slog.String("error", err.Error()),
		)
		return nil, model.NewLoginFailedError()
	}

	// 永続化済み認証情報からの復元経路を通すため、ハンドルを作り直す。
	// 失敗してもログイン自体は成立している（次のGetで再試行される）。
	if _, err := s.registry.Recreate(ctx); err != nil {
		s.logger.Warn("ログイン後のハンドル再生成に失敗",
			slog.String("error", err.Error()),
		)
	}

	studioSession, err := s.createSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("スタジオセッションの作成に失敗しました: %w", err)
	}

	s.logger.Info("オーナーがログインしました",
		slog.String("user_id", sess.UserID),
		slog.String("session_id", studioSession.ID),
	)
	return studioSession, nil
}

// Logout はスタジオセッションを破棄する。
// バックエンドの永続セッション（認証情報行）には触れない。
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session ID is required")
	}

	if err := s.sessionRepo.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete studio session: %w", err)
	}

	s.logger.Info("オーナーがログアウトしました", slog.String("session_id", sessionID))
	return nil
}

// SessionUser はスタジオセッションを検証し、バックエンドセッションの
// オーナー情報を返す。セッションが無効・期限切れの場合はエラーを返す。
func (s *Service) SessionUser(ctx context.Context, sessionID string) (*backend.Session, error) {
	if sessionID == "" {
		return nil, model.NewSessionExpiredError()
	}

	studioSession, err := s.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find studio session: %w", err)
	}
	if studioSession == nil {
		return nil, model.NewSessionExpiredError()
	}

	client, err := s.registry.Get()
	if err != nil {
		return nil, fmt.Errorf("接続ハンドルの取得に失敗しました: %w", err)
	}
	sess, err := client.GetSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("バックエンドセッションの取得に失敗しました: %w", err)
	}
	return sess, nil
}

// ValidateSession はスタジオセッションの有効性のみを検証する。
// ミドルウェアでの認可判定に使用する。
func (s *Service) ValidateSession(ctx context.Context, sessionID string) (*model.StudioSession, error) {
	if sessionID == "" {
		return nil, model.NewSessionExpiredError()
	}

	studioSession, err := s.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find studio session: %w", err)
	}
	if studioSession == nil {
		return nil, model.NewSessionExpiredError()
	}
	return studioSession, nil
}

// createSession はスタジオセッションを作成し永続化する。
func (s *Service) createSession(ctx context.Context) (*model.StudioSession, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	session := &model.StudioSession{
		ID:        sessionID,
		ExpiresAt: time.Now().Add(time.Duration(s.config.SessionMaxAge) * time.Second),
		CreatedAt: time.Now(),
	}

	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save studio session: %w", err)
	}

	return session, nil
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
