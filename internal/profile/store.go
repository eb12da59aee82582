// Package profile はプロフィールの状態保持とCRUDのドメインロジックを提供する。
// ストアはセッションコンシューマとして、ハンドル再生成とセッション喪失の
// 通知に反応する唯一の購読者を兼ねる。
package profile

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/hitoshi/meishi/internal/backend"
	"github.com/hitoshi/meishi/internal/handle"
	"github.com/hitoshi/meishi/internal/model"
	"github.com/hitoshi/meishi/internal/reauth"
)

// HandleRegistry はストアが必要とするハンドルレジストリのインターフェース。
type HandleRegistry interface {
	Get() (*backend.Client, error)
	RegisterListener(fn backend.AuthListener) (func(), error)
	OnRecreated(fn handle.RecreatedCallback) func()
}

// Gatekeeper はストアが参照する再認証ゲートのインターフェース。
type Gatekeeper interface {
	WithinGrace() bool
	MarkSuccess()
}

// retryDelay はセッション喪失後のバックグラウンド再試行までの待ち時間。
const retryDelay = 10 * time.Second

// Store はオーナーのプロフィール状態を保持するセッションコンシューマ。
//
// ハンドル再生成の通知を受けると自前のリスナーを新しいハンドルに
// 再登録し、セッションを再検証する。猶予期間内のセッション喪失では
// 手元のプロフィールを消さず、最後に取得できた内容を表示し続ける。
type Store struct {
	registry HandleRegistry
	gate     Gatekeeper
	logger   *slog.Logger

	// 公開ページ向けのlast-known-goodキャッシュ。スラッグをキーとする。
	cache *gocache.Cache

	mu          sync.Mutex
	closed      bool // アンマウント後の状態更新を防ぐガード
	ownerID     string
	profiles    []model.Profile
	unsubscribe func()
	unregister  func()
	retryTimer  *time.Timer
}

// NewStore はStoreを生成する。
// cacheTTLはlast-known-goodプロフィールの保持期間で、猶予期間と揃える。
func NewStore(registry HandleRegistry, gate Gatekeeper, cacheTTL time.Duration, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &Store{
		registry: registry,
		gate:     gate,
		logger:   logger,
		cache:    gocache.New(cacheTTL, cacheTTL),
	}
}

// Start はリスナーと再生成コールバックを登録し、初期状態を取得する。
// セッションが存在しない場合はエラーにしない（未ログイン状態）。
func (s *Store) Start(ctx context.Context) error {
	if err := s.attachListener(); err != nil {
		return err
	}

	s.mu.Lock()
	s.unregister = s.registry.OnRecreated(s.handleRecreated)
	s.mu.Unlock()

	s.refresh(ctx)
	return nil
}

// Close はストアを停止する。以後の非同期通知は状態を更新しない。
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	unsubscribe := s.unsubscribe
	unregister := s.unregister
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if unregister != nil {
		unregister()
	}
}

// Profiles は手元に保持しているオーナーのプロフィール一覧を返す。
func (s *Store) Profiles() []model.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Profile, len(s.profiles))
	copy(out, s.profiles)
	return out
}

// Primary はオーナーの先頭プロフィールを返す。未取得の場合はnil。
func (s *Store) Primary() *model.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.profiles) == 0 {
		return nil
	}
	p := s.profiles[0]
	return &p
}

// OwnerID は直近に確認できたオーナーのユーザーIDを返す。
func (s *Store) OwnerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ownerID
}

// GetBySlug は公開ページ向けにスラッグでプロフィールを返す。
// バックエンドへの読み取りが失敗した場合はlast-known-goodキャッシュに
// フォールバックし、障害中も公開ページを落とさない。
// 見つからない場合は(nil, nil)を返す。
func (s *Store) GetBySlug(ctx context.Context, slug string) (*model.Profile, error) {
	client, err := s.registry.Get()
	if err == nil {
		var p *model.Profile
		p, err = client.GetProfileBySlug(ctx, slug)
		if err == nil {
			if p == nil {
				return nil, nil
			}
			s.cache.Set(slug, p, gocache.DefaultExpiration)
			return p, nil
		}
	}

	// バックエンド障害: キャッシュから最後に取得できた内容を返す
	if cached, ok := s.cache.Get(slug); ok {
		s.logger.Warn("バックエンド障害のためキャッシュからプロフィールを返します",
			slog.String("slug", slug),
			slog.String("error", err.Error()),
		)
		return cached.(*model.Profile), nil
	}
	return nil, err
}

// Invalidate は保存後などにオーナーのプロフィールを再取得する。
func (s *Store) Invalidate(ctx context.Context) {
	s.refresh(ctx)
}

// HandleSessionValid はライフサイクルモニタからの検証成功通知を処理する。
// lifecycle.SessionConsumerを実装する。
func (s *Store) HandleSessionValid(session *backend.Session) {
	if session != nil {
		s.mu.Lock()
		s.ownerID = session.UserID
		s.mu.Unlock()
	}
	go s.refresh(context.Background())
}

// HandleSessionLost はセッション喪失の通知を処理する。
// 猶予期間内であれば手元のプロフィールを消さず、バックグラウンドで
// 再試行する。猶予期間外であればプロフィールを手放し、以後の表示は
// ゲートの判断に委ねる。
func (s *Store) HandleSessionLost(reason reauth.Reason) {
	if s.gate != nil && s.gate.WithinGrace() {
		s.logger.Info("猶予期間内のセッション喪失のためプロフィールを保持します",
			slog.String("reason", reason.String()),
		)
		s.scheduleRetry()
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.profiles = nil
	s.mu.Unlock()
	s.logger.Warn("猶予期間外のセッション喪失のためプロフィールを破棄しました",
		slog.String("reason", reason.String()),
	)
}

// handleRecreated はハンドル再生成の完了通知を処理する。
// 旧ハンドルへの購読はデコミッションで解除済みのため、
// 新しいハンドルにリスナーを登録し直し、セッションを再検証する。
func (s *Store) handleRecreated(client *backend.Client) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := s.attachListener(); err != nil {
		s.logger.Warn("再生成後のリスナー再登録に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	// 再検証は再生成コールバックをブロックしないよう非同期で行う
	go s.revalidate(context.Background())
}

// attachListener は現在のハンドルに認証状態リスナーを登録する。
// 既存の登録があれば解除してから付け替える。
func (s *Store) attachListener() error {
	unsubscribe, err := s.registry.RegisterListener(s.handleAuthEvent)
	if err != nil {
		return err
	}

	s.mu.Lock()
	prev := s.unsubscribe
	s.unsubscribe = unsubscribe
	s.mu.Unlock()

	if prev != nil {
		prev()
	}
	return nil
}

// handleAuthEvent はバックエンドからの認証状態変化を処理する。
func (s *Store) handleAuthEvent(event backend.AuthEvent, session *backend.Session) {
	switch event {
	case backend.EventSignedIn, backend.EventInitialSession:
		if session != nil {
			s.mu.Lock()
			s.ownerID = session.UserID
			s.mu.Unlock()
		}
		go s.refresh(context.Background())
	case backend.EventSignedOut:
		// ローカルのみのサインアウト（デコミッション）でも発火するため、
		// 猶予期間の判断はHandleSessionLostと同じにする
		s.HandleSessionLost(reauth.ReasonSessionLost)
	case backend.EventTokenRefreshed:
		// 表示内容に影響しない
	}
}

// revalidate は再生成後のセッション再検証を行う。
// 成功時はゲートに回復を報告する。失敗時の昇格はモニタの責務。
func (s *Store) revalidate(ctx context.Context) {
	client, err := s.registry.Get()
	if err != nil {
		return
	}

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	session, err := client.GetSession(checkCtx)
	if err != nil || session == nil {
		if err != nil && !errors.Is(err, backend.ErrNoSession) {
			s.logger.Warn("再生成後のセッション検証に失敗しました",
				slog.String("error", err.Error()),
			)
		}
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.ownerID = session.UserID
	s.mu.Unlock()

	if s.gate != nil {
		s.gate.MarkSuccess()
	}
	s.refresh(ctx)
}

// refresh はオーナーのプロフィール一覧を取得し直す。
// セッションが無い場合は何もしない。取得後の状態更新はクローズ済みガードを通す。
func (s *Store) refresh(ctx context.Context) {
	client, err := s.registry.Get()
	if err != nil {
		return
	}

	fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if _, err := client.GetSession(fetchCtx); err != nil {
		return
	}

	profiles, err := client.ListProfiles(fetchCtx)
	if err != nil {
		s.logger.Warn("プロフィールの再取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.profiles = profiles
	s.mu.Unlock()

	// 公開ページ向けキャッシュも新しい内容で温め直す
	for i := range profiles {
		p := profiles[i]
		s.cache.Set(p.Slug, &p, gocache.DefaultExpiration)
	}
}

// scheduleRetry はバックグラウンド再試行を1つだけ予約する。
func (s *Store) scheduleRetry() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.retryTimer != nil {
		return
	}
	s.retryTimer = time.AfterFunc(retryDelay, func() {
		s.mu.Lock()
		s.retryTimer = nil
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}
		s.refresh(context.Background())
	})
}
