// Package backend はバックエンドサービス（認証・データストア）のクライアントを提供する。
// サービス本体はブラックボックスとして扱い、セッション取得・更新・認証状態通知・
// リアルタイムチャンネルの小さな契約のみを消費する。
package backend

import (
	"context"
	"time"

	"github.com/hitoshi/meishi/internal/model"
)

// Session はバックエンドサービスが発行した認証セッションを表す。
type Session struct {
	AccessToken  string
	RefreshToken string
	UserID       string
	Email        string
	ExpiresAt    time.Time
}

// ExpiresWithin は有効期限がd以内に到来するかを返す。
func (s *Session) ExpiresWithin(d time.Duration) bool {
	return time.Until(s.ExpiresAt) < d
}

// AuthEvent は認証状態変化イベントの種別を表す。
type AuthEvent string

const (
	// EventInitialSession は永続トークンからの初回セッション復元。
	EventInitialSession AuthEvent = "INITIAL_SESSION"
	// EventSignedIn は明示的なサインイン成功。
	EventSignedIn AuthEvent = "SIGNED_IN"
	// EventSignedOut はサインアウト（ローカルのみを含む）。
	EventSignedOut AuthEvent = "SIGNED_OUT"
	// EventTokenRefreshed はトークンリフレッシュ成功。
	EventTokenRefreshed AuthEvent = "TOKEN_REFRESHED"
)

// AuthListener は認証状態変化の通知を受け取るコールバック。
// sessionはSIGNED_OUT時にはnilになる。
type AuthListener func(event AuthEvent, session *Session)

// Subscription は認証状態リスナーの購読を表す。
type Subscription struct {
	id     uint64
	client *Client
}

// Unsubscribe はリスナーの登録を解除する。複数回呼んでも安全。
func (s *Subscription) Unsubscribe() {
	if s == nil || s.client == nil {
		return
	}
	s.client.removeListener(s.id)
}

// CredentialStore は永続リフレッシュトークンの保管先。
// ローカルサインアウトや接続ハンドルの再生成では削除されず、
// 新しいハンドルがここからセッションを復元する。
type CredentialStore interface {
	// Load は保存済み認証情報を返す。未保存の場合は(nil, nil)を返す。
	Load(ctx context.Context) (*model.BackendCredential, error)
	// Save は認証情報を保存する。既存行は上書きされる。
	Save(ctx context.Context, cred *model.BackendCredential) error
}
