// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hitoshi/meishi/internal/model"
)

const sessionCookieName = "studio_session_id"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// sessionIDContextKey はリクエストコンテキストにスタジオセッションIDを
// 格納するためのキー。
var sessionIDContextKey = contextKey("studio_session_id")

// SessionFinder はセッションの検索に必要なインターフェース。
// repository.StudioSessionRepositoryの部分集合として定義する。
type SessionFinder interface {
	FindByID(ctx context.Context, id string) (*model.StudioSession, error)
}

// NewSessionMiddleware はHTTP Only Cookieからスタジオセッションを読み取り、
// 有効性を検証するミドルウェアを返す。
// 検証済みセッションIDをリクエストコンテキストに注入する。
// 未認証リクエストには401 Unauthorizedを返す。
func NewSessionMiddleware(sessionFinder SessionFinder) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// 1. CookieからセッションIDを取得
			cookie, err := r.Cookie(sessionCookieName)
			if err != nil || cookie.Value == "" {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewSessionExpiredError())
				return
			}

			// 2. セッションの有効性を検証（期限切れはnilで返る）
			session, err := sessionFinder.FindByID(r.Context(), cookie.Value)
			if err != nil {
				slog.Error("failed to find studio session",
					slog.String("error", err.Error()),
				)
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewSessionExpiredError())
				return
			}
			if session == nil {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewSessionExpiredError())
				return
			}

			// 3. 検証済みセッションIDをコンテキストに注入
			ctx := context.WithValue(r.Context(), sessionIDContextKey, session.ID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SessionIDFromContext はリクエストコンテキストからスタジオセッションIDを取得する。
// セッションミドルウェアを通過したリクエストでのみ有効。
func SessionIDFromContext(ctx context.Context) (string, error) {
	sessionID, ok := ctx.Value(sessionIDContextKey).(string)
	if !ok || sessionID == "" {
		return "", fmt.Errorf("studio session ID not found in context")
	}
	return sessionID, nil
}

// ContextWithSessionID はコンテキストにスタジオセッションIDを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDContextKey, sessionID)
}

// SessionCookieName はスタジオセッションCookieの名前を返す。
// ハンドラでのCookie発行・破棄に使用する。
func SessionCookieName() string {
	return sessionCookieName
}
