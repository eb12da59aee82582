// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, profile, backend, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeProfileNotFound    = "PROFILE_NOT_FOUND"
	ErrCodeLinkNotFound       = "LINK_NOT_FOUND"
	ErrCodeLinkLimit          = "LINK_LIMIT"
	ErrCodeInvalidSlug        = "INVALID_SLUG"
	ErrCodeInvalidURL         = "INVALID_URL"
	ErrCodeSSRFBlocked        = "SSRF_BLOCKED"
	ErrCodeInvalidTheme       = "INVALID_THEME"
	ErrCodeInvalidQRParams    = "INVALID_QR_PARAMS"
	ErrCodeLoginFailed        = "LOGIN_FAILED"
	ErrCodeSessionExpired     = "SESSION_EXPIRED"
	ErrCodeBackendUnavailable = "BACKEND_UNAVAILABLE"
	ErrCodeInvalidSignal      = "INVALID_SIGNAL"
	ErrCodeCSRFTokenInvalid   = "CSRF_TOKEN_INVALID"
)

// NewProfileNotFoundError はプロフィール未検出エラーを生成する。
func NewProfileNotFoundError(slug string) *APIError {
	return &APIError{
		Code:     ErrCodeProfileNotFound,
		Message:  fmt.Sprintf("指定されたプロフィールが見つかりません: %s", slug),
		Category: "profile",
		Action:   "URLのスラッグを確認してください。",
	}
}

// NewLinkNotFoundError はリンク未検出エラーを生成する。
func NewLinkNotFoundError(linkID string) *APIError {
	return &APIError{
		Code:     ErrCodeLinkNotFound,
		Message:  fmt.Sprintf("指定されたリンクが見つかりません: %s", linkID),
		Category: "profile",
		Action:   "リンクIDを確認してください。",
	}
}

// NewLinkLimitError はリンク数上限エラーを生成する。
func NewLinkLimitError() *APIError {
	return &APIError{
		Code:     ErrCodeLinkLimit,
		Message:  "リンク数が上限（20件）に達しています。",
		Category: "profile",
		Action:   "不要なリンクを削除してから追加してください。",
	}
}

// NewInvalidSlugError は無効なスラッグエラーを生成する。
func NewInvalidSlugError(slug string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidSlug,
		Message:  fmt.Sprintf("無効なスラッグです: %s", slug),
		Category: "validation",
		Action:   "スラッグは3〜32文字の英小文字・数字・ハイフンで指定してください。",
	}
}

// NewInvalidURLError は無効なURLエラーを生成する。
func NewInvalidURLError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidURL,
		Message:  fmt.Sprintf("無効なURLです: %s", reason),
		Category: "validation",
		Action:   "正しいURL形式（http:// または https:// で始まるURL）を入力してください。",
	}
}

// NewSSRFBlockedError はSSRFブロックエラーを生成する。
func NewSSRFBlockedError() *APIError {
	return &APIError{
		Code:     ErrCodeSSRFBlocked,
		Message:  "セキュリティポリシーにより、指定されたURLへのアクセスがブロックされました。",
		Category: "validation",
		Action:   "公開されているWebサイトのURLを入力してください。ローカルネットワークやプライベートIPへのアクセスは許可されていません。",
	}
}

// NewInvalidThemeError は無効なテーマ設定エラーを生成する。
func NewInvalidThemeError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidTheme,
		Message:  fmt.Sprintf("無効なテーマ設定です: %s", reason),
		Category: "validation",
		Action:   "配色は #RRGGBB 形式で指定してください。",
	}
}

// NewInvalidQRParamsError は無効なQRパラメータエラーを生成する。
func NewInvalidQRParamsError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidQRParams,
		Message:  fmt.Sprintf("無効なQRコードパラメータです: %s", reason),
		Category: "validation",
		Action:   "サイズは64〜1024px、誤り訂正レベルは L/M/Q/H のいずれかを指定してください。",
	}
}

// NewLoginFailedError はログイン失敗エラーを生成する。
func NewLoginFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeLoginFailed,
		Message:  "メールアドレスまたはパスワードが正しくありません。",
		Category: "auth",
		Action:   "入力内容を確認して再度お試しください。",
	}
}

// NewSessionExpiredError はセッション期限切れエラーを生成する。
func NewSessionExpiredError() *APIError {
	return &APIError{
		Code:     ErrCodeSessionExpired,
		Message:  "セッションの有効期限が切れています。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewBackendUnavailableError はバックエンド接続不能エラーを生成する。
func NewBackendUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeBackendUnavailable,
		Message:  "バックエンドサービスに接続できません。",
		Category: "backend",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewCSRFTokenInvalidError はCSRFトークン検証失敗エラーを生成する。
func NewCSRFTokenInvalidError() *APIError {
	return &APIError{
		Code:     ErrCodeCSRFTokenInvalid,
		Message:  "CSRFトークンの検証に失敗しました。",
		Category: "auth",
		Action:   "ページを再読み込みしてから再度お試しください。",
	}
}

// NewInvalidSignalError は無効なライフサイクルシグナルエラーを生成する。
func NewInvalidSignalError(kind string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidSignal,
		Message:  fmt.Sprintf("無効なライフサイクルシグナルです: %s", kind),
		Category: "validation",
		Action:   "シグナル種別には hidden、visible、online、offline のいずれかを指定してください。",
	}
}
