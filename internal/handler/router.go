package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/meishi/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	SessionFinder     middleware.SessionFinder
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	CSRF              middleware.CSRFConfig
	Logger            *slog.Logger

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// プロフィール
	ProfileService ProfileServiceInterface

	// ライフサイクル・ゲート
	Monitor SignalSink
	Gate    GateInterface

	// 公開ページ
	PublicProfiles PublicProfileProvider
	QRGenerator    QRGenerator
	VCardBuilder   VCardBuilder
	ScanRecorder   ScanRecorder
	ScanMetrics    ScanMetrics
	PublicBaseURL  string

	// 統計
	ScanStats ScanStatsProvider

	// 観測
	MetricsHandler http.Handler
	HealthCheck    func() error
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS →（ルートごと）CSRF → Session → RateLimit
//
// 公開ルート（/p/*）はセッション不要でクライアントIPベースのレート制限のみ適用する。
// セッションCookieで認証される状態変更操作（認証ブリッジとスタジオAPI）には
// CSRF検証を適用する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	// 全ルート共通のミドルウェア
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	csrfMW := middleware.NewCSRFMiddleware(deps.CSRF)

	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig)
	profileHandler := NewProfileHandler(deps.ProfileService)
	lifecycleHandler := NewLifecycleHandler(deps.Monitor, deps.Gate)
	publicHandler := NewPublicHandler(
		deps.PublicProfiles,
		deps.QRGenerator,
		deps.VCardBuilder,
		deps.ScanRecorder,
		deps.ScanMetrics,
		deps.PublicBaseURL,
		nil,
	)
	analyticsHandler := NewAnalyticsHandler(deps.ProfileService, deps.ScanStats)

	// --- 認証不要のルート ---

	// CSRFトークンの取得。ログイン前のSPA初期化で呼ばれる。
	r.Method(http.MethodGet, "/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRF))

	// スタジオ認証ブリッジ。ログアウトはセッションCookieで認証されるため
	// ログインともどもCSRF検証の対象にする。
	r.Route("/api/auth", func(r chi.Router) {
		r.Use(csrfMW)
		r.Post("/login", authHandler.Login)
		r.Post("/logout", authHandler.Logout)
		r.Get("/me", authHandler.Me)
	})

	// 公開名刺ページ（クライアントIPベースのレート制限）
	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.PublicMiddleware())

		r.Route("/p/{slug}", func(r chi.Router) {
			r.Get("/", publicHandler.GetProfile)
			r.Get("/qr.png", publicHandler.GetQRCode)
			r.Get("/card.vcf", publicHandler.GetVCard)
		})
	})

	// 死活確認
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if deps.HealthCheck != nil {
			if err := deps.HealthCheck(); err != nil {
				http.Error(w, "unhealthy", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// Prometheusスクレイプ
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: CSRF → Session → RateLimit(Studio)
	r.Group(func(r chi.Router) {
		r.Use(csrfMW)
		r.Use(middleware.NewSessionMiddleware(deps.SessionFinder))
		r.Use(deps.RateLimiter.StudioMiddleware())

		// カードプロフィール管理
		r.Route("/api/profile", func(r chi.Router) {
			r.Get("/", profileHandler.GetProfile)
			r.Put("/", profileHandler.SaveProfile)

			r.Route("/links", func(r chi.Router) {
				r.Post("/", profileHandler.AddLink)

				r.Route("/{id}", func(r chi.Router) {
					r.Put("/", profileHandler.UpdateLink)
					r.Delete("/", profileHandler.DeleteLink)
				})
			})
		})

		// ライフサイクルビーコン
		r.Post("/api/lifecycle/signal", lifecycleHandler.Signal)

		// セッション継続性
		r.Route("/api/session", func(r chi.Router) {
			r.Get("/continuity", lifecycleHandler.Continuity)
			r.Post("/reauth/success", lifecycleHandler.ReauthSuccess)
			r.Post("/reauth/dismiss", lifecycleHandler.ReauthDismiss)
		})

		// スキャン統計
		r.Get("/api/analytics/scans", analyticsHandler.GetScanStats)
	})

	return r
}
