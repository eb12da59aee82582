package middleware

import (
	"encoding/json"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	StudioRate      rate.Limit    // スタジオAPI全般のレート（req/sec）。120/60 = 2 req/sec
	StudioBurst     int           // スタジオAPI全般のバーストサイズ
	PublicRate      rate.Limit    // 公開ページのレート（req/sec）。60/60 = 1 req/sec
	PublicBurst     int           // 公開ページのバーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// スタジオAPI 120 req/min/セッション、公開ページ 60 req/min/クライアント。
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		StudioRate:      rate.Limit(120.0 / 60.0), // 2 req/sec
		StudioBurst:     120,
		PublicRate:      rate.Limit(60.0 / 60.0), // 1 req/sec
		PublicBurst:     60,
		CleanupInterval: 5 * time.Minute,
	}
}

// clientLimiter はキーごとのレートリミッターとアクセス時刻を保持する。
type clientLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter はクライアントごとのレート制限を管理する。
// スタジオAPI（セッションIDキー）と公開ページ（クライアントIPキー）の
// 2種類を独立に提供する。
type RateLimiter struct {
	config RateLimiterConfig

	studioMu       sync.RWMutex
	studioLimiters map[string]*clientLimiter

	publicMu       sync.RWMutex
	publicLimiters map[string]*clientLimiter

	stopCh chan struct{}
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		config:         config,
		studioLimiters: make(map[string]*clientLimiter),
		publicLimiters: make(map[string]*clientLimiter),
		stopCh:         make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (rl *RateLimiter) Stop() {
	close(rl.stopCh)
}

// StudioMiddleware はスタジオAPI全般のレート制限ミドルウェアを返す。
// リクエストコンテキストにセッションIDが含まれている必要がある
// （SessionMiddlewareの後に配置）。
func (rl *RateLimiter) StudioMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sessionID, err := SessionIDFromContext(r.Context())
			if err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			limiter := rl.getOrCreateStudioLimiter(sessionID)

			if !limiter.Allow() {
				writeRateLimitResponse(w, rl.config.StudioRate)
				slog.Warn("rate limit exceeded",
					slog.String("limit_type", "studio"),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// PublicMiddleware は公開ページ用のレート制限ミドルウェアを返す。
// 認証を要求せず、クライアントIPをキーとしてレートを制限する。
func (rl *RateLimiter) PublicMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientIP := clientIPFromRequest(r)

			limiter := rl.getOrCreatePublicLimiter(clientIP)

			if !limiter.Allow() {
				writeRateLimitResponse(w, rl.config.PublicRate)
				slog.Warn("rate limit exceeded",
					slog.String("client_ip", clientIP),
					slog.String("limit_type", "public"),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// StudioLimiterCount は現在管理されているスタジオリミッターのエントリ数を返す。
// テストおよびメトリクス用。
func (rl *RateLimiter) StudioLimiterCount() int {
	rl.studioMu.RLock()
	defer rl.studioMu.RUnlock()
	return len(rl.studioLimiters)
}

// PublicLimiterCount は現在管理されている公開ページリミッターのエントリ数を返す。
// テストおよびメトリクス用。
func (rl *RateLimiter) PublicLimiterCount() int {
	rl.publicMu.RLock()
	defer rl.publicMu.RUnlock()
	return len(rl.publicLimiters)
}

// getOrCreateStudioLimiter はセッションのスタジオリミッターを取得または作成する。
func (rl *RateLimiter) getOrCreateStudioLimiter(sessionID string) *rate.Limiter {
	rl.studioMu.RLock()
	cl, exists := rl.studioLimiters[sessionID]
	rl.studioMu.RUnlock()

	if exists {
		rl.studioMu.Lock()
		cl.lastAccess = time.Now()
		rl.studioMu.Unlock()
		return cl.limiter
	}

	rl.studioMu.Lock()
	defer rl.studioMu.Unlock()

	// ダブルチェック
	if cl, exists := rl.studioLimiters[sessionID]; exists {
		cl.lastAccess = time.Now()
		return cl.limiter
	}

	limiter := rate.NewLimiter(rl.config.StudioRate, rl.config.StudioBurst)
	rl.studioLimiters[sessionID] = &clientLimiter{
		limiter:    limiter,
		lastAccess: time.Now(),
	}

	return limiter
}

// getOrCreatePublicLimiter はクライアントIPの公開ページリミッターを取得または作成する。
func (rl *RateLimiter) getOrCreatePublicLimiter(clientIP string) *rate.Limiter {
	rl.publicMu.RLock()
	cl, exists := rl.publicLimiters[clientIP]
	rl.publicMu.RUnlock()

	if exists {
		rl.publicMu.Lock()
		cl.lastAccess = time.Now()
		rl.publicMu.Unlock()
		return cl.limiter
	}

	rl.publicMu.Lock()
	defer rl.publicMu.Unlock()

	// ダブルチェック
	if cl, exists := rl.publicLimiters[clientIP]; exists {
		cl.lastAccess = time.Now()
		return cl.limiter
	}

	limiter := rate.NewLimiter(rl.config.PublicRate, rl.config.PublicBurst)
	rl.publicLimiters[clientIP] = &clientLimiter{
		limiter:    limiter,
		lastAccess: time.Now(),
	}

	return limiter
}

// clientIPFromRequest はリクエストからクライアントIPを取り出す。
// リバースプロキシ配下を想定してX-Forwarded-Forの先頭を優先する。
func clientIPFromRequest(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (rl *RateLimiter) cleanup() {
	ttl := rl.config.CleanupInterval * 2

	now := time.Now()

	rl.studioMu.Lock()
	for key, cl := range rl.studioLimiters {
		if now.Sub(cl.lastAccess) > ttl {
			delete(rl.studioLimiters, key)
		}
	}
	rl.studioMu.Unlock()

	rl.publicMu.Lock()
	for key, cl := range rl.publicLimiters {
		if now.Sub(cl.lastAccess) > ttl {
			delete(rl.publicLimiters, key)
		}
	}
	rl.publicMu.Unlock()
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーにはトークンが補充されるまでの推定秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	// Retry-Afterの算出: 1トークンが補充されるまでの秒数
	retryAfterSec := int(math.Ceil(1.0 / float64(r)))
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	json.NewEncoder(w).Encode(map[string]string{
		"code":     "rate_limit_exceeded",
		"message":  "Too many requests. Please try again later.",
		"category": "system",
		"action":   "Please wait and retry after the specified time.",
	})
}
