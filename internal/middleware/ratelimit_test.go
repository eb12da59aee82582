package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/hitoshi/meishi/internal/model"
)

// --- StudioMiddleware (スタジオAPI全般) のテスト ---

func TestStudioRateLimit_AllowsRequestsWithinLimit(t *testing.T) {
	cfg := RateLimiterConfig{
		StudioRate:      2, // 2 req/sec
		StudioBurst:     5, // バースト5
		PublicRate:      1, // 未使用
		PublicBurst:     10,
		CleanupInterval: 1 * time.Minute,
	}

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	mw := rl.StudioMiddleware()

	handlerCallCount := 0
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCallCount++
		w.WriteHeader(http.StatusOK)
	}))

	// バースト内の5リクエストは全て通る
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/test", nil)
		req = req.WithContext(ContextWithSessionID(req.Context(), "sess-1"))
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		if w.Result().StatusCode != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i, w.Result().StatusCode, http.StatusOK)
		}
	}

	if handlerCallCount != 5 {
		t.Errorf("handler call count = %d, want 5", handlerCallCount)
	}
}

func TestStudioRateLimit_Returns429WhenLimitExceeded(t *testing.T) {
	cfg := RateLimiterConfig{
		StudioRate:      1, // 1 req/sec
		StudioBurst:     2, // バースト2
		PublicRate:      1,
		PublicBurst:     10,
		CleanupInterval: 1 * time.Minute,
	}

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	mw := rl.StudioMiddleware()

	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// バースト分（2回）は通る
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/test", nil)
		req = req.WithContext(ContextWithSessionID(req.Context(), "sess-rate-limit"))
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		if w.Result().StatusCode != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i, w.Result().StatusCode, http.StatusOK)
		}
	}

	// 3回目はレート制限に引っかかる
	req := httptest.NewRequest(http.MethodGet, "/api/test", nil)
	req = req.WithContext(ContextWithSessionID(req.Context(), "sess-rate-limit"))
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusTooManyRequests)
	}
}

func TestStudioRateLimit_Returns429WithRetryAfterHeader(t *testing.T) {
	cfg := RateLimiterConfig{
		StudioRate:      1, // 1 req/sec
		StudioBurst:     1, // バースト1
		PublicRate:      1,
		PublicBurst:     10,
		CleanupInterval: 1 * time.Minute,
	}

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	mw := rl.StudioMiddleware()

	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// 1回目は通る
	req := httptest.NewRequest(http.MethodGet, "/api/test", nil)
	req = req.WithContext(ContextWithSessionID(req.Context(), "sess-retry-after"))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	// 2回目は429になる
	req2 := httptest.NewRequest(http.MethodGet, "/api/test", nil)
	req2 = req2.WithContext(ContextWithSessionID(req2.Context(), "sess-retry-after"))
	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, req2)

	if w2.Result().StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want %d", w2.Result().StatusCode, http.StatusTooManyRequests)
	}

	retryAfter := w2.Result().Header.Get("Retry-After")
	if retryAfter == "" {
		t.Fatal("expected Retry-After header to be present")
	}

	// Retry-Afterは数値（秒）であること
	retrySeconds, err := strconv.Atoi(retryAfter)
	if err != nil {
		t.Errorf("Retry-After header should be a number, got %q", retryAfter)
	}
	if retrySeconds < 1 {
		t.Errorf("Retry-After = %d, should be at least 1", retrySeconds)
	}
}

func TestStudioRateLimit_IsolatesSessionRateLimits(t *testing.T) {
	cfg := RateLimiterConfig{
		StudioRate:      1, // 1 req/sec
		StudioBurst:     1, // バースト1
		PublicRate:      1,
		PublicBurst:     10,
		CleanupInterval: 1 * time.Minute,
	}

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	mw := rl.StudioMiddleware()

	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// セッションAの1回目は通る
	reqA := httptest.NewRequest(http.MethodGet, "/api/test", nil)
	reqA = reqA.WithContext(ContextWithSessionID(reqA.Context(), "sess-A"))
	wA := httptest.NewRecorder()
	handler.ServeHTTP(wA, reqA)

	if wA.Result().StatusCode != http.StatusOK {
		t.Errorf("sess-A first request: status = %d, want %d", wA.Result().StatusCode, http.StatusOK)
	}

	// セッションAの2回目は429
	reqA2 := httptest.NewRequest(http.MethodGet, "/api/test", nil)
	reqA2 = reqA2.WithContext(ContextWithSessionID(reqA2.Context(), "sess-A"))
	wA2 := httptest.NewRecorder()
	handler.ServeHTTP(wA2, reqA2)

	if wA2.Result().StatusCode != http.StatusTooManyRequests {
		t.Errorf("sess-A second request: status = %d, want %d", wA2.Result().StatusCode, http.StatusTooManyRequests)
	}

	// セッションBの1回目は通る（セッションAのレートに影響されない）
	reqB := httptest.NewRequest(http.MethodGet, "/api/test", nil)
	reqB = reqB.WithContext(ContextWithSessionID(reqB.Context(), "sess-B"))
	wB := httptest.NewRecorder()
	handler.ServeHTTP(wB, reqB)

	if wB.Result().StatusCode != http.StatusOK {
		t.Errorf("sess-B first request: status = %d, want %d", wB.Result().StatusCode, http.StatusOK)
	}
}

func TestStudioRateLimit_NoSessionID_Returns401(t *testing.T) {
	cfg := RateLimiterConfig{
		StudioRate:      2,
		StudioBurst:     5,
		PublicRate:      1,
		PublicBurst:     10,
		CleanupInterval: 1 * time.Minute,
	}

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	mw := rl.StudioMiddleware()

	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called without session ID")
	}))

	// コンテキストにセッションIDがない場合は401
	req := httptest.NewRequest(http.MethodGet, "/api/test", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusUnauthorized)
	}
}

// --- PublicMiddleware (公開ページ) のテスト ---

func TestPublicRateLimit_AllowsRequestsWithinLimit(t *testing.T) {
	cfg := RateLimiterConfig{
		StudioRate:      100, // 高い値（制限に引っかからないように）
		StudioBurst:     200,
		PublicRate:      1, // 1 req/sec
		PublicBurst:     3, // バースト3
		CleanupInterval: 1 * time.Minute,
	}

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	mw := rl.PublicMiddleware()

	handlerCallCount := 0
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCallCount++
		w.WriteHeader(http.StatusOK)
	}))

	// バースト内の3リクエストは全て通る
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/p/taro", nil)
		req.RemoteAddr = "203.0.113.10:54321"
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		if w.Result().StatusCode != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i, w.Result().StatusCode, http.StatusOK)
		}
	}

	if handlerCallCount != 3 {
		t.Errorf("handler call count = %d, want 3", handlerCallCount)
	}
}

func TestPublicRateLimit_Returns429WhenLimitExceeded(t *testing.T) {
	cfg := RateLimiterConfig{
		StudioRate:      100,
		StudioBurst:     200,
		PublicRate:      1, // 1 req/sec
		PublicBurst:     1, // バースト1
		CleanupInterval: 1 * time.Minute,
	}

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	mw := rl.PublicMiddleware()

	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// 1回目は通る
	req1 := httptest.NewRequest(http.MethodGet, "/p/taro", nil)
	req1.RemoteAddr = "203.0.113.20:54321"
	w1 := httptest.NewRecorder()
	handler.ServeHTTP(w1, req1)

	if w1.Result().StatusCode != http.StatusOK {
		t.Errorf("request 1: status = %d, want %d", w1.Result().StatusCode, http.StatusOK)
	}

	// 2回目は429
	req2 := httptest.NewRequest(http.MethodGet, "/p/taro", nil)
	req2.RemoteAddr = "203.0.113.20:54321"
	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, req2)

	if w2.Result().StatusCode != http.StatusTooManyRequests {
		t.Errorf("request 2: status = %d, want %d", w2.Result().StatusCode, http.StatusTooManyRequests)
	}

	retryAfter := w2.Result().Header.Get("Retry-After")
	if retryAfter == "" {
		t.Error("expected Retry-After header to be present")
	}
}

func TestPublicRateLimit_IsolatesClientIPs(t *testing.T) {
	cfg := RateLimiterConfig{
		StudioRate:      100,
		StudioBurst:     200,
		PublicRate:      1,
		PublicBurst:     1,
		CleanupInterval: 1 * time.Minute,
	}

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	mw := rl.PublicMiddleware()

	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// クライアントAがバーストを使い果たす
	reqA := httptest.NewRequest(http.MethodGet, "/p/taro", nil)
	reqA.RemoteAddr = "203.0.113.30:1111"
	wA := httptest.NewRecorder()
	handler.ServeHTTP(wA, reqA)

	reqA2 := httptest.NewRequest(http.MethodGet, "/p/taro", nil)
	reqA2.RemoteAddr = "203.0.113.30:2222"
	wA2 := httptest.NewRecorder()
	handler.ServeHTTP(wA2, reqA2)

	if wA2.Result().StatusCode != http.StatusTooManyRequests {
		t.Errorf("client A second request: status = %d, want %d",
			wA2.Result().StatusCode, http.StatusTooManyRequests)
	}

	// クライアントBは影響されない
	reqB := httptest.NewRequest(http.MethodGet, "/p/taro", nil)
	reqB.RemoteAddr = "203.0.113.40:3333"
	wB := httptest.NewRecorder()
	handler.ServeHTTP(wB, reqB)

	if wB.Result().StatusCode != http.StatusOK {
		t.Errorf("client B first request: status = %d, want %d", wB.Result().StatusCode, http.StatusOK)
	}
}

func TestPublicRateLimit_UsesForwardedForHeader(t *testing.T) {
	cfg := RateLimiterConfig{
		StudioRate:      100,
		StudioBurst:     200,
		PublicRate:      1,
		PublicBurst:     1,
		CleanupInterval: 1 * time.Minute,
	}

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	mw := rl.PublicMiddleware()

	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// 同じプロキシ経由でも X-Forwarded-For が異なれば別クライアント
	req1 := httptest.NewRequest(http.MethodGet, "/p/taro", nil)
	req1.RemoteAddr = "10.0.0.1:80"
	req1.Header.Set("X-Forwarded-For", "198.51.100.1, 10.0.0.1")
	w1 := httptest.NewRecorder()
	handler.ServeHTTP(w1, req1)

	req2 := httptest.NewRequest(http.MethodGet, "/p/taro", nil)
	req2.RemoteAddr = "10.0.0.1:80"
	req2.Header.Set("X-Forwarded-For", "198.51.100.2, 10.0.0.1")
	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, req2)

	if w1.Result().StatusCode != http.StatusOK || w2.Result().StatusCode != http.StatusOK {
		t.Errorf("distinct forwarded clients should both pass: %d, %d",
			w1.Result().StatusCode, w2.Result().StatusCode)
	}

	// 同じ X-Forwarded-For の2回目は429
	req3 := httptest.NewRequest(http.MethodGet, "/p/taro", nil)
	req3.RemoteAddr = "10.0.0.1:80"
	req3.Header.Set("X-Forwarded-For", "198.51.100.1, 10.0.0.1")
	w3 := httptest.NewRecorder()
	handler.ServeHTTP(w3, req3)

	if w3.Result().StatusCode != http.StatusTooManyRequests {
		t.Errorf("same forwarded client should be limited: status = %d, want %d",
			w3.Result().StatusCode, http.StatusTooManyRequests)
	}
}

func TestPublicRateLimit_IndependentFromStudioLimit(t *testing.T) {
	cfg := RateLimiterConfig{
		StudioRate:      1,
		StudioBurst:     1,
		PublicRate:      1,
		PublicBurst:     1,
		CleanupInterval: 1 * time.Minute,
	}

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	studioMW := rl.StudioMiddleware()
	publicMW := rl.PublicMiddleware()

	// スタジオMWでリクエスト（バーストを消費）
	studioHandler := studioMW(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req1 := httptest.NewRequest(http.MethodGet, "/api/test", nil)
	req1 = req1.WithContext(ContextWithSessionID(req1.Context(), "sess-indep"))
	w1 := httptest.NewRecorder()
	studioHandler.ServeHTTP(w1, req1)

	// スタジオlimitは使い果たした。公開ページlimitはまだ使える
	publicHandler := publicMW(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req2 := httptest.NewRequest(http.MethodGet, "/p/taro", nil)
	req2.RemoteAddr = "203.0.113.50:54321"
	w2 := httptest.NewRecorder()
	publicHandler.ServeHTTP(w2, req2)

	if w2.Result().StatusCode != http.StatusOK {
		t.Errorf("public page should still be allowed: status = %d, want %d",
			w2.Result().StatusCode, http.StatusOK)
	}
}

// --- 429レスポンスフォーマットのテスト ---

func TestStudioRateLimit_429ResponseIsJSON(t *testing.T) {
	cfg := RateLimiterConfig{
		StudioRate:      1,
		StudioBurst:     1,
		PublicRate:      1,
		PublicBurst:     10,
		CleanupInterval: 1 * time.Minute,
	}

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	mw := rl.StudioMiddleware()

	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// バースト消費
	req := httptest.NewRequest(http.MethodGet, "/api/test", nil)
	req = req.WithContext(ContextWithSessionID(req.Context(), "sess-json-test"))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	// 429レスポンス
	req2 := httptest.NewRequest(http.MethodGet, "/api/test", nil)
	req2 = req2.WithContext(ContextWithSessionID(req2.Context(), "sess-json-test"))
	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, req2)

	resp := w2.Result()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusTooManyRequests)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType != "application/json" {
		t.Errorf("Content-Type = %q, want %q", contentType, "application/json")
	}

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if body["code"] == "" {
		t.Error("expected 'code' field in error response")
	}
	if body["message"] == "" {
		t.Error("expected 'message' field in error response")
	}
	if body["category"] == "" {
		t.Error("expected 'category' field in error response")
	}
}

// --- クリーンアップのテスト ---

func TestRateLimiter_CleanupRemovesExpiredEntries(t *testing.T) {
	cfg := RateLimiterConfig{
		StudioRate:      2,
		StudioBurst:     5,
		PublicRate:      1,
		PublicBurst:     10,
		CleanupInterval: 50 * time.Millisecond, // テスト用に短く
	}

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	mw := rl.StudioMiddleware()

	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// セッションのリクエストを発行してエントリを作成
	req := httptest.NewRequest(http.MethodGet, "/api/test", nil)
	req = req.WithContext(ContextWithSessionID(req.Context(), "sess-cleanup"))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	// エントリが存在することを確認
	if rl.StudioLimiterCount() == 0 {
		t.Fatal("expected at least one limiter entry")
	}

	// クリーンアップが実行されるのを待つ
	// エントリのTTLはCleanupIntervalの2倍
	// 50ms * 2 = 100ms がTTL、200ms待てば削除されるはず
	time.Sleep(200 * time.Millisecond)

	if count := rl.StudioLimiterCount(); count != 0 {
		t.Errorf("expected 0 limiter entries after cleanup, got %d", count)
	}
}

// --- ミドルウェアチェーンとの統合テスト ---

func TestStudioRateLimit_InChainWithSessionAndCORS(t *testing.T) {
	finder := &mockSessionFinder{
		findByIDFn: func(ctx context.Context, id string) (*model.StudioSession, error) {
			if id == "rate-limit-session" {
				return &model.StudioSession{
					ID:        "rate-limit-session",
					ExpiresAt: time.Now().Add(1 * time.Hour),
				}, nil
			}
			return nil, nil
		},
	}

	cfg := RateLimiterConfig{
		StudioRate:      1,
		StudioBurst:     2,
		PublicRate:      1,
		PublicBurst:     10,
		CleanupInterval: 1 * time.Minute,
	}

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	sessionMW := NewSessionMiddleware(finder)
	corsMW := NewCORSMiddleware("http://localhost:3000")
	rateMW := rl.StudioMiddleware()

	// CORS -> Session -> RateLimit -> Handler
	handler := corsMW(sessionMW(rateMW(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID, _ := SessionIDFromContext(r.Context())
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"session_id": sessionID})
	}))))

	// GETリクエスト：2回通る
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/test", nil)
		req.AddCookie(&http.Cookie{Name: "studio_session_id", Value: "rate-limit-session"})
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		if w.Result().StatusCode != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i, w.Result().StatusCode, http.StatusOK)
		}
	}

	// 3回目は429
	req3 := httptest.NewRequest(http.MethodGet, "/api/test", nil)
	req3.AddCookie(&http.Cookie{Name: "studio_session_id", Value: "rate-limit-session"})
	w3 := httptest.NewRecorder()

	handler.ServeHTTP(w3, req3)

	if w3.Result().StatusCode != http.StatusTooManyRequests {
		t.Errorf("request 3: status = %d, want %d", w3.Result().StatusCode, http.StatusTooManyRequests)
	}
}

// --- デフォルト設定値のテスト ---

func TestDefaultRateLimiterConfig(t *testing.T) {
	cfg := DefaultRateLimiterConfig()

	if cfg.StudioRate != 2.0 { // 120/60 = 2
		t.Errorf("StudioRate = %f, want 2.0", cfg.StudioRate)
	}
	if cfg.StudioBurst != 120 {
		t.Errorf("StudioBurst = %d, want 120", cfg.StudioBurst)
	}
	if cfg.PublicRate != 1.0 { // 60/60 = 1
		t.Errorf("PublicRate = %f, want 1.0", cfg.PublicRate)
	}
	if cfg.PublicBurst != 60 {
		t.Errorf("PublicBurst = %d, want 60", cfg.PublicBurst)
	}
}
