package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/meishi/internal/model"
)

// --- モック定義 ---

type mockPublicProfileProvider struct {
	publicProfileFn func(ctx context.Context, slug string) (*model.Profile, error)
}

func (m *mockPublicProfileProvider) PublicProfile(ctx context.Context, slug string) (*model.Profile, error) {
	if m.publicProfileFn != nil {
		return m.publicProfileFn(ctx, slug)
	}
	return nil, nil
}

type mockQRGenerator struct {
	generateFn func(content string, size int, level string) ([]byte, error)
}

func (m *mockQRGenerator) Generate(content string, size int, level string) ([]byte, error) {
	if m.generateFn != nil {
		return m.generateFn(content, size, level)
	}
	return []byte("png-data"), nil
}

type mockVCardBuilder struct {
	buildFn func(p *model.Profile, publicURL string) ([]byte, error)
}

func (m *mockVCardBuilder) Build(p *model.Profile, publicURL string) ([]byte, error) {
	if m.buildFn != nil {
		return m.buildFn(p, publicURL)
	}
	return []byte("BEGIN:VCARD\r\nVERSION:3.0\r\nEND:VCARD\r\n"), nil
}

func (m *mockVCardBuilder) FileName(p *model.Profile) string {
	return p.Slug + ".vcf"
}

type mockScanRecorder struct {
	insertFn func(ctx context.Context, event *model.ScanEvent) error
	events   []*model.ScanEvent
}

func (m *mockScanRecorder) Insert(ctx context.Context, event *model.ScanEvent) error {
	if m.insertFn != nil {
		return m.insertFn(ctx, event)
	}
	m.events = append(m.events, event)
	return nil
}

type mockScanMetrics struct {
	sources []string
}

func (m *mockScanMetrics) RecordScanEvent(source string) {
	m.sources = append(m.sources, source)
}

func publishedProfileProvider() *mockPublicProfileProvider {
	return &mockPublicProfileProvider{
		publicProfileFn: func(ctx context.Context, slug string) (*model.Profile, error) {
			if slug != "yamada-taro" {
				return nil, nil
			}
			return ownerProfile(), nil
		},
	}
}

func newTestPublicHandler(scans *mockScanRecorder, metrics *mockScanMetrics) *PublicHandler {
	var m ScanMetrics
	if metrics != nil {
		m = metrics
	}
	return NewPublicHandler(
		publishedProfileProvider(),
		&mockQRGenerator{},
		&mockVCardBuilder{},
		scans,
		m,
		"https://meishi.example.com",
		nil,
	)
}

func slugRequest(method, path, slug string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("slug", slug)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

// --- テスト ---

func TestPublicHandler_GetProfile_ReturnsProfile(t *testing.T) {
	scans := &mockScanRecorder{}
	h := newTestPublicHandler(scans, nil)

	req := slugRequest(http.MethodGet, "/p/yamada-taro", "yamada-taro")
	w := httptest.NewRecorder()

	h.GetProfile(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	var body profileResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Slug != "yamada-taro" {
		t.Errorf("slug = %q, want %q", body.Slug, "yamada-taro")
	}
}

func TestPublicHandler_GetProfile_UnknownSlug_Returns404(t *testing.T) {
	h := newTestPublicHandler(&mockScanRecorder{}, nil)

	req := slugRequest(http.MethodGet, "/p/no-such-slug", "no-such-slug")
	w := httptest.NewRecorder()

	h.GetProfile(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}

	var errBody apiErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errBody); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	if errBody.Code != model.ErrCodeProfileNotFound {
		t.Errorf("code = %q, want %q", errBody.Code, model.ErrCodeProfileNotFound)
	}
}

func TestPublicHandler_GetProfile_RecordsPageScan(t *testing.T) {
	scans := &mockScanRecorder{}
	metrics := &mockScanMetrics{}
	h := newTestPublicHandler(scans, metrics)

	req := slugRequest(http.MethodGet, "/p/yamada-taro", "yamada-taro")
	req.Header.Set("User-Agent", "Mozilla/5.0 Test")
	req.Header.Set("Referer", "https://sns.example.com/post/1")
	w := httptest.NewRecorder()

	h.GetProfile(w, req)

	if len(scans.events) != 1 {
		t.Fatalf("recorded events = %d, want 1", len(scans.events))
	}
	ev := scans.events[0]
	if ev.Source != model.ScanSourcePage {
		t.Errorf("source = %q, want %q", ev.Source, model.ScanSourcePage)
	}
	if ev.ProfileID != "prof-1" {
		t.Errorf("profile_id = %q, want %q", ev.ProfileID, "prof-1")
	}
	if ev.Referrer != "https://sns.example.com/post/1" {
		t.Errorf("referrer = %q", ev.Referrer)
	}
	if ev.UAHash == "" || strings.Contains(ev.UAHash, "Mozilla") {
		t.Errorf("生のUser-Agentを保存しないこと: %q", ev.UAHash)
	}
	if len(metrics.sources) != 1 || metrics.sources[0] != "page" {
		t.Errorf("metrics sources = %v", metrics.sources)
	}
}

func TestPublicHandler_GetProfile_QRQuery_RecordsQRScan(t *testing.T) {
	scans := &mockScanRecorder{}
	h := newTestPublicHandler(scans, nil)

	req := slugRequest(http.MethodGet, "/p/yamada-taro?src=qr", "yamada-taro")
	w := httptest.NewRecorder()

	h.GetProfile(w, req)

	if len(scans.events) != 1 {
		t.Fatalf("recorded events = %d, want 1", len(scans.events))
	}
	if scans.events[0].Source != model.ScanSourceQR {
		t.Errorf("source = %q, want %q", scans.events[0].Source, model.ScanSourceQR)
	}
}

func TestPublicHandler_GetProfile_ScanInsertFailure_StillReturns200(t *testing.T) {
	scans := &mockScanRecorder{
		insertFn: func(ctx context.Context, event *model.ScanEvent) error {
			return errors.New("db down")
		},
	}
	metrics := &mockScanMetrics{}
	h := newTestPublicHandler(scans, metrics)

	req := slugRequest(http.MethodGet, "/p/yamada-taro", "yamada-taro")
	w := httptest.NewRecorder()

	h.GetProfile(w, req)

	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("記録失敗時も応答は成功すること: status = %d", w.Result().StatusCode)
	}
	if len(metrics.sources) != 0 {
		t.Errorf("記録失敗時はメトリクスを増やさないこと: %v", metrics.sources)
	}
}

func TestPublicHandler_GetQRCode_ReturnsPNG(t *testing.T) {
	var gotContent string
	var gotSize int
	var gotLevel string
	h := NewPublicHandler(
		publishedProfileProvider(),
		&mockQRGenerator{
			generateFn: func(content string, size int, level string) ([]byte, error) {
				gotContent = content
				gotSize = size
				gotLevel = level
				return []byte("png-bytes"), nil
			},
		},
		&mockVCardBuilder{},
		&mockScanRecorder{},
		nil,
		"https://meishi.example.com",
		nil,
	)

	req := slugRequest(http.MethodGet, "/p/yamada-taro/qr.png?size=512&level=H", "yamada-taro")
	w := httptest.NewRecorder()

	h.GetQRCode(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q, want %q", ct, "image/png")
	}
	if cc := resp.Header.Get("Cache-Control"); !strings.Contains(cc, "max-age=3600") {
		t.Errorf("Cache-Control = %q", cc)
	}
	if gotContent != "https://meishi.example.com/p/yamada-taro?src=qr" {
		t.Errorf("QRコードの内容 = %q", gotContent)
	}
	if gotSize != 512 || gotLevel != "H" {
		t.Errorf("size = %d, level = %q", gotSize, gotLevel)
	}
}

func TestPublicHandler_GetQRCode_InvalidSize_Returns400(t *testing.T) {
	h := newTestPublicHandler(&mockScanRecorder{}, nil)

	req := slugRequest(http.MethodGet, "/p/yamada-taro/qr.png?size=huge", "yamada-taro")
	w := httptest.NewRecorder()

	h.GetQRCode(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}

	var errBody apiErrorResponse
	json.NewDecoder(resp.Body).Decode(&errBody)
	if errBody.Code != model.ErrCodeInvalidQRParams {
		t.Errorf("code = %q, want %q", errBody.Code, model.ErrCodeInvalidQRParams)
	}
}

func TestPublicHandler_GetQRCode_DoesNotRecordScan(t *testing.T) {
	scans := &mockScanRecorder{}
	h := newTestPublicHandler(scans, nil)

	req := slugRequest(http.MethodGet, "/p/yamada-taro/qr.png", "yamada-taro")
	w := httptest.NewRecorder()

	h.GetQRCode(w, req)

	if len(scans.events) != 0 {
		t.Errorf("QR画像の生成ではスキャンを記録しないこと: %d events", len(scans.events))
	}
}

func TestPublicHandler_GetVCard_ReturnsVCardWithScan(t *testing.T) {
	scans := &mockScanRecorder{}
	h := newTestPublicHandler(scans, nil)

	req := slugRequest(http.MethodGet, "/p/yamada-taro/card.vcf", "yamada-taro")
	w := httptest.NewRecorder()

	h.GetVCard(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/vcard") {
		t.Errorf("Content-Type = %q", ct)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, "yamada-taro.vcf") {
		t.Errorf("Content-Disposition = %q", cd)
	}
	if !strings.Contains(w.Body.String(), "BEGIN:VCARD") {
		t.Errorf("body = %q", w.Body.String())
	}
	if len(scans.events) != 1 || scans.events[0].Source != model.ScanSourceVCard {
		t.Errorf("vCardダウンロードをvcard経路として記録すること: %+v", scans.events)
	}
}

func TestPublicHandler_GetVCard_UnknownSlug_Returns404(t *testing.T) {
	h := newTestPublicHandler(&mockScanRecorder{}, nil)

	req := slugRequest(http.MethodGet, "/p/ghost/card.vcf", "ghost")
	w := httptest.NewRecorder()

	h.GetVCard(w, req)

	if w.Result().StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusNotFound)
	}
}
