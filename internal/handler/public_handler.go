package handler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hitoshi/meishi/internal/model"
)

// PublicProfileProvider は公開プロフィールの取得インターフェース。
// profile.Serviceが実装する。バックエンド障害時は猶予期間内の
// 最後に取得できた内容を返す。
type PublicProfileProvider interface {
	PublicProfile(ctx context.Context, slug string) (*model.Profile, error)
}

// QRGenerator はQRコードPNGの生成インターフェース。qr.Generatorが実装する。
type QRGenerator interface {
	Generate(content string, size int, level string) ([]byte, error)
}

// VCardBuilder はvCardの生成インターフェース。vcard.Builderが実装する。
type VCardBuilder interface {
	Build(p *model.Profile, publicURL string) ([]byte, error)
	FileName(p *model.Profile) string
}

// ScanRecorder はスキャンイベントの記録先。
// repository.ScanEventRepositoryの部分集合として定義する。
type ScanRecorder interface {
	Insert(ctx context.Context, event *model.ScanEvent) error
}

// ScanMetrics はスキャンイベントのメトリクス記録インターフェース。
type ScanMetrics interface {
	RecordScanEvent(source string)
}

// PublicHandler は公開名刺ページのHTTPハンドラー。
type PublicHandler struct {
	profiles      PublicProfileProvider
	qr            QRGenerator
	vcard         VCardBuilder
	scans         ScanRecorder
	metrics       ScanMetrics
	publicBaseURL string
	logger        *slog.Logger
}

// NewPublicHandler はPublicHandlerを生成する。metricsはnilを許容する。
func NewPublicHandler(
	profiles PublicProfileProvider,
	qr QRGenerator,
	vcard VCardBuilder,
	scans ScanRecorder,
	metrics ScanMetrics,
	publicBaseURL string,
	logger *slog.Logger,
) *PublicHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PublicHandler{
		profiles:      profiles,
		qr:            qr,
		vcard:         vcard,
		scans:         scans,
		metrics:       metrics,
		publicBaseURL: publicBaseURL,
		logger:        logger,
	}
}

// GetProfile は公開プロフィールを返す。
// GET /p/{slug}
// クエリ src=qr が付いている場合はQRコード経由の閲覧として記録する。
func (h *PublicHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")

	p, err := h.profiles.PublicProfile(r.Context(), slug)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if p == nil {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewProfileNotFoundError(slug))
		return
	}

	source := model.ScanSourcePage
	if r.URL.Query().Get("src") == "qr" {
		source = model.ScanSourceQR
	}
	h.recordScan(r, p.ID, source)

	writeJSON(w, http.StatusOK, toProfileResponse(p))
}

// GetQRCode は公開ページへ誘導するQRコードPNGを返す。
// GET /p/{slug}/qr.png?size=256&level=M
func (h *PublicHandler) GetQRCode(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")

	p, err := h.profiles.PublicProfile(r.Context(), slug)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if p == nil {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewProfileNotFoundError(slug))
		return
	}

	size := 0
	if raw := r.URL.Query().Get("size"); raw != "" {
		size, err = strconv.Atoi(raw)
		if err != nil {
			writeAPIErrorResponse(w, http.StatusBadRequest,
				model.NewInvalidQRParamsError(fmt.Sprintf("サイズが数値ではありません: %s", raw)))
			return
		}
	}
	level := r.URL.Query().Get("level")

	content := fmt.Sprintf("%s/p/%s?src=qr", h.publicBaseURL, p.Slug)
	png, err := h.qr.Generate(content, size, level)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Write(png)
}

// GetVCard はvCard 3.0ファイルを返す。
// GET /p/{slug}/card.vcf
func (h *PublicHandler) GetVCard(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")

	p, err := h.profiles.PublicProfile(r.Context(), slug)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if p == nil {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewProfileNotFoundError(slug))
		return
	}

	publicURL := fmt.Sprintf("%s/p/%s", h.publicBaseURL, p.Slug)
	card, err := h.vcard.Build(p, publicURL)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	h.recordScan(r, p.ID, model.ScanSourceVCard)

	w.Header().Set("Content-Type", "text/vcard; charset=utf-8")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", h.vcard.FileName(p)))
	w.Write(card)
}

// recordScan はスキャンイベントをベストエフォートで記録する。
// 記録失敗は公開ページの応答を妨げない。
func (h *PublicHandler) recordScan(r *http.Request, profileID string, source model.ScanSource) {
	event := &model.ScanEvent{
		ID:         uuid.NewString(),
		ProfileID:  profileID,
		Source:     source,
		Referrer:   r.Referer(),
		UAHash:     hashUserAgent(r.UserAgent()),
		OccurredAt: time.Now(),
	}

	if err := h.scans.Insert(r.Context(), event); err != nil {
		h.logger.Warn("スキャンイベントの記録に失敗しました",
			slog.String("profile_id", profileID),
			slog.String("source", string(source)),
			slog.String("error", err.Error()),
		)
		return
	}

	if h.metrics != nil {
		h.metrics.RecordScanEvent(string(source))
	}
}

// hashUserAgent はUser-Agentのハッシュ値を返す。生UAは保存しない。
func hashUserAgent(ua string) string {
	if ua == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(ua))
	return hex.EncodeToString(sum[:8])
}
