package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/meishi/internal/model"
	"github.com/hitoshi/meishi/internal/repository"
)

const (
	defaultStatsDays = 30
	maxStatsDays     = 365
)

// ScanStatsProvider はスキャン統計の取得インターフェース。
// repository.ScanEventRepositoryの部分集合として定義する。
type ScanStatsProvider interface {
	CountBySource(ctx context.Context, profileID string, since time.Time) (map[model.ScanSource]int, error)
	DailyCounts(ctx context.Context, profileID string, since time.Time) ([]repository.DailyScanCount, error)
}

// AnalyticsHandler はスキャン統計のHTTPハンドラー。
type AnalyticsHandler struct {
	profiles ProfileServiceInterface
	stats    ScanStatsProvider
}

// NewAnalyticsHandler はAnalyticsHandlerを生成する。
func NewAnalyticsHandler(profiles ProfileServiceInterface, stats ScanStatsProvider) *AnalyticsHandler {
	return &AnalyticsHandler{
		profiles: profiles,
		stats:    stats,
	}
}

// dailyCountResponse は日別スキャン数のAPIレスポンス。
type dailyCountResponse struct {
	Date  string `json:"date"` // YYYY-MM-DD
	Count int    `json:"count"`
}

// scanStatsResponse はスキャン統計のAPIレスポンス。
type scanStatsResponse struct {
	Days     int                  `json:"days"`
	BySource map[string]int       `json:"by_source"`
	Daily    []dailyCountResponse `json:"daily"`
}

// GetScanStats はオーナープロフィールのスキャン統計を返す。
// GET /api/analytics/scans?days=30
func (h *AnalyticsHandler) GetScanStats(w http.ResponseWriter, r *http.Request) {
	p, err := h.profiles.GetOwnerProfile(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if p == nil {
		writeAPIErrorResponse(w, http.StatusNotFound, &model.APIError{
			Code:     model.ErrCodeProfileNotFound,
			Message:  "プロフィールがまだ作成されていません。",
			Category: "profile",
			Action:   "PUT /api/profile でプロフィールを作成してください。",
		})
		return
	}

	days := defaultStatsDays
	if raw := r.URL.Query().Get("days"); raw != "" {
		days, err = strconv.Atoi(raw)
		if err != nil || days < 1 || days > maxStatsDays {
			writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
				Code:     "INVALID_REQUEST",
				Message:  "集計期間が不正です。",
				Category: "validation",
				Action:   "daysは1〜365の整数で指定してください。",
			})
			return
		}
	}

	since := time.Now().AddDate(0, 0, -days)

	bySource, err := h.stats.CountBySource(r.Context(), p.ID, since)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	daily, err := h.stats.DailyCounts(r.Context(), p.ID, since)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := scanStatsResponse{
		Days:     days,
		BySource: make(map[string]int, len(bySource)),
		Daily:    make([]dailyCountResponse, len(daily)),
	}
	for source, count := range bySource {
		resp.BySource[string(source)] = count
	}
	for i, d := range daily {
		resp.Daily[i] = dailyCountResponse{
			Date:  d.Date.Format("2006-01-02"),
			Count: d.Count,
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
