package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/meishi/internal/model"
)

// ProfileServiceInterface はプロフィールハンドラーが必要とするサービスインターフェース。
type ProfileServiceInterface interface {
	// GetOwnerProfile はオーナーのプロフィールを返す。未作成の場合は(nil, nil)。
	GetOwnerProfile(ctx context.Context) (*model.Profile, error)
	// SaveProfile はプロフィールを検証・サニタイズして保存する。
	SaveProfile(ctx context.Context, p *model.Profile) (*model.Profile, error)
	// AddLink はプロフィールにリンクを追加する。
	AddLink(ctx context.Context, profileID string, link model.Link) (*model.Profile, error)
	// UpdateLink は既存リンクを更新する。
	UpdateLink(ctx context.Context, profileID string, link model.Link) (*model.Profile, error)
	// DeleteLink はリンクを削除する。
	DeleteLink(ctx context.Context, profileID, linkID string) (*model.Profile, error)
}

// ProfileHandler はカードプロフィールCRUDのHTTPハンドラー。
type ProfileHandler struct {
	service ProfileServiceInterface
}

// NewProfileHandler はProfileHandlerを生成する。
func NewProfileHandler(service ProfileServiceInterface) *ProfileHandler {
	return &ProfileHandler{service: service}
}

// profileRequest はプロフィール保存リクエストのボディ。
type profileRequest struct {
	Slug        string        `json:"slug"`
	DisplayName string        `json:"display_name"`
	Title       string        `json:"title"`
	Company     string        `json:"company"`
	Bio         string        `json:"bio"`
	AvatarURL   string        `json:"avatar_url"`
	Email       string        `json:"email"`
	Phone       string        `json:"phone"`
	Links       []linkRequest `json:"links"`
	Theme       themePayload  `json:"theme"`
	Published   bool          `json:"published"`
}

// linkRequest はリンク追加・更新リクエストのボディ。
type linkRequest struct {
	Label string `json:"label"`
	URL   string `json:"url"`
	Kind  string `json:"kind"`
}

// themePayload はテーマのリクエスト・レスポンス共通形。
type themePayload struct {
	Preset     string `json:"preset"`
	Accent     string `json:"accent,omitempty"`
	Background string `json:"background,omitempty"`
	TextColor  string `json:"text_color,omitempty"`
}

// linkResponse はリンクのAPIレスポンス。
type linkResponse struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	URL         string `json:"url"`
	Kind        string `json:"kind"`
	Position    int    `json:"position"`
	FaviconURL  string `json:"favicon_url,omitempty"`
	PageTitle   string `json:"page_title,omitempty"`
	LatestEntry string `json:"latest_entry,omitempty"`
}

// profileResponse はプロフィールのAPIレスポンス。
type profileResponse struct {
	ID          string         `json:"id"`
	Slug        string         `json:"slug"`
	DisplayName string         `json:"display_name"`
	Title       string         `json:"title,omitempty"`
	Company     string         `json:"company,omitempty"`
	Bio         string         `json:"bio,omitempty"`
	AvatarURL   string         `json:"avatar_url,omitempty"`
	Email       string         `json:"email,omitempty"`
	Phone       string         `json:"phone,omitempty"`
	Links       []linkResponse `json:"links"`
	Theme       themePayload   `json:"theme"`
	Published   bool           `json:"published"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// GetProfile はオーナーのプロフィールを返す。
// GET /api/profile
func (h *ProfileHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.GetOwnerProfile(r.Context())
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

	writeJSON(w, http.StatusOK, toProfileResponse(p))
}

// SaveProfile はプロフィールを作成または更新する。
// PUT /api/profile
func (h *ProfileHandler) SaveProfile(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "リクエストボディの解析に失敗しました。",
			Category: "validation",
			Action:   "正しいJSON形式でリクエストしてください。",
		})
		return
	}

	p := &model.Profile{
		Slug:        req.Slug,
		DisplayName: req.DisplayName,
		Title:       req.Title,
		Company:     req.Company,
		Bio:         req.Bio,
		AvatarURL:   req.AvatarURL,
		Email:       req.Email,
		Phone:       req.Phone,
		Theme: model.Theme{
			Preset:     req.Theme.Preset,
			Accent:     req.Theme.Accent,
			Background: req.Theme.Background,
			TextColor:  req.Theme.TextColor,
		},
		Published: req.Published,
	}
	for _, l := range req.Links {
		p.Links = append(p.Links, model.Link{
			Label: l.Label,
			URL:   l.URL,
			Kind:  model.LinkKind(l.Kind),
		})
	}

	// 既存プロフィールがあればIDを引き継いで上書き保存する
	existing, err := h.service.GetOwnerProfile(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if existing != nil {
		p.ID = existing.ID
		p.CreatedAt = existing.CreatedAt
	}

	saved, err := h.service.SaveProfile(r.Context(), p)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toProfileResponse(saved))
}

// AddLink はプロフィールにリンクを追加する。
// POST /api/profile/links
func (h *ProfileHandler) AddLink(w http.ResponseWriter, r *http.Request) {
	profileID, ok := h.ownerProfileID(w, r)
	if !ok {
		return
	}

	var req linkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "リクエストボディの解析に失敗しました。",
			Category: "validation",
			Action:   "正しいJSON形式でリクエストしてください。",
		})
		return
	}

	saved, err := h.service.AddLink(r.Context(), profileID, model.Link{
		Label: req.Label,
		URL:   req.URL,
		Kind:  model.LinkKind(req.Kind),
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toProfileResponse(saved))
}

// UpdateLink は既存リンクを更新する。
// PUT /api/profile/links/{id}
func (h *ProfileHandler) UpdateLink(w http.ResponseWriter, r *http.Request) {
	profileID, ok := h.ownerProfileID(w, r)
	if !ok {
		return
	}

	linkID := chi.URLParam(r, "id")

	var req linkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "リクエストボディの解析に失敗しました。",
			Category: "validation",
			Action:   "正しいJSON形式でリクエストしてください。",
		})
		return
	}

	saved, err := h.service.UpdateLink(r.Context(), profileID, model.Link{
		ID:    linkID,
		Label: req.Label,
		URL:   req.URL,
		Kind:  model.LinkKind(req.Kind),
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toProfileResponse(saved))
}

// DeleteLink はリンクを削除する。
// DELETE /api/profile/links/{id}
func (h *ProfileHandler) DeleteLink(w http.ResponseWriter, r *http.Request) {
	profileID, ok := h.ownerProfileID(w, r)
	if !ok {
		return
	}

	linkID := chi.URLParam(r, "id")

	if _, err := h.service.DeleteLink(r.Context(), profileID, linkID); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ownerProfileID はオーナーのプロフィールIDを解決する。
// 未作成の場合は404を書き込みfalseを返す。
func (h *ProfileHandler) ownerProfileID(w http.ResponseWriter, r *http.Request) (string, bool) {
	p, err := h.service.GetOwnerProfile(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return "", false
	}
	if p == nil {
		writeAPIErrorResponse(w, http.StatusNotFound, &model.APIError{
			Code:     model.ErrCodeProfileNotFound,
			Message:  "プロフィールがまだ作成されていません。",
			Category: "profile",
			Action:   "PUT /api/profile でプロフィールを作成してください。",
		})
		return "", false
	}
	return p.ID, true
}

// toProfileResponse はmodel.ProfileからAPIレスポンスに変換する。
func toProfileResponse(p *model.Profile) profileResponse {
	links := make([]linkResponse, len(p.Links))
	for i, l := range p.Links {
		links[i] = linkResponse{
			ID:          l.ID,
			Label:       l.Label,
			URL:         l.URL,
			Kind:        string(l.Kind),
			Position:    l.Position,
			FaviconURL:  l.FaviconURL,
			PageTitle:   l.PageTitle,
			LatestEntry: l.LatestEntry,
		}
	}
	return profileResponse{
		ID:          p.ID,
		Slug:        p.Slug,
		DisplayName: p.DisplayName,
		Title:       p.Title,
		Company:     p.Company,
		Bio:         p.Bio,
		AvatarURL:   p.AvatarURL,
		Email:       p.Email,
		Phone:       p.Phone,
		Links:       links,
		Theme: themePayload{
			Preset:     p.Theme.Preset,
			Accent:     p.Theme.Accent,
			Background: p.Theme.Background,
			TextColor:  p.Theme.TextColor,
		},
		Published: p.Published,
		UpdatedAt: p.UpdatedAt,
	}
}
