package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/meishi/internal/model"
)

// profilesTable はプロフィールを格納するバックエンド側テーブル名。
const profilesTable = "profiles"

// ListProfiles はオーナーの全プロフィールを返す。
func (c *Client) ListProfiles(ctx context.Context) ([]model.Profile, error) {
	q := url.Values{}
	q.Set("select", "*")
	q.Set("order", "created_at.asc")

	var records []profileRecord
	if err := c.restGet(ctx, profilesTable, q, &records); err != nil {
		return nil, err
	}

	profiles := make([]model.Profile, 0, len(records))
	for _, rec := range records {
		profiles = append(profiles, *rec.toModel())
	}
	return profiles, nil
}

// GetProfile はIDでプロフィールを返す。存在しない場合は(nil, nil)を返す。
func (c *Client) GetProfile(ctx context.Context, id string) (*model.Profile, error) {
	q := url.Values{}
	q.Set("select", "*")
	q.Set("id", "eq."+id)
	q.Set("limit", "1")

	var records []profileRecord
	if err := c.restGet(ctx, profilesTable, q, &records); err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return records[0].toModel(), nil
}

// GetProfileBySlug はスラッグでプロフィールを返す。存在しない場合は(nil, nil)を返す。
func (c *Client) GetProfileBySlug(ctx context.Context, slug string) (*model.Profile, error) {
	q := url.Values{}
	q.Set("select", "*")
	q.Set("slug", "eq."+slug)
	q.Set("limit", "1")

	var records []profileRecord
	if err := c.restGet(ctx, profilesTable, q, &records); err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return records[0].toModel(), nil
}

// UpsertProfile はプロフィールを保存し、保存後の内容を返す。
func (c *Client) UpsertProfile(ctx context.Context, p *model.Profile) (*model.Profile, error) {
	rec := fromModel(p)
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("プロフィールのシリアライズに失敗しました: %w", err)
	}

	endpoint := c.restEndpoint(profilesTable, nil)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	c.setDataHeaders(ctx, req)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "resolution=merge-duplicates,return=representation")

	body, err := c.doData(req)
	if err != nil {
		return nil, err
	}

	var saved []profileRecord
	if err := json.Unmarshal(body, &saved); err != nil {
		return nil, fmt.Errorf("保存結果のパースに失敗しました: %w", err)
	}
	if len(saved) == 0 {
		return nil, errors.New("保存結果が空です")
	}
	return saved[0].toModel(), nil
}

// DeleteProfile はIDでプロフィールを削除する。
func (c *Client) DeleteProfile(ctx context.Context, id string) error {
	q := url.Values{}
	q.Set("id", "eq."+id)

	endpoint := c.restEndpoint(profilesTable, q)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	c.setDataHeaders(ctx, req)

	_, err = c.doData(req)
	return err
}

func (c *Client) restGet(ctx context.Context, table string, q url.Values, out interface{}) error {
	endpoint := c.restEndpoint(table, q)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	c.setDataHeaders(ctx, req)

	body, err := c.doData(req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)
	}
	return nil
}

func (c *Client) restEndpoint(table string, q url.Values) string {
	endpoint := fmt.Sprintf("%s/rest/v1/%s", strings.TrimSuffix(c.cfg.URL, "/"), table)
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	return endpoint
}

// setDataHeaders はデータAPIの認証ヘッダーを設定する。
// 有効なセッションがあればそのアクセストークンを、なければ匿名キーを使う。
// 公開プロフィールは匿名キーでも読み取れる前提。
func (c *Client) setDataHeaders(ctx context.Context, req *http.Request) {
	req.Header.Set("apikey", c.cfg.AnonKey)
	bearer := c.cfg.AnonKey
	if sess, err := c.GetSession(ctx); err == nil && sess != nil {
		bearer = sess.AccessToken
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
}

func (c *Client) doData(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("データAPIの呼び出しに失敗しました: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, ErrAuthFailed
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("データAPIがステータス %d を返しました", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}
	return body, nil
}

// profileRecord はデータAPIのワイヤーフォーマット。
type profileRecord struct {
	ID          string       `json:"id"`
	OwnerID     string       `json:"owner_id"`
	Slug        string       `json:"slug"`
	DisplayName string       `json:"display_name"`
	Title       string       `json:"title"`
	Company     string       `json:"company"`
	Bio         string       `json:"bio"`
	AvatarURL   string       `json:"avatar_url"`
	Email       string       `json:"email"`
	Phone       string       `json:"phone"`
	Links       []linkRecord `json:"links"`
	Theme       themeRecord  `json:"theme"`
	Published   bool         `json:"published"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

type linkRecord struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	URL      string `json:"url"`
	Kind     string `json:"kind"`
	Position int    `json:"position"`
}

type themeRecord struct {
	Preset     string `json:"preset"`
	Accent     string `json:"accent"`
	Background string `json:"background"`
	TextColor  string `json:"text_color"`
}

func (r *profileRecord) toModel() *model.Profile {
	links := make([]model.Link, 0, len(r.Links))
	for _, l := range r.Links {
		links = append(links, model.Link{
			ID:       l.ID,
			Label:    l.Label,
			URL:      l.URL,
			Kind:     model.LinkKind(l.Kind),
			Position: l.Position,
		})
	}
	return &model.Profile{
		ID:          r.ID,
		OwnerID:     r.OwnerID,
		Slug:        r.Slug,
		DisplayName: r.DisplayName,
		Title:       r.Title,
		Company:     r.Company,
		Bio:         r.Bio,
		AvatarURL:   r.AvatarURL,
		Email:       r.Email,
		Phone:       r.Phone,
		Links:       links,
		Theme: model.Theme{
			Preset:     r.Theme.Preset,
			Accent:     r.Theme.Accent,
			Background: r.Theme.Background,
			TextColor:  r.Theme.TextColor,
		},
		Published: r.Published,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func fromModel(p *model.Profile) *profileRecord {
	links := make([]linkRecord, 0, len(p.Links))
	for _, l := range p.Links {
		links = append(links, linkRecord{
			ID:       l.ID,
			Label:    l.Label,
			URL:      l.URL,
			Kind:     string(l.Kind),
			Position: l.Position,
		})
	}
	return &profileRecord{
		ID:          p.ID,
		OwnerID:     p.OwnerID,
		Slug:        p.Slug,
		DisplayName: p.DisplayName,
		Title:       p.Title,
		Company:     p.Company,
		Bio:         p.Bio,
		AvatarURL:   p.AvatarURL,
		Email:       p.Email,
		Phone:       p.Phone,
		Links:       links,
		Theme: themeRecord{
			Preset:     p.Theme.Preset,
			Accent:     p.Theme.Accent,
			Background: p.Theme.Background,
			TextColor:  p.Theme.TextColor,
		},
		Published: p.Published,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}
