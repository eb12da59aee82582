package profile

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/meishi/internal/model"
)

// maxLinksPerProfile はプロフィールあたりのリンク上限。
const maxLinksPerProfile = 20

// slugPattern はスラッグの形式。3〜32文字の英小文字・数字・ハイフン。
var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,30}[a-z0-9]$`)

// Sanitizer はプロフィール自己紹介文のHTMLサニタイズのインターフェース。
type Sanitizer interface {
	Sanitize(rawHTML string) string
}

// LinkEnricher はリンクのプレビュー情報（favicon・タイトル・最新記事）を
// 補完するインターフェース。previewパッケージが実装する。
type LinkEnricher interface {
	EnrichLinks(ctx context.Context, links []model.Link) []model.Link
}

// Service はプロフィールCRUDのサービス層。
// すべての読み書きは現在の接続ハンドル経由で行い、保存後にストアの
// 手元状態を更新する。
type Service struct {
	registry  HandleRegistry
	store     *Store
	sanitizer Sanitizer
	enricher  LinkEnricher
	logger    *slog.Logger
}

// NewService はServiceの新しいインスタンスを生成する。enricherはnilを許容する。
func NewService(
	registry HandleRegistry,
	store *Store,
	sanitizer Sanitizer,
	enricher LinkEnricher,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		registry:  registry,
		store:     store,
		sanitizer: sanitizer,
		enricher:  enricher,
		logger:    logger,
	}
}

// GetOwnerProfile はオーナーのプロフィールを返す。未作成の場合は(nil, nil)。
func (s *Service) GetOwnerProfile(ctx context.Context) (*model.Profile, error) {
	client, err := s.registry.Get()
	if err != nil {
		return nil, fmt.Errorf("接続ハンドルの取得に失敗しました: %w", err)
	}
	profiles, err := client.ListProfiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("プロフィールの取得に失敗しました: %w", err)
	}
	if len(profiles) == 0 {
		return nil, nil
	}
	return &profiles[0], nil
}

// SaveProfile はプロフィールを検証・サニタイズして保存する。
// 新規作成の場合はIDとタイムスタンプを発行する。
func (s *Service) SaveProfile(ctx context.Context, p *model.Profile) (*model.Profile, error) {
	if !slugPattern.MatchString(p.Slug) {
		return nil, model.NewInvalidSlugError(p.Slug)
	}
	if len(p.Links) > maxLinksPerProfile {
		return nil, model.NewLinkLimitError()
	}
	for i := range p.Links {
		if err := validateLinkURL(&p.Links[i]); err != nil {
			return nil, err
		}
		if p.Links[i].ID == "" {
			p.Links[i].ID = uuid.NewString()
		}
		p.Links[i].Position = i
	}
	if err := validateTheme(&p.Theme); err != nil {
		return nil, err
	}

	p.Bio = s.sanitizer.Sanitize(p.Bio)

	now := time.Now()
	if p.ID == "" {
		p.ID = uuid.NewString()
		p.CreatedAt = now
	}
	p.OwnerID = s.store.OwnerID()
	p.UpdatedAt = now

	client, err := s.registry.Get()
	if err != nil {
		return nil, fmt.Errorf("接続ハンドルの取得に失敗しました: %w", err)
	}
	saved, err := client.UpsertProfile(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("プロフィールの保存に失敗しました: %w", err)
	}

	s.store.Invalidate(ctx)
	s.logger.Info("プロフィールを保存しました",
		slog.String("profile_id", saved.ID),
		slog.String("slug", saved.Slug),
	)
	return saved, nil
}

// AddLink はプロフィールにリンクを追加して保存する。
func (s *Service) AddLink(ctx context.Context, profileID string, link model.Link) (*model.Profile, error) {
	p, err := s.ownedProfile(ctx, profileID)
	if err != nil {
		return nil, err
	}
	if len(p.Links) >= maxLinksPerProfile {
		return nil, model.NewLinkLimitError()
	}
	if err := validateLinkURL(&link); err != nil {
		return nil, err
	}
	link.ID = uuid.NewString()
	link.Position = len(p.Links)
	p.Links = append(p.Links, link)
	return s.SaveProfile(ctx, p)
}

// UpdateLink は既存リンクを更新して保存する。
func (s *Service) UpdateLink(ctx context.Context, profileID string, link model.Link) (*model.Profile, error) {
	p, err := s.ownedProfile(ctx, profileID)
	if err != nil {
		return nil, err
	}
	if err := validateLinkURL(&link); err != nil {
		return nil, err
	}
	for i := range p.Links {
		if p.Links[i].ID == link.ID {
			link.Position = p.Links[i].Position
			p.Links[i] = link
			return s.SaveProfile(ctx, p)
		}
	}
	return nil, model.NewLinkNotFoundError(link.ID)
}

// DeleteLink はリンクを削除して保存する。
func (s *Service) DeleteLink(ctx context.Context, profileID, linkID string) (*model.Profile, error) {
	p, err := s.ownedProfile(ctx, profileID)
	if err != nil {
		return nil, err
	}
	for i := range p.Links {
		if p.Links[i].ID == linkID {
			p.Links = append(p.Links[:i], p.Links[i+1:]...)
			return s.SaveProfile(ctx, p)
		}
	}
	return nil, model.NewLinkNotFoundError(linkID)
}

// PublicProfile は公開ページ向けのプロフィールを返す。
// 非公開または存在しない場合は(nil, nil)。リンクのプレビュー情報を補完する。
func (s *Service) PublicProfile(ctx context.Context, slug string) (*model.Profile, error) {
	p, err := s.store.GetBySlug(ctx, slug)
	if err != nil {
		return nil, fmt.Errorf("公開プロフィールの取得に失敗しました: %w", err)
	}
	if p == nil || !p.Published {
		return nil, nil
	}
	if s.enricher != nil {
		p.Links = s.enricher.EnrichLinks(ctx, p.Links)
	}
	return p, nil
}

// UpdateProfile はパッチを適用してプロフィールを保存する。
// nilのフィールドは変更しない。
func (s *Service) UpdateProfile(ctx context.Context, profileID string, patch *model.ProfilePatch) (*model.Profile, error) {
	p, err := s.ownedProfile(ctx, profileID)
	if err != nil {
		return nil, err
	}
	if patch.Slug != nil {
		p.Slug = *patch.Slug
	}
	if patch.DisplayName != nil {
		p.DisplayName = *patch.DisplayName
	}
	if patch.Title != nil {
		p.Title = *patch.Title
	}
	if patch.Company != nil {
		p.Company = *patch.Company
	}
	if patch.Bio != nil {
		p.Bio = *patch.Bio
	}
	if patch.AvatarURL != nil {
		p.AvatarURL = *patch.AvatarURL
	}
	if patch.Email != nil {
		p.Email = *patch.Email
	}
	if patch.Phone != nil {
		p.Phone = *patch.Phone
	}
	if patch.Theme != nil {
		p.Theme = *patch.Theme
	}
	if patch.Published != nil {
		p.Published = *patch.Published
	}
	return s.SaveProfile(ctx, p)
}

// ownedProfile はIDでオーナーのプロフィールを取得する。
func (s *Service) ownedProfile(ctx context.Context, profileID string) (*model.Profile, error) {
	client, err := s.registry.Get()
	if err != nil {
		return nil, fmt.Errorf("接続ハンドルの取得に失敗しました: %w", err)
	}
	p, err := client.GetProfile(ctx, profileID)
	if err != nil {
		return nil, fmt.Errorf("プロフィールの取得に失敗しました: %w", err)
	}
	if p == nil {
		return nil, model.NewProfileNotFoundError(profileID)
	}
	return p, nil
}

// hexColorPattern はテーマ配色の形式。
var hexColorPattern = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

// themePresets は選択可能なテーマプリセット。空はデフォルト扱い。
var themePresets = map[string]bool{
	"": true, "light": true, "dark": true, "brand": true,
}

// validateTheme はテーマ設定の形式を検証する。
func validateTheme(theme *model.Theme) error {
	if !themePresets[theme.Preset] {
		return model.NewInvalidThemeError("未知のプリセットです: " + theme.Preset)
	}
	for _, color := range []string{theme.Accent, theme.Background, theme.TextColor} {
		if color != "" && !hexColorPattern.MatchString(color) {
			return model.NewInvalidThemeError("配色の形式が不正です: " + color)
		}
	}
	return nil
}

// validateLinkURL はリンクURLの形式を種別ごとに検証する。
func validateLinkURL(link *model.Link) error {
	u, err := url.Parse(link.URL)
	if err != nil {
		return model.NewInvalidURLError(err.Error())
	}
	switch link.Kind {
	case model.LinkKindContact:
		if u.Scheme != "mailto" && u.Scheme != "tel" {
			return model.NewInvalidURLError("連絡先リンクはmailtoまたはtelのみ使用できます")
		}
	case model.LinkKindSite, model.LinkKindSocial, model.LinkKindFeed:
		if u.Scheme != "http" && u.Scheme != "https" {
			return model.NewInvalidURLError("httpまたはhttpsのURLを指定してください")
		}
		if u.Host == "" || !strings.Contains(u.Host, ".") {
			return model.NewInvalidURLError("有効なホスト名を指定してください")
		}
	default:
		return model.NewInvalidURLError("未知のリンク種別です: " + string(link.Kind))
	}
	return nil
}
