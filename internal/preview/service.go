package preview

import (
	"context"
	"log/slog"
	"time"

	"github.com/mmcdole/gofeed"
	gocache "github.com/patrickmn/go-cache"

	"github.com/hitoshi/meishi/internal/model"
)

// cacheTTL はプレビュー結果のキャッシュ保持時間。
const cacheTTL = 1 * time.Hour

// linkPreview はリンク1件分のプレビュー取得結果。キャッシュに保存される。
type linkPreview struct {
	FaviconURL  string
	PageTitle   string
	LatestEntry string
}

// Service はプロフィールリンクのプレビュー補完サービス。
// profile.LinkEnricherを実装する。取得結果はURL単位でキャッシュされ、
// 取得失敗はリンク保存・公開ページ表示を妨げない。
type Service struct {
	fetcher   *PageFetcher
	ssrfGuard SSRFValidator
	cache     *gocache.Cache
	logger    *slog.Logger
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(ssrfGuard SSRFValidator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		fetcher:   NewPageFetcher(ssrfGuard),
		ssrfGuard: ssrfGuard,
		cache:     gocache.New(cacheTTL, 2*cacheTTL),
		logger:    logger,
	}
}

// EnrichLinks はリンク一覧にプレビュー情報を補完して返す。
// 連絡先リンク（mailto/tel）は対象外。各リンクの取得失敗は無視される。
func (s *Service) EnrichLinks(ctx context.Context, links []model.Link) []model.Link {
	enriched := make([]model.Link, len(links))
	for i, link := range links {
		enriched[i] = link
		if link.Kind == model.LinkKindContact {
			continue
		}

		p := s.preview(ctx, link)
		enriched[i].FaviconURL = p.FaviconURL
		enriched[i].PageTitle = p.PageTitle
		enriched[i].LatestEntry = p.LatestEntry
	}
	return enriched
}

// preview はリンク1件のプレビュー情報をキャッシュ経由で取得する。
func (s *Service) preview(ctx context.Context, link model.Link) linkPreview {
	key := string(link.Kind) + ":" + link.URL
	if cached, found := s.cache.Get(key); found {
		return cached.(linkPreview)
	}

	p := linkPreview{
		FaviconURL: guessFaviconURL(link.URL),
	}

	switch link.Kind {
	case model.LinkKindFeed:
		p.PageTitle, p.LatestEntry = s.fetchFeedPreview(ctx, link.URL)
	default:
		p.PageTitle = s.fetcher.FetchTitle(ctx, link.URL)
	}

	s.cache.Set(key, p, gocache.DefaultExpiration)
	return p
}

// fetchFeedPreview はフィードURLからフィードタイトルと最新記事タイトルを取得する。
func (s *Service) fetchFeedPreview(ctx context.Context, feedURL string) (title, latest string) {
	if s.ssrfGuard != nil {
		if err := s.ssrfGuard.ValidateURL(feedURL); err != nil {
			s.logger.Warn("フィードプレビュー: SSRFブロック",
				slog.String("url", feedURL),
				slog.String("error", err.Error()),
			)
			return "", ""
		}
	}

	parser := gofeed.NewParser()
	if s.ssrfGuard != nil {
		parser.Client = s.ssrfGuard.NewSafeClient(fetchTimeout, maxPageSize)
	}

	feed, err := parser.ParseURLWithContext(feedURL, ctx)
	if err != nil {
		s.logger.Warn("フィードプレビュー: 解析失敗",
			slog.String("url", feedURL),
			slog.String("error", err.Error()),
		)
		return "", ""
	}

	title = feed.Title
	if len(feed.Items) > 0 && feed.Items[0] != nil {
		latest = feed.Items[0].Title
	}
	return title, latest
}
