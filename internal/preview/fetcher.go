// Package preview はプロフィールリンクのプレビュー情報
// （favicon・ページタイトル・最新フィード記事）の取得を提供する。
package preview

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
)

// maxPageSize はプレビュー取得で読み込むページの最大サイズ（1MB）。
const maxPageSize = 1 * 1024 * 1024

// fetchTimeout はプレビュー取得のタイムアウト。
const fetchTimeout = 5 * time.Second

// SSRFValidator はSSRF検証のインターフェース。
// security.SSRFGuardServiceを抽象化してテスタビリティを向上させる。
type SSRFValidator interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client
}

// PageFetcher は外部ページのタイトル取得機能の実装。
type PageFetcher struct {
	ssrfGuard SSRFValidator
}

// NewPageFetcher はPageFetcherの新しいインスタンスを生成する。
func NewPageFetcher(ssrfGuard SSRFValidator) *PageFetcher {
	return &PageFetcher{
		ssrfGuard: ssrfGuard,
	}
}

// FetchTitle は指定URLのHTMLから<title>を取得する。
// 取得失敗時は空文字列を返す（エラーは返さない）。
func (f *PageFetcher) FetchTitle(ctx context.Context, pageURL string) string {
	body, ok := f.fetch(ctx, pageURL, "text/html")
	if !ok {
		return ""
	}
	return extractTitle(body)
}

// fetch はSSRF検証付きでURLの内容を取得する。
func (f *PageFetcher) fetch(ctx context.Context, rawURL, accept string) ([]byte, bool) {
	if rawURL == "" {
		return nil, false
	}

	if f.ssrfGuard != nil {
		if err := f.ssrfGuard.ValidateURL(rawURL); err != nil {
			slog.Warn("プレビュー取得: SSRFブロック", "url", rawURL, "error", err)
			return nil, false
		}
	}

	client := f.httpClient()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		slog.Warn("プレビュー取得: リクエスト作成失敗", "url", rawURL, "error", err)
		return nil, false
	}
	req.Header.Set("User-Agent", "Meishi/1.0 Card Preview")
	req.Header.Set("Accept", accept)

	resp, err := client.Do(req)
	if err != nil {
		slog.Warn("プレビュー取得: HTTPリクエスト失敗", "url", rawURL, "error", err)
		return nil, false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slog.Warn("プレビュー取得: HTTPステータス異常", "url", rawURL, "status", resp.StatusCode)
		return nil, false
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageSize+1))
	if err != nil {
		slog.Warn("プレビュー取得: レスポンス読み取り失敗", "url", rawURL, "error", err)
		return nil, false
	}
	if int64(len(body)) > maxPageSize {
		slog.Warn("プレビュー取得: サイズ超過", "url", rawURL, "size", len(body))
		return nil, false
	}

	return body, true
}

// httpClient はHTTPクライアントを取得する。
func (f *PageFetcher) httpClient() *http.Client {
	if f.ssrfGuard != nil {
		return f.ssrfGuard.NewSafeClient(fetchTimeout, maxPageSize)
	}
	return &http.Client{Timeout: fetchTimeout}
}

// extractTitle はHTMLボディのheadタグから<title>のテキストを抽出する。
func extractTitle(body []byte) string {
	tokenizer := html.NewTokenizer(bytes.NewReader(body))
	inTitle := false

	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			return ""

		case html.StartTagToken:
			tn, _ := tokenizer.TagName()
			tagName := string(tn)
			if tagName == "title" {
				inTitle = true
			}
			// bodyまで来たらheadのtitleは存在しない
			if tagName == "body" {
				return ""
			}

		case html.TextToken:
			if inTitle {
				return strings.TrimSpace(string(tokenizer.Text()))
			}

		case html.EndTagToken:
			tn, _ := tokenizer.TagName()
			if string(tn) == "title" {
				inTitle = false
			}
		}
	}
}

// guessFaviconURL はリンクURLからデフォルトのfavicon URLを推測する。
func guessFaviconURL(linkURL string) string {
	if linkURL == "" {
		return ""
	}

	u, err := url.Parse(linkURL)
	if err != nil {
		return ""
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}

	u.Path = "/favicon.ico"
	u.RawQuery = ""
	u.Fragment = ""

	return u.String()
}
