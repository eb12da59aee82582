// Package model はドメインモデルを定義する。
package model

import "time"

// Profile はデジタル名刺プロフィールを表す。
// 本体データはバックエンドサービス側に保存され、ここでは取得結果の形を定義する。
type Profile struct {
	ID          string
	OwnerID     string
	Slug        string
	DisplayName string
	Title       string
	Company     string
	Bio         string // サニタイズ済みHTML
	AvatarURL   string
	Email       string
	Phone       string
	Links       []Link
	Theme       Theme
	Published   bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Link はプロフィールに掲載するリンクを表す。
type Link struct {
	ID       string
	Label    string
	URL      string
	Kind     LinkKind
	Position int
	// 以下はプレビューエンリッチ結果。バックエンドには保存しない。
	FaviconURL  string
	PageTitle   string
	LatestEntry string
}

// LinkKind はリンクの種別を表す。
type LinkKind string

const (
	// LinkKindSite は一般Webサイトのリンク。
	LinkKindSite LinkKind = "site"
	// LinkKindSocial はSNSプロフィールのリンク。
	LinkKindSocial LinkKind = "social"
	// LinkKindFeed はRSS/Atomフィード付きブログのリンク。
	LinkKindFeed LinkKind = "feed"
	// LinkKindContact は連絡先（mailto/tel）のリンク。
	LinkKindContact LinkKind = "contact"
)

// Theme は公開ページの配色テーマを表す。
type Theme struct {
	Preset     string
	Accent     string // #RRGGBB
	Background string // #RRGGBB
	TextColor  string // #RRGGBB
}

// ProfilePatch はプロフィール更新リクエストを表す。
// nilのフィールドは変更しない。
type ProfilePatch struct {
	Slug        *string
	DisplayName *string
	Title       *string
	Company     *string
	Bio         *string
	AvatarURL   *string
	Email       *string
	Phone       *string
	Theme       *Theme
	Published   *bool
}
