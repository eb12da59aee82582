// Package model はドメインモデルを定義する。
package model

import "time"

// StudioSession はオーナーのスタジオ（管理画面）ログインセッションを表す。
// バックエンドサービスのセッションとは独立に、このサーバーが発行する。
type StudioSession struct {
	ID        string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// BackendCredential はバックエンドサービスの永続セッショントークンを表す。
// 単一オーナー構成のため常に1行のみ。ローカルサインアウトでは削除されない。
type BackendCredential struct {
	RefreshToken string
	UserID       string
	UpdatedAt    time.Time
}
