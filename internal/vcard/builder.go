// Package vcard はプロフィールのvCardエクスポートを提供する。
package vcard

import (
	"bytes"
	"fmt"
	"strings"

	govcard "github.com/emersion/go-vcard"

	"github.com/hitoshi/meishi/internal/model"
)

// Builder はプロフィールからvCard 3.0を組み立てる。
type Builder struct{}

// NewBuilder はBuilderの新しいインスタンスを生成する。
func NewBuilder() *Builder {
	return &Builder{}
}

// Build はプロフィールをvCard 3.0形式にエンコードして返す。
// publicURLには公開ページの絶対URLを指定する。空の場合はURLを出力しない。
func (b *Builder) Build(p *model.Profile, publicURL string) ([]byte, error) {
	if p == nil || p.DisplayName == "" {
		return nil, fmt.Errorf("vCardの生成には表示名が必要です")
	}

	card := make(govcard.Card)
	card.SetValue(govcard.FieldVersion, "3.0")
	card.SetValue(govcard.FieldFormattedName, p.DisplayName)
	card.SetName(&govcard.Name{FamilyName: p.DisplayName})

	if p.Title != "" {
		card.SetValue(govcard.FieldTitle, p.Title)
	}
	if p.Company != "" {
		card.SetValue(govcard.FieldOrganization, p.Company)
	}
	if p.Email != "" {
		card.SetValue(govcard.FieldEmail, p.Email)
	}
	if p.Phone != "" {
		card.SetValue(govcard.FieldTelephone, p.Phone)
	}
	if publicURL != "" {
		card.SetValue(govcard.FieldURL, publicURL)
	}

	// 連絡先以外のリンクもURLとして載せる
	for _, link := range p.Links {
		if link.Kind == model.LinkKindContact {
			continue
		}
		card.AddValue(govcard.FieldURL, link.URL)
	}

	var buf bytes.Buffer
	if err := govcard.NewEncoder(&buf).Encode(card); err != nil {
		return nil, fmt.Errorf("vCardのエンコードに失敗しました: %w", err)
	}
	return buf.Bytes(), nil
}

// FileName はダウンロード用のファイル名を返す。
func (b *Builder) FileName(p *model.Profile) string {
	return FileName(p)
}

// FileName はスラッグからダウンロード用のファイル名を組み立てる。
func FileName(p *model.Profile) string {
	slug := strings.TrimSpace(p.Slug)
	if slug == "" {
		slug = "card"
	}
	return slug + ".vcf"
}
