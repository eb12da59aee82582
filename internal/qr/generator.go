// Package qr は公開ページURLのQRコードPNG生成を提供する。
package qr

import (
	"fmt"
	"strings"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/hitoshi/meishi/internal/model"
)

// サイズの許容範囲（ピクセル）。
const (
	MinSize     = 64
	MaxSize     = 1024
	DefaultSize = 256
)

// DefaultLevel はデフォルトの誤り訂正レベル。
const DefaultLevel = "M"

// recoveryLevels は受け付ける誤り訂正レベル。
var recoveryLevels = map[string]qrcode.RecoveryLevel{
	"L": qrcode.Low,
	"M": qrcode.Medium,
	"Q": qrcode.High,
	"H": qrcode.Highest,
}

// Generator はQRコードPNGの生成器。
type Generator struct{}

// NewGenerator はGeneratorの新しいインスタンスを生成する。
func NewGenerator() *Generator {
	return &Generator{}
}

// Generate は指定内容のQRコードPNGを生成する。
// sizeは64〜1024px、levelは L/M/Q/H のいずれか。空のlevelはMとして扱う。
func (g *Generator) Generate(content string, size int, level string) ([]byte, error) {
	if content == "" {
		return nil, model.NewInvalidQRParamsError("内容が空です")
	}
	if size < MinSize || size > MaxSize {
		return nil, model.NewInvalidQRParamsError(fmt.Sprintf("サイズが範囲外です: %d", size))
	}

	if level == "" {
		level = DefaultLevel
	}
	recovery, ok := recoveryLevels[strings.ToUpper(level)]
	if !ok {
		return nil, model.NewInvalidQRParamsError(fmt.Sprintf("未知の誤り訂正レベルです: %s", level))
	}

	png, err := qrcode.Encode(content, recovery, size)
	if err != nil {
		return nil, fmt.Errorf("QRコードの生成に失敗しました: %w", err)
	}
	return png, nil
}
