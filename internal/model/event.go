// Package model はドメインモデルを定義する。
package model

import "time"

// ScanEvent は公開ページ・QRコード経由のアクセス1件を表す。
type ScanEvent struct {
	ID         string
	ProfileID  string
	Source     ScanSource
	Referrer   string
	UAHash     string // User-Agentのハッシュ値。生UAは保存しない。
	OccurredAt time.Time
}

// ScanSource はアクセス経路を表す。
type ScanSource string

const (
	// ScanSourcePage は公開ページの直接閲覧。
	ScanSourcePage ScanSource = "page"
	// ScanSourceQR はQRコード経由の閲覧。
	ScanSourceQR ScanSource = "qr"
	// ScanSourceVCard はvCardダウンロード。
	ScanSourceVCard ScanSource = "vcard"
)

// RecoveryEvent は接続ハンドルの回復試行1件の記録を表す。
// ライフサイクルモニタが解決した試行ごとに1行書き込まれる。
type RecoveryEvent struct {
	ID            string
	Trigger       string // visibility_resume / connectivity_restored / manual
	Outcome       string // session_valid / session_lost / timed_out / construction_failed
	VersionBefore int64
	VersionAfter  int64
	Duration      time.Duration
	OccurredAt    time.Time
}
