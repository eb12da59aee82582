// Package probe はバックエンド到達性の定期確認を提供する。
// ブラウザのオンライン/オフラインイベントが届かない環境でも、
// ネットワーク断絶と復帰をライフサイクルモニタに伝える。
package probe

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/hitoshi/meishi/internal/backend"
	"github.com/hitoshi/meishi/internal/lifecycle"
)

const (
	// defaultHealthyInterval はオンライン時の確認間隔。
	defaultHealthyInterval = 30 * time.Second
	// defaultInitialBackoff はオフライン検出後の初回再確認遅延。
	defaultInitialBackoff = 30 * time.Second
	// defaultMaxBackoff はオフライン時の最大再確認遅延。
	defaultMaxBackoff = 5 * time.Minute
	// defaultProbeTimeout は1回の確認のタイムアウト。
	defaultProbeTimeout = 5 * time.Second
	// jitterRatio は遅延に加える揺らぎの割合（±20%）。
	jitterRatio = 0.2
)

// HandleSource は現在の接続ハンドルの取得元。handle.Registryが実装する。
type HandleSource interface {
	Get() (*backend.Client, error)
}

// SignalSink はライフサイクル信号の投入先。lifecycle.Monitorが実装する。
type SignalSink interface {
	Signal(sig lifecycle.Signal)
}

// ProbeMetrics は確認結果のメトリクス記録インターフェース。
type ProbeMetrics interface {
	RecordProbe(result string)
}

// Config はProberのタイミング設定。ゼロ値のフィールドはデフォルト値になる。
type Config struct {
	// HealthyInterval はオンライン時の確認間隔。
	HealthyInterval time.Duration
	// InitialBackoff はオフライン検出後の初回再確認遅延。
	InitialBackoff time.Duration
	// MaxBackoff はオフライン時の最大再確認遅延。
	MaxBackoff time.Duration
	// ProbeTimeout は1回の確認のタイムアウト。
	ProbeTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.HealthyInterval <= 0 {
		c.HealthyInterval = defaultHealthyInterval
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = defaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = defaultProbeTimeout
	}
	return c
}

// probeResult は1回の到達性確認の分類。
type probeResult int

const (
	// probeOnline はバックエンドに到達できた（未ログイン応答も含む）。
	probeOnline probeResult = iota
	// probeOffline はバックエンドに到達できなかった。
	probeOffline
	// probeInconclusive はハンドル入れ替え中などで判定不能。状態を変えない。
	probeInconclusive
)

// Prober はバックエンド到達性を定期確認し、状態が変化した時だけ
// Offline/Online信号をライフサイクルモニタに送る。
// オンライン時は固定間隔、オフライン時は指数バックオフで確認間隔を延ばす。
type Prober struct {
	handles HandleSource
	monitor SignalSink
	metrics ProbeMetrics
	logger  *slog.Logger
	config  Config

	online  bool
	backoff time.Duration
}

// NewProber はProberを生成する。metricsはnilを許容する。
// 初期状態はオンライン扱いで、最初の確認が失敗した時にOffline信号を送る。
func NewProber(handles HandleSource, monitor SignalSink, metrics ProbeMetrics, config Config, logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	config = config.withDefaults()
	return &Prober{
		handles: handles,
		monitor: monitor,
		metrics: metrics,
		logger:  logger,
		config:  config,
		online:  true,
		backoff: config.InitialBackoff,
	}
}

// Run は到達性確認ループを実行する。ctxのキャンセルで停止する。
func (p *Prober) Run(ctx context.Context) {
	p.logger.Info("到達性確認を開始しました",
		slog.Duration("healthy_interval", p.config.HealthyInterval),
		slog.Duration("max_backoff", p.config.MaxBackoff),
	)

	timer := time.NewTimer(jitter(p.config.HealthyInterval))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("到達性確認を停止しました")
			return
		case <-timer.C:
			p.RunOnce(ctx)
			timer.Reset(jitter(p.nextInterval()))
		}
	}
}

// RunOnce は到達性確認を1回実行し、状態の変化に応じて信号を送る。
func (p *Prober) RunOnce(ctx context.Context) {
	result := p.check(ctx)

	switch result {
	case probeOnline:
		p.recordMetric("ok")
		if !p.online {
			p.logger.Info("バックエンドへの到達性が回復しました")
			p.monitor.Signal(lifecycle.Signal{Kind: lifecycle.SignalOnline})
		}
		p.online = true
		p.backoff = p.config.InitialBackoff
	case probeOffline:
		p.recordMetric("offline")
		if p.online {
			p.logger.Warn("バックエンドに到達できません")
			p.monitor.Signal(lifecycle.Signal{Kind: lifecycle.SignalOffline})
		} else {
			// 継続オフライン。次回の確認間隔を指数的に延ばす。
			p.backoff = minDuration(p.backoff*2, p.config.MaxBackoff)
		}
		p.online = false
	case probeInconclusive:
		p.recordMetric("inconclusive")
	}
}

// Online は現在の判定状態を返す。
func (p *Prober) Online() bool {
	return p.online
}

// check は1回の到達性確認を行う。
// セッション読み取りはメモリ上のキャッシュで完結しうるため使わず、
// 常にネットワークを介するヘルス確認で判定する。
// ハンドル入れ替え中（ErrClientClosed）は判定不能として状態を保つ。
func (p *Prober) check(ctx context.Context) probeResult {
	client, err := p.handles.Get()
	if err != nil {
		return probeOffline
	}

	probeCtx, cancel := context.WithTimeout(ctx, p.config.ProbeTimeout)
	defer cancel()

	err = client.CheckHealth(probeCtx)
	switch {
	case err == nil:
		return probeOnline
	case errors.Is(err, backend.ErrClientClosed):
		return probeInconclusive
	default:
		return probeOffline
	}
}

// nextInterval は現在の状態に応じた次回確認までの遅延を返す。
func (p *Prober) nextInterval() time.Duration {
	if p.online {
		return p.config.HealthyInterval
	}
	return p.backoff
}

func (p *Prober) recordMetric(result string) {
	if p.metrics != nil {
		p.metrics.RecordProbe(result)
	}
}

// jitter は同時起動した複数プロセスの確認タイミングが揃わないよう、
// 遅延に±20%の揺らぎを加える。
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	delta := float64(d) * jitterRatio
	return d + time.Duration((rand.Float64()*2-1)*delta)
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
