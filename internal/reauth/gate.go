// Package reauth は再認証ゲートの状態機械を提供する。
// 検出されたセッション問題とタブの非表示時間から、沈黙・再接続表示・
// ログイン要求のいずれに遷移するかを決定する。
package reauth

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Reason はセッション問題の正規化済み分類。
// 低レベルの transport エラーはライフサイクルモニタ側で正規化され、
// ゲートはこの閉じた列挙のみを受け取る。
type Reason int

const (
	// ReasonSessionLost はエラーなしでセッションが存在しない状態。
	ReasonSessionLost Reason = iota
	// ReasonAuthFailed はセッション確認時の認証・transport エラー。
	ReasonAuthFailed
)

// String はReasonのログ用表現を返す。
func (r Reason) String() string {
	switch r {
	case ReasonSessionLost:
		return "session_lost"
	case ReasonAuthFailed:
		return "auth_failed"
	default:
		return "unknown"
	}
}

// Phase はゲートの状態を表す。
type Phase int

const (
	// PhaseIdle は問題が検出されていない通常状態。
	PhaseIdle Phase = iota
	// PhaseReconnecting は再接続中の表示状態。
	PhaseReconnecting
	// PhaseNeedsLogin はログイン要求の表示状態。
	PhaseNeedsLogin
)

// String はPhaseのログ用表現を返す。
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseReconnecting:
		return "reconnecting"
	case PhaseNeedsLogin:
		return "needs_login"
	default:
		return "unknown"
	}
}

// State はUIに公開するゲート状態のスナップショット。
type State struct {
	IsReconnecting bool   `json:"isReconnecting"`
	NeedsLogin     bool   `json:"needsLogin"`
	PreservedRoute string `json:"preservedRoute,omitempty"`
}

// ResumeInfo は直近の非表示時間の参照先。
// ライフサイクルモニタが所有し、周囲の状態の再初期化後も値が失われない。
type ResumeInfo interface {
	// LastHiddenDuration は直近のタブ非表示時間を返す。
	// 一度も非表示になっていない、または不明な場合はnilを返す。
	LastHiddenDuration() *time.Duration
}

// Config はゲートのタイミング設定。
type Config struct {
	// GraceWindow は猶予期間。非表示時間がこの期間未満であれば、
	// 検出されたセッション問題は再生成の副作用とみなしUIを乱さない。
	GraceWindow time.Duration
	// EscalationTimeout は再接続表示からログイン要求への昇格までの待ち時間。
	EscalationTimeout time.Duration
	// ReconnectPulse は猶予期間内のauth_failedに対する短い再接続表示の長さ。
	ReconnectPulse time.Duration
}

// DefaultConfig は本番向けのデフォルトタイミングを返す。
func DefaultConfig() Config {
	return Config{
		GraceWindow:       5 * time.Minute,
		EscalationTimeout: 2 * time.Second,
		ReconnectPulse:    500 * time.Millisecond,
	}
}

// StateObserver はゲート状態の遷移通知を受け取るコールバック。
// メトリクス記録などに使用する。
type StateObserver func(phase Phase)

// Gate は再認証ゲートの状態機械。
// すべての遷移は内部ミューテックスの下で行われ、タイマーはゲートが所有する。
type Gate struct {
	cfg    Config
	resume ResumeInfo
	logger *slog.Logger

	mu             sync.Mutex
	phase          Phase
	preservedRoute string
	attempted      bool // 1セッションにつき昇格は1回だけ
	generation     uint64
	escalateTimer  *time.Timer
	pulseTimer     *time.Timer
	observer       StateObserver
}

// NewGate はGateを生成する。
func NewGate(cfg Config, resume ResumeInfo, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = DefaultConfig().GraceWindow
	}
	if cfg.EscalationTimeout <= 0 {
		cfg.EscalationTimeout = DefaultConfig().EscalationTimeout
	}
	if cfg.ReconnectPulse <= 0 {
		cfg.ReconnectPulse = DefaultConfig().ReconnectPulse
	}
	return &Gate{
		cfg:    cfg,
		resume: resume,
		logger: logger,
	}
}

// SetObserver は状態遷移の観測コールバックを設定する。起動時の配線用。
func (g *Gate) SetObserver(fn StateObserver) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.observer = fn
}

// WithinGrace は現在の非表示時間が猶予期間内かを返す。
// 非表示時間が不明（nil）の場合は常に猶予期間内として扱う。
// 不明な時間は長時間の離席の証拠にはならない。
func (g *Gate) WithinGrace() bool {
	d := g.resume.LastHiddenDuration()
	if d == nil {
		return true
	}
	return *d < g.cfg.GraceWindow
}

// RequestReauth はセッション問題の検出を報告し、ゲートの遷移を決定する。
// routeは問題検出時にユーザーが居た場所で、回復後の復帰に使用する。
// ログイン面（/login, /signup）で検出された問題ではルートを保存しない。
//
// 猶予期間内のsession_lostは一時的な偽陰性として無視される。
// 猶予期間内のauth_failedは短い再接続表示のみを行い、昇格しない。
// 猶予期間外の問題は再接続表示に遷移し、昇格タイマーを開始する。
func (g *Gate) RequestReauth(reason Reason, route string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.phase != PhaseIdle || g.attempted {
		// 既に対応中。昇格は1セッションにつき1回だけ。
		return
	}

	withinGrace := g.WithinGrace()
	d := g.resume.LastHiddenDuration()

	g.logger.Info("再認証要求を受理しました",
		slog.String("reason", reason.String()),
		slog.Bool("within_grace", withinGrace),
		slog.String("route", route),
	)

	if withinGrace {
		if reason == ReasonSessionLost {
			// 猶予期間内のセッション喪失は再生成の副作用とみなして静かに無視する
			return
		}
		// auth_failed: 短い再接続パルスのみ。昇格タイマーは張らない。
		g.transitionLocked(PhaseReconnecting)
		g.startPulseTimerLocked()
		return
	}

	// 猶予期間外（長時間の非表示後）は本物のログアウトの可能性がある
	g.attempted = true
	if !isLoginSurface(route) {
		g.preservedRoute = route
	}
	g.transitionLocked(PhaseReconnecting)
	g.startEscalationTimerLocked()

	if d != nil {
		g.logger.Warn("猶予期間外のセッション問題を検出しました",
			slog.String("reason", reason.String()),
			slog.Duration("hidden_duration", *d),
		)
	}
}

// MarkSuccess は回復成功を報告する。
// 再接続表示はIdleに戻り、昇格タイマーは停止する。
// preservedRouteはログイン後のリダイレクトのために保持される。
func (g *Gate) MarkSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.phase != PhaseReconnecting {
		return
	}
	g.stopTimersLocked()
	g.transitionLocked(PhaseIdle)
}

// Dismiss はユーザーによるログイン要求の却下を処理する。
// preservedRouteをクリアし、昇格試行フラグをリセットする。
func (g *Gate) Dismiss() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.phase != PhaseNeedsLogin {
		return
	}
	g.stopTimersLocked()
	g.preservedRoute = ""
	g.attempted = false
	g.transitionLocked(PhaseIdle)
}

// ClearPreservedRoute はログイン完了後のリダイレクトが済んだ時点で呼ばれる。
// ルートのクリアと同時に昇格試行フラグをリセットする。
func (g *Gate) ClearPreservedRoute() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.preservedRoute = ""
	g.attempted = false
	if g.phase == PhaseNeedsLogin {
		g.stopTimersLocked()
		g.transitionLocked(PhaseIdle)
	}
}

// Snapshot は現在のゲート状態をUI向けに返す。
func (g *Gate) Snapshot() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return State{
		IsReconnecting: g.phase == PhaseReconnecting,
		NeedsLogin:     g.phase == PhaseNeedsLogin,
		PreservedRoute: g.preservedRoute,
	}
}

// Phase は現在の状態を返す。テストと観測用。
func (g *Gate) Phase() Phase {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.phase
}

// PreservedRoute は保存中の復帰先ルートを返す。
func (g *Gate) PreservedRoute() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.preservedRoute
}

// transitionLocked は状態を遷移させる。mu保持が前提。
func (g *Gate) transitionLocked(next Phase) {
	if g.phase == next {
		return
	}
	prev := g.phase
	g.phase = next
	g.generation++
	g.logger.Info("ゲート状態が遷移しました",
		slog.String("from", prev.String()),
		slog.String("to", next.String()),
	)
	if g.observer != nil {
		// 観測コールバックはロック保持中に呼ばない
		fn := g.observer
		go fn(next)
	}
}

// startEscalationTimerLocked は昇格タイマーを開始する。mu保持が前提。
// タイマー発火時に世代が一致しない場合（既に別遷移が起きた場合）は何もしない。
func (g *Gate) startEscalationTimerLocked() {
	gen := g.generation
	g.escalateTimer = time.AfterFunc(g.cfg.EscalationTimeout, func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		if g.generation != gen || g.phase != PhaseReconnecting {
			return
		}
		g.logger.Warn("再接続が昇格タイムアウトに達したためログインを要求します")
		g.transitionLocked(PhaseNeedsLogin)
	})
}

// startPulseTimerLocked は再接続パルスの解除タイマーを開始する。mu保持が前提。
func (g *Gate) startPulseTimerLocked() {
	gen := g.generation
	g.pulseTimer = time.AfterFunc(g.cfg.ReconnectPulse, func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		if g.generation != gen || g.phase != PhaseReconnecting {
			return
		}
		g.transitionLocked(PhaseIdle)
	})
}

// stopTimersLocked は所有するタイマーをすべて停止する。mu保持が前提。
func (g *Gate) stopTimersLocked() {
	if g.escalateTimer != nil {
		g.escalateTimer.Stop()
		g.escalateTimer = nil
	}
	if g.pulseTimer != nil {
		g.pulseTimer.Stop()
		g.pulseTimer = nil
	}
}

// isLoginSurface はルートがログイン・サインアップ面かを判定する。
func isLoginSurface(route string) bool {
	return strings.HasPrefix(route, "/login") || strings.HasPrefix(route, "/signup")
}
