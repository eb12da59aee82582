// Package lifecycle はホスト環境のライフサイクル信号の監視を提供する。
// 可視性・ネットワーク接続性の信号を「無視可能」「受動確認」「再生成」に分類し、
// 回復シーケンスをsingle-flightで直列化する。
//
// 設計の要点: 非表示→表示のサイクル自体は問題の証拠ではない。
// 受動確認の失敗、またはネットワーク復旧のみが高コストな
// デコミッション/再構築パスを正当化する。疑いではなく証拠で再生成する。
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hitoshi/meishi/internal/backend"
	"github.com/hitoshi/meishi/internal/model"
	"github.com/hitoshi/meishi/internal/reauth"
)

// SignalKind はライフサイクル信号の種別。
type SignalKind string

const (
	// SignalHidden はタブが非表示になったことを表す。
	SignalHidden SignalKind = "hidden"
	// SignalVisible はタブが表示に戻ったことを表す。
	SignalVisible SignalKind = "visible"
	// SignalOffline はネットワーク切断を表す。
	SignalOffline SignalKind = "offline"
	// SignalOnline はネットワーク復旧を表す。
	SignalOnline SignalKind = "online"
)

// ParseSignalKind は文字列をSignalKindに変換する。未知の値はエラーを返す。
func ParseSignalKind(s string) (SignalKind, error) {
	switch SignalKind(s) {
	case SignalHidden, SignalVisible, SignalOffline, SignalOnline:
		return SignalKind(s), nil
	default:
		return "", errors.New("未知のライフサイクル信号です: " + s)
	}
}

// Signal はライフサイクル信号1件を表す。
// Routeは信号発生時にオーナーが居たスタジオ内の場所。
type Signal struct {
	Kind  SignalKind
	Route string
}

// Trigger は回復シーケンスの起動要因。
type Trigger string

const (
	// TriggerVisibilityResume は非表示からの復帰による起動。
	TriggerVisibilityResume Trigger = "visibility_resume"
	// TriggerConnectivityRestored はネットワーク復旧による起動。
	// 接続性の喪失はハンドルが使用可能に見えたままストリーミング
	// チャンネルを無効化するため、常に再生成する。
	TriggerConnectivityRestored Trigger = "connectivity_restored"
)

// Outcome は回復試行1件の結果。
type Outcome string

const (
	// OutcomeSessionValid は有効なセッションの確認。
	OutcomeSessionValid Outcome = "session_valid"
	// OutcomeSessionLost はエラーなしでセッションが存在しない状態。
	OutcomeSessionLost Outcome = "session_lost"
	// OutcomeAuthFailed はセッション確認時の認証・transportエラー。
	OutcomeAuthFailed Outcome = "auth_failed"
	// OutcomeTimedOut は回復シーケンス全体のタイムアウト。
	OutcomeTimedOut Outcome = "timed_out"
	// OutcomeConstructionFailed はハンドル構築の失敗。
	OutcomeConstructionFailed Outcome = "construction_failed"
)

// HandleRegistry はモニタが必要とするハンドルレジストリのインターフェース。
type HandleRegistry interface {
	Get() (*backend.Client, error)
	Recreate(ctx context.Context) (*backend.Client, error)
	Version() int64
}

// Gatekeeper は再認証ゲートのインターフェース。
type Gatekeeper interface {
	RequestReauth(reason reauth.Reason, route string)
	MarkSuccess()
}

// SessionConsumer は回復試行の結果通知を受け取るインターフェース。
// プロフィールストアが実装する。
type SessionConsumer interface {
	// HandleSessionValid は受動確認または再生成後の検証成功を通知する。
	HandleSessionValid(session *backend.Session)
	// HandleSessionLost はセッション喪失を通知する。
	HandleSessionLost(reason reauth.Reason)
}

// RecoveryJournal は解決済み回復試行の記録先。
type RecoveryJournal interface {
	Record(ctx context.Context, event *model.RecoveryEvent) error
}

// MetricsCollector はモニタが記録するメトリクスのインターフェース。
type MetricsCollector interface {
	RecordLifecycleSignal(kind string)
	RecordPassiveCheck(result string)
	RecordRecovery(trigger, outcome string, duration time.Duration)
}

// VisibilityObserver は可視性変化の通知を受け取るコールバック。
// 回復処理とは無関係に、保留中の保存のフラッシュなどに使われる。
type VisibilityObserver func(visible bool)

// Config はモニタのタイミング設定。
type Config struct {
	// DebounceWindow は高速な可視性トグルを1回の確認にまとめる窓。
	DebounceWindow time.Duration
	// RecoveryTimeout は回復シーケンス全体の壁時計タイムアウト。
	// 超過した試行はTimedOutとして解決され、遅れて返る結果は捨てられる。
	RecoveryTimeout time.Duration
}

// DefaultConfig は本番向けのデフォルトタイミングを返す。
func DefaultConfig() Config {
	return Config{
		DebounceWindow:  300 * time.Millisecond,
		RecoveryTimeout: 5 * time.Second,
	}
}

// Monitor はライフサイクル信号を消費するイベントループ。
// 信号の分類・デバウンス・single-flight制御を行い、解決した試行を
// コンシューマ・ゲート・メトリクス・回復ジャーナルへ報告する。
//
// 非表示時間（HiddenInterval）はモニタ自身が所有するため、
// 周囲のアプリケーション状態が再初期化されても失われない。
type Monitor struct {
	cfg      Config
	registry HandleRegistry
	gate     Gatekeeper
	consumer SessionConsumer
	journal  RecoveryJournal
	metrics  MetricsCollector
	logger   *slog.Logger

	signals chan Signal

	// イベントループgoroutineのみが触る状態
	visible           bool
	wasHidden         bool
	hiddenAt          time.Time
	offline           bool
	checkedThisResume bool

	// ループ外から参照される状態
	mu           sync.Mutex
	lastDuration *time.Duration
	lastRoute    string
	observers    []VisibilityObserver

	inProgress atomic.Bool
}

// NewMonitor はMonitorを生成する。journalとmetricsはnilを許容する。
func NewMonitor(
	cfg Config,
	registry HandleRegistry,
	gate Gatekeeper,
	consumer SessionConsumer,
	journal RecoveryJournal,
	metrics MetricsCollector,
	logger *slog.Logger,
) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DebounceWindow <= 0 {
		cfg.DebounceWindow = DefaultConfig().DebounceWindow
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultConfig().RecoveryTimeout
	}
	return &Monitor{
		cfg:      cfg,
		registry: registry,
		gate:     gate,
		consumer: consumer,
		journal:  journal,
		metrics:  metrics,
		logger:   logger,
		signals:  make(chan Signal, 64),
		visible:  true,
	}
}

// Signal は信号をイベントループに投入する。ブロックしない。
// バッファ満杯時は信号を破棄する（回復は冪等なため安全）。
func (m *Monitor) Signal(sig Signal) {
	select {
	case m.signals <- sig:
	default:
		m.logger.Warn("信号バッファが満杯のためライフサイクル信号を破棄しました",
			slog.String("kind", string(sig.Kind)),
		)
	}
}

// RegisterVisibilityObserver は可視性変化の観測者を登録する。
// 観測者は回復処理の結果に関わらず、可視性が変わるたびに呼ばれる。
func (m *Monitor) RegisterVisibilityObserver(fn VisibilityObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// LastHiddenDuration は直近のタブ非表示時間を返す。
// 一度も非表示になっていない場合はnilを返す。reauth.ResumeInfoを実装する。
func (m *Monitor) LastHiddenDuration() *time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastDuration == nil {
		return nil
	}
	d := *m.lastDuration
	return &d
}

// Start はイベントループを起動する。コンテキストのキャンセルで停止する。
// ブロッキングのためgoroutineで呼ぶこと。
func (m *Monitor) Start(ctx context.Context) {
	m.logger.Info("ライフサイクルモニタを開始しました",
		slog.Duration("debounce_window", m.cfg.DebounceWindow),
		slog.Duration("recovery_timeout", m.cfg.RecoveryTimeout),
	)

	debounce := time.NewTimer(time.Hour)
	if !debounce.Stop() {
		<-debounce.C
	}
	debouncePending := false

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("ライフサイクルモニタを停止しました")
			return

		case sig := <-m.signals:
			if m.metrics != nil {
				m.metrics.RecordLifecycleSignal(string(sig.Kind))
			}
			if sig.Route != "" {
				m.mu.Lock()
				m.lastRoute = sig.Route
				m.mu.Unlock()
			}

			switch sig.Kind {
			case SignalHidden:
				if !m.visible {
					break // 既に非表示。無視可能。
				}
				m.visible = false
				m.wasHidden = true
				m.hiddenAt = time.Now()
				m.checkedThisResume = false
				// 保留中のデバウンス確認は取り消す
				if debouncePending && !debounce.Stop() {
					<-debounce.C
				}
				debouncePending = false
				m.notifyObservers(false)

			case SignalVisible:
				alreadyVisible := m.visible
				m.visible = true
				// 非表示時間の確定は真の非表示→表示遷移に限る。表示中に届く
				// 重複したvisible信号で古いhiddenAtから再計算してはならない。
				// 再計算すると猶予判定の基準が膨張し、不要なログイン要求を招く。
				if !alreadyVisible && m.wasHidden && !m.hiddenAt.IsZero() {
					d := time.Since(m.hiddenAt)
					m.mu.Lock()
					m.lastDuration = &d
					m.mu.Unlock()
				}
				// 観測者への通知は回復処理の結果に関わらず行う
				if !alreadyVisible {
					m.notifyObservers(true)
				}
				// 冪等: 1回の復帰につき確認は高々1回
				if !m.wasHidden || m.checkedThisResume {
					break
				}
				m.checkedThisResume = true
				if debouncePending && !debounce.Stop() {
					<-debounce.C
				}
				debounce.Reset(m.cfg.DebounceWindow)
				debouncePending = true

			case SignalOffline:
				m.offline = true
				m.logger.Info("ネットワーク切断を記録しました")

			case SignalOnline:
				if !m.offline {
					break // 切断を観測していない復旧は無視可能
				}
				m.offline = false
				m.startRecovery(ctx, TriggerConnectivityRestored)
			}

		case <-debounce.C:
			debouncePending = false
			m.startRecovery(ctx, TriggerVisibilityResume)
		}
	}
}

func (m *Monitor) notifyObservers(visible bool) {
	m.mu.Lock()
	observers := make([]VisibilityObserver, len(m.observers))
	copy(observers, m.observers)
	m.mu.Unlock()
	for _, fn := range observers {
		fn(visible)
	}
}

// startRecovery は回復シーケンスを起動する。
// 既に進行中の場合、新しい起動要求は破棄される（キューしない）。
func (m *Monitor) startRecovery(ctx context.Context, trigger Trigger) {
	if !m.inProgress.CompareAndSwap(false, true) {
		m.logger.Info("回復シーケンスが進行中のため新しい起動要求を破棄しました",
			slog.String("trigger", string(trigger)),
		)
		return
	}
	go func() {
		defer m.inProgress.Store(false)
		m.runRecovery(ctx, trigger)
	}()
}

// runRecovery は回復試行1件を実行し、結果を各所に報告する。
func (m *Monitor) runRecovery(ctx context.Context, trigger Trigger) {
	start := time.Now()
	versionBefore := m.registry.Version()

	attemptCtx, cancel := context.WithTimeout(ctx, m.cfg.RecoveryTimeout)
	defer cancel()

	var outcome Outcome
	var session *backend.Session

	switch trigger {
	case TriggerConnectivityRestored:
		// ネットワーク復旧は常に再生成する。ハンドルが使用可能に見えても
		// ストリーミングチャンネルは静かに無効化されている可能性がある。
		outcome, session = m.recreateAndValidate(attemptCtx)
	default:
		outcome, session = m.passiveFirst(attemptCtx)
	}

	if attemptCtx.Err() == context.DeadlineExceeded {
		outcome = OutcomeTimedOut
		session = nil
	}

	duration := time.Since(start)
	m.report(ctx, trigger, outcome, session, versionBefore, duration)
}

// passiveFirst は受動確認を先に行い、失敗が証明された場合のみ再生成する。
// 有効なセッションが返るのが通常ケースであり、そのときは
// デコミッション/再構築のコストを一切払わない。
func (m *Monitor) passiveFirst(ctx context.Context) (Outcome, *backend.Session) {
	client, err := m.registry.Get()
	if err != nil {
		return OutcomeConstructionFailed, nil
	}

	session, err := client.GetSession(ctx)
	switch {
	case err == nil && session != nil:
		if m.metrics != nil {
			m.metrics.RecordPassiveCheck("valid")
		}
		return OutcomeSessionValid, session

	case errors.Is(err, backend.ErrNoSession):
		// エラーなしでセッションが無い。ハンドル自体は健全なので再生成しない。
		if m.metrics != nil {
			m.metrics.RecordPassiveCheck("no_session")
		}
		return OutcomeSessionLost, nil

	default:
		// 受動確認自体の失敗は再生成を正当化する証拠
		if m.metrics != nil {
			m.metrics.RecordPassiveCheck("error")
		}
		m.logger.Warn("受動確認に失敗したためハンドルを再生成します",
			slog.String("error", err.Error()),
		)
		return m.recreateAndValidate(ctx)
	}
}

// recreateAndValidate はハンドルを再生成し、新しいハンドルでセッションを検証する。
func (m *Monitor) recreateAndValidate(ctx context.Context) (Outcome, *backend.Session) {
	client, err := m.registry.Recreate(ctx)
	if err != nil {
		m.logger.Error("ハンドルの再生成に失敗しました",
			slog.String("error", err.Error()),
		)
		return OutcomeConstructionFailed, nil
	}

	session, err := client.GetSession(ctx)
	switch {
	case err == nil && session != nil:
		return OutcomeSessionValid, session
	case errors.Is(err, backend.ErrNoSession):
		return OutcomeSessionLost, nil
	default:
		return OutcomeAuthFailed, nil
	}
}

// report は解決した試行をコンシューマ・ゲート・メトリクス・ジャーナルへ報告する。
func (m *Monitor) report(
	ctx context.Context,
	trigger Trigger,
	outcome Outcome,
	session *backend.Session,
	versionBefore int64,
	duration time.Duration,
) {
	m.mu.Lock()
	route := m.lastRoute
	m.mu.Unlock()

	m.logger.Info("回復試行が解決しました",
		slog.String("trigger", string(trigger)),
		slog.String("outcome", string(outcome)),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	switch outcome {
	case OutcomeSessionValid:
		if m.consumer != nil {
			m.consumer.HandleSessionValid(session)
		}
		if m.gate != nil {
			m.gate.MarkSuccess()
		}
	case OutcomeSessionLost, OutcomeTimedOut:
		// タイムアウトはセッション喪失と同一に扱う
		if m.consumer != nil {
			m.consumer.HandleSessionLost(reauth.ReasonSessionLost)
		}
		if m.gate != nil {
			m.gate.RequestReauth(reauth.ReasonSessionLost, route)
		}
	case OutcomeAuthFailed, OutcomeConstructionFailed:
		if m.consumer != nil {
			m.consumer.HandleSessionLost(reauth.ReasonAuthFailed)
		}
		if m.gate != nil {
			m.gate.RequestReauth(reauth.ReasonAuthFailed, route)
		}
	}

	if m.metrics != nil {
		m.metrics.RecordRecovery(string(trigger), string(outcome), duration)
	}

	if m.journal != nil {
		journalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
		defer cancel()
		event := &model.RecoveryEvent{
			Trigger:       string(trigger),
			Outcome:       string(outcome),
			VersionBefore: versionBefore,
			VersionAfter:  m.registry.Version(),
			Duration:      duration,
			OccurredAt:    time.Now(),
		}
		if err := m.journal.Record(journalCtx, event); err != nil {
			m.logger.Warn("回復ジャーナルの記録に失敗しました",
				slog.String("error", err.Error()),
			)
		}
	}
}
