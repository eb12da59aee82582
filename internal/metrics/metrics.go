// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// gatePhases はゲージに展開するゲート状態の一覧。
var gatePhases = []string{"idle", "reconnecting", "needs_login"}

// Collector はPrometheusメトリクスを収集する実装。
// lifecycle.MonitorのMetricsCollectorを満たし、ハンドル再生成・
// 公開ページのスキャン・死活プローブの記録も引き受ける。
type Collector struct {
	lifecycleSignals  *prometheus.CounterVec
	passiveChecks     *prometheus.CounterVec
	recoveries        *prometheus.CounterVec
	recoveryDuration  prometheus.Histogram
	handleRecreations *prometheus.CounterVec
	gatePhase         *prometheus.GaugeVec
	scanEvents        *prometheus.CounterVec
	probeChecks       *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		lifecycleSignals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meishi_lifecycle_signals_total",
			Help: "受信したライフサイクルシグナルの種別ごとの合計数",
		}, []string{"kind"}),
		passiveChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meishi_passive_checks_total",
			Help: "軽量セッション確認の結果ごとの合計数",
		}, []string{"result"}),
		recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meishi_recoveries_total",
			Help: "回復試行のトリガー・結果ごとの合計数",
		}, []string{"trigger", "outcome"}),
		recoveryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "meishi_recovery_duration_seconds",
			Help:    "回復シーケンスの所要時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		handleRecreations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meishi_handle_recreations_total",
			Help: "バックエンドハンドル再生成の結果ごとの合計数",
		}, []string{"outcome"}),
		gatePhase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meishi_gate_phase",
			Help: "再認証ゲートの現在状態（該当フェーズのみ1）",
		}, []string{"phase"}),
		scanEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meishi_scan_events_total",
			Help: "公開名刺の閲覧イベントの流入経路ごとの合計数",
		}, []string{"source"}),
		probeChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meishi_probe_checks_total",
			Help: "バックエンド死活プローブの結果ごとの合計数",
		}, []string{"result"}),
	}

	reg.MustRegister(
		c.lifecycleSignals,
		c.passiveChecks,
		c.recoveries,
		c.recoveryDuration,
		c.handleRecreations,
		c.gatePhase,
		c.scanEvents,
		c.probeChecks,
	)

	// 起動時からidleとして観測可能にする
	c.SetGatePhase("idle")

	return c
}

// RecordLifecycleSignal はライフサイクルシグナルの受信を記録する。
func (c *Collector) RecordLifecycleSignal(kind string) {
	c.lifecycleSignals.WithLabelValues(kind).Inc()
}

// RecordPassiveCheck は軽量セッション確認の結果を記録する。
func (c *Collector) RecordPassiveCheck(result string) {
	c.passiveChecks.WithLabelValues(result).Inc()
}

// RecordRecovery は解決済み回復試行を記録する。
func (c *Collector) RecordRecovery(trigger, outcome string, duration time.Duration) {
	c.recoveries.WithLabelValues(trigger, outcome).Inc()
	c.recoveryDuration.Observe(duration.Seconds())
}

// RecordRecreation はハンドル再生成の結果を記録する。
func (c *Collector) RecordRecreation(outcome string) {
	c.handleRecreations.WithLabelValues(outcome).Inc()
}

// SetGatePhase は再認証ゲートの現在状態を記録する。
// 指定フェーズのゲージを1、それ以外を0に設定する。
func (c *Collector) SetGatePhase(phase string) {
	for _, p := range gatePhases {
		v := 0.0
		if p == phase {
			v = 1.0
		}
		c.gatePhase.WithLabelValues(p).Set(v)
	}
}

// RecordScanEvent は公開名刺の閲覧イベントを記録する。
func (c *Collector) RecordScanEvent(source string) {
	c.scanEvents.WithLabelValues(source).Inc()
}

// RecordProbe はバックエンド死活プローブの結果を記録する。
func (c *Collector) RecordProbe(result string) {
	c.probeChecks.WithLabelValues(result).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
