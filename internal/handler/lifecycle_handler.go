package handler

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/meishi/internal/lifecycle"
	"github.com/hitoshi/meishi/internal/model"
	"github.com/hitoshi/meishi/internal/reauth"
)

// SignalSink はライフサイクル信号の投入先。lifecycle.Monitorが実装する。
type SignalSink interface {
	Signal(sig lifecycle.Signal)
}

// GateInterface は再認証ゲートの操作インターフェース。reauth.Gateが実装する。
type GateInterface interface {
	Snapshot() reauth.State
	MarkSuccess()
	Dismiss()
	ClearPreservedRoute()
}

// LifecycleHandler はライフサイクルビーコンとゲート状態のHTTPハンドラー。
type LifecycleHandler struct {
	monitor SignalSink
	gate    GateInterface
}

// NewLifecycleHandler はLifecycleHandlerを生成する。
func NewLifecycleHandler(monitor SignalSink, gate GateInterface) *LifecycleHandler {
	return &LifecycleHandler{
		monitor: monitor,
		gate:    gate,
	}
}

// signalRequest はライフサイクルビーコンのボディ。
type signalRequest struct {
	Kind  string `json:"kind"`
	Route string `json:"route"`
}

// Signal はスタジオタブからのライフサイクルビーコンを受け付ける。
// POST /api/lifecycle/signal
func (h *LifecycleHandler) Signal(w http.ResponseWriter, r *http.Request) {
	var req signalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "リクエストボディの解析に失敗しました。",
			Category: "validation",
			Action:   "正しいJSON形式でリクエストしてください。",
		})
		return
	}

	kind, err := lifecycle.ParseSignalKind(req.Kind)
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidSignalError(req.Kind))
		return
	}

	// 投入はノンブロッキング。処理結果はcontinuityエンドポイントで観測する。
	h.monitor.Signal(lifecycle.Signal{Kind: kind, Route: req.Route})

	w.WriteHeader(http.StatusAccepted)
}

// Continuity はゲート状態のスナップショットを返す。
// 回復後に残っている復帰先ルートは、このレスポンスで一度だけ返して消費する。
// クライアントは受け取ったルートへリダイレクトし、以後の応答には現れない。
// GET /api/session/continuity
func (h *LifecycleHandler) Continuity(w http.ResponseWriter, r *http.Request) {
	state := h.gate.Snapshot()
	if !state.IsReconnecting && !state.NeedsLogin && state.PreservedRoute != "" {
		h.gate.ClearPreservedRoute()
	}
	writeJSON(w, http.StatusOK, state)
}

// ReauthSuccess は再認証成功の通知を処理する。
// POST /api/session/reauth/success
func (h *LifecycleHandler) ReauthSuccess(w http.ResponseWriter, r *http.Request) {
	h.gate.MarkSuccess()
	w.WriteHeader(http.StatusNoContent)
}

// ReauthDismiss はログイン要求の明示的な解除を処理する。
// POST /api/session/reauth/dismiss
func (h *LifecycleHandler) ReauthDismiss(w http.ResponseWriter, r *http.Request) {
	h.gate.Dismiss()
	w.WriteHeader(http.StatusNoContent)
}
