package backend

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// heartbeatInterval はリアルタイム接続のハートビート送信間隔。
	heartbeatInterval = 25 * time.Second
	// writeTimeout は1メッセージの書き込みタイムアウト。
	writeTimeout = 5 * time.Second
	// channelBuffer はチャンネルごとのイベントバッファ数。
	channelBuffer = 16
)

// ChangeEvent はリアルタイムチャンネルで配信されるデータ変更イベント。
type ChangeEvent struct {
	Topic  string
	Type   string // INSERT / UPDATE / DELETE
	Table  string
	Record json.RawMessage
}

// Channel は1トピックのリアルタイム購読を表す。
// ハンドルのデコミッション時にはRemoveAllChannelsが全チャンネルを閉じるため、
// 購読者はイベントチャンネルのクローズを終了として扱う。
type Channel struct {
	Topic string

	events    chan ChangeEvent
	client    *Client
	closeOnce sync.Once
}

// Events は変更イベントの受信チャンネルを返す。
// バッファが詰まった場合、イベントは破棄される（購読者をブロックしない）。
func (ch *Channel) Events() <-chan ChangeEvent {
	return ch.events
}

// Close はこのチャンネルの購読を解除する。複数回呼んでも安全。
func (ch *Channel) Close() {
	ch.client.removeChannel(ch.Topic)
}

func (ch *Channel) shutdown() {
	ch.closeOnce.Do(func() {
		close(ch.events)
	})
}

// rtMessage はリアルタイムプロトコルのワイヤーフォーマット。
type rtMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// changePayload はデータ変更イベントのペイロード形式。
type changePayload struct {
	Table  string          `json:"table"`
	Record json.RawMessage `json:"record"`
}

// Channel は指定トピックの購読チャンネルを返す。未購読の場合は作成する。
// 初回呼び出し時にリアルタイム接続を確立するため、ネットワークI/Oを伴う。
func (c *Client) Channel(topic string) (*Channel, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	c.mu.Unlock()

	c.rtMu.Lock()
	defer c.rtMu.Unlock()

	if ch, ok := c.channels[topic]; ok {
		return ch, nil
	}

	if err := c.ensureRealtimeLocked(); err != nil {
		return nil, err
	}

	ch := &Channel{
		Topic:  topic,
		events: make(chan ChangeEvent, channelBuffer),
		client: c,
	}

	if err := c.rt.send(c.joinMessage(topic)); err != nil {
		return nil, fmt.Errorf("チャンネルへの参加に失敗しました: %w", err)
	}
	c.channels[topic] = ch
	return ch, nil
}

// RemoveAllChannels は全チャンネルを閉じ、リアルタイム接続を切断する。
// ハンドルのデコミッション時に呼ばれる。失敗しても中断しない。
func (c *Client) RemoveAllChannels() {
	c.rtMu.Lock()
	defer c.rtMu.Unlock()

	for topic, ch := range c.channels {
		if c.rt != nil && c.rt.alive() {
			if err := c.rt.send(rtMessage{Topic: topic, Event: "phx_leave"}); err != nil {
				c.logger.Warn("チャンネル離脱の送信に失敗しました",
					slog.String("topic", topic),
					slog.String("error", err.Error()),
				)
			}
		}
		ch.shutdown()
		delete(c.channels, topic)
	}

	if c.rt != nil {
		c.rt.close()
		c.rt = nil
	}
}

// ChannelCount は購読中のチャンネル数を返す。
func (c *Client) ChannelCount() int {
	c.rtMu.Lock()
	defer c.rtMu.Unlock()
	return len(c.channels)
}

func (c *Client) removeChannel(topic string) {
	c.rtMu.Lock()
	defer c.rtMu.Unlock()

	ch, ok := c.channels[topic]
	if !ok {
		return
	}
	if c.rt != nil && c.rt.alive() {
		if err := c.rt.send(rtMessage{Topic: topic, Event: "phx_leave"}); err != nil {
			c.logger.Warn("チャンネル離脱の送信に失敗しました",
				slog.String("topic", topic),
				slog.String("error", err.Error()),
			)
		}
	}
	ch.shutdown()
	delete(c.channels, topic)
}

// ensureRealtimeLocked はリアルタイム接続を確立する。rtMu保持が前提。
func (c *Client) ensureRealtimeLocked() error {
	if c.rt != nil && c.rt.alive() {
		return nil
	}

	wsURL := realtimeURL(c.cfg.URL, c.cfg.AnonKey)
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.Dial(wsURL, http.Header{})
	if err != nil {
		return fmt.Errorf("リアルタイム接続の確立に失敗しました: %w", err)
	}

	rt := &realtimeConn{
		conn: conn,
		done: make(chan struct{}),
	}
	c.rt = rt

	go c.readPump(rt)
	go c.heartbeatLoop(rt)
	return nil
}

// joinMessage はチャンネル参加メッセージを構築する。
// 有効なセッションがあればアクセストークンを添付する。
func (c *Client) joinMessage(topic string) rtMessage {
	c.mu.Lock()
	var token string
	if c.session != nil {
		token = c.session.AccessToken
	}
	c.mu.Unlock()

	payload, _ := json.Marshal(map[string]string{"access_token": token})
	return rtMessage{Topic: topic, Event: "phx_join", Payload: payload}
}

// readPump は受信メッセージをトピックごとのチャンネルに配送する。
// 読み取りエラーで接続を死亡扱いにして終了する。再接続はしない。
// 接続の復旧はハンドル再生成の責務であり、このレイヤーでは行わない。
func (c *Client) readPump(rt *realtimeConn) {
	for {
		var msg rtMessage
		if err := rt.conn.ReadJSON(&msg); err != nil {
			select {
			case <-rt.done:
				// 正常クローズ
			default:
				c.logger.Warn("リアルタイム接続の読み取りに失敗しました",
					slog.String("error", err.Error()),
				)
			}
			rt.close()
			return
		}

		switch msg.Event {
		case "INSERT", "UPDATE", "DELETE":
			c.dispatchChange(msg)
		case "phx_reply", "heartbeat":
			// 応答は読み捨てる
		}
	}
}

func (c *Client) dispatchChange(msg rtMessage) {
	var p changePayload
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			c.logger.Warn("変更イベントのパースに失敗しました",
				slog.String("topic", msg.Topic),
				slog.String("error", err.Error()),
			)
			return
		}
	}

	c.rtMu.Lock()
	ch, ok := c.channels[msg.Topic]
	c.rtMu.Unlock()
	if !ok {
		return
	}

	ev := ChangeEvent{
		Topic:  msg.Topic,
		Type:   msg.Event,
		Table:  p.Table,
		Record: p.Record,
	}
	select {
	case ch.events <- ev:
	default:
		c.logger.Warn("イベントバッファが満杯のため変更イベントを破棄しました",
			slog.String("topic", msg.Topic),
		)
	}
}

func (c *Client) heartbeatLoop(rt *realtimeConn) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rt.done:
			return
		case <-ticker.C:
			if err := rt.send(rtMessage{Topic: "phoenix", Event: "heartbeat"}); err != nil {
				c.logger.Warn("ハートビートの送信に失敗しました",
					slog.String("error", err.Error()),
				)
				rt.close()
				return
			}
		}
	}
}

// realtimeConn はWebSocket接続1本の状態を保持する。
type realtimeConn struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func (rt *realtimeConn) send(msg rtMessage) error {
	rt.writeMu.Lock()
	defer rt.writeMu.Unlock()
	if err := rt.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return rt.conn.WriteJSON(msg)
}

func (rt *realtimeConn) alive() bool {
	select {
	case <-rt.done:
		return false
	default:
		return true
	}
}

func (rt *realtimeConn) close() {
	rt.closeOnce.Do(func() {
		close(rt.done)
		_ = rt.conn.Close()
	})
}

// realtimeURL はHTTPエンドポイントからWebSocketエンドポイントを導出する。
func realtimeURL(baseURL, anonKey string) string {
	ws := strings.TrimSuffix(baseURL, "/")
	if strings.HasPrefix(ws, "https://") {
		ws = "wss://" + strings.TrimPrefix(ws, "https://")
	} else if strings.HasPrefix(ws, "http://") {
		ws = "ws://" + strings.TrimPrefix(ws, "http://")
	}
	return ws + "/realtime/v1/websocket?apikey=" + anonKey
}
