package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/meishi/internal/model"
)

// 定義済みエラー
var (
	// ErrNoSession はセッションが存在しないことを表す。エラーではなく「未ログイン」状態。
	ErrNoSession = errors.New("セッションが存在しません")
	// ErrAuthFailed は認証・トークンリフレッシュの拒否を表す。
	ErrAuthFailed = errors.New("認証に失敗しました")
	// ErrClientClosed は破棄済みハンドルへの操作を表す。
	ErrClientClosed = errors.New("クライアントは破棄済みです")
)

const (
	// sessionExpiryMargin は期限切れ直前のセッションをリフレッシュ対象とみなす余裕時間。
	sessionExpiryMargin = 30 * time.Second
	// defaultTimeout はHTTPリクエストのデフォルトタイムアウト。
	defaultTimeout = 10 * time.Second
)

// Config はバックエンドサービスへの固定接続設定。
type Config struct {
	URL     string
	AnonKey string
	Timeout time.Duration
}

// Factory は新しいクライアント（接続ハンドル）を生成する。
// ハンドルレジストリが初回構築と再生成時に呼び出す。ネットワークI/Oは行わない。
type Factory func() (*Client, error)

// NewFactory は固定設定からFactoryを生成する。
func NewFactory(cfg Config, creds CredentialStore, logger *slog.Logger) Factory {
	return func() (*Client, error) {
		return NewClient(cfg, creds, logger)
	}
}

// Client はバックエンドサービスへの接続ハンドル。
// 認証状態（メモリ上のセッション）とリアルタイムチャンネルを保持する。
// プロセス全体で論理的に1つだけが「現在のハンドル」であり、所有権は
// ハンドルレジストリにある。
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
	creds      CredentialStore

	mu        sync.Mutex
	session   *Session
	restored  bool // 永続トークンの復元を試行済みか
	closed    bool
	listeners map[uint64]AuthListener
	order     []uint64
	nextSub   uint64

	refreshGroup singleflight.Group

	rtMu     sync.Mutex
	rt       *realtimeConn
	channels map[string]*Channel
}

// NewClient はClientの新しいインスタンスを生成する。
// ネットワークへは接続しない。設定不備のみがエラーになる。
func NewClient(cfg Config, creds CredentialStore, logger *slog.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("バックエンドURLが設定されていません")
	}
	if cfg.AnonKey == "" {
		return nil, errors.New("バックエンドAPIキーが設定されていません")
	}
	if creds == nil {
		return nil, errors.New("認証情報ストアが設定されていません")
	}
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
		creds:      creds,
		listeners:  make(map[uint64]AuthListener),
		channels:   make(map[string]*Channel),
	}, nil
}

// GetSession は現在のセッションを返す。
// メモリ上のセッションが有効ならネットワークを介さず返す。期限切れの場合と、
// 未復元で永続トークンが存在する場合はリフレッシュを行う。
// セッションが存在しない場合はErrNoSessionを返す。
func (c *Client) GetSession(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	s := c.session
	restored := c.restored
	c.mu.Unlock()

	if s != nil && !s.ExpiresWithin(sessionExpiryMargin) {
		return s, nil
	}
	if s == nil && restored {
		return nil, ErrNoSession
	}
	return c.RefreshSession(ctx)
}

// RefreshSession はトークンリフレッシュを強制する。
// メモリ上にセッションがない場合は永続トークンからの復元を試みる。
// リフレッシュトークンのローテーション競合を避けるため、同時呼び出しは1回に合流する。
func (c *Client) RefreshSession(ctx context.Context) (*Session, error) {
	v, err, _ := c.refreshGroup.Do("refresh", func() (interface{}, error) {
		return c.refreshSession(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (c *Client) refreshSession(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	var refreshToken string
	initial := c.session == nil
	restored := c.restored
	if c.session != nil {
		refreshToken = c.session.RefreshToken
	}
	c.mu.Unlock()

	if refreshToken == "" {
		// ローカルサインアウト後は永続トークンからの再復元を行わない
		if restored {
			return nil, ErrNoSession
		}
		cred, err := c.creds.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("認証情報の読み込みに失敗しました: %w", err)
		}
		c.mu.Lock()
		c.restored = true
		c.mu.Unlock()
		if cred == nil || cred.RefreshToken == "" {
			return nil, ErrNoSession
		}
		refreshToken = cred.RefreshToken
	}

	sess, err := c.token(ctx, "refresh_token", map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return nil, err
	}

	event := EventTokenRefreshed
	if initial {
		event = EventInitialSession
	}
	c.setSession(sess, event)
	c.persist(ctx, sess)
	return sess, nil
}

// CheckHealth はバックエンドサービスへの到達性を確認する。
// メモリ上のセッションには一切依存せず、常にネットワークを介して判定する。
// キャッシュ済みセッションが有効な間もバックエンドの停止を検出できる。
func (c *Client) CheckHealth(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	c.mu.Unlock()

	endpoint := strings.TrimSuffix(c.cfg.URL, "/") + "/auth/v1/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("apikey", c.cfg.AnonKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ヘルスエンドポイントの呼び出しに失敗しました: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	// 応答が返ること自体が到達性の証拠。5xxのみサービス停止とみなす。
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("ヘルスエンドポイントがステータス %d を返しました", resp.StatusCode)
	}
	return nil
}

// SignInWithPassword はパスワードグラントでサインインする。
// 認証そのものはバックエンドサービスが行い、このクライアントは仲介のみを行う。
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*Session, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	c.mu.Unlock()

	sess, err := c.token(ctx, "password", map[string]string{"email": email, "password": password})
	if err != nil {
		return nil, err
	}
	c.setSession(sess, EventSignedIn)
	c.persist(ctx, sess)
	return sess, nil
}

// OnAuthStateChange は認証状態リスナーを登録する。
// イベントはセッション状態が実際に変化したときに登録順で同期的に通知される。
func (c *Client) OnAuthStateChange(fn AuthListener) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSub++
	id := c.nextSub
	c.listeners[id] = fn
	c.order = append(c.order, id)
	return &Subscription{id: id, client: c}
}

// ListenerCount は登録中の認証状態リスナー数を返す。
func (c *Client) ListenerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.listeners)
}

// SignOutLocal はメモリ上の認証状態のみを破棄する。
// 永続化されたリフレッシュトークンは保持され、再生成後の新しいハンドルが再利用する。
func (c *Client) SignOutLocal() {
	c.mu.Lock()
	had := c.session != nil
	c.session = nil
	c.restored = true
	c.mu.Unlock()
	if had {
		c.emit(EventSignedOut, nil)
	}
}

// Close はハンドルを破棄済みとして扱い、以後の認証操作を拒否する。
// リアルタイムチャンネルの解放はRemoveAllChannelsが担う。
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.RemoveAllChannels()
}

func (c *Client) setSession(sess *Session, event AuthEvent) {
	c.mu.Lock()
	c.session = sess
	c.restored = true
	c.mu.Unlock()
	c.emit(event, sess)
}

// emit は登録順でリスナーを同期的に呼び出す。ロックは保持しない。
func (c *Client) emit(event AuthEvent, sess *Session) {
	c.mu.Lock()
	fns := make([]AuthListener, 0, len(c.listeners))
	for _, id := range c.order {
		if fn, ok := c.listeners[id]; ok {
			fns = append(fns, fn)
		}
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(event, sess)
	}
}

func (c *Client) removeListener(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.listeners, id)
}

// persist はローテーションされたリフレッシュトークンを保存する。失敗は警告に留める。
func (c *Client) persist(ctx context.Context, sess *Session) {
	cred := &model.BackendCredential{
		RefreshToken: sess.RefreshToken,
		UserID:       sess.UserID,
		UpdatedAt:    time.Now(),
	}
	if err := c.creds.Save(ctx, cred); err != nil {
		c.logger.Warn("リフレッシュトークンの保存に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// token はトークンエンドポイントを呼び出してセッションを取得する。
func (c *Client) token(ctx context.Context, grantType string, body map[string]string) (*Session, error) {
	endpoint := fmt.Sprintf("%s/auth/v1/token?grant_type=%s", strings.TrimSuffix(c.cfg.URL, "/"), grantType)

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("リクエストボディの生成に失敗しました: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", c.cfg.AnonKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("トークンエンドポイントの呼び出しに失敗しました: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		c.logger.Warn("トークンエンドポイントが認証エラーを返しました",
			slog.Int("http_status", resp.StatusCode),
			slog.String("grant_type", grantType),
		)
		return nil, ErrAuthFailed
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("トークンエンドポイントがステータス %d を返しました", resp.StatusCode)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}

	var tr tokenResponse
	if err := json.Unmarshal(respBody, &tr); err != nil {
		return nil, fmt.Errorf("トークンレスポンスのパースに失敗しました: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("トークンレスポンスにアクセストークンが含まれていません")
	}

	return &Session{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		UserID:       tr.User.ID,
		Email:        tr.User.Email,
		ExpiresAt:    time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second),
	}, nil
}

// tokenResponse はトークンエンドポイントのレスポンス形式。
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	User         struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	} `json:"user"`
}
