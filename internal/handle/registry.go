// Package handle は接続ハンドルの所有と再生成を提供する。
// プロセス内で唯一の接続ハンドルを保持し、デコミッション（全リスナー解除、
// 全チャンネル閉鎖、ローカルサインアウト）を経た安全な入れ替えを行う。
package handle

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/meishi/internal/backend"
)

// RecreatedCallback はハンドル再生成の完了通知を受け取るコールバック。
// 新しいハンドルの構築完了後、Recreateが返る前に登録順で同期的に呼ばれる。
type RecreatedCallback func(client *backend.Client)

// Registry は接続ハンドルの唯一の所有者。
// ハンドルの取得、認証状態リスナーの追跡、再生成通知、再生成の実行を提供する。
// 再生成はsingle-flightで直列化され、デコミッション/構築シーケンスが
// 同時に2つ走ることはない。
type Registry struct {
	factory backend.Factory
	logger  *slog.Logger

	mu      sync.Mutex
	client  *backend.Client
	version int64

	// registry所有のリスナー追跡。呼び出し元が解除を忘れても
	// デコミッション時に強制解除できるようにする。
	subs    map[uint64]*trackedSub
	nextSub uint64

	recreated     map[uint64]RecreatedCallback
	recreatedIDs  []uint64
	nextRecreated uint64

	group singleflight.Group
}

// trackedSub は追跡中のリスナー購読1件。
type trackedSub struct {
	sub *backend.Subscription
	fn  backend.AuthListener
}

// NewRegistry はRegistryを生成する。ハンドルの構築は最初のGetまで遅延する。
func NewRegistry(factory backend.Factory, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		factory:   factory,
		logger:    logger,
		subs:      make(map[uint64]*trackedSub),
		recreated: make(map[uint64]RecreatedCallback),
	}
}

// Get は現在のハンドルを返す。存在しない場合はファクトリで構築する。
// 構築はクライアントオブジェクトの生成のみで、ネットワークI/Oは行わない。
// 構築失敗は呼び出し元に返され、次回のGetで再試行される。
func (r *Registry) Get() (*backend.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getLocked()
}

func (r *Registry) getLocked() (*backend.Client, error) {
	if r.client != nil {
		return r.client, nil
	}
	client, err := r.factory()
	if err != nil {
		return nil, err
	}
	r.client = client
	r.version++
	return client, nil
}

// Version は現在のハンドルのバージョン（単調増加）を返す。
// 構築前は0を返す。
func (r *Registry) Version() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version
}

// RegisterListener は認証状態リスナーを現在のハンドルに登録し、
// registry所有の追跡セットにも記録する。返される解除関数は冪等で、
// 呼ばれなくてもデコミッション時に強制解除される。
func (r *Registry) RegisterListener(fn backend.AuthListener) (func(), error) {
	r.mu.Lock()
	r.nextSub++
	id := r.nextSub
	r.mu.Unlock()

	for {
		r.mu.Lock()
		client, err := r.getLocked()
		if err != nil {
			r.mu.Unlock()
			return nil, err
		}
		version := r.version
		r.mu.Unlock()

		// ハンドルへの登録はレジストリのロック外で行う
		sub := client.OnAuthStateChange(fn)

		r.mu.Lock()
		if r.client != client || r.version != version {
			// 登録の最中に再生成が割り込んだ。購読は破棄済みハンドルに
			// 付いているので、解除して現在のハンドルでやり直す。
			r.mu.Unlock()
			sub.Unsubscribe()
			continue
		}
		r.subs[id] = &trackedSub{sub: sub, fn: fn}
		r.mu.Unlock()
		break
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			tracked, ok := r.subs[id]
			delete(r.subs, id)
			r.mu.Unlock()
			if ok {
				tracked.sub.Unsubscribe()
			}
		})
	}, nil
}

// TrackedListenerCount は追跡中のリスナー購読数を返す。
func (r *Registry) TrackedListenerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// OnRecreated はハンドル再生成の完了通知コールバックを登録する。
// コールバックは登録順で呼ばれる。返される関数で登録を解除できる。
func (r *Registry) OnRecreated(fn RecreatedCallback) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextRecreated++
	id := r.nextRecreated
	r.recreated[id] = fn
	r.recreatedIDs = append(r.recreatedIDs, id)

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.recreated, id)
	}
}

// Recreate は現在のハンドルをデコミッションし、新しいハンドルに入れ替える。
// 再生成が既に進行中の場合は合流し、同じ新ハンドルを受け取る。
//  1. 追跡中の全リスナーを解除する（失敗は警告ログのみ）
//  2. 全リアルタイムチャンネルを閉じる
//  3. ローカルのみのサインアウトを行う（永続トークンは保持）
//  4. ファクトリで新ハンドルを構築し、バージョンを進める
//  5. 再生成コールバックを登録順で同期的に呼ぶ
//
// 構築失敗はこの試行のエラーとして返るが、レジストリの状態は壊れず、
// 次のGetが構築を再試行する。
func (r *Registry) Recreate(ctx context.Context) (*backend.Client, error) {
	v, err, _ := r.group.Do("recreate", func() (interface{}, error) {
		return r.recreate(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*backend.Client), nil
}

func (r *Registry) recreate(ctx context.Context) (*backend.Client, error) {
	r.mu.Lock()
	old := r.client
	tracked := make([]*trackedSub, 0, len(r.subs))
	for _, s := range r.subs {
		tracked = append(tracked, s)
	}
	r.subs = make(map[uint64]*trackedSub)
	oldVersion := r.version
	r.mu.Unlock()

	// デコミッション。失敗しても中断しない。破棄対象への後始末の失敗は
	// 軽微なリソースリークに留まり、正しさには影響しない。
	if old != nil {
		for _, s := range tracked {
			func() {
				defer func() {
					if rec := recover(); rec != nil {
						r.logger.Warn("リスナー解除中にpanicが発生しました",
							slog.Any("panic", rec),
						)
					}
				}()
				s.sub.Unsubscribe()
			}()
		}
		old.RemoveAllChannels()
		old.SignOutLocal()
		old.Close()

		r.logger.Info("接続ハンドルをデコミッションしました",
			slog.Int64("version", oldVersion),
			slog.Int("unsubscribed_listeners", len(tracked)),
		)
	}

	client, err := r.factory()
	if err != nil {
		// 古いハンドルは既に破棄済み。次のGetが構築を再試行する。
		r.mu.Lock()
		r.client = nil
		r.mu.Unlock()
		return nil, err
	}

	r.mu.Lock()
	r.client = client
	r.version++
	newVersion := r.version
	callbacks := make([]RecreatedCallback, 0, len(r.recreated))
	for _, id := range r.recreatedIDs {
		if fn, ok := r.recreated[id]; ok {
			callbacks = append(callbacks, fn)
		}
	}
	r.mu.Unlock()

	r.logger.Info("接続ハンドルを再生成しました",
		slog.Int64("version", newVersion),
	)

	// 新ハンドル構築完了後、Recreateが返る前に登録順で同期的に通知する。
	// 1つのコールバックの失敗が他をブロックしないよう個別に回復する。
	for _, fn := range callbacks {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error("再生成コールバックでpanicが発生しました",
						slog.Any("panic", rec),
					)
				}
			}()
			fn(client)
		}()
	}

	return client, nil
}
