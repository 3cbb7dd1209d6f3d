// Package broker は上流MQTTブローカーとの購読管理とメッセージ受信を提供する。
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/hitoshi/websubhub/internal/metrics"
	"github.com/hitoshi/websubhub/internal/syncutil"
)

// ErrNotConnected は上流ブローカーに接続していない場合に返される。
var ErrNotConnected = errors.New("broker: not connected")

// Client は上流ブローカーへの購読操作のインターフェース。
type Client interface {
	Subscribe(ctx context.Context, topicKey string) error
	Unsubscribe(ctx context.Context, topicKey string) error
}

// MessageHandler はブローカーから転送されたメッセージを処理する。
type MessageHandler interface {
	HandleMessage(ctx context.Context, topicKey string, payload []byte)
}

// メッセージ処理結果のメトリクスラベル
const (
	resultForwarded = "forwarded"
	resultTooLarge  = "too_large"
	resultMalformed = "malformed"
	resultNoHandler = "no_handler"
)

// BridgeOptions はBridgeの動作設定。
type BridgeOptions struct {
	// MaxContentSize はペイロードの上限バイト数。0以下は無制限。
	MaxContentSize int
	// EnforceJSON がtrueの場合、JSONとして不正なペイロードを破棄する。
	EnforceJSON bool
}

// Bridge はトピックごとの購読需要を管理し、上流ブローカーへの購読・解除を発行する。
// 需要はトピックごとのコールバック集合で表し、空から非空への遷移で上流購読、
// 非空から空への遷移で上流購読解除を行う。同一トピックへの操作はトピック単位のロックで直列化する。
type Bridge struct {
	client  Client
	logger  *slog.Logger
	metrics metrics.MetricsCollector
	opts    BridgeOptions
	locks   *syncutil.KeyedMutex

	mu      sync.Mutex
	demand  map[string]map[string]struct{}
	active  map[string]bool
	handler MessageHandler
}

// NewBridge は新しいBridgeを生成する。
func NewBridge(client Client, opts BridgeOptions, collector metrics.MetricsCollector, logger *slog.Logger) *Bridge {
	return &Bridge{
		client:  client,
		logger:  logger,
		metrics: collector,
		opts:    opts,
		locks:   syncutil.NewKeyedMutex(),
		demand:  make(map[string]map[string]struct{}),
		active:  make(map[string]bool),
	}
}

// SetHandler はメッセージの転送先を設定する。
func (b *Bridge) SetHandler(h MessageHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = h
}

// Subscribe はtopicKeyに対するcallbackの需要を追加する。
// 上流購読が有効でない場合は購読を発行し、失敗した場合は需要を追加せずエラーを返す。
// addedはcallbackが新たに需要として追加された場合にtrueとなる。
func (b *Bridge) Subscribe(ctx context.Context, topicKey, callback string) (added bool, err error) {
	unlock := b.locks.Lock(topicKey)
	defer unlock()

	if !b.isActive(topicKey) {
		if err := b.client.Subscribe(ctx, topicKey); err != nil {
			return false, fmt.Errorf("upstream subscribe %q: %w", topicKey, err)
		}
		b.setActive(topicKey, true)
		b.logger.Info("上流トピックを購読しました", slog.String("topic", topicKey))
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.demand[topicKey]
	if !ok {
		set = make(map[string]struct{})
		b.demand[topicKey] = set
	}
	if _, exists := set[callback]; exists {
		return false, nil
	}
	set[callback] = struct{}{}
	return true, nil
}

// Release はtopicKeyに対するcallbackの需要を取り除き、残りの需要数を返す。
// 需要が0になった場合は上流購読を解除する。
func (b *Bridge) Release(ctx context.Context, topicKey, callback string) (remaining int, err error) {
	unlock := b.locks.Lock(topicKey)
	defer unlock()

	b.mu.Lock()
	set := b.demand[topicKey]
	delete(set, callback)
	remaining = len(set)
	if remaining == 0 {
		delete(b.demand, topicKey)
	}
	b.mu.Unlock()

	if remaining > 0 {
		return remaining, nil
	}
	return 0, b.unsubscribeLocked(ctx, topicKey)
}

// Unsubscribe は需要がないトピックの上流購読を解除する。
// 需要が残っている場合、または上流購読が有効でない場合は何もしない。
func (b *Bridge) Unsubscribe(ctx context.Context, topicKey string) error {
	unlock := b.locks.Lock(topicKey)
	defer unlock()

	if b.Demand(topicKey) > 0 {
		return nil
	}
	return b.unsubscribeLocked(ctx, topicKey)
}

func (b *Bridge) unsubscribeLocked(ctx context.Context, topicKey string) error {
	if !b.isActive(topicKey) {
		return nil
	}
	if err := b.client.Unsubscribe(ctx, topicKey); err != nil {
		return fmt.Errorf("upstream unsubscribe %q: %w", topicKey, err)
	}
	b.setActive(topicKey, false)
	b.logger.Info("上流トピックの購読を解除しました", slog.String("topic", topicKey))
	return nil
}

// Restore は永続化済みの購読から需要を復元し、上流購読を発行する。
// 起動時と再接続時に呼ばれる。既存の需要とは和集合をとる。
// 購読者がいないトピックも上流購読し、最初のメッセージで解除する。
func (b *Bridge) Restore(ctx context.Context, topicKey string, callbacks []string) error {
	unlock := b.locks.Lock(topicKey)
	defer unlock()

	if len(callbacks) > 0 {
		b.mu.Lock()
		set, ok := b.demand[topicKey]
		if !ok {
			set = make(map[string]struct{})
			b.demand[topicKey] = set
		}
		for _, cb := range callbacks {
			set[cb] = struct{}{}
		}
		b.mu.Unlock()
	}

	// 再接続後は上流の購読が失われているため常に発行する
	if err := b.client.Subscribe(ctx, topicKey); err != nil {
		b.setActive(topicKey, false)
		return fmt.Errorf("upstream subscribe %q: %w", topicKey, err)
	}
	b.setActive(topicKey, true)
	return nil
}

// ResubscribePending は需要があるにもかかわらず上流購読が有効でないトピックを再購読する。
// Restoreの対象にならない、永続化前のハンドシェイク中のトピックを拾う。
func (b *Bridge) ResubscribePending(ctx context.Context) error {
	var errs []error
	for _, topicKey := range b.pendingTopics() {
		unlock := b.locks.Lock(topicKey)
		if b.Demand(topicKey) > 0 && !b.isActive(topicKey) {
			if err := b.client.Subscribe(ctx, topicKey); err != nil {
				errs = append(errs, fmt.Errorf("upstream subscribe %q: %w", topicKey, err))
			} else {
				b.setActive(topicKey, true)
			}
		}
		unlock()
	}
	return errors.Join(errs...)
}

// MarkDisconnected は上流との接続断により全ての上流購読が無効になったことを記録する。
// 需要は保持する。
func (b *Bridge) MarkDisconnected() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.active)
	b.metrics.SetBrokerTopics(0)
}

func (b *Bridge) pendingTopics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var keys []string
	for k := range b.demand {
		if !b.active[k] {
			keys = append(keys, k)
		}
	}
	return keys
}

// Demand はtopicKeyの需要数を返す。
func (b *Bridge) Demand(topicKey string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.demand[topicKey])
}

// ActiveTopics は上流購読が有効なトピック数を返す。
func (b *Bridge) ActiveTopics() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.active)
}

func (b *Bridge) isActive(topicKey string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active[topicKey]
}

func (b *Bridge) setActive(topicKey string, active bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if active {
		b.active[topicKey] = true
	} else {
		delete(b.active, topicKey)
	}
	b.metrics.SetBrokerTopics(len(b.active))
}

// OnMessage はブローカーから受信したメッセージを検査し、ハンドラーへ転送する。
// 上限サイズを超えるペイロード、およびEnforceJSON時の不正なJSONは破棄する。
func (b *Bridge) OnMessage(ctx context.Context, topicKey string, payload []byte) {
	if b.opts.MaxContentSize > 0 && len(payload) > b.opts.MaxContentSize {
		b.logger.Warn("サイズ上限を超えたメッセージを破棄しました",
			slog.String("topic", topicKey),
			slog.Int("size", len(payload)),
			slog.Int("max_size", b.opts.MaxContentSize),
		)
		b.metrics.RecordBrokerMessage(resultTooLarge)
		return
	}

	if b.opts.EnforceJSON && !gjson.ValidBytes(payload) {
		b.logger.Warn("不正なJSONメッセージを破棄しました", slog.String("topic", topicKey))
		b.metrics.RecordBrokerMessage(resultMalformed)
		return
	}

	b.mu.Lock()
	h := b.handler
	b.mu.Unlock()
	if h == nil {
		b.logger.Warn("メッセージハンドラが登録されていません", slog.String("topic", topicKey))
		b.metrics.RecordBrokerMessage(resultNoHandler)
		return
	}

	b.metrics.RecordBrokerMessage(resultForwarded)
	h.HandleMessage(ctx, topicKey, payload)
}
