// Package delivery はブローカーから受信したメッセージのサブスクライバーへの配信を提供する。
// 購読ごとに独立して配信し、結果に応じて購読ステータスを遷移させる。
package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hitoshi/websubhub/internal/metrics"
	"github.com/hitoshi/websubhub/internal/model"
	"github.com/hitoshi/websubhub/internal/repository"
	"github.com/hitoshi/websubhub/internal/syncutil"
)

// drainLimit はコネクション再利用のために読み捨てるレスポンスボディの上限。
const drainLimit = 64 << 10

// Demand はブローカーの購読需要の操作インターフェース。
type Demand interface {
	Release(ctx context.Context, topicKey, callback string) (int, error)
	Unsubscribe(ctx context.Context, topicKey string) error
}

// Options はEngineの動作設定。
type Options struct {
	// HubURL はLinkヘッダーのrel="hub"に設定するハブのURL。
	HubURL string
	// SignatureAlgorithm はX-Hub-Signatureのダイジェストアルゴリズム。
	SignatureAlgorithm string
	// MaxConcurrent は同時に実行する配信の上限。
	MaxConcurrent int
	// Timeout は1配信あたりのタイムアウト。
	Timeout time.Duration
}

// ClassifyDeliveryStatus はHTTPステータスコードを配信結果に分類する。
func ClassifyDeliveryStatus(statusCode int) model.DeliveryOutcome {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return model.OutcomeSuccess
	case statusCode == http.StatusGone:
		return model.OutcomeGone
	default:
		return model.OutcomeFailure
	}
}

// Engine はメッセージをトピックの全サブスクライバーへファンアウトする。
// 同一(topicKey, callback)のステータス遷移はキー単位のロックで直列化し、
// 遷移前に最新のステータスを読み直す。
type Engine struct {
	repo    repository.SubscriptionRepository
	demand  Demand
	client  *http.Client
	signer  *Signer
	metrics metrics.MetricsCollector
	logger  *slog.Logger
	hubURL  string
	timeout time.Duration
	locks   *syncutil.SubscriptionLocks
	sem     chan struct{}

	// Now は現在時刻の取得関数。テストで差し替える。
	Now func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewEngine は新しいEngineを生成する。
// MaxConcurrentが0以下の場合はデフォルト値32を使用する。
// locksはハンドシェイク・期限切れ削除と共有する購読単位のロック。nilの場合は専用のロックを使う。
func NewEngine(
	repo repository.SubscriptionRepository,
	demand Demand,
	client *http.Client,
	locks *syncutil.SubscriptionLocks,
	opts Options,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) (*Engine, error) {
	signer, err := NewSigner(opts.SignatureAlgorithm)
	if err != nil {
		return nil, err
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 32
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if locks == nil {
		locks = syncutil.NewSubscriptionLocks()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		repo:    repo,
		demand:  demand,
		client:  client,
		signer:  signer,
		metrics: collector,
		logger:  logger,
		hubURL:  opts.HubURL,
		timeout: opts.Timeout,
		locks:   locks,
		sem:     make(chan struct{}, opts.MaxConcurrent),
		Now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// HandleMessage はメッセージの配信をバックグラウンドで開始し、完了を待たずに返る。
// 配信はEngineのライフサイクルに紐づき、Closeでキャンセルされる。
func (e *Engine) HandleMessage(_ context.Context, topicKey string, payload []byte) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.logger.Warn("停止済みのため配信をスキップしました", slog.String("topic", topicKey))
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		if err := e.Deliver(e.ctx, topicKey, payload); err != nil {
			e.logger.Error("メッセージの配信に失敗しました",
				slog.String("topic", topicKey),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// Close は進行中の配信をキャンセルし、全て終了するまで待つ。
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
}

// Deliver はtopicKeyの全購読へpayloadを配信し、全ての配信が終わるまで待つ。
// 購読が1件もない場合はブローカーの購読を解除する。
func (e *Engine) Deliver(ctx context.Context, topicKey string, payload []byte) error {
	subs, err := e.repo.ListSubscriptions(ctx, topicKey)
	if err != nil {
		return fmt.Errorf("購読一覧の取得に失敗: %w", err)
	}

	if len(subs) == 0 {
		e.logger.Info("購読者のいないトピックのため上流購読を解除します", slog.String("topic", topicKey))
		if err := e.demand.Unsubscribe(ctx, topicKey); err != nil {
			return fmt.Errorf("上流購読の解除に失敗: %w", err)
		}
		return nil
	}

	// 期限判定はメッセージ単位で同一時刻を使う
	now := e.Now()

	var wg sync.WaitGroup
	for _, sub := range subs {
		select {
		case e.sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		}

		wg.Add(1)
		go func(s *model.Subscription) {
			defer wg.Done()
			defer func() { <-e.sem }()
			e.deliverOne(ctx, s, payload, now)
		}(sub)
	}
	wg.Wait()

	return nil
}

func (e *Engine) deliverOne(ctx context.Context, sub *model.Subscription, payload []byte, now time.Time) {
	if sub.Expired(now) {
		e.logger.Info("リース期限切れの購読を削除します",
			slog.String("topic", sub.TopicKey),
			slog.String("callback", sub.Callback),
			slog.Int64("expires_at", sub.ExpiresAt),
		)
		e.remove(ctx, sub, func(current *model.Subscription) bool {
			return current.Expired(now)
		})
		return
	}

	if sub.Status == model.StatusDisabled {
		e.logger.Debug("無効化された購読への配信をスキップしました",
			slog.String("topic", sub.TopicKey),
			slog.String("callback", sub.Callback),
		)
		return
	}

	start := time.Now()
	outcome, statusCode, err := e.send(ctx, sub, payload)
	e.metrics.RecordDelivery(outcome.String(), time.Since(start))

	attrs := []any{
		slog.String("topic", sub.TopicKey),
		slog.String("callback", sub.Callback),
		slog.String("outcome", outcome.String()),
		slog.Int("http_status", statusCode),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		e.logger.Warn("配信に失敗しました", attrs...)
	} else {
		e.logger.Info("配信が完了しました", attrs...)
	}

	if outcome == model.OutcomeGone {
		e.remove(ctx, sub, nil)
		return
	}
	e.transition(ctx, sub.TopicKey, sub.Callback, outcome)
}

// send はpayloadをcallbackへPOSTし、結果を分類する。
func (e *Engine) send(ctx context.Context, sub *model.Subscription, payload []byte) (model.DeliveryOutcome, int, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.Callback, bytes.NewReader(payload))
	if err != nil {
		return model.OutcomeFailure, 0, fmt.Errorf("リクエストの生成に失敗: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Link", fmt.Sprintf(`<%s>; rel="hub", <%s>; rel="self"`, e.hubURL, sub.TopicURL))
	if sub.HasSecret() {
		req.Header.Set(SignatureHeader, e.signer.Sign(sub.Secret, payload))
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return model.OutcomeFailure, 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, drainLimit))

	outcome := ClassifyDeliveryStatus(resp.StatusCode)
	if outcome == model.OutcomeFailure {
		return outcome, resp.StatusCode, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return outcome, resp.StatusCode, nil
}

// transition は最新のステータスを読み直し、配信結果に応じて遷移させる。
func (e *Engine) transition(ctx context.Context, topicKey, callback string, outcome model.DeliveryOutcome) {
	unlock := e.locks.Lock(topicKey, callback)
	defer unlock()

	current, err := e.repo.FindSubscription(ctx, topicKey, callback)
	if err != nil {
		e.logger.Error("購読の再取得に失敗しました",
			slog.String("topic", topicKey),
			slog.String("callback", callback),
			slog.String("error", err.Error()),
		)
		return
	}
	if current == nil {
		// 配信中に購読解除・削除された
		return
	}

	next := model.NextStatus(current.Status, outcome)
	if next == current.Status {
		return
	}

	if err := e.repo.SetStatus(ctx, topicKey, callback, next); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return
		}
		e.logger.Error("購読ステータスの更新に失敗しました",
			slog.String("topic", topicKey),
			slog.String("callback", callback),
			slog.String("status", string(next)),
			slog.String("error", err.Error()),
		)
		return
	}

	e.logger.Info("購読ステータスを更新しました",
		slog.String("topic", topicKey),
		slog.String("callback", callback),
		slog.String("from", string(current.Status)),
		slog.String("to", string(next)),
	)
}

// remove は購読を削除し、ブローカーの需要を解放する。
// stillAppliesが指定された場合は最新の購読を読み直し、falseなら削除しない。
func (e *Engine) remove(ctx context.Context, sub *model.Subscription, stillApplies func(*model.Subscription) bool) {
	unlock := e.locks.Lock(sub.TopicKey, sub.Callback)
	defer unlock()

	if stillApplies != nil {
		current, err := e.repo.FindSubscription(ctx, sub.TopicKey, sub.Callback)
		if err != nil {
			e.logger.Error("購読の再取得に失敗しました",
				slog.String("topic", sub.TopicKey),
				slog.String("callback", sub.Callback),
				slog.String("error", err.Error()),
			)
			return
		}
		// 再購読でリースが延長された場合など
		if current == nil || !stillApplies(current) {
			return
		}
	}

	deleted, err := e.repo.DeleteSubscription(ctx, sub.TopicKey, sub.Callback)
	if err != nil {
		e.logger.Error("購読の削除に失敗しました",
			slog.String("topic", sub.TopicKey),
			slog.String("callback", sub.Callback),
			slog.String("error", err.Error()),
		)
		return
	}
	if !deleted {
		return
	}

	remaining, err := e.demand.Release(ctx, sub.TopicKey, sub.Callback)
	if err != nil {
		e.logger.Error("上流購読の解除に失敗しました",
			slog.String("topic", sub.TopicKey),
			slog.String("error", err.Error()),
		)
		return
	}
	e.logger.Info("購読を削除しました",
		slog.String("topic", sub.TopicKey),
		slog.String("callback", sub.Callback),
		slog.Int("remaining", remaining),
	)
}
