// Package intent は購読・購読解除の意図確認ハンドシェイクを提供する。
package intent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/websubhub/internal/metrics"
	"github.com/hitoshi/websubhub/internal/repository"
	"github.com/hitoshi/websubhub/internal/syncutil"
)

var (
	// ErrPublisherRejected はパブリッシャーがトピックの提供を確認できなかった場合に返される。
	ErrPublisherRejected = errors.New("publisher rejected topic")
	// ErrChallengeMismatch はサブスクライバーのチャレンジ応答が不正な場合に返される。
	ErrChallengeMismatch = errors.New("challenge mismatch")
)

// maxChallengeResponse はチャレンジ応答として読み込むボディの上限バイト数。
const maxChallengeResponse = 4 << 10

// ハンドシェイク結果のメトリクスラベル
const (
	resultVerified          = "verified"
	resultPublisherRejected = "publisher_rejected"
	resultChallengeFailed   = "challenge_failed"
	resultBrokerFailed      = "broker_failed"
	resultStorageFailed     = "storage_failed"
)

// モード
const (
	ModeSubscribe   = "subscribe"
	ModeUnsubscribe = "unsubscribe"
)

// Request はハンドシェイク1件分の入力。
// LeaseSecondsは呼び出し側で丸め済みであること。
type Request struct {
	TopicURL     string
	TopicKey     string
	Callback     string
	LeaseSeconds int
	Secret       string
}

// PublisherCheck はパブリッシャーの意図確認のインターフェース。
type PublisherCheck interface {
	Check(ctx context.Context, topicURL, topicKey string) error
}

// Bridge はブローカーの購読需要の操作インターフェース。
type Bridge interface {
	Subscribe(ctx context.Context, topicKey, callback string) (bool, error)
	Release(ctx context.Context, topicKey, callback string) (int, error)
}

// Verifier は購読・購読解除の意図確認を行い、成功時に永続化とブローカー購読を行う。
type Verifier struct {
	repo      repository.SubscriptionRepository
	bridge    Bridge
	publisher PublisherCheck
	client    *http.Client
	locks     *syncutil.SubscriptionLocks
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	timeout   time.Duration
}

// NewVerifier は新しいVerifierを生成する。
// timeoutはサブスクライバーへの1リクエストあたりのタイムアウト。
// locksは配信・期限切れ削除と共有する購読単位のロック。nilの場合は専用のロックを使う。
func NewVerifier(
	repo repository.SubscriptionRepository,
	bridge Bridge,
	publisher PublisherCheck,
	client *http.Client,
	locks *syncutil.SubscriptionLocks,
	timeout time.Duration,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *Verifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if locks == nil {
		locks = syncutil.NewSubscriptionLocks()
	}
	return &Verifier{
		repo:      repo,
		bridge:    bridge,
		publisher: publisher,
		client:    client,
		locks:     locks,
		metrics:   collector,
		logger:    logger,
		timeout:   timeout,
	}
}

// Subscribe は購読ハンドシェイクを実行する。
//  1. パブリッシャー確認。失敗時は拒否通知を送って中断する。
//  2. サブスクライバーへのチャレンジ。失敗時は通知せずに中断する。
//  3. ブローカー購読。失敗時は拒否通知を送って中断する。
//  4. 購読の作成、または既存購読の更新。
func (v *Verifier) Subscribe(ctx context.Context, req Request) error {
	log := v.logger.With(slog.String("topic", req.TopicKey), slog.String("callback", req.Callback))

	if err := v.publisher.Check(ctx, req.TopicURL, req.TopicKey); err != nil {
		v.metrics.RecordHandshake(ModeSubscribe, resultPublisherRejected)
		v.deny(ctx, req, err, log)
		return err
	}

	params := map[string]string{
		"hub.lease_seconds": strconv.Itoa(req.LeaseSeconds),
	}
	if req.Secret != "" {
		params["hub.secret"] = req.Secret
	}
	if err := v.verifyIntent(ctx, ModeSubscribe, req, params); err != nil {
		v.metrics.RecordHandshake(ModeSubscribe, resultChallengeFailed)
		return err
	}

	// 需要の追加と永続化の間に削除経路の需要解放が割り込まないよう購読単位で直列化する
	unlock := v.locks.Lock(req.TopicKey, req.Callback)
	added, err := v.bridge.Subscribe(ctx, req.TopicKey, req.Callback)
	if err != nil {
		unlock()
		v.metrics.RecordHandshake(ModeSubscribe, resultBrokerFailed)
		v.deny(ctx, req, &RejectionError{Code: DenialBrokerSubscribe, Reason: ReasonBrokerSubscribe, Err: err}, log)
		return err
	}
	defer unlock()

	if err := v.persist(ctx, req); err != nil {
		v.metrics.RecordHandshake(ModeSubscribe, resultStorageFailed)
		if added {
			if _, relErr := v.bridge.Release(ctx, req.TopicKey, req.Callback); relErr != nil {
				log.Error("ブローカー需要の解放に失敗しました", slog.String("error", relErr.Error()))
			}
		}
		return err
	}

	v.metrics.RecordHandshake(ModeSubscribe, resultVerified)
	log.Info("購読を検証しました", slog.Int("lease_seconds", req.LeaseSeconds))
	return nil
}

// persist は購読を作成する。既存の購読がある場合はリースとシークレットを更新する。
func (v *Verifier) persist(ctx context.Context, req Request) error {
	existing, err := v.repo.FindSubscription(ctx, req.TopicKey, req.Callback)
	if err != nil {
		return fmt.Errorf("failed to find subscription: %w", err)
	}
	if existing == nil {
		if err := v.repo.CreateSubscription(ctx, req.TopicURL, req.TopicKey, req.Callback, req.LeaseSeconds, req.Secret); err != nil {
			return fmt.Errorf("failed to create subscription: %w", err)
		}
		return nil
	}
	if err := v.repo.UpdateSubscription(ctx, existing.TopicID, req.Callback, req.LeaseSeconds, req.Secret); err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	return nil
}

// Unsubscribe は購読解除ハンドシェイクを実行する。
// チャレンジに失敗した場合は購読を一切変更せず、拒否通知も送らない。
func (v *Verifier) Unsubscribe(ctx context.Context, req Request) error {
	log := v.logger.With(slog.String("topic", req.TopicKey), slog.String("callback", req.Callback))

	if err := v.verifyIntent(ctx, ModeUnsubscribe, req, nil); err != nil {
		v.metrics.RecordHandshake(ModeUnsubscribe, resultChallengeFailed)
		return err
	}

	unlock := v.locks.Lock(req.TopicKey, req.Callback)
	defer unlock()

	deleted, err := v.repo.DeleteSubscription(ctx, req.TopicKey, req.Callback)
	if err != nil {
		v.metrics.RecordHandshake(ModeUnsubscribe, resultStorageFailed)
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	if deleted {
		remaining, err := v.bridge.Release(ctx, req.TopicKey, req.Callback)
		if err != nil {
			log.Error("ブローカー需要の解放に失敗しました", slog.String("error", err.Error()))
		} else {
			log.Debug("ブローカー需要を解放しました", slog.Int("remaining", remaining))
		}
	}

	v.metrics.RecordHandshake(ModeUnsubscribe, resultVerified)
	log.Info("購読解除を検証しました", slog.Bool("deleted", deleted))
	return nil
}

// verifyIntent はcallbackにチャレンジを送り、応答がチャレンジと一致するかを検証する。
// 200以外のステータス、text/plain; charset=utf-8以外のContent-Type、ボディの不一致、
// 通信エラーはすべてErrChallengeMismatchとして扱う。
func (v *Verifier) verifyIntent(ctx context.Context, mode string, req Request, extra map[string]string) error {
	challenge, err := NewChallenge()
	if err != nil {
		return err
	}

	params := map[string]string{
		"hub.mode":      mode,
		"hub.topic":     req.TopicURL,
		"hub.challenge": challenge,
	}
	for k, val := range extra {
		params[k] = val
	}
	target, err := callbackURL(req.Callback, params)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrChallengeMismatch, err)
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrChallengeMismatch, err)
	}

	resp, err := v.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrChallengeMismatch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrChallengeMismatch, resp.StatusCode)
	}
	if err := checkChallengeContentType(resp.Header.Get("Content-Type")); err != nil {
		return err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxChallengeResponse))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrChallengeMismatch, err)
	}
	if !bytes.Equal(body, []byte(challenge)) {
		return fmt.Errorf("%w: body does not match", ErrChallengeMismatch)
	}
	return nil
}

// deny は拒否通知を送り、メトリクスを記録する。
func (v *Verifier) deny(ctx context.Context, req Request, cause error, log *slog.Logger) {
	code, reason := DenialPublisherConnect, ReasonPublisherConnect
	var rej *RejectionError
	if errors.As(cause, &rej) {
		code, reason = rej.Code, rej.Reason
	}

	v.metrics.RecordDenial(code)
	log.Warn("購読を拒否しました", slog.String("reason", reason), slog.String("error", cause.Error()))

	if err := v.sendDenial(ctx, req, reason); err != nil {
		log.Warn("拒否通知の送信に失敗しました", slog.String("error", err.Error()))
	}
}
