// Package hub はハブのドメインサービスを提供する。
// HTTPリクエストから切り離したハンドシェイクの実行と、ブローカー購読の復元を担う。
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/websubhub/internal/intent"
	"github.com/hitoshi/websubhub/internal/repository"
)

// ErrClosed は停止後にハンドシェイクを受け付けようとした場合に返される。
var ErrClosed = errors.New("hub service closed")

// Handshaker は意図確認ハンドシェイクのインターフェース。
type Handshaker interface {
	Subscribe(ctx context.Context, req intent.Request) error
	Unsubscribe(ctx context.Context, req intent.Request) error
}

// Restorer はブローカー購読の復元インターフェース。
type Restorer interface {
	Restore(ctx context.Context, topicKey string, callbacks []string) error
	ResubscribePending(ctx context.Context) error
}

// Service はハンドシェイクを非同期に実行し、起動時・再接続時にブローカー購読を復元する。
type Service struct {
	topics     repository.TopicRepository
	subs       repository.SubscriptionRepository
	handshaker Handshaker
	restorer   Restorer
	logger     *slog.Logger
	timeout    time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewService は新しいServiceを生成する。
// timeoutはハンドシェイク1件全体の上限時間。
func NewService(
	topics repository.TopicRepository,
	subs repository.SubscriptionRepository,
	handshaker Handshaker,
	restorer Restorer,
	timeout time.Duration,
	logger *slog.Logger,
) *Service {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		topics:     topics,
		subs:       subs,
		handshaker: handshaker,
		restorer:   restorer,
		logger:     logger,
		timeout:    timeout,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Subscribe は購読ハンドシェイクをバックグラウンドで開始する。
// ハンドシェイクの結果は呼び出し元に返らない。
func (s *Service) Subscribe(req intent.Request) error {
	return s.spawn(intent.ModeSubscribe, req, s.handshaker.Subscribe)
}

// Unsubscribe は購読解除ハンドシェイクをバックグラウンドで開始する。
func (s *Service) Unsubscribe(req intent.Request) error {
	return s.spawn(intent.ModeUnsubscribe, req, s.handshaker.Unsubscribe)
}

func (s *Service) spawn(mode string, req intent.Request, fn func(context.Context, intent.Request) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()

		if err := fn(ctx, req); err != nil {
			level := slog.LevelInfo
			if !errors.Is(err, intent.ErrChallengeMismatch) && !errors.Is(err, intent.ErrPublisherRejected) {
				level = slog.LevelWarn
			}
			s.logger.Log(ctx, level, "handshake aborted",
				slog.String("mode", mode),
				slog.String("topic", req.TopicKey),
				slog.String("callback", req.Callback),
				slog.String("error", err.Error()),
			)
		}
	}()
	return nil
}

// RestoreTopics は永続化済みの全トピックについて、購読数に関わらずブローカー購読を発行する。
// 起動時と再接続時に呼ばれる。1トピックの失敗で他のトピックの復元は止めない。
func (s *Service) RestoreTopics(ctx context.Context) error {
	topics, err := s.topics.ListTopics(ctx)
	if err != nil {
		return fmt.Errorf("トピック一覧の取得に失敗: %w", err)
	}

	var errs []error
	for _, t := range topics {
		subs, err := s.subs.ListSubscriptions(ctx, t.TopicKey)
		if err != nil {
			errs = append(errs, fmt.Errorf("購読一覧の取得に失敗 %q: %w", t.TopicKey, err))
			continue
		}
		callbacks := make([]string, 0, len(subs))
		for _, sub := range subs {
			callbacks = append(callbacks, sub.Callback)
		}
		if err := s.restorer.Restore(ctx, t.TopicKey, callbacks); err != nil {
			errs = append(errs, err)
		}
	}

	if err := s.restorer.ResubscribePending(ctx); err != nil {
		errs = append(errs, err)
	}

	s.logger.Info("ブローカー購読を復元しました",
		slog.Int("topic_count", len(topics)),
		slog.Int("error_count", len(errs)),
	)
	return errors.Join(errs...)
}

// Wait は実行中のハンドシェイクが全て終了するまで待つ。キャンセルはしない。
func (s *Service) Wait() {
	s.wg.Wait()
}

// Close は新規ハンドシェイクの受付を停止し、実行中のハンドシェイクをキャンセルして終了を待つ。
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}
