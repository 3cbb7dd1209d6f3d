// Package expiry はリースが満了した購読の定期削除ジョブを提供する。
// 配信時の期限チェックと同じ効果を、メッセージの到着を待たずに得る。
package expiry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/websubhub/internal/repository"
	"github.com/hitoshi/websubhub/internal/syncutil"
)

// Releaser はブローカーの購読需要を解放するインターフェース。
type Releaser interface {
	Release(ctx context.Context, topicKey, callback string) (int, error)
}

// Job はリース満了の購読を削除し、ブローカーの需要を解放するジョブ。
// 冪等: 削除対象がない場合でもエラーにならない。
type Job struct {
	repo   repository.SubscriptionRepository
	demand Releaser
	locks  *syncutil.SubscriptionLocks
	logger *slog.Logger

	// Now は現在時刻の取得関数。テストで差し替える。
	Now func() time.Time
}

// NewJob は新しいJobを生成する。
// locksはハンドシェイク・配信と共有する購読単位のロック。nilの場合は専用のロックを使う。
func NewJob(repo repository.SubscriptionRepository, demand Releaser, locks *syncutil.SubscriptionLocks, logger *slog.Logger) *Job {
	if locks == nil {
		locks = syncutil.NewSubscriptionLocks()
	}
	return &Job{
		repo:   repo,
		demand: demand,
		locks:  locks,
		logger: logger,
		Now:    time.Now,
	}
}

// Start はintervalごとにRunを実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *Job) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("期限切れ購読の削除ジョブを開始しました", slog.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("期限切れ購読の削除ジョブを停止しました")
			return
		case <-ticker.C:
			if _, err := j.Run(ctx); err != nil {
				j.logger.Error("期限切れ購読の削除に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Run はリース満了の購読を1回削除し、削除件数を返す。
// 一覧取得後に再購読された購読は削除しない。
func (j *Job) Run(ctx context.Context) (int, error) {
	start := time.Now()
	now := j.Now()

	expired, err := j.repo.ListExpired(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("期限切れ購読の取得に失敗: %w", err)
	}

	deleted := 0
	for _, sub := range expired {
		ok, err := j.expire(ctx, sub.TopicKey, sub.Callback, now)
		if err != nil {
			return deleted, err
		}
		if ok {
			deleted++
		}
	}

	j.logger.Info("期限切れ購読の削除が完了しました",
		slog.Int("deleted_count", deleted),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return deleted, nil
}

// expire は購読が満了したままであれば削除し、ブローカーの需要を解放する。
// 再読込から需要解放までを購読単位のロック下で行い、再購読と交錯させない。
func (j *Job) expire(ctx context.Context, topicKey, callback string, now time.Time) (bool, error) {
	unlock := j.locks.Lock(topicKey, callback)
	defer unlock()

	current, err := j.repo.FindSubscription(ctx, topicKey, callback)
	if err != nil {
		return false, fmt.Errorf("購読の取得に失敗: %w", err)
	}
	if current == nil || !current.Expired(now) {
		return false, nil
	}

	ok, err := j.repo.DeleteSubscription(ctx, topicKey, callback)
	if err != nil {
		return false, fmt.Errorf("購読の削除に失敗: %w", err)
	}
	if !ok {
		return false, nil
	}

	if _, err := j.demand.Release(ctx, topicKey, callback); err != nil {
		j.logger.Warn("ブローカー需要の解放に失敗しました",
			slog.String("topic", topicKey),
			slog.String("error", err.Error()),
		)
	}
	return true, nil
}
