// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/hitoshi/websubhub/internal/model"
)

// ErrNotFound は更新対象の購読が存在しない場合に返される。
var ErrNotFound = errors.New("subscription not found")

// TopicRepository はトピックデータの永続化インターフェース。
type TopicRepository interface {
	// ListTopics は登録済みの全トピックを返す。
	ListTopics(ctx context.Context) ([]*model.Topic, error)

	// FindTopicByURL はtopic_urlでトピックを検索する。見つからない場合はnilを返す。
	FindTopicByURL(ctx context.Context, topicURL string) (*model.Topic, error)

	// CreateTopic はトピックを作成し、IDを返す。
	CreateTopic(ctx context.Context, topicURL, topicKey string) (string, error)
}

// SubscriptionRepository は購読データの永続化インターフェース。
// 更新系の操作はすべて単一トランザクションで実行され、失敗時は何も変更しない。
type SubscriptionRepository interface {
	// ListSubscriptions はトピックの全購読を返す。ステータスや期限による絞り込みは行わない。
	ListSubscriptions(ctx context.Context, topicKey string) ([]*model.Subscription, error)

	// CountSubscriptions はトピックの購読数を返す。
	CountSubscriptions(ctx context.Context, topicKey string) (int, error)

	// FindSubscription はトピックとコールバックURLで購読を検索する。見つからない場合はnilを返す。
	FindSubscription(ctx context.Context, topicKey, callback string) (*model.Subscription, error)

	// CreateSubscription はステータスactiveの購読を作成する。
	// topicURLのトピックが未登録の場合は同一トランザクションで作成する。
	CreateSubscription(ctx context.Context, topicURL, topicKey, callback string, leaseSeconds int, secret string) error

	// UpdateSubscription は既存購読のリースとシークレットを置き換え、ステータスをupdatedにする。
	// 対象が存在しない場合はErrNotFoundを返す。
	UpdateSubscription(ctx context.Context, topicID, callback string, leaseSeconds int, secret string) error

	// SetStatus は購読のステータスを変更する。対象が存在しない場合はErrNotFoundを返す。
	SetStatus(ctx context.Context, topicKey, callback string, status model.Status) error

	// DeleteSubscription は購読を削除する。削除した行があった場合にtrueを返す。
	DeleteSubscription(ctx context.Context, topicKey, callback string) (bool, error)

	// ListExpired はnow時点でリースが満了している購読を返す。
	ListExpired(ctx context.Context, now time.Time) ([]*model.Subscription, error)
}

// HealthChecker はストレージの疎通確認インターフェース。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// withTx はfnを1つのトランザクション内で実行する。
// fnがエラーを返した場合はロールバックし、何も書き込まない。
func withTx(ctx context.Context, db TxBeginner, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit()
}
