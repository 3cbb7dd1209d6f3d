package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/websubhub/internal/model"
)

// PostgresSubscriptionRepo はPostgreSQLを使用した購読リポジトリ。
type PostgresSubscriptionRepo struct {
	db *sql.DB
}

// NewPostgresSubscriptionRepo はPostgresSubscriptionRepoを生成する。
func NewPostgresSubscriptionRepo(db *sql.DB) *PostgresSubscriptionRepo {
	return &PostgresSubscriptionRepo{db: db}
}

// subscriptionColumns はview_subscriptionsから読み取る列。scanSubscriptionと順序を揃えること。
const subscriptionColumns = `id, topic_id, topic_key, topic_url, callback, secret, status, created_at, updated_at, expires_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*model.Subscription, error) {
	sub := &model.Subscription{}
	var secret sql.NullString
	var updatedAt sql.NullTime
	if err := row.Scan(
		&sub.ID, &sub.TopicID, &sub.TopicKey, &sub.TopicURL, &sub.Callback,
		&secret, &sub.Status, &sub.CreatedAt, &updatedAt, &sub.ExpiresAt,
	); err != nil {
		return nil, err
	}
	sub.Secret = secret.String
	if updatedAt.Valid {
		t := updatedAt.Time
		sub.UpdatedAt = &t
	}
	return sub, nil
}

func nullableSecret(secret string) sql.NullString {
	return sql.NullString{String: secret, Valid: secret != ""}
}

// ListSubscriptions はトピックの全購読を返す。
func (r *PostgresSubscriptionRepo) ListSubscriptions(ctx context.Context, topicKey string) ([]*model.Subscription, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+subscriptionColumns+` FROM view_subscriptions
		 WHERE topic_key = $1 ORDER BY created_at ASC`,
		topicKey,
	)
	if err != nil {
		return nil, fmt.Errorf("購読一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var subs []*model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("購読行の読み取りに失敗しました: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("購読一覧の走査に失敗しました: %w", err)
	}
	return subs, nil
}

// CountSubscriptions はトピックの購読数を返す。
func (r *PostgresSubscriptionRepo) CountSubscriptions(ctx context.Context, topicKey string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM view_subscriptions WHERE topic_key = $1`,
		topicKey,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("購読数の取得に失敗しました: %w", err)
	}
	return count, nil
}

// FindSubscription はトピックとコールバックURLで購読を検索する。見つからない場合はnilを返す。
func (r *PostgresSubscriptionRepo) FindSubscription(ctx context.Context, topicKey, callback string) (*model.Subscription, error) {
	sub, err := scanSubscription(r.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM view_subscriptions
		 WHERE topic_key = $1 AND callback = $2`,
		topicKey, callback,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("購読の検索に失敗しました: %w", err)
	}
	return sub, nil
}

// CreateSubscription はステータスactiveの購読を作成する。
// トピックの作成と購読の挿入は同一トランザクションで行う。
// 並行する検証で同じ購読が先に作成されていた場合は再購読として扱い、updatedにする。
func (r *PostgresSubscriptionRepo) CreateSubscription(ctx context.Context, topicURL, topicKey, callback string, leaseSeconds int, secret string) error {
	now := time.Now()
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		topicID, err := ensureTopic(ctx, tx, topicURL, topicKey)
		if err != nil {
			return fmt.Errorf("トピックの取得に失敗: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO subscriptions (id, topic_id, callback, secret, status, created_at, expires_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (topic_id, callback) DO UPDATE
			 SET secret = EXCLUDED.secret, expires_at = EXCLUDED.expires_at,
			     status = $8, updated_at = EXCLUDED.created_at`,
			uuid.NewString(), topicID, callback, nullableSecret(secret), model.StatusActive,
			now, model.ExpiresAt(now, leaseSeconds), model.StatusUpdated,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("購読の作成に失敗しました: %w", err)
	}
	return nil
}

// UpdateSubscription は既存購読のリースとシークレットを置き換え、ステータスをupdatedにする。
func (r *PostgresSubscriptionRepo) UpdateSubscription(ctx context.Context, topicID, callback string, leaseSeconds int, secret string) error {
	now := time.Now()
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`UPDATE subscriptions SET secret = $3, updated_at = $4, expires_at = $5, status = $6
			 WHERE topic_id = $1 AND callback = $2`,
			topicID, callback, nullableSecret(secret), now, model.ExpiresAt(now, leaseSeconds), model.StatusUpdated,
		)
		if err != nil {
			return err
		}
		return requireOneRow(result)
	})
	if err != nil {
		return fmt.Errorf("購読の更新に失敗しました: %w", err)
	}
	return nil
}

// SetStatus は購読のステータスを変更する。
func (r *PostgresSubscriptionRepo) SetStatus(ctx context.Context, topicKey, callback string, status model.Status) error {
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`UPDATE subscriptions s SET status = $3, updated_at = NOW()
			 FROM topics t
			 WHERE s.topic_id = t.id AND t.topic_key = $1 AND s.callback = $2`,
			topicKey, callback, status,
		)
		if err != nil {
			return err
		}
		return requireOneRow(result)
	})
	if err != nil {
		return fmt.Errorf("購読ステータスの更新に失敗しました: %w", err)
	}
	return nil
}

// DeleteSubscription は購読を削除する。トピックは削除しない。
func (r *PostgresSubscriptionRepo) DeleteSubscription(ctx context.Context, topicKey, callback string) (bool, error) {
	var deleted bool
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`DELETE FROM subscriptions
			 WHERE topic_id = (SELECT id FROM topics WHERE topic_key = $1) AND callback = $2`,
			topicKey, callback,
		)
		if err != nil {
			return err
		}
		n, err := result.RowsAffected()
		if err != nil {
			return err
		}
		deleted = n > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("購読の削除に失敗しました: %w", err)
	}
	return deleted, nil
}

// ListExpired はnow時点でリースが満了している購読を返す。
func (r *PostgresSubscriptionRepo) ListExpired(ctx context.Context, now time.Time) ([]*model.Subscription, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+subscriptionColumns+` FROM view_subscriptions
		 WHERE expires_at < $1 ORDER BY expires_at ASC`,
		now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("期限切れ購読の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var subs []*model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("購読行の読み取りに失敗しました: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("期限切れ購読の走査に失敗しました: %w", err)
	}
	return subs, nil
}

// requireOneRow は更新結果が1行以上であることを確認する。0行の場合はErrNotFoundを返す。
func requireOneRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新結果の取得に失敗: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// compile-time interface check
var _ SubscriptionRepository = (*PostgresSubscriptionRepo)(nil)
