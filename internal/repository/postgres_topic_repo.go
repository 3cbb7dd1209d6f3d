package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/hitoshi/websubhub/internal/model"
)

// PostgresTopicRepo はPostgreSQLを使用したトピックリポジトリ。
type PostgresTopicRepo struct {
	db *sql.DB
}

// NewPostgresTopicRepo はPostgresTopicRepoを生成する。
func NewPostgresTopicRepo(db *sql.DB) *PostgresTopicRepo {
	return &PostgresTopicRepo{db: db}
}

// ListTopics は登録済みの全トピックを返す。
func (r *PostgresTopicRepo) ListTopics(ctx context.Context) ([]*model.Topic, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, topic_url, topic_key, created_at FROM topics ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("トピック一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var topics []*model.Topic
	for rows.Next() {
		t := &model.Topic{}
		if err := rows.Scan(&t.ID, &t.TopicURL, &t.TopicKey, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("トピック行の読み取りに失敗しました: %w", err)
		}
		topics = append(topics, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("トピック一覧の走査に失敗しました: %w", err)
	}
	return topics, nil
}

// FindTopicByURL はtopic_urlでトピックを検索する。見つからない場合はnilを返す。
func (r *PostgresTopicRepo) FindTopicByURL(ctx context.Context, topicURL string) (*model.Topic, error) {
	t := &model.Topic{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, topic_url, topic_key, created_at FROM topics WHERE topic_url = $1`,
		topicURL,
	).Scan(&t.ID, &t.TopicURL, &t.TopicKey, &t.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("トピックの検索に失敗しました: %w", err)
	}
	return t, nil
}

// CreateTopic はトピックを作成し、IDを返す。
// 同じtopic_urlが既に存在する場合は既存のIDを返す。
func (r *PostgresTopicRepo) CreateTopic(ctx context.Context, topicURL, topicKey string) (string, error) {
	var id string
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		var err error
		id, err = ensureTopic(ctx, tx, topicURL, topicKey)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("トピックの作成に失敗しました: %w", err)
	}
	return id, nil
}

// ensureTopic はトランザクション内でトピックを取得し、なければ作成してIDを返す。
func ensureTopic(ctx context.Context, tx *sql.Tx, topicURL, topicKey string) (string, error) {
	var id string
	err := tx.QueryRowContext(ctx,
		`INSERT INTO topics (id, topic_url, topic_key, created_at)
		 VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (topic_url) DO NOTHING
		 RETURNING id`,
		uuid.NewString(), topicURL, topicKey,
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", err
	}

	// 既存トピック
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM topics WHERE topic_url = $1`,
		topicURL,
	).Scan(&id)
	if err != nil {
		return "", err
	}
	return id, nil
}

// compile-time interface check
var _ TopicRepository = (*PostgresTopicRepo)(nil)
