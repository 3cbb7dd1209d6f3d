package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/websubhub/internal/model"
)

// MemoryRepo はプロセス内メモリに保持するリポジトリ。
// TopicRepositoryとSubscriptionRepositoryの両方を実装する。
// 再起動で内容は失われるため、開発環境とテストでの利用を想定する。
type MemoryRepo struct {
	// Now は現在時刻の取得関数。テストで差し替える。
	Now func() time.Time

	mu     sync.Mutex
	topics map[string]*model.Topic // topic_url -> topic
	subs   map[memoryKey]*model.Subscription
}

type memoryKey struct {
	topicKey string
	callback string
}

// NewMemoryRepo は空のMemoryRepoを生成する。
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		Now:    time.Now,
		topics: make(map[string]*model.Topic),
		subs:   make(map[memoryKey]*model.Subscription),
	}
}

func cloneSubscription(s *model.Subscription) *model.Subscription {
	c := *s
	if s.UpdatedAt != nil {
		t := *s.UpdatedAt
		c.UpdatedAt = &t
	}
	return &c
}

// ListTopics は登録済みの全トピックを作成順に返す。
func (r *MemoryRepo) ListTopics(_ context.Context) ([]*model.Topic, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	topics := make([]*model.Topic, 0, len(r.topics))
	for _, t := range r.topics {
		c := *t
		topics = append(topics, &c)
	}
	sort.Slice(topics, func(i, j int) bool {
		return topics[i].CreatedAt.Before(topics[j].CreatedAt)
	})
	return topics, nil
}

// FindTopicByURL はtopic_urlでトピックを検索する。
func (r *MemoryRepo) FindTopicByURL(_ context.Context, topicURL string) (*model.Topic, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.topics[topicURL]
	if !ok {
		return nil, nil
	}
	c := *t
	return &c, nil
}

// CreateTopic はトピックを作成し、IDを返す。既存の場合はそのIDを返す。
func (r *MemoryRepo) CreateTopic(_ context.Context, topicURL, topicKey string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ensureTopicLocked(topicURL, topicKey).ID, nil
}

func (r *MemoryRepo) ensureTopicLocked(topicURL, topicKey string) *model.Topic {
	if t, ok := r.topics[topicURL]; ok {
		return t
	}
	t := &model.Topic{
		ID:        uuid.NewString(),
		TopicURL:  topicURL,
		TopicKey:  topicKey,
		CreatedAt: r.Now(),
	}
	r.topics[topicURL] = t
	return t
}

// ListSubscriptions はトピックの全購読を作成順に返す。
func (r *MemoryRepo) ListSubscriptions(_ context.Context, topicKey string) ([]*model.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var subs []*model.Subscription
	for k, s := range r.subs {
		if k.topicKey == topicKey {
			subs = append(subs, cloneSubscription(s))
		}
	}
	sortSubscriptions(subs)
	return subs, nil
}

// CountSubscriptions はトピックの購読数を返す。
func (r *MemoryRepo) CountSubscriptions(_ context.Context, topicKey string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for k := range r.subs {
		if k.topicKey == topicKey {
			n++
		}
	}
	return n, nil
}

// FindSubscription はトピックとコールバックURLで購読を検索する。
func (r *MemoryRepo) FindSubscription(_ context.Context, topicKey, callback string) (*model.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.subs[memoryKey{topicKey, callback}]
	if !ok {
		return nil, nil
	}
	return cloneSubscription(s), nil
}

// CreateSubscription はステータスactiveの購読を作成する。
// 既に存在する場合はPostgres実装と同様に再購読として扱う。
func (r *MemoryRepo) CreateSubscription(_ context.Context, topicURL, topicKey, callback string, leaseSeconds int, secret string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.Now()
	t := r.ensureTopicLocked(topicURL, topicKey)
	key := memoryKey{t.TopicKey, callback}

	if s, ok := r.subs[key]; ok {
		s.Secret = secret
		s.ExpiresAt = model.ExpiresAt(now, leaseSeconds)
		s.Status = model.StatusUpdated
		s.UpdatedAt = &now
		return nil
	}

	r.subs[key] = &model.Subscription{
		ID:        uuid.NewString(),
		TopicID:   t.ID,
		TopicKey:  t.TopicKey,
		TopicURL:  t.TopicURL,
		Callback:  callback,
		Secret:    secret,
		Status:    model.StatusActive,
		CreatedAt: now,
		ExpiresAt: model.ExpiresAt(now, leaseSeconds),
	}
	return nil
}

// UpdateSubscription は既存購読のリースとシークレットを置き換え、ステータスをupdatedにする。
func (r *MemoryRepo) UpdateSubscription(_ context.Context, topicID, callback string, leaseSeconds int, secret string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for k, s := range r.subs {
		if s.TopicID != topicID || k.callback != callback {
			continue
		}
		now := r.Now()
		s.Secret = secret
		s.ExpiresAt = model.ExpiresAt(now, leaseSeconds)
		s.Status = model.StatusUpdated
		s.UpdatedAt = &now
		return nil
	}
	return ErrNotFound
}

// SetStatus は購読のステータスを変更する。
func (r *MemoryRepo) SetStatus(_ context.Context, topicKey, callback string, status model.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.subs[memoryKey{topicKey, callback}]
	if !ok {
		return ErrNotFound
	}
	now := r.Now()
	s.Status = status
	s.UpdatedAt = &now
	return nil
}

// DeleteSubscription は購読を削除する。
func (r *MemoryRepo) DeleteSubscription(_ context.Context, topicKey, callback string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := memoryKey{topicKey, callback}
	if _, ok := r.subs[key]; !ok {
		return false, nil
	}
	delete(r.subs, key)
	return true, nil
}

// ListExpired はnow時点でリースが満了している購読を返す。
func (r *MemoryRepo) ListExpired(_ context.Context, now time.Time) ([]*model.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var subs []*model.Subscription
	for _, s := range r.subs {
		if s.Expired(now) {
			subs = append(subs, cloneSubscription(s))
		}
	}
	sortSubscriptions(subs)
	return subs, nil
}

// PingContext は常に成功する。
func (r *MemoryRepo) PingContext(_ context.Context) error {
	return nil
}

func sortSubscriptions(subs []*model.Subscription) {
	sort.Slice(subs, func(i, j int) bool {
		if subs[i].CreatedAt.Equal(subs[j].CreatedAt) {
			return subs[i].Callback < subs[j].Callback
		}
		return subs[i].CreatedAt.Before(subs[j].CreatedAt)
	})
}

var (
	_ TopicRepository        = (*MemoryRepo)(nil)
	_ SubscriptionRepository = (*MemoryRepo)(nil)
	_ HealthChecker          = (*MemoryRepo)(nil)
)
