package intent

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/websubhub/internal/metrics"
	"github.com/hitoshi/websubhub/internal/model"
	"github.com/hitoshi/websubhub/internal/repository"
)

const (
	testTopicURL = "http://sta.example.com/v1.1/Datastreams(1)/Observations"
	testTopicKey = "Datastreams(1)/Observations"
)

// fakeBridge はBridgeのモック。
type fakeBridge struct {
	mu           sync.Mutex
	subscribeErr error
	demand       map[string]bool
	released     int
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{demand: make(map[string]bool)}
}

func (f *fakeBridge) Subscribe(_ context.Context, topicKey, callback string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return false, f.subscribeErr
	}
	k := topicKey + " " + callback
	if f.demand[k] {
		return false, nil
	}
	f.demand[k] = true
	return true, nil
}

func (f *fakeBridge) Release(_ context.Context, topicKey, callback string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.demand, topicKey+" "+callback)
	f.released++
	return len(f.demand), nil
}

func (f *fakeBridge) demandCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.demand)
}

// fakePublisher はPublisherCheckのモック。
type fakePublisher struct {
	err error
}

func (f *fakePublisher) Check(context.Context, string, string) error {
	return f.err
}

// callbackBehavior はテスト用サブスクライバーのチャレンジへの応答方法。
type callbackBehavior int

const (
	echoChallenge callbackBehavior = iota
	wrongBody
	wrongContentType
	wrongCharset
	notFound
)

// callbackServer はハブからのGETを記録するテスト用サブスクライバー。
type callbackServer struct {
	*httptest.Server
	mu       sync.Mutex
	behavior callbackBehavior
	queries  []url.Values
}

func newCallbackServer(t *testing.T, behavior callbackBehavior) *callbackServer {
	t.Helper()
	s := &callbackServer{behavior: behavior}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		s.mu.Lock()
		s.queries = append(s.queries, q)
		s.mu.Unlock()

		if q.Get("hub.mode") == "denied" {
			w.WriteHeader(http.StatusOK)
			return
		}
		switch s.behavior {
		case echoChallenge:
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Write([]byte(q.Get("hub.challenge")))
		case wrongBody:
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Write([]byte("nope"))
		case wrongContentType:
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.Write([]byte(q.Get("hub.challenge")))
		case wrongCharset:
			w.Header().Set("Content-Type", "text/plain; charset=iso-8859-1")
			w.Write([]byte(q.Get("hub.challenge")))
		case notFound:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *callbackServer) requests() []url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]url.Values(nil), s.queries...)
}

func (s *callbackServer) denials() []url.Values {
	var out []url.Values
	for _, q := range s.requests() {
		if q.Get("hub.mode") == "denied" {
			out = append(out, q)
		}
	}
	return out
}

type verifierEnv struct {
	verifier  *Verifier
	repo      *repository.MemoryRepo
	bridge    *fakeBridge
	publisher *fakePublisher
	logs      *bytes.Buffer
}

func newVerifierEnv(t *testing.T) *verifierEnv {
	t.Helper()
	var buf bytes.Buffer
	repo := repository.NewMemoryRepo()
	bridge := newFakeBridge()
	publisher := &fakePublisher{}
	v := NewVerifier(repo, bridge, publisher, http.DefaultClient, nil, 2*time.Second,
		metrics.NewCollector(prometheus.NewRegistry()), newTestLogger(&buf))
	return &verifierEnv{verifier: v, repo: repo, bridge: bridge, publisher: publisher, logs: &buf}
}

func (env *verifierEnv) find(t *testing.T, callback string) *model.Subscription {
	t.Helper()
	sub, err := env.repo.FindSubscription(context.Background(), testTopicKey, callback)
	if err != nil {
		t.Fatalf("FindSubscription: %v", err)
	}
	return sub
}

func subscribeRequest(callback string) Request {
	return Request{
		TopicURL:     testTopicURL,
		TopicKey:     testTopicKey,
		Callback:     callback,
		LeaseSeconds: 1800,
	}
}

func TestVerifier_Subscribe_CreatesActiveSubscription(t *testing.T) {
	env := newVerifierEnv(t)
	cb := newCallbackServer(t, echoChallenge)

	req := subscribeRequest(cb.URL + "/hook")
	req.Secret = "s3cret"
	if err := env.verifier.Subscribe(context.Background(), req); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	sub := env.find(t, req.Callback)
	if sub == nil {
		t.Fatal("subscription should be created")
	}
	if sub.Status != model.StatusActive {
		t.Errorf("Status = %q, want active", sub.Status)
	}
	if sub.Secret != "s3cret" {
		t.Errorf("Secret = %q, want s3cret", sub.Secret)
	}
	if env.bridge.demandCount() != 1 {
		t.Errorf("demand = %d, want 1", env.bridge.demandCount())
	}

	reqs := cb.requests()
	if len(reqs) != 1 {
		t.Fatalf("callback requests = %d, want 1", len(reqs))
	}
	q := reqs[0]
	if q.Get("hub.mode") != "subscribe" || q.Get("hub.topic") != testTopicURL {
		t.Errorf("query = %v", q)
	}
	if q.Get("hub.lease_seconds") != "1800" || q.Get("hub.secret") != "s3cret" {
		t.Errorf("query = %v", q)
	}
	if q.Get("hub.challenge") == "" {
		t.Error("hub.challenge should be set")
	}
}

// 既存のクエリパラメータが保持されることを検証
func TestVerifier_Subscribe_PreservesCallbackQuery(t *testing.T) {
	env := newVerifierEnv(t)
	cb := newCallbackServer(t, echoChallenge)

	req := subscribeRequest(cb.URL + "/hook?id=42")
	if err := env.verifier.Subscribe(context.Background(), req); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	q := cb.requests()[0]
	if q.Get("id") != "42" {
		t.Errorf("id = %q, want 42", q.Get("id"))
	}
	if _, ok := q["hub.secret"]; ok {
		t.Error("hub.secret should be omitted without a secret")
	}
}

// 同じ(topic, callback)の再購読で行が1つのままステータスがupdatedになることを検証
func TestVerifier_Subscribe_ResubscribeUpdates(t *testing.T) {
	env := newVerifierEnv(t)
	cb := newCallbackServer(t, echoChallenge)
	req := subscribeRequest(cb.URL)

	if err := env.verifier.Subscribe(context.Background(), req); err != nil {
		t.Fatalf("first Subscribe() error = %v", err)
	}
	req.Secret = "new"
	req.LeaseSeconds = 3600
	if err := env.verifier.Subscribe(context.Background(), req); err != nil {
		t.Fatalf("second Subscribe() error = %v", err)
	}

	subs, err := env.repo.ListSubscriptions(context.Background(), testTopicKey)
	if err != nil {
		t.Fatalf("ListSubscriptions: %v", err)
	}
	if len(subs) != 1 {
		t.Fatalf("subscriptions = %d, want 1", len(subs))
	}
	if subs[0].Status != model.StatusUpdated {
		t.Errorf("Status = %q, want updated", subs[0].Status)
	}
	if subs[0].Secret != "new" {
		t.Errorf("Secret = %q, want new", subs[0].Secret)
	}
	if env.bridge.demandCount() != 1 {
		t.Errorf("demand = %d, want 1", env.bridge.demandCount())
	}
}

// パブリッシャー確認の失敗で拒否通知が送られ、何も永続化されないことを検証
func TestVerifier_Subscribe_PublisherRejected(t *testing.T) {
	env := newVerifierEnv(t)
	env.publisher.err = &RejectionError{Code: DenialMissingHub, Reason: ReasonMissingHub, Err: ErrPublisherRejected}
	cb := newCallbackServer(t, echoChallenge)

	err := env.verifier.Subscribe(context.Background(), subscribeRequest(cb.URL))
	if !errors.Is(err, ErrPublisherRejected) {
		t.Fatalf("Subscribe() error = %v, want ErrPublisherRejected", err)
	}

	reqs := cb.requests()
	if len(reqs) != 1 {
		t.Fatalf("callback requests = %d, want only the denial", len(reqs))
	}
	q := reqs[0]
	if q.Get("hub.mode") != "denied" {
		t.Errorf("hub.mode = %q, want denied", q.Get("hub.mode"))
	}
	if q.Get("hub.topic") != testTopicURL {
		t.Errorf("hub.topic = %q, want %q", q.Get("hub.topic"), testTopicURL)
	}
	if q.Get("hub.reason") != ReasonMissingHub {
		t.Errorf("hub.reason = %q, want %q", q.Get("hub.reason"), ReasonMissingHub)
	}
	if env.find(t, cb.URL) != nil {
		t.Error("subscription should not be persisted")
	}
	if env.bridge.demandCount() != 0 {
		t.Error("broker demand should not change")
	}
}

// 通信エラー由来の拒否でも拒否通知が送られることを検証
func TestVerifier_Subscribe_PublisherTransportErrorSendsDenial(t *testing.T) {
	env := newVerifierEnv(t)
	env.publisher.err = errors.New("connection refused")
	cb := newCallbackServer(t, echoChallenge)

	if err := env.verifier.Subscribe(context.Background(), subscribeRequest(cb.URL)); err == nil {
		t.Fatal("Subscribe() should fail")
	}
	denials := cb.denials()
	if len(denials) != 1 {
		t.Fatalf("denials = %d, want 1", len(denials))
	}
	if denials[0].Get("hub.reason") != ReasonPublisherConnect {
		t.Errorf("hub.reason = %q", denials[0].Get("hub.reason"))
	}
}

// チャレンジの失敗は通知せずに中断することを検証
func TestVerifier_Subscribe_ChallengeFailures(t *testing.T) {
	tests := []struct {
		name     string
		behavior callbackBehavior
	}{
		{"wrong body", wrongBody},
		{"wrong content-type", wrongContentType},
		{"wrong charset", wrongCharset},
		{"not found", notFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newVerifierEnv(t)
			cb := newCallbackServer(t, tt.behavior)

			err := env.verifier.Subscribe(context.Background(), subscribeRequest(cb.URL))
			if !errors.Is(err, ErrChallengeMismatch) {
				t.Fatalf("Subscribe() error = %v, want ErrChallengeMismatch", err)
			}
			if len(cb.denials()) != 0 {
				t.Error("no denial should be sent")
			}
			if env.find(t, cb.URL) != nil {
				t.Error("subscription should not be persisted")
			}
			if env.bridge.demandCount() != 0 {
				t.Error("broker demand should not change")
			}
		})
	}
}

// 応答しないコールバックがタイムアウトで打ち切られることを検証
func TestVerifier_Subscribe_ChallengeTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	var buf bytes.Buffer
	v := NewVerifier(repository.NewMemoryRepo(), newFakeBridge(), &fakePublisher{}, http.DefaultClient,
		nil, 100*time.Millisecond, metrics.NewCollector(prometheus.NewRegistry()), newTestLogger(&buf))

	start := time.Now()
	err := v.Subscribe(context.Background(), subscribeRequest(srv.URL))
	if !errors.Is(err, ErrChallengeMismatch) {
		t.Fatalf("Subscribe() error = %v, want ErrChallengeMismatch", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Subscribe() took %v, should time out quickly", elapsed)
	}
}

// ブローカー購読の失敗で拒否通知が送られ、永続化されないことを検証
func TestVerifier_Subscribe_BrokerFailure(t *testing.T) {
	env := newVerifierEnv(t)
	env.bridge.subscribeErr = errors.New("not connected")
	cb := newCallbackServer(t, echoChallenge)

	if err := env.verifier.Subscribe(context.Background(), subscribeRequest(cb.URL)); err == nil {
		t.Fatal("Subscribe() should fail")
	}

	denials := cb.denials()
	if len(denials) != 1 {
		t.Fatalf("denials = %d, want 1", len(denials))
	}
	if denials[0].Get("hub.reason") != ReasonBrokerSubscribe {
		t.Errorf("hub.reason = %q, want %q", denials[0].Get("hub.reason"), ReasonBrokerSubscribe)
	}
	if env.find(t, cb.URL) != nil {
		t.Error("subscription should not be persisted")
	}
}

func TestVerifier_Unsubscribe_DeletesAndReleases(t *testing.T) {
	env := newVerifierEnv(t)
	cb := newCallbackServer(t, echoChallenge)
	req := subscribeRequest(cb.URL)

	if err := env.verifier.Subscribe(context.Background(), req); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := env.verifier.Unsubscribe(context.Background(), req); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}

	if env.find(t, cb.URL) != nil {
		t.Error("subscription should be deleted")
	}
	if env.bridge.demandCount() != 0 {
		t.Errorf("demand = %d, want 0", env.bridge.demandCount())
	}

	reqs := cb.requests()
	q := reqs[len(reqs)-1]
	if q.Get("hub.mode") != "unsubscribe" {
		t.Errorf("hub.mode = %q, want unsubscribe", q.Get("hub.mode"))
	}
	if _, ok := q["hub.lease_seconds"]; ok {
		t.Error("hub.lease_seconds should not be sent on unsubscribe")
	}
}

// チャレンジに失敗した購読解除は購読と需要を一切変更しないことを検証
func TestVerifier_Unsubscribe_RefusedWithoutProof(t *testing.T) {
	env := newVerifierEnv(t)
	cb := newCallbackServer(t, echoChallenge)
	req := subscribeRequest(cb.URL)
	if err := env.verifier.Subscribe(context.Background(), req); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	before := env.find(t, cb.URL)

	cb.mu.Lock()
	cb.behavior = wrongBody
	cb.mu.Unlock()

	err := env.verifier.Unsubscribe(context.Background(), req)
	if !errors.Is(err, ErrChallengeMismatch) {
		t.Fatalf("Unsubscribe() error = %v, want ErrChallengeMismatch", err)
	}

	after := env.find(t, cb.URL)
	if after == nil {
		t.Fatal("subscription should remain")
	}
	if !reflect.DeepEqual(before, after) {
		t.Errorf("subscription changed: before %+v, after %+v", before, after)
	}
	if env.bridge.demandCount() != 1 || env.bridge.released != 0 {
		t.Error("broker demand should be unchanged")
	}
	if len(cb.denials()) != 0 {
		t.Error("no denial should be sent on unsubscribe")
	}
}

// 購読が存在しない場合は需要を解放しないことを検証
func TestVerifier_Unsubscribe_UnknownSubscription(t *testing.T) {
	env := newVerifierEnv(t)
	cb := newCallbackServer(t, echoChallenge)

	if err := env.verifier.Unsubscribe(context.Background(), subscribeRequest(cb.URL)); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	if env.bridge.released != 0 {
		t.Errorf("released = %d, want 0", env.bridge.released)
	}
}
