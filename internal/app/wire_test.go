package app

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/websubhub/internal/config"
	"github.com/hitoshi/websubhub/internal/intent"
	"github.com/hitoshi/websubhub/internal/model"
	"github.com/hitoshi/websubhub/internal/repository"
	"github.com/hitoshi/websubhub/internal/worker/delivery"
)

const testTopicPath = "/Datastreams(1)/Observations"

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// fakeBrokerClient は上流ブローカーへの購読操作を記録する。
type fakeBrokerClient struct {
	mu           sync.Mutex
	subscribed   map[string]int
	unsubscribed map[string]int
}

func newFakeBrokerClient() *fakeBrokerClient {
	return &fakeBrokerClient{
		subscribed:   make(map[string]int),
		unsubscribed: make(map[string]int),
	}
}

func (f *fakeBrokerClient) Subscribe(_ context.Context, topicKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed[topicKey]++
	return nil
}

func (f *fakeBrokerClient) Unsubscribe(_ context.Context, topicKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed[topicKey]++
	return nil
}

func (f *fakeBrokerClient) counts(topicKey string) (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribed[topicKey], f.unsubscribed[topicKey]
}

// received はサブスクライバーが受信した配信。
type received struct {
	body   []byte
	header http.Header
}

// subscriber はチャレンジに応答し、配信を記録するテスト用サブスクライバー。
// deliveryStatusが0の場合、配信には204を返す。
type subscriber struct {
	*httptest.Server
	deliveries     chan received
	deliveryStatus atomic.Int32
}

func newSubscriber(t *testing.T) *subscriber {
	t.Helper()
	s := &subscriber{deliveries: make(chan received, 8)}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Write([]byte(r.URL.Query().Get("hub.challenge")))
			return
		}
		body, _ := io.ReadAll(r.Body)
		s.deliveries <- received{body: body, header: r.Header.Clone()}
		if code := s.deliveryStatus.Load(); code != 0 {
			w.WriteHeader(int(code))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(s.Close)
	return s
}

// newPublisherServer はハブとトピック自身を示すLinkを返すテスト用パブリッシャー。
func newPublisherServer(t *testing.T, hubURL string) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Link", "<"+hubURL+`>; rel="hub"`)
		w.Header().Add("Link", "<"+srv.URL+r.URL.RequestURI()+`>; rel="self"`)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(rootURL string) *config.Config {
	return &config.Config{
		HubURL:                "http://hub.example.com/api/subscriptions",
		RootURL:               rootURL,
		PublisherURL:          rootURL,
		StorageBackend:        config.StorageMemory,
		DefaultLeaseSeconds:   1800,
		MinLeaseSeconds:       60,
		MaxLeaseSeconds:       86400,
		SignatureAlgorithm:    "sha256",
		DeliveryMaxConcurrent: 4,
		MaxRequestSize:        32768,
		MaxURLSize:            2024,
		MaxTopicSize:          4096,
		MaxContentSize:        1 << 20,
		MaxSecretSize:         200,
		OutboundTimeout:       2 * time.Second,
		HandshakeTimeout:      5 * time.Second,
		AllowPrivateCallbacks: true,
	}
}

// hookedRepo は読み込み・削除の直後に1回だけフックを実行するリポジトリ。
// 他の操作を特定の位置へ割り込ませるために使う。
type hookedRepo struct {
	*repository.MemoryRepo

	mu          sync.Mutex
	afterFind   func()
	afterDelete func()
}

func (r *hookedRepo) FindSubscription(ctx context.Context, topicKey, callback string) (*model.Subscription, error) {
	sub, err := r.MemoryRepo.FindSubscription(ctx, topicKey, callback)
	r.take(&r.afterFind)()
	return sub, err
}

func (r *hookedRepo) DeleteSubscription(ctx context.Context, topicKey, callback string) (bool, error) {
	deleted, err := r.MemoryRepo.DeleteSubscription(ctx, topicKey, callback)
	r.take(&r.afterDelete)()
	return deleted, err
}

func (r *hookedRepo) take(hook *func()) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn := *hook
	*hook = nil
	if fn == nil {
		return func() {}
	}
	return fn
}

func (r *hookedRepo) setAfterFind(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.afterFind = fn
}

func (r *hookedRepo) setAfterDelete(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.afterDelete = fn
}

type testHub struct {
	*hubComponents
	repo   *hookedRepo
	broker *fakeBrokerClient
	cfg    *config.Config
}

func newTestHub(t *testing.T, cfg *config.Config) *testHub {
	t.Helper()
	var buf bytes.Buffer
	repo := &hookedRepo{MemoryRepo: repository.NewMemoryRepo()}
	brokerClient := newFakeBrokerClient()

	h, err := newHub(cfg, storage{topics: repo, subs: repo, health: repo}, brokerClient, prometheus.NewRegistry(), newTestLogger(&buf))
	if err != nil {
		t.Fatalf("newHub() error = %v", err)
	}
	t.Cleanup(h.close)
	return &testHub{hubComponents: h, repo: repo, broker: brokerClient, cfg: cfg}
}

func (h *testHub) post(t *testing.T, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/subscriptions", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

// waitFor はcondがtrueになるまで待つ。
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHub_SubscribeDeliverUnsubscribe(t *testing.T) {
	cfg := testConfig("")
	pub := newPublisherServer(t, cfg.HubURL)
	cfg.RootURL = pub.URL
	cfg.PublisherURL = pub.URL
	h := newTestHub(t, cfg)
	sub := newSubscriber(t)

	topicURL := pub.URL + testTopicPath
	topicKey := strings.TrimPrefix(testTopicPath, "/")
	ctx := context.Background()

	// 1. 購読
	rec := h.post(t, url.Values{
		"hub.mode":     {"subscribe"},
		"hub.topic":    {topicURL},
		"hub.callback": {sub.URL + "/cb"},
		"hub.secret":   {"s3cret"},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("subscribe status = %d, want 202 (body %q)", rec.Code, rec.Body.String())
	}

	waitFor(t, "subscription", func() bool {
		s, _ := h.repo.FindSubscription(ctx, topicKey, sub.URL+"/cb")
		return s != nil
	})
	if subs, _ := h.broker.counts(topicKey); subs != 1 {
		t.Errorf("upstream subscribes = %d, want 1", subs)
	}
	if got := h.bridge.Demand(topicKey); got != 1 {
		t.Errorf("Demand() = %d, want 1", got)
	}

	// 2. 配信
	payload := []byte(`{"result":42}`)
	h.bridge.OnMessage(ctx, topicKey, payload)

	var got received
	select {
	case got = <-sub.deliveries:
	case <-time.After(5 * time.Second):
		t.Fatal("delivery not received")
	}
	if !bytes.Equal(got.body, payload) {
		t.Errorf("body = %q, want %q", got.body, payload)
	}
	signer, _ := delivery.NewSigner("sha256")
	if !signer.Verify("s3cret", payload, got.header.Get(delivery.SignatureHeader)) {
		t.Errorf("signature %q does not verify", got.header.Get(delivery.SignatureHeader))
	}
	if link := got.header.Get("Link"); !strings.Contains(link, "<"+topicURL+`>; rel="self"`) {
		t.Errorf("Link = %q, want self %q", link, topicURL)
	}

	// 3. 購読解除
	rec = h.post(t, url.Values{
		"hub.mode":     {"unsubscribe"},
		"hub.topic":    {topicURL},
		"hub.callback": {sub.URL + "/cb"},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("unsubscribe status = %d, want 202", rec.Code)
	}

	waitFor(t, "unsubscription", func() bool {
		_, unsubs := h.broker.counts(topicKey)
		return unsubs == 1
	})
	if s, _ := h.repo.FindSubscription(ctx, topicKey, sub.URL+"/cb"); s != nil {
		t.Errorf("subscription still present: %+v", s)
	}
	if got := h.bridge.Demand(topicKey); got != 0 {
		t.Errorf("Demand() = %d, want 0", got)
	}
}

func TestHub_OnBrokerConnect_RestoresPersistedTopics(t *testing.T) {
	h := newTestHub(t, testConfig("http://sta.example.com/v1.1"))
	ctx := context.Background()

	if err := h.repo.CreateSubscription(ctx, "http://sta.example.com/v1.1/Things(1)", "Things(1)", "http://sub.example.com/a", 600, ""); err != nil {
		t.Fatalf("CreateSubscription() error = %v", err)
	}
	if _, err := h.repo.CreateTopic(ctx, "http://sta.example.com/v1.1/Things(2)", "Things(2)"); err != nil {
		t.Fatalf("CreateTopic() error = %v", err)
	}

	var buf bytes.Buffer
	h.onBrokerConnect(ctx, newTestLogger(&buf))

	for _, key := range []string{"Things(1)", "Things(2)"} {
		if subs, _ := h.broker.counts(key); subs != 1 {
			t.Errorf("upstream subscribes for %q = %d, want 1", key, subs)
		}
	}
	if got := h.bridge.Demand("Things(1)"); got != 1 {
		t.Errorf("Demand(Things(1)) = %d, want 1", got)
	}
	if got := h.bridge.ActiveTopics(); got != 2 {
		t.Errorf("ActiveTopics() = %d, want 2", got)
	}
}

func TestHub_MessageForTopicWithoutSubscribers_Unsubscribes(t *testing.T) {
	h := newTestHub(t, testConfig("http://sta.example.com/v1.1"))
	ctx := context.Background()

	if _, err := h.repo.CreateTopic(ctx, "http://sta.example.com/v1.1/Things(2)", "Things(2)"); err != nil {
		t.Fatalf("CreateTopic() error = %v", err)
	}
	var buf bytes.Buffer
	h.onBrokerConnect(ctx, newTestLogger(&buf))

	h.bridge.OnMessage(ctx, "Things(2)", []byte(`{}`))

	waitFor(t, "upstream unsubscribe", func() bool {
		_, unsubs := h.broker.counts("Things(2)")
		return unsubs == 1
	})
}

func TestHub_HealthAndMetrics(t *testing.T) {
	h := newTestHub(t, testConfig("http://sta.example.com/v1.1"))

	for _, path := range []string{"/health", "/metrics"} {
		rec := httptest.NewRecorder()
		h.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s status = %d, want 200", path, rec.Code)
		}
	}
}

func TestNewHub_InvalidSignatureAlgorithm_ReturnsError(t *testing.T) {
	cfg := testConfig("http://sta.example.com/v1.1")
	cfg.SignatureAlgorithm = "md5"

	var buf bytes.Buffer
	repo := repository.NewMemoryRepo()
	_, err := newHub(cfg, storage{topics: repo, subs: repo, health: repo}, newFakeBrokerClient(), prometheus.NewRegistry(), newTestLogger(&buf))
	if err == nil {
		t.Fatal("expected error for unsupported signature algorithm")
	}
}

// raceWindow は割り込ませた操作に先行させる猶予。
// 排他されていなければこの間に割り込んだ操作が完了する。
const raceWindow = 200 * time.Millisecond

// newSubscribedHub はパブリッシャーとサブスクライバーを用意し、
// 永続化済みの購読1件とそのブローカー需要を持つハブを返す。
func newSubscribedHub(t *testing.T, leaseSeconds int) (*testHub, *subscriber, string, string) {
	t.Helper()
	cfg := testConfig("")
	pub := newPublisherServer(t, cfg.HubURL)
	cfg.RootURL = pub.URL
	cfg.PublisherURL = pub.URL
	h := newTestHub(t, cfg)
	sub := newSubscriber(t)

	topicURL := pub.URL + testTopicPath
	topicKey := strings.TrimPrefix(testTopicPath, "/")
	ctx := context.Background()
	if err := h.repo.MemoryRepo.CreateSubscription(ctx, topicURL, topicKey, sub.URL+"/cb", leaseSeconds, ""); err != nil {
		t.Fatalf("CreateSubscription() error = %v", err)
	}
	var buf bytes.Buffer
	h.onBrokerConnect(ctx, newTestLogger(&buf))
	if got := h.bridge.Demand(topicKey); got != 1 {
		t.Fatalf("Demand() after restore = %d, want 1", got)
	}
	return h, sub, topicURL, topicKey
}

func resubscribeRequest(topicURL, topicKey, callback string) intent.Request {
	return intent.Request{
		TopicURL:     topicURL,
		TopicKey:     topicKey,
		Callback:     callback,
		LeaseSeconds: 1800,
	}
}

func TestHub_RenewalDuringExpirySweep_KeepsBrokerDemand(t *testing.T) {
	h, sub, topicURL, topicKey := newSubscribedHub(t, 60)
	ctx := context.Background()
	callback := sub.URL + "/cb"

	// 削除と需要解放の間に同じ購読の更新を割り込ませる
	h.repo.setAfterDelete(func() {
		if err := h.service.Subscribe(resubscribeRequest(topicURL, topicKey, callback)); err != nil {
			t.Errorf("Subscribe() error = %v", err)
		}
		time.Sleep(raceWindow)
	})

	h.expiry.Now = func() time.Time { return time.Now().Add(time.Hour) }
	n, err := h.expiry.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("deleted = %d, want 1", n)
	}
	h.service.Wait()

	s, _ := h.repo.MemoryRepo.FindSubscription(ctx, topicKey, callback)
	if s == nil {
		t.Fatal("renewed subscription not persisted")
	}
	if got := h.bridge.Demand(topicKey); got != 1 {
		t.Errorf("Demand() = %d, want 1", got)
	}
	if got := h.bridge.ActiveTopics(); got != 1 {
		t.Errorf("ActiveTopics() = %d, want 1", got)
	}
	subs, unsubs := h.broker.counts(topicKey)
	if subs-unsubs != 1 {
		t.Errorf("upstream subscribes = %d, unsubscribes = %d; want one live subscription", subs, unsubs)
	}
}

func TestHub_ResubscribeDuringFailingDelivery_EndsUpdated(t *testing.T) {
	h, sub, topicURL, topicKey := newSubscribedHub(t, 600)
	ctx := context.Background()
	callback := sub.URL + "/cb"

	if err := h.repo.MemoryRepo.SetStatus(ctx, topicKey, callback, model.StatusInactive); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}
	sub.deliveryStatus.Store(http.StatusInternalServerError)

	// 配信結果による遷移の読み込み直後に再購読を割り込ませる
	h.repo.setAfterFind(func() {
		if err := h.service.Subscribe(resubscribeRequest(topicURL, topicKey, callback)); err != nil {
			t.Errorf("Subscribe() error = %v", err)
		}
		time.Sleep(raceWindow)
	})

	if err := h.engine.Deliver(ctx, topicKey, []byte(`{"result":1}`)); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	h.service.Wait()

	s, _ := h.repo.MemoryRepo.FindSubscription(ctx, topicKey, callback)
	if s == nil {
		t.Fatal("subscription missing")
	}
	if s.Status != model.StatusUpdated {
		t.Errorf("status = %s, want %s", s.Status, model.StatusUpdated)
	}
}
