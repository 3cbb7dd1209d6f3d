package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/websubhub/internal/broker"
	"github.com/hitoshi/websubhub/internal/config"
	"github.com/hitoshi/websubhub/internal/handler"
	"github.com/hitoshi/websubhub/internal/hub"
	"github.com/hitoshi/websubhub/internal/intent"
	"github.com/hitoshi/websubhub/internal/metrics"
	"github.com/hitoshi/websubhub/internal/middleware"
	"github.com/hitoshi/websubhub/internal/repository"
	"github.com/hitoshi/websubhub/internal/security"
	"github.com/hitoshi/websubhub/internal/syncutil"
	"github.com/hitoshi/websubhub/internal/worker/delivery"
	"github.com/hitoshi/websubhub/internal/worker/expiry"
)

// storage はハブが使うリポジトリの組。
type storage struct {
	topics repository.TopicRepository
	subs   repository.SubscriptionRepository
	health repository.HealthChecker
}

// hubComponents は依存関係を組み立て済みのハブの構成要素。
type hubComponents struct {
	bridge      *broker.Bridge
	engine      *delivery.Engine
	service     *hub.Service
	expiry      *expiry.Job
	rateLimiter *middleware.RateLimiter
	router      http.Handler
}

// newHub はブローカークライアントとストレージからハブの全コンポーネントを組み立てる。
// brokerClientの受信メッセージはbridge.OnMessageへ渡すこと。
func newHub(
	cfg *config.Config,
	store storage,
	brokerClient broker.Client,
	reg *prometheus.Registry,
	logger *slog.Logger,
) (*hubComponents, error) {
	collector := metrics.NewCollector(reg)

	// 1. 外向きHTTPクライアント
	guard := security.NewSSRFGuard(security.GuardOptions{
		AllowPrivate: cfg.AllowPrivateCallbacks,
		AllowedPorts: cfg.OutboundAllowedPorts,
	})
	callbackClient := guard.NewClient(cfg.OutboundTimeout)

	// パブリッシャーは運用者が設定した上流のため、プライベートアドレスへの接続を許可する
	publisherClient := security.NewSSRFGuard(security.GuardOptions{AllowPrivate: true}).NewClient(cfg.OutboundTimeout)

	// ハンドシェイク・配信・期限切れ削除で共有する購読単位のロック
	locks := syncutil.NewSubscriptionLocks()

	// 2. ブローカーブリッジ
	bridge := broker.NewBridge(brokerClient, broker.BridgeOptions{
		MaxContentSize: cfg.MaxContentSize,
		EnforceJSON:    cfg.EnforceJSON,
	}, collector, logger)

	// 3. 配信エンジン
	engine, err := delivery.NewEngine(store.subs, bridge, callbackClient, locks, delivery.Options{
		HubURL:             cfg.HubURL,
		SignatureAlgorithm: cfg.SignatureAlgorithm,
		MaxConcurrent:      cfg.DeliveryMaxConcurrent,
		Timeout:            cfg.OutboundTimeout,
	}, collector, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create delivery engine: %w", err)
	}
	bridge.SetHandler(engine)

	// 4. 意図確認とハブサービス
	publisher := intent.NewPublisherChecker(publisherClient, intent.PublisherOptions{
		PublisherURL:    cfg.PublisherURL,
		HubURL:          cfg.HubURL,
		Timeout:         cfg.OutboundTimeout,
		BreakerFailures: cfg.PublisherBreakerFailures,
		BreakerReset:    cfg.PublisherBreakerReset,
	}, logger)
	verifier := intent.NewVerifier(store.subs, bridge, publisher, callbackClient, locks, cfg.OutboundTimeout, collector, logger)
	service := hub.NewService(store.topics, store.subs, verifier, bridge, cfg.HandshakeTimeout, logger)

	// 5. HTTP
	subHandler := handler.NewSubscriptionHandler(service, guard, handler.SubscriptionHandlerConfig{
		RootURL:         cfg.RootURL,
		MaxCallbackSize: cfg.MaxURLSize,
		MaxTopicSize:    cfg.MaxTopicSize,
		MaxSecretSize:   cfg.MaxSecretSize,
		Lease:           cfg.LeasePolicy(),
	}, logger)

	var rl *middleware.RateLimiter
	if cfg.RateLimitSubscribe > 0 {
		rl = middleware.NewRateLimiter(middleware.PerMinute(cfg.RateLimitSubscribe), logger)
	}

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:         logger,
		Subscriptions:  subHandler,
		RateLimiter:    rl,
		EnforceUTF8:    cfg.EnforceUTF8,
		MaxRequestSize: cfg.MaxRequestSize,
		HealthChecker:  store.health,
		Gatherer:       reg,
	})

	return &hubComponents{
		bridge:      bridge,
		engine:      engine,
		service:     service,
		expiry:      expiry.NewJob(store.subs, bridge, locks, logger),
		rateLimiter: rl,
		router:      router,
	}, nil
}

// onBrokerConnect は接続・再接続の後に全トピックのブローカー購読を復元する。
func (h *hubComponents) onBrokerConnect(ctx context.Context, logger *slog.Logger) {
	if err := h.service.RestoreTopics(ctx); err != nil {
		logger.Error("failed to restore broker subscriptions", slog.String("error", err.Error()))
	}
}

// close はハンドシェイクと配信を停止し、完了を待つ。
func (h *hubComponents) close() {
	h.service.Close()
	h.engine.Close()
	if h.rateLimiter != nil {
		h.rateLimiter.Stop()
	}
}
