package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/websubhub/internal/metrics"
	"github.com/hitoshi/websubhub/internal/middleware"
	"github.com/hitoshi/websubhub/internal/repository"
)

// healthTimeout はヘルスチェックでのストレージ疎通確認のタイムアウト。
const healthTimeout = 2 * time.Second

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// 購読
	Subscriptions *SubscriptionHandler

	// ミドルウェア依存
	RateLimiter    *middleware.RateLimiter
	EnforceUTF8    bool
	MaxRequestSize int64

	// 運用
	HealthChecker repository.HealthChecker
	Gatherer      prometheus.Gatherer
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → (POST /api/subscriptions のみ) RateLimit → BodyLimit → ContentType
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "please use POST", http.StatusMethodNotAllowed)
	})

	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
	}

	ingress := []func(http.Handler) http.Handler{}
	if deps.RateLimiter != nil {
		ingress = append(ingress, deps.RateLimiter.Middleware())
	}
	ingress = append(ingress,
		middleware.NewBodyLimitMiddleware(deps.MaxRequestSize),
		middleware.NewContentTypeMiddleware(deps.EnforceUTF8),
	)

	r.With(ingress...).Post("/api/subscriptions", deps.Subscriptions.Handle)
	r.Get("/api/subscriptions", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "please use POST", http.StatusMethodNotAllowed)
	})

	return r
}

// healthHandler はストレージの疎通を確認し、200または503を返す。
func healthHandler(checker repository.HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				http.Error(w, "unhealthy", http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("ok"))
	}
}
