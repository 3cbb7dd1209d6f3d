// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 検証・配信・ブローカーの各コンポーネントから利用する。
type MetricsCollector interface {
	RecordHandshake(mode, result string)
	RecordDenial(reason string)
	RecordDelivery(result string, duration time.Duration)
	RecordBrokerMessage(result string)
	SetBrokerTopics(n int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	handshakes      *prometheus.CounterVec
	denials         *prometheus.CounterVec
	deliveries      *prometheus.CounterVec
	deliveryLatency prometheus.Histogram
	brokerMessages  *prometheus.CounterVec
	brokerTopics    prometheus.Gauge
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "websubhub_handshakes_total",
			Help: "購読・購読解除ハンドシェイクの結果別の合計数",
		}, []string{"mode", "result"}),
		denials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "websubhub_denials_total",
			Help: "サブスクライバーへ送信した拒否通知の理由別の合計数",
		}, []string{"reason"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "websubhub_deliveries_total",
			Help: "コンテンツ配信の結果別の合計数",
		}, []string{"result"}),
		deliveryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "websubhub_delivery_latency_seconds",
			Help:    "コンテンツ配信のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		brokerMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "websubhub_broker_messages_total",
			Help: "ブローカーから受信したメッセージの処理結果別の合計数",
		}, []string{"result"}),
		brokerTopics: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "websubhub_broker_topics",
			Help: "上流ブローカーに購読中のトピック数",
		}),
	}

	reg.MustRegister(
		c.handshakes,
		c.denials,
		c.deliveries,
		c.deliveryLatency,
		c.brokerMessages,
		c.brokerTopics,
	)

	return c
}

// RecordHandshake はハンドシェイクの結果を記録する。
func (c *Collector) RecordHandshake(mode, result string) {
	c.handshakes.WithLabelValues(mode, result).Inc()
}

// RecordDenial は拒否通知の送信を記録する。
func (c *Collector) RecordDenial(reason string) {
	c.denials.WithLabelValues(reason).Inc()
}

// RecordDelivery は配信結果とレイテンシを記録する。
func (c *Collector) RecordDelivery(result string, duration time.Duration) {
	c.deliveries.WithLabelValues(result).Inc()
	c.deliveryLatency.Observe(duration.Seconds())
}

// RecordBrokerMessage はブローカーメッセージの処理結果を記録する。
func (c *Collector) RecordBrokerMessage(result string) {
	c.brokerMessages.WithLabelValues(result).Inc()
}

// SetBrokerTopics は上流購読中のトピック数を設定する。
func (c *Collector) SetBrokerTopics(n int) {
	c.brokerTopics.Set(float64(n))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)
