package intent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// 拒否理由
const (
	ReasonMissingHub       = `publisher did not return Link rel="hub"`
	ReasonMismatchingHub   = "publisher returned mismatching hub URL"
	ReasonMissingSelf      = `publisher did not return Link rel="self"`
	ReasonMismatchingSelf  = "publisher returned mismatching topic URL"
	ReasonPublisherConnect = "publisher connect error"
	ReasonBrokerSubscribe  = "Publisher MQTT subscription error"
)

// 拒否理由のメトリクスラベル
const (
	DenialMissingHub       = "missing_hub"
	DenialMismatchingHub   = "mismatching_hub"
	DenialMissingSelf      = "missing_self"
	DenialMismatchingSelf  = "mismatching_self"
	DenialPublisherConnect = "publisher_connect"
	DenialBrokerSubscribe  = "broker_subscribe"
)

// RejectionError は購読が拒否されたことを表す。
// Reasonは拒否通知のhub.reasonとしてサブスクライバーに送られる。
type RejectionError struct {
	Code   string
	Reason string
	Err    error
}

func (e *RejectionError) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *RejectionError) Unwrap() error {
	return e.Err
}

// PublisherOptions はPublisherCheckerの設定。
type PublisherOptions struct {
	// PublisherURL はトピックキーを連結してHEADリクエストを送るルートURL。
	PublisherURL string
	// HubURL はパブリッシャーのrel="hub"と一致すべきハブのURL。
	HubURL string
	// Timeout は1リクエストあたりのタイムアウト。
	Timeout time.Duration
	// BreakerFailures は回路を開くまでの連続失敗回数。
	BreakerFailures uint32
	// BreakerReset は開いた回路を半開にするまでの待ち時間。
	BreakerReset time.Duration
}

// PublisherChecker はパブリッシャーのLinkヘッダーでトピックの提供元を確認する。
// 通信エラーはパブリッシャーのホストごとのサーキットブレーカーで数える。
type PublisherChecker struct {
	client *http.Client
	opts   PublisherOptions
	logger *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewPublisherChecker は新しいPublisherCheckerを生成する。
func NewPublisherChecker(client *http.Client, opts PublisherOptions, logger *slog.Logger) *PublisherChecker {
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerReset <= 0 {
		opts.BreakerReset = 30 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &PublisherChecker{
		client:   client,
		opts:     opts,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// TopicEndpoint はtopicKeyに対応するパブリッシャー上のURLを返す。
func (p *PublisherChecker) TopicEndpoint(topicKey string) string {
	return p.opts.PublisherURL + "/" + topicKey
}

// Check はパブリッシャーにHEADリクエストを送り、rel="hub"がハブ自身のURLと、
// rel="self"がtopicURLと一致することを確認する。
// 拒否・通信エラーのいずれも*RejectionErrorを返し、errors.Is(err, ErrPublisherRejected)が成り立つ。
func (p *PublisherChecker) Check(ctx context.Context, topicURL, topicKey string) error {
	endpoint := p.TopicEndpoint(topicKey)

	breaker, err := p.breaker(endpoint)
	if err != nil {
		return &RejectionError{Code: DenialPublisherConnect, Reason: ReasonPublisherConnect, Err: errors.Join(ErrPublisherRejected, err)}
	}

	result, err := breaker.Execute(func() (interface{}, error) {
		return p.head(ctx, endpoint)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			p.logger.Warn("パブリッシャーのサーキットが開いています",
				slog.String("publisher", endpoint),
				slog.String("state", breaker.State().String()),
			)
		}
		return &RejectionError{Code: DenialPublisherConnect, Reason: ReasonPublisherConnect, Err: errors.Join(ErrPublisherRejected, err)}
	}

	links := ParseLinks(result.([]string))
	return p.verifyLinks(links, topicURL)
}

// verifyLinks はLinkヘッダーを検証し、拒否する場合は*RejectionErrorを返す。
func (p *PublisherChecker) verifyLinks(links map[string]string, topicURL string) error {
	reject := func(code, reason string) error {
		return &RejectionError{Code: code, Reason: reason, Err: ErrPublisherRejected}
	}

	hub, ok := links["hub"]
	if !ok {
		return reject(DenialMissingHub, ReasonMissingHub)
	}
	if hub != p.opts.HubURL {
		return reject(DenialMismatchingHub, ReasonMismatchingHub+": "+hub)
	}
	self, ok := links["self"]
	if !ok {
		return reject(DenialMissingSelf, ReasonMissingSelf)
	}
	if !sameURL(self, topicURL) {
		return reject(DenialMismatchingSelf, ReasonMismatchingSelf+": "+self)
	}
	return nil
}

// head はendpointにHEADリクエストを送り、Linkヘッダーの値を返す。
// 5xxは通信エラーとして扱い、サーキットブレーカーの失敗に数える。
func (p *PublisherChecker) head(ctx context.Context, endpoint string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("publisher returned status %d", resp.StatusCode)
	}
	return resp.Header.Values("Link"), nil
}

// breaker はendpointのホストに対応するサーキットブレーカーを返す。
func (p *PublisherChecker) breaker(endpoint string) (*gobreaker.CircuitBreaker, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid publisher URL: %w", err)
	}
	host := u.Host

	p.mu.Lock()
	defer p.mu.Unlock()

	if cb, ok := p.breakers[host]; ok {
		return cb, nil
	}

	failures := p.opts.BreakerFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Timeout:     p.opts.BreakerReset,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Info("パブリッシャーのサーキット状態が変化しました",
				slog.String("publisher", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
	p.breakers[host] = cb
	return cb, nil
}
