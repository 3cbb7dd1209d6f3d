// Package handler はハブのHTTPハンドラーとルーティングを提供する。
package handler

import (
	"errors"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/hitoshi/websubhub/internal/hub"
	"github.com/hitoshi/websubhub/internal/intent"
	"github.com/hitoshi/websubhub/internal/middleware"
	"github.com/hitoshi/websubhub/internal/model"
)

// HandshakeStarter はハンドシェイクを非同期に開始するインターフェース。
type HandshakeStarter interface {
	Subscribe(req intent.Request) error
	Unsubscribe(req intent.Request) error
}

// CallbackValidator はコールバックURLの宛先を検証するインターフェース。
type CallbackValidator interface {
	ValidateURL(rawURL string) error
}

// SubscriptionHandlerConfig は購読リクエストの検証設定。
type SubscriptionHandlerConfig struct {
	RootURL         string
	MaxCallbackSize int
	MaxTopicSize    int
	MaxSecretSize   int
	Lease           model.LeasePolicy
}

// SubscriptionHandler はPOST /api/subscriptionsのハンドラー。
// パラメータを検証して202を返し、ハンドシェイクは呼び出し元を待たせずに実行する。
type SubscriptionHandler struct {
	service   HandshakeStarter
	validator CallbackValidator
	config    SubscriptionHandlerConfig
	logger    *slog.Logger
}

// NewSubscriptionHandler は新しいSubscriptionHandlerを生成する。
// validatorがnilの場合、コールバックの宛先検証は行わない。
func NewSubscriptionHandler(service HandshakeStarter, validator CallbackValidator, config SubscriptionHandlerConfig, logger *slog.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{
		service:   service,
		validator: validator,
		config:    config,
		logger:    logger,
	}
}

// Handle は購読・購読解除リクエストを受け付ける。
//
// 検証順序:
//
//	hub.mode → hub.callback → hub.topic → hub.lease_seconds → hub.secret
func (h *SubscriptionHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "invalid form body", http.StatusBadRequest)
		return
	}

	req, mode, reqErr := h.parse(r.PostForm)
	if reqErr != nil {
		h.logger.Debug("subscription request rejected",
			slog.String("code", reqErr.Code),
			slog.String("message", reqErr.Message),
		)
		middleware.WriteRequestError(w, reqErr)
		return
	}

	var err error
	if mode == intent.ModeSubscribe {
		err = h.service.Subscribe(req)
	} else {
		err = h.service.Unsubscribe(req)
	}
	if err != nil {
		if errors.Is(err, hub.ErrClosed) {
			http.Error(w, "hub is shutting down", http.StatusServiceUnavailable)
			return
		}
		h.logger.Error("failed to start handshake", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	h.logger.Info("subscription request accepted",
		slog.String("mode", mode),
		slog.String("topic", req.TopicKey),
		slog.String("callback", req.Callback),
	)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusAccepted)
	w.Write([]byte("request for " + mode + " accepted"))
}

// parse はフォームパラメータを検証し、ハンドシェイクの入力を組み立てる。
func (h *SubscriptionHandler) parse(form url.Values) (intent.Request, string, *model.RequestError) {
	var req intent.Request

	mode := strings.TrimSpace(form.Get("hub.mode"))
	if mode == "" {
		return req, "", model.NewMissingParameterError("hub.mode")
	}
	if mode != intent.ModeSubscribe && mode != intent.ModeUnsubscribe {
		return req, "", model.NewUnsupportedModeError(mode)
	}

	callback := normalizeParam(form.Get("hub.callback"))
	if callback == "" {
		return req, "", model.NewMissingParameterError("hub.callback")
	}
	if h.config.MaxCallbackSize > 0 && len(callback) > h.config.MaxCallbackSize {
		return req, "", model.NewTooLongError("hub.callback", h.config.MaxCallbackSize)
	}
	if reqErr := h.validateCallback(callback); reqErr != nil {
		return req, "", reqErr
	}

	topic := normalizeParam(form.Get("hub.topic"))
	if topic == "" {
		return req, "", model.NewMissingParameterError("hub.topic")
	}
	if h.config.MaxTopicSize > 0 && len(topic) > h.config.MaxTopicSize {
		return req, "", model.NewTooLongError("hub.topic", h.config.MaxTopicSize)
	}
	topicKey, ok := model.DeriveTopicKey(h.config.RootURL, topic)
	if !ok {
		return req, "", model.NewUnsupportedTopicError()
	}

	lease := h.config.Lease.Default
	if raw, ok := form["hub.lease_seconds"]; ok && strings.TrimSpace(raw[0]) != "" {
		requested, err := parseLeaseSeconds(raw[0])
		if err != nil {
			return req, "", model.NewInvalidLeaseError()
		}
		lease = requested
	}
	lease = h.config.Lease.Clamp(lease)

	secret := strings.TrimSpace(form.Get("hub.secret"))
	if h.config.MaxSecretSize > 0 && len(secret) > h.config.MaxSecretSize {
		return req, "", model.NewSecretTooLongError(h.config.MaxSecretSize)
	}

	req = intent.Request{
		TopicURL:     topic,
		TopicKey:     topicKey,
		Callback:     callback,
		LeaseSeconds: lease,
		Secret:       secret,
	}
	return req, mode, nil
}

// validateCallback はコールバックがhttp(s)の絶対URLで、許可された宛先かを検証する。
func (h *SubscriptionHandler) validateCallback(callback string) *model.RequestError {
	u, err := url.Parse(callback)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return model.NewInvalidCallbackError("must be an absolute http or https URL")
	}
	if h.validator != nil {
		if err := h.validator.ValidateURL(callback); err != nil {
			return model.NewInvalidCallbackError("destination not allowed")
		}
	}
	return nil
}

// normalizeParam はパラメータの前後の空白を除き、パーセントデコードする。
// デコードできない場合は元の値を使う。
func normalizeParam(v string) string {
	v = strings.TrimSpace(v)
	if decoded, err := url.PathUnescape(v); err == nil {
		return strings.TrimSpace(decoded)
	}
	return v
}

// parseLeaseSeconds は整数値のhub.lease_secondsを解釈する。
// "60.0"のような小数部が0の表記も受け付ける。範囲外の値はintの範囲に丸める。
func parseLeaseSeconds(raw string) (int, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, errors.New("not an integer")
	}
	if f > math.MaxInt32 {
		return math.MaxInt32, nil
	}
	if f < math.MinInt32 {
		return math.MinInt32, nil
	}
	return int(f), nil
}
