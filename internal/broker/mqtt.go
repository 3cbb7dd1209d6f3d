package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// subscribeFailure はSUBACKで購読拒否を示すリターンコード。
const subscribeFailure = 0x80

// MQTTOptions はMQTTクライアントの接続設定。
type MQTTOptions struct {
	URL            string
	Username       string
	Password       string
	ClientID       string
	QoS            byte
	ConnectTimeout time.Duration

	// OnConnect は接続と再接続のたびに呼ばれる。
	OnConnect func()
	// OnConnectionLost は接続断の際に呼ばれる。
	OnConnectionLost func(err error)
	// OnMessage は購読中のトピックでメッセージを受信した際に呼ばれる。
	OnMessage func(topicKey string, payload []byte)
}

// MQTTClient はpahoを使用したClientの実装。
// 接続断時は自動再接続し、OnConnectで購読の再発行を行う前提とする。
type MQTTClient struct {
	client mqtt.Client
	qos    byte
	logger *slog.Logger
}

// BrokerURL はmqtt://とmqtts://をpahoが解釈するtcp://とssl://に変換する。
func BrokerURL(raw string) string {
	switch {
	case strings.HasPrefix(raw, "mqtt://"):
		return "tcp://" + strings.TrimPrefix(raw, "mqtt://")
	case strings.HasPrefix(raw, "mqtts://"):
		return "ssl://" + strings.TrimPrefix(raw, "mqtts://")
	}
	return raw
}

// NewMQTTClient は新しいMQTTClientを生成する。接続はConnectで行う。
func NewMQTTClient(opts MQTTOptions, logger *slog.Logger) *MQTTClient {
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(BrokerURL(opts.URL)).
		SetClientID(opts.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(timeout).
		SetOrderMatters(false).
		SetOnConnectHandler(func(mqtt.Client) {
			logger.Info("MQTTブローカーに接続しました", slog.String("broker", opts.URL))
			if opts.OnConnect != nil {
				opts.OnConnect()
			}
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("MQTTブローカーとの接続が切断されました", slog.String("error", err.Error()))
			if opts.OnConnectionLost != nil {
				opts.OnConnectionLost(err)
			}
		}).
		SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
			if opts.OnMessage != nil {
				opts.OnMessage(msg.Topic(), msg.Payload())
			}
		})

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
		clientOpts.SetPassword(opts.Password)
	}

	return &MQTTClient{
		client: mqtt.NewClient(clientOpts),
		qos:    opts.QoS,
		logger: logger,
	}
}

// Connect はブローカーに接続する。失敗した場合は指数バックオフで再試行し、
// ctxがキャンセルされた時点で諦める。
func (c *MQTTClient) Connect(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0

	attempt := 0
	operation := func() error {
		attempt++
		err := waitToken(ctx, c.client.Connect())
		if err != nil {
			c.logger.Warn("MQTTブローカーへの接続に失敗しました",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		}
		return err
	}

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return fmt.Errorf("failed to connect to mqtt broker: %w", err)
	}
	return nil
}

// Subscribe はtopicKeyを購読する。ブローカーが購読を拒否した場合はエラーを返す。
func (c *MQTTClient) Subscribe(ctx context.Context, topicKey string) error {
	if !c.client.IsConnectionOpen() {
		return ErrNotConnected
	}

	token := c.client.Subscribe(topicKey, c.qos, nil)
	if err := waitToken(ctx, token); err != nil {
		return err
	}
	if st, ok := token.(*mqtt.SubscribeToken); ok {
		for topic, code := range st.Result() {
			if code == subscribeFailure {
				return fmt.Errorf("subscription to %q rejected by broker", topic)
			}
		}
	}
	return nil
}

// Unsubscribe はtopicKeyの購読を解除する。
func (c *MQTTClient) Unsubscribe(ctx context.Context, topicKey string) error {
	if !c.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	return waitToken(ctx, c.client.Unsubscribe(topicKey))
}

// IsConnected はブローカーとの接続が確立しているかを返す。
func (c *MQTTClient) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

// Disconnect はブローカーから切断する。
func (c *MQTTClient) Disconnect() {
	c.client.Disconnect(250)
}

// waitToken はtokenの完了かctxのキャンセルを待つ。
func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// compile-time interface check
var _ Client = (*MQTTClient)(nil)
