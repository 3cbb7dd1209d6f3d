// Package config は環境変数からハブの設定を読み込む。
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/websubhub/internal/model"
)

// ストレージバックエンド
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Hub
	HubURL       string
	RootURL      string
	PublisherURL string

	// Storage
	StorageBackend    string
	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	// Broker
	MQTTURL      string
	MQTTUser     string
	MQTTPassword string
	MQTTClientID string
	MQTTQoS      byte

	// Lease
	DefaultLeaseSeconds int
	MinLeaseSeconds     int
	MaxLeaseSeconds     int

	// Delivery
	SignatureAlgorithm    string
	EnforceJSON           bool
	EnforceUTF8           bool
	DeliveryMaxConcurrent int

	// Size limits
	MaxRequestSize int64
	MaxURLSize     int
	MaxTopicSize   int
	MaxContentSize int
	MaxSecretSize  int

	// Outbound HTTP
	OutboundTimeout       time.Duration
	OutboundAllowedPorts  []int
	HandshakeTimeout      time.Duration
	AllowPrivateCallbacks bool

	// Publisher circuit breaker
	PublisherBreakerFailures uint32
	PublisherBreakerReset    time.Duration

	// Rate Limit
	RateLimitSubscribe int

	// Jobs
	ExpirySweepInterval time.Duration

	// Logging
	LogLevel string

	// Server
	ServerPort     string
	MaxConnections int
}

// LeasePolicy はリース秒数の既定値と上下限を返す。
func (c *Config) LeasePolicy() model.LeasePolicy {
	return model.LeasePolicy{
		Default: c.DefaultLeaseSeconds,
		Min:     c.MinLeaseSeconds,
		Max:     c.MaxLeaseSeconds,
	}
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合、または値が不正な場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.HubURL = os.Getenv("HUB_URL")
	if cfg.HubURL == "" {
		missing = append(missing, "HUB_URL")
	}

	cfg.RootURL = os.Getenv("STA_ROOT_URL")
	if cfg.RootURL == "" {
		missing = append(missing, "STA_ROOT_URL")
	}

	cfg.StorageBackend = getEnvString("STORAGE_BACKEND", StoragePostgres)
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" && cfg.StorageBackend != StorageMemory {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.PublisherURL = strings.TrimRight(getEnvString("PUBLISHER_URL", cfg.RootURL), "/")
	cfg.DBMaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", 10)
	cfg.DBMaxIdleConns = getEnvInt("DB_MAX_IDLE_CONNS", 5)
	cfg.DBConnMaxLifetime = getEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute)
	cfg.MQTTURL = getEnvString("STA_MQTT_URL", "tcp://localhost:1883")
	cfg.MQTTUser = getEnvString("STA_MQTT_USER", "")
	cfg.MQTTPassword = getEnvString("STA_MQTT_PASSWORD", "")
	cfg.MQTTClientID = getEnvString("STA_MQTT_CLIENT_ID", "websubhub-"+uuid.NewString())
	cfg.DefaultLeaseSeconds = getEnvInt("HUB_DEFAULT_LEASE_SECONDS", 1800)
	cfg.MinLeaseSeconds = getEnvInt("HUB_MIN_LEASE_SECONDS", 60)
	cfg.MaxLeaseSeconds = getEnvInt("HUB_MAX_LEASE_SECONDS", 86400)
	cfg.SignatureAlgorithm = strings.ToLower(getEnvString("HUB_SIGNATURE_ALGORITHM", "sha256"))
	cfg.EnforceJSON = getEnvBool("HUB_ENFORCE_JSON", false)
	cfg.EnforceUTF8 = getEnvBool("HUB_ENFORCE_UTF8", false)
	cfg.DeliveryMaxConcurrent = getEnvInt("DELIVERY_MAX_CONCURRENT", 32)
	cfg.MaxRequestSize = getEnvInt64("MAX_REQUEST_SIZE", 32768)
	cfg.MaxURLSize = getEnvInt("MAX_URL_SIZE", 2024)
	cfg.MaxTopicSize = getEnvInt("MAX_TOPIC_SIZE", 4096)
	cfg.MaxContentSize = getEnvInt("MAX_CONTENT_SIZE", 1048576)
	cfg.MaxSecretSize = getEnvInt("MAX_SECRET_SIZE", 200)
	cfg.OutboundTimeout = getEnvDuration("OUTBOUND_TIMEOUT", 10*time.Second)
	cfg.HandshakeTimeout = getEnvDuration("HANDSHAKE_TIMEOUT", 30*time.Second)
	cfg.AllowPrivateCallbacks = getEnvBool("ALLOW_PRIVATE_CALLBACKS", false)
	cfg.PublisherBreakerFailures = uint32(getEnvInt("PUBLISHER_BREAKER_FAILURES", 5))
	cfg.PublisherBreakerReset = getEnvDuration("PUBLISHER_BREAKER_RESET", 30*time.Second)
	cfg.RateLimitSubscribe = getEnvInt("RATE_LIMIT_SUBSCRIBE", 60)
	cfg.ExpirySweepInterval = getEnvDuration("EXPIRY_SWEEP_INTERVAL", 10*time.Minute)
	cfg.LogLevel = getEnvString("HUB_LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "4000")
	cfg.MaxConnections = getEnvInt("MAX_CONNECTIONS", 1024)

	qos := getEnvInt("STA_MQTT_QOS", 0)
	ports, err := parsePorts(getEnvString("OUTBOUND_ALLOWED_PORTS", "80,443"))
	if err != nil {
		return nil, err
	}
	cfg.OutboundAllowedPorts = ports

	// Validation
	var invalid []string
	if !isAbsoluteURL(cfg.HubURL) {
		invalid = append(invalid, "HUB_URL")
	}
	if !isAbsoluteURL(cfg.RootURL) {
		invalid = append(invalid, "STA_ROOT_URL")
	}
	if !isAbsoluteURL(cfg.PublisherURL) {
		invalid = append(invalid, "PUBLISHER_URL")
	}
	if cfg.StorageBackend != StoragePostgres && cfg.StorageBackend != StorageMemory {
		invalid = append(invalid, "STORAGE_BACKEND")
	}
	if qos < 0 || qos > 2 {
		invalid = append(invalid, "STA_MQTT_QOS")
	}
	cfg.MQTTQoS = byte(qos)
	if cfg.MinLeaseSeconds <= 0 || cfg.MinLeaseSeconds > cfg.MaxLeaseSeconds ||
		cfg.DefaultLeaseSeconds < cfg.MinLeaseSeconds || cfg.DefaultLeaseSeconds > cfg.MaxLeaseSeconds {
		invalid = append(invalid, "HUB_*_LEASE_SECONDS")
	}
	switch cfg.SignatureAlgorithm {
	case "sha1", "sha256", "sha384", "sha512":
	default:
		invalid = append(invalid, "HUB_SIGNATURE_ALGORITHM")
	}
	if cfg.DeliveryMaxConcurrent <= 0 {
		invalid = append(invalid, "DELIVERY_MAX_CONCURRENT")
	}
	if cfg.MaxConnections <= 0 {
		invalid = append(invalid, "MAX_CONNECTIONS")
	}

	if len(invalid) > 0 {
		return nil, fmt.Errorf("invalid environment variables: %v", invalid)
	}

	return cfg, nil
}

func isAbsoluteURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func parsePorts(v string) ([]int, error) {
	var ports []int
	for _, p := range strings.Split(v, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 || n > 65535 {
			return nil, fmt.Errorf("invalid port in OUTBOUND_ALLOWED_PORTS: %q", p)
		}
		ports = append(ports, n)
	}
	if len(ports) == 0 {
		return nil, fmt.Errorf("OUTBOUND_ALLOWED_PORTS must not be empty")
	}
	return ports, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
