package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/net/netutil"

	"github.com/hitoshi/websubhub/internal/broker"
	"github.com/hitoshi/websubhub/internal/config"
	"github.com/hitoshi/websubhub/internal/database"
	"github.com/hitoshi/websubhub/internal/logger"
	"github.com/hitoshi/websubhub/internal/repository"
)

// restoreTimeout はブローカー接続時の購読復元1回あたりの上限時間。
const restoreTimeout = 2 * time.Minute

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, *slog.Logger, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	appLogger := logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再初期化する
	appLogger = logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, appLogger, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "4000"
		}
		return runHealthcheck(port)
	}

	cfg, appLogger, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	appLogger.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("hub_url", cfg.HubURL),
		slog.String("storage", cfg.StorageBackend),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg, appLogger)
	default:
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServe(ctx, cfg, appLogger)
	}
}

// openStorage は設定されたバックエンドのリポジトリを生成する。
// postgresの場合は未適用のマイグレーションを適用してから接続する。
// 返されるクローズ関数は呼び出し側で必ず実行すること。
func openStorage(ctx context.Context, cfg *config.Config, appLogger *slog.Logger) (storage, func(), error) {
	if cfg.StorageBackend == config.StorageMemory {
		repo := repository.NewMemoryRepo()
		appLogger.Warn("using in-memory storage; subscriptions are lost on restart")
		return storage{topics: repo, subs: repo, health: repo}, func() {}, nil
	}

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return storage{}, nil, fmt.Errorf("migration failed: %w", err)
	}

	db, err := database.Connect(ctx, cfg.DatabaseURL, database.PoolOptions{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		return storage{}, nil, err
	}
	appLogger.Info("database connection established", slog.Uint64("schema_version", uint64(version)))

	return postgresStorage(db), func() { db.Close() }, nil
}

func postgresStorage(db *sql.DB) storage {
	return storage{
		topics: repository.NewPostgresTopicRepo(db),
		subs:   repository.NewPostgresSubscriptionRepo(db),
		health: db,
	}
}

// runServe はハブサーバーモードで起動する。
// 全依存関係をワイヤリングし、ブローカーへ接続してからHTTPサーバーを起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config, appLogger *slog.Logger) error {
	// 1. ストレージ
	store, closeStorage, err := openStorage(ctx, cfg, appLogger)
	if err != nil {
		return err
	}
	defer closeStorage()

	// 2. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// 3. ブローカーとハブの構成要素
	// MQTTのコールバックはConnect後にしか呼ばれないため、hubは接続前に代入済みとなる
	var h *hubComponents
	mqttClient := broker.NewMQTTClient(broker.MQTTOptions{
		URL:      cfg.MQTTURL,
		Username: cfg.MQTTUser,
		Password: cfg.MQTTPassword,
		ClientID: cfg.MQTTClientID,
		QoS:      cfg.MQTTQoS,
		OnConnect: func() {
			restoreCtx, cancel := context.WithTimeout(ctx, restoreTimeout)
			defer cancel()
			h.onBrokerConnect(restoreCtx, appLogger)
		},
		OnConnectionLost: func(error) {
			h.bridge.MarkDisconnected()
		},
		OnMessage: func(topicKey string, payload []byte) {
			h.bridge.OnMessage(ctx, topicKey, payload)
		},
	}, appLogger)

	h, err = newHub(cfg, store, mqttClient, reg, appLogger)
	if err != nil {
		return err
	}
	defer h.close()

	appLogger.Info("connecting to broker", slog.String("broker", cfg.MQTTURL))
	if err := mqttClient.Connect(ctx); err != nil {
		return err
	}
	defer mqttClient.Disconnect()

	// 4. 期限切れ購読の掃除
	if cfg.ExpirySweepInterval > 0 {
		go h.expiry.Start(ctx, cfg.ExpirySweepInterval)
	}

	// 5. HTTPサーバーの起動
	ln, err := net.Listen("tcp", ":"+cfg.ServerPort)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	if cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, cfg.MaxConnections)
	}

	server := &http.Server{
		Handler:      h.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		appLogger.Info("hub server starting",
			slog.String("addr", ln.Addr().String()),
			slog.Int("max_connections", cfg.MaxConnections),
		)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
	case <-ctx.Done():
	}
	appLogger.Info("shutting down hub server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	appLogger.Info("hub server stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config, appLogger *slog.Logger) error {
	if cfg.StorageBackend == config.StorageMemory {
		appLogger.Info("in-memory storage has no migrations")
		return nil
	}

	appLogger.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	appLogger.Info("database migrations completed successfully", slog.Uint64("schema_version", uint64(version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	endpoint := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(endpoint)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
