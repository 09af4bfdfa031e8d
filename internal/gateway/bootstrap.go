package gateway

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nao1215/apigw/internal/config"
	"github.com/nao1215/apigw/internal/identity"
	"github.com/nao1215/apigw/internal/metrics"
	"github.com/nao1215/apigw/internal/ratelimit"
	"github.com/nao1215/apigw/pkg/httpclient"
)

// redisPingTimeout は起動時にRedisへの疎通を確認する際の待ち時間。
const redisPingTimeout = 5 * time.Second

// Build は設定に従ってIdentity StoreとRedisに接続し、Server を組み立てる。
// 返した Server の Close で接続を解放する。
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger, version string) (*Server, error) {
	var closers []io.Closer
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}

	store, err := openIdentityStore(ctx, cfg, logger, &closers)
	if err != nil {
		cleanup()
		return nil, err
	}

	client, err := openRedis(ctx, cfg.RedisURL)
	if err != nil {
		cleanup()
		return nil, err
	}
	closers = append(closers, client)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	srv, err := NewServer(cfg, Dependencies{
		Store:   store,
		Ledger:  ratelimit.NewRedisLedger(client, cfg.RateLimitPrefix),
		Logger:  logger,
		Metrics: metrics.New(reg),
		Version: version,
	})
	if err != nil {
		cleanup()
		return nil, err
	}
	srv.closers = closers
	return srv, nil
}

func openIdentityStore(ctx context.Context, cfg *config.Config, logger *zap.Logger, closers *[]io.Closer) (identity.Store, error) {
	if cfg.IdentityBackend == config.IdentityBackendHTTP {
		client := httpclient.New(cfg.IdentityServiceURL, httpclient.WithTimeout(cfg.UpstreamTimeout))
		logger.Info("Identityサービスを参照します", zap.String("url", cfg.IdentityServiceURL))
		return identity.NewRemoteStore(client), nil
	}

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("データベースディレクトリの作成に失敗: %w", err)
		}
	}
	store, err := identity.OpenSQLite(ctx, cfg.DatabasePath, logger)
	if err != nil {
		return nil, err
	}
	*closers = append(*closers, store)
	logger.Info("SQLiteのIdentity Storeを開きました", zap.String("path", cfg.DatabasePath))
	return store, nil
}

func openRedis(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("REDIS_URL が不正です: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("レート制限用Redisへの接続に失敗: %w", err)
	}
	return client, nil
}
