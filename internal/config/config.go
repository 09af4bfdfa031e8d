// Package config はGatewayの設定を環境変数と任意の設定ファイルから読み込む。
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/nao1215/apigw/internal/identity"
	"github.com/nao1215/apigw/internal/proxy"
	"github.com/nao1215/apigw/internal/ratelimit"
)

// IdentityBackend はIdentity Storeの実装種別。
const (
	IdentityBackendSQLite = "sqlite"
	IdentityBackendHTTP   = "http"
)

// 設定キー。環境変数名はキーを大文字にしたもの。
const (
	KeyEnv                = "gateway_env"
	KeyPort               = "port"
	KeyJWTSecret          = "jwt_secret"
	KeyRedisURL           = "redis_url"
	KeyRateLimitPrefix    = "rate_limit_prefix"
	KeyRateLimitFailOpen  = "rate_limit_fail_open"
	KeyIdentityBackend    = "identity_backend"
	KeyDatabasePath       = "database_path"
	KeyIdentityServiceURL = "identity_service_url"
	KeyUserServiceURL     = "user_service_url"
	KeyOrderServiceURL    = "order_service_url"
	KeyProductServiceURL  = "product_service_url"
	KeyRoutes             = "routes"
	KeyUpstreamTimeout    = "upstream_timeout"
	KeyBodyLimitBytes     = "body_limit_bytes"
	KeyCORSOrigins        = "cors_origins"
	KeyTrustedProxies     = "trusted_proxies"
	KeyMetricsAddr        = "metrics_addr"
	KeyShutdownTimeout    = "shutdown_timeout"
	KeyLogLevel           = "log_level"
	KeyLogFormat          = "log_format"
)

// Config はGatewayの設定。Load が返した後は変更しない。
type Config struct {
	// Env は実行環境名（development / production など）。
	Env string
	// Port は公開リスナーのポート。
	Port string
	// JWTSecret はトークン検証に使う署名鍵。
	JWTSecret string
	// RedisURL はレート制限カウンターを置くRedisのURL。
	RedisURL string
	// RateLimitPrefix はカウンターのキー接頭辞。
	RateLimitPrefix string
	// RateLimitFailOpen がtrueならカウンター障害時にリクエストを通す。
	RateLimitFailOpen bool
	// Policies はTierごとのレート制限。
	Policies ratelimit.Policies
	// IdentityBackend はIdentity Storeの実装種別。
	IdentityBackend string
	// DatabasePath はSQLiteのファイルパス。
	DatabasePath string
	// IdentityServiceURL はIdentityサービスのURL。登録の委譲先にも使う。
	IdentityServiceURL string
	// Routes はプロキシのルート表。
	Routes []proxy.Route
	// UpstreamTimeout はバックエンドの応答を待つ上限。
	UpstreamTimeout time.Duration
	// BodyLimitBytes はリクエストボディの上限バイト数。
	BodyLimitBytes int64
	// CORSOrigins は許可するオリジン。"*" は全許可。
	CORSOrigins []string
	// TrustedProxies はクライアントIPの判定で信頼するプロキシ。
	TrustedProxies []string
	// MetricsAddr は管理用リスナーのアドレス。空なら起動しない。
	MetricsAddr string
	// ShutdownTimeout はグレースフルシャットダウンの待ち時間。
	ShutdownTimeout time.Duration
	// LogLevel はログレベル。
	LogLevel string
	// LogFormat はログ形式（json / console）。
	LogFormat string
}

// IsProduction は本番環境かどうかを返す。
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// tierKeys はTierごとの上限とウィンドウの設定キー。
var tierKeys = []struct {
	tier   identity.Tier
	max    string
	window string
}{
	{tier: identity.TierBasic, max: "rate_limit_basic_max", window: "rate_limit_basic_window"},
	{tier: identity.TierPremium, max: "rate_limit_premium_max", window: "rate_limit_premium_window"},
	{tier: identity.TierEnterprise, max: "rate_limit_enterprise_max", window: "rate_limit_enterprise_window"},
}

// SetDefaults はvに既定値を設定し、環境変数を読むようにする。
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyEnv, "development")
	v.SetDefault(KeyPort, "3000")
	v.SetDefault(KeyRedisURL, "redis://localhost:6379/0")
	v.SetDefault(KeyRateLimitPrefix, "rl:")
	v.SetDefault(KeyRateLimitFailOpen, false)
	v.SetDefault(KeyIdentityBackend, IdentityBackendSQLite)
	v.SetDefault(KeyDatabasePath, "./data/gateway.db")
	v.SetDefault(KeyUserServiceURL, "http://localhost:3001")
	v.SetDefault(KeyOrderServiceURL, "http://localhost:3002")
	v.SetDefault(KeyProductServiceURL, "http://localhost:3003")
	v.SetDefault(KeyUpstreamTimeout, 30*time.Second)
	v.SetDefault(KeyBodyLimitBytes, int64(10<<20))
	v.SetDefault(KeyCORSOrigins, "*")
	v.SetDefault(KeyMetricsAddr, ":9090")
	v.SetDefault(KeyShutdownTimeout, 10*time.Second)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "json")

	defaults := ratelimit.DefaultPolicies()
	for _, k := range tierKeys {
		_, p := defaults.Lookup(k.tier)
		v.SetDefault(k.max, p.MaxRequests)
		v.SetDefault(k.window, p.Window)
	}

	v.AutomaticEnv()
}

// Load はvから設定を読み込んで検証する。
// vに設定ファイルが指定されていれば読み込み、routes があればルート表を置き換える。
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)
	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
	}

	cfg := &Config{
		Env:                v.GetString(KeyEnv),
		Port:               v.GetString(KeyPort),
		JWTSecret:          v.GetString(KeyJWTSecret),
		RedisURL:           v.GetString(KeyRedisURL),
		RateLimitPrefix:    v.GetString(KeyRateLimitPrefix),
		RateLimitFailOpen:  v.GetBool(KeyRateLimitFailOpen),
		IdentityBackend:    strings.ToLower(v.GetString(KeyIdentityBackend)),
		DatabasePath:       v.GetString(KeyDatabasePath),
		IdentityServiceURL: v.GetString(KeyIdentityServiceURL),
		UpstreamTimeout:    v.GetDuration(KeyUpstreamTimeout),
		BodyLimitBytes:     v.GetInt64(KeyBodyLimitBytes),
		CORSOrigins:        stringList(v, KeyCORSOrigins),
		TrustedProxies:     stringList(v, KeyTrustedProxies),
		MetricsAddr:        v.GetString(KeyMetricsAddr),
		ShutdownTimeout:    v.GetDuration(KeyShutdownTimeout),
		LogLevel:           strings.ToLower(v.GetString(KeyLogLevel)),
		LogFormat:          strings.ToLower(v.GetString(KeyLogFormat)),
	}

	policies, err := loadPolicies(v)
	if err != nil {
		return nil, err
	}
	cfg.Policies = policies

	routes, err := loadRoutes(v)
	if err != nil {
		return nil, err
	}
	cfg.Routes = routes

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadPolicies(v *viper.Viper) (ratelimit.Policies, error) {
	byTier := make(map[identity.Tier]ratelimit.Policy, len(tierKeys))
	for _, k := range tierKeys {
		byTier[k.tier] = ratelimit.Policy{
			Window:      v.GetDuration(k.window),
			MaxRequests: v.GetInt64(k.max),
		}
	}
	policies, err := ratelimit.NewPolicies(byTier)
	if err != nil {
		return ratelimit.Policies{}, fmt.Errorf("レート制限の設定が不正です: %w", err)
	}
	return policies, nil
}

// DefaultRoutes は users / orders / products の既定のルート表を返す。
func DefaultRoutes(userURL, orderURL, productURL string) []proxy.Route {
	return []proxy.Route{
		{
			Name:        "users",
			Prefix:      "/api/users",
			Target:      userURL,
			Rewrite:     proxy.Rewrite{From: "/api/users", To: "/users"},
			Description: "User management service",
		},
		{
			Name:        "orders",
			Prefix:      "/api/orders",
			Target:      orderURL,
			Rewrite:     proxy.Rewrite{From: "/api/orders", To: "/orders"},
			Description: "Order processing service",
		},
		{
			Name:        "products",
			Prefix:      "/api/products",
			Target:      productURL,
			Rewrite:     proxy.Rewrite{From: "/api/products", To: "/products"},
			Description: "Product catalog service",
		},
	}
}

func loadRoutes(v *viper.Viper) ([]proxy.Route, error) {
	if !v.IsSet(KeyRoutes) {
		return DefaultRoutes(
			v.GetString(KeyUserServiceURL),
			v.GetString(KeyOrderServiceURL),
			v.GetString(KeyProductServiceURL),
		), nil
	}
	var routes []proxy.Route
	if err := v.UnmarshalKey(KeyRoutes, &routes); err != nil {
		return nil, fmt.Errorf("ルート表の読み込みに失敗: %w", err)
	}
	return routes, nil
}

func (c *Config) validate() error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET が設定されていません"))
	}
	if c.Port == "" {
		errs = append(errs, errors.New("PORT が空です"))
	}
	switch c.IdentityBackend {
	case IdentityBackendSQLite:
		if c.DatabasePath == "" {
			errs = append(errs, errors.New("DATABASE_PATH が設定されていません"))
		}
	case IdentityBackendHTTP:
		if c.IdentityServiceURL == "" {
			errs = append(errs, errors.New("IDENTITY_BACKEND=http には IDENTITY_SERVICE_URL が必要です"))
		}
	default:
		errs = append(errs, fmt.Errorf("IDENTITY_BACKEND が不正です: %q", c.IdentityBackend))
	}
	if c.UpstreamTimeout <= 0 {
		errs = append(errs, errors.New("UPSTREAM_TIMEOUT は正の値である必要があります"))
	}
	if c.BodyLimitBytes <= 0 {
		errs = append(errs, errors.New("BODY_LIMIT_BYTES は正の値である必要があります"))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("SHUTDOWN_TIMEOUT は正の値である必要があります"))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("LOG_LEVEL が不正です: %q", c.LogLevel))
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT が不正です: %q", c.LogFormat))
	}
	if _, err := proxy.NewTable(c.Routes); err != nil {
		errs = append(errs, fmt.Errorf("ルート表が不正です: %w", err))
	}
	return errors.Join(errs...)
}

// stringList はカンマ区切りの文字列またはリストを読み込む。
func stringList(v *viper.Viper, key string) []string {
	var out []string
	for _, item := range v.GetStringSlice(key) {
		for part := range strings.SplitSeq(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
