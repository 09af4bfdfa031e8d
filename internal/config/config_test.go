package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nao1215/apigw/internal/identity"
)

// newViper は必須項目を設定したviperを返す。
func newViper(t *testing.T) *viper.Viper {
	t.Helper()

	v := viper.New()
	v.Set(KeyJWTSecret, "test-secret")
	return v
}

func TestLoad(t *testing.T) {
	t.Parallel()

	t.Run("既定値で読み込めること", func(t *testing.T) {
		t.Parallel()

		cfg, err := Load(newViper(t))
		require.NoError(t, err)

		assert.Equal(t, "3000", cfg.Port)
		assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
		assert.Equal(t, "rl:", cfg.RateLimitPrefix)
		assert.False(t, cfg.RateLimitFailOpen)
		assert.Equal(t, IdentityBackendSQLite, cfg.IdentityBackend)
		assert.Equal(t, 30*time.Second, cfg.UpstreamTimeout)
		assert.Equal(t, int64(10<<20), cfg.BodyLimitBytes)
		assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
		assert.Equal(t, ":9090", cfg.MetricsAddr)
		assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
		assert.False(t, cfg.IsProduction())

		require.Len(t, cfg.Routes, 3)
		assert.Equal(t, "users", cfg.Routes[0].Name)
		assert.Equal(t, "http://localhost:3001", cfg.Routes[0].Target)
		assert.Equal(t, "/users", cfg.Routes[0].Rewrite.To)
		assert.Equal(t, "orders", cfg.Routes[1].Name)
		assert.Equal(t, "products", cfg.Routes[2].Name)

		_, basic := cfg.Policies.Lookup(identity.TierBasic)
		assert.Equal(t, int64(100), basic.MaxRequests)
		assert.Equal(t, 15*time.Minute, basic.Window)
	})

	t.Run("JWT_SECRETがなければエラーになること", func(t *testing.T) {
		t.Parallel()

		_, err := Load(viper.New())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "JWT_SECRET")
	})

	t.Run("個別の設定値が反映されること", func(t *testing.T) {
		t.Parallel()

		v := newViper(t)
		v.Set(KeyPort, "8080")
		v.Set(KeyUserServiceURL, "http://users.internal:9000")
		v.Set(KeyCORSOrigins, "https://a.example.com, https://b.example.com")
		v.Set(KeyTrustedProxies, "10.0.0.0/8")
		v.Set("rate_limit_premium_max", 5)
		v.Set("rate_limit_premium_window", "1m")
		v.Set(KeyRateLimitFailOpen, "true")
		v.Set(KeyEnv, "production")

		cfg, err := Load(v)
		require.NoError(t, err)
		assert.Equal(t, "8080", cfg.Port)
		assert.Equal(t, "http://users.internal:9000", cfg.Routes[0].Target)
		assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.CORSOrigins)
		assert.Equal(t, []string{"10.0.0.0/8"}, cfg.TrustedProxies)
		assert.True(t, cfg.RateLimitFailOpen)
		assert.True(t, cfg.IsProduction())

		_, premium := cfg.Policies.Lookup(identity.TierPremium)
		assert.Equal(t, int64(5), premium.MaxRequests)
		assert.Equal(t, time.Minute, premium.Window)
	})

	t.Run("http backendにはIDENTITY_SERVICE_URLが必要なこと", func(t *testing.T) {
		t.Parallel()

		v := newViper(t)
		v.Set(KeyIdentityBackend, "http")
		_, err := Load(v)
		require.Error(t, err)

		v.Set(KeyIdentityServiceURL, "http://identity:4000")
		cfg, err := Load(v)
		require.NoError(t, err)
		assert.Equal(t, IdentityBackendHTTP, cfg.IdentityBackend)
	})

	t.Run("不正な値がまとめて報告されること", func(t *testing.T) {
		t.Parallel()

		v := newViper(t)
		v.Set(KeyIdentityBackend, "ldap")
		v.Set(KeyLogLevel, "verbose")
		v.Set(KeyBodyLimitBytes, 0)
		v.Set(KeyOrderServiceURL, "not-a-url")

		_, err := Load(v)
		require.Error(t, err)
		for _, want := range []string{"IDENTITY_BACKEND", "LOG_LEVEL", "BODY_LIMIT_BYTES", "ルート表"} {
			assert.Contains(t, err.Error(), want)
		}
	})

	t.Run("設定ファイルのroutesでルート表が置き換わること", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "gateway.yaml")
		content := `
routes:
  - name: inventory
    prefix: /api/inventory
    target: http://inventory:8080
    rewrite:
      from: /api/inventory
      to: /v2/inventory
    description: Inventory service
  - name: catalog
    prefix: /api
    target: http://catalog:8080
log_level: debug
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

		v := newViper(t)
		v.SetConfigFile(path)
		cfg, err := Load(v)
		require.NoError(t, err)

		require.Len(t, cfg.Routes, 2)
		assert.Equal(t, "inventory", cfg.Routes[0].Name)
		assert.Equal(t, "/v2/inventory", cfg.Routes[0].Rewrite.To)
		assert.Equal(t, "Inventory service", cfg.Routes[0].Description)
		assert.Equal(t, "catalog", cfg.Routes[1].Name)
		assert.Equal(t, "debug", cfg.LogLevel)
	})

	t.Run("存在しない設定ファイルはエラーになること", func(t *testing.T) {
		t.Parallel()

		v := newViper(t)
		v.SetConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
		_, err := Load(v)
		assert.Error(t, err)
	})
}
