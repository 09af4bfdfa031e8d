package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nao1215/apigw/internal/apierror"
	"github.com/nao1215/apigw/internal/identity"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// setupLedger はminiredisを起動して RedisLedger を返す。
func setupLedger(t *testing.T) (*RedisLedger, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLedger(client, "rl:"), mr
}

// failingLedger は常に失敗する Ledger。
type failingLedger struct{}

func (failingLedger) Increment(context.Context, string, time.Duration) (Count, error) {
	return Count{}, errors.New("connection refused")
}

func smallPolicies(t *testing.T, limit int64) Policies {
	t.Helper()

	p, err := NewPolicies(map[identity.Tier]Policy{
		identity.TierBasic:   {Window: time.Minute, MaxRequests: limit},
		identity.TierPremium: {Window: time.Minute, MaxRequests: limit * 10},
	})
	require.NoError(t, err)
	return p
}

func TestPolicies(t *testing.T) {
	t.Parallel()

	t.Run("既定の表がTierごとの上限を持つこと", func(t *testing.T) {
		t.Parallel()

		p := DefaultPolicies()
		for tier, want := range map[identity.Tier]int64{
			identity.TierBasic:      100,
			identity.TierPremium:    1000,
			identity.TierEnterprise: 10000,
		} {
			got, policy := p.Lookup(tier)
			assert.Equal(t, tier, got)
			assert.Equal(t, want, policy.MaxRequests)
			assert.Equal(t, 15*time.Minute, policy.Window)
		}
	})

	t.Run("未知のTierはbasicとして扱われること", func(t *testing.T) {
		t.Parallel()

		tier, policy := DefaultPolicies().Lookup("platinum")
		assert.Equal(t, identity.TierBasic, tier)
		assert.Equal(t, int64(100), policy.MaxRequests)
	})

	t.Run("basicがない表は拒否されること", func(t *testing.T) {
		t.Parallel()

		_, err := NewPolicies(map[identity.Tier]Policy{identity.TierPremium: {Window: time.Minute, MaxRequests: 1}})
		assert.Error(t, err)
	})

	t.Run("不正な値は拒否されること", func(t *testing.T) {
		t.Parallel()

		_, err := NewPolicies(map[identity.Tier]Policy{identity.TierBasic: {Window: 0, MaxRequests: 1}})
		assert.Error(t, err)
		_, err = NewPolicies(map[identity.Tier]Policy{identity.TierBasic: {Window: time.Minute, MaxRequests: 0}})
		assert.Error(t, err)
	})

	t.Run("生成後に元のmapを変更しても影響を受けないこと", func(t *testing.T) {
		t.Parallel()

		src := map[identity.Tier]Policy{identity.TierBasic: {Window: time.Minute, MaxRequests: 5}}
		p, err := NewPolicies(src)
		require.NoError(t, err)
		src[identity.TierBasic] = Policy{Window: time.Hour, MaxRequests: 999}

		_, policy := p.Lookup(identity.TierBasic)
		assert.Equal(t, int64(5), policy.MaxRequests)
	})
}

func TestQuotaKey(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "user:u1", QuotaKey(&identity.Identity{ID: "u1"}, "10.0.0.1"))
	assert.Equal(t, "ip:10.0.0.1", QuotaKey(nil, "10.0.0.1"))
}

func TestRedisLedger(t *testing.T) {
	t.Parallel()

	t.Run("加算ごとにカウントが増え最初の加算で期限が設定されること", func(t *testing.T) {
		t.Parallel()

		ledger, mr := setupLedger(t)
		ctx := context.Background()

		first, err := ledger.Increment(ctx, "user:u1", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(1), first.Value)
		assert.Equal(t, time.Minute, first.ResetIn)

		mr.FastForward(10 * time.Second)
		second, err := ledger.Increment(ctx, "user:u1", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(2), second.Value)
		assert.Equal(t, 50*time.Second, second.ResetIn)

		assert.True(t, mr.Exists("rl:user:u1"))
		assert.Equal(t, 50*time.Second, mr.TTL("rl:user:u1"))
	})

	t.Run("ウィンドウが過ぎるとカウントがリセットされること", func(t *testing.T) {
		t.Parallel()

		ledger, mr := setupLedger(t)
		ctx := context.Background()

		for range 3 {
			_, err := ledger.Increment(ctx, "ip:1.2.3.4", time.Minute)
			require.NoError(t, err)
		}
		mr.FastForward(time.Minute + time.Second)

		c, err := ledger.Increment(ctx, "ip:1.2.3.4", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(1), c.Value)
	})

	t.Run("期限を失ったキーに期限が再設定されること", func(t *testing.T) {
		t.Parallel()

		ledger, mr := setupLedger(t)
		require.NoError(t, mr.Set("rl:user:stuck", "7"))

		c, err := ledger.Increment(context.Background(), "user:stuck", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(8), c.Value)
		assert.Equal(t, time.Minute, mr.TTL("rl:user:stuck"))
	})

	t.Run("Redisに接続できなければエラーになること", func(t *testing.T) {
		t.Parallel()

		ledger, mr := setupLedger(t)
		mr.Close()

		_, err := ledger.Increment(context.Background(), "user:u1", time.Minute)
		assert.Error(t, err)
	})
}

func TestDecision(t *testing.T) {
	t.Parallel()

	policy := Policy{Window: 15 * time.Minute, MaxRequests: 100}

	tests := []struct {
		name          string
		decision      Decision
		wantRemaining int64
		wantReset     int64
	}{
		{name: "残り時間は切り上げられること", decision: Decision{Policy: policy, Count: 10, ResetIn: 1500 * time.Millisecond}, wantRemaining: 90, wantReset: 2},
		{name: "残り時間が不明ならウィンドウ秒数になること", decision: Decision{Policy: policy, Count: 100}, wantRemaining: 0, wantReset: 900},
		{name: "超過時の残数は0になること", decision: Decision{Policy: policy, Count: 150, ResetIn: time.Hour}, wantRemaining: 0, wantReset: 900},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.wantRemaining, tt.decision.Remaining())
			assert.Equal(t, tt.wantReset, tt.decision.ResetSeconds())
		})
	}
}

// newLimitedRouter は Limiter を通したテスト用ルーター。
// X-Test-User ヘッダーがあればそのIDとTierでIdentityを添付する。
func newLimitedRouter(l *Limiter) *gin.Engine {
	r := gin.New()
	r.Use(apierror.Handler(nil), func(c *gin.Context) {
		if userID := c.GetHeader("X-Test-User"); userID != "" {
			id := &identity.Identity{ID: userID, RateLimitTier: identity.Tier(c.GetHeader("X-Test-Tier")), IsActive: true}
			c.Request = c.Request.WithContext(identity.NewContext(c.Request.Context(), id))
		}
		c.Next()
	}, l.Middleware())
	ok := func(c *gin.Context) { c.String(http.StatusOK, "ok") }
	r.GET("/health", ok)
	r.GET("/api/users", ok)
	return r
}

func doGet(r http.Handler, path, userID, tier string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "192.0.2.1:1234"
	if userID != "" {
		req.Header.Set("X-Test-User", userID)
		req.Header.Set("X-Test-Tier", tier)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestLimiter_Middleware(t *testing.T) {
	t.Parallel()

	t.Run("basicユーザーは100件まで通り101件目が429になること", func(t *testing.T) {
		t.Parallel()

		ledger, _ := setupLedger(t)
		r := newLimitedRouter(NewLimiter(DefaultPolicies(), ledger))

		for i := 1; i <= 100; i++ {
			w := doGet(r, "/api/users", "u1", "basic")
			require.Equal(t, http.StatusOK, w.Code, "request %d", i)
			assert.Equal(t, strconv.Itoa(100-i), w.Header().Get("RateLimit-Remaining"))
		}

		w := doGet(r, "/api/users", "u1", "basic")
		require.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Equal(t, "100", w.Header().Get("RateLimit-Limit"))
		assert.Equal(t, "0", w.Header().Get("RateLimit-Remaining"))
		assert.NotEmpty(t, w.Header().Get("Retry-After"))
		assert.Contains(t, w.Body.String(), `"error":"RateLimitExceeded"`)
		assert.Contains(t, w.Body.String(), "Rate limit exceeded. Max 100 requests per 15 minutes for basic tier.")

		retryAfter, err := strconv.Atoi(w.Header().Get("Retry-After"))
		require.NoError(t, err)
		assert.LessOrEqual(t, retryAfter, 900)
		assert.Positive(t, retryAfter)
	})

	t.Run("ウィンドウが過ぎると再び通ること", func(t *testing.T) {
		t.Parallel()

		ledger, mr := setupLedger(t)
		r := newLimitedRouter(NewLimiter(smallPolicies(t, 2), ledger))

		assert.Equal(t, http.StatusOK, doGet(r, "/api/users", "u1", "basic").Code)
		assert.Equal(t, http.StatusOK, doGet(r, "/api/users", "u1", "basic").Code)
		assert.Equal(t, http.StatusTooManyRequests, doGet(r, "/api/users", "u1", "basic").Code)

		mr.FastForward(time.Minute)
		assert.Equal(t, http.StatusOK, doGet(r, "/api/users", "u1", "basic").Code)
	})

	t.Run("Identityごとに独立して数えられること", func(t *testing.T) {
		t.Parallel()

		ledger, _ := setupLedger(t)
		r := newLimitedRouter(NewLimiter(smallPolicies(t, 1), ledger))

		assert.Equal(t, http.StatusOK, doGet(r, "/api/users", "u1", "basic").Code)
		assert.Equal(t, http.StatusTooManyRequests, doGet(r, "/api/users", "u1", "basic").Code)
		assert.Equal(t, http.StatusOK, doGet(r, "/api/users", "u2", "basic").Code)
		assert.Equal(t, http.StatusOK, doGet(r, "/api/users", "", "").Code)
	})

	t.Run("上位Tierには高い上限が適用されること", func(t *testing.T) {
		t.Parallel()

		ledger, _ := setupLedger(t)
		r := newLimitedRouter(NewLimiter(smallPolicies(t, 1), ledger))

		for range 10 {
			require.Equal(t, http.StatusOK, doGet(r, "/api/users", "p1", "premium").Code)
		}
		w := doGet(r, "/api/users", "p1", "premium")
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Equal(t, "10", w.Header().Get("RateLimit-Limit"))
	})

	t.Run("/healthは数えられずヘッダーも付かないこと", func(t *testing.T) {
		t.Parallel()

		ledger, mr := setupLedger(t)
		r := newLimitedRouter(NewLimiter(smallPolicies(t, 1), ledger))

		for range 5 {
			w := doGet(r, "/health", "", "")
			require.Equal(t, http.StatusOK, w.Code)
			assert.Empty(t, w.Header().Get("RateLimit-Limit"))
		}
		assert.Empty(t, mr.Keys())
	})

	t.Run("カウンター障害時は既定で500になること", func(t *testing.T) {
		t.Parallel()

		r := newLimitedRouter(NewLimiter(DefaultPolicies(), failingLedger{}))

		w := doGet(r, "/api/users", "u1", "basic")
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Contains(t, w.Body.String(), `"error":"InternalError"`)
		assert.NotContains(t, w.Body.String(), "connection refused")
	})

	t.Run("fail-open設定ならカウンター障害時も通ること", func(t *testing.T) {
		t.Parallel()

		r := newLimitedRouter(NewLimiter(DefaultPolicies(), failingLedger{}, WithFailOpen(true)))

		w := doGet(r, "/api/users", "u1", "basic")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get("RateLimit-Limit"))
	})

	t.Run("fail-openでFallbackがあればプロセス内で制限されること", func(t *testing.T) {
		t.Parallel()

		r := newLimitedRouter(NewLimiter(smallPolicies(t, 2), failingLedger{},
			WithFailOpen(true),
			WithFallback(NewFallback(time.Minute)),
		))

		for range 2 {
			require.Equal(t, http.StatusOK, doGet(r, "/api/users", "u1", "basic").Code)
		}
		w := doGet(r, "/api/users", "u1", "basic")
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Equal(t, "30", w.Header().Get("Retry-After"))
		// 別のIdentityは別のバケット
		assert.Equal(t, http.StatusOK, doGet(r, "/api/users", "u2", "basic").Code)
	})
}

func TestFallback(t *testing.T) {
	t.Parallel()

	t.Run("上限までバーストで通り時間経過でトークンが戻ること", func(t *testing.T) {
		t.Parallel()

		f := NewFallback(time.Hour)
		now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		f.now = func() time.Time { return now }
		policy := Policy{Window: time.Minute, MaxRequests: 3}

		for range 3 {
			assert.True(t, f.Allow("user:u1", policy))
		}
		assert.False(t, f.Allow("user:u1", policy))

		now = now.Add(20 * time.Second)
		assert.True(t, f.Allow("user:u1", policy))
		assert.False(t, f.Allow("user:u1", policy))
	})

	t.Run("Tierが変わるとそのPolicyでバケットを作り直すこと", func(t *testing.T) {
		t.Parallel()

		f := NewFallback(time.Hour)
		now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		f.now = func() time.Time { return now }
		basic := Policy{Window: time.Minute, MaxRequests: 2}
		premium := Policy{Window: time.Minute, MaxRequests: 5}

		for range 2 {
			require.True(t, f.Allow("user:u1", basic))
		}
		require.False(t, f.Allow("user:u1", basic))

		for range 5 {
			assert.True(t, f.Allow("user:u1", premium))
		}
		assert.False(t, f.Allow("user:u1", premium))
		assert.Equal(t, 1, f.Len())
	})

	t.Run("使われなくなったキーは破棄されること", func(t *testing.T) {
		t.Parallel()

		f := NewFallback(time.Minute)
		now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		f.now = func() time.Time { return now }
		policy := Policy{Window: time.Minute, MaxRequests: 3}

		f.Allow("ip:192.0.2.1", policy)
		f.Allow("ip:192.0.2.2", policy)
		require.Equal(t, 2, f.Len())

		now = now.Add(2 * time.Minute)
		f.Allow("ip:192.0.2.3", policy)
		assert.Equal(t, 1, f.Len())
	})
}
