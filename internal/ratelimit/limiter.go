package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nao1215/apigw/internal/apierror"
	"github.com/nao1215/apigw/internal/identity"
	"github.com/nao1215/apigw/internal/metrics"
)

// Decision は1リクエストに対するレート制限の判定結果。
type Decision struct {
	// Allowed はリクエストを通すかどうか。
	Allowed bool
	// Tier は適用したTier。
	Tier identity.Tier
	// Policy は適用した上限。
	Policy Policy
	// Count はこのリクエストを含むカウント。
	Count int64
	// ResetIn はウィンドウが終わるまでの残り時間。
	ResetIn time.Duration
}

// Remaining はウィンドウ内で残っているリクエスト数を返す。
func (d Decision) Remaining() int64 {
	return max(d.Policy.MaxRequests-d.Count, 0)
}

// ResetSeconds はウィンドウが終わるまでの秒数を切り上げで返す。
// 残り時間が不明な場合やウィンドウより長い場合はウィンドウの秒数を返す。
func (d Decision) ResetSeconds() int64 {
	window := ceilSeconds(d.Policy.Window)
	if d.ResetIn <= 0 {
		return window
	}
	return min(ceilSeconds(d.ResetIn), window)
}

func ceilSeconds(d time.Duration) int64 {
	return int64((d + time.Second - 1) / time.Second)
}

// Limiter はTierごとの上限でリクエスト数を制限する。
type Limiter struct {
	// policies はTierごとの上限表。
	policies Policies
	// ledger はカウンターの保存先。
	ledger Ledger
	// logger はロガー。
	logger *zap.Logger
	// metrics は判定結果の記録先。nilでもよい。
	metrics *metrics.Metrics
	// failOpen がtrueならカウンター障害時にリクエストを通す。
	failOpen bool
	// fallback はfailOpen時に使うプロセス内の制限。nilなら無制限に通す。
	fallback *Fallback
	// exempt は数えないパスの集合。
	exempt map[string]struct{}
}

// Option は Limiter の設定を変更する。
type Option func(*Limiter)

// WithLogger はロガーを設定する。
func WithLogger(logger *zap.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// WithMetrics はメトリクスの記録先を設定する。
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

// WithFailOpen はカウンター障害時にリクエストを通すかどうかを設定する。
func WithFailOpen(failOpen bool) Option {
	return func(l *Limiter) { l.failOpen = failOpen }
}

// WithFallback はカウンター障害時に使うプロセス内の制限を設定する。WithFailOpen(true) のときだけ使う。
func WithFallback(f *Fallback) Option {
	return func(l *Limiter) { l.fallback = f }
}

// WithExemptPaths は数えないパスを追加する。
func WithExemptPaths(paths ...string) Option {
	return func(l *Limiter) {
		for _, p := range paths {
			l.exempt[p] = struct{}{}
		}
	}
}

// NewLimiter は Limiter を生成する。
func NewLimiter(policies Policies, ledger Ledger, opts ...Option) *Limiter {
	l := &Limiter{
		policies: policies,
		ledger:   ledger,
		logger:   zap.NewNop(),
		exempt:   map[string]struct{}{"/health": {}},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check はリクエストを1件数えて判定する。
// idがnilなら basic tier でクライアントIPごとに数える。
func (l *Limiter) Check(ctx context.Context, id *identity.Identity, clientIP string) (Decision, error) {
	tier := identity.TierBasic
	if id != nil {
		tier = id.RateLimitTier
	}
	tier, policy := l.policies.Lookup(tier)

	count, err := l.ledger.Increment(ctx, QuotaKey(id, clientIP), policy.Window)
	if err != nil {
		return Decision{Tier: tier, Policy: policy}, err
	}
	return Decision{
		Allowed: count.Value <= policy.MaxRequests,
		Tier:    tier,
		Policy:  policy,
		Count:   count.Value,
		ResetIn: count.ResetIn,
	}, nil
}

// Middleware はレート制限を行うGinミドルウェアを返す。
// 認証ステージより後、ルートごとの認証より前に置く。
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := l.exempt[c.Request.URL.Path]; ok {
			c.Next()
			return
		}

		id, _ := identity.FromContext(c.Request.Context())
		decision, err := l.Check(c.Request.Context(), id, c.ClientIP())
		if err != nil {
			l.metrics.RateLimitDecision(string(decision.Tier), "error")
			if !l.failOpen {
				_ = c.Error(apierror.Internal(err))
				c.Abort()
				return
			}
			if l.fallback != nil && !l.fallback.Allow(QuotaKey(id, c.ClientIP()), decision.Policy) {
				l.metrics.RateLimitDecision(string(decision.Tier), "rejected")
				_ = c.Error(apierror.RateLimitExceeded(rejectionMessage(decision), decision.Policy.retryAfter()))
				c.Abort()
				return
			}
			l.logger.Warn("レート制限カウンターに接続できないためリクエストを通します", zap.Error(err))
			c.Next()
			return
		}

		c.Header("RateLimit-Limit", strconv.FormatInt(decision.Policy.MaxRequests, 10))
		c.Header("RateLimit-Remaining", strconv.FormatInt(decision.Remaining(), 10))
		c.Header("RateLimit-Reset", strconv.FormatInt(decision.ResetSeconds(), 10))

		if !decision.Allowed {
			l.metrics.RateLimitDecision(string(decision.Tier), "rejected")
			_ = c.Error(apierror.RateLimitExceeded(rejectionMessage(decision), decision.ResetSeconds()))
			c.Abort()
			return
		}
		l.metrics.RateLimitDecision(string(decision.Tier), "allowed")
		c.Next()
	}
}

func rejectionMessage(d Decision) string {
	return fmt.Sprintf("Rate limit exceeded. Max %d requests per %d minutes for %s tier.",
		d.Policy.MaxRequests, int64(d.Policy.Window/time.Minute), d.Tier)
}
