// Package metrics はGatewayのPrometheusメトリクスを提供する。
//
// すべてのメソッドはnilレシーバーでも安全に呼び出せるため、
// テストではメトリクスを渡さずに各コンポーネントを組み立てられる。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics はGatewayのコレクター一式。
type Metrics struct {
	// requests はステータスコード別のリクエスト数。
	requests *prometheus.CounterVec
	// authFailures は理由別の認証失敗数。
	authFailures *prometheus.CounterVec
	// rateLimitDecisions はTier・判定結果別のレート制限判定数。
	rateLimitDecisions *prometheus.CounterVec
	// upstreamFailures はサービス別のバックエンド到達失敗数。
	upstreamFailures *prometheus.CounterVec
	// upstreamDuration はサービス別のバックエンド応答時間。
	upstreamDuration *prometheus.HistogramVec
	// gatherer は /metrics で公開するレジストリ。
	gatherer prometheus.Gatherer
}

// New はコレクターを生成してregに登録する。
// regがGathererも実装していれば Handler はそのレジストリを公開する。
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total number of requests handled by the gateway",
		}, []string{"method", "code"}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_auth_failures_total",
			Help: "Total number of rejected credentials grouped by reason",
		}, []string{"reason"}),
		rateLimitDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_rate_limit_decisions_total",
			Help: "Total number of rate limit decisions grouped by tier and outcome",
		}, []string{"tier", "outcome"}),
		upstreamFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_upstream_failures_total",
			Help: "Total number of upstream exchanges that failed before a response",
		}, []string{"service"}),
		upstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_upstream_duration_seconds",
			Help:    "Duration of upstream exchanges",
			Buckets: prometheus.DefBuckets,
		}, []string{"service"}),
		gatherer: prometheus.DefaultGatherer,
	}
	reg.MustRegister(
		m.requests,
		m.authFailures,
		m.rateLimitDecisions,
		m.upstreamFailures,
		m.upstreamDuration,
	)
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m
}

// AuthFailure は認証失敗を記録する。
func (m *Metrics) AuthFailure(reason string) {
	if m == nil {
		return
	}
	m.authFailures.WithLabelValues(reason).Inc()
}

// RateLimitDecision はレート制限の判定を記録する。outcomeは allowed / rejected / error。
func (m *Metrics) RateLimitDecision(tier, outcome string) {
	if m == nil {
		return
	}
	m.rateLimitDecisions.WithLabelValues(tier, outcome).Inc()
}

// UpstreamFailure はバックエンド到達失敗を記録する。
func (m *Metrics) UpstreamFailure(service string) {
	if m == nil {
		return
	}
	m.upstreamFailures.WithLabelValues(service).Inc()
}

// ObserveUpstream はバックエンドとのやり取りにかかった時間を記録する。
func (m *Metrics) ObserveUpstream(service string, d time.Duration) {
	if m == nil {
		return
	}
	m.upstreamDuration.WithLabelValues(service).Observe(d.Seconds())
}

// Middleware はレスポンスのステータスコードを数えるGinミドルウェアを返す。
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if m == nil {
			return
		}
		m.requests.WithLabelValues(c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

// Handler は /metrics を提供するハンドラーを返す。
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
