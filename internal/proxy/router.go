package proxy

import (
	"net"
	"net/http"
	"net/http/httputil"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nao1215/apigw/internal/apierror"
	"github.com/nao1215/apigw/internal/metrics"
)

// contextKeyRoute は Dispatch が選んだルートを格納するGinコンテキストのキー。
const contextKeyRoute = "proxy_route"

// Router はルート表に従ってリクエストをバックエンドに転送する。
type Router struct {
	// table はルート表。
	table *Table
	// hooks は転送の各段階で呼ぶ関数。
	hooks Hooks
	// transport はバックエンドとの通信に使う。
	transport http.RoundTripper
	// timeout はバックエンドの応答ヘッダーを待つ上限。
	timeout time.Duration
	// version は X-Gateway-Version に載せる値。
	version string
	// logger はロガー。
	logger *zap.Logger
	// metrics は転送結果の記録先。nilでもよい。
	metrics *metrics.Metrics
}

// Option は Router の設定を変更する。
type Option func(*Router)

// WithTimeout はバックエンドの応答を待つ上限を設定する。
func WithTimeout(d time.Duration) Option {
	return func(r *Router) { r.timeout = d }
}

// WithTransport はバックエンドとの通信に使うRoundTripperを設定する。
func WithTransport(rt http.RoundTripper) Option {
	return func(r *Router) { r.transport = rt }
}

// WithVersion は X-Gateway-Version に載せる値を設定する。
func WithVersion(v string) Option {
	return func(r *Router) { r.version = v }
}

// WithLogger はロガーを設定する。
func WithLogger(logger *zap.Logger) Option {
	return func(r *Router) { r.logger = logger }
}

// WithMetrics はメトリクスの記録先を設定する。
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithHooks は既定のフックを置き換える。nilのフィールドは既定のまま。
func WithHooks(h Hooks) Option {
	return func(r *Router) {
		if h.Request != nil {
			r.hooks.Request = h.Request
		}
		if h.Response != nil {
			r.hooks.Response = h.Response
		}
		if h.Failure != nil {
			r.hooks.Failure = h.Failure
		}
	}
}

// NewRouter は Router を生成する。
func NewRouter(table *Table, opts ...Option) *Router {
	r := &Router{
		table:   table,
		timeout: 30 * time.Second,
		version: "1.0.0",
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	custom := r.hooks
	r.hooks = Hooks{
		Request:  InjectIdentityHeaders,
		Response: GatewayHeaders(r.version),
		Failure:  TranslateFailure(r.logger, r.metrics),
	}
	WithHooks(custom)(r)

	if r.transport == nil {
		r.transport = newTransport(r.timeout)
	}
	return r
}

func newTransport(timeout time.Duration) http.RoundTripper {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DialContext = (&net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}).DialContext
	t.ResponseHeaderTimeout = timeout
	return t
}

// Table はルート表を返す。
func (r *Router) Table() *Table {
	return r.table
}

// Dispatch はパスに一致するルートを選ぶステージ。
// 一致しなければ RouteNotFound で中断する。
// "." や ".." のセグメントを含むパスは一致させない。
func (r *Router) Dispatch() gin.HandlerFunc {
	return func(c *gin.Context) {
		route, ok := r.table.Match(c.Request.URL.Path)
		if !ok || hasDotSegment(c.Request.URL.Path) {
			_ = c.Error(apierror.RouteNotFound(c.Request.Method, c.Request.URL.Path))
			c.Abort()
			return
		}
		c.Set(contextKeyRoute, route)
		c.Next()
	}
}

// Forward は Dispatch が選んだルートのバックエンドへ転送するステージ。
// ボディは双方向にストリーミングし、再試行はしない。
func (r *Router) Forward() gin.HandlerFunc {
	return func(c *gin.Context) {
		v, ok := c.Get(contextKeyRoute)
		route, _ := v.(Route)
		if !ok || route.target == nil {
			_ = c.Error(apierror.RouteNotFound(c.Request.Method, c.Request.URL.Path))
			c.Abort()
			return
		}

		rp := &httputil.ReverseProxy{
			Rewrite: func(pr *httputil.ProxyRequest) {
				pr.Out.URL.Path, pr.Out.URL.RawPath = route.rewriteURLPath(pr.In.URL)
				pr.SetURL(route.target)
				pr.SetXForwarded()
				r.hooks.Request(pr, route)
			},
			Transport: r.transport,
			ModifyResponse: func(resp *http.Response) error {
				dropShadowedHeaders(resp, c.Writer.Header())
				return r.hooks.Response(resp, route)
			},
			ErrorHandler: func(_ http.ResponseWriter, _ *http.Request, err error) {
				r.hooks.Failure(c, route, err)
			},
		}

		start := time.Now()
		rp.ServeHTTP(c.Writer, c.Request)
		r.metrics.ObserveUpstream(route.Name, time.Since(start))
	}
}
