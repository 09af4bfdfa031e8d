package proxy

import (
	"context"
	"errors"
	"net/http"
	"net/http/httputil"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nao1215/apigw/internal/apierror"
	"github.com/nao1215/apigw/internal/identity"
	"github.com/nao1215/apigw/internal/metrics"
)

// RequestHook は転送前のリクエストを加工する。
type RequestHook func(pr *httputil.ProxyRequest, route Route)

// ResponseHook はバックエンドの応答をクライアントに返す前に加工する。
type ResponseHook func(resp *http.Response, route Route) error

// FailureHook はバックエンドとのやり取りが失敗したときに呼ばれる。
type FailureHook func(c *gin.Context, route Route, err error)

// Hooks は Router が転送の各段階で呼ぶ関数。
type Hooks struct {
	// Request は転送前に呼ばれる。
	Request RequestHook
	// Response は応答を返す前に呼ばれる。
	Response ResponseHook
	// Failure は転送失敗時に呼ばれる。
	Failure FailureHook
}

// Identityをバックエンドに伝えるヘッダー。
const (
	HeaderUserID    = "X-User-ID"
	HeaderUserRole  = "X-User-Role"
	HeaderUserEmail = "X-User-Email"
)

const userHeaderPrefix = "X-User-"

// InjectIdentityHeaders はクライアントが送ってきた X-User-* ヘッダーを取り除き、
// Identityが添付されていればその値で X-User-ID / X-User-Role / X-User-Email を設定する。
func InjectIdentityHeaders(pr *httputil.ProxyRequest, _ Route) {
	for name := range pr.Out.Header {
		if strings.HasPrefix(http.CanonicalHeaderKey(name), userHeaderPrefix) {
			pr.Out.Header.Del(name)
		}
	}
	id, ok := identity.FromContext(pr.In.Context())
	if !ok {
		return
	}
	pr.Out.Header.Set(HeaderUserID, id.ID)
	pr.Out.Header.Set(HeaderUserRole, string(id.Role))
	pr.Out.Header.Set(HeaderUserEmail, id.Email)
}

// GatewayHeaders は応答にGatewayの識別ヘッダーを付けるフックを返す。
func GatewayHeaders(version string) ResponseHook {
	return func(resp *http.Response, _ Route) error {
		resp.Header.Set("X-Gateway", "REST-API-Gateway")
		resp.Header.Set("X-Gateway-Version", version)
		return nil
	}
}

// gatewayOwnedHeaders は転送前にGatewayが応答へ設定するヘッダー。
var gatewayOwnedHeaders = []string{
	"RateLimit-Limit",
	"RateLimit-Remaining",
	"RateLimit-Reset",
	"X-Request-ID",
}

// dropShadowedHeaders はGatewayが設定済みのヘッダーをバックエンドの応答から取り除く。
// ReverseProxy は応答ヘッダーを追加でコピーするため、残すと値が2つになる。
func dropShadowedHeaders(resp *http.Response, set http.Header) {
	for _, name := range gatewayOwnedHeaders {
		if set.Get(name) != "" {
			resp.Header.Del(name)
		}
	}
}

// TranslateFailure は転送失敗を ServiceUnavailable としてエラーハンドラーに渡すフックを返す。
// クライアントが切断した場合は応答先がないためログだけ出す。
func TranslateFailure(logger *zap.Logger, m *metrics.Metrics) FailureHook {
	return func(c *gin.Context, route Route, err error) {
		if errors.Is(err, context.Canceled) && c.Request.Context().Err() != nil {
			logger.Info("クライアントが切断したため転送を中止しました",
				zap.String("service", route.Name),
				zap.String("path", c.Request.URL.Path),
			)
			c.Abort()
			return
		}
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			_ = c.Error(apierror.PayloadTooLarge(err))
			c.Abort()
			return
		}
		m.UpstreamFailure(route.Name)
		_ = c.Error(apierror.ServiceUnavailable(route.Name, err))
		c.Abort()
	}
}
