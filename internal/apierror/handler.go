package apierror

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nao1215/apigw/internal/identity"
)

// Handler はステージが積んだエラーをレスポンスに変換するミドルウェア。
// パイプラインの最外周に置き、最後に積まれたエラーだけを一度書き出す。
// すでにレスポンスが書き出されている場合はログのみ出力する。
func Handler(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		c.Next()

		last := c.Errors.Last()
		if last == nil {
			return
		}
		apiErr := As(last.Err)
		log(logger, c, apiErr)

		if c.Writer.Written() {
			return
		}
		if apiErr.Kind == KindRateLimitExceeded && apiErr.RetryAfterSeconds > 0 {
			c.Header("Retry-After", strconv.FormatInt(apiErr.RetryAfterSeconds, 10))
		}
		c.AbortWithStatusJSON(apiErr.Status, apiErr.Envelope())
	}
}

func log(logger *zap.Logger, c *gin.Context, apiErr *Error) {
	fields := []zap.Field{
		zap.String("kind", string(apiErr.Kind)),
		zap.Int("status", apiErr.Status),
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.String("request_id", c.Writer.Header().Get("X-Request-ID")),
	}
	if id, ok := identity.FromContext(c.Request.Context()); ok {
		fields = append(fields, zap.String("identity_id", id.ID))
	}
	if apiErr.Service != "" {
		fields = append(fields, zap.String("service", apiErr.Service))
	}
	if apiErr.Cause != nil {
		fields = append(fields, zap.Error(apiErr.Cause))
	}

	switch {
	case apiErr.Status >= http.StatusInternalServerError:
		logger.Error("リクエストの処理に失敗しました", fields...)
	case apiErr.Status == http.StatusTooManyRequests:
		logger.Warn("レート制限を超過しました", fields...)
	default:
		logger.Info("リクエストを拒否しました", fields...)
	}
}
