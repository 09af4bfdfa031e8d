package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/nao1215/apigw/pkg/httpclient"
)

const (
	headerRequestID = "X-Request-ID"
	// maxRequestIDLen はクライアントから受け付けるリクエストIDの最大長。
	maxRequestIDLen = 128
	// ContextKeyRequestID はGinコンテキストにリクエストIDを格納するキー。
	ContextKeyRequestID = "request_id"
)

// RequestID はリクエストごとにIDを割り当てるGinミドルウェアを返す。
// クライアントが X-Request-ID を送ってきた場合はそれを引き継ぐ。
// IDはレスポンスヘッダー、バックエンドへのリクエストヘッダー、
// 協調サービスへの問い合わせ（httpclient）に伝播する。
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(headerRequestID)
		if id == "" || len(id) > maxRequestIDLen {
			id = uuid.NewString()
		}
		c.Set(ContextKeyRequestID, id)
		c.Request.Header.Set(headerRequestID, id)
		c.Request = c.Request.WithContext(httpclient.WithRequestID(c.Request.Context(), id))
		c.Header(headerRequestID, id)
		c.Next()
	}
}

// GetRequestID はGinコンテキストからリクエストIDを取得する。
func GetRequestID(c *gin.Context) string {
	return c.GetString(ContextKeyRequestID)
}
