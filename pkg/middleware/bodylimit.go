package middleware

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// ErrPayloadTooLarge はリクエストボディが上限を超えたことを表す。
var ErrPayloadTooLarge = errors.New("request body too large")

// BodyLimit はリクエストボディをlimitバイトに制限するGinミドルウェアを返す。
// Content-Lengthが上限を超える場合はその場で中断し、
// それ以外はボディを http.MaxBytesReader で包んで読み取り時に打ち切る。
func BodyLimit(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > limit {
			_ = c.Error(fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, c.Request.ContentLength, limit))
			c.Abort()
			return
		}
		if c.Request.Body != nil && c.Request.Body != http.NoBody {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		}
		c.Next()
	}
}
