package middleware

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrPanic はハンドラー内で発生したパニックを表す。
var ErrPanic = errors.New("panic recovered")

// Recovery はパニックからの回復を行うGinミドルウェアを返す。
// パニックをログに出力し、ErrPanic を c.Error に積んで処理を中断する。
// レスポンスは書き出さないため、外側のエラーハンドラーが500を返す。
// http.ErrAbortHandler は接続を切るための合図なのでそのまま再送出する。
func Recovery(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			if err, ok := r.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				logger.Debug("レスポンスの送信を中断しました",
					zap.String("method", c.Request.Method),
					zap.String("path", c.Request.URL.Path),
				)
				panic(r)
			}
			logger.Error("パニックから回復しました",
				zap.String("method", c.Request.Method),
				zap.String("path", c.Request.URL.Path),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			_ = c.Error(fmt.Errorf("%w: %v", ErrPanic, r))
			c.Abort()
		}()
		c.Next()
	}
}
