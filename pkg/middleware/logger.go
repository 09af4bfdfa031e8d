package middleware

import (
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// AccessLog はアクセスログを出力するGinミドルウェアを返す。
// skipPathsに指定したパス（ヘルスチェック等）はログに出さない。
func AccessLog(logger *zap.Logger, skipPaths ...string) gin.HandlerFunc {
	return ginzap.GinzapWithConfig(logger, &ginzap.Config{
		TimeFormat: time.RFC3339,
		UTC:        true,
		SkipPaths:  skipPaths,
		Context: func(c *gin.Context) []zapcore.Field {
			return []zapcore.Field{zap.String("request_id", GetRequestID(c))}
		},
	})
}
