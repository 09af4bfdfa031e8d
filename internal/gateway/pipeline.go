package gateway

import "github.com/gin-gonic/gin"

// ステージ名。
const (
	StageMetrics         = "metrics"
	StageErrors          = "errors"
	StageRecovery        = "recovery"
	StageRequestID       = "request_id"
	StageAccessLog       = "access_log"
	StageSecurityHeaders = "security_headers"
	StageCORS            = "cors"
	StageBodyLimit       = "body_limit"
	StageIdentify        = "identify"
	StageRateLimit       = "rate_limit"
)

// Stage はパイプラインを構成する名前付きのGinハンドラー。
type Stage struct {
	// Name はステージ名。
	Name string
	// Handler はステージの処理。
	Handler gin.HandlerFunc
}

// Pipeline は全リクエストが通るステージの並び。
// Edge は /health を含む全リクエストに、Admission は /health 以外に適用する。
// ルートごとの認証とプロキシ転送は Admission の後にルート単位で付く。
type Pipeline struct {
	// Edge はエラー描画、リカバリ、ヘッダー付与などルーティング前の共通処理。
	Edge []Stage
	// Admission はIdentityの解決とレート制限。
	Admission []Stage
}

// Names はステージ名を適用順に返す。
func (p Pipeline) Names() []string {
	names := make([]string, 0, len(p.Edge)+len(p.Admission))
	for _, s := range p.Edge {
		names = append(names, s.Name)
	}
	for _, s := range p.Admission {
		names = append(names, s.Name)
	}
	return names
}

func handlers(stages []Stage) []gin.HandlerFunc {
	out := make([]gin.HandlerFunc, len(stages))
	for i, s := range stages {
		out[i] = s.Handler
	}
	return out
}
