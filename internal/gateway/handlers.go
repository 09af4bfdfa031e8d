package gateway

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/apigw/internal/apierror"
	"github.com/nao1215/apigw/internal/auth"
	"github.com/nao1215/apigw/internal/identity"
)

// healthResponse はヘルスチェックの応答。
type healthResponse struct {
	Status        string    `json:"status"`
	Timestamp     time.Time `json:"timestamp"`
	UptimeSeconds int64     `json:"uptimeSeconds"`
}

// serviceEntry はルート表の1件を公開用に表したもの。
type serviceEntry struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	Path        string `json:"path"`
	Description string `json:"description"`
}

// servicesResponse は /api/services の応答。
type servicesResponse struct {
	Services []serviceEntry   `json:"services"`
	User     identity.Summary `json:"user"`
}

// profileResponse は /auth/profile の応答。
type profileResponse struct {
	User identity.Summary `json:"user"`
}

// handleHealth はヘルスチェックのハンドラーを返す。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		now := time.Now()
		c.JSON(http.StatusOK, healthResponse{
			Status:        "healthy",
			Timestamp:     now.UTC(),
			UptimeSeconds: int64(now.Sub(s.startedAt) / time.Second),
		})
	}
}

// handleServices はルート表と呼び出し元の要約を返すハンドラーを返す。
func (s *Server) handleServices() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := auth.IdentityFrom(c)
		if !ok {
			_ = c.Error(apierror.CredentialRequired())
			c.Abort()
			return
		}
		routes := s.router.Table().Routes()
		services := make([]serviceEntry, 0, len(routes))
		for _, r := range routes {
			services = append(services, serviceEntry{
				Name:        r.Name,
				URL:         r.Target,
				Path:        r.Prefix,
				Description: r.Description,
			})
		}
		c.JSON(http.StatusOK, servicesResponse{Services: services, User: id.Summarize()})
	}
}

// handleProfile は呼び出し元のIdentityを返すハンドラーを返す。APIキーは含めない。
func (s *Server) handleProfile() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := auth.IdentityFrom(c)
		if !ok {
			_ = c.Error(apierror.CredentialRequired())
			c.Abort()
			return
		}
		c.JSON(http.StatusOK, profileResponse{User: id.Summarize()})
	}
}
