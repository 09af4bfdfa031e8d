package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nao1215/apigw/internal/apierror"
	"github.com/nao1215/apigw/internal/identity"
	"github.com/nao1215/apigw/internal/metrics"
)

// Ginコンテキストのキー。
const (
	contextKeyIdentity  = "identity"
	contextKeyRejection = "auth_rejection"
)

// Dispatcher はクレデンシャルの種類に応じて検証方法を選び、Identityを解決する。
type Dispatcher struct {
	// verifier はBearerトークンの検証器。
	verifier *TokenVerifier
	// store はIdentityの参照先。
	store identity.Store
	// logger はロガー。
	logger *zap.Logger
	// metrics は認証失敗の記録先。nilでもよい。
	metrics *metrics.Metrics
}

// NewDispatcher は Dispatcher を生成する。
func NewDispatcher(secret string, store identity.Store, logger *zap.Logger, m *metrics.Metrics) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		verifier: NewTokenVerifier(secret),
		store:    store,
		logger:   logger,
		metrics:  m,
	}
}

// Resolve はクレデンシャルからアクティブなIdentityを解決する。
// 失敗時は *apierror.Error を返す。
func (d *Dispatcher) Resolve(ctx context.Context, cred Credential) (*identity.Identity, error) {
	switch cred := cred.(type) {
	case BearerCredential:
		return d.resolveBearer(ctx, cred)
	case APIKeyCredential:
		return d.resolveAPIKey(ctx, cred)
	default:
		return nil, apierror.CredentialRequired()
	}
}

func (d *Dispatcher) resolveBearer(ctx context.Context, cred BearerCredential) (*identity.Identity, error) {
	id, err := d.verifier.Verify(cred.Token)
	if err != nil {
		return nil, err
	}
	found, err := d.store.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return nil, apierror.UnknownOrInactiveIdentity()
		}
		return nil, apierror.Internal(fmt.Errorf("identityの取得に失敗: %w", err))
	}
	if !found.IsActive {
		return nil, apierror.UnknownOrInactiveIdentity()
	}
	return found, nil
}

func (d *Dispatcher) resolveAPIKey(ctx context.Context, cred APIKeyCredential) (*identity.Identity, error) {
	found, err := d.store.FindActiveByAPIKey(ctx, cred.Key)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return nil, apierror.InvalidAPIKey()
		}
		return nil, apierror.Internal(fmt.Errorf("APIキーの照合に失敗: %w", err))
	}
	if !found.IsActive {
		return nil, apierror.InvalidAPIKey()
	}
	return found, nil
}

// Identify はクレデンシャルがあればIdentityを解決して添付するステージ。
// 失敗しても中断せず結果を記録するだけで、拒否は Require が行う。
// 後続のレート制限が認証済みIdentityでクォータを数えるために先に実行する。
func (d *Dispatcher) Identify() gin.HandlerFunc {
	return func(c *gin.Context) {
		cred, ok := Extract(c.Request.Header)
		if !ok {
			c.Next()
			return
		}

		id, err := d.Resolve(c.Request.Context(), cred)
		if err != nil {
			c.Set(contextKeyRejection, err)
			d.logger.Debug("クレデンシャルの検証に失敗しました",
				zap.String("credential", credentialKind(cred)),
				zap.String("path", c.Request.URL.Path),
				zap.Error(err),
			)
			c.Next()
			return
		}

		c.Set(contextKeyIdentity, id)
		c.Request = c.Request.WithContext(identity.NewContext(c.Request.Context(), id))
		c.Next()
	}
}

// Require はIdentityが添付されていなければ中断するステージ。
// Identify が記録した拒否理由があればそれを、なければ CredentialRequired を返す。
func (d *Dispatcher) Require() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := IdentityFrom(c); ok {
			c.Next()
			return
		}

		var rejection error = apierror.CredentialRequired()
		if v, ok := c.Get(contextKeyRejection); ok {
			if err, ok := v.(error); ok {
				rejection = err
			}
		}
		d.metrics.AuthFailure(string(apierror.As(rejection).Kind))
		_ = c.Error(rejection)
		c.Abort()
	}
}

// RequireAdmin は管理者以外を Forbidden で拒否するステージ。Require の後に置く。
func (d *Dispatcher) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := IdentityFrom(c)
		if !ok {
			_ = c.Error(apierror.CredentialRequired())
			c.Abort()
			return
		}
		if !id.IsAdmin() {
			d.metrics.AuthFailure(string(apierror.KindForbidden))
			_ = c.Error(apierror.Forbidden(""))
			c.Abort()
			return
		}
		c.Next()
	}
}

// IdentityFrom はGinコンテキストに添付されたIdentityを返す。
func IdentityFrom(c *gin.Context) (*identity.Identity, bool) {
	v, ok := c.Get(contextKeyIdentity)
	if !ok {
		return nil, false
	}
	id, ok := v.(*identity.Identity)
	return id, ok && id != nil
}

func credentialKind(cred Credential) string {
	switch cred.(type) {
	case BearerCredential:
		return "bearer"
	case APIKeyCredential:
		return "api_key"
	default:
		return "none"
	}
}
