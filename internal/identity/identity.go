package identity

import (
	"context"
	"errors"
)

// ErrNotFound は該当するIdentityが存在しないことを表す。
var ErrNotFound = errors.New("identity not found")

// Role は呼び出し元の権限種別。
type Role string

const (
	// RoleUser は一般ユーザー。
	RoleUser Role = "user"
	// RoleAdmin は管理者。
	RoleAdmin Role = "admin"
)

// Tier はレート制限の閾値を決めるクォータ区分。
type Tier string

const (
	// TierBasic は既定の区分。未認証リクエストもこの区分で数える。
	TierBasic Tier = "basic"
	// TierPremium は上位区分。
	TierPremium Tier = "premium"
	// TierEnterprise は最上位区分。
	TierEnterprise Tier = "enterprise"
)

// Identity は認証済みの呼び出し元を表す。
// Gatewayはリクエスト単位で読み取り専用の参照を保持するだけで、変更しない。
type Identity struct {
	// ID はIdentityの一意識別子。
	ID string `json:"id"`
	// Email はメールアドレス。
	Email string `json:"email"`
	// Role は権限種別。
	Role Role `json:"role"`
	// APIKey は発行済みAPIキー。レスポンスには含めない。
	APIKey string `json:"-"`
	// RateLimitTier はレート制限の区分。
	RateLimitTier Tier `json:"rateLimitTier"`
	// IsActive が false のIdentityは認証済みとして扱わない。
	IsActive bool `json:"isActive"`
}

// IsAdmin は管理者かどうかを返す。
func (i *Identity) IsAdmin() bool {
	return i != nil && i.Role == RoleAdmin
}

// Summary はクライアントに返すIdentityの要約。
type Summary struct {
	ID            string `json:"id"`
	Email         string `json:"email,omitempty"`
	Role          Role   `json:"role"`
	RateLimitTier Tier   `json:"rateLimitTier"`
}

// Summarize はIdentityから秘密情報を除いた要約を作る。
func (i *Identity) Summarize() Summary {
	return Summary{
		ID:            i.ID,
		Email:         i.Email,
		Role:          i.Role,
		RateLimitTier: i.RateLimitTier,
	}
}

// Store はクレデンシャルからIdentityを引く外部ストア。
// 見つからない場合は ErrNotFound を返す。
type Store interface {
	// FindByID はIDでIdentityを取得する。非アクティブなものも返す。
	FindByID(ctx context.Context, id string) (*Identity, error)
	// FindActiveByAPIKey はAPIキーに一致するアクティブなIdentityを取得する。
	FindActiveByAPIKey(ctx context.Context, apiKey string) (*Identity, error)
}

type contextKey struct{}

// NewContext はIdentityを保持するコンテキストを返す。
func NewContext(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext はコンテキストに添付されたIdentityを取り出す。
func FromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(*Identity)
	return id, ok && id != nil
}
