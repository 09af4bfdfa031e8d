package ratelimit

import (
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/nao1215/apigw/internal/identity"
)

// Policy は1つのTierに適用する固定ウィンドウの上限。
type Policy struct {
	// Window はカウントをリセットするまでの期間。
	Window time.Duration
	// MaxRequests はウィンドウ内で許可するリクエスト数。
	MaxRequests int64
}

// Policies はTierごとの Policy 表。生成後は変更しない。
type Policies struct {
	byTier map[identity.Tier]Policy
}

// DefaultPolicies は既定の Policy 表を返す。
func DefaultPolicies() Policies {
	const window = 15 * time.Minute
	return Policies{byTier: map[identity.Tier]Policy{
		identity.TierBasic:      {Window: window, MaxRequests: 100},
		identity.TierPremium:    {Window: window, MaxRequests: 1000},
		identity.TierEnterprise: {Window: window, MaxRequests: 10000},
	}}
}

// NewPolicies は表を検証して Policies を生成する。basic は必須。
func NewPolicies(byTier map[identity.Tier]Policy) (Policies, error) {
	if _, ok := byTier[identity.TierBasic]; !ok {
		return Policies{}, errors.New("basic tierのポリシーが必要です")
	}
	for tier, p := range byTier {
		if p.Window <= 0 {
			return Policies{}, fmt.Errorf("%s tierのウィンドウは正の値である必要があります", tier)
		}
		if p.MaxRequests <= 0 {
			return Policies{}, fmt.Errorf("%s tierの上限は正の値である必要があります", tier)
		}
	}
	return Policies{byTier: maps.Clone(byTier)}, nil
}

// Lookup はTierに対応する Policy を返す。
// 表にないTierは basic として扱い、実際に適用したTierも返す。
func (p Policies) Lookup(tier identity.Tier) (identity.Tier, Policy) {
	if policy, ok := p.byTier[tier]; ok {
		return tier, policy
	}
	return identity.TierBasic, p.byTier[identity.TierBasic]
}

// QuotaKey はクォータを数えるキーを返す。
// 認証済みならIdentityのID、未認証ならクライアントIPを使う。
func QuotaKey(id *identity.Identity, clientIP string) string {
	if id != nil {
		return "user:" + id.ID
	}
	return "ip:" + clientIP
}
