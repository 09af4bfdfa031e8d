package auth

import (
	"net/http"
	"strings"
)

// Credential はリクエストが提示したクレデンシャル。
// BearerCredential と APIKeyCredential のいずれか。
type Credential interface {
	credential()
}

// BearerCredential は Authorization: Bearer で提示されたトークン。
type BearerCredential struct {
	// Token は署名付きトークン文字列。
	Token string
}

// APIKeyCredential は X-Api-Key で提示されたAPIキー。
type APIKeyCredential struct {
	// Key はAPIキー。
	Key string
}

func (BearerCredential) credential() {}
func (APIKeyCredential) credential() {}

const (
	headerAuthorization = "Authorization"
	headerAPIKey        = "X-Api-Key"
	bearerPrefix        = "Bearer "
)

// Extract はヘッダーからクレデンシャルを1つ選ぶ。
// Bearerトークンがあればそれを優先し、なければAPIキーを使う。
// Bearer形式でない Authorization ヘッダーは無視する。
func Extract(h http.Header) (Credential, bool) {
	if token, ok := strings.CutPrefix(h.Get(headerAuthorization), bearerPrefix); ok {
		if token = strings.TrimSpace(token); token != "" {
			return BearerCredential{Token: token}, true
		}
	}
	if key := strings.TrimSpace(h.Get(headerAPIKey)); key != "" {
		return APIKeyCredential{Key: key}, true
	}
	return nil, false
}
