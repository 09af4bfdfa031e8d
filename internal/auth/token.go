package auth

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nao1215/apigw/internal/apierror"
)

// Claims はGatewayが受け付けるトークンのクレーム。
type Claims struct {
	jwt.RegisteredClaims
	// UserID は旧形式のトークンが主体を格納していたクレーム。
	UserID string `json:"userId,omitempty"`
}

// subject はトークンの主体を返す。sub がなければ userId を使う。
func (c *Claims) subject() string {
	if c.Subject != "" {
		return c.Subject
	}
	return c.UserID
}

// TokenVerifier はHS256で署名されたトークンを検証する。
type TokenVerifier struct {
	// secret はプロセス全体で共有する署名鍵。
	secret []byte
	// parser は許可する署名方式を固定したパーサー。
	parser *jwt.Parser
}

// NewTokenVerifier は TokenVerifier を生成する。
func NewTokenVerifier(secret string) *TokenVerifier {
	return &TokenVerifier{
		secret: []byte(secret),
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
	}
}

// Verify はトークンを検証して主体のIDを返す。
// 期限切れは ExpiredToken、それ以外の不正は InvalidToken になる。
func (v *TokenVerifier) Verify(token string) (string, error) {
	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(token, claims, func(_ *jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", apierror.ExpiredToken(err)
		}
		return "", apierror.InvalidToken(err)
	}
	sub := claims.subject()
	if sub == "" {
		return "", apierror.InvalidToken(errors.New("token has no subject"))
	}
	return sub, nil
}
