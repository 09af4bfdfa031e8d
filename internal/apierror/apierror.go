// Package apierror はGatewayが返すエラーの分類と、共通のエラーレスポンス形式を提供する。
//
// 各ステージは *Error を gin.Context.Error に積んで処理を中断し、
// Handler がレスポンスを一度だけ書き出す。
package apierror

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/nao1215/apigw/pkg/middleware"
)

// Kind はエラーの分類名。レスポンスの error フィールドにそのまま使う。
type Kind string

const (
	// KindCredentialRequired はクレデンシャルが提示されていない。
	KindCredentialRequired Kind = "CredentialRequired"
	// KindInvalidToken はトークンの形式または署名が不正。
	KindInvalidToken Kind = "InvalidToken"
	// KindExpiredToken はトークンの有効期限切れ。
	KindExpiredToken Kind = "ExpiredToken"
	// KindInvalidAPIKey はAPIキーに一致するアクティブなIdentityがない。
	KindInvalidAPIKey Kind = "InvalidApiKey"
	// KindUnknownOrInactiveIdentity はトークンの主体が存在しないか非アクティブ。
	KindUnknownOrInactiveIdentity Kind = "UnknownOrInactiveIdentity"
	// KindForbidden は権限不足。
	KindForbidden Kind = "Forbidden"
	// KindRateLimitExceeded はクォータ超過。
	KindRateLimitExceeded Kind = "RateLimitExceeded"
	// KindServiceUnavailable はバックエンドに到達できない。
	KindServiceUnavailable Kind = "ServiceUnavailable"
	// KindRouteNotFound はどのルートにも一致しない。
	KindRouteNotFound Kind = "RouteNotFound"
	// KindPayloadTooLarge はリクエストボディが上限を超えた。
	KindPayloadTooLarge Kind = "PayloadTooLarge"
	// KindInternal は内部エラー。
	KindInternal Kind = "InternalError"
)

// Error はクライアントに返すエラー。
type Error struct {
	// Kind は分類名。
	Kind Kind
	// Status はHTTPステータスコード。
	Status int
	// Message はクライアント向けメッセージ。
	Message string
	// RetryAfterSeconds は再試行までの秒数。RateLimitExceeded のときだけ使う。
	RetryAfterSeconds int64
	// Service は到達できなかったサービス名。
	Service string
	// Path はリクエストパス。RouteNotFound のときだけ使う。
	Path string
	// Method はリクエストメソッド。RouteNotFound のときだけ使う。
	Method string
	// Cause は内部的な原因。レスポンスには含めずログにのみ出す。
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is は Kind が一致すれば同じエラーとみなす。
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Envelope はエラーレスポンスのJSON形式。
type Envelope struct {
	Error             Kind   `json:"error"`
	Message           string `json:"message"`
	RetryAfterSeconds int64  `json:"retryAfterSeconds,omitempty"`
	Service           string `json:"service,omitempty"`
	Path              string `json:"path,omitempty"`
	Method            string `json:"method,omitempty"`
}

// Envelope はレスポンスボディを組み立てる。
func (e *Error) Envelope() Envelope {
	return Envelope{
		Error:             e.Kind,
		Message:           e.Message,
		RetryAfterSeconds: e.RetryAfterSeconds,
		Service:           e.Service,
		Path:              e.Path,
		Method:            e.Method,
	}
}

// As はerrを *Error に変換する。分類外のエラーは InternalError として扱う。
func As(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	var maxBytesErr *http.MaxBytesError
	if errors.Is(err, middleware.ErrPayloadTooLarge) || errors.As(err, &maxBytesErr) {
		return PayloadTooLarge(err)
	}
	return Internal(err)
}

// CredentialRequired はクレデンシャル未提示のエラーを返す。
func CredentialRequired() *Error {
	return &Error{
		Kind:    KindCredentialRequired,
		Status:  http.StatusUnauthorized,
		Message: "Authentication required. Provide a Bearer token or X-Api-Key header.",
	}
}

// InvalidToken はトークン不正のエラーを返す。
func InvalidToken(cause error) *Error {
	return &Error{Kind: KindInvalidToken, Status: http.StatusUnauthorized, Message: "Invalid token", Cause: cause}
}

// ExpiredToken はトークン期限切れのエラーを返す。
func ExpiredToken(cause error) *Error {
	return &Error{Kind: KindExpiredToken, Status: http.StatusUnauthorized, Message: "Token expired", Cause: cause}
}

// InvalidAPIKey はAPIキー不正のエラーを返す。
func InvalidAPIKey() *Error {
	return &Error{Kind: KindInvalidAPIKey, Status: http.StatusUnauthorized, Message: "Invalid API key"}
}

// UnknownOrInactiveIdentity はトークンの主体が使えないことを表すエラーを返す。
func UnknownOrInactiveIdentity() *Error {
	return &Error{
		Kind:    KindUnknownOrInactiveIdentity,
		Status:  http.StatusUnauthorized,
		Message: "Invalid token or user inactive",
	}
}

// Forbidden は権限不足のエラーを返す。
func Forbidden(message string) *Error {
	if message == "" {
		message = "Insufficient permissions"
	}
	return &Error{Kind: KindForbidden, Status: http.StatusForbidden, Message: message}
}

// RateLimitExceeded はクォータ超過のエラーを返す。
func RateLimitExceeded(message string, retryAfterSeconds int64) *Error {
	return &Error{
		Kind:              KindRateLimitExceeded,
		Status:            http.StatusTooManyRequests,
		Message:           message,
		RetryAfterSeconds: retryAfterSeconds,
	}
}

// ServiceUnavailable はバックエンド到達不可のエラーを返す。
func ServiceUnavailable(service string, cause error) *Error {
	return &Error{
		Kind:    KindServiceUnavailable,
		Status:  http.StatusBadGateway,
		Message: "The requested service is currently unavailable",
		Service: service,
		Cause:   cause,
	}
}

// RouteNotFound はルート不一致のエラーを返す。
func RouteNotFound(method, path string) *Error {
	return &Error{
		Kind:    KindRouteNotFound,
		Status:  http.StatusNotFound,
		Message: "The requested endpoint does not exist",
		Path:    path,
		Method:  method,
	}
}

// PayloadTooLarge はボディサイズ超過のエラーを返す。
func PayloadTooLarge(cause error) *Error {
	return &Error{
		Kind:    KindPayloadTooLarge,
		Status:  http.StatusRequestEntityTooLarge,
		Message: "Request body is too large",
		Cause:   cause,
	}
}

// Internal は内部エラーを返す。原因はメッセージに含めない。
func Internal(cause error) *Error {
	return &Error{
		Kind:    KindInternal,
		Status:  http.StatusInternalServerError,
		Message: "Something went wrong",
		Cause:   cause,
	}
}
