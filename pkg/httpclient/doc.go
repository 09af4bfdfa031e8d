// Package httpclient は協調サービスとJSONでやり取りするHTTPクライアントを提供する。
//
// GatewayがIdentityサービスなどの外部協調者に問い合わせる際に使用する。
// 2xx以外の応答は *StatusError として返すため、呼び出し側で
// ステータスコードに応じた分岐（404を「存在しない」と解釈する等）ができる。
package httpclient
