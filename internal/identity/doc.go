// Package identity は呼び出し元Identityのモデルと、それを解決するストアを提供する。
//
// Identity Store はGatewayにとって外部の協調者であり、Gatewayは読み取り専用で参照する。
// SQLiteに直接問い合わせる SQLiteStore と、Identityサービスに HTTP で問い合わせる
// RemoteStore の2つの実装を持つ。
package identity
