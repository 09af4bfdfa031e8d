// Package gateway はGatewayのHTTPサーバーを組み立てる。
//
// 受け付けたリクエストは Pipeline の Edge ステージを通ったあと、
// ヘルスチェック以外は Admission ステージで Identity の解決とレート制限を受け、
// ルートごとの認証を経てプロキシでバックエンドに転送される。
// ステージの順序を変えると挙動が変わるため、順序は NewServer で固定している。
package gateway
