// Package proxy はパス接頭辞によるルーティングとバックエンドへのリバースプロキシを提供する。
//
// ルート表は設定順に評価され、最初に一致したルートが使われる。
// 転送前に X-User-* ヘッダーを作り直し、応答にはGatewayの識別ヘッダーを付ける。
// バックエンドに到達できない場合は ServiceUnavailable (502) として扱い、再試行しない。
package proxy
