// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// パニックリカバリ、リクエストID、アクセスログ、セキュリティヘッダー、
// CORS、ボディサイズ制限など、認証やルーティングに依存しないものを含む。
// 失敗は c.Error に積むだけでレスポンスは書かない。描画は呼び出し側のエラーハンドラーが行う。
package middleware
