// Package auth はBearerトークンとAPIキーの2方式による認証を提供する。
//
// リクエストごとにクレデンシャルを1つ選び（Bearerを優先）、それぞれの検証経路で
// identity.Identity に解決する。解決結果はGinコンテキストとリクエストの
// context.Context の両方に添付される。
//
// パイプライン上では2つのステージに分かれる。
//
//   - Identify: 解決を試みて結果を記録する。中断しない。
//   - Require: 解決できていなければ記録された理由で拒否する。
package auth
