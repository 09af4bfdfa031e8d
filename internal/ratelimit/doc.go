// Package ratelimit はTierごとの固定ウィンドウによるレート制限を提供する。
//
// カウンターはRedisに置き、加算と期限設定をLuaスクリプトで原子的に行う。
// 複数のGatewayインスタンスが同じRedisを共有すれば、上限はインスタンス全体で共有される。
//
// カウンターに接続できない場合は既定で500を返す。fail-openにすると
// Fallback のトークンバケットでインスタンスごとに近似的に制限しながら通す。
package ratelimit
