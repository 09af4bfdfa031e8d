package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Count はウィンドウ内の現在のカウント。
type Count struct {
	// Value はこのリクエストを含むカウント。
	Value int64
	// ResetIn はウィンドウが終わるまでの残り時間。不明なら0。
	ResetIn time.Duration
}

// Ledger はキーごとの固定ウィンドウカウンターを保持する共有ストア。
type Ledger interface {
	// Increment はkeyのカウントを1増やして結果を返す。
	// ウィンドウの最初の加算であれば期限をwindowに設定する。
	Increment(ctx context.Context, key string, window time.Duration) (Count, error)
}

// incrementScript はINCRと期限設定を1往復で原子的に行う。
// 期限が失われたキー（PTTL < 0）にも期限を設定し直す。
var incrementScript = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if current == 1 or ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RedisLedger はRedisを使う Ledger 実装。
type RedisLedger struct {
	// client はRedisクライアント。
	client redis.UniversalClient
	// prefix は全てのキーに付ける接頭辞。
	prefix string
}

// NewRedisLedger は RedisLedger を生成する。
func NewRedisLedger(client redis.UniversalClient, prefix string) *RedisLedger {
	return &RedisLedger{client: client, prefix: prefix}
}

// Increment はkeyのカウントを1増やす。
func (l *RedisLedger) Increment(ctx context.Context, key string, window time.Duration) (Count, error) {
	res, err := incrementScript.Run(ctx, l.client, []string{l.prefix + key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return Count{}, fmt.Errorf("レート制限カウンターの更新に失敗: %w", err)
	}
	if len(res) != 2 {
		return Count{}, fmt.Errorf("レート制限カウンターの応答が不正: %v", res)
	}
	c := Count{Value: res[0]}
	if res[1] > 0 {
		c.ResetIn = time.Duration(res[1]) * time.Millisecond
	}
	return c, nil
}
