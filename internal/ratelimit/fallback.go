package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// fallbackEntry はキーごとのトークンバケットと最終アクセス時刻。
type fallbackEntry struct {
	limiter *rate.Limiter
	// policy はバケットを作ったときの Policy。
	policy     Policy
	lastAccess time.Time
}

// Fallback はカウンターに接続できない間、プロセス内のトークンバケットで近似的に制限する。
// インスタンス間で共有されないため、上限はインスタンスごとに効く。
type Fallback struct {
	mu        sync.Mutex
	entries   map[string]*fallbackEntry
	maxAge    time.Duration
	lastSweep time.Time
	now       func() time.Time
}

// NewFallback は Fallback を生成する。maxAgeより長く使われていないキーは破棄する。
func NewFallback(maxAge time.Duration) *Fallback {
	if maxAge <= 0 {
		maxAge = 15 * time.Minute
	}
	return &Fallback{
		entries: make(map[string]*fallbackEntry),
		maxAge:  maxAge,
		now:     time.Now,
	}
}

// Allow はkeyのリクエストをpolicyの平均レートで通すかどうかを返す。
// バーストはウィンドウの上限と同じにする。
// キーに適用する Policy が変わった場合はバケットを作り直す。
func (f *Fallback) Allow(key string, policy Policy) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	if now.Sub(f.lastSweep) > f.maxAge {
		f.sweep(now)
	}

	e, ok := f.entries[key]
	if !ok || e.policy != policy {
		every := policy.Window / time.Duration(policy.MaxRequests)
		e = &fallbackEntry{
			limiter: rate.NewLimiter(rate.Every(every), int(policy.MaxRequests)),
			policy:  policy,
		}
		f.entries[key] = e
	}
	e.lastAccess = now
	return e.limiter.AllowN(now, 1)
}

// Len は保持しているキーの数を返す。
func (f *Fallback) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func (f *Fallback) sweep(now time.Time) {
	for key, e := range f.entries {
		if now.Sub(e.lastAccess) > f.maxAge {
			delete(f.entries, key)
		}
	}
	f.lastSweep = now
}

// retryAfter はpolicyの平均レートで1件分のトークンが戻るまでの秒数を返す。
func (p Policy) retryAfter() int64 {
	return max(ceilSeconds(p.Window/time.Duration(p.MaxRequests)), 1)
}
