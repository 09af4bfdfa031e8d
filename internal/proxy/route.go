package proxy

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Rewrite はバックエンドに転送する際のパス書き換え規則。
type Rewrite struct {
	// From はリクエストパス先頭の置き換え対象。
	From string `mapstructure:"from" json:"from"`
	// To は置き換え後の文字列。
	To string `mapstructure:"to" json:"to"`
}

// Route はパス接頭辞とバックエンドの対応。
type Route struct {
	// Name はサービス名。エラー応答やメトリクスのラベルに使う。
	Name string `mapstructure:"name" json:"name"`
	// Prefix はこのルートが受け持つパス接頭辞。
	Prefix string `mapstructure:"prefix" json:"prefix"`
	// Target はバックエンドのベースURL。
	Target string `mapstructure:"target" json:"target"`
	// Rewrite はパス書き換え規則。
	Rewrite Rewrite `mapstructure:"rewrite" json:"rewrite"`
	// Description はサービスの説明。
	Description string `mapstructure:"description" json:"description"`

	target *url.URL
}

// Matches はpathがこのルートの接頭辞に一致するかを返す。
// 接頭辞そのもの、または接頭辞に "/" が続くパスだけを一致とみなす。
func (r Route) Matches(path string) bool {
	return path == r.Prefix || strings.HasPrefix(path, r.Prefix+"/")
}

// RewritePath は先頭の Rewrite.From を Rewrite.To に置き換えたパスを返す。
func (r Route) RewritePath(path string) string {
	if r.Rewrite.From == "" {
		return path
	}
	rest, ok := strings.CutPrefix(path, r.Rewrite.From)
	if !ok {
		return path
	}
	rewritten := r.Rewrite.To + rest
	if rewritten == "" {
		return "/"
	}
	return rewritten
}

// RewriteEscapedPath は RewritePath をエスケープ済みのパスに対して行う。
// 置き換えない部分のエスケープ（%2F など）はそのまま残る。
func (r Route) RewriteEscapedPath(escaped string) string {
	if r.Rewrite.From == "" {
		return escaped
	}
	rest, ok := strings.CutPrefix(escaped, escapePath(r.Rewrite.From))
	if !ok {
		return escaped
	}
	rewritten := escapePath(r.Rewrite.To) + rest
	if rewritten == "" {
		return "/"
	}
	return rewritten
}

// rewriteURLPath はuのパスを書き換え、URL.Path と URL.RawPath に設定する値を返す。
func (r Route) rewriteURLPath(u *url.URL) (string, string) {
	escaped := r.RewriteEscapedPath(u.EscapedPath())
	decoded, err := url.PathUnescape(escaped)
	if err != nil {
		return r.RewritePath(u.Path), ""
	}
	return decoded, escaped
}

func escapePath(p string) string {
	return (&url.URL{Path: p}).EscapedPath()
}

// hasDotSegment はデコード後のパスに "." か ".." のセグメントがあるかを返す。
func hasDotSegment(p string) bool {
	for seg := range strings.SplitSeq(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// TargetURL は検証済みのバックエンドURLを返す。NewTable を通したルートでのみ有効。
func (r Route) TargetURL() *url.URL {
	return r.target
}

// Table は順序付きのルート表。生成後は変更しない。
type Table struct {
	routes []Route
}

// NewTable はルートを検証して Table を生成する。
// 一致判定は与えた順に行い、最初に一致したルートを使う。
func NewTable(routes []Route) (*Table, error) {
	if len(routes) == 0 {
		return nil, errors.New("ルートが1件もありません")
	}
	seen := make(map[string]struct{}, len(routes))
	out := make([]Route, 0, len(routes))
	for i, r := range routes {
		if r.Name == "" {
			return nil, fmt.Errorf("ルート%dの名前が空です", i)
		}
		if _, dup := seen[r.Name]; dup {
			return nil, fmt.Errorf("ルート名 %q が重複しています", r.Name)
		}
		seen[r.Name] = struct{}{}

		if !strings.HasPrefix(r.Prefix, "/") {
			return nil, fmt.Errorf("ルート %q の接頭辞は / で始まる必要があります: %q", r.Name, r.Prefix)
		}
		r.Prefix = strings.TrimRight(r.Prefix, "/")
		if r.Prefix == "" {
			return nil, fmt.Errorf("ルート %q の接頭辞に / だけは指定できません", r.Name)
		}

		u, err := url.Parse(r.Target)
		if err != nil {
			return nil, fmt.Errorf("ルート %q の転送先URLが不正です: %w", r.Name, err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("ルート %q の転送先は http(s) の絶対URLである必要があります: %q", r.Name, r.Target)
		}
		r.target = u
		out = append(out, r)
	}
	return &Table{routes: out}, nil
}

// Match はpathに最初に一致したルートを返す。
func (t *Table) Match(path string) (Route, bool) {
	for _, r := range t.routes {
		if r.Matches(path) {
			return r, true
		}
	}
	return Route{}, false
}

// Routes はルートの一覧を表の順で返す。
func (t *Table) Routes() []Route {
	out := make([]Route, len(t.routes))
	copy(out, t.routes)
	return out
}
