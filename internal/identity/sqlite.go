package identity

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/nao1215/apigw/pkg/migration"
)

//go:embed migrations
var migrationsFS embed.FS

// SQLiteStore はSQLiteのidentitiesテーブルを参照する Store 実装。
// APIキーは平文ではなくSHA-256ハッシュで保持する。
type SQLiteStore struct {
	// db はSQLiteデータベース接続。
	db *sql.DB
}

// OpenSQLite はpathのSQLiteデータベースを開き、スキーマを適用した SQLiteStore を返す。
func OpenSQLite(ctx context.Context, path string, logger *zap.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	store, err := NewSQLiteStore(ctx, db, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLiteStore は既存の接続にスキーマを適用して SQLiteStore を返す。
func NewSQLiteStore(ctx context.Context, db *sql.DB, logger *zap.Logger) (*SQLiteStore, error) {
	if _, err := migration.Run(ctx, db, migrationsFS, "migrations", logger); err != nil {
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

const selectIdentity = `SELECT id, email, role, rate_limit_tier, is_active FROM identities`

// FindByID はIDでIdentityを取得する。
func (s *SQLiteStore) FindByID(ctx context.Context, id string) (*Identity, error) {
	row := s.db.QueryRowContext(ctx, selectIdentity+` WHERE id = ?`, id)
	return scanIdentity(row)
}

// FindActiveByAPIKey はAPIキーのハッシュでアクティブなIdentityを取得する。
func (s *SQLiteStore) FindActiveByAPIKey(ctx context.Context, apiKey string) (*Identity, error) {
	row := s.db.QueryRowContext(ctx,
		selectIdentity+` WHERE api_key_hash = ? AND is_active = 1`, HashAPIKey(apiKey))
	return scanIdentity(row)
}

// Close はデータベース接続を閉じる。
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanIdentity(row *sql.Row) (*Identity, error) {
	var (
		id     Identity
		role   string
		tier   string
		active int
	)
	if err := row.Scan(&id.ID, &id.Email, &role, &tier, &active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("identityの取得に失敗: %w", err)
	}
	id.Role = Role(role)
	id.RateLimitTier = Tier(tier)
	id.IsActive = active == 1
	return &id, nil
}

// HashAPIKey はAPIキーを保存用のハッシュ文字列に変換する。
func HashAPIKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}
