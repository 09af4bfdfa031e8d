// Package migration はSQLiteデータベースのマイグレーションを管理する。
// embed.FSからSQLファイルを読み込み、バージョン管理テーブルで適用状態を追跡する。
package migration

import (
	"cmp"
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Run はembedされたマイグレーションファイルを順序通りに適用する。
// 未適用のマイグレーションのみ実行し、適用済みのものはスキップする。
// 適用したバージョンを昇順で返す。
// ファイル名形式: 000001_description.up.sql
func Run(ctx context.Context, db *sql.DB, fsys fs.FS, dir string, logger *zap.Logger) ([]int, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := ensureMigrationsTable(ctx, db); err != nil {
		return nil, fmt.Errorf("マイグレーション管理テーブルの作成に失敗: %w", err)
	}

	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("適用済みバージョンの取得に失敗: %w", err)
	}

	files, err := collect(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("マイグレーションファイルの収集に失敗: %w", err)
	}

	var done []int
	for _, f := range files {
		if applied[f.version] {
			continue
		}
		if err := apply(ctx, db, fsys, f); err != nil {
			return done, fmt.Errorf("マイグレーション %06d の適用に失敗: %w", f.version, err)
		}
		logger.Info("マイグレーションを適用しました",
			zap.Int("version", f.version),
			zap.String("name", f.name),
		)
		done = append(done, f.version)
	}
	return done, nil
}

// file は1つのup.sqlファイルを表す。
type file struct {
	version int
	name    string
	path    string
}

func ensureMigrationsTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
		)
	`)
	return err
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[int]bool, error) {
	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// collect はディレクトリからup.sqlファイルを収集してバージョン順に並べる。
// 命名規則に合わないファイルは無視する。
func collect(fsys fs.FS, dir string) ([]file, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}

	var files []file
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".up.sql") {
			continue
		}
		prefix, rest, ok := strings.Cut(entry.Name(), "_")
		if !ok {
			continue
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			continue
		}
		files = append(files, file{
			version: version,
			name:    strings.TrimSuffix(rest, ".up.sql"),
			path:    path.Join(dir, entry.Name()),
		})
	}

	slices.SortFunc(files, func(a, b file) int { return cmp.Compare(a.version, b.version) })
	return files, nil
}

// apply は1つのマイグレーションをトランザクション内で適用する。
func apply(ctx context.Context, db *sql.DB, fsys fs.FS, f file) error {
	content, err := fs.ReadFile(fsys, f.path)
	if err != nil {
		return fmt.Errorf("ファイル読み込みに失敗: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("SQL実行に失敗: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (?)", f.version); err != nil {
		return fmt.Errorf("バージョン記録に失敗: %w", err)
	}
	return tx.Commit()
}
