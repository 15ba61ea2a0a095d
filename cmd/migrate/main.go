package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"PaymentProcessor/internal/config"
	"PaymentProcessor/internal/db"
	"PaymentProcessor/internal/observability"

	"github.com/jackc/pgx/v5"
)

func main() {
	slog.SetDefault(observability.NewLogger(os.Stdout, os.Getenv("LOG_LEVEL")))

	cfg, err := config.Load("")
	if err != nil {
		fatal("config load failed", err)
	}

	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.DB.DSN)
	if err != nil {
		fatal("db connect failed", err)
	}
	defer pool.Close()

	if err := ensureSchemaTable(ctx, pool); err != nil {
		fatal("ensure schema table failed", err)
	}

	files, err := listSQLFiles("migrations")
	if err != nil {
		fatal("list migrations failed", err)
	}

	for _, file := range files {
		applied, err := isApplied(ctx, pool, file)
		if err != nil {
			fatal("check migration failed", err, slog.String("file", file))
		}
		if applied {
			continue
		}

		if err := applyMigration(ctx, pool, file); err != nil {
			fatal("apply migration failed", err, slog.String("file", file))
		}
		slog.Info("migration applied", slog.String("file", file))
	}
}

func ensureSchemaTable(ctx context.Context, pool *db.Pool) error {
	_, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (filename TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL DEFAULT now())`)
	return err
}

func listSQLFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".sql") {
			files = append(files, filepath.Join(dir, name))
		}
	}
	sort.Strings(files)
	return files, nil
}

func isApplied(ctx context.Context, pool *db.Pool, file string) (bool, error) {
	var exists bool
	row := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE filename=$1)`, file)
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// applyMigration runs the file and records it in one transaction.
func applyMigration(ctx context.Context, pool *db.Pool, file string) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if sql := strings.TrimSpace(string(data)); sql != "" {
			if _, err := tx.Exec(ctx, sql); err != nil {
				return err
			}
		}
		return markApplied(ctx, tx, file)
	})
}

func markApplied(ctx context.Context, tx pgx.Tx, file string) error {
	_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (filename) VALUES ($1)`, file)
	return err
}

func fatal(msg string, err error, attrs ...any) {
	slog.Error(msg, append([]any{slog.String("error", err.Error())}, attrs...)...)
	os.Exit(1)
}
