package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

type sqliteEngine struct {
	db *sql.DB
}

func openSQLite(path string) (*sqliteEngine, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	if err := initializeDatabase(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return &sqliteEngine{db: db}, nil
}

func initializeDatabase(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS documents (
			collection TEXT NOT NULL,
			id TEXT NOT NULL,
			body TEXT NOT NULL,
			PRIMARY KEY (collection, id)
		)
	`)
	return err
}

func (e *sqliteEngine) list(ctx context.Context, collection string) ([]record, error) {
	rows, err := e.db.QueryContext(ctx,
		`SELECT id, body FROM documents WHERE collection = ? ORDER BY id`, collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []record
	for rows.Next() {
		var rec record
		var body string
		if err := rows.Scan(&rec.id, &body); err != nil {
			return nil, err
		}
		rec.body = []byte(body)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (e *sqliteEngine) put(ctx context.Context, collection string, rec record) error {
	_, err := e.db.ExecContext(ctx, `
		INSERT INTO documents (collection, id, body) VALUES (?, ?, ?)
		ON CONFLICT (collection, id) DO UPDATE SET body = excluded.body
	`, collection, rec.id, string(rec.body))
	return err
}

func (e *sqliteEngine) remove(ctx context.Context, collection, id string) error {
	_, err := e.db.ExecContext(ctx, `DELETE FROM documents WHERE collection = ? AND id = ?`, collection, id)
	return err
}

func (e *sqliteEngine) close() error {
	return e.db.Close()
}
