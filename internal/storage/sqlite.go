package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	logx "sitewatch/pkg/logx"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS watches (
	subscriber_id INTEGER NOT NULL,
	url           TEXT    NOT NULL,
	digest        TEXT    NOT NULL,
	updated_at    TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
	PRIMARY KEY (subscriber_id, url)
);
`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Register(ctx context.Context, subscriber int64, url, digest string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO watches(subscriber_id, url, digest) VALUES(?,?,?)
		 ON CONFLICT(subscriber_id, url) DO UPDATE SET
		   digest=excluded.digest,
		   updated_at=strftime('%Y-%m-%dT%H:%M:%fZ', 'now')`,
		subscriber, url, digest,
	)
	return err
}

func (s *sqliteStore) Unregister(ctx context.Context, subscriber int64, url string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM watches WHERE subscriber_id = ? AND url = ?`, subscriber, url)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) List(ctx context.Context, subscriber int64) ([]Watch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT url, digest FROM watches WHERE subscriber_id = ? ORDER BY url`, subscriber)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Watch
	for rows.Next() {
		w := Watch{Subscriber: subscriber}
		if err := rows.Scan(&w.URL, &w.Digest); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *sqliteStore) All(ctx context.Context) ([]Watch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT subscriber_id, url, digest FROM watches ORDER BY subscriber_id, url`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Watch
	for rows.Next() {
		var w Watch
		if err := rows.Scan(&w.Subscriber, &w.URL, &w.Digest); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpdateDigest(ctx context.Context, subscriber int64, url, digest string) error {
	// UPDATE matches zero rows if the Watch was removed concurrently; that is
	// a silent no-op by contract.
	_, err := s.db.ExecContext(ctx,
		`UPDATE watches SET digest = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
		 WHERE subscriber_id = ? AND url = ?`,
		digest, subscriber, url,
	)
	return err
}
