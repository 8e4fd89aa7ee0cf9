// Package snapshot persists the fetched history of each monitored page.
// The store is append-only: every accepted fetch adds a row, and change
// detection always compares against the most recent row for the URL.
package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/watchguard/dbopen"
)

// Schema is applied through dbopen.WithSchema at open time.
const Schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	url             TEXT NOT NULL,
	content_hash    TEXT NOT NULL,
	normalized_text TEXT NOT NULL,
	raw_text        TEXT NOT NULL,
	title           TEXT NOT NULL DEFAULT '',
	fetched_at      INTEGER NOT NULL,
	created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_url ON snapshots(url);
CREATE INDEX IF NOT EXISTS idx_snapshots_url_fetched ON snapshots(url, fetched_at DESC);
`

// Snapshot is one stored version of a page.
type Snapshot struct {
	ID             int64
	URL            string
	ContentHash    string
	NormalizedText string
	RawText        string
	Title          string
	FetchedAt      time.Time
	CreatedAt      time.Time
}

// Store reads and writes snapshots.
type Store struct {
	db *sql.DB
}

// NewStore wraps an already-opened database. The caller owns db.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open opens the snapshot database at path, creating directories and
// schema as needed.
func Open(path string) (*Store, *sql.DB, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(Schema))
	if err != nil {
		return nil, nil, fmt.Errorf("snapshot: %w", err)
	}
	return &Store{db: db}, db, nil
}

const latestQuery = `
	SELECT id, url, content_hash, normalized_text, raw_text, title, fetched_at, created_at
	FROM snapshots WHERE url = ?
	ORDER BY fetched_at DESC, id DESC LIMIT 1`

const insertQuery = `
	INSERT INTO snapshots (url, content_hash, normalized_text, raw_text, title, fetched_at, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

// Save appends a snapshot and fills in its ID and CreatedAt.
func (s *Store) Save(ctx context.Context, snap *Snapshot) error {
	snap.CreatedAt = time.Now()
	res, err := dbopen.Exec(ctx, s.db, insertQuery,
		snap.URL, snap.ContentHash, snap.NormalizedText, snap.RawText, snap.Title,
		snap.FetchedAt.UnixMilli(), snap.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("snapshot: save %s: %w", snap.URL, err)
	}
	snap.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("snapshot: save %s: %w", snap.URL, err)
	}
	return nil
}

// CompareAndSave loads the latest snapshot for snap.URL and saves snap
// unless same reports the previous snapshot as equivalent. It returns
// the previous snapshot (nil on first fetch) and whether snap was saved.
// The equivalence policy stays with the caller; the store runs the read
// and the conditional append in a single transaction so a concurrent
// writer cannot slip a row between them.
func (s *Store) CompareAndSave(ctx context.Context, snap *Snapshot, same func(prev *Snapshot) bool) (*Snapshot, bool, error) {
	var prev *Snapshot
	var saved bool
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		prev, saved = nil, false
		p, err := scanSnapshot(tx.QueryRowContext(ctx, latestQuery, snap.URL))
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("snapshot: latest %s: %w", snap.URL, err)
		default:
			prev = p
		}
		if prev != nil && same(prev) {
			return nil
		}
		snap.CreatedAt = time.Now()
		res, err := tx.ExecContext(ctx, insertQuery,
			snap.URL, snap.ContentHash, snap.NormalizedText, snap.RawText, snap.Title,
			snap.FetchedAt.UnixMilli(), snap.CreatedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("snapshot: save %s: %w", snap.URL, err)
		}
		if snap.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("snapshot: save %s: %w", snap.URL, err)
		}
		saved = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return prev, saved, nil
}

// Latest returns the most recent snapshot for url, or nil when the URL
// has never been snapshotted.
func (s *Store) Latest(ctx context.Context, url string) (*Snapshot, error) {
	snap, err := scanSnapshot(s.db.QueryRowContext(ctx, latestQuery, url))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot: latest %s: %w", url, err)
	}
	return snap, nil
}

// Count returns how many snapshots exist for url.
func (s *Store) Count(ctx context.Context, url string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM snapshots WHERE url = ?`, url).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("snapshot: count %s: %w", url, err)
	}
	return n, nil
}

// URLs lists every URL with at least one snapshot, most recently
// fetched first.
func (s *Store) URLs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT url FROM snapshots
		GROUP BY url ORDER BY MAX(fetched_at) DESC`)
	if err != nil {
		return nil, fmt.Errorf("snapshot: urls: %w", err)
	}
	defer rows.Close()

	var urls []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("snapshot: urls: %w", err)
		}
		urls = append(urls, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("snapshot: urls: %w", err)
	}
	return urls, nil
}

// Cleanup deletes all but the keep most recent snapshots for url and
// returns how many rows were removed.
func (s *Store) Cleanup(ctx context.Context, url string, keep int) (int64, error) {
	if keep < 1 {
		keep = 1
	}
	res, err := dbopen.Exec(ctx, s.db, `
		DELETE FROM snapshots WHERE url = ? AND id NOT IN (
			SELECT id FROM snapshots WHERE url = ?
			ORDER BY fetched_at DESC, id DESC LIMIT ?
		)`, url, url, keep)
	if err != nil {
		return 0, fmt.Errorf("snapshot: cleanup %s: %w", url, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("snapshot: cleanup %s: %w", url, err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (*Snapshot, error) {
	var snap Snapshot
	var fetchedAt, createdAt int64
	err := row.Scan(&snap.ID, &snap.URL, &snap.ContentHash, &snap.NormalizedText,
		&snap.RawText, &snap.Title, &fetchedAt, &createdAt)
	if err != nil {
		return nil, err
	}
	snap.FetchedAt = time.UnixMilli(fetchedAt)
	snap.CreatedAt = time.UnixMilli(createdAt)
	return &snap, nil
}
