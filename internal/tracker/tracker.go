// Package tracker implements the File Tracker (C3): a local, durable
// key-value store, keyed by absolute path, that decides whether a file needs
// re-ingestion (spec §4.3, persisted layout §6.3).
package tracker

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	_ "modernc.org/sqlite"

	"atlas/internal/model"
)

// Tracker is a SQLite-backed implementation of the File Tracker contract.
// Hashing uses a stable cryptographic digest of file bytes; a concurrent
// modification during hashing is acceptable per §4.3 — at worst the next
// ingest re-indexes once.
type Tracker struct {
	db *sql.DB
}

// Open opens (creating if necessary) the tracker database at path and
// ensures its schema (sources, chunks per §6.3).
func Open(path string) (*Tracker, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("tracker: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // sqlite serializes writes; the tracker's own mutex is the db itself
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("tracker: ensure schema: %w", err)
	}
	return &Tracker{db: db}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS sources (
	path TEXT PRIMARY KEY,
	content_hash TEXT NOT NULL,
	mtime INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS chunks (
	source_fk TEXT NOT NULL REFERENCES sources(path),
	idx INTEGER NOT NULL,
	content_hash TEXT NOT NULL,
	chunk_id TEXT NOT NULL,
	superseded_at INTEGER,
	PRIMARY KEY (source_fk, idx)
);
`

func (t *Tracker) Close() error { return t.db.Close() }

// NeedsIngestion compares the current file hash to the stored hash and
// reports whether re-ingestion is required (spec §4.3).
type NeedsIngestionResult struct {
	Needs    bool
	Reason   string
	Existing []model.ChunkRef
}

// NeedsIngestion reads path's bytes, hashes them, and compares against the
// stored source record.
func (t *Tracker) NeedsIngestion(ctx context.Context, path string) (NeedsIngestionResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return NeedsIngestionResult{}, fmt.Errorf("tracker: read %s: %w", path, err)
	}
	hash := HashBytes(data)

	var storedHash string
	err = t.db.QueryRowContext(ctx, `SELECT content_hash FROM sources WHERE path = ?`, path).Scan(&storedHash)
	switch {
	case err == sql.ErrNoRows:
		return NeedsIngestionResult{Needs: true, Reason: "new"}, nil
	case err != nil:
		return NeedsIngestionResult{}, fmt.Errorf("tracker: query source %s: %w", path, err)
	}

	if storedHash != hash {
		existing, err := t.chunksForSource(ctx, path)
		if err != nil {
			return NeedsIngestionResult{}, err
		}
		return NeedsIngestionResult{Needs: true, Reason: "content-changed", Existing: existing}, nil
	}
	return NeedsIngestionResult{Needs: false, Reason: "unchanged"}, nil
}

func (t *Tracker) chunksForSource(ctx context.Context, path string) ([]model.ChunkRef, error) {
	rows, err := t.db.QueryContext(ctx, `SELECT idx, content_hash, chunk_id, superseded_at FROM chunks WHERE source_fk = ? AND superseded_at IS NULL ORDER BY idx`, path)
	if err != nil {
		return nil, fmt.Errorf("tracker: query chunks for %s: %w", path, err)
	}
	defer rows.Close()
	var out []model.ChunkRef
	for rows.Next() {
		var ref model.ChunkRef
		var supersededAt sql.NullInt64
		if err := rows.Scan(&ref.Index, &ref.ContentHash, &ref.ChunkID, &supersededAt); err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

// RecordIngestion upserts path's source record, marks prior chunk records for
// path as superseded with a timestamp, and stores the new chunk list (spec
// §4.3). One source owns its chunk records exclusively.
func (t *Tracker) RecordIngestion(ctx context.Context, path string, contentHash string, chunks []model.ChunkRef) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("tracker: begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sources(path, content_hash, mtime) VALUES (?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET content_hash = excluded.content_hash, mtime = excluded.mtime
	`, path, contentHash, now); err != nil {
		return fmt.Errorf("tracker: upsert source: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE chunks SET superseded_at = ? WHERE source_fk = ? AND superseded_at IS NULL
	`, now, path); err != nil {
		return fmt.Errorf("tracker: supersede prior chunks: %w", err)
	}

	for _, c := range chunks {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chunks(source_fk, idx, content_hash, chunk_id, superseded_at) VALUES (?, ?, ?, ?, NULL)
			ON CONFLICT(source_fk, idx) DO UPDATE SET content_hash = excluded.content_hash, chunk_id = excluded.chunk_id, superseded_at = NULL
		`, path, c.Index, c.ContentHash, c.ChunkID); err != nil {
			return fmt.Errorf("tracker: insert chunk %d: %w", c.Index, err)
		}
	}

	return tx.Commit()
}

// Vacuum removes superseded chunk records older than gracePeriod and returns
// the count removed (spec §4.3, §8 "vacuum safety"). dryRun reports the count
// that would be removed without deleting anything.
func (t *Tracker) Vacuum(ctx context.Context, gracePeriod time.Duration, dryRun bool) (int, error) {
	cutoff := time.Now().Add(-gracePeriod).Unix()
	if dryRun {
		var n int
		err := t.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks WHERE superseded_at IS NOT NULL AND superseded_at <= ?`, cutoff).Scan(&n)
		return n, err
	}
	res, err := t.db.ExecContext(ctx, `DELETE FROM chunks WHERE superseded_at IS NOT NULL AND superseded_at <= ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("tracker: vacuum: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Stats reports source/chunk counts (spec §4.3).
type Stats struct {
	Sources          int
	ActiveChunks     int
	SupersededChunks int
}

func (t *Tracker) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	if err := t.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sources`).Scan(&s.Sources); err != nil {
		return s, err
	}
	if err := t.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks WHERE superseded_at IS NULL`).Scan(&s.ActiveChunks); err != nil {
		return s, err
	}
	if err := t.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks WHERE superseded_at IS NOT NULL`).Scan(&s.SupersededChunks); err != nil {
		return s, err
	}
	return s, nil
}

// HashBytes computes the stable content-hash digest used to decide whether a
// source has changed.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
