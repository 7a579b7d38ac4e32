package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// FullTextResult is a single full-text search hit.
type FullTextResult struct {
	ID       string
	Score    float64
	Text     string
	Snippet  string
	Metadata map[string]string
}

// FullTextStore is the Storage Service's optional full-text tier (spec §4.6,
// §4.7 "keyword arm"). A nil FullTextStore is valid: callers skip it.
type FullTextStore interface {
	Index(ctx context.Context, id, text string, metadata map[string]string) error
	Remove(ctx context.Context, id string) error
	Search(ctx context.Context, query string, limit int) ([]FullTextResult, error)
	Close() error
}

type clickhouseFullText struct {
	conn    clickhouse.Conn
	table   string
	timeout time.Duration
}

// NewClickHouseFullText opens a ClickHouse connection and ensures the chunk
// full-text table exists. ClickHouse's native `hasToken`/`positionCaseInsensitive`
// string functions stand in for a dedicated FTS engine, matching the scale
// this tier targets (keyword recall alongside dense retrieval, not a
// search-engine replacement).
func NewClickHouseFullText(ctx context.Context, dsn string) (FullTextStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("storage: clickhouse dsn is empty")
	}
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse clickhouse dsn: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("storage: open clickhouse: %w", err)
	}
	timeout := 5 * time.Second

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("storage: clickhouse ping: %w", err)
	}

	c := &clickhouseFullText{conn: conn, table: "atlas_chunks", timeout: timeout}
	if err := c.ensureTable(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *clickhouseFullText) ensureTable(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.conn.Exec(ctx, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id String,
	text String,
	file_path String,
	content_type String,
	inserted_at DateTime DEFAULT now()
) ENGINE = ReplacingMergeTree(inserted_at)
ORDER BY id
`, c.table))
}

func (c *clickhouseFullText) Index(ctx context.Context, id, text string, metadata map[string]string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.conn.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (id, text, file_path, content_type) VALUES (?, ?, ?, ?)`, c.table),
		id, text, metadata["file_path"], metadata["content_type"])
}

func (c *clickhouseFullText) Remove(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.conn.Exec(ctx, fmt.Sprintf(`ALTER TABLE %s DELETE WHERE id = ?`, c.table), id)
}

func (c *clickhouseFullText) Search(ctx context.Context, query string, limit int) ([]FullTextResult, error) {
	if limit <= 0 {
		limit = 10
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	rows, err := c.conn.Query(ctx, fmt.Sprintf(`
SELECT id, text, file_path,
       countSubstringsCaseInsensitive(text, ?) AS score
FROM %s
WHERE positionCaseInsensitive(text, ?) > 0
ORDER BY score DESC
LIMIT ?
`, c.table), query, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FullTextResult
	for rows.Next() {
		var id, text, filePath string
		var score uint64
		if err := rows.Scan(&id, &text, &filePath, &score); err != nil {
			return nil, err
		}
		snippet := text
		if len(snippet) > 160 {
			snippet = snippet[:160]
		}
		out = append(out, FullTextResult{
			ID: id, Score: float64(score), Text: text, Snippet: snippet,
			Metadata: map[string]string{"file_path": filePath},
		})
	}
	return out, rows.Err()
}

func (c *clickhouseFullText) Close() error { return c.conn.Close() }
