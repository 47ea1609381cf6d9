// Package telemetry persists query metrics in SQLite: indexer usage,
// latency distribution, and zero-result queries. Recording is best-effort
// and never fails a query.
package telemetry

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// maxZeroResultRows bounds the zero-result query buffer.
const maxZeroResultRows = 100

// Store is a SQLite-backed metrics store.
type Store struct {
	db *sql.DB
}

// Open creates (or opens) the metrics database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open metrics db: %w", err)
	}
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS query_stats (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		at TIMESTAMP NOT NULL,
		indexer TEXT NOT NULL,
		hit_count INTEGER NOT NULL,
		latency_ms INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_query_stats_indexer ON query_stats(indexer);

	CREATE TABLE IF NOT EXISTS zero_result_queries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		query TEXT NOT NULL,
		at TIMESTAMP NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("init metrics schema: %w", err)
	}
	return nil
}

// RecordQuery stores one query observation. Errors are logged, never
// returned: metrics must not fail queries.
func (s *Store) RecordQuery(queryText, indexer string, hitCount int, latency time.Duration) {
	now := time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT INTO query_stats (at, indexer, hit_count, latency_ms) VALUES (?, ?, ?, ?)`,
		now, indexer, hitCount, latency.Milliseconds())
	if err != nil {
		slog.Warn("telemetry_record_failed", slog.String("error", err.Error()))
		return
	}

	if hitCount == 0 {
		_, err = s.db.Exec(`INSERT INTO zero_result_queries (query, at) VALUES (?, ?)`, queryText, now)
		if err == nil {
			// Keep the buffer bounded.
			_, err = s.db.Exec(`DELETE FROM zero_result_queries WHERE id NOT IN (
				SELECT id FROM zero_result_queries ORDER BY id DESC LIMIT ?)`, maxZeroResultRows)
		}
		if err != nil {
			slog.Warn("telemetry_record_failed", slog.String("error", err.Error()))
		}
	}
}

// IndexerUsage is one row of the usage summary.
type IndexerUsage struct {
	Indexer      string
	Count        int
	AvgLatencyMS float64
}

// Summary aggregates recorded metrics.
type Summary struct {
	TotalQueries int
	ZeroResults  int
	ByIndexer    []IndexerUsage
}

// Summarize reads the aggregate metrics.
func (s *Store) Summarize() (*Summary, error) {
	summary := &Summary{}

	if err := s.db.QueryRow(`SELECT COUNT(*) FROM query_stats`).Scan(&summary.TotalQueries); err != nil {
		return nil, err
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM zero_result_queries`).Scan(&summary.ZeroResults); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`
		SELECT indexer, COUNT(*), AVG(latency_ms)
		FROM query_stats GROUP BY indexer ORDER BY COUNT(*) DESC, indexer`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var u IndexerUsage
		if err := rows.Scan(&u.Indexer, &u.Count, &u.AvgLatencyMS); err != nil {
			return nil, err
		}
		summary.ByIndexer = append(summary.ByIndexer, u)
	}
	return summary, rows.Err()
}

// ZeroResultQueries returns the most recent zero-result queries.
func (s *Store) ZeroResultQueries(limit int) ([]string, error) {
	rows, err := s.db.Query(`SELECT query FROM zero_result_queries ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var q string
		if err := rows.Scan(&q); err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
