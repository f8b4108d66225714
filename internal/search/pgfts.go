package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true — if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across threads and catalog_entries
// using plainto_tsquery and ts_rank, with ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	const tsQuery = "plainto_tsquery('english', $1)"
	args := []any{q.Text}

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultThread {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'thread'::text AS type, t.id, t.title,
				''::text AS snippet,
				ts_rank(t.fts, %s) AS rank
			FROM threads t
			WHERE t.fts @@ %s`, tsQuery, tsQuery))
	}

	if q.FilterType == "" || q.FilterType == ResultCatalog {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'catalog'::text AS type, ce.id, ce.action AS title,
				ts_headline('english', coalesce(ce.action_description, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				ts_rank(ce.fts, %s) AS rank
			FROM catalog_entries ce
			WHERE ce.fts @@ %s`, tsQuery, tsQuery, tsQuery))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]ThreadRecord, []CatalogRecord, error) {
	threadRows, err := p.db.QueryContext(ctx, `
		SELECT id, title, is_archived
		FROM threads
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load threads: %w", err)
	}
	defer threadRows.Close()

	threads := make([]ThreadRecord, 0)
	for threadRows.Next() {
		var t ThreadRecord
		if err := threadRows.Scan(&t.ID, &t.Title, &t.IsArchived); err != nil {
			return nil, nil, fmt.Errorf("scan thread: %w", err)
		}
		threads = append(threads, t)
	}
	if err := threadRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate threads: %w", err)
	}

	catalogRows, err := p.db.QueryContext(ctx, `
		SELECT id, category, action, action_description
		FROM catalog_entries
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load catalog entries: %w", err)
	}
	defer catalogRows.Close()

	entries := make([]CatalogRecord, 0)
	for catalogRows.Next() {
		var c CatalogRecord
		if err := catalogRows.Scan(&c.ID, &c.Category, &c.Action, &c.Description); err != nil {
			return nil, nil, fmt.Errorf("scan catalog entry: %w", err)
		}
		entries = append(entries, c)
	}
	if err := catalogRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate catalog entries: %w", err)
	}

	return threads, entries, nil
}
