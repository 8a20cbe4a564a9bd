package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"murmur/api/internal/thread"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs plainto_tsquery over a thread's comments with ts_headline
// snippets, ranked by ts_rank.
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

	statuses := []string{"approved"}
	if q.IncludePending {
		statuses = append(statuses, "pending")
	}

	const matchExpr = `to_tsvector('simple', body || ' ' || name) @@ plainto_tsquery('simple', $1)`
	where := `thread = $2 AND status = ANY($3) AND ` + matchExpr
	args := []any{q.Text, q.Thread, "{" + strings.Join(statuses, ",") + "}"}

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx,
		`SELECT count(*) FROM comments WHERE `+where, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT thread, id, name,
			ts_headline('simple', body, plainto_tsquery('simple', $1), 'MaxFragments=1,MaxWords=30') AS snippet
		FROM comments
		WHERE %s
		ORDER BY ts_rank(to_tsvector('simple', body || ' ' || name), plainto_tsquery('simple', $1)) DESC
		LIMIT %d OFFSET %d`, where, limit, offset), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.Thread, &r.ID, &r.Name, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Permalink = thread.Permalink(r.ID)
		results = append(results, r)
	}

	return results, total, rows.Err()
}
