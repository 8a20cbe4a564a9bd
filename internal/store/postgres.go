package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Open connects to Postgres through the pgx stdlib driver and verifies
// the connection before returning. Widget traffic is many short reads
// and few writes; the pool is sized for that shape.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxIdleTime(10 * time.Minute)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// EnsureThread creates the thread row if it does not exist yet. Threads
// come into existence with their first comment.
func (s *PostgresStore) EnsureThread(ctx context.Context, thread string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO threads (name) VALUES ($1)
		ON CONFLICT (name) DO NOTHING
	`, thread)
	if err != nil {
		return fmt.Errorf("ensure thread: %w", err)
	}
	return nil
}

const commentColumns = `thread, id, body, date, status, name, website, password,
	login_id, email, encryption_key, email_hash, notifications, ipaddr`

func scanComment(row *sql.Row) (Comment, error) {
	var c Comment
	err := row.Scan(&c.Thread, &c.ID, &c.Body, &c.Date, &c.Status, &c.Name,
		&c.Website, &c.Password, &c.LoginID, &c.Email, &c.EncryptionKey,
		&c.EmailHash, &c.Notifications, &c.IPAddr)
	return c, err
}

// ReadComment returns sql.ErrNoRows for an absent comment; callers treat
// that as a normal outcome, not a failure.
func (s *PostgresStore) ReadComment(ctx context.Context, thread, id string) (Comment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+commentColumns+` FROM comments WHERE thread=$1 AND id=$2`,
		thread, id)
	return scanComment(row)
}

// SaveComment inserts a new comment or, when isEdit is set, overwrites an
// existing one. An edit of a missing comment fails rather than inserting.
func (s *PostgresStore) SaveComment(ctx context.Context, c Comment, isEdit bool) error {
	if isEdit {
		result, err := s.db.ExecContext(ctx, `
			UPDATE comments SET body=$3, date=$4, status=$5, name=$6, website=$7,
				password=$8, login_id=$9, email=$10, encryption_key=$11,
				email_hash=$12, notifications=$13, ipaddr=$14
			WHERE thread=$1 AND id=$2
		`, c.Thread, c.ID, c.Body, c.Date, c.Status, c.Name, c.Website,
			c.Password, c.LoginID, c.Email, c.EncryptionKey, c.EmailHash,
			c.Notifications, c.IPAddr)
		if err != nil {
			return fmt.Errorf("update comment: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("update comment: %w", err)
		}
		if affected == 0 {
			return sql.ErrNoRows
		}
		return nil
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO comments (`+commentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, c.Thread, c.ID, c.Body, c.Date, c.Status, c.Name, c.Website,
		c.Password, c.LoginID, c.Email, c.EncryptionKey, c.EmailHash,
		c.Notifications, c.IPAddr)
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

// DeleteComment removes a comment. A soft delete flips the status to
// deleted and blanks the stored content so the identifier stays reserved;
// a hard delete removes the row entirely.
func (s *PostgresStore) DeleteComment(ctx context.Context, thread, id string, hard bool) error {
	if hard {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM comments WHERE thread=$1 AND id=$2`, thread, id)
		if err != nil {
			return fmt.Errorf("delete comment: %w", err)
		}
		return nil
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE comments SET status=$3, body='', name='', website='', password='',
			login_id='', email='', encryption_key='', email_hash='',
			notifications='no', ipaddr=''
		WHERE thread=$1 AND id=$2
	`, thread, id, StatusDeleted)
	if err != nil {
		return fmt.Errorf("mark comment deleted: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark comment deleted: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// NextRootNumber increments the thread's primary counter and returns the
// new value. Counter values only grow, so identifiers are never reused
// even after hard deletes.
func (s *PostgresStore) NextRootNumber(ctx context.Context, thread string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		UPDATE threads SET primary_count = primary_count + 1
		WHERE name=$1
		RETURNING primary_count
	`, thread).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("next root number: %w", err)
	}
	return n, nil
}

// NextReplyNumber increments the per-parent reply counter for the exact
// parent identifier, independent of counters for any other parent.
func (s *PostgresStore) NextReplyNumber(ctx context.Context, thread, parent string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO reply_counters (thread, parent, count)
		VALUES ($1, $2, 1)
		ON CONFLICT (thread, parent) DO UPDATE SET count = reply_counters.count + 1
		RETURNING count
	`, thread, parent).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("next reply number: %w", err)
	}
	return n, nil
}

// CommentIDs lists the identifiers that may be replied to or acted upon
// in a thread, excluding deleted comments.
func (s *PostgresStore) CommentIDs(ctx context.Context, thread string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM comments WHERE thread=$1 AND status <> $2
	`, thread, StatusDeleted)
	if err != nil {
		return nil, fmt.Errorf("list comment ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan comment id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListComments returns a thread's comments ordered by identifier depth and
// date. Pending comments are included only for moderators.
func (s *PostgresStore) ListComments(ctx context.Context, thread string, includePending bool) ([]Comment, error) {
	query := `SELECT ` + commentColumns + ` FROM comments
		WHERE thread=$1 AND status <> $2`
	args := []any{thread, StatusDeleted}
	if !includePending {
		query += ` AND status <> $3`
		args = append(args, StatusPending)
	}
	query += ` ORDER BY date ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()
	return collectComments(rows)
}

// LatestComments returns the most recent approved comments across every
// thread, newest first.
func (s *PostgresStore) LatestComments(ctx context.Context, limit int) ([]Comment, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commentColumns+` FROM comments
		WHERE status=$1 ORDER BY date DESC LIMIT $2
	`, StatusApproved, limit)
	if err != nil {
		return nil, fmt.Errorf("latest comments: %w", err)
	}
	defer rows.Close()
	return collectComments(rows)
}

func collectComments(rows *sql.Rows) ([]Comment, error) {
	var comments []Comment
	for rows.Next() {
		var c Comment
		err := rows.Scan(&c.Thread, &c.ID, &c.Body, &c.Date, &c.Status, &c.Name,
			&c.Website, &c.Password, &c.LoginID, &c.Email, &c.EncryptionKey,
			&c.EmailHash, &c.Notifications, &c.IPAddr)
		if err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		comments = append(comments, c)
	}
	return comments, rows.Err()
}

// IsAbsent reports whether err marks a missing record.
func IsAbsent(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
