package deadletter

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

const sqlMigrateDeadLetter = `
CREATE TABLE IF NOT EXISTS dead_letter (
    id             BIGSERIAL PRIMARY KEY,
    original_id    BIGINT NOT NULL,
    queue          TEXT NOT NULL,
    class          TEXT NOT NULL,
    correlation_id TEXT NOT NULL,
    payload        JSONB NOT NULL,
    last_error     TEXT NOT NULL,
    attempts       INT NOT NULL,
    moved_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS dead_letter_queue_idx ON dead_letter (queue, moved_at);
`

// Migrate creates the dead_letter table if missing.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, sqlMigrateDeadLetter); err != nil {
		return fmt.Errorf("migrate dead_letter: %w", err)
	}
	return nil
}

func (s *Postgres) Add(ctx context.Context, e Entry) error {
	movedAt := e.MovedAt
	if movedAt.IsZero() {
		movedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO dead_letter (original_id, queue, class, correlation_id, payload, last_error, attempts, moved_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
    `, e.OriginalID, e.Queue, e.Class, e.CorrelationID, []byte(e.Payload), e.LastError, e.Attempts, movedAt)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

func (s *Postgres) List(ctx context.Context, queue string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, original_id, queue, class, correlation_id, payload, last_error, attempts, moved_at
        FROM dead_letter
        WHERE queue = $1
        ORDER BY moved_at
        LIMIT $2
    `, queue, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var payload []byte
		err := rows.Scan(&e.ID, &e.OriginalID, &e.Queue, &e.Class, &e.CorrelationID,
			&payload, &e.LastError, &e.Attempts, &e.MovedAt)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		e.Payload = payload
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Postgres) Get(ctx context.Context, id int64) (*Entry, error) {
	var e Entry
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
        SELECT id, original_id, queue, class, correlation_id, payload, last_error, attempts, moved_at
        FROM dead_letter
        WHERE id = $1
    `, id).Scan(&e.ID, &e.OriginalID, &e.Queue, &e.Class, &e.CorrelationID,
		&payload, &e.LastError, &e.Attempts, &e.MovedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get dead letter: %w", err)
	}
	e.Payload = payload
	return &e, nil
}

func (s *Postgres) Remove(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dead_letter WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("remove dead letter: %w", err)
	}
	return nil
}

var _ Store = (*Postgres)(nil)
