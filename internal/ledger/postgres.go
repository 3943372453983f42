package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Postgres stores records in a dedupe_records table. Conditional writes are
// expressed with ON CONFLICT guards so two workers racing on the same
// correlation ID resolve inside the database, not in application code.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

const sqlMigrateDedupe = `
CREATE TABLE IF NOT EXISTS dedupe_records (
    correlation_id TEXT PRIMARY KEY,
    message_id     BIGINT NOT NULL,
    status         TEXT NOT NULL,
    owner          TEXT NOT NULL,
    first_seen_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    completed_at   TIMESTAMPTZ,
    expires_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS dedupe_expiry_idx ON dedupe_records (expires_at);
`

// Migrate creates the dedupe table if missing.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, sqlMigrateDedupe); err != nil {
		return fmt.Errorf("migrate dedupe_records: %w", err)
	}
	return nil
}

func (l *Postgres) PutIfAbsent(ctx context.Context, rec Record, ttl time.Duration) (bool, error) {
	// An expired row counts as absent: the conflict branch only fires for
	// rows past their retention window.
	var claimed string
	err := l.db.QueryRowContext(ctx, `
        INSERT INTO dedupe_records (correlation_id, message_id, status, owner, first_seen_at, expires_at)
        VALUES ($1, $2, $3, $4, now(), now() + $5::interval)
        ON CONFLICT (correlation_id) DO UPDATE
        SET message_id = EXCLUDED.message_id,
            status = EXCLUDED.status,
            owner = EXCLUDED.owner,
            first_seen_at = EXCLUDED.first_seen_at,
            completed_at = NULL,
            expires_at = EXCLUDED.expires_at
        WHERE dedupe_records.expires_at <= now()
        RETURNING correlation_id
    `, rec.CorrelationID, rec.MessageID, string(rec.Status), rec.Owner, toInterval(ttl)).Scan(&claimed)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("put record: %w", err)
	}
	return true, nil
}

func (l *Postgres) UpdateIfStale(ctx context.Context, correlationID string, rec Record, staleAfter time.Duration) (bool, error) {
	res, err := l.db.ExecContext(ctx, `
        UPDATE dedupe_records
        SET message_id = $1, owner = $2, first_seen_at = now()
        WHERE correlation_id = $3
          AND status = $4
          AND first_seen_at + $5::interval <= now()
          AND expires_at > now()
    `, rec.MessageID, rec.Owner, correlationID, string(StatusInProgress), toInterval(staleAfter))
	if err != nil {
		return false, fmt.Errorf("update record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update record: %w", err)
	}
	return n > 0, nil
}

func (l *Postgres) MarkCompleted(ctx context.Context, correlationID string, messageID int64, owner string, ttl time.Duration) error {
	_, err := l.db.ExecContext(ctx, `
        INSERT INTO dedupe_records (correlation_id, message_id, status, owner, first_seen_at, completed_at, expires_at)
        VALUES ($1, $2, $3, $4, now(), now(), now() + $5::interval)
        ON CONFLICT (correlation_id) DO UPDATE
        SET status = EXCLUDED.status,
            completed_at = EXCLUDED.completed_at,
            expires_at = EXCLUDED.expires_at
    `, correlationID, messageID, string(StatusCompleted), owner, toInterval(ttl))
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return nil
}

func (l *Postgres) Get(ctx context.Context, correlationID string) (*Record, error) {
	var rec Record
	var status string
	var completed sql.NullTime
	err := l.db.QueryRowContext(ctx, `
        SELECT correlation_id, message_id, status, owner, first_seen_at, completed_at, expires_at
        FROM dedupe_records
        WHERE correlation_id = $1 AND expires_at > now()
    `, correlationID).Scan(&rec.CorrelationID, &rec.MessageID, &status, &rec.Owner,
		&rec.FirstSeenAt, &completed, &rec.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	rec.Status = Status(status)
	if completed.Valid {
		rec.CompletedAt = completed.Time
	}
	return &rec, nil
}

// Sweep drops records past their retention window. Called periodically so
// the ledger does not grow without bound.
func (l *Postgres) Sweep(ctx context.Context) (int64, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM dedupe_records WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("sweep records: %w", err)
	}
	return res.RowsAffected()
}

func toInterval(d time.Duration) string {
	return fmt.Sprintf("%fs", d.Seconds())
}

var _ Ledger = (*Postgres)(nil)
