package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/id"
	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/message"

	_ "github.com/lib/pq"
)

// Postgres backs a queue with a single messages table. Claims take the
// lease with FOR UPDATE SKIP LOCKED so competing consumers never block each
// other; a row whose lease lapsed is claimable again with its dequeue count
// incremented, which is how redelivery happens.
type Postgres struct {
	db   *sql.DB
	name string
	node *id.Node
}

func NewPostgres(db *sql.DB, name string, node *id.Node) *Postgres {
	return &Postgres{db: db, name: name, node: node}
}

// OpenPostgres opens a pooled connection for queue use.
func OpenPostgres(url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	return db, nil
}

const sqlMigrateMessages = `
CREATE TABLE IF NOT EXISTS messages (
    id               BIGINT PRIMARY KEY,
    queue            TEXT NOT NULL,
    class            TEXT NOT NULL,
    correlation_id   TEXT NOT NULL,
    payload          JSONB NOT NULL,
    receipt          TEXT,
    dequeue_count    INT NOT NULL DEFAULT 0,
    lease_expires_at TIMESTAMPTZ,
    enqueued_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS messages_claim_idx ON messages (queue, enqueued_at);
`

// Migrate creates the messages table if missing.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, sqlMigrateMessages); err != nil {
		return fmt.Errorf("migrate messages: %w", err)
	}
	return nil
}

// helper: convert a Go duration to a Postgres interval literal.
func toInterval(d time.Duration) string {
	return fmt.Sprintf("%fs", d.Seconds())
}

func (q *Postgres) Enqueue(ctx context.Context, items []message.WorkItem) ([]int64, error) {
	if len(items) == 0 {
		return nil, nil
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	ids := make([]int64, 0, len(items))
	for _, it := range items {
		msgID := q.node.Generate()
		_, err := tx.ExecContext(ctx, `
            INSERT INTO messages (id, queue, class, correlation_id, payload)
            VALUES ($1, $2, $3, $4, $5)
        `, msgID, q.name, it.Class, it.CorrelationID, []byte(it.Payload))
		if err != nil {
			return nil, fmt.Errorf("insert message: %w", err)
		}
		ids = append(ids, msgID)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return ids, nil
}

func (q *Postgres) Receive(ctx context.Context, batch int, visibility time.Duration) ([]message.WorkMessage, error) {
	receipt := id.NewReceipt()
	rows, err := q.db.QueryContext(ctx, `
        UPDATE messages m
        SET lease_expires_at = now() + $1::interval,
            receipt = $2,
            dequeue_count = m.dequeue_count + 1
        WHERE m.id IN (
            SELECT id FROM messages
            WHERE queue = $3
              AND (lease_expires_at IS NULL OR lease_expires_at < now())
            ORDER BY enqueued_at, id
            LIMIT $4
            FOR UPDATE SKIP LOCKED
        )
        RETURNING id, queue, class, correlation_id, payload, receipt, dequeue_count, lease_expires_at, enqueued_at
    `, toInterval(visibility), receipt, q.name, batch)
	if err != nil {
		return nil, fmt.Errorf("claim messages: %w", err)
	}
	defer rows.Close()

	var out []message.WorkMessage
	for rows.Next() {
		var msg message.WorkMessage
		var payload []byte
		var lease sql.NullTime
		err := rows.Scan(&msg.ID, &msg.Queue, &msg.Class, &msg.CorrelationID, &payload,
			&msg.Receipt, &msg.DequeueCount, &lease, &msg.EnqueuedAt)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Payload = payload
		if lease.Valid {
			msg.LeaseExpiresAt = lease.Time
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (q *Postgres) Delete(ctx context.Context, msg *message.WorkMessage) error {
	res, err := q.db.ExecContext(ctx, `
        DELETE FROM messages WHERE id = $1 AND receipt = $2
    `, msg.ID, msg.Receipt)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if n > 0 {
		return nil
	}
	exists, err := q.Peek(ctx, msg.ID)
	if err != nil {
		return err
	}
	if exists {
		return message.ErrStaleReceipt
	}
	return nil
}

func (q *Postgres) ExtendVisibility(ctx context.Context, msg *message.WorkMessage, d time.Duration) error {
	res, err := q.db.ExecContext(ctx, `
        UPDATE messages
        SET lease_expires_at = now() + $1::interval
        WHERE id = $2 AND receipt = $3
    `, toInterval(d), msg.ID, msg.Receipt)
	if err != nil {
		return fmt.Errorf("extend visibility: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("extend visibility: %w", err)
	}
	if n == 0 {
		return message.ErrStaleReceipt
	}
	return nil
}

func (q *Postgres) Peek(ctx context.Context, msgID int64) (bool, error) {
	var exists bool
	err := q.db.QueryRowContext(ctx, `
        SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1)
    `, msgID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("peek message: %w", err)
	}
	return exists, nil
}

func (q *Postgres) Depth(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM messages
        WHERE queue = $1 AND (lease_expires_at IS NULL OR lease_expires_at < now())
    `, q.name).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

var _ Queue = (*Postgres)(nil)
