//go:build integration
// +build integration

package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/id"
	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/log"
	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/message"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func setupTestDB(ctx context.Context) (string, func(), error) {
	if url := os.Getenv("TEST_DB_URL"); url != "" {
		return url, func() {}, nil
	}
	pgContainer, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15"),
		postgres.WithDatabase("pipeline"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("securepassword"),
	)
	if err != nil {
		return "", nil, fmt.Errorf("failed to start postgres container: %w", err)
	}
	dbURL, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return "", nil, fmt.Errorf("failed to get connection string for postgres: %w", err)
	}
	return dbURL, func() { pgContainer.Terminate(ctx) }, nil
}

func setupTestRedis(ctx context.Context) (string, func(), error) {
	if addr := os.Getenv("TEST_REDIS_ADDR"); addr != "" {
		return addr, func() {}, nil
	}
	redisContainer, err := tcRedis.RunContainer(ctx, testcontainers.WithImage("redis:7"))
	if err != nil {
		return "", nil, fmt.Errorf("failed to start redis container: %w", err)
	}
	redisAddr, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		return "", nil, fmt.Errorf("failed to get redis endpoint: %w", err)
	}
	return redisAddr, func() { redisContainer.Terminate(ctx) }, nil
}

func TestQueueBackends(t *testing.T) {
	ctx := context.Background()
	node, _ := id.NewNode(1)

	dbURL, cleanupDB, err := setupTestDB(ctx)
	if err != nil {
		t.Fatalf("setup db failed: %s", err)
	}
	defer cleanupDB()
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("open db: %s", err)
	}
	defer db.Close()
	if err := Migrate(ctx, db); err != nil {
		t.Fatalf("migrate: %s", err)
	}
	db.Exec("TRUNCATE TABLE messages")

	redisAddr, cleanupRedis, err := setupTestRedis(ctx)
	if err != nil {
		t.Fatalf("setup redis failed: %s", err)
	}
	defer cleanupRedis()
	client := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer client.Close()

	backends := map[string]Queue{
		"postgres": NewPostgres(db, "itest-requests", node),
		"redis":    NewRedis(client, "itest-requests", node, log.Nop()),
	}

	for name, q := range backends {
		t.Run(name+"/lease_lifecycle", func(t *testing.T) {
			ids, err := q.Enqueue(ctx, []message.WorkItem{{
				Class:         "transform",
				CorrelationID: "itest-" + name,
				Payload:       []byte(`{"content_id":"x"}`),
			}})
			if err != nil {
				t.Fatalf("enqueue: %s", err)
			}
			if len(ids) != 1 {
				t.Fatalf("expected 1 id, got %d", len(ids))
			}

			if depth, _ := q.Depth(ctx); depth != 1 {
				t.Fatalf("expected depth 1, got %d", depth)
			}

			msgs, err := q.Receive(ctx, 10, time.Second)
			if err != nil {
				t.Fatalf("receive: %s", err)
			}
			if len(msgs) != 1 || msgs[0].DequeueCount != 1 || msgs[0].Receipt == "" {
				t.Fatalf("unexpected delivery: %+v", msgs)
			}

			// Leased: invisible.
			if again, _ := q.Receive(ctx, 10, time.Second); len(again) != 0 {
				t.Fatalf("leased message redelivered early: %+v", again)
			}

			time.Sleep(1200 * time.Millisecond)
			redelivered, err := q.Receive(ctx, 10, time.Second)
			if err != nil {
				t.Fatalf("receive after expiry: %s", err)
			}
			if len(redelivered) != 1 || redelivered[0].DequeueCount != 2 {
				t.Fatalf("expected redelivery with count 2, got %+v", redelivered)
			}
			if redelivered[0].Receipt == msgs[0].Receipt {
				t.Fatal("redelivery must mint a new receipt")
			}

			// Old receipt cannot delete.
			if err := q.Delete(ctx, &msgs[0]); !errors.Is(err, message.ErrStaleReceipt) {
				t.Fatalf("expected stale receipt error, got %v", err)
			}

			if err := q.Delete(ctx, &redelivered[0]); err != nil {
				t.Fatalf("delete with current receipt: %s", err)
			}
			if exists, _ := q.Peek(ctx, redelivered[0].ID); exists {
				t.Fatal("message still visible after delete")
			}
			// Idempotent.
			if err := q.Delete(ctx, &redelivered[0]); err != nil {
				t.Fatalf("repeat delete must succeed: %s", err)
			}
		})

		t.Run(name+"/extend_visibility", func(t *testing.T) {
			_, err := q.Enqueue(ctx, []message.WorkItem{{
				Class:         "transform",
				CorrelationID: "itest-ext-" + name,
				Payload:       []byte(`{}`),
			}})
			if err != nil {
				t.Fatalf("enqueue: %s", err)
			}
			msgs, err := q.Receive(ctx, 1, time.Second)
			if err != nil || len(msgs) != 1 {
				t.Fatalf("receive: msgs=%d err=%v", len(msgs), err)
			}
			if err := q.ExtendVisibility(ctx, &msgs[0], 5*time.Second); err != nil {
				t.Fatalf("extend: %s", err)
			}
			time.Sleep(1200 * time.Millisecond)
			if again, _ := q.Receive(ctx, 1, time.Second); len(again) != 0 {
				t.Fatalf("extended lease did not hold: %+v", again)
			}
			if err := q.Delete(ctx, &msgs[0]); err != nil {
				t.Fatalf("cleanup delete: %s", err)
			}
		})
	}
}
