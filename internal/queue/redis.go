package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/id"
	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/log"
	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/message"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis backs a queue with three structures: a hash holding the full message
// for every undeleted ID, a list of IDs ready for delivery, and a per-message
// lease key whose TTL is the visibility timeout. A delivery whose lease key
// expired is reclaimed back onto the ready list on the next Receive.
type Redis struct {
	client *redis.Client
	name   string
	node   *id.Node
	logger *log.Logger
}

func NewRedis(client *redis.Client, name string, node *id.Node, logger *log.Logger) *Redis {
	return &Redis{
		client: client,
		name:   name,
		node:   node,
		logger: logger,
	}
}

func (q *Redis) pendingKey() string { return fmt.Sprintf("pipeline:pending:%s", q.name) }
func (q *Redis) readyKey() string   { return fmt.Sprintf("pipeline:ready:%s", q.name) }
func (q *Redis) leasesKey() string  { return fmt.Sprintf("pipeline:leases:%s", q.name) }
func (q *Redis) leaseKey(msgID int64) string {
	return fmt.Sprintf("pipeline:lease:%s:%d", q.name, msgID)
}

func (q *Redis) Enqueue(ctx context.Context, items []message.WorkItem) ([]int64, error) {
	if len(items) == 0 {
		return nil, nil
	}
	now := time.Now()
	pipe := q.client.TxPipeline()
	ids := make([]int64, 0, len(items))
	for _, it := range items {
		msgID := q.node.Generate()
		msg := message.WorkMessage{
			ID:            msgID,
			Queue:         q.name,
			Class:         it.Class,
			CorrelationID: it.CorrelationID,
			Payload:       it.Payload,
			EnqueuedAt:    now,
		}
		data, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("marshal message: %w", err)
		}
		pipe.HSet(ctx, q.pendingKey(), strconv.FormatInt(msgID, 10), data)
		pipe.RPush(ctx, q.readyKey(), strconv.FormatInt(msgID, 10))
		ids = append(ids, msgID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("enqueue to redis: %w", err)
	}
	return ids, nil
}

// reclaim moves messages whose lease key expired back onto the ready list.
func (q *Redis) reclaim(ctx context.Context) error {
	leased, err := q.client.SMembers(ctx, q.leasesKey()).Result()
	if err != nil {
		return fmt.Errorf("get leased ids: %w", err)
	}
	for _, idStr := range leased {
		msgID, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			q.client.SRem(ctx, q.leasesKey(), idStr)
			continue
		}
		exists, err := q.client.Exists(ctx, q.leaseKey(msgID)).Result()
		if err != nil {
			return fmt.Errorf("check lease: %w", err)
		}
		if exists > 0 {
			continue
		}
		// Lease lapsed. If the message is still pending it gets
		// redelivered; if it was deleted we just drop the index entry.
		pending, err := q.client.HExists(ctx, q.pendingKey(), idStr).Result()
		if err != nil {
			return fmt.Errorf("check pending: %w", err)
		}
		pipe := q.client.TxPipeline()
		if pending {
			pipe.RPush(ctx, q.readyKey(), idStr)
		}
		pipe.SRem(ctx, q.leasesKey(), idStr)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("reclaim %s: %w", idStr, err)
		}
		if pending {
			q.logger.Info("Reclaimed lapsed lease", zap.String("queue", q.name), zap.String("id", idStr))
		}
	}
	return nil
}

func (q *Redis) Receive(ctx context.Context, batch int, visibility time.Duration) ([]message.WorkMessage, error) {
	if err := q.reclaim(ctx); err != nil {
		return nil, err
	}

	idStrs, err := q.client.LPopCount(ctx, q.readyKey(), batch).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop ready ids: %w", err)
	}

	now := time.Now()
	out := make([]message.WorkMessage, 0, len(idStrs))
	for _, idStr := range idStrs {
		data, err := q.client.HGet(ctx, q.pendingKey(), idStr).Result()
		if err == redis.Nil {
			// Deleted while on the ready list.
			continue
		}
		if err != nil {
			return out, fmt.Errorf("load message %s: %w", idStr, err)
		}
		var msg message.WorkMessage
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			return out, fmt.Errorf("unmarshal message %s: %w", idStr, err)
		}
		msg.Receipt = id.NewReceipt()
		msg.DequeueCount++
		msg.LeaseExpiresAt = now.Add(visibility)

		updated, err := json.Marshal(msg)
		if err != nil {
			return out, fmt.Errorf("marshal message %s: %w", idStr, err)
		}
		pipe := q.client.TxPipeline()
		pipe.HSet(ctx, q.pendingKey(), idStr, updated)
		pipe.Set(ctx, q.leaseKey(msg.ID), msg.Receipt, visibility)
		pipe.SAdd(ctx, q.leasesKey(), idStr)
		if _, err := pipe.Exec(ctx); err != nil {
			return out, fmt.Errorf("lease message %s: %w", idStr, err)
		}
		out = append(out, msg)
	}
	return out, nil
}

func (q *Redis) Delete(ctx context.Context, msg *message.WorkMessage) error {
	idStr := strconv.FormatInt(msg.ID, 10)
	receipt, err := q.client.Get(ctx, q.leaseKey(msg.ID)).Result()
	if err == redis.Nil {
		pending, perr := q.client.HExists(ctx, q.pendingKey(), idStr).Result()
		if perr != nil {
			return fmt.Errorf("check pending: %w", perr)
		}
		if !pending {
			// Already gone; delete is idempotent.
			return nil
		}
		return message.ErrStaleReceipt
	}
	if err != nil {
		return fmt.Errorf("get lease: %w", err)
	}
	if receipt != msg.Receipt {
		return message.ErrStaleReceipt
	}

	pipe := q.client.TxPipeline()
	pipe.Del(ctx, q.leaseKey(msg.ID))
	pipe.SRem(ctx, q.leasesKey(), idStr)
	pipe.HDel(ctx, q.pendingKey(), idStr)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

func (q *Redis) ExtendVisibility(ctx context.Context, msg *message.WorkMessage, d time.Duration) error {
	receipt, err := q.client.Get(ctx, q.leaseKey(msg.ID)).Result()
	if err == redis.Nil || (err == nil && receipt != msg.Receipt) {
		return message.ErrStaleReceipt
	}
	if err != nil {
		return fmt.Errorf("get lease: %w", err)
	}
	if err := q.client.Expire(ctx, q.leaseKey(msg.ID), d).Err(); err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	return nil
}

func (q *Redis) Peek(ctx context.Context, msgID int64) (bool, error) {
	exists, err := q.client.HExists(ctx, q.pendingKey(), strconv.FormatInt(msgID, 10)).Result()
	if err != nil {
		return false, fmt.Errorf("peek message: %w", err)
	}
	return exists, nil
}

func (q *Redis) Depth(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.readyKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

var _ Queue = (*Redis)(nil)
