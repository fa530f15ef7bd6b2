package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"
	"github.com/zulandar/switchboard/internal/platform"
)

// queueKey is the Redis list holding entries awaiting replay. A list
// survives process restarts, so queued deliveries outlive the ingestion
// pipeline that queued them.
const queueKey = "swb:webhook:retry"

// defaultMaxAttempts is how many storage attempts an entry gets before
// it is dropped.
const defaultMaxAttempts = 5

// Entry is one webhook delivery whose storage failed and is awaiting
// replay.
type Entry struct {
	Platform   string           `json:"platform"`
	AccountID  string           `json:"account_id"`
	Message    platform.Message `json:"message"`
	RawPayload json.RawMessage  `json:"raw_payload,omitempty"`
	Attempt    int              `json:"attempt"`
}

// RetryQueue is a Redis-backed queue of failed webhook deliveries.
type RetryQueue struct {
	rdb         redis.Cmdable
	maxAttempts int
}

// QueueOpts holds parameters for creating a RetryQueue.
type QueueOpts struct {
	Redis       redis.Cmdable
	MaxAttempts int // defaults to 5
}

// NewQueue creates a RetryQueue.
func NewQueue(opts QueueOpts) (*RetryQueue, error) {
	if opts.Redis == nil {
		return nil, fmt.Errorf("webhook: redis client is required")
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	return &RetryQueue{rdb: opts.Redis, maxAttempts: opts.MaxAttempts}, nil
}

// Push enqueues an entry for later replay.
func (q *RetryQueue) Push(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("webhook: marshal retry entry: %w", err)
	}
	if err := q.rdb.LPush(ctx, queueKey, data).Err(); err != nil {
		return fmt.Errorf("webhook: enqueue retry entry: %w", err)
	}
	return nil
}

// Len reports how many entries are waiting.
func (q *RetryQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, queueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("webhook: queue length: %w", err)
	}
	return n, nil
}

// DrainResult summarizes one Drain pass.
type DrainResult struct {
	Stored   int // entries stored successfully
	Requeued int // entries pushed back with attempt+1
	Dropped  int // entries discarded (max attempts or undecodable)
}

// Drain replays queued entries against the store. Each pass pops at
// most the number of entries present when it starts; requeued entries
// land at the head and are not seen again until the next pass. Entries
// that exhaust their attempts are dropped with a log line.
func (q *RetryQueue) Drain(ctx context.Context, store MessageStore) (DrainResult, error) {
	var res DrainResult

	n, err := q.rdb.LLen(ctx, queueKey).Result()
	if err != nil {
		return res, fmt.Errorf("webhook: queue length: %w", err)
	}

	for i := int64(0); i < n; i++ {
		data, err := q.rdb.RPop(ctx, queueKey).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return res, fmt.Errorf("webhook: pop retry entry: %w", err)
		}

		var e Entry
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			log.Printf("webhook: dropping undecodable retry entry: %v", err)
			res.Dropped++
			continue
		}

		if _, err := store.StoreMessage(ctx, e.AccountID, e.Message); err != nil {
			e.Attempt++
			if e.Attempt >= q.maxAttempts {
				log.Printf("webhook: dropping %s/%s message %s after %d attempts: %v",
					e.Platform, e.AccountID, e.Message.PlatformMessageID, e.Attempt, err)
				res.Dropped++
				continue
			}
			if perr := q.Push(ctx, e); perr != nil {
				log.Printf("webhook: requeue failed, entry lost: %v", perr)
				res.Dropped++
				continue
			}
			res.Requeued++
			continue
		}
		res.Stored++
	}
	return res, nil
}
