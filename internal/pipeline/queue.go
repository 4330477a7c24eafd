package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tutorlive/internal/models"
	"tutorlive/internal/services"
)

// messageQueueKey is the Redis list backing the message job queue.
// Producers LPUSH, workers BRPOP, so jobs come out in send order.
const messageQueueKey = "jobs:message:send"

// Job is the envelope a message send travels in between the gateway
// and a pipeline worker. The context window is snapshotted at enqueue
// time so retries replay the exact same prompt.
type Job struct {
	JobID              string                `json:"job_id"`
	SessionID          string                `json:"session_id"`
	UserID             string                `json:"user_id"`
	ConnID             string                `json:"conn_id"`
	Content            string                `json:"content"`
	Mode               models.MessageMode    `json:"mode"`
	UserMessageID      string                `json:"user_message_id"`
	AssistantMessageID string                `json:"assistant_message_id"`
	Window             []models.ContextEntry `json:"window"`
	Attempt            int                   `json:"attempt"`
	EnqueuedAt         time.Time             `json:"enqueued_at"`
}

// Queue hands jobs from producers to workers
type Queue interface {
	Enqueue(ctx context.Context, job *Job) error
	// Dequeue blocks up to timeout. A nil job with a nil error means
	// the timeout elapsed with nothing to do.
	Dequeue(ctx context.Context, timeout time.Duration) (*Job, error)
}

// RedisQueue is the production queue, a single Redis list shared by
// every gateway instance.
type RedisQueue struct {
	redis *services.RedisService
}

func NewRedisQueue(r *services.RedisService) *RedisQueue {
	return &RedisQueue{redis: r}
}

func (q *RedisQueue) Enqueue(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := q.redis.LPush(ctx, messageQueueKey, data); err != nil {
		return models.RetryableError("enqueue job", err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	result, err := q.redis.BRPop(ctx, timeout, messageQueueKey)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	// BRPOP returns [key, value]
	if len(result) < 2 {
		return nil, nil
	}

	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}
