// Package queue carries background work requests between the API and the
// worker process.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// TypeReconcile asks a worker to recompute one student's aggregate. The body
// is the student id.
const TypeReconcile = "student.reconcile"

// DefaultMaxAttempts is how often a message is delivered before it is
// dead-lettered.
const DefaultMaxAttempts = 5

// Message is one unit of work.
type Message struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Body       []byte    `json:"body,omitempty"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`

	// raw is the encoded form as stored in Redis, needed to remove it on ack.
	raw string
}

// Queue delivers messages at least once. Every consumed message must be
// acknowledged with Ack or returned with Nack.
type Queue interface {
	Publish(ctx context.Context, msg Message) error
	Consume(ctx context.Context) (<-chan Message, error)
	Ack(ctx context.Context, msg Message) error
	// Nack schedules another attempt, or dead-letters the message once it
	// has used up its attempts.
	Nack(ctx context.Context, msg Message, cause error) error
}

func prepare(msg Message) (Message, error) {
	if msg.Type == "" {
		return msg, errors.New("message type required")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now().UTC()
	}
	return msg, nil
}

// InMemory is a channel-backed queue for a single process.
type InMemory struct {
	ch          chan Message
	maxAttempts int

	mu   sync.Mutex
	dead []Message
}

// NewInMemory creates a bounded in-memory queue.
func NewInMemory(size int) *InMemory {
	return &InMemory{ch: make(chan Message, size), maxAttempts: DefaultMaxAttempts}
}

func (q *InMemory) Publish(ctx context.Context, msg Message) error {
	msg, err := prepare(msg)
	if err != nil {
		return err
	}
	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *InMemory) Consume(ctx context.Context) (<-chan Message, error) {
	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			select {
			case msg := <-q.ch:
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (q *InMemory) Ack(context.Context, Message) error { return nil }

func (q *InMemory) Nack(ctx context.Context, msg Message, _ error) error {
	msg.Attempt++
	if msg.Attempt >= q.maxAttempts {
		q.mu.Lock()
		q.dead = append(q.dead, msg)
		q.mu.Unlock()
		return nil
	}
	return q.Publish(ctx, msg)
}

// Dead returns the dead-lettered messages.
func (q *InMemory) Dead() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Message(nil), q.dead...)
}

// RedisQueue is a reliable list queue. Consumers move each message into a
// processing list with BLMOVE; Ack removes it from there, so messages held
// by a crashed worker are found again by Recover.
type RedisQueue struct {
	client      *redis.Client
	key         string
	processing  string
	dead        string
	block       time.Duration
	maxAttempts int
	logger      zerolog.Logger
}

// NewRedisQueue builds a queue on the list at key.
func NewRedisQueue(client *redis.Client, key string, logger zerolog.Logger) *RedisQueue {
	if key == "" {
		key = "qrattend:queue"
	}
	return &RedisQueue{
		client:      client,
		key:         key,
		processing:  key + ":processing",
		dead:        key + ":dead",
		block:       5 * time.Second,
		maxAttempts: DefaultMaxAttempts,
		logger:      logger.With().Str("component", "queue").Str("key", key).Logger(),
	}
}

func (q *RedisQueue) Publish(ctx context.Context, msg Message) error {
	msg, err := prepare(msg)
	if err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return q.client.LPush(ctx, q.key, data).Err()
}

// Recover returns messages left in the processing list to the queue, oldest
// first in line. Call it before any consumer of this key is running.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		err := q.client.LMove(ctx, q.processing, q.key, "LEFT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
	}
}

// Consume recovers orphaned messages, then streams new ones until ctx ends.
func (q *RedisQueue) Consume(ctx context.Context) (<-chan Message, error) {
	n, err := q.Recover(ctx)
	if err != nil {
		return nil, fmt.Errorf("recover processing list: %w", err)
	}
	if n > 0 {
		q.logger.Warn().Int("messages", n).Msg("requeued unacknowledged messages")
	}

	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			raw, err := q.client.BLMove(ctx, q.key, q.processing, "RIGHT", "LEFT", q.block).Result()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if !errors.Is(err, redis.Nil) {
					q.logger.Warn().Err(err).Msg("blmove failed")
					select {
					case <-time.After(time.Second):
					case <-ctx.Done():
						return
					}
				}
				continue
			}

			var msg Message
			if err := json.Unmarshal([]byte(raw), &msg); err != nil {
				q.logger.Error().Err(err).Msg("undecodable message, dead-lettering")
				q.bury(ctx, raw)
				continue
			}
			msg.raw = raw
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (q *RedisQueue) Ack(ctx context.Context, msg Message) error {
	return q.client.LRem(ctx, q.processing, 1, msg.raw).Err()
}

func (q *RedisQueue) Nack(ctx context.Context, msg Message, cause error) error {
	raw := msg.raw
	msg.Attempt++
	msg.raw = ""
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	target := q.key
	if msg.Attempt >= q.maxAttempts {
		target = q.dead
		q.logger.Error().Err(cause).Str("id", msg.ID).Str("type", msg.Type).Int("attempts", msg.Attempt).Msg("message dead-lettered")
	}
	_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, q.processing, 1, raw)
		p.LPush(ctx, target, data)
		return nil
	})
	return err
}

func (q *RedisQueue) bury(ctx context.Context, raw string) {
	_, err := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, q.processing, 1, raw)
		p.LPush(ctx, q.dead, raw)
		return nil
	})
	if err != nil {
		q.logger.Warn().Err(err).Msg("dead-letter failed")
	}
}
