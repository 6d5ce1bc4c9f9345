package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "channel closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
		return Message{}
	}
}

func TestInMemoryRoundTrip(t *testing.T) {
	q := NewInMemory(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, q.Publish(ctx, Message{Type: TypeReconcile, Body: []byte("s1")}))
	assert.Error(t, q.Publish(ctx, Message{}))
	msgs, err := q.Consume(ctx)
	require.NoError(t, err)

	msg := receive(t, msgs)
	assert.Equal(t, TypeReconcile, msg.Type)
	assert.Equal(t, "s1", string(msg.Body))
	assert.NotEmpty(t, msg.ID)
	assert.False(t, msg.EnqueuedAt.IsZero())

	cancel()
	_, open := <-msgs
	assert.False(t, open)
}

func TestInMemoryPublishHonoursContext(t *testing.T) {
	q := NewInMemory(1)
	require.NoError(t, q.Publish(context.Background(), Message{Type: "a"}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Publish(ctx, Message{Type: "b"}), context.DeadlineExceeded)
}

func TestInMemoryNackRetriesThenDeadLetters(t *testing.T) {
	q := NewInMemory(4)
	q.maxAttempts = 2
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, q.Publish(ctx, Message{Type: TypeReconcile, Body: []byte("s1")}))
	msgs, err := q.Consume(ctx)
	require.NoError(t, err)

	first := receive(t, msgs)
	require.NoError(t, q.Nack(ctx, first, errors.New("boom")))
	second := receive(t, msgs)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, second.Attempt)

	require.NoError(t, q.Nack(ctx, second, errors.New("boom")))
	dead := q.Dead()
	require.Len(t, dead, 1)
	assert.Equal(t, first.ID, dead[0].ID)
}

func newRedisQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q := NewRedisQueue(client, "", zerolog.Nop())
	q.block = 100 * time.Millisecond
	return q, mr
}

func TestRedisQueueFIFOAndAck(t *testing.T) {
	q, mr := newRedisQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, q.Publish(ctx, Message{Type: TypeReconcile, Body: []byte("s1")}))
	require.NoError(t, q.Publish(ctx, Message{Type: TypeReconcile, Body: []byte("s2|x")}))
	assert.Error(t, q.Publish(ctx, Message{}))

	items, err := mr.List("qrattend:queue")
	require.NoError(t, err)
	assert.Len(t, items, 2)

	msgs, err := q.Consume(ctx)
	require.NoError(t, err)
	first := receive(t, msgs)
	assert.Equal(t, "s1", string(first.Body))
	second := receive(t, msgs)
	assert.Equal(t, TypeReconcile, second.Type)
	assert.Equal(t, "s2|x", string(second.Body))

	processing, err := mr.List("qrattend:queue:processing")
	require.NoError(t, err)
	assert.Len(t, processing, 2, "unacknowledged messages stay in processing")

	require.NoError(t, q.Ack(ctx, first))
	require.NoError(t, q.Ack(ctx, second))
	assert.False(t, mr.Exists("qrattend:queue:processing"))
}

func TestRedisQueueNackDeadLetters(t *testing.T) {
	q, mr := newRedisQueue(t)
	q.maxAttempts = 2
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, q.Publish(ctx, Message{Type: TypeReconcile, Body: []byte("s1")}))
	msgs, err := q.Consume(ctx)
	require.NoError(t, err)

	msg := receive(t, msgs)
	require.NoError(t, q.Nack(ctx, msg, errors.New("store down")))
	retry := receive(t, msgs)
	assert.Equal(t, msg.ID, retry.ID)
	assert.Equal(t, 1, retry.Attempt)

	require.NoError(t, q.Nack(ctx, retry, errors.New("store down")))
	dead, err := mr.List("qrattend:queue:dead")
	require.NoError(t, err)
	require.Len(t, dead, 1)

	var buried Message
	require.NoError(t, json.Unmarshal([]byte(dead[0]), &buried))
	assert.Equal(t, 2, buried.Attempt)
	assert.False(t, mr.Exists("qrattend:queue:processing"))
}

func TestRedisQueueRecoversOrphans(t *testing.T) {
	q, mr := newRedisQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orphan, err := json.Marshal(Message{ID: "o-1", Type: TypeReconcile, Body: []byte("s9")})
	require.NoError(t, err)
	_, err = mr.Lpush("qrattend:queue:processing", string(orphan))
	require.NoError(t, err)

	msgs, err := q.Consume(ctx)
	require.NoError(t, err)
	msg := receive(t, msgs)
	assert.Equal(t, "o-1", msg.ID)
	require.NoError(t, q.Ack(ctx, msg))
}

func TestRedisQueueBuriesGarbage(t *testing.T) {
	q, mr := newRedisQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := mr.Lpush("qrattend:queue", "not json")
	require.NoError(t, err)
	require.NoError(t, q.Publish(ctx, Message{Type: TypeReconcile, Body: []byte("s1")}))

	msgs, err := q.Consume(ctx)
	require.NoError(t, err)
	assert.Equal(t, "s1", string(receive(t, msgs).Body))

	dead, err := mr.List("qrattend:queue:dead")
	require.NoError(t, err)
	assert.Equal(t, []string{"not json"}, dead)
}
