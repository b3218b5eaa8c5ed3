package queue

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nimasrn/payment-gateway/pkg/redis"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, redis.RedisAdapter) {
	mr := miniredis.RunT(t)

	// Use unique connection name per test to avoid global adapter caching issues
	connName := t.Name() + "-" + mr.Addr()
	adapter, err := redis.NewRedisAdapter(connName, "", &goredis.UniversalOptions{
		Addrs: []string{mr.Addr()},
	})
	require.NoError(t, err)

	return mr, adapter
}

func testConfig(name string) QueueConfig {
	return QueueConfig{
		Name:              name,
		ConsumerGroup:     "test-group",
		ConsumerName:      "test-consumer",
		MaxRetries:        3,
		VisibilityTimeout: 5 * time.Second,
		PollInterval:      50 * time.Millisecond,
		BatchSize:         10,
		MaxLen:            1000,
		EnableDLQ:         true,
	}
}

type transitionPayload struct {
	TransactionID string `json:"transaction_id"`
	ToStatus      string `json:"to_status"`
}

func TestQueue_PublishAndConsume(t *testing.T) {
	_, adapter := setupTestRedis(t)

	queue, err := NewQueue(adapter, testConfig("test:payments:events"))
	require.NoError(t, err)
	defer queue.Stop(time.Second)

	ctx := context.Background()
	_, err = queue.PublishJSON(ctx, transitionPayload{TransactionID: "txn-1", ToStatus: "COMPLETED"},
		map[string]string{"event": "transaction.completed"})
	require.NoError(t, err)

	received := make(chan *Message, 1)
	err = queue.Consume(func(ctx context.Context, msg *Message) error {
		received <- msg
		return nil
	})
	require.NoError(t, err)

	select {
	case msg := <-received:
		var p transitionPayload
		require.NoError(t, msg.Decode(&p))
		assert.Equal(t, "txn-1", p.TransactionID)
		assert.Equal(t, "COMPLETED", p.ToStatus)
		assert.Equal(t, "transaction.completed", msg.Metadata["event"])
		assert.Equal(t, 0, msg.Attempts)
		assert.WithinDuration(t, time.Now(), msg.Timestamp, 5*time.Second)
	case <-time.After(2 * time.Second):
		t.Fatal("message not received")
	}

	require.Eventually(t, func() bool {
		stats, err := queue.GetStats(ctx)
		return err == nil && stats.PendingMessages == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestQueue_Validation(t *testing.T) {
	_, adapter := setupTestRedis(t)

	_, err := NewQueue(adapter, QueueConfig{})
	assert.Error(t, err)

	queue, err := NewQueue(adapter, QueueConfig{Name: "defaults"})
	require.NoError(t, err)
	assert.Equal(t, "payments", queue.config.ConsumerGroup)
	assert.Equal(t, 3, queue.config.MaxRetries)
	assert.Equal(t, int64(10), queue.config.BatchSize)

	assert.ErrorIs(t, queue.Consume(nil), ErrNoHandler)
	assert.ErrorIs(t, queue.ConsumeManual(nil), ErrNoHandler)

	require.NoError(t, queue.Consume(func(context.Context, *Message) error { return nil }))
	assert.Error(t, queue.Consume(func(context.Context, *Message) error { return nil }), "a queue has a single consumer loop")
	require.NoError(t, queue.Stop(time.Second))

	// creating a second queue over an existing group is fine
	_, err = NewQueue(adapter, QueueConfig{Name: "defaults"})
	assert.NoError(t, err)
}

func TestQueue_RedeliversFailedMessage(t *testing.T) {
	_, adapter := setupTestRedis(t)

	cfg := testConfig("test:retry:queue")
	cfg.VisibilityTimeout = 150 * time.Millisecond
	queue, err := NewQueue(adapter, cfg)
	require.NoError(t, err)
	defer queue.Stop(time.Second)

	ctx := context.Background()
	_, err = queue.PublishJSON(ctx, transitionPayload{TransactionID: "txn-retry"}, nil)
	require.NoError(t, err)

	var calls int32
	seen := make(chan int, 4)
	err = queue.Consume(func(ctx context.Context, msg *Message) error {
		seen <- msg.Attempts
		if atomic.AddInt32(&calls, 1) == 1 {
			return assert.AnError
		}
		return nil
	})
	require.NoError(t, err)

	first := <-seen
	assert.Equal(t, 0, first)

	select {
	case second := <-seen:
		assert.GreaterOrEqual(t, second, 1)
	case <-time.After(3 * time.Second):
		t.Fatal("message was not redelivered")
	}
}

func TestQueue_DeadLetter(t *testing.T) {
	_, adapter := setupTestRedis(t)

	cfg := testConfig("test:dlq:queue")
	cfg.MaxRetries = 1
	cfg.VisibilityTimeout = 100 * time.Millisecond
	queue, err := NewQueue(adapter, cfg)
	require.NoError(t, err)
	defer queue.Stop(time.Second)

	ctx := context.Background()
	_, err = queue.PublishJSON(ctx, transitionPayload{TransactionID: "txn-dead"}, map[string]string{"event": "transaction.failed"})
	require.NoError(t, err)

	err = queue.Consume(func(ctx context.Context, msg *Message) error {
		return assert.AnError
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stats, err := queue.GetStats(ctx)
		return err == nil && stats.DeadLetters == 1 && stats.PendingMessages == 0
	}, 3*time.Second, 25*time.Millisecond)

	assert.Equal(t, "test:dlq:queue:dlq", queue.DeadLetterName())
}

func TestQueue_ConsumeManual(t *testing.T) {
	_, adapter := setupTestRedis(t)

	queue, err := NewQueue(adapter, testConfig("test:manual:queue"))
	require.NoError(t, err)
	defer queue.Stop(time.Second)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := queue.PublishJSON(ctx, map[string]int{"n": i}, nil)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	wg.Add(3)
	err = queue.ConsumeManual(func(ctx context.Context, msg *Message) {
		go func() {
			defer wg.Done()
			assert.NoError(t, msg.Ack())
		}()
	})
	require.NoError(t, err)
	wg.Wait()

	require.Eventually(t, func() bool {
		stats, err := queue.GetStats(ctx)
		return err == nil && stats.PendingMessages == 0 && stats.TotalMessages == 3
	}, 2*time.Second, 20*time.Millisecond)
}

func TestMessage_AckNack(t *testing.T) {
	_, adapter := setupTestRedis(t)

	queue, err := NewQueue(adapter, testConfig("test:ack:queue"))
	require.NoError(t, err)
	defer queue.Stop(time.Second)

	t.Run("ack settles the message", func(t *testing.T) {
		msgID, err := queue.Publish(context.Background(), []byte(`{"transaction_id":"txn-1"}`), nil)
		require.NoError(t, err)

		msg := &Message{ID: msgID, queue: queue}
		assert.NoError(t, msg.Ack())
		assert.True(t, msg.settled)
		assert.ErrorIs(t, msg.Ack(), ErrAlreadySettled)
	})

	t.Run("nack settles without acking", func(t *testing.T) {
		msg := &Message{ID: "test-2", queue: queue}

		assert.NoError(t, msg.Nack())
		assert.ErrorIs(t, msg.Ack(), ErrAlreadySettled)
		assert.ErrorIs(t, msg.Nack(), ErrAlreadySettled)
	})
}

func TestQueue_DeadLetterKeepsHeaders(t *testing.T) {
	mr, adapter := setupTestRedis(t)

	cfg := testConfig("test:dlq:headers")
	cfg.MaxRetries = 1
	cfg.VisibilityTimeout = 100 * time.Millisecond
	queue, err := NewQueue(adapter, cfg)
	require.NoError(t, err)
	defer queue.Stop(time.Second)

	_, err = queue.PublishJSON(context.Background(), transitionPayload{TransactionID: "txn-h"},
		map[string]string{"event": "transaction.refunded"})
	require.NoError(t, err)
	require.NoError(t, queue.Consume(func(context.Context, *Message) error { return assert.AnError }))

	require.Eventually(t, func() bool {
		entries, err := mr.Stream(queue.DeadLetterName())
		return err == nil && len(entries) == 1
	}, 3*time.Second, 25*time.Millisecond)

	entries, _ := mr.Stream(queue.DeadLetterName())
	fields := map[string]string{}
	for i := 0; i+1 < len(entries[0].Values); i += 2 {
		fields[entries[0].Values[i]] = entries[0].Values[i+1]
	}
	assert.Equal(t, "transaction.refunded", fields[headerPrefix+"event"])
	assert.Equal(t, "test:dlq:headers", fields["source_queue"])
	assert.Contains(t, fields[fieldPayload], "txn-h")
}

func TestMessage_Decode(t *testing.T) {
	raw, _ := json.Marshal(transitionPayload{TransactionID: "txn-9", ToStatus: "FAILED"})
	msg := &Message{Data: raw}

	var p transitionPayload
	require.NoError(t, msg.Decode(&p))
	assert.Equal(t, "FAILED", p.ToStatus)

	assert.Error(t, (&Message{Data: []byte("{")}).Decode(&p))
}

func TestQueue_ConcurrentPublish(t *testing.T) {
	_, adapter := setupTestRedis(t)

	queue, err := NewQueue(adapter, testConfig("test:concurrent:queue"))
	require.NoError(t, err)
	defer queue.Stop(time.Second)

	ctx := context.Background()
	numGoroutines := 10
	var wg sync.WaitGroup

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			_, err := queue.PublishJSON(ctx, map[string]int{"id": id}, nil)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	stats, err := queue.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(numGoroutines), stats.TotalMessages)
}

func TestQueue_Stop(t *testing.T) {
	_, adapter := setupTestRedis(t)

	queue, err := NewQueue(adapter, testConfig("test:stop:queue"))
	require.NoError(t, err)

	err = queue.Consume(func(ctx context.Context, msg *Message) error {
		time.Sleep(100 * time.Millisecond)
		return nil
	})
	require.NoError(t, err)

	assert.NoError(t, queue.Stop(2*time.Second))
}
