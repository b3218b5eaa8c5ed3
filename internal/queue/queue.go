// Package queue carries payment events between the API and the processor
// over a Redis stream consumer group. Delivery is at-least-once: a message
// that is not acknowledged within the visibility timeout is claimed again,
// and after MaxRetries deliveries it is parked on the dead-letter stream.
package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nimasrn/payment-gateway/pkg/logger"
	"github.com/nimasrn/payment-gateway/pkg/redis"
	"github.com/pkg/errors"
)

const (
	opTimeout    = 5 * time.Second
	claimBatch   = 100
	fieldPayload = "payload"
	fieldAt      = "published_at"
	headerPrefix = "h:"
)

var (
	ErrAlreadySettled = errors.New("message already settled")
	ErrNoHandler      = errors.New("message handler is required")
)

type Message struct {
	ID       string
	Data     []byte
	Metadata map[string]string
	// Timestamp is when the message was published.
	Timestamp time.Time
	// Attempts is the number of earlier deliveries of this message.
	Attempts int

	mu      sync.Mutex
	settled bool
	queue   *Queue
}

// Ack removes the message from the pending list.
func (m *Message) Ack() error {
	if err := m.settle(); err != nil {
		return err
	}
	return m.queue.ackMessage(m.ID)
}

// Nack leaves the message pending; it is redelivered once the visibility
// timeout elapses.
func (m *Message) Nack() error {
	return m.settle()
}

func (m *Message) settle() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settled {
		return ErrAlreadySettled
	}
	m.settled = true
	return nil
}

func (m *Message) Decode(v any) error {
	return json.Unmarshal(m.Data, v)
}

// MessageHandler acks the message when it returns nil; an error leaves it
// pending for redelivery.
type MessageHandler func(ctx context.Context, msg *Message) error

// MessageHandlerManual owns Ack/Nack and may hand the message to another
// goroutine. Call Queue.Done after a Nack so the message can be reclaimed.
type MessageHandlerManual func(ctx context.Context, msg *Message)

type QueueConfig struct {
	Name              string
	ConsumerGroup     string
	ConsumerName      string
	MaxRetries        int
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
	BatchSize         int64
	MaxLen            int64
	EnableDLQ         bool
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.ConsumerGroup == "" {
		c.ConsumerGroup = "payments"
	}
	if c.ConsumerName == "" {
		c.ConsumerName = "consumer-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	return c
}

type Queue struct {
	adapter redis.RedisAdapter
	config  QueueConfig
	deliver func(*Message)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	inflight map[string]struct{}
}

type QueueStats struct {
	TotalMessages   int64
	PendingMessages int64
	DeadLetters     int64
	ConsumerCount   int64
}

func NewQueue(adapter redis.RedisAdapter, config QueueConfig) (*Queue, error) {
	if config.Name == "" {
		return nil, errors.New("queue name is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		adapter:  adapter,
		config:   config.withDefaults(),
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[string]struct{}),
	}

	gctx, gcancel := context.WithTimeout(ctx, opTimeout)
	defer gcancel()
	// BUSYGROUP when another process created it first
	if err := adapter.XGroupCreateMkStream(gctx, q.config.Name, q.config.ConsumerGroup, "0"); err != nil {
		logger.Debug("consumer group not created", "queue", q.config.Name, "error", err)
	}
	return q, nil
}

func (q *Queue) Name() string {
	return q.config.Name
}

func (q *Queue) DeadLetterName() string {
	return q.config.Name + ":dlq"
}

// Publish appends data to the stream, with metadata carried as headers.
func (q *Queue) Publish(ctx context.Context, data []byte, metadata map[string]string) (string, error) {
	values := make(map[string]interface{}, len(metadata)+2)
	values[fieldPayload] = string(data)
	values[fieldAt] = time.Now().UnixMilli()
	for k, v := range metadata {
		values[headerPrefix+k] = v
	}

	id, err := q.adapter.XAdd(ctx, q.config.Name, values)
	if err != nil {
		return "", errors.Wrapf(err, "publish to %s", q.config.Name)
	}
	if q.config.MaxLen > 0 {
		if err := q.adapter.XTrimApprox(ctx, q.config.Name, q.config.MaxLen); err != nil {
			logger.Warn("stream trim failed", "queue", q.config.Name, "error", err)
		}
	}
	return id, nil
}

func (q *Queue) PublishJSON(ctx context.Context, v any, metadata map[string]string) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", errors.Wrap(err, "encode message")
	}
	return q.Publish(ctx, data, metadata)
}

// Consume runs handler for each message on a background loop until Stop.
func (q *Queue) Consume(handler MessageHandler) error {
	if handler == nil {
		return ErrNoHandler
	}
	return q.start(func(msg *Message) {
		defer q.untrack(msg.ID)
		ctx, cancel := context.WithTimeout(q.ctx, q.config.VisibilityTimeout)
		defer cancel()

		if err := handler(ctx, msg); err != nil {
			logger.Warn("message handler failed, will be redelivered", "queue", q.config.Name, "id", msg.ID, "error", err)
			return
		}
		if err := msg.Ack(); err != nil && !errors.Is(err, ErrAlreadySettled) {
			logger.Warn("message ack failed", "queue", q.config.Name, "id", msg.ID, "error", err)
		}
	})
}

func (q *Queue) ConsumeManual(handler MessageHandlerManual) error {
	if handler == nil {
		return ErrNoHandler
	}
	return q.start(func(msg *Message) { handler(q.ctx, msg) })
}

func (q *Queue) start(deliver func(*Message)) error {
	if q.deliver != nil {
		return errors.New("queue is already consuming")
	}
	q.deliver = deliver
	q.wg.Add(1)
	go q.loop()
	return nil
}

func (q *Queue) loop() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			q.readNew()
			q.reclaim()
		}
	}
}

func (q *Queue) readNew() {
	ctx, cancel := context.WithTimeout(q.ctx, opTimeout)
	msgs, err := q.adapter.XReadGroup(ctx, q.config.ConsumerGroup, q.config.ConsumerName, q.config.Name, ">", q.config.BatchSize)
	cancel()
	if err != nil {
		if !errors.Is(err, redis.NilError) && q.ctx.Err() == nil {
			logger.Warn("queue read failed", "queue", q.config.Name, "error", err)
		}
		return
	}
	for _, sm := range msgs {
		q.dispatch(q.decode(sm))
	}
}

// reclaim takes over messages another consumer (or an earlier run of this
// one) left pending past the visibility timeout.
func (q *Queue) reclaim() {
	ctx, cancel := context.WithTimeout(q.ctx, opTimeout)
	defer cancel()

	pending, err := q.adapter.XPending(ctx, q.config.Name, q.config.ConsumerGroup)
	if err != nil || pending == nil || pending.Count == 0 {
		return
	}
	entries, err := q.adapter.XPendingExt(ctx, q.config.Name, q.config.ConsumerGroup, "-", "+", claimBatch)
	if err != nil {
		return
	}

	deliveries := make(map[string]int64, len(entries))
	var ids []string
	for _, p := range entries {
		if p.Idle >= q.config.VisibilityTimeout && !q.isInflight(p.ID) {
			ids = append(ids, p.ID)
			deliveries[p.ID] = p.RetryCount
		}
	}
	if len(ids) == 0 {
		return
	}

	msgs, err := q.adapter.XClaim(ctx, q.config.Name, q.config.ConsumerGroup, q.config.ConsumerName, q.config.VisibilityTimeout, ids...)
	if err != nil {
		logger.Warn("queue claim failed", "queue", q.config.Name, "error", err)
		return
	}
	for _, sm := range msgs {
		msg := q.decode(sm)
		msg.Attempts = int(deliveries[msg.ID])
		q.dispatch(msg)
	}
}

func (q *Queue) dispatch(msg *Message) {
	if msg.Attempts >= q.config.MaxRetries {
		logger.Warn("message exhausted its retries", "queue", q.config.Name, "id", msg.ID, "attempts", msg.Attempts)
		q.deadLetter(msg)
		_ = q.ackMessage(msg.ID)
		return
	}
	q.track(msg.ID)
	q.deliver(msg)
}

func (q *Queue) track(id string) {
	q.mu.Lock()
	q.inflight[id] = struct{}{}
	q.mu.Unlock()
}

func (q *Queue) untrack(id string) {
	q.mu.Lock()
	delete(q.inflight, id)
	q.mu.Unlock()
}

func (q *Queue) isInflight(id string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	_, ok := q.inflight[id]
	return ok
}

func (q *Queue) ackMessage(id string) error {
	defer q.untrack(id)
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	return q.adapter.XAck(ctx, q.config.Name, q.config.ConsumerGroup, id)
}

// Done releases a manually handled message that was nacked so it can be
// reclaimed after the visibility timeout.
func (q *Queue) Done(msg *Message) {
	q.untrack(msg.ID)
}

func (q *Queue) deadLetter(msg *Message) {
	if !q.config.EnableDLQ {
		return
	}

	values := map[string]interface{}{
		fieldPayload:   string(msg.Data),
		fieldAt:        msg.Timestamp.UnixMilli(),
		"source_id":    msg.ID,
		"source_queue": q.config.Name,
		"deliveries":   msg.Attempts,
		"parked_at":    time.Now().UnixMilli(),
	}
	for k, v := range msg.Metadata {
		values[headerPrefix+k] = v
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if _, err := q.adapter.XAdd(ctx, q.DeadLetterName(), values); err != nil {
		logger.Error("failed to dead-letter message", "queue", q.config.Name, "id", msg.ID, "error", err)
	}
}

func (q *Queue) decode(sm redis.StreamMessage) *Message {
	msg := &Message{ID: sm.ID, Metadata: make(map[string]string), queue: q}

	for k, v := range sm.Values {
		s, _ := v.(string)
		switch {
		case k == fieldPayload:
			msg.Data = []byte(s)
		case k == fieldAt:
			if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
				msg.Timestamp = time.UnixMilli(ms)
			}
		case strings.HasPrefix(k, headerPrefix):
			msg.Metadata[strings.TrimPrefix(k, headerPrefix)] = s
		}
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	return msg
}

// Stop ends consumption and waits up to timeout for the loop to exit.
// Messages handed to manual handlers are not waited for.
func (q *Queue) Stop(timeout time.Duration) error {
	q.cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.Errorf("queue %s did not stop within %s", q.config.Name, timeout)
	}
}

func (q *Queue) GetStats(ctx context.Context) (*QueueStats, error) {
	total, err := q.adapter.XLen(ctx, q.config.Name)
	if err != nil {
		return nil, errors.Wrap(err, "stream length")
	}

	stats := &QueueStats{TotalMessages: total}
	if pending, err := q.adapter.XPending(ctx, q.config.Name, q.config.ConsumerGroup); err == nil && pending != nil {
		stats.PendingMessages = pending.Count
		stats.ConsumerCount = int64(len(pending.Consumers))
	}
	if dlq, err := q.adapter.XLen(ctx, q.DeadLetterName()); err == nil {
		stats.DeadLetters = dlq
	}
	return stats, nil
}
