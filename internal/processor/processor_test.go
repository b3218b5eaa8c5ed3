package processor

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	gateway "github.com/nimasrn/payment-gateway/internal/gateways"
	"github.com/nimasrn/payment-gateway/internal/idempotency"
	"github.com/nimasrn/payment-gateway/internal/model"
	"github.com/nimasrn/payment-gateway/internal/queue"
	"github.com/nimasrn/payment-gateway/pkg/redis"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

func setupRedis(t *testing.T) redis.RedisAdapter {
	mr := miniredis.RunT(t)
	adapter, err := redis.NewRedisAdapter(t.Name()+"-"+mr.Addr(), "", &goredis.UniversalOptions{
		Addrs: []string{mr.Addr()},
	})
	require.NoError(t, err)
	return adapter
}

type merchant struct {
	mu       sync.Mutex
	status   int
	received []Notification
	headers  []map[string]string
}

func (m *merchant) handle(ctx *fasthttp.RequestCtx) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n Notification
	_ = json.Unmarshal(ctx.PostBody(), &n)
	m.received = append(m.received, n)
	m.headers = append(m.headers, map[string]string{
		"signature":  string(ctx.Request.Header.Peek("X-Signature")),
		"event_type": string(ctx.Request.Header.Peek("X-Event-Type")),
		"body":       string(ctx.PostBody()),
	})
	status := m.status
	if status == 0 {
		status = fasthttp.StatusOK
	}
	ctx.SetStatusCode(status)
}

func (m *merchant) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.received)
}

func setupNotifier(t *testing.T, m *merchant, cfg NotifierConfig) *Notifier {
	ln := fasthttputil.NewInmemoryListener()
	srv := &fasthttp.Server{Handler: m.handle}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = ln.Close() })

	return NewNotifier(cfg, WithNotifierDial(func(addr string) (net.Conn, error) { return ln.Dial() }))
}

func completedEvent() *model.TransitionEvent {
	return &model.TransitionEvent{
		EventID:       "evt-1",
		TransactionID: "txn-1",
		OrderID:       "order-1",
		CustomerID:    "cust-1",
		Provider:      model.ProviderMTN,
		Amount:        5000,
		Currency:      model.CurrencyXAF,
		From:          model.StatusAwaitingConfirmation,
		To:            model.StatusCompleted,
		Source:        model.SourceWebhook,
		CallbackURL:   "http://merchant.test/hooks/payments",
		OccurredAt:    time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestNotifier_Notify(t *testing.T) {
	m := &merchant{}
	n := setupNotifier(t, m, NotifierConfig{Secret: "merchant-secret", Timeout: time.Second})

	require.NoError(t, n.Notify(context.Background(), completedEvent()))
	require.Equal(t, 1, m.count())

	got := m.received[0]
	assert.Equal(t, "transaction.completed", got.Event)
	assert.Equal(t, "txn-1", got.TransactionID)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.Equal(t, model.StatusAwaitingConfirmation, got.PreviousState)
	assert.Equal(t, "transaction.completed", m.headers[0]["event_type"])
	assert.True(t, gateway.VerifySignature("merchant-secret", []byte(m.headers[0]["body"]), m.headers[0]["signature"]))
}

func TestNotifier_StatusHandling(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		rejected bool
		ok       bool
	}{
		{name: "accepted", status: fasthttp.StatusAccepted, ok: true},
		{name: "bad request is final", status: fasthttp.StatusBadRequest, rejected: true},
		{name: "gone is final", status: fasthttp.StatusGone, rejected: true},
		{name: "rate limited retries", status: fasthttp.StatusTooManyRequests},
		{name: "server error retries", status: fasthttp.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := setupNotifier(t, &merchant{status: tt.status}, NotifierConfig{Timeout: time.Second})
			err := n.Notify(context.Background(), completedEvent())
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.rejected, errors.Is(err, ErrNotificationRejected))
		})
	}
}

func TestNotifier_Target(t *testing.T) {
	n := NewNotifier(NotifierConfig{DefaultURL: "http://default.test/cb"})
	ev := completedEvent()
	assert.Equal(t, "http://merchant.test/hooks/payments", n.Target(ev))
	ev.CallbackURL = ""
	assert.Equal(t, "http://default.test/cb", n.Target(ev))

	silent := NewNotifier(NotifierConfig{})
	assert.Equal(t, "", silent.Target(ev))
	assert.NoError(t, silent.Notify(context.Background(), ev))
}

type fakeNotifier struct {
	calls atomic.Int32
	err   error
	url   string
}

func (f *fakeNotifier) Target(event *model.TransitionEvent) string {
	if event.CallbackURL != "" {
		return event.CallbackURL
	}
	return f.url
}

func (f *fakeNotifier) Notify(ctx context.Context, event *model.TransitionEvent) error {
	f.calls.Add(1)
	return f.err
}

func message(t *testing.T, id string, event any) *queue.Message {
	data, err := json.Marshal(event)
	require.NoError(t, err)
	return &queue.Message{ID: id, Data: data}
}

func TestEventProcessor_Process(t *testing.T) {
	ctx := context.Background()

	t.Run("delivers once per event", func(t *testing.T) {
		dedupe := idempotency.NewService(setupRedis(t), idempotency.DefaultConfig())
		notifier := &fakeNotifier{}
		p := NewEventProcessor(notifier, dedupe)

		require.NoError(t, p.Process(ctx, message(t, "1-0", completedEvent())))
		require.NoError(t, p.Process(ctx, message(t, "1-0", completedEvent())))
		assert.EqualValues(t, 1, notifier.calls.Load())

		_, err := dedupe.AcquireProcessingLock(ctx, "event:evt-1")
		assert.ErrorIs(t, err, idempotency.ErrAlreadyProcessed)
	})

	t.Run("failure is redelivered until retries run out", func(t *testing.T) {
		cfg := idempotency.DefaultConfig()
		cfg.MaxRetries = 2
		dedupe := idempotency.NewService(setupRedis(t), cfg)
		notifier := &fakeNotifier{err: errors.New("connection refused")}
		p := NewEventProcessor(notifier, dedupe)

		assert.Error(t, p.Process(ctx, message(t, "1-0", completedEvent())))
		assert.Error(t, p.Process(ctx, message(t, "1-0", completedEvent())))
		assert.NoError(t, p.Process(ctx, message(t, "1-0", completedEvent())))
		assert.EqualValues(t, 2, notifier.calls.Load())
	})

	t.Run("merchant rejection is not retried", func(t *testing.T) {
		dedupe := idempotency.NewService(setupRedis(t), idempotency.DefaultConfig())
		notifier := &fakeNotifier{err: ErrNotificationRejected}
		p := NewEventProcessor(notifier, dedupe)

		assert.NoError(t, p.Process(ctx, message(t, "1-0", completedEvent())))
		assert.NoError(t, p.Process(ctx, message(t, "1-0", completedEvent())))
		assert.EqualValues(t, 1, notifier.calls.Load())
	})

	t.Run("events without a callback are only audited", func(t *testing.T) {
		dedupe := idempotency.NewService(setupRedis(t), idempotency.DefaultConfig())
		notifier := &fakeNotifier{}
		p := NewEventProcessor(notifier, dedupe)

		ev := completedEvent()
		ev.CallbackURL = ""
		assert.NoError(t, p.Process(ctx, message(t, "1-0", ev)))
		assert.Zero(t, notifier.calls.Load())
	})

	t.Run("malformed payload is dropped", func(t *testing.T) {
		dedupe := idempotency.NewService(setupRedis(t), idempotency.DefaultConfig())
		notifier := &fakeNotifier{}
		p := NewEventProcessor(notifier, dedupe)

		assert.NoError(t, p.Process(ctx, &queue.Message{ID: "1-0", Data: []byte("{not json")}))
		assert.NoError(t, p.Process(ctx, message(t, "2-0", map[string]string{"hello": "world"})))
		assert.Zero(t, notifier.calls.Load())
	})
}

func TestProcessorService_DeliversStreamEvents(t *testing.T) {
	adapter := setupRedis(t)
	m := &merchant{}
	notifier := setupNotifier(t, m, NotifierConfig{Secret: "s", Timeout: time.Second})
	dedupe := idempotency.NewService(adapter, idempotency.DefaultConfig())

	cfg := ServiceConfig{
		Queue: queue.QueueConfig{
			Name:              "test:payments:events",
			ConsumerGroup:     "notifier",
			ConsumerName:      "test",
			MaxRetries:        3,
			VisibilityTimeout: 5 * time.Second,
			PollInterval:      20 * time.Millisecond,
			BatchSize:         10,
			EnableDLQ:         true,
		},
		Consumers: 2,
		Workers:   4,
		Timeout:   2 * time.Second,
	}
	service, err := NewProcessorService(adapter, cfg, NewEventProcessor(notifier, dedupe))
	require.NoError(t, err)
	require.NoError(t, service.Start())
	defer service.Stop()

	publisher, err := queue.NewQueue(adapter, cfg.Queue)
	require.NoError(t, err)
	for i, to := range []model.Status{model.StatusProcessing, model.StatusAwaitingConfirmation, model.StatusCompleted} {
		ev := completedEvent()
		ev.EventID = "evt-" + string(rune('a'+i))
		ev.To = to
		_, err := publisher.PublishJSON(context.Background(), ev, nil)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return m.count() == 3 }, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		stats, err := publisher.GetStats(context.Background())
		return err == nil && stats.PendingMessages == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestNewProcessorService_RequiresProcessor(t *testing.T) {
	_, err := NewProcessorService(nil, ServiceConfig{}, nil)
	assert.Error(t, err)
}
