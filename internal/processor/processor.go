package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nimasrn/payment-gateway/internal/config"
	"github.com/nimasrn/payment-gateway/internal/queue"
	"github.com/nimasrn/payment-gateway/pkg/logger"
	"github.com/nimasrn/payment-gateway/pkg/redis"
	"github.com/nimasrn/payment-gateway/pkg/worker"
)

const ProcessingTimeout = time.Second * 15
const HealthInterval = time.Second * 30
const ShutdownTimeout = time.Minute

// Processor handles one queue message. A nil error acks it.
type Processor interface {
	Process(ctx context.Context, message *queue.Message) error
	GetType() string
}

type ServiceConfig struct {
	Queue     queue.QueueConfig
	Consumers int
	Workers   int
	Timeout   time.Duration
}

func ServiceConfigFrom(c *config.Config) ServiceConfig {
	return ServiceConfig{
		Queue: queue.QueueConfig{
			Name:              c.EventsStream,
			ConsumerGroup:     c.EventsConsumerGroup,
			ConsumerName:      c.EventsConsumerName,
			MaxRetries:        c.EventsMaxRetries,
			VisibilityTimeout: c.EventsVisibility,
			PollInterval:      c.EventsPollInterval,
			BatchSize:         c.EventsBatchSize,
			MaxLen:            c.EventsMaxLen,
			EnableDLQ:         c.EventsEnableDLQ,
		},
		Consumers: 2,
		Workers:   c.NotifierWorkers,
		Timeout:   c.NotifierTimeout + 5*time.Second,
	}
}

// ProcessorService reads the event stream with a few consumers and hands
// every message to a worker pool. Workers ack or nack; nacked messages are
// reclaimed after the visibility timeout.
type ProcessorService struct {
	adapter   redis.RedisAdapter
	config    ServiceConfig
	queues    []*queue.Queue
	processor Processor
	metrics   *ServiceMetrics
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	pool      *worker.Pool[job]
}

func NewProcessorService(adapter redis.RedisAdapter, cfg ServiceConfig, p Processor) (*ProcessorService, error) {
	if p == nil {
		return nil, fmt.Errorf("processor is required")
	}
	if cfg.Consumers <= 0 {
		cfg.Consumers = 1
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = ProcessingTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &ProcessorService{
		adapter:   adapter,
		config:    cfg,
		processor: p,
		metrics:   NewServiceMetrics(),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.pool = worker.NewPool(cfg.Workers*4, cfg.Workers, s.handleJob)
	logger.Info("registered processor", "type", p.GetType())
	return s, nil
}

func (s *ProcessorService) Start() error {
	logger.Info("starting processor service", "stream", s.config.Queue.Name)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.pool.Start(s.ctx); err != nil {
			logger.Info("worker pool stopped", "error", err)
		}
	}()

	base := s.config.Queue.ConsumerName
	if base == "" {
		base = fmt.Sprintf("notifier-%d", time.Now().UnixNano())
	}
	for i := 0; i < s.config.Consumers; i++ {
		qc := s.config.Queue
		qc.ConsumerName = fmt.Sprintf("%s-%d", base, i)

		q, err := queue.NewQueue(s.adapter, qc)
		if err != nil {
			return fmt.Errorf("failed to create queue consumer %d: %w", i, err)
		}
		if err := q.ConsumeManual(s.messageHandler(q)); err != nil {
			return fmt.Errorf("failed to start consumer %d: %w", i, err)
		}
		s.queues = append(s.queues, q)
	}

	s.wg.Add(2)
	go s.metricsReporter()
	go s.healthChecker()

	logger.Info("processor service started", "consumers", len(s.queues), "workers", s.config.Workers)
	return nil
}

type job struct {
	msg   *queue.Message
	queue *queue.Queue
}

// messageHandler queues the message for a worker. A full pool leaves the
// message pending so it is reclaimed later.
func (s *ProcessorService) messageHandler(q *queue.Queue) queue.MessageHandlerManual {
	return func(ctx context.Context, msg *queue.Message) {
		enqueueCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
		defer cancel()
		if err := s.pool.Enqueue(enqueueCtx, job{msg: msg, queue: q}); err != nil {
			logger.Warn("worker pool busy, message left pending", "id", msg.ID, "error", err)
			_ = msg.Nack()
			q.Done(msg)
		}
	}
}

func (s *ProcessorService) handleJob(ctx context.Context, workerIndex int, jb job) {
	start := time.Now()
	procCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	if err := s.processor.Process(procCtx, jb.msg); err != nil {
		s.metrics.RecordFailure()
		logger.Warn("event processing failed, will be redelivered", "worker", workerIndex, "id", jb.msg.ID,
			"attempts", jb.msg.Attempts, "error", err)
		_ = jb.msg.Nack()
		jb.queue.Done(jb.msg)
		return
	}
	s.metrics.RecordSuccess(time.Since(start))
	if err := jb.msg.Ack(); err != nil {
		logger.Error("failed to ack message", "id", jb.msg.ID, "error", err)
	}
}

func (s *ProcessorService) metricsReporter() {
	defer s.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.reportMetrics()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *ProcessorService) reportMetrics() {
	stats := s.metrics.GetStats()
	logger.Info("processor metrics", "total_processed", stats["total_processed"], "total_failed", stats["total_failed"],
		"rate_per_second", stats["rate_per_second"], "avg_duration_ms", stats["avg_duration_ms"],
		"uptime_seconds", stats["uptime_seconds"], "queued_jobs", s.pool.Queued())

	if len(s.queues) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if qStats, err := s.queues[0].GetStats(ctx); err == nil {
		logger.Info("stream stats", "stream", s.queues[0].Name(), "total", qStats.TotalMessages,
			"pending", qStats.PendingMessages, "dead_letters", qStats.DeadLetters)
	}
}

func (s *ProcessorService) healthChecker() {
	defer s.wg.Done()

	ticker := time.NewTicker(HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.performHealthCheck()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *ProcessorService) performHealthCheck() {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()

	if err := s.adapter.Ping(ctx); err != nil {
		logger.Error("health check failed: redis unreachable", "error", err)
		return
	}
	if len(s.queues) == 0 {
		return
	}
	stats, err := s.queues[0].GetStats(ctx)
	if err != nil {
		logger.Warn("health check: stream stats unavailable", "error", err)
		return
	}
	if stats.PendingMessages > 10000 {
		logger.Warn("health check: notification backlog is high", "pending_messages", stats.PendingMessages)
	}
	if stats.DeadLetters > 0 {
		logger.Warn("health check: dead-lettered events waiting", "dead_letters", stats.DeadLetters)
	}
}

// Stop stops the consumers, then the workers, waiting for in-flight jobs.
func (s *ProcessorService) Stop() {
	logger.Info("shutting down processor service")

	var stopWg sync.WaitGroup
	for i, q := range s.queues {
		stopWg.Add(1)
		go func(index int, q *queue.Queue) {
			defer stopWg.Done()
			if err := q.Stop(ShutdownTimeout); err != nil {
				logger.Error("error stopping consumer", "consumer", index, "error", err)
			}
		}(i, q)
	}
	stopWg.Wait()

	s.pool.Exit()
	s.cancel()
	s.wg.Wait()

	s.reportMetrics()
	logger.Info("processor service stopped")
}
