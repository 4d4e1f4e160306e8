package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"sweetshop/internal/broker"
	"sweetshop/internal/models"
	"sweetshop/internal/service"
	"sweetshop/internal/util"

	"go.uber.org/zap"
)

// ErrPoolStopped is returned when a job is offered to a stopped pool
var ErrPoolStopped = errors.New("notification pool stopped")

// Mailer delivers a notification. Email rendering and transport live behind it.
type Mailer interface {
	Send(ctx context.Context, job models.NotificationJob) error
}

// LogMailer writes notifications to the log instead of sending them
type LogMailer struct {
	logger *zap.Logger
}

func NewLogMailer() *LogMailer {
	return &LogMailer{logger: util.GetLogger()}
}

func (m *LogMailer) Send(ctx context.Context, job models.NotificationJob) error {
	fields := []zap.Field{
		zap.String("event_id", job.EventID),
		zap.String("type", job.EventType),
		zap.String("recipient", job.Recipient),
		zap.Int("attempt", job.Attempt),
	}
	switch {
	case job.OrderConfirmation != nil:
		fields = append(fields,
			zap.String("order_id", job.OrderConfirmation.OrderID),
			zap.Int64("total_amount", job.OrderConfirmation.TotalAmount))
	case job.LowStock != nil:
		fields = append(fields,
			zap.String("product_id", job.LowStock.ProductID),
			zap.Int("quantity", job.LowStock.Quantity))
	}
	m.logger.Info("Notification sent", fields...)
	return nil
}

// PoolConfig sizes a Pool
type PoolConfig struct {
	Workers     int
	QueueSize   int
	MaxAttempts int
	Backoff     time.Duration
}

// Pool delivers notification jobs with a fixed number of workers, retrying failed
// sends with exponential backoff. It implements service.Notifier.
type Pool struct {
	mailer Mailer
	cfg    PoolConfig
	jobs   chan models.NotificationJob
	quit   chan struct{}
	wg     sync.WaitGroup
	logger *zap.Logger

	// mu is held shared while a job is handed over and exclusively by Stop, so a
	// job accepted before Stop is always seen by the draining workers
	mu      sync.RWMutex
	stopped bool
}

// NewPool creates a pool. Zero config values fall back to 5 workers, a queue of
// 100 jobs, 3 attempts and a 1s initial backoff.
func NewPool(mailer Mailer, cfg PoolConfig) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 5
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	return &Pool{
		mailer: mailer,
		cfg:    cfg,
		jobs:   make(chan models.NotificationJob, cfg.QueueSize),
		quit:   make(chan struct{}),
		logger: util.GetLogger(),
	}
}

// Start launches the workers. They run until Stop is called.
func (p *Pool) Start(ctx context.Context) {
	p.logger.Info("Starting notification workers", zap.Int("workers", p.cfg.Workers))
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.run(ctx)
	}
}

// Stop stops accepting jobs, lets workers drain the queue and waits for them
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.stopped {
		p.logger.Info("Stopping notification workers")
		p.stopped = true
		close(p.quit)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// Enqueue hands a job to the pool without waiting
func (p *Pool) Enqueue(ctx context.Context, job models.NotificationJob) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.jobs <- job:
		return nil
	default:
		return service.ErrQueueFull
	}
}

// Submit hands a job to the pool, waiting for queue space. A Stop issued while
// Submit waits is held back until the job is queued or ctx is done.
func (p *Pool) Submit(ctx context.Context, job models.NotificationJob) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case p.jobs <- job:
		return nil
	}
}

func (p *Pool) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case job := <-p.jobs:
			p.deliver(ctx, job)
		case <-p.quit:
			for {
				select {
				case job := <-p.jobs:
					p.deliver(ctx, job)
				default:
					return
				}
			}
		}
	}
}

func (p *Pool) deliver(ctx context.Context, job models.NotificationJob) {
	backoff := p.cfg.Backoff
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		job.Attempt = attempt
		err := p.mailer.Send(ctx, job)
		if err == nil {
			util.NotificationsDeliveredTotal.WithLabelValues(job.EventType, "ok").Inc()
			return
		}

		p.logger.Warn("Notification delivery failed",
			zap.String("event_id", job.EventID),
			zap.String("type", job.EventType),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt == p.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			util.NotificationsDeliveredTotal.WithLabelValues(job.EventType, "cancelled").Inc()
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	util.NotificationsDeliveredTotal.WithLabelValues(job.EventType, "failed").Inc()
	p.logger.Error("Notification dropped after retries",
		zap.String("event_id", job.EventID),
		zap.String("type", job.EventType),
		zap.String("recipient", job.Recipient))
}

// NotificationWorker feeds jobs from the Kafka topic into a pool
type NotificationWorker struct {
	consumer *broker.Consumer
	pool     *Pool
	logger   *zap.Logger
}

// NewNotificationWorker creates a new notification worker
func NewNotificationWorker(consumer *broker.Consumer, pool *Pool) *NotificationWorker {
	return &NotificationWorker{
		consumer: consumer,
		pool:     pool,
		logger:   util.GetLogger(),
	}
}

// Start consumes until ctx is done
func (w *NotificationWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting notification worker")
	return w.consumer.StartConsuming(ctx, broker.HandleJobs(w.pool.Submit))
}

// Stop closes the consumer
func (w *NotificationWorker) Stop() error {
	w.logger.Info("Stopping notification worker")
	return w.consumer.Close()
}
