package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sweetshop/internal/models"
	"sweetshop/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyMailer struct {
	mu       sync.Mutex
	failures int
	attempts map[string]int
	sent     []models.NotificationJob
}

func (m *flakyMailer) Send(ctx context.Context, job models.NotificationJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attempts == nil {
		m.attempts = make(map[string]int)
	}
	m.attempts[job.EventID]++
	if m.attempts[job.EventID] <= m.failures {
		return errors.New("smtp unavailable")
	}
	m.sent = append(m.sent, job)
	return nil
}

func (m *flakyMailer) snapshot() ([]models.NotificationJob, map[string]int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	attempts := make(map[string]int, len(m.attempts))
	for k, v := range m.attempts {
		attempts[k] = v
	}
	return append([]models.NotificationJob(nil), m.sent...), attempts
}

func confirmationJob(orderID string) models.NotificationJob {
	return models.NewOrderConfirmationJob(&models.Order{ID: orderID, UserID: "user-1", Currency: models.CurrencyINR})
}

func TestPoolDeliversJobs(t *testing.T) {
	mailer := &flakyMailer{}
	pool := NewPool(mailer, PoolConfig{Workers: 3, QueueSize: 10})
	pool.Start(context.Background())

	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Enqueue(context.Background(), confirmationJob("o")))
	}
	pool.Stop()

	sent, _ := mailer.snapshot()
	assert.Len(t, sent, 5)
}

func TestPoolRetriesWithBackoff(t *testing.T) {
	mailer := &flakyMailer{failures: 2}
	pool := NewPool(mailer, PoolConfig{Workers: 1, MaxAttempts: 3, Backoff: time.Millisecond})
	pool.Start(context.Background())

	job := confirmationJob("o1")
	require.NoError(t, pool.Enqueue(context.Background(), job))
	pool.Stop()

	sent, attempts := mailer.snapshot()
	require.Len(t, sent, 1)
	assert.Equal(t, 3, sent[0].Attempt)
	assert.Equal(t, 3, attempts[job.EventID])
}

func TestPoolGivesUpAfterMaxAttempts(t *testing.T) {
	mailer := &flakyMailer{failures: 10}
	pool := NewPool(mailer, PoolConfig{Workers: 1, MaxAttempts: 3, Backoff: time.Millisecond})
	pool.Start(context.Background())

	job := confirmationJob("o1")
	require.NoError(t, pool.Enqueue(context.Background(), job))
	pool.Stop()

	sent, attempts := mailer.snapshot()
	assert.Empty(t, sent)
	assert.Equal(t, 3, attempts[job.EventID])
}

func TestPoolEnqueueNeverBlocks(t *testing.T) {
	pool := NewPool(&flakyMailer{}, PoolConfig{Workers: 1, QueueSize: 1})

	// workers not started: the single slot fills up
	require.NoError(t, pool.Enqueue(context.Background(), confirmationJob("o1")))
	err := pool.Enqueue(context.Background(), confirmationJob("o2"))
	assert.ErrorIs(t, err, service.ErrQueueFull)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, pool.Submit(ctx, confirmationJob("o3")), context.DeadlineExceeded)
}

func TestPoolRejectsAfterStop(t *testing.T) {
	pool := NewPool(&flakyMailer{}, PoolConfig{Workers: 1})
	pool.Start(context.Background())
	pool.Stop()

	assert.ErrorIs(t, pool.Enqueue(context.Background(), confirmationJob("o1")), ErrPoolStopped)
	assert.ErrorIs(t, pool.Submit(context.Background(), confirmationJob("o1")), ErrPoolStopped)
}

func TestPoolDeliversEveryJobAcceptedBeforeStop(t *testing.T) {
	mailer := &flakyMailer{}
	pool := NewPool(mailer, PoolConfig{Workers: 4, QueueSize: 1000})
	pool.Start(context.Background())

	var (
		wg       sync.WaitGroup
		accepted atomic.Int32
		refused  atomic.Int32
	)
	start := make(chan struct{})
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			<-start
			for i := 0; i < 100; i++ {
				err := pool.Enqueue(context.Background(), confirmationJob(fmt.Sprintf("o-%d-%d", g, i)))
				switch {
				case err == nil:
					accepted.Add(1)
				case errors.Is(err, ErrPoolStopped):
					refused.Add(1)
				default:
					t.Errorf("unexpected enqueue error: %v", err)
				}
			}
		}(g)
	}

	close(start)
	time.Sleep(time.Millisecond)
	pool.Stop()
	wg.Wait()

	sent, _ := mailer.snapshot()
	assert.Len(t, sent, int(accepted.Load()))
	assert.Equal(t, int32(800), accepted.Load()+refused.Load())
}

func TestLogMailerAcceptsAllJobTypes(t *testing.T) {
	mailer := NewLogMailer()
	assert.NoError(t, mailer.Send(context.Background(), confirmationJob("o1")))
	assert.NoError(t, mailer.Send(context.Background(),
		models.NewLowStockJob("admin@sweetshop.test", models.Sweet{ID: "s1", Name: "Ladoo", Quantity: 2}, 5)))
}
