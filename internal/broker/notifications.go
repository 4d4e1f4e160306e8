package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"sweetshop/internal/models"

	"github.com/segmentio/kafka-go"
)

// NotificationPublisher puts notification jobs on the Kafka topic
type NotificationPublisher struct {
	producer *Producer
	timeout  time.Duration
}

// NewNotificationPublisher creates a new publisher. timeout bounds each write so a
// slow broker cannot hold up the caller.
func NewNotificationPublisher(producer *Producer, timeout time.Duration) *NotificationPublisher {
	return &NotificationPublisher{producer: producer, timeout: timeout}
}

// Enqueue publishes a job keyed by recipient so one mailbox keeps its order
func (np *NotificationPublisher) Enqueue(ctx context.Context, job models.NotificationJob) error {
	if np.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, np.timeout)
		defer cancel()
	}
	return np.producer.PublishEvent(ctx, "notify-"+job.Recipient, job)
}

// JobHandler processes one decoded notification job
type JobHandler func(ctx context.Context, job models.NotificationJob) error

// DecodeJob parses a notification job from a Kafka message
func DecodeJob(msg kafka.Message) (models.NotificationJob, error) {
	var job models.NotificationJob
	if err := json.Unmarshal(msg.Value, &job); err != nil {
		return job, fmt.Errorf("failed to unmarshal notification job: %w", err)
	}

	switch job.EventType {
	case models.JobTypeOrderConfirmation:
		if job.OrderConfirmation == nil {
			return job, fmt.Errorf("job %s: missing order confirmation payload", job.EventID)
		}
	case models.JobTypeLowStock:
		if job.LowStock == nil {
			return job, fmt.Errorf("job %s: missing low stock payload", job.EventID)
		}
	default:
		return job, fmt.Errorf("job %s: unknown type %q", job.EventID, job.EventType)
	}
	return job, nil
}

// HandleJobs adapts a JobHandler to a MessageHandler
func HandleJobs(handler JobHandler) MessageHandler {
	return func(ctx context.Context, msg kafka.Message) error {
		job, err := DecodeJob(msg)
		if err != nil {
			return err
		}
		return handler(ctx, job)
	}
}
