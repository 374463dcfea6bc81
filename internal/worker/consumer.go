package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/familypush/internal/metrics"
	"github.com/lalithlochan/familypush/internal/sqs"
)

// ErrRejectedJob marks a send job that can never succeed. Such jobs are
// deleted instead of being redelivered.
var ErrRejectedJob = errors.New("send job rejected")

// JobQueue is the send-job queue. *sqs.Consumer implements it.
type JobQueue interface {
	Receive(ctx context.Context, maxMessages int32) ([]sqs.Received, error)
	Delete(ctx context.Context, receiptHandle string) error
	Release(ctx context.Context, receiptHandle string, seconds int32) error
}

// JobHandler executes one send job.
type JobHandler interface {
	HandleJob(ctx context.Context, job sqs.SendJob) error
}

// ConsumerConfig tunes the job consumer.
type ConsumerConfig struct {
	BatchSize   int32
	MaxReceives int
	ErrorDelay  time.Duration
}

// JobConsumer pulls send jobs off the queue and hands them to the handler.
type JobConsumer struct {
	queue   JobQueue
	handler JobHandler
	config  ConsumerConfig
	logger  *zap.Logger
}

// NewJobConsumer creates a JobConsumer.
func NewJobConsumer(queue JobQueue, handler JobHandler, cfg ConsumerConfig, logger *zap.Logger) *JobConsumer {
	if cfg.BatchSize <= 0 || cfg.BatchSize > 10 {
		cfg.BatchSize = 10
	}
	if cfg.MaxReceives <= 0 {
		cfg.MaxReceives = 5
	}
	if cfg.ErrorDelay <= 0 {
		cfg.ErrorDelay = 5 * time.Second
	}
	return &JobConsumer{queue: queue, handler: handler, config: cfg, logger: logger}
}

// Run consumes until ctx is cancelled.
func (c *JobConsumer) Run(ctx context.Context) {
	c.logger.Info("send job consumer started")
	for {
		if ctx.Err() != nil {
			c.logger.Info("send job consumer stopping")
			return
		}

		if err := c.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			c.logger.Error("failed to receive send jobs", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(c.config.ErrorDelay):
			}
		}
	}
}

// Poll receives one batch and processes it.
func (c *JobConsumer) Poll(ctx context.Context) error {
	received, err := c.queue.Receive(ctx, c.config.BatchSize)
	if err != nil {
		return err
	}

	metrics.SetSQSMessagesInFlight(len(received))
	defer metrics.SetSQSMessagesInFlight(0)

	for _, msg := range received {
		c.process(ctx, msg)
	}
	return nil
}

func (c *JobConsumer) process(ctx context.Context, msg sqs.Received) {
	logger := c.logger.With(
		zap.String("kind", msg.Job.Kind),
		zap.String("family_id", msg.Job.FamilyID),
		zap.Int("receive_count", msg.ReceiveCount),
	)

	err := c.handler.HandleJob(ctx, msg.Job)
	switch {
	case err == nil:
		logger.Debug("send job processed")
	case errors.Is(err, ErrRejectedJob):
		logger.Warn("dropping rejected send job", zap.Error(err))
	case msg.ReceiveCount >= c.config.MaxReceives:
		logger.Error("send job exhausted its deliveries", zap.Error(err))
	default:
		logger.Warn("send job failed, releasing for redelivery", zap.Error(err))
		if relErr := c.queue.Release(context.WithoutCancel(ctx), msg.ReceiptHandle, backoffSeconds(msg.ReceiveCount)); relErr != nil {
			logger.Warn("failed to release send job", zap.Error(relErr))
		}
		return
	}

	if delErr := c.queue.Delete(context.WithoutCancel(ctx), msg.ReceiptHandle); delErr != nil {
		logger.Error("failed to delete send job", zap.Error(delErr))
	}
}

// backoffSeconds grows the redelivery delay with each receive: 30s, 60s,
// 120s... capped at 15 minutes.
func backoffSeconds(receiveCount int) int32 {
	delay := int32(30)
	for i := 1; i < receiveCount && delay < 900; i++ {
		delay *= 2
	}
	if delay > 900 {
		delay = 900
	}
	return delay
}
