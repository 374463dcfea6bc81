package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
	Endpoint string // optional, for LocalStack
}

// API is the subset of the SQS client used here.
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// Job kinds.
const (
	KindTemplate = "template"
	KindAdHoc    = "adhoc"
)

// SendJob is a deferred send request. Template jobs carry the template and
// family; ad hoc jobs carry the full notification.
type SendJob struct {
	Kind         string   `json:"kind"`
	ActingUserID string   `json:"acting_user_id"`
	FamilyID     string   `json:"family_id"`
	TemplateID   string   `json:"template_id,omitempty"`
	Title        string   `json:"title,omitempty"`
	Content      string   `json:"content,omitempty"`
	Icon         string   `json:"icon,omitempty"`
	Type         int      `json:"type,omitempty"`
	Priority     int      `json:"priority,omitempty"`
	ReceiverIDs  []string `json:"receiver_ids,omitempty"`
	EnqueuedAt   int64    `json:"enqueued_at"`
}

func newClient(ctx context.Context, cfg Config) (*sqs.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// Producer enqueues send jobs.
type Producer struct {
	client   API
	queueURL string
	logger   *zap.Logger
}

// NewProducer creates a producer backed by the AWS SDK.
func NewProducer(ctx context.Context, cfg Config, logger *zap.Logger) (*Producer, error) {
	client, err := newClient(ctx, cfg)
	if err != nil {
		return nil, err
	}

	logger.Info("sqs producer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)
	return NewProducerWithClient(client, cfg.QueueURL, logger), nil
}

// NewProducerWithClient creates a producer over an existing client.
func NewProducerWithClient(client API, queueURL string, logger *zap.Logger) *Producer {
	return &Producer{client: client, queueURL: queueURL, logger: logger}
}

// Enqueue sends job and returns the SQS message id.
func (p *Producer) Enqueue(ctx context.Context, job SendJob) (string, error) {
	if job.EnqueuedAt == 0 {
		job.EnqueuedAt = time.Now().UnixNano()
	}

	body, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	result, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"kind": {
				DataType:    aws.String("String"),
				StringValue: aws.String(job.Kind),
			},
		},
	})
	if err != nil {
		p.logger.Error("failed to send job to sqs",
			zap.Error(err),
			zap.String("kind", job.Kind),
			zap.String("family_id", job.FamilyID),
		)
		return "", fmt.Errorf("sqs send failed: %w", err)
	}

	return aws.ToString(result.MessageId), nil
}

// Received is one job pulled off the queue.
type Received struct {
	Job           SendJob
	ReceiptHandle string
	ReceiveCount  int
}

// Consumer reads send jobs.
type Consumer struct {
	client   API
	queueURL string
	logger   *zap.Logger
}

// NewConsumer creates a consumer backed by the AWS SDK.
func NewConsumer(ctx context.Context, cfg Config, logger *zap.Logger) (*Consumer, error) {
	client, err := newClient(ctx, cfg)
	if err != nil {
		return nil, err
	}

	logger.Info("sqs consumer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)
	return NewConsumerWithClient(client, cfg.QueueURL, logger), nil
}

// NewConsumerWithClient creates a consumer over an existing client.
func NewConsumerWithClient(client API, queueURL string, logger *zap.Logger) *Consumer {
	return &Consumer{client: client, queueURL: queueURL, logger: logger}
}

// Receive long-polls for up to maxMessages jobs. Malformed bodies are deleted and
// skipped so they do not block the queue.
func (c *Consumer) Receive(ctx context.Context, maxMessages int32) ([]Received, error) {
	result, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: maxMessages,
		WaitTimeSeconds:     20,
		VisibilityTimeout:   60,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive failed: %w", err)
	}

	out := make([]Received, 0, len(result.Messages))
	for _, m := range result.Messages {
		var job SendJob
		if err := json.Unmarshal([]byte(aws.ToString(m.Body)), &job); err != nil {
			c.logger.Error("dropping malformed send job",
				zap.String("message_id", aws.ToString(m.MessageId)),
				zap.Error(err),
			)
			if delErr := c.Delete(ctx, aws.ToString(m.ReceiptHandle)); delErr != nil {
				c.logger.Warn("failed to delete malformed job", zap.Error(delErr))
			}
			continue
		}

		count := 0
		if v, ok := m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
			count, _ = strconv.Atoi(v)
		}
		out = append(out, Received{Job: job, ReceiptHandle: aws.ToString(m.ReceiptHandle), ReceiveCount: count})
	}
	return out, nil
}

// Delete removes a processed job.
func (c *Consumer) Delete(ctx context.Context, receiptHandle string) error {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}
	return nil
}

// Release makes a job visible again after seconds, for a later attempt.
func (c *Consumer) Release(ctx context.Context, receiptHandle string, seconds int32) error {
	_, err := c.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.queueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: seconds,
	})
	if err != nil {
		return fmt.Errorf("sqs change visibility failed: %w", err)
	}
	return nil
}
