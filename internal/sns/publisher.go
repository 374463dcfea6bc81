package sns

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/lalithlochan/familypush/internal/db"
)

// EventType classifies device token lifecycle events.
type EventType string

const (
	EventTokenDisabled EventType = "token.disabled"
)

// API is the subset of the SNS client used here.
type API interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// TokenEvent is published when a device token changes state.
type TokenEvent struct {
	Type        EventType `json:"type"`
	TokenID     string    `json:"token_id"`
	UserID      string    `json:"user_id"`
	Platform    string    `json:"platform"`
	Reason      string    `json:"reason,omitempty"`
	FailedCount int       `json:"failed_count"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Publisher sends token events to an SNS topic.
type Publisher struct {
	client   API
	topicARN string
}

// NewPublisher creates an SNS publisher for the given topic
func NewPublisher(ctx context.Context, topicARN string, optFns ...func(*config.LoadOptions) error) (*Publisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewPublisherWithClient(sns.NewFromConfig(cfg), topicARN), nil
}

// NewPublisherWithEndpoint creates a publisher with custom endpoint (for LocalStack)
func NewPublisherWithEndpoint(ctx context.Context, topicARN, endpoint, region string) (*Publisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sns.NewFromConfig(cfg, func(o *sns.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})
	return NewPublisherWithClient(client, topicARN), nil
}

// NewPublisherWithClient wraps an existing client.
func NewPublisherWithClient(client API, topicARN string) *Publisher {
	return &Publisher{client: client, topicARN: topicARN}
}

// PublishTokenEvent publishes e with its type and platform as message
// attributes, so subscribers can filter.
func (p *Publisher) PublishTokenEvent(ctx context.Context, e TokenEvent) (string, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event: %w", err)
	}

	result, err := p.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(e.Type)),
			},
			"platform": {
				DataType:    aws.String("String"),
				StringValue: aws.String(e.Platform),
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to publish to SNS: %w", err)
	}

	return aws.ToString(result.MessageId), nil
}

// NotifyTokenDisabled publishes a token.disabled event for t.
func (p *Publisher) NotifyTokenDisabled(ctx context.Context, t *db.DeviceToken) error {
	e := TokenEvent{
		Type:        EventTokenDisabled,
		TokenID:     t.ID.String(),
		UserID:      t.UserID.String(),
		Platform:    t.Platform,
		FailedCount: t.FailedCount,
		OccurredAt:  time.Now().UTC(),
	}
	if t.InactiveReason != nil {
		e.Reason = *t.InactiveReason
	}

	_, err := p.PublishTokenEvent(ctx, e)
	return err
}
