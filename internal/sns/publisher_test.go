package sns

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/google/uuid"

	"github.com/lalithlochan/familypush/internal/db"
)

type stubAPI struct {
	inputs []*sns.PublishInput
	err    error
}

func (s *stubAPI) Publish(_ context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.inputs = append(s.inputs, in)
	return &sns.PublishOutput{MessageId: aws.String("sns-1")}, nil
}

func TestNotifyTokenDisabled(t *testing.T) {
	api := &stubAPI{}
	p := NewPublisherWithClient(api, "arn:aws:sns:us-east-1:000000000000:tokens")

	reason := "too many push failures"
	tok := &db.DeviceToken{
		ID:             uuid.New(),
		UserID:         uuid.New(),
		Platform:       "ios",
		FailedCount:    6,
		InactiveReason: &reason,
	}
	if err := p.NotifyTokenDisabled(context.Background(), tok); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(api.inputs) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(api.inputs))
	}

	in := api.inputs[0]
	if got := aws.ToString(in.MessageAttributes["event_type"].StringValue); got != string(EventTokenDisabled) {
		t.Errorf("event_type attribute = %q", got)
	}
	if got := aws.ToString(in.MessageAttributes["platform"].StringValue); got != "ios" {
		t.Errorf("platform attribute = %q", got)
	}

	var e TokenEvent
	if err := json.Unmarshal([]byte(aws.ToString(in.Message)), &e); err != nil {
		t.Fatalf("message is not an event: %v", err)
	}
	if e.TokenID != tok.ID.String() || e.UserID != tok.UserID.String() {
		t.Errorf("ids mismatch: %+v", e)
	}
	if e.Reason != reason {
		t.Errorf("reason = %q, want %q", e.Reason, reason)
	}
	if e.FailedCount != 6 {
		t.Errorf("failed_count = %d", e.FailedCount)
	}
}

func TestPublishTokenEvent_Error(t *testing.T) {
	p := NewPublisherWithClient(&stubAPI{err: errors.New("denied")}, "arn")
	if _, err := p.PublishTokenEvent(context.Background(), TokenEvent{Type: EventTokenDisabled}); err == nil {
		t.Fatal("expected error")
	}
}
