package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type stubAPI struct {
	sent     []*sqs.SendMessageInput
	sendErr  error
	messages []types.Message
	deleted  []string
	released map[string]int32
}

func (s *stubAPI) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	if s.sendErr != nil {
		return nil, s.sendErr
	}
	s.sent = append(s.sent, in)
	return &sqs.SendMessageOutput{MessageId: aws.String("msg-1")}, nil
}

func (s *stubAPI) ReceiveMessage(_ context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	return &sqs.ReceiveMessageOutput{Messages: s.messages}, nil
}

func (s *stubAPI) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	s.deleted = append(s.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (s *stubAPI) ChangeMessageVisibility(_ context.Context, in *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	if s.released == nil {
		s.released = make(map[string]int32)
	}
	s.released[aws.ToString(in.ReceiptHandle)] = in.VisibilityTimeout
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func TestProducer_Enqueue(t *testing.T) {
	api := &stubAPI{}
	p := NewProducerWithClient(api, "https://sqs.local/queue", zap.NewNop())

	job := SendJob{
		Kind:         KindTemplate,
		ActingUserID: uuid.NewString(),
		FamilyID:     uuid.NewString(),
		TemplateID:   uuid.NewString(),
	}
	id, err := p.Enqueue(context.Background(), job)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if id != "msg-1" {
		t.Errorf("message id = %q", id)
	}
	if len(api.sent) != 1 {
		t.Fatalf("expected 1 send, got %d", len(api.sent))
	}

	in := api.sent[0]
	if aws.ToString(in.QueueUrl) != "https://sqs.local/queue" {
		t.Errorf("queue url = %s", aws.ToString(in.QueueUrl))
	}
	if got := aws.ToString(in.MessageAttributes["kind"].StringValue); got != KindTemplate {
		t.Errorf("kind attribute = %q", got)
	}

	var decoded SendJob
	if err := json.Unmarshal([]byte(aws.ToString(in.MessageBody)), &decoded); err != nil {
		t.Fatalf("body is not a job: %v", err)
	}
	if decoded.TemplateID != job.TemplateID {
		t.Errorf("template id mismatch: got %s, want %s", decoded.TemplateID, job.TemplateID)
	}
	if decoded.EnqueuedAt == 0 {
		t.Error("enqueued_at should be stamped")
	}
}

func TestProducer_EnqueueError(t *testing.T) {
	api := &stubAPI{sendErr: errors.New("throttled")}
	p := NewProducerWithClient(api, "q", zap.NewNop())

	if _, err := p.Enqueue(context.Background(), SendJob{Kind: KindAdHoc}); err == nil {
		t.Fatal("expected error")
	}
}

func TestConsumer_ReceiveSkipsMalformed(t *testing.T) {
	good, _ := json.Marshal(SendJob{Kind: KindAdHoc, Title: "hi", ReceiverIDs: []string{"a", "b"}})
	api := &stubAPI{messages: []types.Message{
		{
			MessageId:     aws.String("1"),
			Body:          aws.String(string(good)),
			ReceiptHandle: aws.String("rh-good"),
			Attributes:    map[string]string{"ApproximateReceiveCount": "2"},
		},
		{
			MessageId:     aws.String("2"),
			Body:          aws.String("{not json"),
			ReceiptHandle: aws.String("rh-bad"),
		},
	}}
	c := NewConsumerWithClient(api, "q", zap.NewNop())

	got, err := c.Receive(context.Background(), 10)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 job, got %d", len(got))
	}
	if got[0].Job.Title != "hi" || len(got[0].Job.ReceiverIDs) != 2 {
		t.Errorf("unexpected job: %+v", got[0].Job)
	}
	if got[0].ReceiveCount != 2 {
		t.Errorf("receive count = %d", got[0].ReceiveCount)
	}
	if len(api.deleted) != 1 || api.deleted[0] != "rh-bad" {
		t.Errorf("malformed job should be deleted, deleted = %v", api.deleted)
	}
}

func TestConsumer_DeleteAndRelease(t *testing.T) {
	api := &stubAPI{}
	c := NewConsumerWithClient(api, "q", zap.NewNop())

	if err := c.Delete(context.Background(), "rh-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := c.Release(context.Background(), "rh-2", 30); err != nil {
		t.Fatalf("release: %v", err)
	}
	if api.deleted[0] != "rh-1" {
		t.Errorf("deleted = %v", api.deleted)
	}
	if api.released["rh-2"] != 30 {
		t.Errorf("released = %v", api.released)
	}
}
