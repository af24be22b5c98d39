package aws

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

type mockSQS struct {
	sent []*sqs.SendMessageInput
	err  error
}

func (m *mockSQS) SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.sent = append(m.sent, in)
	return &sqs.SendMessageOutput{MessageId: String("msg-1")}, nil
}

func TestPublisher_Send(t *testing.T) {
	mock := &mockSQS{}
	p := NewPublisher(mock, "https://sqs.local/queue")

	id, err := p.Send(context.Background(), `{"kind":"analysis"}`, map[string]string{
		"correlation_id": "c1",
		"kind":           "analysis",
		"empty":          "",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if id != "msg-1" {
		t.Fatalf("expected message id msg-1, got %q", id)
	}
	if len(mock.sent) != 1 {
		t.Fatalf("expected one message, got %d", len(mock.sent))
	}
	in := mock.sent[0]
	if *in.QueueUrl != "https://sqs.local/queue" {
		t.Fatalf("wrong queue url %s", *in.QueueUrl)
	}
	if _, ok := in.MessageAttributes["empty"]; ok {
		t.Fatal("empty attribute values must be skipped")
	}
	if got := *in.MessageAttributes["correlation_id"].StringValue; got != "c1" {
		t.Fatalf("expected correlation attribute c1, got %s", got)
	}
}

func TestPublisher_SendError(t *testing.T) {
	boom := errors.New("throttled")
	p := NewPublisher(&mockSQS{err: boom}, "q")
	if _, err := p.Send(context.Background(), "{}", nil); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}
