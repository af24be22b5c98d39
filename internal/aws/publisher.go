package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// Publisher wraps an SQS client and a queue URL.
type Publisher struct {
	SQS      SQSAPI
	QueueURL string
}

func NewPublisher(sqsClient SQSAPI, queueURL string) *Publisher {
	return &Publisher{
		SQS:      sqsClient,
		QueueURL: queueURL,
	}
}

// Send enqueues body with string message attributes and returns the SQS message id.
func (p *Publisher) Send(ctx context.Context, body string, attributes map[string]string) (string, error) {
	input := &sqs.SendMessageInput{
		QueueUrl:    &p.QueueURL,
		MessageBody: &body,
	}
	if len(attributes) > 0 {
		msgAttrs := make(map[string]sqstypes.MessageAttributeValue, len(attributes))
		for k, v := range attributes {
			if v == "" {
				// SQS rejects empty attribute values
				continue
			}
			msgAttrs[k] = sqstypes.MessageAttributeValue{
				DataType:    String("String"),
				StringValue: String(v),
			}
		}
		input.MessageAttributes = msgAttrs
	}

	out, err := p.SQS.SendMessage(ctx, input)
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	if out.MessageId == nil {
		return "", nil
	}
	return *out.MessageId, nil
}

// String returns a pointer to s.
func String(s string) *string { return &s }
