package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alvaroprs8/vitascience/internal/aws"
)

// SQSDispatcher enqueues envelopes for the relay. SendMessage success is
// the acceptance point.
type SQSDispatcher struct {
	publisher *aws.Publisher
}

func NewSQSDispatcher(publisher *aws.Publisher) *SQSDispatcher {
	return &SQSDispatcher{publisher: publisher}
}

func (d *SQSDispatcher) Dispatch(ctx context.Context, env Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	_, err = d.publisher.Send(ctx, string(body), map[string]string{
		"kind":           string(env.Kind),
		"correlation_id": env.CorrelationID,
	})
	return err
}
