package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	"github.com/alvaroprs8/vitascience/internal/dispatch"
)

type forwarder interface {
	Dispatch(ctx context.Context, env dispatch.Envelope) error
}

// Processor relays queued envelopes to the worker front door.
type Processor struct {
	worker forwarder
	log    *zap.Logger
}

func NewProcessor(worker forwarder, log *zap.Logger) *Processor {
	return &Processor{worker: worker, log: log}
}

// Forward decodes one queued body and posts its payload to the worker.
func (p *Processor) Forward(ctx context.Context, body []byte) error {
	env, err := dispatch.DecodeEnvelope(body)
	if err != nil {
		return errInvalidEnvelope{err}
	}
	log := p.log.With(zap.String("kind", string(env.Kind)), zap.String("correlation_id", env.CorrelationID))
	if err := p.worker.Dispatch(ctx, env); err != nil {
		log.Warn("relay to worker failed", zap.Error(err))
		return err
	}
	log.Info("relayed to worker")
	return nil
}

// Handle processes an SQS batch. Failed records are reported individually
// so SQS redelivers only those, and the redrive policy moves them to the
// DLQ after too many receives.
func (p *Processor) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	for _, rec := range ev.Records {
		if err := p.Forward(ctx, []byte(rec.Body)); err != nil {
			p.log.Error("sqs record failed",
				zap.String("message_id", rec.MessageId),
				zap.Bool("permanent", isPermanent(err)),
				zap.Error(err),
			)
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: rec.MessageId})
		}
	}
	return resp, nil
}

type errInvalidEnvelope struct{ err error }

func (e errInvalidEnvelope) Error() string { return "invalid envelope: " + e.err.Error() }
func (e errInvalidEnvelope) Unwrap() error { return e.err }

// isPermanent reports failures that a retry cannot fix.
func isPermanent(err error) bool {
	var inv errInvalidEnvelope
	if errors.As(err, &inv) {
		return true
	}
	var se *dispatch.StatusError
	if errors.As(err, &se) {
		return se.Code >= 400 && se.Code < 500 &&
			se.Code != http.StatusRequestTimeout && se.Code != http.StatusTooManyRequests
	}
	return false
}
