// Package dispatch hands work to the external worker. Every transport
// returns once the work was accepted, never when it is done.
package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind selects the worker endpoint.
type Kind string

const (
	KindAnalysis Kind = "analysis"
	KindChat     Kind = "chat"
)

// Envelope is the unit sent over queues and relayed to the worker.
// Payload is exactly the body the worker receives.
type Envelope struct {
	Kind          Kind            `json:"kind"`
	CorrelationID string          `json:"correlationId"`
	Payload       json.RawMessage `json:"payload"`
}

func (e Envelope) Validate() error {
	switch e.Kind {
	case KindAnalysis, KindChat:
	default:
		return fmt.Errorf("unknown envelope kind %q", e.Kind)
	}
	if e.CorrelationID == "" {
		return errors.New("envelope without correlation id")
	}
	if len(e.Payload) == 0 {
		return errors.New("envelope without payload")
	}
	return nil
}

// DecodeEnvelope parses and validates a queued envelope.
func DecodeEnvelope(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return env, fmt.Errorf("decode envelope: %w", err)
	}
	return env, env.Validate()
}
