package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/alvaroprs8/vitascience/internal/apperr"
	"github.com/alvaroprs8/vitascience/internal/correlation"
	"github.com/alvaroprs8/vitascience/internal/extract"
)

// Callback is a decoded worker completion.
type Callback struct {
	CorrelationID string
	Status        string
	Result        json.RawMessage
	// Extras holds every other top-level field of the body.
	Extras map[string]interface{}
	// Body is the raw request, used for result text extraction.
	Body []byte
}

// DecodeCallback splits a callback body into its known and extra fields.
func DecodeCallback(body []byte) (Callback, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return Callback{}, apperr.Validation("callback body must be a JSON object")
	}
	cb := Callback{Body: body}
	for k, v := range fields {
		switch k {
		case "correlationId":
			if err := json.Unmarshal(v, &cb.CorrelationID); err != nil {
				return Callback{}, apperr.Validation("correlationId must be a string")
			}
		case "status":
			if err := json.Unmarshal(v, &cb.Status); err != nil {
				return Callback{}, apperr.Validation("status must be a string")
			}
		case "result":
			if string(v) != "null" {
				cb.Result = v
			}
		default:
			var x interface{}
			if err := json.Unmarshal(v, &x); err == nil {
				if cb.Extras == nil {
					cb.Extras = map[string]interface{}{}
				}
				cb.Extras[k] = x
			}
		}
	}
	return cb, nil
}

// Outcome reports what a callback did.
type Outcome struct {
	Applied bool
}

// Complete merges a callback into its record in a single conditional
// write. A replay of the same completion is a successful no-op.
func (s *Service) Complete(ctx context.Context, cb Callback) (Outcome, error) {
	id := strings.TrimSpace(cb.CorrelationID)
	if id == "" {
		return Outcome{}, apperr.Validation("correlationId is required")
	}
	status := strings.ToLower(strings.TrimSpace(cb.Status))
	if status == "" {
		status = correlation.StatusReady
	}
	if !correlation.IsTerminal(status) {
		return Outcome{}, apperr.Validation("status must be ready or error")
	}

	log := s.log.With(zap.String("correlation_id", id), zap.String("status", status))
	applied, err := s.store.Finalize(ctx, correlation.Completion{
		CorrelationID: id,
		Status:        status,
		ResultJSON:    string(cb.Result),
		ResultText:    extract.ResultText(cb.Body),
		CallbackData:  cb.Extras,
		Hash:          correlation.Fingerprint(status, cb.Result, cb.Extras),
		ReceivedAt:    s.now(),
		Overwrite:     s.overwrite,
	})
	switch {
	case errors.Is(err, correlation.ErrAlreadyFinalized):
		log.Warn("rejected second distinct callback")
		s.metrics.Count(ctx, "CallbackConflict", dims)
		return Outcome{}, apperr.Conflict("correlationId already finalized").WithOp("callback")
	case err != nil:
		log.Error("finalize failed", zap.Error(err))
		return Outcome{}, apperr.Store("failed to store result", err).WithOp("callback")
	}

	if !applied {
		log.Info("duplicate callback ignored")
		s.metrics.Count(ctx, "CallbackDuplicate", dims)
		return Outcome{}, nil
	}
	log.Info("analysis finalized")
	s.metrics.Count(ctx, "CallbackFinalized", dims)
	return Outcome{Applied: true}, nil
}
