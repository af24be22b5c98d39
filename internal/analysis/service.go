package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/alvaroprs8/vitascience/internal/apperr"
	"github.com/alvaroprs8/vitascience/internal/correlation"
	"github.com/alvaroprs8/vitascience/internal/dispatch"
	"github.com/alvaroprs8/vitascience/internal/extract"
	"github.com/alvaroprs8/vitascience/internal/idempotency"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// Store is the correlation store the service needs.
type Store interface {
	CreatePending(ctx context.Context, p correlation.Pending) error
	Finalize(ctx context.Context, c correlation.Completion) (bool, error)
	Get(ctx context.Context, id string) (*correlation.Record, error)
	List(ctx context.Context, limit int) ([]correlation.Record, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, env dispatch.Envelope) error
}

// Keys remembers client Idempotency-Keys for submissions.
type Keys interface {
	Claim(ctx context.Context, key, requestHash, correlationID string) (*idempotency.Record, bool, error)
	MarkDone(ctx context.Context, key string) error
	MarkFailed(ctx context.Context, key, note string) error
}

type Metrics interface {
	Count(ctx context.Context, name string, dims map[string]string)
}

type Options struct {
	// CallbackURL is embedded in every dispatch.
	CallbackURL string
	// Overwrite lets a distinct second callback replace a terminal record.
	Overwrite bool
	// Keys, when set, makes submissions carrying an idempotency key
	// safe to retry.
	Keys    Keys
	Metrics Metrics
	Logger  *zap.Logger
}

// Service implements submission, callback and status for analyses.
type Service struct {
	store       Store
	dispatcher  Dispatcher
	callbackURL string
	overwrite   bool
	keys        Keys
	metrics     Metrics
	log         *zap.Logger

	now   func() time.Time
	newID func() string
}

func NewService(store Store, dispatcher Dispatcher, opts Options) *Service {
	s := &Service{
		store:       store,
		dispatcher:  dispatcher,
		callbackURL: opts.CallbackURL,
		overwrite:   opts.Overwrite,
		keys:        opts.Keys,
		metrics:     opts.Metrics,
		log:         opts.Logger,
		now:         func() time.Time { return time.Now().UTC() },
		newID:       uuid.NewString,
	}
	if s.metrics == nil {
		s.metrics = nopMetrics{}
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	return s
}

type nopMetrics struct{}

func (nopMetrics) Count(context.Context, string, map[string]string) {}

var dims = map[string]string{"kind": string(dispatch.KindAnalysis)}

// SubmitInput is one user submission.
type SubmitInput struct {
	Input    string
	Title    string
	Metadata map[string]interface{}
	// IdempotencyKey is optional. Retries with the same key and body get
	// the first correlation id back without a second dispatch.
	IdempotencyKey string
}

func (in SubmitInput) auxiliary() map[string]interface{} {
	aux := map[string]interface{}{}
	if t := strings.TrimSpace(in.Title); t != "" {
		aux["title"] = t
	}
	if len(in.Metadata) > 0 {
		aux["metadata"] = in.Metadata
	}
	return aux
}

// reserved payload keys that auxiliary data may not override
var reservedKeys = map[string]bool{"input": true, "correlationId": true, "callbackUrl": true}

// Submit records a pending analysis and hands it to the worker. It
// returns the correlation id as soon as the worker accepted the work.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (string, error) {
	if strings.TrimSpace(in.Input) == "" {
		return "", apperr.Validation("input is required")
	}
	key := strings.TrimSpace(in.IdempotencyKey)
	if key == "" || s.keys == nil {
		return s.submit(ctx, in, s.newID())
	}

	hash, err := idempotency.RequestHash(map[string]interface{}{
		"input":    in.Input,
		"title":    in.Title,
		"metadata": in.Metadata,
	})
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, "failed to hash request", err)
	}
	rec, claimed, err := s.keys.Claim(ctx, key, hash, s.newID())
	if err == nil && rec == nil {
		err = errors.New("idempotency key not found after claim")
	}
	if err != nil {
		return "", apperr.Store("failed to check idempotency key", err).WithOp("submit")
	}
	log := s.log.With(zap.String("idempotency_key", key), zap.String("correlation_id", rec.CorrelationID))
	if !claimed {
		switch {
		case rec.RequestHash != hash:
			return "", apperr.Conflict("idempotency key reused with a different request")
		case rec.Status == idempotency.StatusDone:
			log.Info("submission replayed")
			s.metrics.Count(ctx, "SubmitReplayed", dims)
			return rec.CorrelationID, nil
		default:
			return "", apperr.Conflict("a request with this idempotency key is in progress")
		}
	}

	id, err := s.submit(ctx, in, rec.CorrelationID)
	if err != nil {
		if merr := s.keys.MarkFailed(ctx, key, err.Error()); merr != nil {
			log.Warn("mark idempotency key failed", zap.Error(merr))
		}
		return "", err
	}
	if merr := s.keys.MarkDone(ctx, key); merr != nil {
		log.Warn("mark idempotency key done", zap.Error(merr))
	}
	return id, nil
}

func (s *Service) submit(ctx context.Context, in SubmitInput, id string) (string, error) {
	aux := in.auxiliary()
	log := s.log.With(zap.String("correlation_id", id))

	err := s.store.CreatePending(ctx, correlation.Pending{
		CorrelationID: id,
		OriginalInput: in.Input,
		Auxiliary:     aux,
		CreatedAt:     s.now(),
	})
	if err != nil {
		log.Error("persist pending failed", zap.Error(err))
		return "", apperr.Store("failed to record submission", err).WithOp("submit")
	}

	payload := map[string]interface{}{}
	for k, v := range aux {
		if !reservedKeys[k] {
			payload[k] = v
		}
	}
	payload["input"] = in.Input
	payload["correlationId"] = id
	payload["callbackUrl"] = s.callbackURL

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, "failed to encode dispatch payload", err)
	}

	if err := s.dispatcher.Dispatch(ctx, dispatch.Envelope{Kind: dispatch.KindAnalysis, CorrelationID: id, Payload: raw}); err != nil {
		log.Warn("dispatch failed, pending record kept", zap.Error(err))
		s.metrics.Count(ctx, "DispatchFailed", dims)
		return "", dispatchError(err).WithOp("submit")
	}

	log.Info("analysis submitted")
	s.metrics.Count(ctx, "SubmitAccepted", dims)
	return id, nil
}

func dispatchError(err error) *apperr.Error {
	var se *dispatch.StatusError
	if errors.As(err, &se) {
		msg := se.Message
		if msg == "" {
			msg = "worker rejected the request"
		}
		return apperr.Dispatch(msg, err)
	}
	return apperr.Dispatch("worker unreachable", err)
}

// StatusView is what pollers see.
type StatusView struct {
	Status        string                 `json:"status"`
	Result        json.RawMessage        `json:"result,omitempty"`
	ResultText    string                 `json:"resultText,omitempty"`
	AuxiliaryData map[string]interface{} `json:"auxiliaryData,omitempty"`
	ReceivedAt    *time.Time             `json:"receivedAt,omitempty"`
}

// Status reads the record. A missing record reads as pending.
func (s *Service) Status(ctx context.Context, id string) (*StatusView, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, apperr.Validation("correlationId is required")
	}
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, apperr.Store("failed to read status", err).WithOp("status")
	}
	if rec == nil {
		return &StatusView{Status: correlation.StatusPending}, nil
	}

	view := &StatusView{
		Status:        rec.Status,
		ResultText:    rec.ResultText,
		AuxiliaryData: mergeAux(rec.Auxiliary, rec.CallbackData),
		ReceivedAt:    rec.ReceivedAt,
	}
	if rec.ResultJSON != "" {
		view.Result = json.RawMessage(rec.ResultJSON)
	}
	return view, nil
}

// mergeAux overlays callback enrichment onto submission data.
func mergeAux(aux, callback map[string]interface{}) map[string]interface{} {
	if len(aux) == 0 && len(callback) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(aux)+len(callback))
	for k, v := range aux {
		out[k] = v
	}
	for k, v := range callback {
		out[k] = v
	}
	return out
}

// Summary is one row of the analyses listing.
type Summary struct {
	ID         string     `json:"id"`
	Status     string     `json:"status"`
	Title      string     `json:"title,omitempty"`
	ReceivedAt *time.Time `json:"receivedAt,omitempty"`
	HasResult  bool       `json:"hasResult"`
}

func (s *Service) List(ctx context.Context, limit int) ([]Summary, error) {
	switch {
	case limit <= 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}
	recs, err := s.store.List(ctx, limit)
	if err != nil {
		return nil, apperr.Store("failed to list analyses", err).WithOp("list")
	}
	out := make([]Summary, 0, len(recs))
	for _, r := range recs {
		out = append(out, Summary{
			ID:         r.CorrelationID,
			Status:     r.Status,
			Title:      extract.Title(mergeAux(r.Auxiliary, r.CallbackData)),
			ReceivedAt: r.ReceivedAt,
			HasResult:  r.ResultJSON != "" || r.ResultText != "",
		})
	}
	return out, nil
}
